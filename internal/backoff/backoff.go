package backoff

import (
	"math/rand"
	"time"
)

// Policy computes exponential backoff delays with jitter. The zero value is
// not usable; construct with Default or fill every field.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction of the delay, e.g. 0.2 for ±20%
}

// Default matches the broker reconnect policy: base 1s, cap 30s, jitter ±20%.
func Default() Policy {
	return Policy{Base: time.Second, Cap: 30 * time.Second, Jitter: 0.2}
}

// Delay returns the backoff before retry number attempt (attempt >= 1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.Cap
	if shift := attempt - 1; shift < 32 {
		if v := p.Base << shift; v > 0 && v < p.Cap {
			d = v
		}
	}

	if p.Jitter > 0 {
		// Spread in [d*(1-j), d*(1+j)].
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread + 2*spread*rand.Float64())
	}
	return d
}
