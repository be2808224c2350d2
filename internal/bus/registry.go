package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoHandler means an envelope arrived for an event type the consumer never
// registered. That is a configuration gap: it is dead-lettered immediately,
// since retrying cannot conjure a handler.
var ErrNoHandler = errors.New("no handler registered")

// HandlerFunc applies the business side effect of one integration event.
// Returning nil acknowledges the event. A plain error is treated as retryable;
// wrap with Permanent to signal the event can never be applied.
type HandlerFunc func(ctx context.Context, payload []byte, correlationID string) error

// PermanentError marks a handler failure that retrying cannot fix, e.g. the
// payload fails business validation or references a deleted entity.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the consumer runtime dead-letters the envelope
// without further retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked permanent.
// Unrecognized errors are retryable: the runtime fails safe toward retry over
// silent drop.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Registry maps an event type name to the handler a consuming service
// registered for it at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register wires fn to eventType. Registering the same type twice is a
// programming error and panics at startup.
func (r *Registry) Register(eventType string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.handlers[eventType]; dup {
		panic(fmt.Sprintf("handler already registered for %s", eventType))
	}
	r.handlers[eventType] = fn
}

// Resolve looks up the handler for eventType.
func (r *Registry) Resolve(eventType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.handlers[eventType]
	return fn, ok
}

// Types returns the registered event type names, for startup logging.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
