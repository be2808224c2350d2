package event

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownSchema is returned by Codec.Decode when no decoder was registered
// for the envelope's (event_type, schema_version) pair.
var ErrUnknownSchema = errors.New("unknown event schema")

// DecodeFunc turns a raw payload into a typed domain event.
type DecodeFunc func(payload []byte) (any, error)

type schemaKey struct {
	eventType string
	version   int
}

// Codec maps (event_type, schema_version) to a payload decoder. Services
// register a decoder per event variant they consume at startup, replacing
// compile-time generic constraints with a tagged-union decode.
type Codec struct {
	mu       sync.RWMutex
	decoders map[schemaKey]DecodeFunc
}

func NewCodec() *Codec {
	return &Codec{decoders: make(map[schemaKey]DecodeFunc)}
}

// RegisterDecoder wires a decoder for one event type + version. Registering
// the same pair twice is a programming error and panics at startup.
func (c *Codec) RegisterDecoder(eventType string, version int, fn DecodeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := schemaKey{eventType: eventType, version: version}
	if _, dup := c.decoders[k]; dup {
		panic(fmt.Sprintf("decoder already registered for %s v%d", eventType, version))
	}
	c.decoders[k] = fn
}

// Decode resolves the decoder for the envelope's schema and applies it to the
// payload bytes.
func (c *Codec) Decode(e Envelope) (any, error) {
	c.mu.RLock()
	fn, ok := c.decoders[schemaKey{eventType: e.EventType, version: e.SchemaVersion}]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnknownSchema, e.EventType, e.SchemaVersion)
	}
	return fn(e.Payload)
}
