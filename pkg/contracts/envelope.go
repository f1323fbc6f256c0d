// Package contracts defines the event envelope: the immutable record of a
// system occurrence that every producer publishes and every subscriber
// receives. The envelope is the only wire shape the bus understands; the
// payload inside it is opaque and never validated here.
package contracts

import (
	"time"

	"github.com/google/uuid"
)

// SchemaDefault is the envelope schema tag applied when a producer does not
// pin one explicitly.
const SchemaDefault = "genesis.event.v1"

// Envelope is the immutable record of a single event.
//
// ID and Timestamp are assigned at construction; Watermark is assigned by the
// store at persistence time and is zero until then. DedupeKey drives
// idempotent publish: when empty, the store uses the envelope ID, so every
// envelope is trivially idempotent against its own redelivery.
type Envelope struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"ts"`
	Topic         string         `json:"topic"`
	Source        string         `json:"source"`
	Kind          Kind           `json:"kind"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Schema        string         `json:"schema"`
	Payload       map[string]any `json:"payload"`
	DedupeKey     string         `json:"dedupe_key,omitempty"`
	Watermark     int64          `json:"watermark,omitempty"`
}

// Option customizes an envelope under construction.
type Option func(*Envelope)

// WithPayload sets the event payload. The map is carried as-is, not deep-copied.
func WithPayload(p map[string]any) Option {
	return func(e *Envelope) { e.Payload = p }
}

// WithCorrelationID links the envelope to a logical flow spanning many events.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithCausationID records the event that directly caused this one.
func WithCausationID(id string) Option {
	return func(e *Envelope) { e.CausationID = id }
}

// WithDedupeKey sets the idempotency key for duplicate suppression.
func WithDedupeKey(key string) Option {
	return func(e *Envelope) { e.DedupeKey = key }
}

// WithSchema pins an explicit schema tag instead of SchemaDefault.
func WithSchema(schema string) Option {
	return func(e *Envelope) { e.Schema = schema }
}

// WithTimestamp overrides the construction timestamp. Intended for
// deterministic tests; the value is normalized to UTC.
func WithTimestamp(ts time.Time) Option {
	return func(e *Envelope) { e.Timestamp = ts.UTC() }
}

// WithID overrides the autogenerated envelope ID.
func WithID(id string) Option {
	return func(e *Envelope) { e.ID = id }
}

// New constructs a validated envelope. Construction requires topic, source,
// and kind; everything else defaults (autogenerated UUID, now-UTC timestamp,
// SchemaDefault, empty payload). An invalid combination returns a
// *ContractError and no envelope.
func New(topic, source string, kind Kind, opts ...Option) (Envelope, error) {
	e := Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Source:    source,
		Kind:      kind,
		Schema:    SchemaDefault,
		Payload:   map[string]any{},
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if err := Validate(e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// EffectiveDedupeKey returns the key the store deduplicates on: the explicit
// DedupeKey when set, otherwise the envelope ID.
func (e Envelope) EffectiveDedupeKey() string {
	if e.DedupeKey != "" {
		return e.DedupeKey
	}
	return e.ID
}
