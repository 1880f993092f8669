// Package events provides the event envelope used both for inbound domain
// events (which the dispatcher turns into workflow runs) and for outbound
// notifications (which workflow steps emit to a Sink).
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMissingName indicates an envelope without an event name.
var ErrMissingName = errors.New("event name is required")

// Envelope wraps an event with the metadata needed for routing and
// deduplication. Data carries ids and scalars only.
type Envelope struct {
	// ID uniquely identifies this event instance. Redelivery of the same
	// event must reuse the ID so the dispatcher can deduplicate it.
	ID string `json:"id"`

	// Name identifies the event for routing, e.g. "thesis/phase.approved".
	Name string `json:"name"`

	// Source identifies the component that emitted the event.
	Source string `json:"source,omitempty"`

	// OccurredAt records when the triggering action happened.
	OccurredAt time.Time `json:"occurred_at"`

	// IdempotencyKey lets sinks drop duplicate notifications.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Data contains the event payload as JSON.
	Data json.RawMessage `json:"data"`
}

// New builds an envelope with a fresh id, marshaling data.
func New(name, source string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Envelope{
		ID:         uuid.NewString(),
		Name:       name,
		Source:     source,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

// Normalize fills in a missing id and timestamp and checks the name.
func (e *Envelope) Normalize(now time.Time) error {
	if e.Name == "" {
		return ErrMissingName
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("{}")
	}
	return nil
}

// Decode unmarshals raw event data into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, fmt.Errorf("decode %T: empty payload", out)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

// Sink delivers outbound notifications to downstream consumers.
// Implementations should treat a repeated IdempotencyKey as a no-op where
// they can; callers must not fail their primary operation because of a
// sink error.
type Sink interface {
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpSink discards every event.
type NoOpSink struct{}

// Append implements Sink with no-op behavior.
func (n *NoOpSink) Append(_ context.Context, _ Envelope) error {
	return nil // Always succeeds
}

// NewNoOpSink creates a sink that discards events.
func NewNoOpSink() Sink {
	return &NoOpSink{}
}

// MemorySink keeps events in memory, deduplicated by idempotency key.
// It backs tests and single-process deployments.
type MemorySink struct {
	mu     sync.Mutex
	events []Envelope
	seen   map[string]struct{}
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]struct{})}
}

// Append records the event unless its idempotency key was already seen.
func (m *MemorySink) Append(_ context.Context, envelope Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if envelope.IdempotencyKey != "" {
		if _, ok := m.seen[envelope.IdempotencyKey]; ok {
			return nil
		}
		m.seen[envelope.IdempotencyKey] = struct{}{}
	}
	m.events = append(m.events, envelope)
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemorySink) Events() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Envelope, len(m.events))
	copy(out, m.events)
	return out
}

// Named returns the recorded events with the given name.
func (m *MemorySink) Named(name string) []Envelope {
	var out []Envelope
	for _, e := range m.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
