// Package events emits ledger domain events to a message broker.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names a domain event.
type Type string

const (
	TransferCompleted           Type = "transfer.completed"
	TransferFailed              Type = "transfer.failed"
	TransferApprovalRequired    Type = "transfer.approval_required"
	TransferRejected            Type = "transfer.rejected"
	SegregationViolated         Type = "segregation.violated"
	AllocationChanged           Type = "allocation.changed"
	ReconciliationOverAllocated Type = "reconciliation.over_allocated"
	ExchangeUnavailable         Type = "reconciliation.exchange_unavailable"
)

// Event is a single domain event. Key selects the broker partition so that events
// for one account or allocation key stay ordered.
type Event struct {
	ID         string      `json:"id"`
	Type       Type        `json:"type"`
	Key        string      `json:"key"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// New stamps an event with an id and the current time.
func New(t Type, key string, payload interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Publisher delivers events. Publishing happens after the state change committed,
// so a publish failure never undoes ledger state.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, e Event) error { return nil }
func (NopPublisher) Close() error                               { return nil }

// LogPublisher writes events to a zap logger. Used when no broker is configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(ctx context.Context, e Event) error {
	if p.Logger != nil {
		p.Logger.Info("domain event",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.String("key", e.Key),
			zap.Any("payload", e.Payload),
		)
	}
	return nil
}

func (p LogPublisher) Close() error { return nil }

// MemoryPublisher keeps events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryPublisher) Publish(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Events returns a copy of the published events.
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the published events of type t.
func (m *MemoryPublisher) OfType(t Type) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
