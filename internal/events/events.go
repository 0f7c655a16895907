// Package events publishes order lifecycle notifications after the state
// change they describe has been committed.
package events

import (
	"context"
	"sync"
	"time"

	"storefront/backend/internal/xid"
)

const (
	TypeOrderCreated           = "order.created"
	TypeSaleRecorded           = "sale.recorded"
	TypeOrderStatusChanged     = "order.status_changed"
	TypeReconciliationRequired = "checkout.reconciliation_required"
)

type Event struct {
	ID         string    `json:"event_id"`
	Type       string    `json:"type"`
	OrderID    int64     `json:"order_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

func New(eventType string, orderID int64, payload any) Event {
	return Event{
		ID:         xid.New("evt"),
		Type:       eventType,
		OrderID:    orderID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) error {
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) OfType(eventType string) []Event {
	out := make([]Event, 0)
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
