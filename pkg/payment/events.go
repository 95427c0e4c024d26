package payment

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event records one transaction state transition.
type Event struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	CartMandateID string    `json:"cart_mandate_id"`
	BusinessID    string    `json:"business_id"`
	PreviousState State     `json:"previous_state,omitempty"`
	NewState      State     `json:"new_state"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEvent builds the event for t having moved from prev.
func NewEvent(t *Transaction, prev State) Event {
	return Event{
		ID:            uuid.NewString(),
		TransactionID: t.ID,
		CartMandateID: t.CartMandateID,
		BusinessID:    t.BusinessID,
		PreviousState: prev,
		NewState:      t.State,
		Reason:        t.FailureReason,
		Timestamp:     t.UpdatedAt,
	}
}

// Dispatcher publishes transition events. Delivery is best effort from the
// orchestrator's point of view.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, e Event) error

func (f DispatcherFunc) Dispatch(ctx context.Context, e Event) error { return f(ctx, e) }

// LogDispatcher writes events to a structured logger.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, e Event) error {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "transaction transition",
		"event_id", e.ID,
		"transaction_id", e.TransactionID,
		"from", e.PreviousState,
		"to", e.NewState,
		"reason", e.Reason,
	)
	return nil
}
