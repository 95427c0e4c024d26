// Package payment drives a validated cart through processor settlement.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// State is the lifecycle state of a transaction.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateSettled    State = "settled"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateSettled || s == StateFailed || s == StateCancelled
}

// FailureKind classifies why a transaction failed.
type FailureKind string

const (
	FailureRetryable FailureKind = "retryable"
	FailureTerminal  FailureKind = "terminal"
)

// Failure and cancellation reasons recorded by the orchestrator.
const (
	ReasonProcessorTimeout   = "processor_timeout"
	ReasonOutcomeUnrecorded  = "outcome_unrecorded"
	ReasonCartNoLongerActive = "cart_no_longer_active"
)

// Transaction is one attempt to charge a cart.
type Transaction struct {
	ID                 string        `json:"id"`
	CartMandateID      string        `json:"cart_mandate_id"`
	IntentMandateID    string        `json:"intent_mandate_id"`
	AgentID            string        `json:"agent_id"`
	PaymentMethodID    string        `json:"payment_method_id"`
	BusinessID         string        `json:"business_id"`
	UserID             string        `json:"user_id"`
	State              State         `json:"state"`
	Amount             finance.Money `json:"amount"`
	ProcessorReference string        `json:"processor_reference,omitempty"`
	IdempotencyKey     string        `json:"idempotency_key"`
	FailureReason      string        `json:"failure_reason,omitempty"`
	FailureKind        FailureKind   `json:"failure_kind,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	Version            int64         `json:"version"`
}

// Clone returns a copy safe to hand out of a store.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// IdempotencyKeyFor derives the processor idempotency key from a transaction id.
func IdempotencyKeyFor(transactionID string) string {
	return "helm-pay-txn-" + transactionID
}

// CheckTransition enforces the transaction state machine:
// pending -> processing | cancelled, processing -> settled | failed.
func CheckTransition(from, to State) error {
	switch from {
	case StatePending:
		if to == StateProcessing || to == StateCancelled {
			return nil
		}
	case StateProcessing:
		if to == StateSettled || to == StateFailed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
}

// Update describes a compare-and-set transition of a transaction.
type Update struct {
	From               State
	To                 State
	ProcessorReference string
	FailureReason      string
	FailureKind        FailureKind
	At                 time.Time
}

// Apply checks the transition and writes it onto t. Stores call it under
// their own lock or transaction.
func (u Update) Apply(t *Transaction) error {
	if t.State != u.From {
		return fmt.Errorf("%w: transaction %s is %s, expected %s", ErrInvalidState, t.ID, t.State, u.From)
	}
	if err := CheckTransition(u.From, u.To); err != nil {
		return err
	}
	t.State = u.To
	if u.ProcessorReference != "" {
		t.ProcessorReference = u.ProcessorReference
	}
	switch u.To {
	case StateFailed:
		t.FailureReason = u.FailureReason
		t.FailureKind = u.FailureKind
	case StateCancelled:
		t.FailureReason = u.FailureReason
	}
	t.UpdatedAt = u.At
	t.Version++
	return nil
}

// Consumption is the atomic unit that turns an active cart into a
// processing transaction.
type Consumption struct {
	IntentID    string
	CartID      string
	Transaction *Transaction
	// New is true when Transaction is a fresh snapshot to insert directly as
	// processing; otherwise the stored pending record is moved to processing.
	New bool
	At  time.Time
}

// Store persists transactions and performs the cross-entity consumption.
type Store interface {
	CreateTransaction(ctx context.Context, t *Transaction) error
	// GetTransaction returns ErrTransactionNotFound for unknown ids.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactionsByCart(ctx context.Context, cartID string) ([]*Transaction, error)
	// ListTransactionsByState returns up to limit transactions in state whose
	// last update is before updatedBefore, oldest first.
	ListTransactionsByState(ctx context.Context, state State, updatedBefore time.Time, limit int) ([]*Transaction, error)
	// UpdateTransaction applies u only if the stored state is still u.From.
	UpdateTransaction(ctx context.Context, id string, u Update) (*Transaction, error)
	// ConsumeCart re-checks the intent is active and unexpired at c.At,
	// moves the cart active -> consumed, and the transaction to processing,
	// all or nothing. A cart that is no longer active yields the mandate
	// error for its status.
	ConsumeCart(ctx context.Context, c Consumption) (*Transaction, error)
}
