package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/observability"
	"github.com/Mindburn-Labs/helm-pay/pkg/retry"
)

const (
	// DefaultProcessorTimeout bounds one ExecuteTransaction's processor work,
	// retries included.
	DefaultProcessorTimeout = 30 * time.Second
	// DefaultWorkflowTTL is the intent lifetime when a workflow names none.
	DefaultWorkflowTTL = time.Hour
)

// WorkflowRequest is the input to InitiateWorkflow.
type WorkflowRequest struct {
	UserID            string
	BusinessID        string
	AgentID           string
	IntentDescription string
	Items             []mandate.Item
	Constraints       mandate.Constraints
	PaymentMethodID   string
	TTL               time.Duration
}

// WorkflowHandle is what InitiateWorkflow produced.
type WorkflowHandle struct {
	IntentMandate *mandate.Mandate `json:"intent_mandate"`
	CartMandate   *mandate.Mandate `json:"cart_mandate"`
	Transaction   *Transaction     `json:"transaction"`
}

// ExecuteRequest executes a cart. AgentID and PaymentMethodID are only used
// when no pending workflow transaction is bound to the cart.
type ExecuteRequest struct {
	CartMandateID   string
	AgentID         string
	PaymentMethodID string
}

// Orchestrator sequences mandate checks, cart consumption and processor
// settlement.
type Orchestrator struct {
	authority   *mandate.Authority
	validator   mandate.CartValidator
	store       Store
	processor   Processor
	dispatcher  Dispatcher
	obs         *observability.Provider
	timeout     time.Duration
	retryPolicy retry.Policy
	clock       func() time.Time
	logger      *slog.Logger
}

// NewOrchestrator wires an orchestrator with a logging dispatcher and the
// default processor timeout.
func NewOrchestrator(authority *mandate.Authority, validator mandate.CartValidator, store Store, processor Processor) *Orchestrator {
	logger := slog.Default().With("component", "payment_orchestrator")
	return &Orchestrator{
		authority:   authority,
		validator:   validator,
		store:       store,
		processor:   processor,
		dispatcher:  LogDispatcher{Logger: logger},
		obs:         observability.Disabled(),
		timeout:     DefaultProcessorTimeout,
		retryPolicy: retry.DefaultProcessorPolicy,
		clock:       time.Now,
		logger:      logger,
	}
}

// WithDispatcher sets the event dispatcher.
func (o *Orchestrator) WithDispatcher(d Dispatcher) *Orchestrator {
	o.dispatcher = d
	return o
}

// WithObservability sets the telemetry provider.
func (o *Orchestrator) WithObservability(p *observability.Provider) *Orchestrator {
	o.obs = p
	return o
}

// WithProcessorTimeout sets the bound on processor work per execution.
func (o *Orchestrator) WithProcessorTimeout(d time.Duration) *Orchestrator {
	if d > 0 {
		o.timeout = d
	}
	o.checkRetryBudget()
	return o
}

// WithRetryPolicy sets the backoff used for retryable processor errors.
func (o *Orchestrator) WithRetryPolicy(p retry.Policy) *Orchestrator {
	o.retryPolicy = p
	o.checkRetryBudget()
	return o
}

// checkRetryBudget warns when the charge retry schedule cannot complete
// inside the processor timeout. Late attempts are then cut off by the
// deadline and the transaction ends FAILED with a timeout.
func (o *Orchestrator) checkRetryBudget() {
	plan := retry.GeneratePlan(retry.Params{Operation: "charge"}, o.retryPolicy, time.Unix(0, 0))
	if total := plan.Total(); total >= o.timeout {
		o.logger.Warn("charge retry schedule exceeds processor timeout",
			"policy_id", plan.PolicyID,
			"max_attempts", plan.MaxAttempts,
			"schedule", total,
			"timeout", o.timeout)
	}
}

// WithClock overrides clock for testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

func (o *Orchestrator) now() time.Time {
	return o.clock().UTC().Truncate(time.Microsecond)
}

// InitiateWorkflow issues an intent and a cart, checks the payment method
// and records a pending transaction bound to the cart. On failure no
// transaction exists; mandates already issued stay active.
func (o *Orchestrator) InitiateWorkflow(ctx context.Context, req WorkflowRequest) (handle *WorkflowHandle, err error) {
	ctx, finish := o.obs.TrackOperation(ctx, "payment.initiate_workflow",
		observability.AttrBusinessID.String(req.BusinessID))
	defer func() { finish(err) }()

	ttl := req.TTL
	if ttl == 0 {
		ttl = DefaultWorkflowTTL
	}
	intent, err := o.authority.IssueIntent(ctx, mandate.IntentRequest{
		UserID:      req.UserID,
		BusinessID:  req.BusinessID,
		Description: req.IntentDescription,
		Constraints: req.Constraints,
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("issue intent: %w", err)
	}

	cart, err := o.authority.IssueCart(ctx, intent.ID, req.Items)
	if err != nil {
		return nil, fmt.Errorf("issue cart: %w", err)
	}
	if err := o.validator.Validate(cart, intent); err != nil {
		return nil, fmt.Errorf("validate cart: %w", err)
	}
	if !intent.Intent.Constraints.AllowsPaymentMethod(req.PaymentMethodID) {
		return nil, fmt.Errorf("%w: %q", ErrPaymentMethodDenied, req.PaymentMethodID)
	}

	now := o.now()
	txn := o.newTransaction(cart, intent, req.AgentID, req.PaymentMethodID, now)
	if err := o.store.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("persist transaction: %w", err)
	}
	o.emit(ctx, txn, "")

	o.logger.InfoContext(ctx, "workflow initiated",
		"intent_id", intent.ID,
		"cart_id", cart.ID,
		"transaction_id", txn.ID,
		"amount", txn.Amount.String(),
	)
	return &WorkflowHandle{IntentMandate: intent, CartMandate: cart, Transaction: txn.Clone()}, nil
}

// ExecuteTransaction consumes the cart and settles its pending workflow
// transaction with the processor.
func (o *Orchestrator) ExecuteTransaction(ctx context.Context, cartID string) (*Transaction, error) {
	return o.Execute(ctx, ExecuteRequest{CartMandateID: cartID})
}

// Execute verifies the cart and its intent, atomically consumes the cart and
// charges the processor. Processor outcomes are reported through the
// returned transaction's state, not the error.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (txn *Transaction, err error) {
	ctx, finish := o.obs.TrackOperation(ctx, "payment.execute",
		observability.AttrMandateID.String(req.CartMandateID))
	defer func() { finish(err) }()

	cart, err := o.authority.Resolve(ctx, req.CartMandateID)
	if err != nil {
		return nil, err
	}
	if cart.Type != mandate.TypeCart || cart.Cart == nil {
		return nil, fmt.Errorf("%w: mandate %s is not a cart", mandate.ErrConstraintViolation, cart.ID)
	}
	intent, err := o.authority.Resolve(ctx, cart.ParentID())
	if err != nil {
		return nil, fmt.Errorf("parent intent: %w", err)
	}
	if err := o.validator.Validate(cart, intent); err != nil {
		return nil, err
	}

	now := o.now()
	txn, isNew, err := o.bindTransaction(ctx, cart, intent, req, now)
	if err != nil {
		return nil, err
	}

	consumed, err := o.store.ConsumeCart(ctx, Consumption{
		IntentID:    intent.ID,
		CartID:      cart.ID,
		Transaction: txn,
		New:         isNew,
		At:          now,
	})
	if err != nil {
		if IsStateError(err) || errors.Is(err, mandate.ErrMandateAlreadyConsumed) {
			o.logger.WarnContext(ctx, "cart consumption lost",
				"cart_id", cart.ID, "transaction_id", txn.ID, "error", err)
		}
		return nil, err
	}
	o.obs.RecordTransition(ctx, "mandate", string(mandate.StatusActive), string(mandate.StatusConsumed))
	if isNew {
		o.emit(ctx, txn, "")
	}
	o.emit(ctx, consumed, StatePending)

	return o.settle(ctx, consumed)
}

// bindTransaction finds the pending workflow transaction for the cart or
// builds a fresh snapshot.
func (o *Orchestrator) bindTransaction(ctx context.Context, cart, intent *mandate.Mandate, req ExecuteRequest, now time.Time) (*Transaction, bool, error) {
	existing, err := o.store.ListTransactionsByCart(ctx, cart.ID)
	if err != nil {
		return nil, false, fmt.Errorf("list transactions: %w", err)
	}
	var cancelled *Transaction
	for _, t := range existing {
		switch t.State {
		case StatePending:
			return t, false, nil
		case StateCancelled:
			cancelled = t
		default:
			return nil, false, fmt.Errorf("%w: cart %s executed by transaction %s",
				mandate.ErrMandateAlreadyConsumed, cart.ID, t.ID)
		}
	}
	if cancelled != nil {
		o.logger.WarnContext(ctx, "execution of cancelled workflow", "cart_id", cart.ID, "transaction_id", cancelled.ID)
		return nil, false, fmt.Errorf("%w: transaction %s for cart %s was cancelled", ErrInvalidState, cancelled.ID, cart.ID)
	}

	method := strings.TrimSpace(req.PaymentMethodID)
	allowed := intent.Intent.Constraints.AllowedPaymentMethods
	if method == "" && len(allowed) > 0 {
		// The intent's first allowed method is its default.
		method = allowed[0]
	}
	if !intent.Intent.Constraints.AllowsPaymentMethod(method) {
		return nil, false, fmt.Errorf("%w: %q", ErrPaymentMethodDenied, method)
	}
	return o.newTransaction(cart, intent, req.AgentID, method, now), true, nil
}

func (o *Orchestrator) newTransaction(cart, intent *mandate.Mandate, agentID, method string, now time.Time) *Transaction {
	id := uuid.NewString()
	return &Transaction{
		ID:              id,
		CartMandateID:   cart.ID,
		IntentMandateID: intent.ID,
		AgentID:         agentID,
		PaymentMethodID: method,
		BusinessID:      cart.BusinessID,
		UserID:          cart.SubjectUserID,
		State:           StatePending,
		Amount:          cart.Cart.Total,
		IdempotencyKey:  IdempotencyKeyFor(id),
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
}

// settle charges the processor under the timeout bound and records the
// terminal state. The charge outlives caller cancellation so the
// transaction is never left processing.
func (o *Orchestrator) settle(ctx context.Context, txn *Transaction) (*Transaction, error) {
	base := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(base, o.timeout)
	defer cancel()

	req := ChargeRequest{
		TransactionID:   txn.ID,
		IdempotencyKey:  txn.IdempotencyKey,
		PaymentMethodID: txn.PaymentMethodID,
		BusinessID:      txn.BusinessID,
		Amount:          txn.Amount,
	}
	params := retry.Params{
		PolicyID:       o.retryPolicy.PolicyID,
		Operation:      "charge",
		IdempotencyKey: txn.IdempotencyKey,
	}

	var result ChargeResult
	chargeErr := retry.Do(callCtx, params, o.retryPolicy, retryableCharge, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			o.logger.InfoContext(ctx, "retrying charge", "transaction_id", txn.ID, "attempt", attempt)
		}
		r, err := o.charge(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	update := Update{From: StateProcessing, At: o.now()}
	outcome := "settled"
	var pe *ProcessorError
	switch {
	case chargeErr == nil:
		update.To = StateSettled
		update.ProcessorReference = result.ProcessorReference
	case errors.As(chargeErr, &pe) && pe.Kind == FailureTerminal:
		update.To = StateFailed
		update.FailureKind = FailureTerminal
		update.FailureReason = pe.Reason
		outcome = "declined"
	case callCtx.Err() != nil:
		update.To = StateFailed
		update.FailureKind = FailureRetryable
		update.FailureReason = ReasonProcessorTimeout
		outcome = "timeout"
	default:
		update.To = StateFailed
		update.FailureKind = FailureRetryable
		update.FailureReason = "processor_unavailable"
		if pe != nil && pe.Reason != "" {
			update.FailureReason = pe.Reason
		}
		outcome = "retries_exhausted"
	}
	o.obs.RecordCharge(ctx, outcome, txn.PaymentMethodID)

	var final *Transaction
	err := retry.Do(base, retry.Params{Operation: "record_outcome", IdempotencyKey: txn.IdempotencyKey},
		retry.Policy{BaseMs: 50, MaxMs: 1000, MaxAttempts: 5},
		func(err error) bool { return !errors.Is(err, ErrInvalidState) },
		func(ctx context.Context, _ int) error {
			t, err := o.store.UpdateTransaction(ctx, txn.ID, update)
			if err != nil {
				return err
			}
			final = t
			return nil
		})
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to record processor outcome",
			"transaction_id", txn.ID, "outcome", outcome, "error", err)
		return nil, fmt.Errorf("record outcome for transaction %s: %w", txn.ID, err)
	}
	o.emit(ctx, final, StateProcessing)

	if final.State == StateFailed {
		o.logger.WarnContext(ctx, "transaction failed",
			"transaction_id", final.ID,
			"reason", final.FailureReason,
			"kind", final.FailureKind,
			"error", chargeErr,
		)
	} else {
		o.logger.InfoContext(ctx, "transaction settled",
			"transaction_id", final.ID,
			"processor_reference", final.ProcessorReference,
			"amount", final.Amount.String(),
		)
	}
	return final, nil
}

// charge runs one processor call but stops waiting when ctx ends, even if
// the processor ignores ctx. A late result is dropped; the idempotency key
// keeps a later charge of the same transaction from double charging.
func (o *Orchestrator) charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	type chargeOutcome struct {
		result ChargeResult
		err    error
	}
	done := make(chan chargeOutcome, 1)
	go func() {
		r, err := o.processor.Charge(ctx, req)
		done <- chargeOutcome{result: r, err: err}
	}()
	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return ChargeResult{}, ctx.Err()
	}
}

// retryableCharge treats unclassified errors as transient.
func retryableCharge(err error) bool {
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe.Kind == FailureRetryable
	}
	return !errors.Is(err, context.Canceled)
}

// GetTransaction returns a transaction by id.
func (o *Orchestrator) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return o.store.GetTransaction(ctx, id)
}

// ListTransactions returns every transaction recorded against a cart.
func (o *Orchestrator) ListTransactions(ctx context.Context, cartID string) ([]*Transaction, error) {
	return o.store.ListTransactionsByCart(ctx, cartID)
}

// Cancel moves a pending transaction to cancelled. It never affects a
// transaction already executing.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Transaction, error) {
	return o.cancel(ctx, id, "")
}

func (o *Orchestrator) cancel(ctx context.Context, id, reason string) (*Transaction, error) {
	t, err := o.store.UpdateTransaction(ctx, id, Update{From: StatePending, To: StateCancelled, FailureReason: reason, At: o.now()})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			o.logger.WarnContext(ctx, "cancel rejected", "transaction_id", id, "error", err)
		}
		return nil, err
	}
	o.emit(ctx, t, StatePending)
	return t, nil
}

// Reconcile closes transactions that can no longer progress and returns how
// many it moved. Pending transactions whose cart stopped being active are
// cancelled. Processing transactions untouched for twice the processor
// timeout lost their outcome write and are failed with
// ReasonOutcomeUnrecorded; the processor remains the record of whether
// money moved.
func (o *Orchestrator) Reconcile(ctx context.Context, limit int) (n int, err error) {
	ctx, finish := o.obs.TrackOperation(ctx, "payment.reconcile")
	defer func() { finish(err) }()

	now := o.now()
	pending, err := o.store.ListTransactionsByState(ctx, StatePending, now.Add(time.Microsecond), limit)
	if err != nil {
		return 0, fmt.Errorf("list pending transactions: %w", err)
	}
	for _, t := range pending {
		if _, rerr := o.authority.Resolve(ctx, t.CartMandateID); rerr == nil || !mandate.IsAuthorizationError(rerr) {
			continue
		}
		if _, cerr := o.cancel(ctx, t.ID, ReasonCartNoLongerActive); cerr != nil {
			if errors.Is(cerr, ErrInvalidState) {
				continue
			}
			return n, cerr
		}
		n++
	}

	stale, err := o.store.ListTransactionsByState(ctx, StateProcessing, now.Add(-2*o.timeout), limit)
	if err != nil {
		return n, fmt.Errorf("list processing transactions: %w", err)
	}
	for _, t := range stale {
		final, uerr := o.store.UpdateTransaction(ctx, t.ID, Update{
			From:          StateProcessing,
			To:            StateFailed,
			FailureKind:   FailureRetryable,
			FailureReason: ReasonOutcomeUnrecorded,
			At:            o.now(),
		})
		if uerr != nil {
			if errors.Is(uerr, ErrInvalidState) {
				continue
			}
			return n, uerr
		}
		o.logger.ErrorContext(ctx, "processing transaction failed by reconciliation",
			"transaction_id", t.ID,
			"idempotency_key", t.IdempotencyKey,
			"stuck_since", t.UpdatedAt)
		o.emit(ctx, final, StateProcessing)
		n++
	}
	return n, nil
}

func (o *Orchestrator) emit(ctx context.Context, t *Transaction, prev State) {
	o.obs.RecordTransition(ctx, "transaction", string(prev), string(t.State))
	if o.dispatcher == nil {
		return
	}
	if err := o.dispatcher.Dispatch(ctx, NewEvent(t, prev)); err != nil {
		o.logger.ErrorContext(ctx, "event dispatch failed",
			"transaction_id", t.ID, "state", t.State, "error", err)
	}
}
