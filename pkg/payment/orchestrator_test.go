package payment_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-pay/pkg/cart"
	"github.com/Mindburn-Labs/helm-pay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
	"github.com/Mindburn-Labs/helm-pay/pkg/retry"
	"github.com/Mindburn-Labs/helm-pay/pkg/store"
)

type chargeStep func(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error)

// scriptedProcessor plays steps in order and succeeds once they run out.
type scriptedProcessor struct {
	mu    sync.Mutex
	calls []payment.ChargeRequest
	steps []chargeStep
}

func (p *scriptedProcessor) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	p.mu.Lock()
	n := len(p.calls)
	p.calls = append(p.calls, req)
	var step chargeStep
	if n < len(p.steps) {
		step = p.steps[n]
	}
	p.mu.Unlock()

	if step != nil {
		return step(ctx, req)
	}
	return payment.ChargeResult{ProcessorReference: "ch_" + req.TransactionID}, nil
}

func (p *scriptedProcessor) Calls() []payment.ChargeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]payment.ChargeRequest(nil), p.calls...)
}

func fail(err error) chargeStep {
	return func(context.Context, payment.ChargeRequest) (payment.ChargeResult, error) {
		return payment.ChargeResult{}, err
	}
}

type recorder struct {
	mu     sync.Mutex
	events []payment.Event
}

func (r *recorder) Dispatch(_ context.Context, e payment.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) transitions() [][2]payment.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][2]payment.State, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, [2]payment.State{e.PreviousState, e.NewState})
	}
	return out
}

type harness struct {
	store     *store.MemoryStore
	authority *mandate.Authority
	processor *scriptedProcessor
	events    *recorder
	orch      *payment.Orchestrator
}

var fastRetry = retry.Policy{PolicyID: "test", BaseMs: 1, MaxMs: 5, MaxAttempts: 3}

func newHarness(t *testing.T, steps ...chargeStep) *harness {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("k1")
	require.NoError(t, err)
	keys := crypto.NewKeyRing()
	require.NoError(t, keys.AddKey(signer))

	h := &harness{
		store:     store.NewMemoryStore(),
		processor: &scriptedProcessor{steps: steps},
		events:    &recorder{},
	}
	validator := cart.NewValidator()
	h.authority = mandate.NewAuthority(h.store, signer, keys, validator)
	h.orch = payment.NewOrchestrator(h.authority, validator, h.store, h.processor).
		WithDispatcher(h.events).
		WithRetryPolicy(fastRetry).
		WithProcessorTimeout(2 * time.Second)
	return h
}

func workflowRequest() payment.WorkflowRequest {
	return payment.WorkflowRequest{
		UserID:            "user-1",
		BusinessID:        "biz-1",
		AgentID:           "agent-7",
		IntentDescription: "book a consultation",
		Items: []mandate.Item{{
			ServiceID: "svc_consult", Name: "Consultation",
			UnitPrice: finance.MustParse("299.00", "USD"), Quantity: 1,
		}},
		Constraints: mandate.Constraints{
			MaxAmount:             finance.MustParse("500.00", "USD"),
			AllowedPaymentMethods: []string{"pm_card", "pm_wallet"},
			Currency:              "USD",
		},
		PaymentMethodID: "pm_card",
		TTL:             time.Hour,
	}
}

func (h *harness) initiate(t *testing.T) *payment.WorkflowHandle {
	t.Helper()
	handle, err := h.orch.InitiateWorkflow(context.Background(), workflowRequest())
	require.NoError(t, err)
	return handle
}

func TestInitiateWorkflow(t *testing.T) {
	h := newHarness(t)
	handle := h.initiate(t)

	require.NotNil(t, handle.Transaction)
	txn := handle.Transaction
	assert.Equal(t, payment.StatePending, txn.State)
	assert.Equal(t, handle.CartMandate.ID, txn.CartMandateID)
	assert.Equal(t, handle.IntentMandate.ID, txn.IntentMandateID)
	assert.Equal(t, "agent-7", txn.AgentID)
	assert.Equal(t, int64(29900), txn.Amount.AmountMinor)
	assert.Equal(t, payment.IdempotencyKeyFor(txn.ID), txn.IdempotencyKey)
	assert.Equal(t, handle.IntentMandate.ID, handle.CartMandate.ParentID())
	assert.Empty(t, h.processor.Calls(), "initiation never charges")
	assert.Equal(t, [][2]payment.State{{"", payment.StatePending}}, h.events.transitions())
}

func TestInitiateWorkflow_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *payment.WorkflowRequest)
		wantErr error
	}{
		{"payment method not allowed", func(r *payment.WorkflowRequest) { r.PaymentMethodID = "pm_crypto" }, payment.ErrPaymentMethodDenied},
		{"over max amount", func(r *payment.WorkflowRequest) { r.Items[0].Quantity = 2 }, mandate.ErrConstraintViolation},
		{"empty cart", func(r *payment.WorkflowRequest) { r.Items = nil }, mandate.ErrEmptyCart},
		{"bad constraints", func(r *payment.WorkflowRequest) { r.Constraints.MaxAmount = finance.Zero("USD") }, mandate.ErrInvalidConstraint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := workflowRequest()
			tt.mutate(&req)
			_, err := h.orch.InitiateWorkflow(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, payment.IsInputError(err))
			assert.Empty(t, h.events.transitions(), "no transaction on failure")
		})
	}
}

func TestExecuteTransaction_Settles(t *testing.T) {
	h := newHarness(t)
	handle := h.initiate(t)

	txn, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Equal(t, handle.Transaction.ID, txn.ID)
	assert.Equal(t, payment.StateSettled, txn.State)
	assert.Equal(t, "ch_"+txn.ID, txn.ProcessorReference)
	assert.Empty(t, txn.FailureReason)

	calls := h.processor.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, txn.IdempotencyKey, calls[0].IdempotencyKey)
	assert.Equal(t, "pm_card", calls[0].PaymentMethodID)
	assert.Equal(t, txn.Amount, calls[0].Amount)

	c, err := h.authority.Get(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusConsumed, c.Status)

	assert.Equal(t, [][2]payment.State{
		{"", payment.StatePending},
		{payment.StatePending, payment.StateProcessing},
		{payment.StateProcessing, payment.StateSettled},
	}, h.events.transitions())

	stored, err := h.orch.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, txn, stored)
}

func TestExecuteTransaction_SecondCallRejected(t *testing.T) {
	h := newHarness(t)
	handle := h.initiate(t)

	_, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)

	_, err = h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	assert.ErrorIs(t, err, mandate.ErrMandateAlreadyConsumed)
	assert.Len(t, h.processor.Calls(), 1)
}

func TestExecuteTransaction_ConcurrentCallsChargeOnce(t *testing.T) {
	h := newHarness(t)
	handle := h.initiate(t)

	const callers = 8
	var (
		wg       sync.WaitGroup
		settled  atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
			switch {
			case err == nil:
				assert.Equal(t, payment.StateSettled, txn.State)
				settled.Add(1)
			case errors.Is(err, mandate.ErrMandateAlreadyConsumed):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), settled.Load())
	assert.Equal(t, int32(callers-1), rejected.Load())
	assert.Len(t, h.processor.Calls(), 1)

	txns, err := h.store.ListTransactionsByCart(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestExecuteTransaction_TerminalDecline(t *testing.T) {
	h := newHarness(t, fail(payment.Terminal("card_declined", nil)))
	handle := h.initiate(t)

	txn, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateFailed, txn.State)
	assert.Equal(t, payment.FailureTerminal, txn.FailureKind)
	assert.Equal(t, "card_declined", txn.FailureReason)
	assert.Len(t, h.processor.Calls(), 1, "terminal failures are not retried")

	c, err := h.authority.Get(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusConsumed, c.Status)
}

func TestExecuteTransaction_RetriesThenSettles(t *testing.T) {
	h := newHarness(t,
		fail(payment.Retryable("gateway_busy", nil)),
		fail(errors.New("connection reset")),
	)
	handle := h.initiate(t)

	txn, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateSettled, txn.State)

	calls := h.processor.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, txn.IdempotencyKey, c.IdempotencyKey, "retries reuse the idempotency key")
	}
}

func TestExecuteTransaction_RetriesExhausted(t *testing.T) {
	busy := fail(payment.Retryable("gateway_busy", nil))
	h := newHarness(t, busy, busy, busy)
	handle := h.initiate(t)

	txn, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateFailed, txn.State)
	assert.Equal(t, payment.FailureRetryable, txn.FailureKind)
	assert.Equal(t, "gateway_busy", txn.FailureReason)
	assert.Len(t, h.processor.Calls(), fastRetry.MaxAttempts)
}

func TestExecuteTransaction_ProcessorTimeout(t *testing.T) {
	hang := func(ctx context.Context, _ payment.ChargeRequest) (payment.ChargeResult, error) {
		<-ctx.Done()
		return payment.ChargeResult{}, ctx.Err()
	}
	h := newHarness(t, hang, hang, hang)
	h.orch.WithProcessorTimeout(50 * time.Millisecond)
	handle := h.initiate(t)

	start := time.Now()
	txn, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, payment.StateFailed, txn.State)
	assert.Equal(t, payment.FailureRetryable, txn.FailureKind)
	assert.Equal(t, payment.ReasonProcessorTimeout, txn.FailureReason)
}

func TestExecuteTransaction_ProcessorIgnoringContext(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	stuck := func(context.Context, payment.ChargeRequest) (payment.ChargeResult, error) {
		<-block
		return payment.ChargeResult{ProcessorReference: "ch_late"}, nil
	}
	h := newHarness(t, stuck)
	h.orch.WithProcessorTimeout(100 * time.Millisecond)
	handle := h.initiate(t)

	start := time.Now()
	txn, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, payment.StateFailed, txn.State)
	assert.Equal(t, payment.ReasonProcessorTimeout, txn.FailureReason)

	stored, err := h.orch.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateFailed, stored.State)
}

func TestExecuteTransaction_OutlivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, func(chargeCtx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)
		if err := chargeCtx.Err(); err != nil {
			return payment.ChargeResult{}, err
		}
		return payment.ChargeResult{ProcessorReference: "ch_late"}, nil
	})
	handle := h.initiate(t)

	txn, err := h.orch.ExecuteTransaction(ctx, handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateSettled, txn.State)
	assert.Equal(t, "ch_late", txn.ProcessorReference)
}

func TestExecuteTransaction_SettlesAfterMidFlightRevocation(t *testing.T) {
	var h *harness
	var intentID string
	h = newHarness(t, func(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
		require.NoError(t, h.authority.Revoke(ctx, intentID, "user changed mind"))
		return payment.ChargeResult{ProcessorReference: "ch_1"}, nil
	})
	handle := h.initiate(t)
	intentID = handle.IntentMandate.ID

	txn, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateSettled, txn.State)

	c, err := h.authority.Get(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusConsumed, c.Status)
}

func TestExecuteTransaction_RevokedIntent(t *testing.T) {
	h := newHarness(t)
	handle := h.initiate(t)
	require.NoError(t, h.authority.Revoke(context.Background(), handle.IntentMandate.ID, "stop"))

	_, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	assert.ErrorIs(t, err, mandate.ErrMandateRevoked)
	assert.True(t, payment.IsAuthorizationError(err))
	assert.Empty(t, h.processor.Calls())

	stored, err := h.orch.GetTransaction(context.Background(), handle.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatePending, stored.State)
}

func TestExecuteTransaction_ExpiredCart(t *testing.T) {
	h := newHarness(t)
	clock := time.Now()
	h.authority.WithClock(func() time.Time { return clock })
	handle := h.initiate(t)
	clock = clock.Add(mandate.DefaultCartTTL)

	_, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	assert.ErrorIs(t, err, mandate.ErrMandateExpired)
	assert.Empty(t, h.processor.Calls())
}

func TestExecuteTransaction_UnknownCart(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.ExecuteTransaction(context.Background(), "missing")
	assert.ErrorIs(t, err, mandate.ErrMandateNotFound)
}

func TestExecute_IntentIsNotACart(t *testing.T) {
	h := newHarness(t)
	handle := h.initiate(t)
	_, err := h.orch.ExecuteTransaction(context.Background(), handle.IntentMandate.ID)
	assert.ErrorIs(t, err, mandate.ErrConstraintViolation)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	handle := h.initiate(t)

	txn, err := h.orch.Cancel(context.Background(), handle.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateCancelled, txn.State)

	_, err = h.orch.Cancel(context.Background(), handle.Transaction.ID)
	assert.ErrorIs(t, err, payment.ErrInvalidState)

	_, err = h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	assert.ErrorIs(t, err, payment.ErrInvalidState)
	assert.Empty(t, h.processor.Calls())

	c, err := h.authority.Get(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusActive, c.Status)

	_, err = h.orch.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, payment.ErrTransactionNotFound)
}

func TestCancel_AfterSettlementRejected(t *testing.T) {
	h := newHarness(t)
	handle := h.initiate(t)
	_, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)

	_, err = h.orch.Cancel(context.Background(), handle.Transaction.ID)
	assert.ErrorIs(t, err, payment.ErrInvalidState)
	assert.True(t, payment.IsStateError(err))
}

func TestExecute_WithoutWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := workflowRequest()
	req.Constraints.AllowedPaymentMethods = []string{"pm_card"}

	intent, err := h.authority.IssueIntent(ctx, mandate.IntentRequest{
		UserID: req.UserID, BusinessID: req.BusinessID, Constraints: req.Constraints, TTL: time.Hour,
	})
	require.NoError(t, err)
	c, err := h.authority.IssueCart(ctx, intent.ID, req.Items)
	require.NoError(t, err)

	txn, err := h.orch.Execute(ctx, payment.ExecuteRequest{CartMandateID: c.ID, AgentID: "agent-9"})
	require.NoError(t, err)
	assert.Equal(t, payment.StateSettled, txn.State)
	assert.Equal(t, "pm_card", txn.PaymentMethodID)
	assert.Equal(t, "agent-9", txn.AgentID)
	assert.Equal(t, [][2]payment.State{
		{"", payment.StatePending},
		{payment.StatePending, payment.StateProcessing},
		{payment.StateProcessing, payment.StateSettled},
	}, h.events.transitions())
}

func TestExecuteTransaction_DirectCartDefaultsPaymentMethod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := workflowRequest()

	// 500.00 USD intent allowing two methods, 299.00 cart, executed by cart id only.
	intent, err := h.authority.IssueIntent(ctx, mandate.IntentRequest{
		UserID: req.UserID, BusinessID: req.BusinessID, Constraints: req.Constraints, TTL: time.Hour,
	})
	require.NoError(t, err)
	c, err := h.authority.IssueCart(ctx, intent.ID, req.Items)
	require.NoError(t, err)

	txn, err := h.orch.ExecuteTransaction(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateSettled, txn.State)
	assert.Equal(t, "pm_card", txn.PaymentMethodID)
	assert.Equal(t, "299.00 USD", txn.Amount.String())

	stored, err := h.authority.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusConsumed, stored.Status)

	_, err = h.orch.ExecuteTransaction(ctx, c.ID)
	assert.ErrorIs(t, err, mandate.ErrMandateAlreadyConsumed)
	assert.Len(t, h.processor.Calls(), 1)
}

func TestExecute_ExplicitPaymentMethod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := workflowRequest()

	intent, err := h.authority.IssueIntent(ctx, mandate.IntentRequest{
		UserID: req.UserID, BusinessID: req.BusinessID, Constraints: req.Constraints, TTL: time.Hour,
	})
	require.NoError(t, err)
	c, err := h.authority.IssueCart(ctx, intent.ID, req.Items)
	require.NoError(t, err)

	_, err = h.orch.Execute(ctx, payment.ExecuteRequest{CartMandateID: c.ID, PaymentMethodID: "pm_bank"})
	assert.ErrorIs(t, err, payment.ErrPaymentMethodDenied)

	stored, err := h.authority.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusActive, stored.Status)

	txn, err := h.orch.Execute(ctx, payment.ExecuteRequest{CartMandateID: c.ID, PaymentMethodID: "pm_wallet"})
	require.NoError(t, err)
	assert.Equal(t, "pm_wallet", txn.PaymentMethodID)
}

func TestExecute_DispatchFailureDoesNotFailPayment(t *testing.T) {
	h := newHarness(t)
	h.orch.WithDispatcher(payment.DispatcherFunc(func(context.Context, payment.Event) error {
		return errors.New("broker down")
	}))
	handle := h.initiate(t)

	txn, err := h.orch.ExecuteTransaction(context.Background(), handle.CartMandate.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateSettled, txn.State)
}

func TestRetryBudgetWarning(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	o := payment.NewOrchestrator(nil, nil, nil, nil).WithRetryPolicy(fastRetry)
	assert.Empty(t, buf.String())

	o.WithProcessorTimeout(time.Millisecond)
	assert.Contains(t, buf.String(), "charge retry schedule exceeds processor timeout")
	assert.Contains(t, buf.String(), "policy_id=test")
}

func TestReconcile_CancelsPendingWithDeadCart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	revoked := h.initiate(t)
	live := h.initiate(t)

	require.NoError(t, h.authority.Revoke(ctx, revoked.IntentMandate.ID, "user_request"))

	n, err := h.orch.Reconcile(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	txn, err := h.orch.GetTransaction(ctx, revoked.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateCancelled, txn.State)
	assert.Equal(t, payment.ReasonCartNoLongerActive, txn.FailureReason)

	txn, err = h.orch.GetTransaction(ctx, live.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatePending, txn.State)

	_, err = h.orch.ExecuteTransaction(ctx, revoked.CartMandate.ID)
	assert.ErrorIs(t, err, mandate.ErrMandateRevoked)
}

func TestReconcile_FailsStaleProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handle := h.initiate(t)

	// Consumed without an outcome ever being written.
	_, err := h.store.ConsumeCart(ctx, payment.Consumption{
		IntentID:    handle.IntentMandate.ID,
		CartID:      handle.CartMandate.ID,
		Transaction: handle.Transaction,
		At:          time.Now(),
	})
	require.NoError(t, err)

	n, err := h.orch.Reconcile(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "in-flight transactions are left alone")

	h.orch.WithClock(func() time.Time { return time.Now().Add(5 * time.Second) })
	n, err = h.orch.Reconcile(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	txn, err := h.orch.GetTransaction(ctx, handle.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateFailed, txn.State)
	assert.Equal(t, payment.ReasonOutcomeUnrecorded, txn.FailureReason)
	assert.Contains(t, h.events.transitions(), [2]payment.State{payment.StateProcessing, payment.StateFailed})
}
