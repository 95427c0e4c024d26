package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

func chargeRequest() payment.ChargeRequest {
	return payment.ChargeRequest{
		TransactionID:   "txn-1",
		IdempotencyKey:  payment.IdempotencyKeyFor("txn-1"),
		PaymentMethodID: "pm_card",
		BusinessID:      "biz-1",
		Amount:          finance.MustParse("299.00", "USD"),
	}
}

func TestSimulated_IdempotentOnKey(t *testing.T) {
	s := NewSimulated()
	first, err := s.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	second, err := s.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, s.Calls())
	assert.Equal(t, 1, s.Settled())
}

func TestSimulated_Script(t *testing.T) {
	s := NewSimulated().Script(Unavailable("gateway_busy"), Decline("insufficient_funds"))

	_, err := s.Charge(context.Background(), chargeRequest())
	assert.True(t, payment.IsRetryable(err))

	_, err = s.Charge(context.Background(), chargeRequest())
	var pe *payment.ProcessorError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, payment.FailureTerminal, pe.Kind)
	assert.Equal(t, "insufficient_funds", pe.Reason)

	_, err = s.Charge(context.Background(), chargeRequest())
	assert.NoError(t, err)
}

func TestSimulated_HangHonoursContext(t *testing.T) {
	s := NewSimulated().Script(Hang)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Charge(ctx, chargeRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulated_DeclinePaymentMethod(t *testing.T) {
	req := chargeRequest()
	req.PaymentMethodID = "pm_decline_visa"
	_, err := NewSimulated().Charge(context.Background(), req)
	assert.False(t, payment.IsRetryable(err))
	assert.Error(t, err)
}

func newGateway(t *testing.T, handler http.HandlerFunc) *HTTPProcessor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewHTTPProcessor(HTTPConfig{Endpoint: srv.URL + "/", APIKey: "sk_test", BreakerThreshold: 2, BreakerReset: time.Hour})
	require.NoError(t, err)
	return p
}

func TestHTTPProcessor_Settles(t *testing.T) {
	var got chargeBody
	p := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/charges", r.URL.Path)
		assert.Equal(t, payment.IdempotencyKeyFor("txn-1"), r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ch_123","status":"succeeded"}`))
	})

	res, err := p.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.Equal(t, "ch_123", res.ProcessorReference)
	assert.Equal(t, int64(29900), got.AmountMinor)
	assert.Equal(t, "USD", got.Currency)
	assert.Equal(t, "pm_card", got.PaymentMethodID)
}

func TestHTTPProcessor_Classification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		retryable  bool
		wantReason string
	}{
		{"decline", http.StatusPaymentRequired, `{"code":"card_declined"}`, false, "card_declined"},
		{"bad request", http.StatusBadRequest, ``, false, "processor_rejected"},
		{"rate limited", http.StatusTooManyRequests, `{"code":"rate_limited"}`, true, "rate_limited"},
		{"server error", http.StatusBadGateway, `oops`, true, "processor_unavailable"},
		{"accepted without id", http.StatusOK, `{}`, true, "malformed_response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := p.Charge(context.Background(), chargeRequest())
			var pe *payment.ProcessorError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.retryable, payment.IsRetryable(err))
			assert.Equal(t, tt.wantReason, pe.Reason)
		})
	}
}

func TestHTTPProcessor_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	p := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 2; i++ {
		_, err := p.Charge(context.Background(), chargeRequest())
		require.True(t, payment.IsRetryable(err))
	}
	assert.Equal(t, "OPEN", p.Breaker().State())

	_, err := p.Charge(context.Background(), chargeRequest())
	var pe *payment.ProcessorError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "circuit_open", pe.Reason)
	assert.Equal(t, int32(2), hits.Load(), "open breaker short-circuits")
}

func TestHTTPProcessor_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	p := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Charge(ctx, chargeRequest())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewHTTPProcessor_RequiresEndpoint(t *testing.T) {
	_, err := NewHTTPProcessor(HTTPConfig{})
	assert.Error(t, err)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("test", 1, time.Minute).WithClock(func() time.Time { return now })

	cb.Failure()
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow(), "probe after reset timeout")
	assert.False(t, cb.Allow(), "only one probe")
	cb.Failure()
	assert.Equal(t, "OPEN", cb.State())

	now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, "CLOSED", cb.State())
	assert.True(t, cb.Allow())
}

func TestRateLimited(t *testing.T) {
	sim := NewSimulated()
	p := NewRateLimited(sim, 1, 1)

	_, err := p.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Charge(ctx, chargeRequest())
	assert.True(t, payment.IsRetryable(err), "token wait beyond the deadline never reaches the processor")
	assert.Equal(t, 1, sim.Calls())
}

func TestNew(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &Simulated{}, p)

	p, err = New(Config{Kind: KindSimulated, RPS: 5})
	require.NoError(t, err)
	assert.IsType(t, &RateLimited{}, p)

	_, err = New(Config{Kind: KindHTTP})
	assert.Error(t, err)

	_, err = New(Config{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}
