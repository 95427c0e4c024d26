package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

// HTTPConfig configures an HTTPProcessor.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	// Timeout bounds a single attempt; the orchestrator bounds the whole charge.
	Timeout          time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

// HTTPProcessor charges through a JSON gateway:
//
//	POST {endpoint}/charges
//	Idempotency-Key: <transaction idempotency key>
//
// 2xx settles, 429 and 5xx are retryable, other 4xx are terminal.
type HTTPProcessor struct {
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *CircuitBreaker
	logger   *slog.Logger
}

var _ payment.Processor = (*HTTPProcessor)(nil)

func NewHTTPProcessor(cfg HTTPConfig) (*HTTPProcessor, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("processor endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	reset := cfg.BreakerReset
	if reset <= 0 {
		reset = 10 * time.Second
	}
	return &HTTPProcessor{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		breaker:  NewCircuitBreaker("processor", threshold, reset),
		logger:   slog.Default().With("component", "http_processor"),
	}, nil
}

// WithHTTPClient replaces the HTTP client.
func (p *HTTPProcessor) WithHTTPClient(c *http.Client) *HTTPProcessor {
	p.client = c
	return p
}

// Breaker exposes the circuit breaker for health reporting.
func (p *HTTPProcessor) Breaker() *CircuitBreaker {
	return p.breaker
}

type chargeBody struct {
	TransactionID   string `json:"transaction_id"`
	PaymentMethodID string `json:"payment_method_id"`
	BusinessID      string `json:"business_id"`
	AmountMinor     int64  `json:"amount_minor"`
	Currency        string `json:"currency"`
}

type chargeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Code   string `json:"code"`
}

func (p *HTTPProcessor) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	if !p.breaker.Allow() {
		return payment.ChargeResult{}, payment.Retryable("circuit_open", fmt.Errorf("circuit breaker open for %s", p.breaker.name))
	}

	body, err := json.Marshal(chargeBody{
		TransactionID:   req.TransactionID,
		PaymentMethodID: req.PaymentMethodID,
		BusinessID:      req.BusinessID,
		AmountMinor:     req.Amount.AmountMinor,
		Currency:        req.Amount.Currency,
	})
	if err != nil {
		return payment.ChargeResult{}, payment.Terminal("invalid_request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/charges", bytes.NewReader(body))
	if err != nil {
		return payment.ChargeResult{}, payment.Terminal("invalid_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.breaker.Failure()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return payment.ChargeResult{}, ctxErr
		}
		return payment.ChargeResult{}, payment.Retryable("processor_unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out chargeResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		p.breaker.Success()
		if out.ID == "" {
			return payment.ChargeResult{}, payment.Retryable("malformed_response", fmt.Errorf("charge accepted without reference: %s", raw))
		}
		return payment.ChargeResult{ProcessorReference: out.ID}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		p.breaker.Failure()
		p.logger.WarnContext(ctx, "processor unavailable",
			"transaction_id", req.TransactionID, "status", resp.StatusCode)
		return payment.ChargeResult{}, payment.Retryable(reasonOr(out.Code, "processor_unavailable"),
			fmt.Errorf("processor returned %d", resp.StatusCode))
	default:
		// A decline is a healthy processor.
		p.breaker.Success()
		return payment.ChargeResult{}, payment.Terminal(reasonOr(out.Code, "processor_rejected"),
			fmt.Errorf("processor returned %d", resp.StatusCode))
	}
}

func reasonOr(code, fallback string) string {
	if code = strings.TrimSpace(code); code != "" {
		return code
	}
	return fallback
}
