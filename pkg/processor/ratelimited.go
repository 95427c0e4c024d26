package processor

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

// RateLimited caps the charge rate sent to the wrapped processor.
type RateLimited struct {
	next    payment.Processor
	limiter *rate.Limiter
}

var _ payment.Processor = (*RateLimited)(nil)

// NewRateLimited allows rps charges per second with bursts of burst.
func NewRateLimited(next payment.Processor, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Charge waits for a token, then forwards. Running out of time while waiting
// is retryable: the charge never reached the processor.
func (r *RateLimited) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return payment.ChargeResult{}, ctx.Err()
		}
		return payment.ChargeResult{}, payment.Retryable("rate_limited", err)
	}
	return r.next.Charge(ctx, req)
}
