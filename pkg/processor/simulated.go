package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

// Outcome is one scripted processor response.
type Outcome struct {
	// Err is returned instead of a reference when set.
	Err error
	// Hang blocks until the context ends.
	Hang bool
}

var (
	Succeed = Outcome{}
	Hang    = Outcome{Hang: true}
)

func Decline(reason string) Outcome {
	return Outcome{Err: payment.Terminal(reason, nil)}
}

func Unavailable(reason string) Outcome {
	return Outcome{Err: payment.Retryable(reason, nil)}
}

// Simulated is an in-process processor for lite mode and tests. Charges are
// idempotent on the idempotency key. Payment methods prefixed "pm_decline"
// are always declined.
type Simulated struct {
	mu      sync.Mutex
	latency time.Duration
	script  []Outcome
	settled map[string]string
	calls   int
}

var _ payment.Processor = (*Simulated)(nil)

func NewSimulated() *Simulated {
	return &Simulated{settled: make(map[string]string)}
}

// WithLatency delays every charge.
func (s *Simulated) WithLatency(d time.Duration) *Simulated {
	s.latency = d
	return s
}

// Script queues outcomes consumed one per call before default behavior resumes.
func (s *Simulated) Script(outcomes ...Outcome) *Simulated {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, outcomes...)
	return s
}

// Calls reports how many charges reached the processor.
func (s *Simulated) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Settled reports how many distinct charges settled.
func (s *Simulated) Settled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.settled)
}

func (s *Simulated) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	s.mu.Lock()
	s.calls++
	if ref, ok := s.settled[req.IdempotencyKey]; ok {
		s.mu.Unlock()
		return payment.ChargeResult{ProcessorReference: ref}, nil
	}
	next := Succeed
	if len(s.script) > 0 {
		next = s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()

	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return payment.ChargeResult{}, ctx.Err()
		}
	}
	if next.Hang {
		<-ctx.Done()
		return payment.ChargeResult{}, ctx.Err()
	}
	if next.Err != nil {
		return payment.ChargeResult{}, next.Err
	}
	if strings.HasPrefix(req.PaymentMethodID, "pm_decline") {
		return payment.ChargeResult{}, payment.Terminal("card_declined", nil)
	}

	sum := sha256.Sum256([]byte(req.IdempotencyKey))
	ref := "sim_" + hex.EncodeToString(sum[:8])

	s.mu.Lock()
	s.settled[req.IdempotencyKey] = ref
	s.mu.Unlock()
	return payment.ChargeResult{ProcessorReference: ref}, nil
}
