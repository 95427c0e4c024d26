package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/retry"
)

// Sink receives events drained from the outbox. Deliveries may repeat;
// sinks key on the event id.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, r Record) error
}

// Relay drains an outbox into sinks.
type Relay struct {
	outbox   Outbox
	sinks    []Sink
	policy   retry.Policy
	interval time.Duration
	batch    int
	clock    func() time.Time
	logger   *slog.Logger
}

func NewRelay(outbox Outbox, sinks ...Sink) *Relay {
	return &Relay{
		outbox:   outbox,
		sinks:    sinks,
		policy:   retry.DefaultRelayPolicy,
		interval: time.Second,
		batch:    100,
		clock:    time.Now,
		logger:   slog.Default().With("component", "event_relay"),
	}
}

// WithInterval sets the polling interval for Run.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithPolicy sets the redelivery backoff.
func (r *Relay) WithPolicy(p retry.Policy) *Relay {
	r.policy = p
	return r
}

// WithClock overrides clock for testing.
func (r *Relay) WithClock(clock func() time.Time) *Relay {
	r.clock = clock
	return r
}

// Run drains the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.ErrorContext(ctx, "outbox drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainOnce delivers one batch of due records and returns how many were
// delivered to every sink.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	now := r.clock()
	due, err := r.outbox.Pending(ctx, now, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load pending events: %w", err)
	}
	delivered := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if derr := r.deliver(ctx, rec); derr != nil {
			if err := r.fail(ctx, rec, derr); err != nil {
				return delivered, err
			}
			continue
		}
		if err := r.outbox.MarkDelivered(ctx, rec.ID, r.clock()); err != nil {
			return delivered, fmt.Errorf("mark delivered %s: %w", rec.ID, err)
		}
		delivered++
	}
	return delivered, nil
}

func (r *Relay) deliver(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Deliver(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Relay) fail(ctx context.Context, rec Record, cause error) error {
	attempt := rec.Attempts + 1
	if r.policy.MaxAttempts > 0 && attempt >= r.policy.MaxAttempts {
		r.logger.ErrorContext(ctx, "event parked after exhausting attempts",
			"event_id", rec.ID, "topic", rec.Topic, "attempts", attempt, "error", cause)
		return r.outbox.MarkDead(ctx, rec.ID, cause.Error(), r.clock())
	}
	delay := retry.ComputeBackoff(retry.Params{
		PolicyID:       r.policy.PolicyID,
		Operation:      "deliver",
		IdempotencyKey: rec.ID,
		AttemptIndex:   attempt,
	}, r.policy)
	r.logger.WarnContext(ctx, "event delivery failed",
		"event_id", rec.ID, "topic", rec.Topic, "attempt", attempt, "retry_in", delay, "error", cause)
	return r.outbox.MarkFailed(ctx, rec.ID, cause.Error(), r.clock().Add(delay))
}
