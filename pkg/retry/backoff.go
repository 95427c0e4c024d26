// Package retry computes exponential backoff with deterministic jitter and
// runs bounded retry loops.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params identify one attempt. The same params always yield the same delay,
// so a replayed charge backs off exactly like the original.
type Params struct {
	PolicyID       string
	Operation      string
	IdempotencyKey string
	AttemptIndex   int
}

type Policy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultProcessorPolicy is used for processor charges.
var DefaultProcessorPolicy = Policy{
	PolicyID:    "processor-charge",
	BaseMs:      200,
	MaxMs:       5000,
	MaxJitterMs: 100,
	MaxAttempts: 5,
}

// DefaultRelayPolicy is used by the event relay when a sink fails.
var DefaultRelayPolicy = Policy{
	PolicyID:    "event-relay",
	BaseMs:      500,
	MaxMs:       60000,
	MaxJitterMs: 250,
	MaxAttempts: 10,
}

// ComputeBackoff returns the delay for a specific attempt using deterministic jitter.
func ComputeBackoff(params Params, policy Policy) time.Duration {
	// delay = base * 2^attempt
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs || baseDelay < 0 {
		baseDelay = policy.MaxMs
	}

	return time.Duration(baseDelay+ComputeDeterministicJitter(params, policy)) * time.Millisecond
}

func ComputeDeterministicJitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%s:%d",
		params.PolicyID,
		params.Operation,
		params.IdempotencyKey,
		params.AttemptIndex,
	)
	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])
	return int64(jitterBasis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive here
}

// Do runs fn until it succeeds, returns an error retryable rejects, the
// policy's attempts run out, or ctx ends. The last error is returned; a
// context expiry while waiting returns ctx.Err() wrapped with that error.
func Do(ctx context.Context, params Params, policy Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			p := params
			p.AttemptIndex = i
			timer := time.NewTimer(ComputeBackoff(p, policy))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w (last error: %w)", ctx.Err(), last)
			case <-timer.C:
			}
		}
		last = fn(ctx, i)
		if last == nil {
			return nil
		}
		if !retryable(last) || ctx.Err() != nil {
			return last
		}
	}
	return last
}
