package retry

import (
	"time"
)

type Plan struct {
	IdempotencyKey string     `json:"idempotency_key"`
	PolicyID       string     `json:"policy_id"`
	Schedule       []Schedule `json:"schedule"`
	MaxAttempts    int        `json:"max_attempts"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAttemptAt  time.Time  `json:"last_attempt_at"`
}

type Schedule struct {
	AttemptIndex int       `json:"attempt_index"`
	DelayMs      int64     `json:"delay_ms"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// Total returns the cumulative delay across every scheduled attempt.
func (p *Plan) Total() time.Duration {
	return p.LastAttemptAt.Sub(p.CreatedAt)
}

// GeneratePlan lays out when each attempt of params would run from now.
// Jitter is deterministic, so the same params always yield the same plan.
func GeneratePlan(params Params, policy Policy, now time.Time) *Plan {
	schedule := make([]Schedule, policy.MaxAttempts)
	at := now

	for i := 0; i < policy.MaxAttempts; i++ {
		p := params
		p.AttemptIndex = i

		var delay time.Duration
		if i > 0 {
			delay = ComputeBackoff(p, policy)
		}
		at = at.Add(delay)
		schedule[i] = Schedule{
			AttemptIndex: i,
			DelayMs:      delay.Milliseconds(),
			ScheduledAt:  at,
		}
	}

	return &Plan{
		IdempotencyKey: params.IdempotencyKey,
		PolicyID:       policy.PolicyID,
		Schedule:       schedule,
		MaxAttempts:    policy.MaxAttempts,
		CreatedAt:      now,
		LastAttemptAt:  at,
	}
}
