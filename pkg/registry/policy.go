package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
)

// PolicyEvaluator compiles and caches CEL business policies. Policies see two
// variables:
//
//	intent:   max_amount_minor, currency, ttl_seconds, payment_methods, user_id
//	business: id, name, type
type PolicyEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func NewPolicyEvaluator() (*PolicyEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("business", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &PolicyEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// PolicyInput projects a proposal onto the policy variables.
func PolicyInput(p mandate.IntentProposal, b Business) map[string]any {
	methods := make([]string, len(p.Constraints.AllowedPaymentMethods))
	copy(methods, p.Constraints.AllowedPaymentMethods)
	return map[string]any{
		"intent": map[string]any{
			"user_id":          p.UserID,
			"max_amount_minor": p.Constraints.MaxAmount.AmountMinor,
			"currency":         p.Constraints.Currency,
			"ttl_seconds":      int64(p.TTL.Seconds()),
			"payment_methods":  methods,
		},
		"business": map[string]any{
			"id":   b.ID,
			"name": b.Name,
			"type": b.Type,
		},
	}
}

// Compile checks expr and caches its program.
func (e *PolicyEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *PolicyEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

// Evaluate runs expr against input. A non-bool result is an error.
func (e *PolicyEvaluator) Evaluate(ctx context.Context, expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("result not bool")
	}
	return val, nil
}
