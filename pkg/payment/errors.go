package payment

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidState        = errors.New("invalid transaction state")
	ErrPaymentMethodDenied = errors.New("payment method not allowed by intent")
)

// ProcessorError is returned by processors to classify a failed charge.
type ProcessorError struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (e *ProcessorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("processor %s failure: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("processor %s failure: %s", e.Kind, e.Reason)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// Retryable builds a retryable processor error.
func Retryable(reason string, err error) *ProcessorError {
	return &ProcessorError{Kind: FailureRetryable, Reason: reason, Err: err}
}

// Terminal builds a terminal processor error.
func Terminal(reason string, err error) *ProcessorError {
	return &ProcessorError{Kind: FailureTerminal, Reason: reason, Err: err}
}

// IsRetryable reports a processor error that may succeed on another attempt.
func IsRetryable(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe) && pe.Kind == FailureRetryable
}

// IsInputError reports caller-fixable failures.
func IsInputError(err error) bool {
	return mandate.IsInputError(err) || errors.Is(err, ErrPaymentMethodDenied)
}

// IsAuthorizationError reports failures that need a fresh mandate.
func IsAuthorizationError(err error) bool {
	return mandate.IsAuthorizationError(err)
}

// IsStateError reports lost races and illegal transitions.
func IsStateError(err error) bool {
	return mandate.IsStateError(err) || errors.Is(err, ErrInvalidState)
}
