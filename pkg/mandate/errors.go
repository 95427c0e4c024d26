package mandate

import (
	"errors"
	"fmt"
)

// Input errors: caller-fixable, never retried automatically.
var (
	ErrInvalidConstraint   = errors.New("invalid constraint")
	ErrEmptyCart           = errors.New("empty cart")
	ErrDuplicateItem       = errors.New("duplicate item")
	ErrConstraintViolation = errors.New("constraint violation")
)

// Authorization errors: the caller must obtain a fresh mandate.
var (
	ErrMandateNotFound        = errors.New("mandate not found")
	ErrMandateNotActive       = errors.New("mandate not active")
	ErrMandateExpired         = errors.New("mandate expired")
	ErrMandateRevoked         = errors.New("mandate revoked")
	ErrMandateAlreadyConsumed = errors.New("mandate already consumed")
	ErrInvalidSignature       = errors.New("invalid signature")
)

// State errors: an ordering bug or a lost race.
var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrStatusConflict    = errors.New("status conflict")
)

// StatusConflictError is returned by a compare-and-set that found a different
// status than expected.
type StatusConflictError struct {
	ID       string
	Expected Status
	Actual   Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("mandate %s: expected status %s, found %s", e.ID, e.Expected, e.Actual)
}

func (e *StatusConflictError) Is(target error) bool {
	return target == ErrStatusConflict
}

// ErrorForStatus maps a non-active status to its authorization error.
func ErrorForStatus(s Status) error {
	switch s {
	case StatusExpired:
		return ErrMandateExpired
	case StatusRevoked:
		return ErrMandateRevoked
	case StatusConsumed:
		return ErrMandateAlreadyConsumed
	case StatusActive:
		return nil
	default:
		return ErrMandateNotActive
	}
}

// IsInputError reports caller-fixable validation failures.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidConstraint) ||
		errors.Is(err, ErrEmptyCart) ||
		errors.Is(err, ErrDuplicateItem) ||
		errors.Is(err, ErrConstraintViolation)
}

// IsAuthorizationError reports failures that require a fresh mandate.
func IsAuthorizationError(err error) bool {
	return errors.Is(err, ErrMandateNotFound) ||
		errors.Is(err, ErrMandateNotActive) ||
		errors.Is(err, ErrMandateExpired) ||
		errors.Is(err, ErrMandateRevoked) ||
		errors.Is(err, ErrMandateAlreadyConsumed) ||
		errors.Is(err, ErrInvalidSignature)
}

// IsStateError reports lost races and illegal transitions.
func IsStateError(err error) bool {
	return errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrStatusConflict)
}
