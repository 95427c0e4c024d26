package mandate

import "fmt"

// CheckTransition enforces the mandate state machine:
// active -> expired | revoked | consumed. Nothing leaves a terminal status.
func CheckTransition(from, to Status) error {
	if from == StatusActive {
		switch to {
		case StatusExpired, StatusRevoked, StatusConsumed:
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
