// Package cart holds the pure validation rules for priced baskets.
package cart

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
)

// Validator checks carts against their parent intent. It has no state and
// performs no I/O.
type Validator struct{}

// NewValidator returns a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

var _ mandate.CartValidator = (*Validator)(nil)

// Total computes Σ unitPrice·quantity in currency, rejecting malformed lines.
func (v *Validator) Total(items []mandate.Item, currency string) (finance.Money, error) {
	if len(items) == 0 {
		return finance.Money{}, mandate.ErrEmptyCart
	}
	total := finance.Zero(currency)
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		if it.ServiceID == "" {
			return finance.Money{}, fmt.Errorf("%w: item %d has no service id", mandate.ErrConstraintViolation, i)
		}
		if _, dup := seen[it.ServiceID]; dup {
			return finance.Money{}, fmt.Errorf("%w: %s", mandate.ErrDuplicateItem, it.ServiceID)
		}
		seen[it.ServiceID] = struct{}{}

		if it.Quantity < 1 {
			return finance.Money{}, fmt.Errorf("%w: %s quantity %d below 1", mandate.ErrConstraintViolation, it.ServiceID, it.Quantity)
		}
		if it.UnitPrice.IsNegative() {
			return finance.Money{}, fmt.Errorf("%w: %s has negative unit price", mandate.ErrConstraintViolation, it.ServiceID)
		}
		if it.Currency() != currency {
			return finance.Money{}, fmt.Errorf("%w: %s priced in %s, intent allows %s",
				mandate.ErrConstraintViolation, it.ServiceID, it.Currency(), currency)
		}

		line, err := it.UnitPrice.Mul(it.Quantity)
		if err != nil {
			return finance.Money{}, fmt.Errorf("%w: %s line total: %w", mandate.ErrConstraintViolation, it.ServiceID, err)
		}
		total, err = total.Add(line)
		if err != nil {
			if errors.Is(err, finance.ErrOverflow) {
				return finance.Money{}, fmt.Errorf("%w: cart total overflows", mandate.ErrConstraintViolation)
			}
			return finance.Money{}, fmt.Errorf("%w: %w", mandate.ErrConstraintViolation, err)
		}
	}
	return total, nil
}

// Validate checks a cart mandate against its intent: well-formed items in
// the intent's currency, a declared total equal to the recomputed one, and a
// total within the intent's maximum.
func (v *Validator) Validate(cart, intent *mandate.Mandate) error {
	if cart == nil || cart.Cart == nil {
		return fmt.Errorf("%w: not a cart mandate", mandate.ErrConstraintViolation)
	}
	if intent == nil || intent.Intent == nil {
		return fmt.Errorf("%w: not an intent mandate", mandate.ErrConstraintViolation)
	}
	if cart.Cart.ParentIntentMandateID != intent.ID {
		return fmt.Errorf("%w: cart %s belongs to intent %s, not %s",
			mandate.ErrConstraintViolation, cart.ID, cart.Cart.ParentIntentMandateID, intent.ID)
	}

	c := intent.Intent.Constraints
	total, err := v.Total(cart.Cart.Items, c.Currency)
	if err != nil {
		return err
	}
	if !total.Equal(cart.Cart.Total) {
		return fmt.Errorf("%w: declared total %s, items sum to %s",
			mandate.ErrConstraintViolation, cart.Cart.Total, total)
	}
	cmp, err := total.Cmp(c.MaxAmount)
	if err != nil {
		return fmt.Errorf("%w: %w", mandate.ErrConstraintViolation, err)
	}
	if cmp > 0 {
		return fmt.Errorf("%w: total %s exceeds maximum %s",
			mandate.ErrConstraintViolation, total, c.MaxAmount)
	}
	return nil
}
