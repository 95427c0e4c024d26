package mandate

import (
	"fmt"
	"slices"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/canonicalize"
)

// signedMandate is the immutable projection of a mandate covered by its
// signature. Lifecycle fields (status, revocation reason, version) are excluded.
type signedMandate struct {
	ID            string        `json:"id"`
	Type          Type          `json:"type"`
	SubjectUserID string        `json:"subject_user_id"`
	BusinessID    string        `json:"business_id"`
	IssuedAt      string        `json:"issued_at"`
	ExpiresAt     string        `json:"expires_at"`
	KeyID         string        `json:"key_id"`
	Intent        *signedIntent `json:"intent,omitempty"`
	Cart          *signedCart   `json:"cart,omitempty"`
}

type signedIntent struct {
	Description           string   `json:"description"`
	MaxAmountMinor        int64    `json:"max_amount_minor"`
	Currency              string   `json:"currency"`
	Scale                 int      `json:"scale"`
	AllowedPaymentMethods []string `json:"allowed_payment_methods"`
}

type signedItem struct {
	ServiceID      string `json:"service_id"`
	Name           string `json:"name"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	Currency       string `json:"currency"`
	Quantity       int64  `json:"quantity"`
}

type signedCart struct {
	ParentIntentMandateID string       `json:"parent_intent_mandate_id"`
	Items                 []signedItem `json:"items"`
	TotalMinor            int64        `json:"total_minor"`
	Currency              string       `json:"currency"`
	Scale                 int          `json:"scale"`
}

// CanonicalTime formats timestamps the way they are signed. Stores keep
// microsecond precision, so issuance truncates to it.
func CanonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// SigningBytes returns the RFC 8785 canonical bytes the signature covers.
func SigningBytes(m *Mandate) ([]byte, error) {
	p := signedMandate{
		ID:            m.ID,
		Type:          m.Type,
		SubjectUserID: m.SubjectUserID,
		BusinessID:    m.BusinessID,
		IssuedAt:      CanonicalTime(m.IssuedAt),
		ExpiresAt:     CanonicalTime(m.ExpiresAt),
		KeyID:         m.KeyID,
	}
	switch m.Type {
	case TypeIntent:
		if m.Intent == nil {
			return nil, fmt.Errorf("%w: intent mandate %s has no terms", ErrInvalidConstraint, m.ID)
		}
		c := m.Intent.Constraints
		methods := slices.Clone(c.AllowedPaymentMethods)
		slices.Sort(methods)
		p.Intent = &signedIntent{
			Description:           m.Intent.Description,
			MaxAmountMinor:        c.MaxAmount.AmountMinor,
			Currency:              c.Currency,
			Scale:                 c.MaxAmount.Scale,
			AllowedPaymentMethods: methods,
		}
	case TypeCart:
		if m.Cart == nil {
			return nil, fmt.Errorf("%w: cart mandate %s has no terms", ErrInvalidConstraint, m.ID)
		}
		items := make([]signedItem, 0, len(m.Cart.Items))
		for _, it := range m.Cart.Items {
			items = append(items, signedItem{
				ServiceID:      it.ServiceID,
				Name:           it.Name,
				UnitPriceMinor: it.UnitPrice.AmountMinor,
				Currency:       it.Currency(),
				Quantity:       it.Quantity,
			})
		}
		p.Cart = &signedCart{
			ParentIntentMandateID: m.Cart.ParentIntentMandateID,
			Items:                 items,
			TotalMinor:            m.Cart.Total.AmountMinor,
			Currency:              m.Cart.Total.Currency,
			Scale:                 m.Cart.Total.Scale,
		}
	default:
		return nil, fmt.Errorf("%w: unknown mandate type %q", ErrInvalidConstraint, m.Type)
	}
	return canonicalize.JCS(p)
}
