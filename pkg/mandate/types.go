// Package mandate owns the lifecycle of signed, time-bounded payment
// authorizations: Intent mandates that cap what an agent may spend, and Cart
// mandates that bind a priced basket to exactly one Intent.
package mandate

import (
	"context"
	"slices"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// Type distinguishes the two mandate variants.
type Type string

const (
	TypeIntent Type = "intent"
	TypeCart   Type = "cart"
)

// Status is the lifecycle state of a mandate.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
	StatusConsumed Status = "consumed"
)

// ReasonParentRevoked is recorded on carts revoked by their intent's revocation.
const ReasonParentRevoked = "parent_intent_revoked"

// Constraints bound what an Intent mandate authorizes.
type Constraints struct {
	MaxAmount             finance.Money `json:"max_amount"`
	AllowedPaymentMethods []string      `json:"allowed_payment_methods"`
	Currency              string        `json:"currency"`
}

// AllowsPaymentMethod reports whether methodID is in the allowed set.
func (c Constraints) AllowsPaymentMethod(methodID string) bool {
	return slices.Contains(c.AllowedPaymentMethods, methodID)
}

// Item is one priced line of a cart.
type Item struct {
	ServiceID string        `json:"service_id"`
	Name      string        `json:"name"`
	UnitPrice finance.Money `json:"unit_price"`
	Quantity  int64         `json:"quantity"`
}

// Currency is the ISO 4217 code the item is priced in.
func (i Item) Currency() string {
	return i.UnitPrice.Currency
}

// IntentTerms is the Intent-specific payload.
type IntentTerms struct {
	Description string      `json:"description"`
	Constraints Constraints `json:"constraints"`
}

// CartTerms is the Cart-specific payload.
type CartTerms struct {
	ParentIntentMandateID string        `json:"parent_intent_mandate_id"`
	Items                 []Item        `json:"items"`
	Total                 finance.Money `json:"total"`
}

// Mandate is a signed authorization. Exactly one of Intent or Cart is set,
// matching Type.
type Mandate struct {
	ID               string       `json:"id"`
	Type             Type         `json:"type"`
	SubjectUserID    string       `json:"subject_user_id"`
	BusinessID       string       `json:"business_id"`
	IssuedAt         time.Time    `json:"issued_at"`
	ExpiresAt        time.Time    `json:"expires_at"`
	Status           Status       `json:"status"`
	Signature        string       `json:"signature"`
	KeyID            string       `json:"key_id"`
	RevocationReason string       `json:"revocation_reason,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
	Version          int64        `json:"version"`
	Intent           *IntentTerms `json:"intent,omitempty"`
	Cart             *CartTerms   `json:"cart,omitempty"`
}

// IsExpiredAt reports whether the mandate's lifetime has ended at now.
func (m *Mandate) IsExpiredAt(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// ParentID returns the parent intent id for carts and "" for intents.
func (m *Mandate) ParentID() string {
	if m.Cart == nil {
		return ""
	}
	return m.Cart.ParentIntentMandateID
}

// Clone returns a deep copy so stored records are never aliased by callers.
func (m *Mandate) Clone() *Mandate {
	if m == nil {
		return nil
	}
	c := *m
	if m.Intent != nil {
		it := *m.Intent
		it.Constraints.AllowedPaymentMethods = slices.Clone(m.Intent.Constraints.AllowedPaymentMethods)
		c.Intent = &it
	}
	if m.Cart != nil {
		ct := *m.Cart
		ct.Items = slices.Clone(m.Cart.Items)
		c.Cart = &ct
	}
	return &c
}

// Store persists mandates. Every status change is a single atomic
// compare-and-set against the persisted record.
type Store interface {
	// CreateMandate inserts a new mandate. Carts are only inserted while their
	// parent intent is still active and unexpired; otherwise ErrMandateNotActive.
	CreateMandate(ctx context.Context, m *Mandate) error

	// GetMandate returns ErrMandateNotFound for unknown ids.
	GetMandate(ctx context.Context, id string) (*Mandate, error)

	// TransitionMandate moves id from one status to another. A record whose
	// status is not from yields a *StatusConflictError carrying the actual status.
	TransitionMandate(ctx context.Context, id string, from, to Status, reason string, at time.Time) (*Mandate, error)

	// RevokeIntent revokes an active (or re-sweeps an already revoked) intent
	// and every still-active cart derived from it in one atomic unit.
	RevokeIntent(ctx context.Context, intentID, reason string, at time.Time) (revokedCarts []string, err error)

	// ListCartsByIntent returns every cart whose parent is intentID.
	ListCartsByIntent(ctx context.Context, intentID string) ([]*Mandate, error)

	// ListExpired returns up to limit active mandates with ExpiresAt <= now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Mandate, error)
}

// BusinessLookup is the read-only business capability consulted when an
// Intent is issued.
type BusinessLookup interface {
	AuthorizeIntent(ctx context.Context, p IntentProposal) error
}

// IntentProposal is what the business lookup sees of an Intent before it exists.
type IntentProposal struct {
	UserID      string
	BusinessID  string
	Constraints Constraints
	TTL         time.Duration
}

// CartValidator is the pure cart check used at issuance.
type CartValidator interface {
	Total(items []Item, currency string) (finance.Money, error)
	Validate(cart, intent *Mandate) error
}
