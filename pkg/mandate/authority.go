package mandate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-pay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// DefaultCartTTL bounds how long a priced basket stays executable.
const DefaultCartTTL = 15 * time.Minute

// IntentRequest is the input to IssueIntent.
type IntentRequest struct {
	UserID      string
	BusinessID  string
	Description string
	Constraints Constraints
	TTL         time.Duration
}

// Authority issues, verifies, expires and revokes mandates. It is the only
// component that signs.
type Authority struct {
	store     Store
	signer    crypto.Signer
	keys      crypto.KeyVerifier
	validator CartValidator
	lookup    BusinessLookup
	cartTTL   time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

// NewAuthority wires an authority. keys must trust signer's public key.
func NewAuthority(store Store, signer crypto.Signer, keys crypto.KeyVerifier, validator CartValidator) *Authority {
	return &Authority{
		store:     store,
		signer:    signer,
		keys:      keys,
		validator: validator,
		cartTTL:   DefaultCartTTL,
		clock:     time.Now,
		logger:    slog.Default().With("component", "mandate_authority"),
	}
}

// WithClock overrides clock for testing.
func (a *Authority) WithClock(clock func() time.Time) *Authority {
	a.clock = clock
	return a
}

// WithLookup installs the business lookup consulted at intent issuance.
func (a *Authority) WithLookup(l BusinessLookup) *Authority {
	a.lookup = l
	return a
}

// WithCartTTL sets the default cart lifetime.
func (a *Authority) WithCartTTL(ttl time.Duration) *Authority {
	if ttl > 0 {
		a.cartTTL = ttl
	}
	return a
}

// WithLogger replaces the component logger.
func (a *Authority) WithLogger(l *slog.Logger) *Authority {
	a.logger = l
	return a
}

func (a *Authority) now() time.Time {
	return a.clock().UTC().Truncate(time.Microsecond)
}

// IssueIntent validates, signs and persists a new active Intent mandate.
func (a *Authority) IssueIntent(ctx context.Context, req IntentRequest) (*Mandate, error) {
	c, err := normalizeConstraints(req.Constraints)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidConstraint)
	}
	if strings.TrimSpace(req.BusinessID) == "" {
		return nil, fmt.Errorf("%w: business id is required", ErrInvalidConstraint)
	}
	if req.TTL <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidConstraint, req.TTL)
	}

	if a.lookup != nil {
		err := a.lookup.AuthorizeIntent(ctx, IntentProposal{
			UserID:      req.UserID,
			BusinessID:  req.BusinessID,
			Constraints: c,
			TTL:         req.TTL,
		})
		if err != nil {
			if errors.Is(err, ErrInvalidConstraint) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrInvalidConstraint, err)
		}
	}

	now := a.now()
	m := &Mandate{
		ID:            uuid.NewString(),
		Type:          TypeIntent,
		SubjectUserID: req.UserID,
		BusinessID:    req.BusinessID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(req.TTL).Truncate(time.Microsecond),
		Status:        StatusActive,
		UpdatedAt:     now,
		Version:       1,
		Intent: &IntentTerms{
			Description: req.Description,
			Constraints: c,
		},
	}
	if !m.ExpiresAt.After(m.IssuedAt) {
		return nil, fmt.Errorf("%w: ttl %s below clock resolution", ErrInvalidConstraint, req.TTL)
	}
	if err := a.sign(m); err != nil {
		return nil, err
	}
	if err := a.store.CreateMandate(ctx, m); err != nil {
		return nil, fmt.Errorf("persist intent mandate: %w", err)
	}

	a.logger.InfoContext(ctx, "intent mandate issued",
		"mandate_id", m.ID,
		"business_id", m.BusinessID,
		"max_amount", c.MaxAmount.String(),
		"expires_at", m.ExpiresAt,
	)
	return m.Clone(), nil
}

// IssueCart prices items against an active intent and persists a signed Cart
// mandate bound to it. Nothing is persisted on failure.
func (a *Authority) IssueCart(ctx context.Context, intentID string, items []Item) (*Mandate, error) {
	intent, err := a.Resolve(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrMandateNotFound) || errors.Is(err, ErrInvalidSignature) {
			return nil, err
		}
		if IsAuthorizationError(err) {
			return nil, fmt.Errorf("%w: intent %s: %w", ErrMandateNotActive, intentID, err)
		}
		return nil, err
	}
	if intent.Type != TypeIntent || intent.Intent == nil {
		return nil, fmt.Errorf("%w: mandate %s is not an intent", ErrInvalidConstraint, intentID)
	}

	cur := intent.Intent.Constraints.Currency
	total, err := a.validator.Total(items, cur)
	if err != nil {
		return nil, err
	}

	now := a.now()
	ttl := a.cartTTL
	if remaining := intent.ExpiresAt.Sub(now); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: intent %s has no remaining lifetime", ErrMandateNotActive, intentID)
	}

	cart := &Mandate{
		ID:            uuid.NewString(),
		Type:          TypeCart,
		SubjectUserID: intent.SubjectUserID,
		BusinessID:    intent.BusinessID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl).Truncate(time.Microsecond),
		Status:        StatusActive,
		UpdatedAt:     now,
		Version:       1,
		Cart: &CartTerms{
			ParentIntentMandateID: intent.ID,
			Items:                 cloneItems(items),
			Total:                 total,
		},
	}
	if !cart.ExpiresAt.After(cart.IssuedAt) {
		return nil, fmt.Errorf("%w: intent %s has no remaining lifetime", ErrMandateNotActive, intentID)
	}
	if err := a.validator.Validate(cart, intent); err != nil {
		return nil, err
	}
	if err := a.sign(cart); err != nil {
		return nil, err
	}
	if err := a.store.CreateMandate(ctx, cart); err != nil {
		if errors.Is(err, ErrMandateNotActive) {
			return nil, err
		}
		return nil, fmt.Errorf("persist cart mandate: %w", err)
	}

	a.logger.InfoContext(ctx, "cart mandate issued",
		"mandate_id", cart.ID,
		"intent_id", intent.ID,
		"total", total.String(),
		"items", len(items),
	)
	return cart.Clone(), nil
}

// Verify checks m's signature against the key ring and its persisted
// lifecycle status. An active mandate past ExpiresAt is expired here.
func (a *Authority) Verify(ctx context.Context, m *Mandate) error {
	if m == nil {
		return ErrMandateNotFound
	}
	if err := a.verifySignature(m); err != nil {
		return err
	}
	stored, err := a.store.GetMandate(ctx, m.ID)
	if err != nil {
		return err
	}
	if stored.Signature != m.Signature || stored.KeyID != m.KeyID {
		return fmt.Errorf("%w: mandate %s does not match the issued record", ErrInvalidSignature, m.ID)
	}
	_, err = a.checkLifecycle(ctx, stored)
	return err
}

// Resolve loads a mandate by id and verifies it, returning the current record.
func (a *Authority) Resolve(ctx context.Context, id string) (*Mandate, error) {
	m, err := a.store.GetMandate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.verifySignature(m); err != nil {
		return nil, err
	}
	return a.checkLifecycle(ctx, m)
}

// Get returns the persisted mandate without verification.
func (a *Authority) Get(ctx context.Context, id string) (*Mandate, error) {
	return a.store.GetMandate(ctx, id)
}

// Revoke moves an active mandate to revoked. Revoking an intent also revokes
// every still-active cart derived from it. Revoking a revoked mandate is a no-op.
func (a *Authority) Revoke(ctx context.Context, id, reason string) error {
	m, err := a.store.GetMandate(ctx, id)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "unspecified"
	}
	now := a.now()

	if m.Status == StatusActive && m.IsExpiredAt(now) {
		if _, err := a.expire(ctx, m, now); err != nil {
			return err
		}
		return fmt.Errorf("%w: mandate %s is expired", ErrIllegalTransition, id)
	}

	switch m.Type {
	case TypeIntent:
		carts, err := a.store.RevokeIntent(ctx, id, reason, now)
		if err != nil {
			return a.revokeConflict(ctx, id, err)
		}
		a.logger.InfoContext(ctx, "intent mandate revoked",
			"mandate_id", id, "reason", reason, "cascaded_carts", len(carts))
		return nil
	default:
		if m.Status == StatusRevoked {
			return nil
		}
		if _, err := a.store.TransitionMandate(ctx, id, StatusActive, StatusRevoked, reason, now); err != nil {
			return a.revokeConflict(ctx, id, err)
		}
		a.logger.InfoContext(ctx, "cart mandate revoked", "mandate_id", id, "reason", reason)
		return nil
	}
}

func (a *Authority) revokeConflict(ctx context.Context, id string, err error) error {
	var conflict *StatusConflictError
	if !errors.As(err, &conflict) {
		return err
	}
	if conflict.Actual == StatusRevoked {
		return nil
	}
	a.logger.WarnContext(ctx, "illegal revocation", "mandate_id", id, "status", conflict.Actual)
	return fmt.Errorf("%w: mandate %s is %s", ErrIllegalTransition, id, conflict.Actual)
}

// SweepExpired expires up to limit active mandates whose lifetime has ended.
func (a *Authority) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := a.now()
	due, err := a.store.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired mandates: %w", err)
	}
	n := 0
	for _, m := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, err := a.store.TransitionMandate(ctx, m.ID, StatusActive, StatusExpired, "", now)
		if err != nil {
			if errors.Is(err, ErrStatusConflict) {
				continue
			}
			return n, fmt.Errorf("expire mandate %s: %w", m.ID, err)
		}
		n++
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "expired mandates swept", "count", n)
	}
	return n, nil
}

func (a *Authority) checkLifecycle(ctx context.Context, m *Mandate) (*Mandate, error) {
	switch m.Status {
	case StatusActive:
		now := a.now()
		if m.IsExpiredAt(now) {
			return a.expire(ctx, m, now)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("mandate %s: %w", m.ID, ErrorForStatus(m.Status))
	}
}

// expire performs the lazy active -> expired write. Losing the race to another
// expiry converges; losing it to revocation or consumption reports that status.
func (a *Authority) expire(ctx context.Context, m *Mandate, now time.Time) (*Mandate, error) {
	_, err := a.store.TransitionMandate(ctx, m.ID, StatusActive, StatusExpired, "", now)
	if err != nil {
		var conflict *StatusConflictError
		if errors.As(err, &conflict) {
			return nil, fmt.Errorf("mandate %s: %w", m.ID, ErrorForStatus(conflict.Actual))
		}
		return nil, fmt.Errorf("expire mandate %s: %w", m.ID, err)
	}
	a.logger.DebugContext(ctx, "mandate expired lazily", "mandate_id", m.ID)
	return nil, fmt.Errorf("mandate %s: %w", m.ID, ErrMandateExpired)
}

func (a *Authority) sign(m *Mandate) error {
	m.KeyID = a.signer.KeyID()
	payload, err := SigningBytes(m)
	if err != nil {
		return err
	}
	sig, err := a.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign mandate: %w", err)
	}
	m.Signature = sig
	return nil
}

func (a *Authority) verifySignature(m *Mandate) error {
	if m.Signature == "" || m.KeyID == "" {
		return fmt.Errorf("%w: mandate %s is unsigned", ErrInvalidSignature, m.ID)
	}
	payload, err := SigningBytes(m)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	ok, err := a.keys.VerifyKey(m.KeyID, payload, m.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !ok {
		return fmt.Errorf("%w: mandate %s", ErrInvalidSignature, m.ID)
	}
	return nil
}

func normalizeConstraints(c Constraints) (Constraints, error) {
	if strings.TrimSpace(c.Currency) == "" {
		return c, fmt.Errorf("%w: currency is required", ErrInvalidConstraint)
	}
	cur, err := finance.NormalizeCurrency(c.Currency)
	if err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidConstraint, err)
	}
	if c.MaxAmount.Currency == "" {
		c.MaxAmount = finance.NewMoney(c.MaxAmount.AmountMinor, cur)
	}
	if !strings.EqualFold(c.MaxAmount.Currency, cur) {
		return c, fmt.Errorf("%w: max amount in %s, constraints in %s", ErrInvalidConstraint, c.MaxAmount.Currency, cur)
	}
	c.Currency = cur
	c.MaxAmount = finance.NewMoney(c.MaxAmount.AmountMinor, cur)
	if !c.MaxAmount.IsPositive() {
		return c, fmt.Errorf("%w: max amount must be positive", ErrInvalidConstraint)
	}

	seen := make(map[string]struct{}, len(c.AllowedPaymentMethods))
	methods := make([]string, 0, len(c.AllowedPaymentMethods))
	for _, pm := range c.AllowedPaymentMethods {
		pm = strings.TrimSpace(pm)
		if pm == "" {
			return c, fmt.Errorf("%w: blank payment method", ErrInvalidConstraint)
		}
		if _, dup := seen[pm]; dup {
			continue
		}
		seen[pm] = struct{}{}
		methods = append(methods, pm)
	}
	if len(methods) == 0 {
		return c, fmt.Errorf("%w: at least one payment method must be allowed", ErrInvalidConstraint)
	}
	c.AllowedPaymentMethods = methods
	return c, nil
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
