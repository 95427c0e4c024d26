package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

type mandateEntry struct {
	mu sync.Mutex
	m  *mandate.Mandate
}

type txnEntry struct {
	mu sync.Mutex
	t  *payment.Transaction
}

// MemoryStore implements mandate.Store and payment.Store in process.
//
// Lock order is intent -> cart -> transaction. The index lock guards only
// the maps and is never held while waiting on an entity lock.
type MemoryStore struct {
	mu            sync.RWMutex
	mandates      map[string]*mandateEntry
	cartsByIntent map[string][]string
	txns          map[string]*txnEntry
	txnsByCart    map[string][]string
	idemKeys      map[string]string
}

var (
	_ mandate.Store = (*MemoryStore)(nil)
	_ payment.Store = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mandates:      make(map[string]*mandateEntry),
		cartsByIntent: make(map[string][]string),
		txns:          make(map[string]*txnEntry),
		txnsByCart:    make(map[string][]string),
		idemKeys:      make(map[string]string),
	}
}

func (s *MemoryStore) mandateEntry(id string) (*mandateEntry, error) {
	s.mu.RLock()
	e, ok := s.mandates[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", mandate.ErrMandateNotFound, id)
	}
	return e, nil
}

func (s *MemoryStore) txnEntry(id string) (*txnEntry, error) {
	s.mu.RLock()
	e, ok := s.txns[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", payment.ErrTransactionNotFound, id)
	}
	return e, nil
}

func (s *MemoryStore) CreateMandate(ctx context.Context, m *mandate.Mandate) error {
	if m.Type == mandate.TypeCart {
		parent, err := s.mandateEntry(m.ParentID())
		if err != nil {
			return err
		}
		parent.mu.Lock()
		defer parent.mu.Unlock()
		if err := requireLive(parent.m, m.IssuedAt); err != nil {
			return fmt.Errorf("%w: parent %s", mandate.ErrMandateNotActive, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.mandates[m.ID]; exists {
		return fmt.Errorf("%w: mandate %s", ErrDuplicate, m.ID)
	}
	s.mandates[m.ID] = &mandateEntry{m: m.Clone()}
	if m.Type == mandate.TypeCart {
		s.cartsByIntent[m.ParentID()] = append(s.cartsByIntent[m.ParentID()], m.ID)
	}
	return nil
}

func (s *MemoryStore) GetMandate(ctx context.Context, id string) (*mandate.Mandate, error) {
	e, err := s.mandateEntry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m.Clone(), nil
}

func (s *MemoryStore) TransitionMandate(ctx context.Context, id string, from, to mandate.Status, reason string, at time.Time) (*mandate.Mandate, error) {
	e, err := s.mandateEntry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := transitionLocked(e.m, from, to, reason, at); err != nil {
		return nil, err
	}
	return e.m.Clone(), nil
}

func (s *MemoryStore) RevokeIntent(ctx context.Context, intentID, reason string, at time.Time) ([]string, error) {
	intent, err := s.mandateEntry(intentID)
	if err != nil {
		return nil, err
	}
	intent.mu.Lock()
	defer intent.mu.Unlock()

	switch intent.m.Status {
	case mandate.StatusActive:
		if err := transitionLocked(intent.m, mandate.StatusActive, mandate.StatusRevoked, reason, at); err != nil {
			return nil, err
		}
	case mandate.StatusRevoked:
	default:
		return nil, &mandate.StatusConflictError{ID: intentID, Expected: mandate.StatusActive, Actual: intent.m.Status}
	}

	s.mu.RLock()
	cartIDs := append([]string(nil), s.cartsByIntent[intentID]...)
	s.mu.RUnlock()

	var revoked []string
	for _, id := range cartIDs {
		cart, err := s.mandateEntry(id)
		if err != nil {
			return revoked, err
		}
		cart.mu.Lock()
		if cart.m.Status == mandate.StatusActive {
			_ = transitionLocked(cart.m, mandate.StatusActive, mandate.StatusRevoked, mandate.ReasonParentRevoked, at)
			revoked = append(revoked, id)
		}
		cart.mu.Unlock()
	}
	return revoked, nil
}

func (s *MemoryStore) ListCartsByIntent(ctx context.Context, intentID string) ([]*mandate.Mandate, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.cartsByIntent[intentID]...)
	s.mu.RUnlock()

	out := make([]*mandate.Mandate, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMandate(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*mandate.Mandate, error) {
	s.mu.RLock()
	entries := make([]*mandateEntry, 0, len(s.mandates))
	for _, e := range s.mandates {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var due []*mandate.Mandate
	for _, e := range entries {
		e.mu.Lock()
		if e.m.Status == mandate.StatusActive && e.m.IsExpiredAt(now) {
			due = append(due, e.m.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, t *payment.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTxnLocked(t)
}

func (s *MemoryStore) insertTxnLocked(t *payment.Transaction) error {
	if _, exists := s.txns[t.ID]; exists {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, t.ID)
	}
	if owner, exists := s.idemKeys[t.IdempotencyKey]; exists {
		return fmt.Errorf("%w: idempotency key %s bound to transaction %s", ErrDuplicate, t.IdempotencyKey, owner)
	}
	s.txns[t.ID] = &txnEntry{t: t.Clone()}
	s.txnsByCart[t.CartMandateID] = append(s.txnsByCart[t.CartMandateID], t.ID)
	s.idemKeys[t.IdempotencyKey] = t.ID
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*payment.Transaction, error) {
	e, err := s.txnEntry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.t.Clone(), nil
}

func (s *MemoryStore) ListTransactionsByCart(ctx context.Context, cartID string) ([]*payment.Transaction, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.txnsByCart[cartID]...)
	s.mu.RUnlock()

	out := make([]*payment.Transaction, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListTransactionsByState(ctx context.Context, state payment.State, updatedBefore time.Time, limit int) ([]*payment.Transaction, error) {
	s.mu.RLock()
	entries := make([]*txnEntry, 0, len(s.txns))
	for _, e := range s.txns {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*payment.Transaction
	for _, e := range entries {
		e.mu.Lock()
		if e.t.State == state && e.t.UpdatedAt.Before(updatedBefore) {
			out = append(out, e.t.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateTransaction(ctx context.Context, id string, u payment.Update) (*payment.Transaction, error) {
	e, err := s.txnEntry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.t.Clone()
	if err := u.Apply(next); err != nil {
		return nil, err
	}
	e.t = next
	return next.Clone(), nil
}

func (s *MemoryStore) ConsumeCart(ctx context.Context, c payment.Consumption) (*payment.Transaction, error) {
	intent, err := s.mandateEntry(c.IntentID)
	if err != nil {
		return nil, err
	}
	cart, err := s.mandateEntry(c.CartID)
	if err != nil {
		return nil, err
	}

	intent.mu.Lock()
	defer intent.mu.Unlock()
	cart.mu.Lock()
	defer cart.mu.Unlock()

	if err := requireLive(intent.m, c.At); err != nil {
		return nil, fmt.Errorf("intent %s: %w", c.IntentID, err)
	}
	if cart.m.ParentID() != c.IntentID {
		return nil, fmt.Errorf("%w: cart %s does not belong to intent %s", mandate.ErrConstraintViolation, c.CartID, c.IntentID)
	}
	if err := requireLive(cart.m, c.At); err != nil {
		return nil, fmt.Errorf("cart %s: %w", c.CartID, err)
	}

	var result *payment.Transaction
	if c.New {
		t := c.Transaction.Clone()
		if err := (payment.Update{From: payment.StatePending, To: payment.StateProcessing, At: c.At}).Apply(t); err != nil {
			return nil, err
		}
		s.mu.Lock()
		err := s.insertTxnLocked(t)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		result = t
	} else {
		e, err := s.txnEntry(c.Transaction.ID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.t.CartMandateID != c.CartID {
			return nil, fmt.Errorf("%w: transaction %s is bound to cart %s", payment.ErrInvalidState, e.t.ID, e.t.CartMandateID)
		}
		next := e.t.Clone()
		if err := (payment.Update{From: payment.StatePending, To: payment.StateProcessing, At: c.At}).Apply(next); err != nil {
			return nil, err
		}
		e.t = next
		result = next
	}

	// Cannot fail: the cart was checked active above under its lock.
	_ = transitionLocked(cart.m, mandate.StatusActive, mandate.StatusConsumed, "", c.At)
	return result.Clone(), nil
}

// requireLive returns the authorization error for a mandate that is not
// active or whose lifetime ended at at.
func requireLive(m *mandate.Mandate, at time.Time) error {
	if m.Status != mandate.StatusActive {
		return mandate.ErrorForStatus(m.Status)
	}
	if m.IsExpiredAt(at) {
		return mandate.ErrMandateExpired
	}
	return nil
}

func transitionLocked(m *mandate.Mandate, from, to mandate.Status, reason string, at time.Time) error {
	if m.Status != from {
		return &mandate.StatusConflictError{ID: m.ID, Expected: from, Actual: m.Status}
	}
	if err := mandate.CheckTransition(from, to); err != nil {
		return err
	}
	m.Status = to
	if to == mandate.StatusRevoked {
		m.RevocationReason = reason
	}
	m.UpdatedAt = at
	m.Version++
	return nil
}
