package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

// Dialect selects the SQL flavour. Both accept $N placeholders; only
// Postgres takes row locks.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements mandate.Store and payment.Store on database/sql.
// Every status change is a conditional UPDATE guarded by status and version.
// Timestamps are stored as Unix microseconds so both dialects compare them
// the same way.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var (
	_ mandate.Store = (*SQLStore)(nil)
	_ payment.Store = (*SQLStore)(nil)
)

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS mandates (
		id TEXT PRIMARY KEY,
		mandate_type TEXT NOT NULL,
		subject_user_id TEXT NOT NULL,
		business_id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		issued_at_us BIGINT NOT NULL,
		expires_at_us BIGINT NOT NULL,
		status TEXT NOT NULL,
		signature TEXT NOT NULL,
		key_id TEXT NOT NULL,
		revocation_reason TEXT NOT NULL DEFAULT '',
		updated_at_us BIGINT NOT NULL,
		version BIGINT NOT NULL,
		terms TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mandates_parent ON mandates (parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_mandates_expiry ON mandates (status, expires_at_us)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		cart_mandate_id TEXT NOT NULL,
		intent_mandate_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		payment_method_id TEXT NOT NULL,
		business_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		state TEXT NOT NULL,
		amount_minor BIGINT NOT NULL,
		currency TEXT NOT NULL,
		scale INTEGER NOT NULL,
		processor_reference TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL UNIQUE,
		failure_reason TEXT NOT NULL DEFAULT '',
		failure_kind TEXT NOT NULL DEFAULT '',
		created_at_us BIGINT NOT NULL,
		updated_at_us BIGINT NOT NULL,
		version BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_cart ON transactions (cart_mandate_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_state ON transactions (state, updated_at_us)`,
	`CREATE TABLE IF NOT EXISTS event_outbox (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at_us BIGINT NOT NULL,
		next_attempt_at_us BIGINT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		delivered_at_us BIGINT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_outbox_pending ON event_outbox (delivered_at_us, next_attempt_at_us)`,
}

// Init creates the tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// lock returns the row lock clause for the dialect.
func (s *SQLStore) lock(share bool) string {
	if s.dialect != DialectPostgres {
		return ""
	}
	if share {
		return " FOR SHARE"
	}
	return " FOR UPDATE"
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

// --- mandates ---

const mandateColumns = `id, mandate_type, subject_user_id, business_id, parent_id, issued_at_us, expires_at_us,
	status, signature, key_id, revocation_reason, updated_at_us, version, terms`

func scanMandate(row rowScanner) (*mandate.Mandate, error) {
	var (
		m                          mandate.Mandate
		parent, terms              string
		issued, expires, updatedAt int64
	)
	err := row.Scan(&m.ID, &m.Type, &m.SubjectUserID, &m.BusinessID, &parent, &issued, &expires,
		&m.Status, &m.Signature, &m.KeyID, &m.RevocationReason, &updatedAt, &m.Version, &terms)
	if err != nil {
		return nil, err
	}
	m.IssuedAt = fromMicros(issued)
	m.ExpiresAt = fromMicros(expires)
	m.UpdatedAt = fromMicros(updatedAt)

	switch m.Type {
	case mandate.TypeIntent:
		m.Intent = &mandate.IntentTerms{}
		err = json.Unmarshal([]byte(terms), m.Intent)
	case mandate.TypeCart:
		m.Cart = &mandate.CartTerms{}
		err = json.Unmarshal([]byte(terms), m.Cart)
	default:
		err = fmt.Errorf("unknown mandate type %q", m.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("corrupt terms for mandate %s: %w", m.ID, err)
	}
	return &m, nil
}

func mandateTerms(m *mandate.Mandate) (string, error) {
	var v any
	switch {
	case m.Intent != nil:
		v = m.Intent
	case m.Cart != nil:
		v = m.Cart
	default:
		return "", fmt.Errorf("mandate %s has no terms", m.ID)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLStore) CreateMandate(ctx context.Context, m *mandate.Mandate) error {
	terms, err := mandateTerms(m)
	if err != nil {
		return err
	}
	insert := `INSERT INTO mandates (` + mandateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	args := []any{m.ID, m.Type, m.SubjectUserID, m.BusinessID, m.ParentID(),
		micros(m.IssuedAt), micros(m.ExpiresAt), m.Status, m.Signature, m.KeyID,
		m.RevocationReason, micros(m.UpdatedAt), m.Version, terms}

	if m.Type != mandate.TypeCart {
		if _, err := s.db.ExecContext(ctx, insert, args...); err != nil {
			return wrapInsert("mandate", m.ID, err)
		}
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		parent, err := s.getMandateTx(ctx, tx, m.ParentID(), true)
		if err != nil {
			return err
		}
		if err := requireLive(parent, m.IssuedAt); err != nil {
			return fmt.Errorf("%w: parent %s", mandate.ErrMandateNotActive, err)
		}
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return wrapInsert("mandate", m.ID, err)
		}
		return nil
	})
}

func (s *SQLStore) getMandateTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string, share bool) (*mandate.Mandate, error) {
	query := `SELECT ` + mandateColumns + ` FROM mandates WHERE id = $1` + s.lock(share)
	m, err := scanMandate(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", mandate.ErrMandateNotFound, id)
		}
		return nil, err
	}
	return m, nil
}

func (s *SQLStore) GetMandate(ctx context.Context, id string) (*mandate.Mandate, error) {
	query := `SELECT ` + mandateColumns + ` FROM mandates WHERE id = $1`
	m, err := scanMandate(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", mandate.ErrMandateNotFound, id)
		}
		return nil, err
	}
	return m, nil
}

// casMandate moves one mandate row from (from, version) to to.
func casMandate(ctx context.Context, tx *sql.Tx, m *mandate.Mandate, to mandate.Status, reason string, at time.Time) error {
	if err := mandate.CheckTransition(m.Status, to); err != nil {
		return err
	}
	if to != mandate.StatusRevoked {
		reason = m.RevocationReason
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE mandates
		SET status = $1, revocation_reason = $2, updated_at_us = $3, version = version + 1
		WHERE id = $4 AND status = $5 AND version = $6`,
		to, reason, micros(at), m.ID, m.Status, m.Version)
	if err != nil {
		return fmt.Errorf("update mandate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &mandate.StatusConflictError{ID: m.ID, Expected: m.Status, Actual: m.Status}
	}
	m.Status = to
	m.RevocationReason = reason
	m.UpdatedAt = at
	m.Version++
	return nil
}

func (s *SQLStore) TransitionMandate(ctx context.Context, id string, from, to mandate.Status, reason string, at time.Time) (*mandate.Mandate, error) {
	var out *mandate.Mandate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.getMandateTx(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if m.Status != from {
			return &mandate.StatusConflictError{ID: id, Expected: from, Actual: m.Status}
		}
		if err := casMandate(ctx, tx, m, to, reason, at); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		var conflict *mandate.StatusConflictError
		if errors.As(err, &conflict) && conflict.Actual == conflict.Expected {
			// The row moved between read and write; report what it is now.
			if cur, gerr := s.GetMandate(ctx, id); gerr == nil {
				conflict.Actual = cur.Status
			}
		}
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) RevokeIntent(ctx context.Context, intentID, reason string, at time.Time) ([]string, error) {
	var revoked []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		intent, err := s.getMandateTx(ctx, tx, intentID, false)
		if err != nil {
			return err
		}
		switch intent.Status {
		case mandate.StatusActive:
			if err := casMandate(ctx, tx, intent, mandate.StatusRevoked, reason, at); err != nil {
				return err
			}
		case mandate.StatusRevoked:
		default:
			return &mandate.StatusConflictError{ID: intentID, Expected: mandate.StatusActive, Actual: intent.Status}
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE mandates
			SET status = $1, revocation_reason = $2, updated_at_us = $3, version = version + 1
			WHERE parent_id = $4 AND status = $5
			RETURNING id`,
			mandate.StatusRevoked, mandate.ReasonParentRevoked, micros(at), intentID, mandate.StatusActive)
		if err != nil {
			return fmt.Errorf("cascade revocation: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			revoked = append(revoked, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

func (s *SQLStore) queryMandates(ctx context.Context, query string, args ...any) ([]*mandate.Mandate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*mandate.Mandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListCartsByIntent(ctx context.Context, intentID string) ([]*mandate.Mandate, error) {
	return s.queryMandates(ctx,
		`SELECT `+mandateColumns+` FROM mandates WHERE parent_id = $1 ORDER BY issued_at_us ASC`, intentID)
}

func (s *SQLStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*mandate.Mandate, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryMandates(ctx,
		`SELECT `+mandateColumns+` FROM mandates
		WHERE status = $1 AND expires_at_us <= $2
		ORDER BY expires_at_us ASC LIMIT $3`,
		mandate.StatusActive, micros(now), limit)
}

// --- transactions ---

const txnColumns = `id, cart_mandate_id, intent_mandate_id, agent_id, payment_method_id, business_id, user_id,
	state, amount_minor, currency, scale, processor_reference, idempotency_key, failure_reason, failure_kind,
	created_at_us, updated_at_us, version`

func scanTxn(row rowScanner) (*payment.Transaction, error) {
	var (
		t                  payment.Transaction
		amount             int64
		currency           string
		scale              int
		created, updatedAt int64
	)
	err := row.Scan(&t.ID, &t.CartMandateID, &t.IntentMandateID, &t.AgentID, &t.PaymentMethodID,
		&t.BusinessID, &t.UserID, &t.State, &amount, &currency, &scale, &t.ProcessorReference,
		&t.IdempotencyKey, &t.FailureReason, &t.FailureKind, &created, &updatedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	t.Amount = finance.Money{AmountMinor: amount, Currency: currency, Scale: scale}
	t.CreatedAt = fromMicros(created)
	t.UpdatedAt = fromMicros(updatedAt)
	return &t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTxn(ctx context.Context, db execer, t *payment.Transaction) error {
	_, err := db.ExecContext(ctx, `INSERT INTO transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.CartMandateID, t.IntentMandateID, t.AgentID, t.PaymentMethodID, t.BusinessID, t.UserID,
		t.State, t.Amount.AmountMinor, t.Amount.Currency, t.Amount.Scale, t.ProcessorReference,
		t.IdempotencyKey, t.FailureReason, t.FailureKind, micros(t.CreatedAt), micros(t.UpdatedAt), t.Version)
	if err != nil {
		return wrapInsert("transaction", t.ID, err)
	}
	return nil
}

func (s *SQLStore) CreateTransaction(ctx context.Context, t *payment.Transaction) error {
	return insertTxn(ctx, s.db, t)
}

func (s *SQLStore) GetTransaction(ctx context.Context, id string) (*payment.Transaction, error) {
	t, err := scanTxn(s.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", payment.ErrTransactionNotFound, id)
		}
		return nil, err
	}
	return t, nil
}

func (s *SQLStore) ListTransactionsByCart(ctx context.Context, cartID string) ([]*payment.Transaction, error) {
	return s.queryTxns(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE cart_mandate_id = $1 ORDER BY created_at_us ASC`, cartID)
}

func (s *SQLStore) ListTransactionsByState(ctx context.Context, state payment.State, updatedBefore time.Time, limit int) ([]*payment.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTxns(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE state = $1 AND updated_at_us < $2
		ORDER BY updated_at_us ASC LIMIT $3`, state, micros(updatedBefore), limit)
}

func (s *SQLStore) queryTxns(ctx context.Context, query string, args ...any) ([]*payment.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*payment.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// updateTxnTx applies u to the locked row, guarded by state and version.
func (s *SQLStore) updateTxnTx(ctx context.Context, tx *sql.Tx, id string, u payment.Update) (*payment.Transaction, error) {
	cur, err := scanTxn(tx.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`+s.lock(false), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", payment.ErrTransactionNotFound, id)
		}
		return nil, err
	}
	next := cur.Clone()
	if err := u.Apply(next); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET state = $1, processor_reference = $2, failure_reason = $3, failure_kind = $4,
			updated_at_us = $5, version = $6
		WHERE id = $7 AND state = $8 AND version = $9`,
		next.State, next.ProcessorReference, next.FailureReason, next.FailureKind,
		micros(next.UpdatedAt), next.Version, id, cur.State, cur.Version)
	if err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: transaction %s changed concurrently", payment.ErrInvalidState, id)
	}
	return next, nil
}

func (s *SQLStore) UpdateTransaction(ctx context.Context, id string, u payment.Update) (*payment.Transaction, error) {
	var out *payment.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := s.updateTxnTx(ctx, tx, id, u)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) ConsumeCart(ctx context.Context, c payment.Consumption) (*payment.Transaction, error) {
	var out *payment.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		intent, err := s.getMandateTx(ctx, tx, c.IntentID, true)
		if err != nil {
			return err
		}
		if err := requireLive(intent, c.At); err != nil {
			return fmt.Errorf("intent %s: %w", c.IntentID, err)
		}
		cart, err := s.getMandateTx(ctx, tx, c.CartID, false)
		if err != nil {
			return err
		}
		if cart.ParentID() != c.IntentID {
			return fmt.Errorf("%w: cart %s does not belong to intent %s", mandate.ErrConstraintViolation, c.CartID, c.IntentID)
		}
		if err := requireLive(cart, c.At); err != nil {
			return fmt.Errorf("cart %s: %w", c.CartID, err)
		}
		if err := casMandate(ctx, tx, cart, mandate.StatusConsumed, "", c.At); err != nil {
			if errors.Is(err, mandate.ErrStatusConflict) {
				return fmt.Errorf("cart %s: %w", c.CartID, mandate.ErrMandateAlreadyConsumed)
			}
			return err
		}

		toProcessing := payment.Update{From: payment.StatePending, To: payment.StateProcessing, At: c.At}
		if c.New {
			t := c.Transaction.Clone()
			if err := toProcessing.Apply(t); err != nil {
				return err
			}
			if err := insertTxn(ctx, tx, t); err != nil {
				return err
			}
			out = t
			return nil
		}
		t, err := s.updateTxnTx(ctx, tx, c.Transaction.ID, toProcessing)
		if err != nil {
			return err
		}
		if t.CartMandateID != c.CartID {
			return fmt.Errorf("%w: transaction %s is bound to cart %s", payment.ErrInvalidState, t.ID, t.CartMandateID)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
