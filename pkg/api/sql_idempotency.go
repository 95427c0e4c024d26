package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const idempotencySchema = `CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	headers TEXT NOT NULL,
	body TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	cached_at_us BIGINT NOT NULL
)`

// SQLIdempotencyStore provides durable idempotency enforcement that survives
// process restarts. It runs on Postgres and SQLite.
type SQLIdempotencyStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

// NewSQLIdempotencyStore creates a SQL-backed idempotency store.
func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, ttl: ttl, clock: time.Now}
}

// WithClock overrides clock for testing.
func (s *SQLIdempotencyStore) WithClock(clock func() time.Time) *SQLIdempotencyStore {
	s.clock = clock
	return s
}

// Init creates the table if it does not exist.
func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, idempotencySchema); err != nil {
		return fmt.Errorf("migrate idempotency_keys: %w", err)
	}
	return nil
}

// Check returns a cached response if the key was seen before and is within TTL.
func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool, error) {
	var (
		statusCode  int
		headers     string
		body        string
		fingerprint string
		cachedAtUS  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, headers, body, fingerprint, cached_at_us FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &headers, &body, &fingerprint, &cachedAtUS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	cachedAt := time.UnixMicro(cachedAtUS)
	if s.clock().Sub(cachedAt) > s.ttl {
		return nil, false, nil
	}

	hdr := make(http.Header)
	if err := json.Unmarshal([]byte(headers), &hdr); err != nil {
		return nil, false, fmt.Errorf("idempotency headers: %w", err)
	}
	return &CachedResponse{
		StatusCode:  statusCode,
		Headers:     hdr,
		Body:        []byte(body),
		Fingerprint: fingerprint,
		CachedAt:    cachedAt,
	}, true, nil
}

// Set stores an idempotency key and its response.
func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) error {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("idempotency headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, headers, body, fingerprint, cached_at_us)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, headers = $3, body = $4, fingerprint = $5, cached_at_us = $6`,
		key, resp.StatusCode, string(headers), string(resp.Body), resp.Fingerprint, s.clock().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	return nil
}

// Cleanup removes idempotency keys older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE cached_at_us < $1`,
		s.clock().Add(-s.ttl).UnixMicro(),
	)
	if err != nil {
		return 0, fmt.Errorf("idempotency cleanup: %w", err)
	}
	return res.RowsAffected()
}
