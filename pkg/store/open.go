package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrDuplicate is returned when an insert collides with an existing key.
var ErrDuplicate = errors.New("duplicate record")

// Open connects to Postgres when databaseURL is set, otherwise to a SQLite
// file under dataDir (lite mode). The schema is created before returning.
func Open(ctx context.Context, databaseURL, dataDir string) (*sql.DB, *SQLStore, error) {
	logger := slog.Default().With("component", "store")

	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	if databaseURL != "" {
		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetConnMaxIdleTime(5 * time.Minute)
		dialect = DialectPostgres
		logger.InfoContext(ctx, "postgres configured")
	} else {
		if err := os.MkdirAll(dataDir, 0750); err != nil {
			return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dbPath := filepath.Join(dataDir, "helm-pay.db")
		// Immediate transactions serialise writers; busy_timeout waits instead of failing.
		dsn := "file:" + dbPath + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		dialect = DialectSQLite
		logger.InfoContext(ctx, "lite mode: using sqlite", "path", dbPath)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("database unreachable: %w", err)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, s, nil
}

// IsUniqueViolation reports a duplicate-key error from either driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func wrapInsert(kind, id string, err error) error {
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s %s", ErrDuplicate, kind, id)
	}
	return fmt.Errorf("insert %s: %w", kind, err)
}
