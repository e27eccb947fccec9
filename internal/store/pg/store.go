// Package pg is the PostgreSQL adapter for the auth, zakat and notify stores.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sethvargo/go-retry"

	"zakat.org/internal/apperr"
	"zakat.org/internal/auth"
	"zakat.org/internal/config"
	"zakat.org/internal/notify"
	"zakat.org/internal/obs"
	"zakat.org/internal/zakat"
)

const (
	pgErrUniqueViolation      = "23505"
	pgErrForeignKeyViolation  = "23503"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"

	maxTxAttempts = 3
	retryBase     = 20 * time.Millisecond
)

var (
	_ auth.Store   = (*Store)(nil)
	_ zakat.Store  = (*Store)(nil)
	_ notify.Store = (*Store)(nil)
)

// Store implements every persistence interface over one *sql.DB.
type Store struct {
	db      *sql.DB
	backoff func() retry.Backoff
}

// Open connects with the pgx stdlib driver and sizes the pool from cfg.
func Open(dsn string, cfg config.DB) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	applyPool(db, cfg)
	return New(db), nil
}

func applyPool(db *sql.DB, cfg config.DB) {
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, backoff: defaultBackoff}
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(maxTxAttempts-1, retry.NewExponential(retryBase))
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// RunInTx runs fn in a serializable transaction. Serialization failures and
// deadlocks are retried; after the last attempt the conflict surfaces as an
// internal error.
func (s *Store) RunInTx(ctx context.Context, fn func(zakat.Tx) error) error {
	attempt := 0
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			obs.ObserveTxRetry()
		}
		err := s.runOnce(ctx, fn)
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if isRetryable(err) {
		return fmt.Errorf("%w: transaction conflict after %d attempts", apperr.ErrInternal, attempt)
	}
	return err
}

func (s *Store) runOnce(ctx context.Context, fn func(zakat.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func isRetryable(err error) bool {
	pgErr, ok := maybePgError(err)
	if !ok {
		return false
	}
	return pgErr.Code == pgErrSerializationFailure || pgErr.Code == pgErrDeadlockDetected
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", apperr.ErrNotFound, kind, id)
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
