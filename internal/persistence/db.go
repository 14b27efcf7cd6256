package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DBConfig carries the pool settings applied to every connection.
type DBConfig struct {
	DSN              string
	MaxOpenConns     int
	MaxIdleConns     int
	StatementTimeout time.Duration
}

// Open connects to Postgres, applies pool limits and verifies the
// connection. The statement timeout rides on every session so a wedged
// query cannot hold a handler transaction open indefinitely.
func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	dsn := cfg.DSN
	if cfg.StatementTimeout > 0 {
		dsn = fmt.Sprintf("%s options='-c statement_timeout=%d'",
			dsn, cfg.StatementTimeout.Milliseconds())
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
// Handlers use this to commit all effects of one event atomically.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
