// internal/database/db.go

// Package database is the lobby's account, review and session store on
// PostgreSQL.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
)

// Store wraps a pgx pool with retry for transient failures.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries uint64
	timeout    time.Duration
	logger     *logrus.Logger
}

// Options configure Connect.
type Options struct {
	MaxRetries int
	Timeout    time.Duration
	Logger     *logrus.Logger
}

// Connect opens a pool and waits for the database to answer a ping,
// retrying with exponential backoff.
func Connect(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("database url is empty")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	s := &Store{pool: pool, maxRetries: uint64(max(opts.MaxRetries, 0)), timeout: opts.Timeout, logger: opts.Logger}
	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		return pool.Ping(pctx)
	}
	notify := func(err error, wait time.Duration) {
		opts.Logger.WithError(err).WithField("retry_in", wait).Warn("database not ready")
	}
	if err := backoff.RetryNotify(ping, s.policy(ctx), notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	opts.Logger.WithField("host", config.ConnConfig.Host).Info("connected to database")
	return s, nil
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{pool: pool, maxRetries: 3, timeout: 5 * time.Second, logger: logger}
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases every connection.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)
}

// do runs op with retry. Only connection level failures are retried; a
// query the server rejected fails immediately. Whatever is left after the
// last attempt is reported as a retryable upstream error unless op already
// returned an application error.
func (s *Store) do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := func() error {
		actx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		err := op(actx)
		if err == nil || isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(attempt, s.policy(ctx))
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return apperr.Upstream(err, "database unavailable")
}

// isTransient reports errors worth another attempt: anything that is not a
// server side rejection, no-rows result or application error.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		return false
	case errors.Is(err, pgx.ErrNoRows):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.As(err, &pgErr):
		// class 08 is connection exceptions, 40001 serialization, 57P0x shutdown
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" || strings.HasPrefix(pgErr.Code, "57P0")
	}
	return true
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
