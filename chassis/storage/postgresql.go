package storage

import (
	"context"
	"fmt"
	"strings"

	stderrors "errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGStore - Store on top of a pgx pool
type PGStore struct {
	pool  *pgxpool.Pool
	tx    pgx.Tx
	db    querier
	retry RetryPolicy
}

// InitPGStore - ...
func InitPGStore(ctx context.Context, cfg Config) (*PGStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	return &PGStore{
		pool:  pool,
		db:    pool,
		retry: cfg.Retry,
	}, nil
}

// Atomic - transaction on the pool, savepoint inside a transaction
func (s *PGStore) Atomic(ctx context.Context, fn func(Store) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if s.tx != nil {
		tx, err = s.tx.Begin(ctx)
	} else {
		tx, err = s.pool.Begin(ctx)
	}
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	fnErr := fn(&PGStore{tx: tx, db: tx, retry: s.retry})
	if fnErr != nil {
		if !Kept(fnErr) {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !stderrors.Is(rbErr, pgx.ErrTxClosed) {
				return errors.Wrapf(fnErr, "rollback failed: %v", rbErr)
			}
			return fnErr
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	if s.tx != nil {
		// the enclosing transaction decides on kept errors
		return fnErr
	}
	return Unkeep(fnErr)
}

// Ping - ...
func (s *PGStore) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, "select 1").Scan(&one)
}

// Close - ...
func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// translate maps driver errors onto package errors.
func translate(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(ErrNotFound, msg)
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrapf(ErrDuplicate, "%s: %s", msg, pgErr.ConstraintName)
	}
	return errors.Wrap(err, msg)
}

// prefixed qualifies every column of a column list with the table alias.
func prefixed(alias string, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
