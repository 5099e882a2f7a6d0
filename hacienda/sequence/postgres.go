package sequence

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	selectCounterSQL = `SELECT last_value FROM consecutive_counters
WHERE issuer_id = $1 AND document_type = $2 AND branch = $3 AND terminal = $4`

	upsertCounterSQL = `INSERT INTO consecutive_counters (issuer_id, document_type, branch, terminal, last_value, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (issuer_id, document_type, branch, terminal)
DO UPDATE SET last_value = EXCLUDED.last_value, updated_at = now()
WHERE consecutive_counters.last_value = $5 - 1`
)

// PostgresStore keeps counters in the consecutive_counters table. Each increment is a short
// SERIALIZABLE read-modify-write; PostgreSQL aborts the loser of a race and the abort becomes
// ErrConflict.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Increment(ctx context.Context, scope Scope) (int64, error) {
	var next int64

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		var last int64
		err := tx.QueryRow(ctx, selectCounterSQL, scope.IssuerID, string(scope.DocumentType), scope.Branch, scope.Terminal).Scan(&last)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		next = last + 1

		tag, err := tx.Exec(ctx, upsertCounterSQL, scope.IssuerID, string(scope.DocumentType), scope.Branch, scope.Terminal, next)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		if isConflict(err) {
			return 0, ErrConflict
		}
		return 0, errors.Wrap(err, "increment counter")
	}
	return next, nil
}

func (s *PostgresStore) Peek(ctx context.Context, scope Scope) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, selectCounterSQL, scope.IssuerID, string(scope.DocumentType), scope.Branch, scope.Terminal).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read counter")
	}
	return last, nil
}

func isConflict(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"23505": // unique_violation
			return true
		}
	}
	return false
}
