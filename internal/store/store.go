// Package store persists calendar integrations in PostgreSQL. Token columns
// are encrypted with TokenCipher before they leave process memory.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of pgxpool.Pool the store uses. Tests supply a
// lightweight mock implementation.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool PgxPool

	Integrations *IntegrationRepo
}

// New wires concrete repository implementations with a shared connection pool
// and the token cipher.
func New(pool PgxPool, cipher *TokenCipher) *Store {
	return &Store{
		pool:         pool,
		Integrations: &IntegrationRepo{pool: pool, cipher: cipher},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
