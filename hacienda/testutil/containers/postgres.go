//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/alapierre/go-hacienda-client/hacienda/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

type PostgresContainer struct {
	Container *tcpostgres.PostgresContainer
	Pool      *pgxpool.Pool
}

// NewPostgresContainer starts postgres, applies the schema migrations and registers cleanup on t.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("hacienda"),
		tcpostgres.WithUsername("hacienda"),
		tcpostgres.WithPassword("hacienda"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := migrations.Up(ctx, pool); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return &PostgresContainer{Container: container, Pool: pool}
}
