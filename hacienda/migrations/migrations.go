// Package migrations holds the PostgreSQL schema shared by the counter and outcome stores.
package migrations

import (
	"context"
	"embed"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "hacienda.migrations")

//go:embed *.sql
var FS embed.FS

// Up applies all pending migrations.
func Up(ctx context.Context, pool *pgxpool.Pool) error {
	// goose works on database/sql
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "set goose dialect")
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return errors.Wrap(err, "apply migrations")
	}

	logger.Debug("migrations applied")
	return nil
}
