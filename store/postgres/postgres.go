// Package postgres bootstraps the database connection pool for the
// sqlx repositories.
package postgres

import (
	"log/slog"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	perrors "github.com/pkg/errors"
)

// OpenDB returns a validated connection pool for the given postgres
// DSN. Driver-level events are forwarded to the slog logger.
func OpenDB(log *slog.Logger, dataSource string) (*sqlx.DB, error) {
	config, err := pgx.ParseConfig(dataSource)
	if err != nil {
		return nil, perrors.Wrap(err, "postgres dsn")
	}
	config.Logger = newPGXLogger(log)

	const pgxDriverName = "pgx"
	db := sqlx.NewDb(stdlib.OpenDB(*config), pgxDriverName)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, perrors.Wrap(err, "postgres ping")
	}
	return db, nil
}
