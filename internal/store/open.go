package store

import (
	"database/sql"
	"fmt"
	"time"

	"vellum/internal/jobs"
)

// Backend is a jobs.Store bound to a database handle.
type Backend interface {
	jobs.Store
	Close() error
	DB() *sql.DB
}

// Open constructs the configured backend. driver is "postgres" or
// "sqlite"; dsn is a pgx connection string or a database file path
// respectively. Postgres migrations must already have run (see
// internal/migrate).
func Open(driver, dsn string, opts Options) (Backend, error) {
	switch driver {
	case "postgres":
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		return NewPostgres(db, opts), nil
	case "sqlite":
		return NewSQLite(dsn, opts)
	default:
		return nil, fmt.Errorf("unknown database driver %q (expected postgres or sqlite)", driver)
	}
}
