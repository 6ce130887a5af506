// Package server implements the rt-server daemon: WebSocket session
// handling for forwarders and receivers, the durable Postgres event
// store, the in-memory stream registry and broadcast fan-out, cold
// archival to S3, and the loopback admin surface.
package server

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps the server's Postgres connection pool. Every repo type
// in internal/server/repo takes a *sql.DB built here rather than
// owning its own connection, matching the teacher's single shared
// *sql.DB handed down to request-scoped helpers.
type Store struct {
	DB *sql.DB
}

// OpenStore connects to Postgres, caps the pool at maxConns (spec.md
// §4.2's "database writes serialize through a connection pool (max
// 10)"), and applies any migration not yet recorded in
// schema_migrations, in lexical filename order.
func OpenStore(dsn string, maxConns int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("server: opening database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("server: applying migrations: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("reading embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var already bool
		row := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name)
		if err := row.Scan(&already); err != nil {
			return fmt.Errorf("checking migration %s: %w", name, err)
		}
		if already {
			continue
		}

		sqlBytes, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration tx for %s: %w", name, err)
		}
		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}
	}

	return nil
}
