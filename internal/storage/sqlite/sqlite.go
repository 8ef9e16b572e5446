// Package sqlite backs the storage interfaces with an embedded database, the
// default for single-node deployments and for tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type Sqlite struct {
	DB *sql.DB
}

func New(dsn string) (*Sqlite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// The driver is not safe for concurrent writers over separate
	// connections; everything funnels through one shared connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// Tuning, not correctness: WAL keeps readers off the writer's back and
	// the busy timeout absorbs lock contention. Best-effort so in-memory
	// databases stay usable.
	db.Exec("PRAGMA journal_mode = WAL")
	db.Exec("PRAGMA busy_timeout = 5000")

	return &Sqlite{DB: db}, nil
}

func (s *Sqlite) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}
