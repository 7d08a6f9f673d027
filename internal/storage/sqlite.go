package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them; dispatch
	// goroutines write concurrently.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS analysis_job (
  id            TEXT PRIMARY KEY,
  kind          TEXT NOT NULL,
  owner_id      TEXT NOT NULL,
  input_ref     TEXT NOT NULL,
  status        TEXT NOT NULL,
  result        JSON,
  error_message TEXT,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  resolved_at   TEXT
);`,
		`CREATE INDEX IF NOT EXISTS analysis_job_status_created_at_idx ON analysis_job(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS analysis_job_owner_idx ON analysis_job(owner_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS ingredient_master (
  id   INTEGER PRIMARY KEY,
  name TEXT NOT NULL UNIQUE
);`,
		`CREATE TABLE IF NOT EXISTS recipe (
  id   INTEGER PRIMARY KEY,
  name TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS recipe_ingredient (
  recipe_id     INTEGER NOT NULL REFERENCES recipe(id),
  ingredient_id INTEGER NOT NULL REFERENCES ingredient_master(id),
  is_main       INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (recipe_id, ingredient_id)
);`,
		`CREATE INDEX IF NOT EXISTS recipe_ingredient_ingredient_idx ON recipe_ingredient(ingredient_id);`,
		`CREATE TABLE IF NOT EXISTS inventory (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id       TEXT NOT NULL,
  ingredient_id INTEGER NOT NULL REFERENCES ingredient_master(id),
  quantity      REAL NOT NULL DEFAULT 0,
  unit          TEXT,
  expires_at    TEXT
);`,
		`CREATE INDEX IF NOT EXISTS inventory_user_idx ON inventory(user_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
