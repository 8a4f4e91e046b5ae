// Package store persists the plan cache in SQLite so a restarted process
// can warm-start instead of paying for every strategic request again.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/usecase/cache"
)

// SQLiteCacheStore saves and restores cache entries.
type SQLiteCacheStore struct {
	db *sql.DB
}

// NewSQLiteCacheStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteCacheStore(dbPath string) (*SQLiteCacheStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, domain.NewDomainError("store.Open", domain.ErrStore, err.Error())
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &SQLiteCacheStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS plan_cache (
			id          TEXT PRIMARY KEY,
			seq         INTEGER NOT NULL,
			fingerprint TEXT NOT NULL UNIQUE,
			prompt      TEXT NOT NULL,
			model       TEXT NOT NULL,
			temp_bucket INTEGER NOT NULL,
			plan        TEXT NOT NULL,
			created_at  TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteCacheStore) Close() error {
	return s.db.Close()
}

// Save replaces the stored entries with entries, preserving their order.
// Callers pass cache.Entries(), which runs least to most recently used.
func (s *SQLiteCacheStore) Save(ctx context.Context, entries []cache.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewDomainError("store.Save", domain.ErrStore, err.Error())
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM plan_cache"); err != nil {
		return domain.NewDomainError("store.Save", domain.ErrStore, err.Error())
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO plan_cache (id, seq, fingerprint, prompt, model, temp_bucket, plan, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return domain.NewDomainError("store.Save", domain.ErrStore, err.Error())
	}
	defer stmt.Close()

	for i, e := range entries {
		planJSON, err := json.Marshal(e.Plan)
		if err != nil {
			return fmt.Errorf("marshal plan %s: %w", e.Plan.PlanID, err)
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		id := ulid.MustNew(ulid.Timestamp(created), rand.Reader)
		if _, err := stmt.ExecContext(ctx,
			id.String(), i, e.Key.Fingerprint, e.Key.Prompt, e.Key.Model, e.Key.TempBucket,
			string(planJSON), created.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return domain.NewDomainError("store.Save", domain.ErrStore, err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.NewDomainError("store.Save", domain.ErrStore, err.Error())
	}
	return nil
}

// Load returns the stored entries in the order they were saved. Token sets
// are rebuilt by cache.Warm.
func (s *SQLiteCacheStore) Load(ctx context.Context) ([]cache.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT fingerprint, prompt, model, temp_bucket, plan, created_at FROM plan_cache ORDER BY seq")
	if err != nil {
		return nil, domain.NewDomainError("store.Load", domain.ErrStore, err.Error())
	}
	defer rows.Close()

	var entries []cache.Entry
	for rows.Next() {
		var (
			e        cache.Entry
			planJSON string
			created  string
		)
		if err := rows.Scan(&e.Key.Fingerprint, &e.Key.Prompt, &e.Key.Model, &e.Key.TempBucket, &planJSON, &created); err != nil {
			return nil, domain.NewDomainError("store.Load", domain.ErrStore, err.Error())
		}
		if err := json.Unmarshal([]byte(planJSON), &e.Plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan for %s: %w", e.Key.Fingerprint, err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("store.Load", domain.ErrStore, err.Error())
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (s *SQLiteCacheStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM plan_cache").Scan(&n); err != nil {
		return 0, domain.NewDomainError("store.Count", domain.ErrStore, err.Error())
	}
	return n, nil
}

// Persist saves every entry currently held by c.
func (s *SQLiteCacheStore) Persist(ctx context.Context, c *cache.Cache) (int, error) {
	entries := c.Entries()
	if err := s.Save(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Restore warms c from the stored entries and returns how many were loaded.
// Plans refused by accept, typically those naming tools the current
// registry no longer has, are left out.
func (s *SQLiteCacheStore) Restore(ctx context.Context, c *cache.Cache, accept cache.Accept) (int, error) {
	entries, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	return c.Warm(entries, accept), nil
}
