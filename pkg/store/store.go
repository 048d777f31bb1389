// Package store provides SQLite-backed persistence for credential usage and
// the dispatch ledger.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zen-systems/taskmux/pkg/dispatch"
	"github.com/zen-systems/taskmux/pkg/quota"
)

// Store wraps the taskmux SQLite database. It satisfies quota.UsageStore and
// dispatch.LedgerSink so one handle backs both concerns.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and runs migrations.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for concurrent readers; SQLite still allows one writer.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credential_usage (
		credential_id TEXT PRIMARY KEY,
		backend TEXT NOT NULL,
		used_today REAL NOT NULL DEFAULT 0,
		reset_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		classification TEXT NOT NULL,
		plan TEXT NOT NULL,
		attempts TEXT NOT NULL,
		outcome TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credential_usage_backend ON credential_usage(backend);
	CREATE INDEX IF NOT EXISTS idx_ledger_created_at ON ledger(created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_outcome ON ledger(outcome);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Usage Operations ---

// ListCredentials returns persisted usage counters for a backend. Only the
// counters live here; limits and priorities come from configuration.
func (s *Store) ListCredentials(backend string) ([]quota.Credential, error) {
	rows, err := s.db.Query(
		`SELECT credential_id, backend, used_today, reset_at FROM credential_usage WHERE backend = ?`,
		backend,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var creds []quota.Credential
	for rows.Next() {
		var c quota.Credential
		var resetAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Backend, &c.UsedToday, &resetAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		if resetAt.Valid {
			c.ResetAt = resetAt.Time
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// PersistUsage upserts a credential's usage counters.
func (s *Store) PersistUsage(credentialID string, usedToday float64, resetAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO credential_usage (credential_id, backend, used_today, reset_at, updated_at)
		 VALUES (?, '', ?, ?, ?)
		 ON CONFLICT(credential_id) DO UPDATE SET
			used_today = excluded.used_today,
			reset_at = excluded.reset_at,
			updated_at = excluded.updated_at`,
		credentialID, usedToday, resetAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("persist usage: %w", err)
	}
	return nil
}

// SeedCredential records a credential's backend so ListCredentials can find
// its counters later. Called once at startup for each configured credential.
func (s *Store) SeedCredential(credentialID, backend string) error {
	_, err := s.db.Exec(
		`INSERT INTO credential_usage (credential_id, backend, used_today, updated_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT(credential_id) DO UPDATE SET backend = excluded.backend`,
		credentialID, backend, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("seed credential: %w", err)
	}
	return nil
}

// --- Ledger Operations ---

// Append inserts one completed dispatch record. Entries are immutable once
// written.
func (s *Store) Append(entry dispatch.LedgerEntry) error {
	classification, err := json.Marshal(entry.Classification)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	plan, err := json.Marshal(entry.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	attempts, err := json.Marshal(entry.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO ledger (id, task, classification, plan, attempts, outcome, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Task, string(classification), string(plan), string(attempts), string(entry.Outcome), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// GetEntry retrieves one ledger entry by ID. Returns nil when not found.
func (s *Store) GetEntry(id string) (*dispatch.LedgerEntry, error) {
	row := s.db.QueryRow(
		`SELECT id, task, classification, plan, attempts, outcome, created_at FROM ledger WHERE id = ?`,
		id,
	)
	entry, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger entry: %w", err)
	}
	return entry, nil
}

// RecentEntries returns the newest entries, most recent first.
func (s *Store) RecentEntries(limit int) ([]dispatch.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, task, classification, plan, attempts, outcome, created_at FROM ledger ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []dispatch.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanEntry(scan func(dest ...any) error) (*dispatch.LedgerEntry, error) {
	var entry dispatch.LedgerEntry
	var classification, plan, attempts, outcome string
	if err := scan(&entry.ID, &entry.Task, &classification, &plan, &attempts, &outcome, &entry.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(classification), &entry.Classification); err != nil {
		return nil, fmt.Errorf("unmarshal classification: %w", err)
	}
	if err := json.Unmarshal([]byte(plan), &entry.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if err := json.Unmarshal([]byte(attempts), &entry.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	entry.Outcome = dispatch.Outcome(outcome)
	return &entry, nil
}
