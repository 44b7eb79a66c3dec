package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one ordered, named schema change, applied at most once.
// Modeled on the teacher's pkg/session/migrations.go MigrationManager.
type migration struct {
	Name string
	Up   func(ctx context.Context, db *sql.DB) error
}

func allMigrations() []migration {
	return []migration{
		{
			Name: "2026_01_add_note_attachments",
			Up: func(ctx context.Context, db *sql.DB) error {
				_, err := db.ExecContext(ctx, `ALTER TABLE note ADD COLUMN attachments TEXT`)
				return ignoreDuplicateColumn(err)
			},
		},
		{
			Name: "2026_02_add_mcp_upgrading_status_msg",
			Up: func(ctx context.Context, db *sql.DB) error {
				_, err := db.ExecContext(ctx, `ALTER TABLE mcp_server ADD COLUMN status_msg TEXT`)
				return ignoreDuplicateColumn(err)
			},
		},
	}
}

// ignoreDuplicateColumn lets an idempotent ALTER TABLE re-run safely: a
// fresh init already includes the column, so "duplicate column name" from
// SQLite is expected rather than a real failure.
func ignoreDuplicateColumn(err error) error {
	if err == nil {
		return nil
	}
	if containsDuplicateColumn(err.Error()) {
		return nil
	}
	return err
}

func containsDuplicateColumn(msg string) bool {
	return len(msg) > 0 && (contains(msg, "duplicate column") || contains(msg, "already exists"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func (db *DB) runMigrations(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			name TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	for _, m := range allMigrations() {
		var exists int
		err := db.conn.QueryRowContext(ctx, `SELECT 1 FROM migrations WHERE name = ?`, m.Name).Scan(&exists)
		if err == nil {
			continue // already applied
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking migration %q: %w", m.Name, err)
		}

		if err := m.Up(ctx, db.conn); err != nil {
			return fmt.Errorf("applying migration %q: %w", m.Name, err)
		}

		if _, err := db.conn.ExecContext(ctx,
			`INSERT INTO migrations (name, applied_at) VALUES (?, ?)`,
			m.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("recording migration %q: %w", m.Name, err)
		}
	}

	return nil
}
