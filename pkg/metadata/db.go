package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/xgpxg/fskb/pkg/sqliteutil"
)

// DB wraps the single metadata SQLite connection shared by every
// entity-specific store in this package.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the metadata database at path, runs
// the embedded init script, and applies ordered migrations.
func Open(path string) (*DB, error) {
	conn, err := sqliteutil.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.init(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing metadata database: %w", err)
	}

	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

// init runs the embedded schema script then applies any migration that
// hasn't run yet, keyed by name so re-running init is idempotent.
func (db *DB) init(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, initScript); err != nil {
		return fmt.Errorf("running init script: %w", err)
	}
	return db.runMigrations(ctx)
}

// withTx wraps fn in a transaction: commit on nil error, rollback
// otherwise. The shared transaction helper for every multi-statement write.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("failed to roll back transaction", "error", rbErr, "cause", err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const initScript = `
CREATE TABLE IF NOT EXISTS knowledge_base (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	table_name TEXT NOT NULL UNIQUE,
	natural_language_description TEXT,
	config TEXT NOT NULL,
	mcp_server_ids TEXT NOT NULL DEFAULT '[]',
	model_id INTEGER,
	file_content_extract_type TEXT NOT NULL DEFAULT 'text',
	file_content_vision_model_id INTEGER,
	create_time TEXT NOT NULL,
	update_time TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS import_record (
	id INTEGER PRIMARY KEY,
	knowledge_base_id INTEGER NOT NULL,
	source TEXT NOT NULL,
	title TEXT NOT NULL,
	file_path TEXT,
	file_size INTEGER,
	file_content_type TEXT NOT NULL,
	file_content_extract_type TEXT NOT NULL,
	status TEXT NOT NULL,
	status_msg TEXT,
	start_time TEXT,
	end_time TEXT
);
CREATE INDEX IF NOT EXISTS idx_import_record_kb ON import_record(knowledge_base_id);

CREATE TABLE IF NOT EXISTS chat_message (
	id INTEGER PRIMARY KEY,
	knowledge_base_id INTEGER NOT NULL,
	message_id INTEGER NOT NULL,
	parent_message_id INTEGER,
	role TEXT NOT NULL,
	content TEXT,
	status TEXT NOT NULL,
	create_time TEXT NOT NULL,
	update_time TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_message_kb ON chat_message(knowledge_base_id, message_id);

CREATE TABLE IF NOT EXISTS model (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	source TEXT NOT NULL,
	base_url TEXT,
	api_key TEXT,
	task_type TEXT NOT NULL,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mcp_server (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	config TEXT NOT NULL,
	source TEXT NOT NULL,
	status TEXT NOT NULL,
	status_msg TEXT,
	installed_version TEXT,
	latest_version TEXT
);

CREATE TABLE IF NOT EXISTS mcp_server_define (
	name TEXT PRIMARY KEY,
	definition TEXT NOT NULL,
	refreshed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS note (
	id INTEGER PRIMARY KEY,
	knowledge_base_id INTEGER NOT NULL,
	title TEXT,
	content TEXT,
	create_time TEXT NOT NULL,
	update_time TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_profile (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	enable_profile_memory INTEGER NOT NULL DEFAULT 0,
	profile_memory_model_id INTEGER
);
`
