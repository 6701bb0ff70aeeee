package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/counsel/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// Init initializes the SQLite database at baseDir/counsel.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.counsel.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	// Open database with pragmas in connection string (applies to all connections)
	dbPath := filepath.Join(baseDir, "counsel.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations (this creates the file if it doesn't exist)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Set file permissions after file exists (best-effort)
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// Ping checks the database is reachable.
func Ping(ctx context.Context, db *sql.DB) error {
	return db.PingContext(ctx)
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: conversations and messages
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS conversations (
		  id             TEXT PRIMARY KEY,
		  current_phase  TEXT NOT NULL,
		  status         TEXT NOT NULL,
		  contact_name   TEXT,
		  contact_email  TEXT,
		  created_at     INTEGER NOT NULL,
		  updated_at     INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status_updated
		ON conversations(status, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
		  id               TEXT PRIMARY KEY,
		  conversation_id  TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		  role             TEXT NOT NULL,
		  content          TEXT NOT NULL,
		  metadata_json    TEXT,
		  created_at       INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
		ON messages(conversation_id, created_at DESC, id DESC);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: workflow configuration and knowledge base
	if version < 2 {
		schema := `
		CREATE TABLE IF NOT EXISTS branch_rules (
		  id                TEXT PRIMARY KEY,
		  from_phase        TEXT NOT NULL,
		  to_phase          TEXT NOT NULL,
		  condition_type    TEXT NOT NULL,
		  condition_params  TEXT,
		  priority          INTEGER NOT NULL DEFAULT 0,
		  active            INTEGER NOT NULL DEFAULT 1,
		  created_at        INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_branch_rules_from_priority
		ON branch_rules(from_phase, priority DESC)
		WHERE active = 1;

		CREATE TABLE IF NOT EXISTS prompt_templates (
		  id          TEXT PRIMARY KEY,
		  phase       TEXT NOT NULL,
		  content     TEXT NOT NULL,
		  version     INTEGER NOT NULL,
		  created_at  INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_prompt_templates_phase_version
		ON prompt_templates(phase, version);

		CREATE TABLE IF NOT EXISTS documents (
		  id             TEXT PRIMARY KEY,
		  title          TEXT NOT NULL,
		  content        TEXT NOT NULL,
		  document_type  TEXT,
		  category       TEXT,
		  metadata_json  TEXT,
		  active         INTEGER NOT NULL DEFAULT 1,
		  created_at     INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_active_created
		ON documents(created_at DESC)
		WHERE active = 1;
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
