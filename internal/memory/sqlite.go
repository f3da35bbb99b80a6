package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StorageOptions locates a durable store.
type StorageOptions struct {
	Driver string // DriverSQLite (default) or DriverPostgres
	Path   string // sqlite database file
	DSN    string // postgres connection string
}

func (o StorageOptions) postgres() bool {
	return o.Driver == DriverPostgres
}

func (o StorageOptions) describe() string {
	if o.postgres() {
		return "postgres"
	}
	return o.Path
}

// openDB opens the database and applies the schema statements for its dialect.
func openDB(ctx context.Context, opts StorageOptions, sqliteSchema, postgresSchema []string) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)
	if opts.postgres() {
		db, err = sqlx.Open("pgx", opts.DSN)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if dir := filepath.Dir(opts.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err = sqlx.Open("sqlite", opts.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Driver, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.describe(), err)
	}

	stmts := sqliteSchema
	if opts.postgres() {
		stmts = postgresSchema
	}
	if err := migrate(ctx, db, stmts); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Debug("memory database opened", "driver", db.DriverName(), "target", opts.describe())
	return db, nil
}

func migrate(ctx context.Context, db *sqlx.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

var longTermSQLiteSchema = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		content TEXT NOT NULL,
		importance REAL NOT NULL DEFAULT 0.5,
		created_at INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		decay_score REAL NOT NULL DEFAULT 1.0,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_last_accessed ON memories(last_accessed)`,
	// External-content FTS5 index over memories.content, kept in sync by triggers.
	// No stemming tokenizer: prefix queries must see the same tokens the scorer does.
	`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content,
		content='memories',
		content_rowid='id',
		tokenize='unicode61 remove_diacritics 0'
	)`,
	`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
		INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
	END`,
}

var longTermPostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id BIGSERIAL PRIMARY KEY,
		session_id VARCHAR(255) NOT NULL,
		content TEXT NOT NULL,
		importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		created_at BIGINT NOT NULL,
		last_accessed BIGINT NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		decay_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_last_accessed ON memories(last_accessed)`,
}

var shortTermSQLiteSchema = []string{
	`CREATE TABLE IF NOT EXISTS short_term_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_short_term_session ON short_term_messages(session_id, id)`,
}

var shortTermPostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS short_term_messages (
		id BIGSERIAL PRIMARY KEY,
		session_id VARCHAR(255) NOT NULL,
		role VARCHAR(16) NOT NULL,
		content TEXT NOT NULL,
		timestamp BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_short_term_session ON short_term_messages(session_id, id)`,
}
