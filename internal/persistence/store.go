// Package persistence is the embedded storage layer for Homestead. One
// SQLite database holds the session, outbox, job, task, and event-log
// stores; each entity lives in its own file in this package.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/homesteadhq/homestead/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger. Bump the version and extend migrate() when the
	// schema changes; the checksum guards against foreign databases.
	schemaVersion  = 2
	schemaChecksum = "hs-v2-2026-08-outbox-parse-mode"
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests

	allowedChats map[int64]struct{}
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".homestead", "homestead.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetAllowedChats installs the chat allow-list enforced on outbox enqueue.
// An empty list rejects every enqueue.
func (s *Store) SetAllowedChats(ids []int64) {
	allowed := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	s.allowedChats = allowed
}

func (s *Store) chatAllowed(chatID int64) bool {
	_, ok := s.allowedChats[chatID]
	return ok
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than this binary (wants v%d)", version, schemaVersion)
	}
	if version == schemaVersion {
		return s.verifyChecksum(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := migrate(ctx, tx, version); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_ledger (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
	`); err != nil {
		return fmt.Errorf("create schema_ledger: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_ledger (version, checksum) VALUES (?, ?)
		ON CONFLICT(version) DO UPDATE SET checksum = excluded.checksum;
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (s *Store) verifyChecksum(ctx context.Context) error {
	var checksum string
	err := s.db.QueryRowContext(ctx, `
		SELECT checksum FROM schema_ledger WHERE version = ?;
	`, schemaVersion).Scan(&checksum)
	if err == sql.ErrNoRows {
		return fmt.Errorf("schema ledger missing entry for v%d", schemaVersion)
	}
	if err != nil {
		return fmt.Errorf("read schema ledger: %w", err)
	}
	if checksum != schemaChecksum {
		return fmt.Errorf("schema v%d checksum mismatch: have %q want %q", schemaVersion, checksum, schemaChecksum)
	}
	return nil
}

func migrate(ctx context.Context, tx *sql.Tx, from int) error {
	if from < 1 {
		if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if from < 2 {
		if _, err := tx.ExecContext(ctx, schemaV2); err != nil {
			return fmt.Errorf("apply schema v2: %w", err)
		}
	}
	return nil
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS sessions (
	chat_id        INTEGER NOT NULL,
	name           TEXT NOT NULL,
	user_id        INTEGER NOT NULL DEFAULT 0,
	backend_handle TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL,
	is_active      INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL,
	message_count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (chat_id, name)
);
CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions (chat_id, is_active);

CREATE TABLE IF NOT EXISTS outbox (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id     INTEGER NOT NULL,
	agent_name  TEXT NOT NULL,
	body        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	fail_reason TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	sent_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (status, created_at);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	schedule_kind TEXT NOT NULL,
	schedule_expr TEXT NOT NULL,
	action_kind   TEXT NOT NULL,
	action_config TEXT NOT NULL,
	enabled       INTEGER NOT NULL DEFAULT 1,
	last_run_at   INTEGER,
	next_run_at   INTEGER,
	run_count     INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	tags          TEXT NOT NULL DEFAULT '[]',
	source        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs (enabled, next_run_at);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'pending',
	priority     TEXT NOT NULL DEFAULT 'normal',
	assignee     TEXT NOT NULL DEFAULT '',
	blockers     TEXT NOT NULL DEFAULT '[]',
	depends_on   TEXT NOT NULL DEFAULT '[]',
	tags         TEXT NOT NULL DEFAULT '[]',
	notes        TEXT NOT NULL DEFAULT '[]',
	source       TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);

CREATE TABLE IF NOT EXISTS event_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           INTEGER NOT NULL,
	level        TEXT NOT NULL,
	source       TEXT NOT NULL,
	message      TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '',
	session_name TEXT NOT NULL DEFAULT '',
	chat_id      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_event_log_ts_level ON event_log (ts, level);
CREATE INDEX IF NOT EXISTS idx_event_log_source ON event_log (source);
`

const schemaV2 = `
ALTER TABLE outbox ADD COLUMN parse_mode TEXT NOT NULL DEFAULT 'HTML';
`
