package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteBusyTimeout = 5 * time.Second

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id         TEXT PRIMARY KEY,
	adapter_name       TEXT NOT NULL,
	cwd                TEXT NOT NULL DEFAULT '',
	backend_session_id TEXT NOT NULL DEFAULT '',
	archived           INTEGER NOT NULL DEFAULT 0,
	state              TEXT NOT NULL DEFAULT 'starting',
	pid                INTEGER NOT NULL DEFAULT 0,
	updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS launcher_state (
	adapter_name TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStorage is the file-backed Storage and LauncherStateStorage.
type SQLiteStorage struct {
	db *sqlx.DB
}

var (
	_ Storage              = (*SQLiteStorage)(nil)
	_ LauncherStateStorage = (*SQLiteStorage)(nil)
)

// NewSQLiteStorage opens (creating if needed) the database at dbPath.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL",
		normalized,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sessionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) SaveSession(ctx context.Context, info Info) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (session_id, adapter_name, cwd, backend_session_id, archived, state, pid, updated_at)
		VALUES (:session_id, :adapter_name, :cwd, :backend_session_id, :archived, :state, :pid, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			adapter_name = excluded.adapter_name,
			cwd = excluded.cwd,
			backend_session_id = excluded.backend_session_id,
			archived = excluded.archived,
			state = excluded.state,
			pid = excluded.pid,
			updated_at = CURRENT_TIMESTAMP
	`, info)
	if err != nil {
		return fmt.Errorf("save session %s: %w", info.SessionID, err)
	}
	return nil
}

func (s *SQLiteStorage) LoadSession(ctx context.Context, sessionID string) (*Info, error) {
	var info Info
	err := s.db.GetContext(ctx, &info, `
		SELECT session_id, adapter_name, cwd, backend_session_id, archived, state, pid
		FROM sessions WHERE session_id = ?
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return &info, nil
}

func (s *SQLiteStorage) ListSessions(ctx context.Context) ([]Info, error) {
	var out []Info
	err := s.db.SelectContext(ctx, &out, `
		SELECT session_id, adapter_name, cwd, backend_session_id, archived, state, pid
		FROM sessions ORDER BY session_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStorage) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStorage) SaveLauncherState(ctx context.Context, adapterName string, state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal launcher state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO launcher_state (adapter_name, state, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(adapter_name) DO UPDATE SET state = excluded.state, updated_at = CURRENT_TIMESTAMP
	`, adapterName, string(data))
	if err != nil {
		return fmt.Errorf("save launcher state for %s: %w", adapterName, err)
	}
	return nil
}

func (s *SQLiteStorage) LoadLauncherState(ctx context.Context, adapterName string, out any) error {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT state FROM launcher_state WHERE adapter_name = ?`, adapterName)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load launcher state for %s: %w", adapterName, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("unmarshal launcher state: %w", err)
	}
	return nil
}
