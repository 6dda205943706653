package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key  TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	channel      TEXT NOT NULL DEFAULT '',
	chat_id      TEXT NOT NULL DEFAULT '',
	backend_id   TEXT NOT NULL DEFAULT '',
	turn_count   INTEGER NOT NULL DEFAULT 0,
	tool_msgs    INTEGER NOT NULL DEFAULT 0,
	block_msgs   INTEGER NOT NULL DEFAULT 0,
	final_msgs   INTEGER NOT NULL DEFAULT 0,
	context_used REAL NOT NULL DEFAULT 0,
	context_size REAL NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_agent_updated ON sessions(agent_id, updated_at DESC);
`

// SQLiteSessionStore implements SessionStore on a local SQLite file.
// This is the standalone-mode default.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStore opens (and creates if needed) the database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteSessionStore(path string) (*SQLiteSessionStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single conn avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteSessionStore{db: db}, nil
}

func (s *SQLiteSessionStore) GetOrCreate(ctx context.Context, key, agentID string) (*SessionMeta, error) {
	meta, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		return meta, nil
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, agent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT (session_key) DO NOTHING`,
		key, agentID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", key, err)
	}
	return s.Get(ctx, key)
}

func (s *SQLiteSessionStore) Get(ctx context.Context, key string) (*SessionMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_key, agent_id, channel, chat_id, backend_id, turn_count,
		        tool_msgs, block_msgs, final_msgs, context_used, context_size,
		        last_error, created_at, updated_at
		 FROM sessions WHERE session_key = ?`, key)
	return scanMeta(row)
}

func (s *SQLiteSessionStore) SetBackendID(ctx context.Context, key, backendID string) error {
	return s.update(ctx, key, `backend_id = ?`, backendID)
}

func (s *SQLiteSessionStore) SetRoute(ctx context.Context, key, channel, chatID string) error {
	return s.update(ctx, key, `channel = ?, chat_id = ?`, channel, chatID)
}

func (s *SQLiteSessionStore) RecordTurn(ctx context.Context, key string, tool, block, final int) error {
	return s.update(ctx, key,
		`turn_count = turn_count + 1,
		 tool_msgs = tool_msgs + ?, block_msgs = block_msgs + ?, final_msgs = final_msgs + ?`,
		tool, block, final)
}

func (s *SQLiteSessionStore) RecordUsage(ctx context.Context, key string, used, size float64) error {
	return s.update(ctx, key, `context_used = ?, context_size = ?`, used, size)
}

func (s *SQLiteSessionStore) RecordError(ctx context.Context, key, msg string) error {
	return s.update(ctx, key, `last_error = ?`, msg)
}

func (s *SQLiteSessionStore) List(ctx context.Context, agentID string) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, channel, turn_count, created_at, updated_at
		 FROM sessions WHERE agent_id = ? ORDER BY updated_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.Key, &info.Channel, &info.TurnCount, &info.Created, &info.Updated); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteSessionStore) LastUsedRoute(ctx context.Context, agentID string) (string, string, error) {
	var channel, chatID string
	err := s.db.QueryRowContext(ctx,
		`SELECT channel, chat_id FROM sessions
		 WHERE agent_id = ? AND channel != '' AND chat_id != ''
		 ORDER BY updated_at DESC LIMIT 1`, agentID).Scan(&channel, &chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("last used route: %w", err)
	}
	return channel, chatID, nil
}

func (s *SQLiteSessionStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key)
	return err
}

func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}

// update runs an UPDATE on one session, bumping updated_at.
func (s *SQLiteSessionStore) update(ctx context.Context, key, set string, args ...any) error {
	args = append(args, time.Now().UTC(), key)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+set+`, updated_at = ? WHERE session_key = ?`, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (*SessionMeta, error) {
	var m SessionMeta
	err := row.Scan(&m.Key, &m.AgentID, &m.Channel, &m.ChatID, &m.BackendID, &m.TurnCount,
		&m.ToolMsgs, &m.BlockMsgs, &m.FinalMsgs, &m.ContextUsed, &m.ContextSize,
		&m.LastError, &m.Created, &m.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &m, nil
}
