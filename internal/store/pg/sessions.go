// Package pg implements the session store on Postgres for managed
// deployments. Schema is managed by the migrate command, not at open time.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// PGSessionStore implements store.SessionStore backed by Postgres.
type PGSessionStore struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*PGSessionStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGSessionStore{db: db}, nil
}

func (s *PGSessionStore) GetOrCreate(ctx context.Context, key, agentID string) (*store.SessionMeta, error) {
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
		 VALUES ($1, $2, $3, $4) ON CONFLICT (session_key) DO NOTHING`,
		key, agentID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", key, err)
	}
	return s.Get(ctx, key)
}

func (s *PGSessionStore) Get(ctx context.Context, key string) (*store.SessionMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_key, agent_id, channel, chat_id, backend_id, turn_count,
		        tool_msgs, block_msgs, final_msgs, context_used, context_size,
		        last_error, created_at, updated_at
		 FROM sessions WHERE session_key = $1`, key)

	var m store.SessionMeta
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

func (s *PGSessionStore) SetBackendID(ctx context.Context, key, backendID string) error {
	return s.update(ctx, key, `backend_id = $1`, backendID)
}

func (s *PGSessionStore) SetRoute(ctx context.Context, key, channel, chatID string) error {
	return s.update(ctx, key, `channel = $1, chat_id = $2`, channel, chatID)
}

func (s *PGSessionStore) RecordTurn(ctx context.Context, key string, tool, block, final int) error {
	return s.update(ctx, key,
		`turn_count = turn_count + 1,
		 tool_msgs = tool_msgs + $1, block_msgs = block_msgs + $2, final_msgs = final_msgs + $3`,
		tool, block, final)
}

func (s *PGSessionStore) RecordUsage(ctx context.Context, key string, used, size float64) error {
	return s.update(ctx, key, `context_used = $1, context_size = $2`, used, size)
}

func (s *PGSessionStore) RecordError(ctx context.Context, key, msg string) error {
	return s.update(ctx, key, `last_error = $1`, msg)
}

func (s *PGSessionStore) List(ctx context.Context, agentID string) ([]store.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, channel, turn_count, created_at, updated_at
		 FROM sessions WHERE agent_id = $1 ORDER BY updated_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []store.SessionInfo
	for rows.Next() {
		var info store.SessionInfo
		if err := rows.Scan(&info.Key, &info.Channel, &info.TurnCount, &info.Created, &info.Updated); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *PGSessionStore) LastUsedRoute(ctx context.Context, agentID string) (string, string, error) {
	var channel, chatID string
	err := s.db.QueryRowContext(ctx,
		`SELECT channel, chat_id FROM sessions
		 WHERE agent_id = $1 AND channel != '' AND chat_id != ''
		 ORDER BY updated_at DESC LIMIT 1`, agentID).Scan(&channel, &chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("last used route: %w", err)
	}
	return channel, chatID, nil
}

func (s *PGSessionStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = $1`, key)
	return err
}

func (s *PGSessionStore) Close() error {
	return s.db.Close()
}

// update runs an UPDATE on one session, bumping updated_at. The set clause
// uses $1..$n; updated_at and the key take the next two positions.
func (s *PGSessionStore) update(ctx context.Context, key, set string, args ...any) error {
	n := len(args)
	query := fmt.Sprintf(
		`UPDATE sessions SET %s, updated_at = $%d WHERE session_key = $%d`,
		set, n+1, n+2)
	args = append(args, time.Now().UTC(), key)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update session %s: %w", key, err)
	}
	return nil
}
