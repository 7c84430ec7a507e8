package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore mirrors terminal task records to postgres so completed work
// survives restarts as browsable history. Configured via DATABASE_URL; when
// unset the queue runs purely in memory.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			working_dir TEXT NOT NULL,
			instruction TEXT NOT NULL,
			settings JSONB NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			enqueued_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_conversation_enqueued ON tasks (conversation_id, enqueued_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, t Task) error {
	settingsJSON, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (
			id, conversation_id, session_id, project, working_dir, instruction,
			settings, status, result, reason, enqueued_at, started_at, ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			result=EXCLUDED.result,
			reason=EXCLUDED.reason,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at`,
		t.ID, t.ConversationID, t.SessionID, t.Project, t.WorkingDir, t.Instruction,
		settingsJSON, string(t.Status), t.Result, t.Reason, t.EnqueuedAt, t.StartedAt, t.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// ListRecent returns the newest terminal tasks for a conversation.
func (s *PostgresStore) ListRecent(ctx context.Context, conversationID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, session_id, project, working_dir, instruction,
			settings, status, result, reason, enqueued_at, started_at, ended_at
		FROM tasks WHERE conversation_id = $1
		ORDER BY enqueued_at DESC LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var settingsJSON []byte
		var status string
		if err := rows.Scan(
			&t.ID, &t.ConversationID, &t.SessionID, &t.Project, &t.WorkingDir, &t.Instruction,
			&settingsJSON, &status, &t.Result, &t.Reason, &t.EnqueuedAt, &t.StartedAt, &t.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = Status(status)
		if err := json.Unmarshal(settingsJSON, &t.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
