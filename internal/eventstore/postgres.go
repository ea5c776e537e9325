package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kandev/relay/internal/common/database"
	"github.com/kandev/relay/pkg/events"
)

// Schema creates the append-only events table. Callers run this once at
// startup (or via an external migration tool); it is intentionally
// idempotent so the server can call it unconditionally in development.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	cursor     BIGSERIAL PRIMARY KEY,
	kind       TEXT NOT NULL,
	time       TIMESTAMPTZ NOT NULL,
	agent_id   UUID NOT NULL,
	session_id UUID NULL,
	task_id    UUID NULL,
	data       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS events_kind_idx ON events (kind);
CREATE INDEX IF NOT EXISTS events_agent_time_idx ON events (agent_id, time);
`

// PostgresStore is the durable Store implementation backed by Postgres.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema. Safe to call on every startup.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Pool().Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, event *events.Event) (int64, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return 0, fmt.Errorf("marshalling event data: %w", err)
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO events (kind, time, agent_id, session_id, task_id, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING cursor
	`, event.Kind, event.Time, event.AgentID, event.SessionID, event.TaskID, data)

	var cursor int64
	if err := row.Scan(&cursor); err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}
	event.Cursor = cursor
	return cursor, nil
}

func (s *PostgresStore) Query(ctx context.Context, q Query) ([]*events.Event, error) {
	limit := ClampLimit(q.Limit)

	var kinds []string
	if len(q.Kinds) > 0 {
		kinds = q.Kinds
	}

	rows, err := s.db.Query(ctx, `
		SELECT cursor, kind, time, agent_id, session_id, task_id, data
		FROM events
		WHERE cursor > $1
		  AND ($2::BIGINT IS NULL OR cursor <= $2)
		  AND ($3::TEXT[] IS NULL OR kind = ANY($3))
		  AND ($4::UUID IS NULL OR agent_id = $4)
		  AND ($5::UUID IS NULL OR task_id = $5)
		ORDER BY cursor ASC
		LIMIT $6
	`, q.FromCursor, q.ToCursor, kinds, q.AgentID, q.TaskID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var (
			e    events.Event
			data []byte
		)
		if err := rows.Scan(&e.Cursor, &e.Kind, &e.Time, &e.AgentID, &e.SessionID, &e.TaskID, &data); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshalling event data: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestCursor(ctx context.Context) (int64, error) {
	row := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(cursor), 0) FROM events`)
	var cursor int64
	if err := row.Scan(&cursor); err != nil {
		return 0, fmt.Errorf("reading latest cursor: %w", err)
	}
	return cursor, nil
}

func (s *PostgresStore) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM events WHERE time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ Store = (*PostgresStore)(nil)
