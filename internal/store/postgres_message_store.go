package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresMessageStore returns a Postgres-backed MessageStore.
func NewPostgresMessageStore(pool *pgxpool.Pool) MessageStore {
	return &pgMessageStore{pool: pool}
}

type pgMessageStore struct {
	pool *pgxpool.Pool
}

// Init creates the backing schema if it doesn't already exist.
func (s *pgMessageStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("store: postgres message store requires a pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    parent_message_id TEXT,
    metadata JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS messages_session_ts_idx ON messages(session_id, ts);
CREATE INDEX IF NOT EXISTS messages_parent_idx ON messages(parent_message_id);
`)
	return err
}

func (s *pgMessageStore) Save(ctx context.Context, m Message) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO messages (id, session_id, role, content, ts, parent_message_id, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
SET session_id = EXCLUDED.session_id, role = EXCLUDED.role, content = EXCLUDED.content,
    ts = EXCLUDED.ts, parent_message_id = EXCLUDED.parent_message_id, metadata = EXCLUDED.metadata`,
		m.ID, m.SessionID, string(m.Role), m.Content, m.Timestamp, m.ParentMessageID, meta)
	return err
}

func (s *pgMessageStore) FindByID(ctx context.Context, id string) (Message, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, session_id, role, content, ts, parent_message_id, metadata
FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func (s *pgMessageStore) FindBySessionID(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, session_id, role, content, ts, parent_message_id, metadata
FROM messages WHERE session_id = $1 ORDER BY ts ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *pgMessageStore) FindAll(ctx context.Context) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, session_id, role, content, ts, parent_message_id, metadata
FROM messages ORDER BY ts ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *pgMessageStore) DeleteAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE messages`)
	return err
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var role string
	var metaRaw []byte
	if err := row.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.Timestamp, &m.ParentMessageID, &metaRaw); err != nil {
		return Message{}, err
	}
	m.Role = Role(role)
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &m.Metadata); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
