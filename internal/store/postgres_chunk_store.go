package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresChunkStore returns a Postgres-backed ChunkStore sharing the
// pool opened for the message store.
func NewPostgresChunkStore(pool *pgxpool.Pool) ChunkStore {
	return &pgChunkStore{pool: pool}
}

type pgChunkStore struct {
	pool *pgxpool.Pool
}

// Init creates the backing schema if it doesn't already exist.
func (s *pgChunkStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("store: postgres chunk store requires a pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chunk_embeddings (
    id BIGSERIAL PRIMARY KEY,
    message_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    chunk_text TEXT NOT NULL,
    embedding_vector REAL[] NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (message_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS chunk_embeddings_session_idx ON chunk_embeddings(session_id);
CREATE INDEX IF NOT EXISTS chunk_embeddings_message_idx ON chunk_embeddings(message_id);
`)
	return err
}

func (s *pgChunkStore) SaveAll(ctx context.Context, chunks []ChunkEmbedding) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
INSERT INTO chunk_embeddings (message_id, session_id, chunk_index, chunk_text, embedding_vector)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (message_id, chunk_index) DO UPDATE
SET chunk_text = EXCLUDED.chunk_text, embedding_vector = EXCLUDED.embedding_vector`,
			c.MessageID, c.SessionID, c.ChunkIndex, c.ChunkText, c.EmbeddingVector)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunks {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgChunkStore) FindByMessageID(ctx context.Context, messageID string) ([]ChunkEmbedding, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, message_id, session_id, chunk_index, chunk_text, embedding_vector, created_at
FROM chunk_embeddings WHERE message_id = $1 ORDER BY chunk_index ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *pgChunkStore) FindBySessionID(ctx context.Context, sessionID string) ([]ChunkEmbedding, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, message_id, session_id, chunk_index, chunk_text, embedding_vector, created_at
FROM chunk_embeddings WHERE session_id = $1 ORDER BY message_id, chunk_index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *pgChunkStore) FindAll(ctx context.Context) ([]ChunkEmbedding, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, message_id, session_id, chunk_index, chunk_text, embedding_vector, created_at
FROM chunk_embeddings ORDER BY message_id, chunk_index ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *pgChunkStore) Count(ctx context.Context) (int, error) {
	return s.countWhere(ctx, "")
}

func (s *pgChunkStore) CountByMessageID(ctx context.Context, messageID string) (int, error) {
	return s.countWhere(ctx, "WHERE message_id = $1", messageID)
}

func (s *pgChunkStore) CountBySessionID(ctx context.Context, sessionID string) (int, error) {
	return s.countWhere(ctx, "WHERE session_id = $1", sessionID)
}

func (s *pgChunkStore) countWhere(ctx context.Context, where string, args ...any) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM chunk_embeddings "+where, args...).Scan(&n)
	return n, err
}

func (s *pgChunkStore) DeleteByMessageID(ctx context.Context, messageID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chunk_embeddings WHERE message_id = $1`, messageID)
	return err
}

func (s *pgChunkStore) DeleteBySessionID(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chunk_embeddings WHERE session_id = $1`, sessionID)
	return err
}

func scanChunks(rows pgx.Rows) ([]ChunkEmbedding, error) {
	var out []ChunkEmbedding
	for rows.Next() {
		var c ChunkEmbedding
		if err := rows.Scan(&c.ID, &c.MessageID, &c.SessionID, &c.ChunkIndex, &c.ChunkText, &c.EmbeddingVector, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
