package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// DocChunk is one embedded slice of an uploaded meeting document.
type DocChunk struct {
	ID        string
	SessionID string
	Source    string
	Content   string
	Embedding []float32
}

// DocHit is one Tier-1 retrieval result, ordered by ascending cosine
// distance to the query embedding.
type DocHit struct {
	Source   string
	Snippet  string
	Distance float64
}

// IndexDocChunks writes document chunks with their embeddings.
// Re-indexing a chunk id replaces its content and embedding.
func (s *Store) IndexDocChunks(ctx context.Context, chunks []DocChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	const q = `
		INSERT INTO doc_chunk (id, session_id, source, content, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET source = EXCLUDED.source, content = EXCLUDED.content,
		    embedding = EXCLUDED.embedding`

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(q, c.ID, c.SessionID, c.Source, c.Content, pgvector.NewVector(c.Embedding))
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store: index doc chunks: %w", err)
	}
	return nil
}

// SearchDocChunks returns the limit nearest document chunks of a
// session by cosine distance to the query embedding.
func (s *Store) SearchDocChunks(ctx context.Context, sessionID string, embedding []float32, limit int) ([]DocHit, error) {
	if limit <= 0 {
		limit = 5
	}

	const q = `
		SELECT source, content, embedding <=> $2 AS distance
		FROM   doc_chunk
		WHERE  session_id = $1
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, sessionID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("store: search doc chunks: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DocHit, error) {
		var h DocHit
		err := row.Scan(&h.Source, &h.Snippet, &h.Distance)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan doc hits: %w", err)
	}
	return hits, nil
}
