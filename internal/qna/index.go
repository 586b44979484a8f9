package qna

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lucasvandyk/recapd/internal/store"
)

// ErrIndexingUnavailable is returned when document ingestion is
// requested but no embedder or document index is configured.
var ErrIndexingUnavailable = errors.New("qna: document indexing is not configured")

// ErrNoChunks is returned when a document upload carries no non-empty
// chunk text.
var ErrNoChunks = errors.New("qna: no non-empty chunks to index")

// IndexDocument embeds the given text chunks and upserts them into the
// Tier-1 document index for the session. Chunk ids are deterministic
// per source and position, so re-indexing the same source replaces its
// earlier chunks instead of duplicating them. Returns the number of
// chunks indexed.
func (e *Engine) IndexDocument(ctx context.Context, sessionID, source string, chunks []string) (int, error) {
	if e.embedder == nil || e.indexer == nil {
		return 0, ErrIndexingUnavailable
	}
	source = strings.TrimSpace(source)
	if source == "" {
		source = "upload"
	}

	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if t := strings.TrimSpace(c); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return 0, ErrNoChunks
	}

	vecs, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("qna: embed document chunks: %w", err)
	}
	if len(vecs) != len(texts) {
		return 0, fmt.Errorf("qna: embedder returned %d vectors for %d chunks", len(vecs), len(texts))
	}

	rows := make([]store.DocChunk, len(texts))
	for i, text := range texts {
		rows[i] = store.DocChunk{
			ID:        fmt.Sprintf("%s:%s:%03d", sessionID, source, i),
			SessionID: sessionID,
			Source:    source,
			Content:   text,
			Embedding: vecs[i],
		}
	}
	if err := e.indexer.IndexDocChunks(ctx, rows); err != nil {
		e.metrics.RecordDBWriteFailure(ctx, "doc_chunk")
		return 0, fmt.Errorf("qna: index document chunks: %w", err)
	}
	e.log.Info("document indexed", "session_id", sessionID, "source", source, "chunks", len(rows))
	return len(rows), nil
}
