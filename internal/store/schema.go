// Package store provides the PostgreSQL persistence adapter for recapd.
//
// Everything the realtime pipeline produces — audio record metadata,
// transcript segments, captured frames, recap windows, tool-call
// proposals, and the Q&A log — is written through a single
// [pgxpool.Pool]. The pgvector extension backs the document chunk
// index used by the Tier-1 Q&A path; [Migrate] installs it via CREATE
// EXTENSION IF NOT EXISTS.
//
// Persistence is best-effort: the pipeline keeps running when the
// database is down, and callers log write failures instead of
// surfacing them to clients.
//
// Usage:
//
//	st, err := store.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.UpsertTranscriptSegments(ctx, segs)
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Session + audio DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS session_roi (
    session_id  TEXT         PRIMARY KEY,
    x           INTEGER      NOT NULL DEFAULT 0,
    y           INTEGER      NOT NULL DEFAULT 0,
    w           INTEGER      NOT NULL DEFAULT 0,
    h           INTEGER      NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audio_record (
    session_id  TEXT         NOT NULL,
    record_id   BIGINT       NOT NULL,
    start_ms    BIGINT       NOT NULL,
    end_ms      BIGINT       NOT NULL,
    status      TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, record_id)
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Transcript DDL — canonical segments plus the legacy chunk mirror kept
// for older reporting consumers.
// ─────────────────────────────────────────────────────────────────────────────

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcript_segment (
    seg_id      TEXT              PRIMARY KEY,
    session_id  TEXT              NOT NULL,
    record_id   BIGINT            NOT NULL,
    speaker     TEXT              NOT NULL DEFAULT '',
    start_ms    BIGINT            NOT NULL,
    end_ms      BIGINT            NOT NULL DEFAULT 0,
    text        TEXT              NOT NULL,
    confidence  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_segment_session
    ON transcript_segment (session_id, start_ms);

CREATE TABLE IF NOT EXISTS transcript_chunk (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    record_id   BIGINT       NOT NULL,
    seg_id      TEXT         NOT NULL DEFAULT '',
    speaker     TEXT         NOT NULL DEFAULT '',
    start_ms    BIGINT       NOT NULL,
    end_ms      BIGINT       NOT NULL DEFAULT 0,
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_chunk_session
    ON transcript_chunk (session_id, start_ms);
`

// ─────────────────────────────────────────────────────────────────────────────
// Vision DDL — captured frames and the visual event log
// ─────────────────────────────────────────────────────────────────────────────

const ddlVision = `
CREATE TABLE IF NOT EXISTS captured_frame (
    frame_id    TEXT              PRIMARY KEY,
    session_id  TEXT              NOT NULL,
    ts_ms       BIGINT            NOT NULL,
    roi_x       INTEGER           NOT NULL DEFAULT 0,
    roi_y       INTEGER           NOT NULL DEFAULT 0,
    roi_w       INTEGER           NOT NULL DEFAULT 0,
    roi_h       INTEGER           NOT NULL DEFAULT 0,
    checksum    TEXT              NOT NULL DEFAULT '',
    uri         TEXT              NOT NULL DEFAULT '',
    hash_dist   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    ssim        DOUBLE PRECISION  NOT NULL DEFAULT 0,
    reason      TEXT              NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_captured_frame_session
    ON captured_frame (session_id, ts_ms);

CREATE UNIQUE INDEX IF NOT EXISTS uq_captured_frame_session_checksum
    ON captured_frame (session_id, checksum)
    WHERE checksum <> '';

CREATE TABLE IF NOT EXISTS visual_event (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    ts_ms       BIGINT       NOT NULL,
    frame_id    TEXT         NOT NULL DEFAULT '',
    event_type  TEXT         NOT NULL,
    description TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_visual_event_session
    ON visual_event (session_id, ts_ms);
`

// ─────────────────────────────────────────────────────────────────────────────
// Recap + Q&A DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlRecap = `
CREATE TABLE IF NOT EXISTS recap_window (
    session_id  TEXT         NOT NULL,
    window_key  TEXT         NOT NULL,
    start_ms    BIGINT       NOT NULL,
    end_ms      BIGINT       NOT NULL,
    revision    INTEGER      NOT NULL DEFAULT 0,
    payload     JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, window_key, revision)
);

CREATE INDEX IF NOT EXISTS idx_recap_window_session
    ON recap_window (session_id, start_ms);

CREATE TABLE IF NOT EXISTS tool_call_proposal (
    proposal_id  TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    query_id     TEXT         NOT NULL DEFAULT '',
    question     TEXT         NOT NULL DEFAULT '',
    reason       TEXT         NOT NULL DEFAULT '',
    status       TEXT         NOT NULL DEFAULT 'pending',
    payload      JSONB        NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tool_call_proposal_session
    ON tool_call_proposal (session_id);

CREATE TABLE IF NOT EXISTS qna_event_log (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    query_id    TEXT         NOT NULL DEFAULT '',
    question    TEXT         NOT NULL,
    answer      TEXT         NOT NULL,
    tier_used   TEXT         NOT NULL DEFAULT '',
    citations   JSONB        NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_qna_event_log_session
    ON qna_event_log (session_id, created_at);
`

// ddlDocs returns the document chunk DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at
// schema creation time.
func ddlDocs(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS doc_chunk (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    source      TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_doc_chunk_session
    ON doc_chunk (session_id);

CREATE INDEX IF NOT EXISTS idx_doc_chunk_embedding
    ON doc_chunk USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indexes, and
// extensions exist. It is idempotent (CREATE TABLE IF NOT EXISTS /
// CREATE INDEX IF NOT EXISTS) and safe to call on every start.
//
// embeddingDimensions must match the embedding model configured for
// the deployment (e.g., 1536 for OpenAI text-embedding-3-small).
// Changing it after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlSessions,
		ddlTranscripts,
		ddlVision,
		ddlRecap,
		ddlDocs(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
