package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// Store is the PostgreSQL-backed persistence adapter. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the
// database at dsn, registers pgvector types on every connection, and
// runs [Migrate] so all required tables exist.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so embedding
	// columns can be scanned into and inserted from pgvector.Vector.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// UpsertSessionROI records the latest region of interest for a session.
func (s *Store) UpsertSessionROI(ctx context.Context, sessionID string, roi types.ROI) error {
	const q = `
		INSERT INTO session_roi (session_id, x, y, w, h, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (session_id) DO UPDATE
		SET x = EXCLUDED.x, y = EXCLUDED.y, w = EXCLUDED.w, h = EXCLUDED.h,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, sessionID, roi.X, roi.Y, roi.W, roi.H); err != nil {
		return fmt.Errorf("store: upsert session roi: %w", err)
	}
	return nil
}

// InsertAudioRecord records a finalized audio record's metadata. The
// PCM itself is never persisted; status documents how the record ended
// up (e.g. "processed_temp_deleted", "asr_failed").
func (s *Store) InsertAudioRecord(ctx context.Context, rec types.AudioRecord, status string) error {
	const q = `
		INSERT INTO audio_record (session_id, record_id, start_ms, end_ms, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, record_id) DO UPDATE
		SET end_ms = EXCLUDED.end_ms, status = EXCLUDED.status`

	if _, err := s.pool.Exec(ctx, q, rec.SessionID, rec.RecordID, rec.StartMs, rec.EndMs, status); err != nil {
		return fmt.Errorf("store: insert audio record: %w", err)
	}
	return nil
}
