package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// UpsertTranscriptSegments writes the segments of one record and
// mirrors them into the legacy transcript_chunk table that older
// reporting consumers still read. Re-running for the same record is
// harmless: segments upsert on seg_id and the mirror skips rows whose
// seg_id is already present.
func (s *Store) UpsertTranscriptSegments(ctx context.Context, segs []types.TranscriptSegment) error {
	if len(segs) == 0 {
		return nil
	}

	const qSeg = `
		INSERT INTO transcript_segment
		    (seg_id, session_id, record_id, speaker, start_ms, end_ms, text, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (seg_id) DO UPDATE
		SET speaker = EXCLUDED.speaker, start_ms = EXCLUDED.start_ms,
		    end_ms = EXCLUDED.end_ms, text = EXCLUDED.text,
		    confidence = EXCLUDED.confidence`

	const qChunk = `
		INSERT INTO transcript_chunk
		    (session_id, record_id, seg_id, speaker, start_ms, end_ms, text)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (
		    SELECT 1 FROM transcript_chunk WHERE seg_id = $3
		)`

	batch := &pgx.Batch{}
	for _, seg := range segs {
		batch.Queue(qSeg, seg.SegID, seg.SessionID, seg.RecordID, seg.Speaker,
			seg.StartMs, seg.EndMs, seg.Text, seg.Confidence)
		batch.Queue(qChunk, seg.SessionID, seg.RecordID, seg.SegID, seg.Speaker,
			seg.StartMs, seg.EndMs, seg.Text)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store: upsert transcript segments: %w", err)
	}
	return nil
}

// SegmentsBySession returns every transcript segment of a session,
// ordered by record then start time. Used for frontend replay.
func (s *Store) SegmentsBySession(ctx context.Context, sessionID string) ([]types.TranscriptSegment, error) {
	const q = `
		SELECT seg_id, session_id, record_id, speaker, start_ms, end_ms, text, confidence
		FROM   transcript_segment
		WHERE  session_id = $1
		ORDER  BY record_id, start_ms, seg_id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: segments by session: %w", err)
	}
	return collectSegments(rows)
}

// SegmentsInRange returns the segments of a session overlapping
// [startMs, endMs), ordered by start time. A segment with end_ms 0 is
// treated as one millisecond long.
func (s *Store) SegmentsInRange(ctx context.Context, sessionID string, startMs, endMs int64) ([]types.TranscriptSegment, error) {
	const q = `
		SELECT seg_id, session_id, record_id, speaker, start_ms, end_ms, text, confidence
		FROM   transcript_segment
		WHERE  session_id = $1
		  AND  start_ms < $3
		  AND  GREATEST(end_ms, start_ms + 1) > $2
		ORDER  BY start_ms, seg_id`

	rows, err := s.pool.Query(ctx, q, sessionID, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("store: segments in range: %w", err)
	}
	return collectSegments(rows)
}

// collectSegments scans pgx rows into transcript segments.
func collectSegments(rows pgx.Rows) ([]types.TranscriptSegment, error) {
	segs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TranscriptSegment, error) {
		var seg types.TranscriptSegment
		err := row.Scan(&seg.SegID, &seg.SessionID, &seg.RecordID, &seg.Speaker,
			&seg.StartMs, &seg.EndMs, &seg.Text, &seg.Confidence)
		if err == nil {
			seg.Offset = types.FormatMMSS(seg.StartMs)
		}
		return seg, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan segments: %w", err)
	}
	return segs, nil
}
