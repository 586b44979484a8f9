package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// InsertCapturedFrame records a captured frame's metadata. A frame
// whose checksum already exists for the session is silently skipped
// (the partial unique index enforces per-session dedupe); the return
// value reports whether a row was actually written.
func (s *Store) InsertCapturedFrame(ctx context.Context, f types.CapturedFrame) (bool, error) {
	const q = `
		INSERT INTO captured_frame
		    (frame_id, session_id, ts_ms, roi_x, roi_y, roi_w, roi_h,
		     checksum, uri, hash_dist, ssim, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING`

	tag, err := s.pool.Exec(ctx, q, f.FrameID, f.SessionID, f.TsMs,
		f.ROI.X, f.ROI.Y, f.ROI.W, f.ROI.H,
		f.Checksum, f.URI, f.DiffScore.HashDist, f.DiffScore.SSIM, f.Reason)
	if err != nil {
		return false, fmt.Errorf("store: insert captured frame: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FramesBySession returns every captured frame of a session in capture
// order. Used for frontend replay.
func (s *Store) FramesBySession(ctx context.Context, sessionID string) ([]types.CapturedFrame, error) {
	const q = `
		SELECT frame_id, session_id, ts_ms, roi_x, roi_y, roi_w, roi_h,
		       checksum, uri, hash_dist, ssim, reason
		FROM   captured_frame
		WHERE  session_id = $1
		ORDER  BY ts_ms, frame_id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: frames by session: %w", err)
	}
	return collectFrames(rows)
}

// FramesInRange returns the frames of a session captured in
// [startMs, endMs), in capture order.
func (s *Store) FramesInRange(ctx context.Context, sessionID string, startMs, endMs int64) ([]types.CapturedFrame, error) {
	const q = `
		SELECT frame_id, session_id, ts_ms, roi_x, roi_y, roi_w, roi_h,
		       checksum, uri, hash_dist, ssim, reason
		FROM   captured_frame
		WHERE  session_id = $1 AND ts_ms >= $2 AND ts_ms < $3
		ORDER  BY ts_ms, frame_id`

	rows, err := s.pool.Query(ctx, q, sessionID, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("store: frames in range: %w", err)
	}
	return collectFrames(rows)
}

// InsertVisualEvent appends one row to the visual event log.
func (s *Store) InsertVisualEvent(ctx context.Context, sessionID string, tsMs int64, frameID, eventType, description string) error {
	const q = `
		INSERT INTO visual_event (session_id, ts_ms, frame_id, event_type, description)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.pool.Exec(ctx, q, sessionID, tsMs, frameID, eventType, description); err != nil {
		return fmt.Errorf("store: insert visual event: %w", err)
	}
	return nil
}

// collectFrames scans pgx rows into captured frames.
func collectFrames(rows pgx.Rows) ([]types.CapturedFrame, error) {
	frames, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.CapturedFrame, error) {
		var f types.CapturedFrame
		err := row.Scan(&f.FrameID, &f.SessionID, &f.TsMs,
			&f.ROI.X, &f.ROI.Y, &f.ROI.W, &f.ROI.H,
			&f.Checksum, &f.URI, &f.DiffScore.HashDist, &f.DiffScore.SSIM, &f.Reason)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan frames: %w", err)
	}
	return frames, nil
}
