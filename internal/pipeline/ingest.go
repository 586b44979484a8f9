package pipeline

import (
	"context"

	"github.com/lucasvandyk/recapd/internal/session"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// InjectTranscript adds an externally produced transcript segment to
// the session, bypassing the audio path. Used by the text ingest
// channel for testing and third-party transcription sources. The
// segment flows through the same persistence, publication, and window
// revision steps as a batch STT result.
func (c *Coordinator) InjectTranscript(ctx context.Context, sess *session.Session, seg types.TranscriptSegment) error {
	sess.Lock()
	if sess.Closed() {
		sess.Unlock()
		return session.ErrClosed
	}
	if seg.StartMs == 0 {
		seg.StartMs = sess.NowMs()
	}
	if seg.EndMs < seg.StartMs {
		seg.EndMs = seg.StartMs
	}
	seg.Offset = types.FormatMMSS(seg.StartMs)
	sess.AddSegments([]types.TranscriptSegment{seg})
	sess.Unlock()

	if c.db != nil {
		if err := c.db.UpsertTranscriptSegments(ctx, []types.TranscriptSegment{seg}); err != nil {
			c.log.Error("persist injected segment failed", "session_id", sess.ID, "seg_id", seg.SegID, "error", err)
			c.metrics.RecordDBWriteFailure(ctx, "transcript_segment")
		}
	}

	c.publish(ctx, sess.ID, types.EventTranscriptRecord, types.TranscriptRecord{
		RecordID:        seg.RecordID,
		RecordStartTsMs: seg.StartMs,
		RecordEndTsMs:   seg.EndMs,
		Segments:        []types.TranscriptSegment{seg},
	})

	c.EmitRevisions(ctx, sess, map[string]struct{}{seg.SegID: {}}, nil)
	c.EmitDueWindows(ctx, sess, false)
	return nil
}
