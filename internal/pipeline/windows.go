package pipeline

import (
	"context"

	"github.com/lucasvandyk/recapd/internal/recap"
	"github.com/lucasvandyk/recapd/internal/session"
	"github.com/lucasvandyk/recapd/internal/window"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// EmitDueWindows emits every window whose end the session has passed.
// With force, the limit extends to the rotator's record cursor so a
// final flush closes the window the flushed audio belongs to.
func (c *Coordinator) EmitDueWindows(ctx context.Context, sess *session.Session, force bool) {
	sess.Lock()
	limit := sess.NowMs()
	if force && sess.Rotator.RecordStartMs() > limit {
		limit = sess.Rotator.RecordStartMs()
	}
	spans := sess.Timeline.Due(limit)
	sess.Unlock()

	for _, span := range spans {
		c.emitWindow(ctx, sess, span, "schedule")
	}
}

// EmitRevisions re-emits every already-emitted window that covers a
// newly arrived segment or frame it has not seen yet.
func (c *Coordinator) EmitRevisions(ctx context.Context, sess *session.Session, segIDs, frameIDs map[string]struct{}) {
	if len(segIDs) == 0 && len(frameIDs) == 0 {
		return
	}

	affected := make(map[types.WindowID]window.Span)
	sess.Lock()
	for id := range segIDs {
		for _, seg := range sess.Segments {
			if seg.SegID != id {
				continue
			}
			for _, meta := range sess.Emitted.Affected(seg.StartMs) {
				if _, seen := meta.SegIDs[id]; !seen {
					affected[meta.Span.ID] = meta.Span
				}
			}
		}
	}
	for id := range frameIDs {
		for _, f := range sess.Frames {
			if f.FrameID != id {
				continue
			}
			for _, meta := range sess.Emitted.Affected(f.TsMs) {
				if _, seen := meta.FrameIDs[id]; !seen {
					affected[meta.Span.ID] = meta.Span
				}
			}
		}
	}
	sess.Unlock()

	spans := make([]window.Span, 0, len(affected))
	for _, span := range affected {
		spans = append(spans, span)
	}
	// Revisions go out in window order.
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].ID < spans[j-1].ID; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}
	for _, span := range spans {
		c.emitWindow(ctx, sess, span, "late_arrival")
	}
}

// emitWindow gathers the window's evidence, skips the emission when the
// evidence set is unchanged, and otherwise builds, persists, and
// publishes the payload revision.
func (c *Coordinator) emitWindow(ctx context.Context, sess *session.Session, span window.Span, reason string) {
	segments, frames, source := c.gatherEvidence(ctx, sess, span)

	segIDs := make(map[string]struct{}, len(segments))
	for _, seg := range segments {
		segIDs[seg.SegID] = struct{}{}
	}
	frameIDs := make(map[string]struct{}, len(frames))
	for _, f := range frames {
		frameIDs[f.FrameID] = struct{}{}
	}

	sess.Lock()
	if meta := sess.Emitted.Get(span.ID); meta != nil && meta.SameEvidence(segIDs, frameIDs) {
		sess.Unlock()
		return
	}
	meta := sess.Emitted.Record(span, segIDs, frameIDs)
	revision := meta.Revision + 1
	kind := sess.Kind
	meetingType := sess.MeetingType
	sess.Unlock()

	payload := c.recaps.Build(ctx, recap.Input{
		SessionID:   sess.ID,
		Kind:        kind,
		MeetingType: meetingType,
		WindowKey:   types.WindowKey(sess.ID, span.StartMs, span.EndMs),
		StartMs:     span.StartMs,
		EndMs:       span.EndMs,
		Revision:    revision,
		Segments:    segments,
		Frames:      frames,
		Topic:       c.currentTopic(sess.ID),
	})
	c.setTopic(sess.ID, payload.Topic)

	if c.db != nil {
		if err := c.db.UpsertRecapWindow(ctx, sess.ID, payload); err != nil {
			c.log.Error("persist recap window failed",
				"session_id", sess.ID, "window_id", payload.WindowID, "error", err)
			c.metrics.RecordDBWriteFailure(ctx, "recap_window")
		}
	}
	c.publish(ctx, sess.ID, types.EventRecapWindow, payload)

	if revision > 1 {
		c.metrics.WindowsRevised.Add(ctx, 1)
	} else {
		c.metrics.WindowsEmitted.Add(ctx, 1)
	}
	c.log.Info("window emitted",
		"session_id", sess.ID,
		"window_id", payload.WindowID,
		"revision", revision,
		"reason", reason,
		"segments", len(segments),
		"frames", len(frames),
		"source", source)
}

// gatherEvidence reads the window's segments and frames from the store
// when one is configured, falling back to in-memory session state on
// any persistence error.
func (c *Coordinator) gatherEvidence(ctx context.Context, sess *session.Session, span window.Span) ([]types.TranscriptSegment, []types.CapturedFrame, string) {
	if c.db != nil {
		segments, segErr := c.db.SegmentsInRange(ctx, sess.ID, span.StartMs, span.EndMs)
		frames, frameErr := c.db.FramesInRange(ctx, sess.ID, span.StartMs, span.EndMs)
		if segErr == nil && frameErr == nil {
			return segments, frames, "db"
		}
		c.log.Warn("window evidence read failed, using memory",
			"session_id", sess.ID, "seg_err", segErr, "frame_err", frameErr)
	}

	sess.Lock()
	defer sess.Unlock()
	return sess.SegmentsIn(span.StartMs, span.EndMs), sess.FramesIn(span.StartMs, span.EndMs), "memory"
}
