package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasvandyk/recapd/internal/session"
	"github.com/lucasvandyk/recapd/internal/vision"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// FrameResult is the acknowledgement returned for one video frame.
type FrameResult struct {
	Accepted    bool    `json:"accepted"`
	Reason      string  `json:"reason,omitempty"`
	Sampled     bool    `json:"sampled"`
	Initialized bool    `json:"initialized,omitempty"`
	Candidate   bool    `json:"candidate,omitempty"`
	Confirmed   bool    `json:"confirmed,omitempty"`
	HashDist    int     `json:"hash_dist,omitempty"`
	SSIM        float64 `json:"ssim,omitempty"`
	FrameID     string  `json:"frame_id,omitempty"`
	URI         string  `json:"uri,omitempty"`
}

// slideChangePayload is the slide_change_event wire payload.
type slideChangePayload struct {
	TsMs       int64           `json:"ts_ms"`
	FrameID    string          `json:"frame_id"`
	Confidence float64         `json:"confidence"`
	DiffScore  types.DiffScore `json:"diff_score"`
	ROI        types.ROI       `json:"roi"`
}

// capturedFramePayload is the captured_frame_ready wire payload.
type capturedFramePayload struct {
	TsMs    int64     `json:"ts_ms"`
	FrameID string    `json:"frame_id"`
	URI     string    `json:"uri"`
	ROI     types.ROI `json:"roi"`
	Reason  string    `json:"reason"`
}

// SetROI updates the session's region of interest, resetting change
// detection, and persists it. Returns whether the ROI changed.
func (c *Coordinator) SetROI(ctx context.Context, sess *session.Session, roi types.ROI) bool {
	sess.Lock()
	changed := sess.SetROI(roi)
	sess.Unlock()
	if !changed {
		return false
	}
	if c.db != nil {
		if err := c.db.UpsertSessionROI(ctx, sess.ID, roi); err != nil {
			c.log.Error("persist roi failed", "session_id", sess.ID, "error", err)
			c.metrics.RecordDBWriteFailure(ctx, "session_roi")
		}
	}
	return true
}

// HandleFrame runs one incoming video frame through the sampling gate
// and the change-detection state machine. A confirmed change publishes
// slide_change_event, stores the normalized capture, publishes
// captured_frame_ready, and revises any window the frame lands in.
//
// The returned error is a validation error (undecodable image); all
// downstream failures surface as bus events instead.
func (c *Coordinator) HandleFrame(ctx context.Context, sess *session.Session, frameID string, imageData []byte, roi *types.ROI) (FrameResult, error) {
	sess.Lock()
	if sess.Closed() {
		sess.Unlock()
		return FrameResult{Accepted: false, Reason: "session closed"}, nil
	}
	if sess.Paused() {
		sess.Unlock()
		return FrameResult{Accepted: false, Reason: "session_paused"}, nil
	}
	if roi != nil {
		sess.SetROI(*roi)
	}
	nowMs := sess.NowMs()
	sampled := sess.Detector.Sample(nowMs)
	effective := sess.ROI
	sess.Unlock()

	if roi != nil && c.db != nil {
		if err := c.db.UpsertSessionROI(ctx, sess.ID, *roi); err != nil {
			c.log.Error("persist roi failed", "session_id", sess.ID, "error", err)
			c.metrics.RecordDBWriteFailure(ctx, "session_roi")
		}
	}
	if !sampled {
		return FrameResult{Accepted: true, Sampled: false}, nil
	}

	img, err := vision.DecodeImage(imageData)
	if err != nil {
		return FrameResult{}, fmt.Errorf("pipeline: decode video frame: %w", err)
	}
	bounds := img.Bounds()
	effective = effective.Clamp(bounds.Dx(), bounds.Dy())

	cropped := vision.CropROI(img, effective)
	detect := vision.DetectionFrame(cropped, c.cfg.DetectionWidth, c.cfg.DetectionHeight)

	sess.Lock()
	res := sess.Detector.Observe(detect, nowMs)
	sess.Unlock()

	if res.Initialized {
		return FrameResult{Accepted: true, Sampled: true, Initialized: true}, nil
	}
	if !res.Confirmed {
		return FrameResult{
			Accepted:  true,
			Sampled:   true,
			Candidate: res.Candidate,
			HashDist:  res.HashDist,
			SSIM:      res.SSIM,
		}, nil
	}

	if frameID == "" {
		sess.Lock()
		frameID = sess.NextFrameID()
		sess.Unlock()
	}

	c.publish(ctx, sess.ID, types.EventSlideChange, slideChangePayload{
		TsMs:       nowMs,
		FrameID:    frameID,
		Confidence: res.Confidence,
		DiffScore:  res.DiffScore(),
		ROI:        effective,
	})

	capStart := time.Now()
	capture, err := c.capturer.Capture(ctx, sess.ID, frameID, cropped)
	c.metrics.CaptureDuration.Record(ctx, time.Since(capStart).Seconds())
	if err != nil {
		c.log.Error("frame capture failed", "session_id", sess.ID, "frame_id", frameID, "error", err)
		c.publish(ctx, sess.ID, types.EventError, types.ErrorPayload{
			Code:    types.ErrCodeServerError,
			Message: "frame capture failed",
		})
		return FrameResult{Accepted: true, Sampled: true, Confirmed: true, FrameID: frameID}, nil
	}

	sess.Lock()
	duplicate := sess.DedupeFrame(capture.Checksum)
	sess.Unlock()
	if duplicate {
		c.metrics.FramesDeduped.Add(ctx, 1)
		return FrameResult{Accepted: true, Sampled: true, Confirmed: true, FrameID: frameID, URI: capture.URI}, nil
	}

	frame := types.CapturedFrame{
		FrameID:   frameID,
		SessionID: sess.ID,
		TsMs:      nowMs,
		ROI:       effective,
		Checksum:  capture.Checksum,
		URI:       capture.URI,
		DiffScore: res.DiffScore(),
		Reason:    types.CaptureReasonChangeConfirmed,
	}
	sess.Lock()
	sess.AddFrame(frame)
	sess.Unlock()

	if c.db != nil {
		inserted, err := c.db.InsertCapturedFrame(ctx, frame)
		if err != nil {
			c.log.Error("persist captured frame failed", "session_id", sess.ID, "frame_id", frameID, "error", err)
			c.metrics.RecordDBWriteFailure(ctx, "captured_frame")
		} else if !inserted {
			c.metrics.FramesDeduped.Add(ctx, 1)
		}
		if err := c.db.InsertVisualEvent(ctx, sess.ID, nowMs, frameID, "slide_change", "slide/global change confirmed"); err != nil {
			c.log.Error("persist visual event failed", "session_id", sess.ID, "frame_id", frameID, "error", err)
			c.metrics.RecordDBWriteFailure(ctx, "visual_event")
		}
	}

	c.publish(ctx, sess.ID, types.EventCapturedFrame, capturedFramePayload{
		TsMs:    nowMs,
		FrameID: frameID,
		URI:     capture.URI,
		ROI:     effective,
		Reason:  types.CaptureReasonChangeConfirmed,
	})
	c.metrics.FramesConfirmed.Add(ctx, 1)

	c.EmitDueWindows(ctx, sess, false)
	c.EmitRevisions(ctx, sess, nil, map[string]struct{}{frameID: {}})

	return FrameResult{
		Accepted:  true,
		Sampled:   true,
		Confirmed: true,
		HashDist:  res.HashDist,
		SSIM:      res.SSIM,
		FrameID:   frameID,
		URI:       capture.URI,
	}, nil
}
