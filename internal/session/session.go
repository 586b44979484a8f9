// Package session holds per-session realtime state and the registry
// that owns it. A session bundles the audio rotator, the video change
// detector, the window timeline, and the accumulated evidence; all of
// it is guarded by the session's single mutex.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lucasvandyk/recapd/internal/audio"
	"github.com/lucasvandyk/recapd/internal/vision"
	"github.com/lucasvandyk/recapd/internal/window"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// ErrClosed is returned for operations on a session that has been
// stopped and released.
var ErrClosed = errors.New("session: closed")

// Session is the realtime state of one meeting. Callers take the
// embedded mutex before touching any field or calling the lock-free
// component state machines (Rotator, Detector, Timeline).
type Session struct {
	sync.Mutex

	// ID is the session identifier from the connection URL.
	ID string

	// Kind shapes the recap output (meeting vs course).
	Kind types.SessionKind

	// MeetingType is the raw client-provided type string.
	MeetingType string

	// StartedAt anchors session-relative milliseconds.
	StartedAt time.Time

	// Format is the negotiated ingest audio format.
	Format types.AudioFormat

	// ROI restricts video change detection; zero means full frame.
	ROI types.ROI

	Rotator  *audio.Rotator
	Detector *vision.Detector
	Timeline *window.Timeline
	Emitted  *window.Emitted

	// Segments is the transcript evidence in arrival order.
	Segments []types.TranscriptSegment

	// Frames is the captured-frame evidence in arrival order.
	Frames []types.CapturedFrame

	// Proposals indexes pending and resolved tool-call proposals.
	Proposals map[string]*types.ToolCallProposal

	frameSeq  int64
	checksums map[string]struct{}
	paused    bool
	closed    bool
}

// NowMs returns milliseconds elapsed since the session started.
// Safe without the lock; StartedAt never changes.
func (s *Session) NowMs() int64 {
	return time.Since(s.StartedAt).Milliseconds()
}

// NextFrameID allocates a session-unique frame identifier.
// Lock must be held.
func (s *Session) NextFrameID() string {
	s.frameSeq++
	return fmt.Sprintf("%s:f%04d", s.ID, s.frameSeq)
}

// DedupeFrame records the checksum and reports whether it was already
// seen in this session. Lock must be held.
func (s *Session) DedupeFrame(checksum string) (seen bool) {
	if _, ok := s.checksums[checksum]; ok {
		return true
	}
	s.checksums[checksum] = struct{}{}
	return false
}

// SetROI updates the region of interest and resets the detector so the
// next frame re-initializes the reference. Returns false when the ROI
// did not change. Lock must be held.
func (s *Session) SetROI(roi types.ROI) bool {
	if roi == s.ROI {
		return false
	}
	s.ROI = roi
	s.Detector.Reset()
	return true
}

// AddSegments appends transcript evidence. Lock must be held.
func (s *Session) AddSegments(segs []types.TranscriptSegment) {
	s.Segments = append(s.Segments, segs...)
}

// AddFrame appends captured-frame evidence. Lock must be held.
func (s *Session) AddFrame(f types.CapturedFrame) {
	s.Frames = append(s.Frames, f)
}

// SegmentsIn returns the segments overlapping [startMs, endMs), sorted
// by start time. Lock must be held.
func (s *Session) SegmentsIn(startMs, endMs int64) []types.TranscriptSegment {
	var out []types.TranscriptSegment
	for _, seg := range s.Segments {
		end := seg.EndMs
		if end <= 0 {
			end = seg.StartMs + 1
		}
		if seg.StartMs < endMs && end > startMs {
			out = append(out, seg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartMs < out[j].StartMs })
	return out
}

// FramesIn returns the captured frames with timestamps in
// [startMs, endMs), in capture order. Lock must be held.
func (s *Session) FramesIn(startMs, endMs int64) []types.CapturedFrame {
	var out []types.CapturedFrame
	for _, f := range s.Frames {
		if f.TsMs >= startMs && f.TsMs < endMs {
			out = append(out, f)
		}
	}
	return out
}

// LastSegments returns up to n trailing segments. Lock must be held.
func (s *Session) LastSegments(n int) []types.TranscriptSegment {
	if len(s.Segments) <= n {
		return s.Segments
	}
	return s.Segments[len(s.Segments)-n:]
}

// LastFrames returns up to n trailing frames. Lock must be held.
func (s *Session) LastFrames(n int) []types.CapturedFrame {
	if len(s.Frames) <= n {
		return s.Frames
	}
	return s.Frames[len(s.Frames)-n:]
}

// Paused reports whether ingest is paused. Lock must be held.
func (s *Session) Paused() bool { return s.paused }

// SetPaused pauses or resumes ingest. Lock must be held.
func (s *Session) SetPaused(v bool) { s.paused = v }

// Closed reports whether the session has been shut down. Lock must be
// held.
func (s *Session) Closed() bool { return s.closed }

// MarkClosed flags the session as shut down. Lock must be held.
func (s *Session) MarkClosed() { s.closed = true }

// Snapshot is a point-in-time summary of session state.
type Snapshot struct {
	SessionID     string            `json:"session_id"`
	Kind          types.SessionKind `json:"kind"`
	UptimeMs      int64             `json:"uptime_ms"`
	SegmentCount  int               `json:"segment_count"`
	FrameCount    int               `json:"frame_count"`
	RecordID      int64             `json:"record_id"`
	PendingWindow types.WindowID    `json:"pending_window"`
	ProposalCount int               `json:"proposal_count"`
}

// Snapshot summarizes the session. Lock must be held.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID:     s.ID,
		Kind:          s.Kind,
		UptimeMs:      s.NowMs(),
		SegmentCount:  len(s.Segments),
		FrameCount:    len(s.Frames),
		RecordID:      s.Rotator.CurrentRecordID(),
		PendingWindow: s.Timeline.Pending().ID,
		ProposalCount: len(s.Proposals),
	}
}
