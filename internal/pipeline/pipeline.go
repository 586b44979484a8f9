// Package pipeline coordinates the realtime processing of one session:
// audio ingest through record rotation and batch speech-to-text, video
// frames through change detection and capture, and the emission of
// overlapping recap windows with late-arrival revisions.
//
// The coordinator owns no session state itself; it drives the state
// machines living on [session.Session] and publishes every externally
// visible outcome on the session bus.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasvandyk/recapd/internal/bus"
	"github.com/lucasvandyk/recapd/internal/config"
	"github.com/lucasvandyk/recapd/internal/observe"
	"github.com/lucasvandyk/recapd/internal/recap"
	"github.com/lucasvandyk/recapd/internal/session"
	"github.com/lucasvandyk/recapd/internal/stt"
	"github.com/lucasvandyk/recapd/internal/store"
	"github.com/lucasvandyk/recapd/internal/vision"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// maxInflightRecords bounds how many audio records are transcribed
// concurrently across all sessions.
const maxInflightRecords = 4

// Persister is the subset of [store.Store] the coordinator writes
// through. A nil Persister runs the pipeline memory-only.
type Persister interface {
	InsertAudioRecord(ctx context.Context, rec types.AudioRecord, status string) error
	UpsertTranscriptSegments(ctx context.Context, segs []types.TranscriptSegment) error
	SegmentsInRange(ctx context.Context, sessionID string, startMs, endMs int64) ([]types.TranscriptSegment, error)
	InsertCapturedFrame(ctx context.Context, f types.CapturedFrame) (bool, error)
	InsertVisualEvent(ctx context.Context, sessionID string, tsMs int64, frameID, eventType, description string) error
	FramesInRange(ctx context.Context, sessionID string, startMs, endMs int64) ([]types.CapturedFrame, error)
	UpsertRecapWindow(ctx context.Context, sessionID string, p types.RecapPayload) error
	UpsertSessionROI(ctx context.Context, sessionID string, roi types.ROI) error
}

var _ Persister = (*store.Store)(nil)

// Transcriber is the batch STT dependency. *stt.Client implements it.
type Transcriber interface {
	Transcribe(ctx context.Context, sessionID string, recordID int64, pcm []byte, sampleRate, channels int) (map[string]any, error)
}

// Coordinator drives the per-session processing pipeline.
type Coordinator struct {
	cfg      config.PipelineConfig
	bus      *bus.Bus
	stt      Transcriber
	capturer *vision.Capturer
	recaps   *recap.Engine
	db       Persister
	metrics  *observe.Metrics
	log      *slog.Logger

	group errgroup.Group

	mu     sync.Mutex
	topics map[string]types.CanonicalTopic
}

// Options bundles the coordinator dependencies. Bus, Capturer, and
// Recaps are required; STT and DB are optional and degrade the
// pipeline when absent rather than failing it.
type Options struct {
	Config   config.PipelineConfig
	Bus      *bus.Bus
	STT      Transcriber
	Capturer *vision.Capturer
	Recaps   *recap.Engine
	DB       Persister
	Metrics  *observe.Metrics
	Log      *slog.Logger
}

// New assembles a coordinator.
func New(opts Options) *Coordinator {
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	c := &Coordinator{
		cfg:      opts.Config,
		bus:      opts.Bus,
		stt:      opts.STT,
		capturer: opts.Capturer,
		recaps:   opts.Recaps,
		db:       opts.DB,
		metrics:  opts.Metrics,
		log:      opts.Log.With("component", "pipeline"),
		topics:   make(map[string]types.CanonicalTopic),
	}
	c.group.SetLimit(maxInflightRecords)
	return c
}

// IngestStatus is the acknowledgement returned for one audio chunk.
type IngestStatus struct {
	Accepted       bool   `json:"accepted"`
	Reason         string `json:"reason,omitempty"`
	Bytes          int    `json:"bytes"`
	RecordID       int64  `json:"record_id"`
	PendingRecords int    `json:"pending_records"`
}

// HandleAudio buffers one PCM chunk, kicks off transcription for every
// record the chunk completed, and emits any recap windows that closed.
func (c *Coordinator) HandleAudio(ctx context.Context, sess *session.Session, pcm []byte) IngestStatus {
	if len(pcm) == 0 {
		return IngestStatus{Accepted: false, Reason: "empty chunk"}
	}

	sess.Lock()
	if sess.Closed() {
		sess.Unlock()
		return IngestStatus{Accepted: false, Reason: "session closed"}
	}
	if sess.Paused() {
		sess.Unlock()
		return IngestStatus{Accepted: false, Reason: "session_paused"}
	}
	records := sess.Rotator.Append(pcm, sess.NowMs())
	nextID := sess.Rotator.CurrentRecordID()
	sess.Unlock()

	for i := range records {
		records[i].SessionID = sess.ID
		c.submitRecord(ctx, sess, records[i])
	}
	c.EmitDueWindows(ctx, sess, false)

	return IngestStatus{
		Accepted:       true,
		Bytes:          len(pcm),
		RecordID:       nextID,
		PendingRecords: len(records),
	}
}

// FlushAudio finalizes the in-progress record regardless of length and
// processes it synchronously, then force-emits the windows the session
// has reached. Used on stop and on client disconnect.
func (c *Coordinator) FlushAudio(ctx context.Context, sess *session.Session) {
	sess.Lock()
	rec, ok := sess.Rotator.Flush(sess.NowMs())
	sess.Unlock()

	if ok {
		rec.SessionID = sess.ID
		c.processRecord(ctx, sess, rec)
	}
	c.EmitDueWindows(ctx, sess, true)
}

// Drain waits for every inflight transcription to complete.
func (c *Coordinator) Drain() {
	_ = c.group.Wait() // workers report through bus events, not errors
}

// submitRecord schedules one record for background transcription. The
// worker survives the caller's request context.
func (c *Coordinator) submitRecord(ctx context.Context, sess *session.Session, rec types.AudioRecord) {
	bg := context.WithoutCancel(ctx)
	c.group.Go(func() error {
		c.processRecord(bg, sess, rec)
		return nil
	})
}

// processRecord runs one audio record through STT, persists and
// publishes the transcript, and triggers window emission. Failures are
// reported as error events on the bus; the pipeline keeps running.
func (c *Coordinator) processRecord(ctx context.Context, sess *session.Session, rec types.AudioRecord) {
	sess.Lock()
	claimed := sess.Rotator.MarkInflight(rec.RecordID)
	format := sess.Format
	sess.Unlock()
	if !claimed {
		return
	}

	start := time.Now()
	var (
		payload  map[string]any
		asrError string
		segments []types.TranscriptSegment
	)
	if c.stt != nil {
		var err error
		payload, err = c.stt.Transcribe(ctx, sess.ID, rec.RecordID, rec.PCM, format.SampleRateHz, format.Channels)
		if err != nil {
			// A failed transcription still finalizes the record: the
			// transcript event goes out with empty segments and the
			// asr_error so consumers see the gap, and the window cursor
			// keeps advancing.
			c.log.Error("batch asr failed", "session_id", sess.ID, "record_id", rec.RecordID, "error", err)
			asrError = err.Error()
		} else {
			asrError = stt.ErrorText(payload)
			segments = stt.Normalize(sess.ID, rec, payload)
		}
	}
	c.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())

	segIDs := make(map[string]struct{}, len(segments))
	if len(segments) > 0 {
		sess.Lock()
		sess.AddSegments(segments)
		sess.Unlock()
		for _, seg := range segments {
			segIDs[seg.SegID] = struct{}{}
		}
		if c.db != nil {
			if err := c.db.UpsertTranscriptSegments(ctx, segments); err != nil {
				c.log.Error("persist transcript failed", "session_id", sess.ID, "record_id", rec.RecordID, "error", err)
				c.metrics.RecordDBWriteFailure(ctx, "transcript_segment")
			}
		}
	}

	status := "transcribed"
	if asrError != "" {
		status = "asr_error"
	}
	if c.db != nil {
		if err := c.db.InsertAudioRecord(ctx, rec, status); err != nil {
			c.log.Error("persist audio record failed", "session_id", sess.ID, "record_id", rec.RecordID, "error", err)
			c.metrics.RecordDBWriteFailure(ctx, "audio_record")
		}
	}

	c.publish(ctx, sess.ID, types.EventTranscriptRecord, types.TranscriptRecord{
		RecordID:        rec.RecordID,
		RecordStartTsMs: rec.StartMs,
		RecordEndTsMs:   rec.EndMs,
		Segments:        segmentPayloads(segments),
		AsrError:        asrError,
	})
	if asrError != "" {
		c.publish(ctx, sess.ID, types.EventError, types.ErrorPayload{
			Code:     types.ErrCodeBatchASRFailed,
			Message:  asrError,
			RecordID: rec.RecordID,
		})
	}

	c.EmitRevisions(ctx, sess, segIDs, nil)
	c.EmitDueWindows(ctx, sess, false)

	sess.Lock()
	sess.Rotator.MarkProcessed(rec.RecordID)
	sess.Unlock()
	c.metrics.RecordRecordFinalized(ctx, status)
}

// segmentPayloads guarantees a non-nil segments array on the wire.
func segmentPayloads(segs []types.TranscriptSegment) []types.TranscriptSegment {
	if segs == nil {
		return []types.TranscriptSegment{}
	}
	return segs
}

// publish sends one event on the session bus and counts it. A gone
// session only logs; publishing is never an ingest failure.
func (c *Coordinator) publish(ctx context.Context, sessionID, event string, payload any) {
	if _, err := c.bus.Publish(sessionID, event, payload); err != nil {
		c.log.Debug("publish skipped", "session_id", sessionID, "event", event, "error", err)
		return
	}
	c.metrics.RecordEventPublished(ctx, event)
}

// currentTopic returns the canonical topic carried for the session.
func (c *Coordinator) currentTopic(sessionID string) types.CanonicalTopic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[sessionID]
}

// setTopic updates the carried topic after a window emission.
func (c *Coordinator) setTopic(sessionID string, t types.CanonicalTopic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[sessionID] = t
}

// ForgetSession drops the coordinator's per-session topic context.
func (c *Coordinator) ForgetSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, sessionID)
}
