package pipeline_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/lucasvandyk/recapd/internal/bus"
	"github.com/lucasvandyk/recapd/internal/config"
	"github.com/lucasvandyk/recapd/internal/pipeline"
	"github.com/lucasvandyk/recapd/internal/recap"
	"github.com/lucasvandyk/recapd/internal/session"
	"github.com/lucasvandyk/recapd/internal/vision"
	"github.com/lucasvandyk/recapd/pkg/objstore"
	"github.com/lucasvandyk/recapd/pkg/types"
)

type fakeSTT struct {
	payload map[string]any
	err     error
	calls   int
}

func (f *fakeSTT) Transcribe(_ context.Context, _ string, _ int64, _ []byte, _, _ int) (map[string]any, error) {
	f.calls++
	return f.payload, f.err
}

func testConfig() config.PipelineConfig {
	cfg := config.DefaultPipeline()
	cfg.DHashThreshold = 4
	cfg.CandidateTicks = 1
	return cfg
}

func newCoordinator(t *testing.T, cfg config.PipelineConfig, transcriber pipeline.Transcriber) (*pipeline.Coordinator, *bus.Bus, *session.Registry) {
	t.Helper()
	b := bus.New(nil)
	store, err := objstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := pipeline.New(pipeline.Options{
		Config: cfg,
		Bus:    b,
		STT:    transcriber,
		Capturer: &vision.Capturer{
			Width:  cfg.CaptureWidth,
			Height: cfg.CaptureHeight,
			Store:  store,
		},
		Recaps: recap.NewEngine(nil, nil, nil),
	})
	return c, b, session.NewRegistry(cfg, nil)
}

// rewind shifts the session start into the past so NowMs advances
// without sleeping.
func rewind(sess *session.Session, d time.Duration) {
	sess.Lock()
	sess.StartedAt = sess.StartedAt.Add(-d)
	sess.Unlock()
}

func collect(sub *bus.Subscriber) []types.Envelope {
	var out []types.Envelope
	for {
		select {
		case env := <-sub.C:
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventNames(envs []types.Envelope) []string {
	names := make([]string, 0, len(envs))
	for _, env := range envs {
		names = append(names, env.Event)
	}
	return names
}

func TestFlushAudioTranscribesRecord(t *testing.T) {
	transcriber := &fakeSTT{payload: map[string]any{
		"segments": []any{
			map[string]any{"text": "hello world", "speaker": "SPEAKER_00", "start": 0},
		},
	}}
	c, b, reg := newCoordinator(t, testConfig(), transcriber)
	sess := reg.Ensure("s1", "project_meeting")
	b.Ensure(sess.ID)
	rewind(sess, 10*time.Second)

	sub, err := b.Subscribe(sess.ID, 32)
	if err != nil {
		t.Fatal(err)
	}

	status := c.HandleAudio(context.Background(), sess, make([]byte, 3200))
	if !status.Accepted || status.Bytes != 3200 {
		t.Fatalf("status = %+v", status)
	}
	if status.PendingRecords != 0 {
		t.Fatalf("record rotated early: %+v", status)
	}

	c.FlushAudio(context.Background(), sess)
	c.Drain()

	if transcriber.calls != 1 {
		t.Fatalf("stt calls = %d", transcriber.calls)
	}
	sess.Lock()
	segs := len(sess.Segments)
	sess.Unlock()
	if segs != 1 {
		t.Fatalf("session segments = %d", segs)
	}

	envs := collect(sub)
	var record *types.Envelope
	for i := range envs {
		if envs[i].Event == types.EventTranscriptRecord {
			record = &envs[i]
		}
	}
	if record == nil {
		t.Fatalf("no transcript_record_ready in %v", eventNames(envs))
	}
}

func TestHandleAudioRejectsEmptyChunk(t *testing.T) {
	c, b, reg := newCoordinator(t, testConfig(), nil)
	sess := reg.Ensure("s1", "project_meeting")
	b.Ensure(sess.ID)

	if status := c.HandleAudio(context.Background(), sess, nil); status.Accepted {
		t.Fatalf("empty chunk accepted: %+v", status)
	}
}

func TestSTTFailurePublishesError(t *testing.T) {
	transcriber := &fakeSTT{err: context.DeadlineExceeded}
	c, b, reg := newCoordinator(t, testConfig(), transcriber)
	sess := reg.Ensure("s1", "project_meeting")
	b.Ensure(sess.ID)
	rewind(sess, 10*time.Second)

	sub, err := b.Subscribe(sess.ID, 32)
	if err != nil {
		t.Fatal(err)
	}

	c.HandleAudio(context.Background(), sess, make([]byte, 320))
	c.FlushAudio(context.Background(), sess)
	c.Drain()

	envs := collect(sub)
	var sawError, sawRecord bool
	for _, env := range envs {
		switch env.Event {
		case types.EventError:
			sawError = true
			p := env.Payload.(types.ErrorPayload)
			if p.Code != types.ErrCodeBatchASRFailed {
				t.Errorf("error code = %q", p.Code)
			}
			if p.RecordID == 0 {
				t.Error("error event carries no record_id")
			}
		case types.EventTranscriptRecord:
			sawRecord = true
			rec := env.Payload.(types.TranscriptRecord)
			if rec.AsrError == "" {
				t.Error("record carries no asr_error")
			}
			if len(rec.Segments) != 0 {
				t.Errorf("failed record has segments: %+v", rec.Segments)
			}
		}
	}
	if !sawError {
		t.Fatalf("no error event in %v", eventNames(envs))
	}
	if !sawRecord {
		t.Fatalf("no transcript_record_ready in %v", eventNames(envs))
	}

	// The failed record is finalized, not stuck inflight: flushing again
	// must not reprocess it.
	sess.Lock()
	reprocessed := sess.Rotator.MarkInflight(1)
	sess.Unlock()
	if reprocessed {
		t.Error("failed record still claimable after finalization")
	}
}

func TestWindowEmissionAndLateRevision(t *testing.T) {
	c, b, reg := newCoordinator(t, testConfig(), nil)
	sess := reg.Ensure("s1", "project_meeting")
	b.Ensure(sess.ID)
	rewind(sess, 125*time.Second)

	sub, err := b.Subscribe(sess.ID, 32)
	if err != nil {
		t.Fatal(err)
	}

	c.EmitDueWindows(context.Background(), sess, false)

	envs := collect(sub)
	if len(envs) != 1 || envs[0].Event != types.EventRecapWindow {
		t.Fatalf("events = %v", eventNames(envs))
	}
	first := envs[0].Payload.(types.RecapPayload)
	if first.Revision != 1 {
		t.Fatalf("first emission revision = %d", first.Revision)
	}
	if first.WindowID != types.WindowKey("s1", 0, 120_000) {
		t.Fatalf("window id = %q", first.WindowID)
	}
	if len(first.Recap) != 1 || first.Recap[0].Text != "No transcript available for this window." {
		t.Fatalf("empty-window recap = %+v", first.Recap)
	}

	// A transcript segment lands inside the already-emitted window.
	seg := types.TranscriptSegment{
		SegID:     "s1:r1:s000",
		SessionID: "s1",
		RecordID:  1,
		Speaker:   "SPEAKER_00",
		StartMs:   5_000,
		EndMs:     8_000,
		Text:      "We agreed to ship on Friday.",
	}
	sess.Lock()
	sess.AddSegments([]types.TranscriptSegment{seg})
	sess.Unlock()

	c.EmitRevisions(context.Background(), sess, map[string]struct{}{seg.SegID: {}}, nil)

	envs = collect(sub)
	if len(envs) != 1 || envs[0].Event != types.EventRecapWindow {
		t.Fatalf("revision events = %v", eventNames(envs))
	}
	second := envs[0].Payload.(types.RecapPayload)
	if second.Revision != 2 {
		t.Fatalf("revision = %d", second.Revision)
	}
	if len(second.Citations) != 1 || second.Citations[0].SegID != seg.SegID {
		t.Fatalf("revision citations = %+v", second.Citations)
	}

	// Same evidence again: no new revision.
	c.EmitRevisions(context.Background(), sess, map[string]struct{}{seg.SegID: {}}, nil)
	if envs := collect(sub); len(envs) != 0 {
		t.Fatalf("unchanged evidence re-emitted: %v", eventNames(envs))
	}
}

// encodePNG renders a half white, half black frame; flipped inverts
// the halves so consecutive frames register as a structural change.
func encodePNG(t *testing.T, flipped bool) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 640, 360))
	for y := 0; y < 360; y++ {
		for x := 0; x < 640; x++ {
			white := x < 320
			if flipped {
				white = !white
			}
			if white {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestHandleFrameConfirmsChange(t *testing.T) {
	c, b, reg := newCoordinator(t, testConfig(), nil)
	sess := reg.Ensure("s1", "project_meeting")
	b.Ensure(sess.ID)
	rewind(sess, 2*time.Second)

	sub, err := b.Subscribe(sess.ID, 32)
	if err != nil {
		t.Fatal(err)
	}

	res, err := c.HandleFrame(context.Background(), sess, "", encodePNG(t, false), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Sampled || !res.Initialized {
		t.Fatalf("first frame = %+v", res)
	}

	rewind(sess, 2*time.Second)
	res, err = c.HandleFrame(context.Background(), sess, "", encodePNG(t, true), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Confirmed {
		t.Fatalf("change not confirmed: %+v", res)
	}
	if res.FrameID == "" || res.URI == "" {
		t.Fatalf("capture result = %+v", res)
	}

	names := eventNames(collect(sub))
	var sawChange, sawCapture bool
	for _, n := range names {
		switch n {
		case types.EventSlideChange:
			sawChange = true
		case types.EventCapturedFrame:
			sawCapture = true
		}
	}
	if !sawChange || !sawCapture {
		t.Fatalf("events = %v", names)
	}

	sess.Lock()
	frames := len(sess.Frames)
	sess.Unlock()
	if frames != 1 {
		t.Fatalf("session frames = %d", frames)
	}
}

func TestHandleFrameSamplingGate(t *testing.T) {
	c, b, reg := newCoordinator(t, testConfig(), nil)
	sess := reg.Ensure("s1", "project_meeting")
	b.Ensure(sess.ID)
	rewind(sess, 2*time.Second)

	if _, err := c.HandleFrame(context.Background(), sess, "", encodePNG(t, false), nil); err != nil {
		t.Fatal(err)
	}
	// Immediately after, the gate suppresses the frame without decoding.
	res, err := c.HandleFrame(context.Background(), sess, "", []byte("not an image"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sampled {
		t.Fatalf("second frame sampled: %+v", res)
	}
}

func TestHandleFrameRejectsBadImage(t *testing.T) {
	c, b, reg := newCoordinator(t, testConfig(), nil)
	sess := reg.Ensure("s1", "project_meeting")
	b.Ensure(sess.ID)
	rewind(sess, 2*time.Second)

	if _, err := c.HandleFrame(context.Background(), sess, "", []byte("garbage"), nil); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSetROIResetsDetection(t *testing.T) {
	c, b, reg := newCoordinator(t, testConfig(), nil)
	sess := reg.Ensure("s1", "project_meeting")
	b.Ensure(sess.ID)

	if !c.SetROI(context.Background(), sess, types.ROI{X: 10, Y: 10, W: 100, H: 100}) {
		t.Fatal("roi change not reported")
	}
	if c.SetROI(context.Background(), sess, types.ROI{X: 10, Y: 10, W: 100, H: 100}) {
		t.Fatal("identical roi reported as change")
	}
}
