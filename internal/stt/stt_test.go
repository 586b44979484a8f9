package stt_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/lucasvandyk/recapd/internal/stt"
	"github.com/lucasvandyk/recapd/pkg/types"
)

func TestEncodeWAVHeader(t *testing.T) {
	pcm := make([]byte, 32_000) // 1 second at 16 kHz mono s16le
	wav := stt.EncodeWAV(pcm, 16_000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE markers")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16_000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
	if channels := binary.LittleEndian.Uint16(wav[22:24]); channels != 1 {
		t.Errorf("channels = %d, want 1", channels)
	}
	if dataLen := binary.LittleEndian.Uint32(wav[40:44]); dataLen != uint32(len(pcm)) {
		t.Errorf("data length = %d, want %d", dataLen, len(pcm))
	}
}

func decodePayload(t *testing.T, raw string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return payload
}

func testRecord() types.AudioRecord {
	return types.AudioRecord{SessionID: "s1", RecordID: 3, StartMs: 60_000, EndMs: 90_000}
}

func TestNormalizeFlatSegments(t *testing.T) {
	payload := decodePayload(t, `{
		"segments": [
			{"text": " hello world ", "speaker": "SPEAKER_02", "start": 1500, "end": 2500, "confidence": 0.85},
			{"text": "second line", "start": 4.0},
			{"text": "   "}
		]
	}`)

	segs := stt.Normalize("s1", testRecord(), payload)
	if len(segs) != 2 {
		t.Fatalf("normalized %d segments, want 2", len(segs))
	}

	first := segs[0]
	if first.SegID != "s1:r3:s000" {
		t.Errorf("seg id = %q, want %q", first.SegID, "s1:r3:s000")
	}
	if first.Text != "hello world" {
		t.Errorf("text = %q, want trimmed %q", first.Text, "hello world")
	}
	if first.Speaker != "SPEAKER_02" {
		t.Errorf("speaker = %q, want SPEAKER_02", first.Speaker)
	}
	if first.StartMs != 61_500 {
		t.Errorf("start = %d, want 61500 (record start + 1500)", first.StartMs)
	}
	if first.EndMs != 62_500 {
		t.Errorf("end = %d, want 62500", first.EndMs)
	}
	if first.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", first.Confidence)
	}

	// Float start is seconds.
	second := segs[1]
	if second.StartMs != 64_000 {
		t.Errorf("second start = %d, want 64000 (record start + 4.0 s)", second.StartMs)
	}
	if second.Speaker != "SPEAKER_01" {
		t.Errorf("second speaker = %q, want default SPEAKER_01", second.Speaker)
	}
}

func TestNormalizeWhisperTranscription(t *testing.T) {
	payload := decodePayload(t, `{
		"transcription": [
			{"text": "from offsets", "offsets": {"from": 1000, "to": 2000}},
			{"text": "from timestamps", "timestamps": {"from": "00:00:03,500", "to": "00:00:04,000"}}
		]
	}`)

	segs := stt.Normalize("s1", testRecord(), payload)
	if len(segs) != 2 {
		t.Fatalf("normalized %d segments, want 2", len(segs))
	}
	if segs[0].StartMs != 61_000 || segs[0].EndMs != 62_000 {
		t.Errorf("offsets segment times = %d..%d, want 61000..62000", segs[0].StartMs, segs[0].EndMs)
	}
	if segs[1].StartMs != 63_500 || segs[1].EndMs != 64_000 {
		t.Errorf("timestamps segment times = %d..%d, want 63500..64000", segs[1].StartMs, segs[1].EndMs)
	}
}

func TestNormalizeTextFallback(t *testing.T) {
	payload := decodePayload(t, `{"text": "  whole record text  "}`)
	rec := testRecord()

	segs := stt.Normalize("s1", rec, payload)
	if len(segs) != 1 {
		t.Fatalf("normalized %d segments, want 1", len(segs))
	}
	seg := segs[0]
	if seg.Text != "whole record text" {
		t.Errorf("text = %q", seg.Text)
	}
	if seg.StartMs != rec.StartMs || seg.EndMs != rec.EndMs {
		t.Errorf("segment spans %d..%d, want record bounds %d..%d", seg.StartMs, seg.EndMs, rec.StartMs, rec.EndMs)
	}
}

func TestNormalizeClampsEndBeforeStart(t *testing.T) {
	payload := decodePayload(t, `{"segments": [{"text": "x", "start": 5000, "end": 1000}]}`)
	segs := stt.Normalize("s1", testRecord(), payload)
	if len(segs) != 1 {
		t.Fatalf("normalized %d segments, want 1", len(segs))
	}
	if segs[0].EndMs < segs[0].StartMs {
		t.Errorf("end %d precedes start %d", segs[0].EndMs, segs[0].StartMs)
	}
}

func TestNormalizeOrdersBySegmentStart(t *testing.T) {
	payload := decodePayload(t, `{"segments": [
		{"text": "late", "start": 9000},
		{"text": "early", "start": 1000}
	]}`)
	segs := stt.Normalize("s1", testRecord(), payload)
	if len(segs) != 2 {
		t.Fatalf("normalized %d segments, want 2", len(segs))
	}
	if segs[0].Text != "early" || segs[1].Text != "late" {
		t.Errorf("segments not ordered by start: %q, %q", segs[0].Text, segs[1].Text)
	}
}

func TestClientTranscribe(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/transcribe" {
			t.Errorf("path = %q, want /transcribe", r.URL.Path)
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing multipart file field: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if len(data) < 44 || string(data[0:4]) != "RIFF" {
			t.Errorf("uploaded file %q is not a WAV (%d bytes)", header.Filename, len(data))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"segments": [{"text": "ok", "start": 0}]}`))
	}))
	defer srv.Close()

	client := stt.NewClient(srv.URL, stt.WithTempDir(t.TempDir()))
	payload, err := client.Transcribe(context.Background(), "s1", 1, make([]byte, 3200), 16_000, 1)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want 1", calls.Load())
	}
	segs := stt.Normalize("s1", types.AudioRecord{RecordID: 1, StartMs: 0, EndMs: 1000}, payload)
	if len(segs) != 1 || segs[0].Text != "ok" {
		t.Errorf("unexpected segments: %+v", segs)
	}
}

func TestClientServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := stt.NewClient(srv.URL, stt.WithTempDir(t.TempDir()))
	if _, err := client.Transcribe(context.Background(), "s1", 1, []byte{0, 0}, 16_000, 1); err == nil {
		t.Fatal("Transcribe succeeded against a failing service")
	}
}

func TestClientNotConfigured(t *testing.T) {
	client := stt.NewClient("")
	if _, err := client.Transcribe(context.Background(), "s1", 1, []byte{0, 0}, 16_000, 1); err == nil {
		t.Fatal("Transcribe succeeded without an ASR URL")
	}
}
