package server

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// frontendBuffer sizes the bus subscription of a frontend client, which
// tends to lag behind during recap bursts.
const frontendBuffer = 512

// compatTranscript is the legacy transcript_event message kept for
// older frontends. Times are seconds relative to the first record seen
// on this connection.
type compatTranscript struct {
	Event   string                  `json:"event"`
	Seq     uint64                  `json:"seq"`
	Payload compatTranscriptPayload `json:"payload"`
}

type compatTranscriptPayload struct {
	MeetingID  string  `json:"meeting_id"`
	Chunk      string  `json:"chunk"`
	Speaker    string  `json:"speaker"`
	TimeStart  float64 `json:"time_start"`
	TimeEnd    float64 `json:"time_end"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
	Lang       string  `json:"lang"`
}

// compatState is the legacy state message derived from a recap window.
type compatState struct {
	Event   string             `json:"event"`
	Payload compatStatePayload `json:"payload"`
}

type compatStatePayload struct {
	Stage          string           `json:"stage"`
	Intent         string           `json:"intent"`
	LiveRecap      string           `json:"live_recap"`
	Recap          string           `json:"recap"`
	CurrentTopicID string           `json:"current_topic_id"`
	Topic          compatTopic      `json:"topic"`
	TopicSegments  []compatTopicSeg `json:"topic_segments"`
	Actions        []any            `json:"actions"`
	Decisions      []any            `json:"decisions"`
	Risks          []any            `json:"risks"`
	DebugInfo      map[string]any   `json:"debug_info"`
}

type compatTopic struct {
	TopicID string `json:"topic_id"`
	Title   string `json:"title"`
}

type compatTopicSeg struct {
	TopicID string  `json:"topic_id"`
	Title   string  `json:"title"`
	StartT  float64 `json:"start_t"`
	EndT    float64 `json:"end_t"`
}

// handleFrontend serves the read-only event feed. On connect it replays
// the session's persisted transcript grouped by record, then forwards
// live bus events; transcript records and recap windows additionally
// fan out as legacy compatibility messages.
func (s *Server) handleFrontend(w http.ResponseWriter, r *http.Request) {
	c, sessionID, err := s.accept(w, r, "frontend")
	if err != nil {
		s.log.Debug("frontend accept failed", "error", err)
		return
	}
	defer c.ws.CloseNow()

	ctx := r.Context()
	s.bus.Ensure(sessionID)
	sub, err := s.bus.Subscribe(sessionID, frontendBuffer)
	if err != nil {
		c.sendError(ctx, types.ErrCodeServerError, "subscribe failed")
		return
	}
	defer s.bus.Unsubscribe(sub)
	if err := c.greet(ctx, "frontend", sessionID); err != nil {
		return
	}

	// timelineOriginMs anchors compat event times. Shared by the replay
	// loop and the forward transform; the forwarder is the only
	// goroutine touching it once replay is done.
	var timelineOriginMs int64 = -1

	for _, rec := range s.loadReplayRecords(ctx, sessionID) {
		if err := c.sendEvent(ctx, types.EventTranscriptRecord, sessionID, rec); err != nil {
			return
		}
		var compat []any
		timelineOriginMs, compat = buildCompatTranscripts(sessionID, rec, uint64(rec.RecordID), timelineOriginMs)
		for _, msg := range compat {
			if err := c.send(ctx, msg); err != nil {
				return
			}
		}
	}

	s.forwardBus(ctx, c, sub, func(env types.Envelope) []any {
		out := []any{env}
		switch env.Event {
		case types.EventTranscriptRecord:
			rec, ok := env.Payload.(types.TranscriptRecord)
			if !ok {
				return out
			}
			var compat []any
			timelineOriginMs, compat = buildCompatTranscripts(sessionID, rec, env.Seq, timelineOriginMs)
			return append(out, compat...)
		case types.EventRecapWindow:
			recap, ok := env.Payload.(types.RecapPayload)
			if !ok {
				return out
			}
			return append(out, buildCompatState(recap))
		}
		return out
	})
}

// loadReplayRecords hydrates persisted segments grouped per record, in
// record order. Failures degrade to no replay.
func (s *Server) loadReplayRecords(ctx context.Context, sessionID string) []types.TranscriptRecord {
	if s.replay == nil {
		return nil
	}
	segs, err := s.replay.SegmentsBySession(ctx, sessionID)
	if err != nil {
		s.log.Debug("transcript replay load failed", "session_id", sessionID, "error", err)
		return nil
	}
	if len(segs) == 0 {
		return nil
	}

	grouped := make(map[int64][]types.TranscriptSegment)
	for _, seg := range segs {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		grouped[seg.RecordID] = append(grouped[seg.RecordID], seg)
	}
	recordIDs := make([]int64, 0, len(grouped))
	for id := range grouped {
		recordIDs = append(recordIDs, id)
	}
	sort.Slice(recordIDs, func(i, j int) bool { return recordIDs[i] < recordIDs[j] })

	records := make([]types.TranscriptRecord, 0, len(recordIDs))
	for _, id := range recordIDs {
		group := grouped[id]
		sort.Slice(group, func(i, j int) bool {
			if group[i].StartMs != group[j].StartMs {
				return group[i].StartMs < group[j].StartMs
			}
			return group[i].SegID < group[j].SegID
		})
		startMs, endMs := group[0].StartMs, group[0].StartMs
		for _, seg := range group {
			if seg.StartMs < startMs {
				startMs = seg.StartMs
			}
			segEnd := seg.EndMs
			if segEnd < seg.StartMs {
				segEnd = seg.StartMs
			}
			if segEnd > endMs {
				endMs = segEnd
			}
		}
		records = append(records, types.TranscriptRecord{
			RecordID:        id,
			RecordStartTsMs: startMs,
			RecordEndTsMs:   endMs,
			Segments:        group,
			Replay:          true,
		})
	}
	s.log.Info("frontend transcript replay", "session_id", sessionID, "records", len(records))
	return records
}

// buildCompatTranscripts derives legacy transcript_event messages from
// one record, advancing the timeline origin to the earliest record
// start seen. An origin of -1 means unset.
func buildCompatTranscripts(sessionID string, rec types.TranscriptRecord, busSeq uint64, originMs int64) (int64, []any) {
	if originMs < 0 || rec.RecordStartTsMs < originMs {
		originMs = rec.RecordStartTsMs
	}
	if originMs < 0 {
		originMs = time.Now().UnixMilli()
	}

	out := make([]any, 0, len(rec.Segments))
	for idx, seg := range rec.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		speaker := seg.Speaker
		if speaker == "" {
			speaker = "SPEAKER_01"
		}
		confidence := seg.Confidence
		if confidence == 0 {
			confidence = 1.0
		}
		endMs := seg.EndMs
		if endMs < seg.StartMs {
			endMs = seg.StartMs
		}
		out = append(out, compatTranscript{
			Event: types.EventTranscriptLegacy,
			Seq:   busSeq*1000 + uint64(idx),
			Payload: compatTranscriptPayload{
				MeetingID:  sessionID,
				Chunk:      text,
				Speaker:    speaker,
				TimeStart:  relSeconds(seg.StartMs, originMs),
				TimeEnd:    relSeconds(endMs, originMs),
				IsFinal:    true,
				Confidence: confidence,
				Lang:       "vi",
			},
		})
	}
	return originMs, out
}

// relSeconds converts an absolute session millisecond to seconds
// relative to the timeline origin, clamped at zero.
func relSeconds(ms, originMs int64) float64 {
	if ms < originMs {
		return 0
	}
	return float64(ms-originMs) / 1000.0
}

// buildCompatState derives the legacy state message from one recap
// window revision.
func buildCompatState(p types.RecapPayload) compatState {
	var parts []string
	for _, item := range p.Recap {
		if text := strings.TrimSpace(item.Text); text != "" {
			parts = append(parts, text)
		}
	}
	recapText := strings.Join(parts, " ")

	topicID, topicTitle := "T0", "T0"
	if len(p.Topics) > 0 {
		if p.Topics[0].TopicID != "" {
			topicID = p.Topics[0].TopicID
		}
		topicTitle = p.Topics[0].Title
		if topicTitle == "" {
			topicTitle = topicID
		}
	}
	return compatState{
		Event: types.EventStateLegacy,
		Payload: compatStatePayload{
			Stage:          "in",
			Intent:         "tick",
			LiveRecap:      recapText,
			Recap:          recapText,
			CurrentTopicID: topicID,
			Topic:          compatTopic{TopicID: topicID, Title: topicTitle},
			TopicSegments: []compatTopicSeg{
				{TopicID: topicID, Title: topicTitle},
			},
			Actions:   []any{},
			Decisions: []any{},
			Risks:     []any{},
			DebugInfo: map[string]any{
				"window_id": p.WindowID,
				"revision":  p.Revision,
			},
		},
	}
}
