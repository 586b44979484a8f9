package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// ingestMessage is one injected transcript line. Chunk and Text are
// aliases; times are seconds relative to session start.
type ingestMessage struct {
	Chunk      string  `json:"chunk"`
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker"`
	TimeStart  float64 `json:"time_start"`
	TimeEnd    float64 `json:"time_end"`
	TsMs       int64   `json:"ts_ms"`
	Confidence float64 `json:"confidence"`
}

// handleIngest serves the text transcript injection channel used by
// tests and external transcription sources. Each accepted line becomes
// a synthetic segment flowing through the normal transcript path.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	c, sessionID, err := s.accept(w, r, "ingest")
	if err != nil {
		s.log.Debug("ingest accept failed", "error", err)
		return
	}
	defer c.ws.CloseNow()

	ctx := r.Context()
	sess := s.registry.Ensure(sessionID, "")
	s.bus.Ensure(sessionID)
	if err := c.greet(ctx, "ingest", sessionID); err != nil {
		return
	}

	var seq int
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			c.sendError(ctx, types.ErrCodeValidation, "ingest expects JSON text messages")
			continue
		}

		var msg ingestMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(ctx, types.ErrCodeInvalidJSON, "message must be a JSON object")
			continue
		}
		text := strings.TrimSpace(msg.Chunk)
		if text == "" {
			text = strings.TrimSpace(msg.Text)
		}
		if text == "" {
			c.sendError(ctx, types.ErrCodeValidation, "chunk or text is required")
			continue
		}

		speaker := msg.Speaker
		if speaker == "" {
			speaker = "SPEAKER_01"
		}
		confidence := msg.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 1.0
		}
		startMs := int64(msg.TimeStart * 1000)
		if startMs == 0 && msg.TsMs > 0 {
			startMs = msg.TsMs
		}
		seg := types.TranscriptSegment{
			SegID:      types.SegmentID(sessionID, 0, seq),
			SessionID:  sessionID,
			Speaker:    speaker,
			StartMs:    startMs,
			EndMs:      int64(msg.TimeEnd * 1000),
			Text:       text,
			Confidence: confidence,
		}
		if err := s.pipe.InjectTranscript(ctx, sess, seg); err != nil {
			c.sendError(ctx, types.ErrCodeValidation, err.Error())
			continue
		}
		seq++
		_ = c.sendEvent(ctx, types.EventIngestAck, sessionID, map[string]any{"seq": seq})
	}
}
