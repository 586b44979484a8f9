package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// statusThrottleMs is the minimum interval between audio_ingest_status
// publications.
const statusThrottleMs = 1000

// audioStartMessage is the handshake the audio channel expects as its
// first text message.
type audioStartMessage struct {
	Type        string            `json:"type"`
	MeetingType string            `json:"meeting_type"`
	Audio       types.AudioFormat `json:"audio"`
}

// audioStartAck acknowledges an accepted handshake.
type audioStartAck struct {
	AcceptedAudio types.AudioFormat `json:"accepted_audio"`
	SttEnabled    bool              `json:"stt_enabled"`
	SttMode       string            `json:"stt_mode"`
	RecordMs      int64             `json:"record_ms"`
}

// ingestProgress reports received byte and frame counters.
type ingestProgress struct {
	TsMs           int64  `json:"ts_ms,omitempty"`
	ReceivedBytes  int64  `json:"received_bytes"`
	ReceivedFrames int64  `json:"received_frames"`
	Accepted       bool   `json:"accepted"`
	Reason         string `json:"reason,omitempty"`
}

// handleAudio runs the authenticated PCM ingest channel: ingest-token
// check, audio_start handshake with strict format matching, then
// binary PCM frames until {"type":"stop"} or disconnect, both of which
// flush the partial record.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	c, sessionID, err := s.accept(w, r, "audio")
	if err != nil {
		s.log.Debug("audio accept failed", "error", err)
		return
	}
	defer c.ws.CloseNow()

	ctx := r.Context()
	// Token first: a rejected client gets the close frame and nothing
	// else, not even the greeting.
	if !VerifyIngestToken(s.cfg.Auth.IngestTokenSecret, r.URL.Query().Get("token"), sessionID) {
		s.log.Warn("audio ingest token rejected", "session_id", sessionID)
		c.ws.Close(websocket.StatusPolicyViolation, "invalid ingest token")
		return
	}
	if err := c.greet(ctx, "audio", sessionID); err != nil {
		return
	}

	// Handshake: first message must be audio_start with the exact
	// negotiated format.
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return
	}
	var start audioStartMessage
	if typ != websocket.MessageText || json.Unmarshal(data, &start) != nil {
		c.sendError(ctx, types.ErrCodeInvalidJSON, "audio_start must be a JSON text message")
		c.ws.Close(websocket.StatusUnsupportedData, "invalid audio_start")
		return
	}
	sess := s.registry.Ensure(sessionID, start.MeetingType)
	s.bus.Ensure(sessionID)

	sess.Lock()
	expected := sess.Format
	sess.Unlock()
	if !start.Audio.Equal(expected) {
		_ = c.sendEvent(ctx, types.EventError, sessionID, types.ErrorPayload{
			Code:          types.EventAudioFormatMismatch,
			Message:       types.EventAudioFormatMismatch,
			ExpectedAudio: &expected,
		})
		c.ws.Close(websocket.StatusUnsupportedData, "audio format mismatch")
		return
	}
	_ = c.sendEvent(ctx, types.EventAudioStartAck, sessionID, audioStartAck{
		AcceptedAudio: expected,
		SttEnabled:    true,
		SttMode:       "batch_asr_record",
		RecordMs:      s.cfg.Pipeline.RecordMs,
	})

	var (
		receivedBytes  int64
		receivedFrames int64
		lastStatusMs   int64
		stopRequested  bool
	)

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			break
		}

		if typ == websocket.MessageBinary {
			if len(data) == 0 {
				continue
			}
			receivedBytes += int64(len(data))
			receivedFrames++
			if receivedFrames == 1 {
				_ = c.sendEvent(ctx, types.EventAudioIngestOK, sessionID, ingestProgress{
					ReceivedBytes:  receivedBytes,
					ReceivedFrames: receivedFrames,
					Accepted:       true,
				})
			}

			status := s.pipe.HandleAudio(ctx, sess, data)
			if !status.Accepted {
				c.sendError(ctx, types.ErrCodeValidation, "audio chunk rejected: "+status.Reason)
			}

			nowMs := time.Now().UnixMilli()
			if receivedFrames == 1 || nowMs-lastStatusMs >= statusThrottleMs {
				lastStatusMs = nowMs
				if _, err := s.bus.Publish(sessionID, types.EventAudioIngestStatus, ingestProgress{
					TsMs:           nowMs,
					ReceivedBytes:  receivedBytes,
					ReceivedFrames: receivedFrames,
					Accepted:       status.Accepted,
					Reason:         status.Reason,
				}); err == nil {
					s.metrics.RecordEventPublished(ctx, types.EventAudioIngestStatus)
				}
			}
			continue
		}

		// Text control message; only stop is meaningful.
		var ctrl struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &ctrl) == nil && ctrl.Type == "stop" {
			stopRequested = true
			break
		}
	}

	if stopRequested || receivedFrames > 0 {
		s.pipe.FlushAudio(context.WithoutCancel(ctx), sess)
	}
	if stopRequested {
		c.ws.Close(websocket.StatusNormalClosure, "stopped")
	}
}

// isClosedErr reports whether err is a normal websocket shutdown.
func isClosedErr(err error) bool {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return errors.Is(err, context.Canceled)
}
