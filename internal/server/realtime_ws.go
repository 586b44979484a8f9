package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/lucasvandyk/recapd/internal/qna"
	"github.com/lucasvandyk/recapd/internal/session"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// realtimeBuffer sizes the bus subscription of a realtime-av client.
const realtimeBuffer = 256

// clientMessage is the outer shape of every JSON message on the
// realtime-av channel. When Payload is absent the top-level object
// doubles as the payload, so flat clients keep working.
type clientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type sessionControlPayload struct {
	Action      string     `json:"action"`
	MeetingID   string     `json:"meeting_id"`
	MeetingType string     `json:"meeting_type"`
	ROI         *types.ROI `json:"roi"`
}

type sessionControlAck struct {
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	MeetingID string    `json:"meeting_id"`
	ROI       types.ROI `json:"roi"`
}

type audioChunkPayload struct {
	Seq     int64  `json:"seq"`
	Payload string `json:"payload"`
}

type videoFramePayload struct {
	FrameID  string     `json:"frame_id"`
	ImageB64 string     `json:"image_b64"`
	ROI      *types.ROI `json:"roi"`
}

type userQueryPayload struct {
	QueryID string         `json:"query_id"`
	Text    string         `json:"text"`
	Scope   map[string]any `json:"scope"`
}

type approveToolPayload struct {
	ProposalID  string         `json:"proposal_id"`
	Approved    bool           `json:"approved"`
	Constraints map[string]any `json:"constraints"`
}

// handleRealtimeAV serves the multiplexed bidirectional channel: bus
// events flow out, while control, media, and Q&A events flow in. Every
// inbound event is acknowledged on the connection; protocol errors are
// reported as error events and never close the channel.
func (s *Server) handleRealtimeAV(w http.ResponseWriter, r *http.Request) {
	c, sessionID, err := s.accept(w, r, "realtime-av")
	if err != nil {
		s.log.Debug("realtime-av accept failed", "error", err)
		return
	}
	defer c.ws.CloseNow()

	ctx := r.Context()
	sess := s.registry.Ensure(sessionID, "")
	s.bus.Ensure(sessionID)

	sub, err := s.bus.Subscribe(sessionID, realtimeBuffer)
	if err != nil {
		c.sendError(ctx, types.ErrCodeServerError, "subscribe failed")
		return
	}
	defer s.bus.Unsubscribe(sub)
	if err := c.greet(ctx, "realtime-av", sessionID); err != nil {
		return
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.forwardBus(fctx, c, sub, nil)

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if !isClosedErr(err) {
				s.log.Debug("realtime-av read failed", "session_id", sessionID, "error", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			// Raw binary mode: the frame is one audio chunk.
			if len(data) == 0 {
				continue
			}
			status := s.pipe.HandleAudio(ctx, sess, data)
			_ = c.sendEvent(ctx, types.EventAudioChunkAck, sessionID, status)
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(ctx, types.ErrCodeInvalidJSON, "message must be a JSON object")
			continue
		}
		payload := msg.Payload
		if len(payload) == 0 {
			payload = data
		}
		s.dispatchRealtime(ctx, c, sess, msg.Event, payload)
	}
}

// dispatchRealtime routes one inbound JSON event.
func (s *Server) dispatchRealtime(ctx context.Context, c *conn, sess *session.Session, event string, payload json.RawMessage) {
	switch event {
	case types.EventSessionControl:
		var p sessionControlPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.sendError(ctx, types.ErrCodeValidation, "invalid session_control payload")
			return
		}
		ack, err := s.handleSessionControl(ctx, sess, p)
		if err != nil {
			c.sendError(ctx, types.ErrCodeValidation, err.Error())
			return
		}
		_ = c.sendEvent(ctx, types.EventSessionControlRecv, sess.ID, ack)

	case types.EventAudioChunk:
		var p audioChunkPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.sendError(ctx, types.ErrCodeValidation, "invalid audio_chunk payload")
			return
		}
		chunk, err := decodeB64(p.Payload)
		if err != nil || len(chunk) == 0 {
			c.sendError(ctx, types.ErrCodeValidation, "audio_chunk.payload must be non-empty base64")
			return
		}
		status := s.pipe.HandleAudio(ctx, sess, chunk)
		_ = c.sendEvent(ctx, types.EventAudioChunkAck, sess.ID, status)

	case types.EventVideoFrameMeta:
		var p videoFramePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.sendError(ctx, types.ErrCodeValidation, "invalid video_frame_meta payload")
			return
		}
		if strings.TrimSpace(p.ImageB64) == "" {
			c.sendError(ctx, types.ErrCodeValidation, "video_frame_meta.image_b64 is required")
			return
		}
		image, err := decodeB64(p.ImageB64)
		if err != nil {
			c.sendError(ctx, types.ErrCodeValidation, "invalid video_frame_meta.image_b64 base64")
			return
		}
		result, err := s.pipe.HandleFrame(ctx, sess, p.FrameID, image, p.ROI)
		if err != nil {
			c.sendError(ctx, types.ErrCodeValidation, err.Error())
			return
		}
		_ = c.sendEvent(ctx, types.EventVideoFrameAck, sess.ID, result)

	case types.EventUserQuery:
		var p userQueryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.sendError(ctx, types.ErrCodeValidation, "invalid user_query payload")
			return
		}
		webAllowed, _ := p.Scope["web_allowed"].(bool)
		result, err := s.qna.HandleQuery(ctx, sess, qna.Query{
			QueryID:    p.QueryID,
			Text:       p.Text,
			WebAllowed: webAllowed,
		})
		if err != nil {
			code := types.ErrCodeServerError
			if errors.Is(err, qna.ErrEmptyQuery) {
				code = types.ErrCodeValidation
			}
			c.sendError(ctx, code, err.Error())
			return
		}
		_ = c.sendEvent(ctx, types.EventUserQueryAck, sess.ID, result)

	case types.EventApproveTool:
		var p approveToolPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.sendError(ctx, types.ErrCodeValidation, "invalid approve_tool_call payload")
			return
		}
		if strings.TrimSpace(p.ProposalID) == "" {
			c.sendError(ctx, types.ErrCodeValidation, "approve_tool_call.proposal_id is required")
			return
		}
		result, err := s.qna.HandleApproval(ctx, sess, p.ProposalID, p.Approved, p.Constraints)
		if err != nil {
			code := types.ErrCodeServerError
			if errors.Is(err, qna.ErrProposalNotFound) {
				code = types.ErrCodeValidation
			}
			c.sendError(ctx, code, err.Error())
			return
		}
		_ = c.sendEvent(ctx, types.EventApproveToolAck, sess.ID, result)

	default:
		name := event
		if name == "" {
			name = "<empty>"
		}
		c.sendError(ctx, types.ErrCodeUnsupportedEvent, "unsupported event: "+name)
	}
}

// handleSessionControl applies a start/pause/stop action and returns
// the ack payload. The same ack is also published on the bus so every
// subscriber observes the state change.
func (s *Server) handleSessionControl(ctx context.Context, sess *session.Session, p sessionControlPayload) (sessionControlAck, error) {
	action := strings.ToLower(strings.TrimSpace(p.Action))
	switch action {
	case "start", "pause", "stop":
	default:
		return sessionControlAck{}, errors.New("session_control.action must be start/pause/stop")
	}
	if p.MeetingType != "" {
		s.registry.Ensure(sess.ID, p.MeetingType)
	}

	sess.Lock()
	switch action {
	case "start":
		sess.SetPaused(false)
	case "pause", "stop":
		sess.SetPaused(true)
	}
	sess.Unlock()

	if p.ROI != nil && action == "start" {
		if s.pipe.SetROI(ctx, sess, *p.ROI) {
			if _, err := s.bus.Publish(sess.ID, types.EventROIUpdated, map[string]any{
				"session_id": sess.ID,
				"roi":        *p.ROI,
			}); err == nil {
				s.metrics.RecordEventPublished(ctx, types.EventROIUpdated)
			}
		}
	}

	meetingID := p.MeetingID
	if meetingID == "" {
		meetingID = sess.ID
	}
	sess.Lock()
	roi := sess.ROI
	sess.Unlock()

	ack := sessionControlAck{
		SessionID: sess.ID,
		Action:    action,
		MeetingID: meetingID,
		ROI:       roi,
	}
	if _, err := s.bus.Publish(sess.ID, types.EventSessionControlAck, ack); err == nil {
		s.metrics.RecordEventPublished(ctx, types.EventSessionControlAck)
	}

	if action == "stop" {
		s.pipe.FlushAudio(context.WithoutCancel(ctx), sess)
	}
	return ack, nil
}

// decodeB64 decodes standard base64, tolerating data-URL prefixes and
// missing padding.
func decodeB64(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(strings.ToLower(v), "data:") {
		if _, rest, ok := strings.Cut(v, ","); ok {
			v = strings.TrimSpace(rest)
		}
	}
	if data, err := base64.StdEncoding.DecodeString(v); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(v)
}
