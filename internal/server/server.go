// Package server exposes the four websocket channels of recapd:
//
//   - /ws/audio/{session_id}: authenticated binary PCM ingest with the
//     audio_start handshake and throttled ingest status.
//   - /ws/ingest/{session_id}: text transcript injection for testing
//     and external transcription sources.
//   - /ws/frontend/{session_id}: read-only event feed with transcript
//     replay and legacy compatibility events.
//   - /ws/realtime-av/{session_id}: the multiplexed bidirectional
//     channel carrying control, media, and Q&A events.
//
// All channels speak the enveloped event vocabulary of [types]; the
// bus-backed ones deliver every event of the session in publish order.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lucasvandyk/recapd/internal/bus"
	"github.com/lucasvandyk/recapd/internal/config"
	"github.com/lucasvandyk/recapd/internal/observe"
	"github.com/lucasvandyk/recapd/internal/pipeline"
	"github.com/lucasvandyk/recapd/internal/qna"
	"github.com/lucasvandyk/recapd/internal/session"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// Replayer loads persisted session history for frontend reconnects and
// the session REST surface. *store.Store implements it; a nil Replayer
// falls back to in-memory session state.
type Replayer interface {
	SegmentsBySession(ctx context.Context, sessionID string) ([]types.TranscriptSegment, error)
	FramesBySession(ctx context.Context, sessionID string) ([]types.CapturedFrame, error)
	RecapWindowsBySession(ctx context.Context, sessionID string) ([]types.RecapPayload, error)
}

// Server wires the websocket channels to the pipeline, the Q&A engine,
// and the session bus.
type Server struct {
	cfg      config.Config
	registry *session.Registry
	bus      *bus.Bus
	pipe     *pipeline.Coordinator
	qna      *qna.Engine
	replay   Replayer
	metrics  *observe.Metrics
	log      *slog.Logger
}

// Options bundles the server dependencies. Registry, Bus, Pipeline,
// and Qna are required.
type Options struct {
	Config   config.Config
	Registry *session.Registry
	Bus      *bus.Bus
	Pipeline *pipeline.Coordinator
	Qna      *qna.Engine
	Replay   Replayer
	Metrics  *observe.Metrics
	Log      *slog.Logger
}

// New assembles a server.
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Server{
		cfg:      opts.Config,
		registry: opts.Registry,
		bus:      opts.Bus,
		pipe:     opts.Pipeline,
		qna:      opts.Qna,
		replay:   opts.Replay,
		metrics:  opts.Metrics,
		log:      opts.Log.With("component", "server"),
	}
}

// Register attaches the websocket and session REST routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/audio/{session_id}", s.handleAudio)
	mux.HandleFunc("GET /ws/ingest/{session_id}", s.handleIngest)
	mux.HandleFunc("GET /ws/frontend/{session_id}", s.handleFrontend)
	mux.HandleFunc("GET /ws/realtime-av/{session_id}", s.handleRealtimeAV)

	mux.HandleFunc("GET /api/sessions/{session_id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("PUT /api/sessions/{session_id}/roi", s.handleROI)
	mux.HandleFunc("POST /api/sessions/{session_id}/flush", s.handleFlush)
	mux.HandleFunc("GET /api/sessions/{session_id}/captures", s.handleCaptures)
	mux.HandleFunc("GET /api/sessions/{session_id}/windows", s.handleWindows)
	mux.HandleFunc("POST /api/sessions/{session_id}/documents", s.handleIndexDocument)
}

// conn wraps a websocket connection with a write lock so the bus
// forwarder and the request/reply path can share it.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// writeTimeout bounds a single outbound message write.
const writeTimeout = 10 * time.Second

// send marshals v and writes it as one text message.
func (c *conn) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal event: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

// sendEvent sends a non-enveloped channel event such as connected or
// an ack. Bus events keep their envelope; direct events use this
// looser shape, matching the external contract.
func (c *conn) sendEvent(ctx context.Context, event, sessionID string, payload any) error {
	return c.send(ctx, directEvent{Event: event, SessionID: sessionID, Payload: payload})
}

// directEvent is the shape of per-connection events that bypass the
// bus: connected, handshake acks, and request acks.
type directEvent struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// sendError reports a non-fatal protocol error on the connection.
func (c *conn) sendError(ctx context.Context, code, message string) {
	_ = c.send(ctx, directEvent{
		Event:   types.EventError,
		Payload: types.ErrorPayload{Code: code, Message: message},
	})
}

// accept upgrades the request. The caller greets the client once its
// bus subscription (if any) is live, so no event published after the
// greeting can be missed.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, channel string) (*conn, string, error) {
	sessionID := r.PathValue("session_id")
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browsers connect cross-origin in every deployment we run.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("server: accept %s: %w", channel, err)
	}
	return &conn{ws: ws}, sessionID, nil
}

// greet sends the connected event opening every channel.
func (c *conn) greet(ctx context.Context, channel, sessionID string) error {
	return c.send(ctx, directEvent{
		Event:     types.EventConnected,
		Channel:   channel,
		SessionID: sessionID,
	})
}

// forwardBus copies bus events to the connection until the context is
// canceled or the subscriber queue closes. transform may replace one
// inbound envelope with several outbound messages; nil forwards as-is.
func (s *Server) forwardBus(ctx context.Context, c *conn, sub *bus.Subscriber, transform func(types.Envelope) []any) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			msgs := []any{env}
			if transform != nil {
				msgs = transform(env)
			}
			for _, msg := range msgs {
				if err := c.send(ctx, msg); err != nil {
					return
				}
			}
		}
	}
}
