package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/lucasvandyk/recapd/internal/qna"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// listLimitDefault and listLimitMax bound the captures/windows list
// endpoints.
const (
	listLimitDefault = 50
	listLimitMax     = 500
)

// handleSnapshot reports a point-in-time summary of one live session.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Get(r.PathValue("session_id"))
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "session not found"})
		return
	}
	sess.Lock()
	snap := sess.Snapshot()
	sess.Unlock()
	writeJSON(w, http.StatusOK, snap)
}

// handleROI updates the session's region of interest out-of-band.
func (s *Server) handleROI(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	var roi types.ROI
	if err := json.NewDecoder(r.Body).Decode(&roi); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid roi body"})
		return
	}

	sess := s.registry.Ensure(sessionID, "")
	s.bus.Ensure(sessionID)
	if s.pipe.SetROI(r.Context(), sess, roi) {
		if _, err := s.bus.Publish(sessionID, types.EventROIUpdated, map[string]any{
			"session_id": sessionID,
			"roi":        roi,
		}); err == nil {
			s.metrics.RecordEventPublished(r.Context(), types.EventROIUpdated)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "roi": roi})
}

// handleFlush force-finalizes the open audio record and emits every
// window the session has reached.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	sess := s.registry.Ensure(sessionID, "")
	s.bus.Ensure(sessionID)
	s.pipe.FlushAudio(context.WithoutCancel(r.Context()), sess)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "flushed": true})
}

// handleCaptures lists the session's captured frames, store-first with
// an in-memory fallback.
func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	limit := listLimit(r)

	var frames []types.CapturedFrame
	if s.replay != nil {
		var err error
		frames, err = s.replay.FramesBySession(r.Context(), sessionID)
		if err != nil {
			s.log.Debug("captures load failed", "session_id", sessionID, "error", err)
			frames = nil
		}
	}
	if frames == nil {
		if sess := s.registry.Get(sessionID); sess != nil {
			sess.Lock()
			frames = sess.LastFrames(limit)
			sess.Unlock()
		}
	}
	if len(frames) > limit {
		frames = frames[len(frames)-limit:]
	}
	if frames == nil {
		frames = []types.CapturedFrame{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"items":      frames,
		"count":      len(frames),
	})
}

// handleWindows lists the session's persisted recap window revisions.
func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	limit := listLimit(r)

	var windows []types.RecapPayload
	if s.replay != nil {
		var err error
		windows, err = s.replay.RecapWindowsBySession(r.Context(), sessionID)
		if err != nil {
			s.log.Debug("windows load failed", "session_id", sessionID, "error", err)
			windows = nil
		}
	}
	if len(windows) > limit {
		windows = windows[len(windows)-limit:]
	}
	if windows == nil {
		windows = []types.RecapPayload{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"items":      windows,
		"count":      len(windows),
	})
}

// documentBody is the document upload request for Tier-1 indexing.
type documentBody struct {
	Source string   `json:"source"`
	Chunks []string `json:"chunks"`
}

// handleIndexDocument embeds and indexes document chunks so Tier-1
// retrieval can cite them.
func (s *Server) handleIndexDocument(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	var body documentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid document body"})
		return
	}

	indexed, err := s.qna.IndexDocument(r.Context(), sessionID, body.Source, body.Chunks)
	if err != nil {
		switch {
		case errors.Is(err, qna.ErrIndexingUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": err.Error()})
		case errors.Is(err, qna.ErrNoChunks):
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		default:
			s.log.Error("document indexing failed", "session_id", sessionID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "document indexing failed"})
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"source":     body.Source,
		"indexed":    indexed,
	})
}

// listLimit parses the limit query parameter within [1, listLimitMax].
func listLimit(r *http.Request) int {
	limit := listLimitDefault
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 1 {
			limit = min(v, listLimitMax)
		}
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
