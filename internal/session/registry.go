package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lucasvandyk/recapd/internal/audio"
	"github.com/lucasvandyk/recapd/internal/config"
	"github.com/lucasvandyk/recapd/internal/vision"
	"github.com/lucasvandyk/recapd/internal/window"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// Registry owns the live sessions. Ensure is the only constructor of
// [Session]; all connection channels of a session share one instance.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg config.PipelineConfig
	log *slog.Logger
}

// NewRegistry returns an empty registry using the given pipeline
// tunables for new sessions.
func NewRegistry(cfg config.PipelineConfig, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		log:      log,
	}
}

// Ensure returns the session with the given id, creating it on first
// use. The session kind is re-derived whenever a non-empty meetingType
// arrives, so a session created by an early anonymous connection picks
// up its classification once the meeting type becomes known.
func (r *Registry) Ensure(id, meetingType string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		if meetingType != "" {
			s.Lock()
			if meetingType != s.MeetingType {
				s.MeetingType = meetingType
				s.Kind = types.KindFromMeetingType(meetingType)
				r.log.Info("session reclassified", "session_id", id, "kind", s.Kind)
			}
			s.Unlock()
		}
		return s
	}

	s := &Session{
		ID:          id,
		Kind:        types.KindFromMeetingType(meetingType),
		MeetingType: meetingType,
		StartedAt:   time.Now(),
		Format:      r.cfg.AudioFormat,
		Rotator:     audio.NewRotator(r.cfg.RecordMs, 0),
		Detector: vision.NewDetector(vision.DetectorConfig{
			SampleMs:       r.cfg.VideoSampleMs,
			HashThreshold:  r.cfg.DHashThreshold,
			CandidateTicks: r.cfg.CandidateTicks,
			SsimThreshold:  r.cfg.SsimThreshold,
			CooldownMs:     r.cfg.CooldownMs,
			DetectWidth:    r.cfg.DetectionWidth,
			DetectHeight:   r.cfg.DetectionHeight,
		}),
		Timeline:  window.NewTimeline(r.cfg.WindowMs, r.cfg.WindowOverlapMs, 0),
		Emitted:   window.NewEmitted(),
		Proposals: make(map[string]*types.ToolCallProposal),
		checksums: make(map[string]struct{}),
	}
	r.sessions[id] = s
	r.log.Info("session created", "session_id", id, "kind", s.Kind)
	return s
}

// Get returns the session or nil when it does not exist.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Remove drops the session from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns the live session ids.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
