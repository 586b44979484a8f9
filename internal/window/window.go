// Package window schedules the overlapping recap windows of a session
// and tracks which windows need a revision after late-arriving evidence.
package window

import (
	"sort"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// Span is one window's time range in session-absolute milliseconds.
// The window covers [StartMs, EndMs).
type Span struct {
	ID      types.WindowID
	StartMs int64
	EndMs   int64
}

// Timeline emits window spans in order. Successive windows advance by
// the stride (window length minus overlap), so neighboring windows
// share an overlap region.
//
// Timeline does no locking; the session owner serializes access.
type Timeline struct {
	WindowMs  int64
	OverlapMs int64

	nextID      int64
	nextStartMs int64
}

// NewTimeline starts the first window at startMs.
func NewTimeline(windowMs, overlapMs, startMs int64) *Timeline {
	return &Timeline{
		WindowMs:    windowMs,
		OverlapMs:   overlapMs,
		nextID:      1,
		nextStartMs: startMs,
	}
}

// StrideMs is the distance between successive window starts.
func (t *Timeline) StrideMs() int64 { return t.WindowMs - t.OverlapMs }

// Due returns every window whose end has passed limitMs, advancing the
// timeline past them. Windows come back in chronological order.
func (t *Timeline) Due(limitMs int64) []Span {
	var due []Span
	for t.nextStartMs+t.WindowMs <= limitMs {
		due = append(due, Span{
			ID:      types.WindowID(t.nextID),
			StartMs: t.nextStartMs,
			EndMs:   t.nextStartMs + t.WindowMs,
		})
		t.nextID++
		t.nextStartMs += t.StrideMs()
	}
	return due
}

// Pending returns the span of the next window that has not closed yet.
func (t *Timeline) Pending() Span {
	return Span{
		ID:      types.WindowID(t.nextID),
		StartMs: t.nextStartMs,
		EndMs:   t.nextStartMs + t.WindowMs,
	}
}

// Meta records what evidence a previously emitted window was built
// from, so revisions fire only when the evidence set actually changed.
type Meta struct {
	Span     Span
	Revision int
	SegIDs   map[string]struct{}
	FrameIDs map[string]struct{}
}

// Covers reports whether ms falls inside the window span.
func (m *Meta) Covers(ms int64) bool {
	return ms >= m.Span.StartMs && ms < m.Span.EndMs
}

// SameEvidence reports whether the given segment and frame id sets are
// identical to the ones the window was last built from.
func (m *Meta) SameEvidence(segIDs, frameIDs map[string]struct{}) bool {
	return sameSet(m.SegIDs, segIDs) && sameSet(m.FrameIDs, frameIDs)
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Emitted tracks the emitted windows of one session.
type Emitted struct {
	byID map[types.WindowID]*Meta
}

// NewEmitted returns an empty tracker.
func NewEmitted() *Emitted {
	return &Emitted{byID: make(map[types.WindowID]*Meta)}
}

// Record stores the evidence sets a window was built from. Re-recording
// an existing window bumps its revision counter.
func (e *Emitted) Record(span Span, segIDs, frameIDs map[string]struct{}) *Meta {
	m, ok := e.byID[span.ID]
	if !ok {
		m = &Meta{Span: span}
		e.byID[span.ID] = m
	} else {
		m.Revision++
	}
	m.SegIDs = segIDs
	m.FrameIDs = frameIDs
	return m
}

// Get returns the meta for a window id, or nil.
func (e *Emitted) Get(id types.WindowID) *Meta {
	return e.byID[id]
}

// Affected returns the emitted windows covering ms, sorted by window
// id. These are the revision candidates when evidence lands late.
func (e *Emitted) Affected(ms int64) []*Meta {
	var out []*Meta
	for _, m := range e.byID {
		if m.Covers(ms) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Span.ID < out[j].Span.ID })
	return out
}
