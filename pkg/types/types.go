// Package types defines the shared domain types used across the recapd
// pipeline: audio records, transcript segments, captured frames, recap
// windows, Q&A artifacts, and the event envelope published on the
// per-session bus.
//
// These types are deliberately free of behavior beyond small helpers so
// they can be imported by every layer (ingest, pipeline, persistence,
// websocket server) without cycles.
package types

import (
	"fmt"
	"strings"
)

// AudioFormat describes the PCM stream a client intends to send. The
// server accepts exactly one format per session; a mismatch at
// audio_start time closes the connection.
type AudioFormat struct {
	// Codec is the audio codec identifier, e.g. "pcm_s16le".
	Codec string `json:"codec" yaml:"codec"`

	// SampleRateHz is the sample rate in Hertz.
	SampleRateHz int `json:"sample_rate_hz" yaml:"sample_rate_hz"`

	// Channels is the channel count.
	Channels int `json:"channels" yaml:"channels"`
}

// DefaultAudioFormat is the only ingest format supported by the batch
// STT path: 16 kHz mono signed-16 little-endian PCM.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{Codec: "pcm_s16le", SampleRateHz: 16000, Channels: 1}
}

// Equal reports whether two formats describe the same stream.
func (f AudioFormat) Equal(other AudioFormat) bool {
	return strings.EqualFold(f.Codec, other.Codec) &&
		f.SampleRateHz == other.SampleRateHz &&
		f.Channels == other.Channels
}

// ROI is a region-of-interest rectangle in source-image pixel
// coordinates. A zero-value ROI means "full frame".
type ROI struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// IsZero reports whether the ROI is unset.
func (r ROI) IsZero() bool { return r == ROI{} }

// Clamp fits the ROI inside an image of the given dimensions, keeping
// width and height at least 1. A zero ROI clamps to the full image.
func (r ROI) Clamp(imgW, imgH int) ROI {
	if r.IsZero() {
		return ROI{X: 0, Y: 0, W: imgW, H: imgH}
	}
	x := min(max(0, r.X), max(0, imgW-1))
	y := min(max(0, r.Y), max(0, imgH-1))
	w := min(max(1, r.W), max(1, imgW-x))
	h := min(max(1, r.H), max(1, imgH-y))
	return ROI{X: x, Y: y, W: w, H: h}
}

// AudioRecord is a contiguous slice of session audio finalized by the
// rotator and submitted to the batch STT service as one unit. PCM is
// discarded once the record has been transcribed.
type AudioRecord struct {
	SessionID string
	RecordID  int64
	StartMs   int64
	EndMs     int64
	PCM       []byte
}

// TranscriptSegment is one transcript line produced by the STT backend
// for an audio record. EndMs is zero when the backend did not report an
// end time.
type TranscriptSegment struct {
	SegID      string  `json:"seg_id"`
	SessionID  string  `json:"-"`
	RecordID   int64   `json:"-"`
	Speaker    string  `json:"speaker"`
	Offset     string  `json:"offset"`
	StartMs    int64   `json:"start_ts_ms"`
	EndMs      int64   `json:"end_ts_ms,omitempty"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// SegmentID builds the canonical composite segment key.
func SegmentID(sessionID string, recordID int64, index int) string {
	return fmt.Sprintf("%s:r%d:s%03d", sessionID, recordID, index)
}

// DiffScore carries the perceptual-diff measurements that confirmed a
// slide change.
type DiffScore struct {
	HashDist float64 `json:"hash_dist"`
	SSIM     float64 `json:"ssim"`
}

// CapturedFrame is the metadata of a stored slide-change capture.
type CapturedFrame struct {
	FrameID   string    `json:"frame_id"`
	SessionID string    `json:"-"`
	TsMs      int64     `json:"ts_ms"`
	ROI       ROI       `json:"roi"`
	Checksum  string    `json:"checksum"`
	URI       string    `json:"uri"`
	DiffScore DiffScore `json:"diff_score"`
	Reason    string    `json:"reason"`
}

// CaptureReasonChangeConfirmed is the only capture reason emitted by
// this release.
const CaptureReasonChangeConfirmed = "change_confirmed"

// WindowID is the ordinal of a window on a session's timeline, starting
// at 1. The wire key is built by [WindowKey].
type WindowID int64

// WindowKey builds the canonical recap window wire key.
func WindowKey(sessionID string, startMs, endMs int64) string {
	return fmt.Sprintf("%s:%d:%d", sessionID, startMs, endMs)
}

// Citation is an evidence pointer attached to recap lines, topics, and
// Q&A answers. Type is "transcript", "image", "document", or "web";
// unused fields stay empty.
type Citation struct {
	Type    string `json:"type,omitempty"`
	SegID   string `json:"seg_id,omitempty"`
	FrameID string `json:"frame_id,omitempty"`
	TsMs    int64  `json:"ts_ms,omitempty"`
	Speaker string `json:"speaker,omitempty"`
	URI     string `json:"uri,omitempty"`
	Source  string `json:"source,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Topic is one recap topic with times in seconds relative to session
// start, clamped to the window bounds.
type Topic struct {
	TopicID     string     `json:"topic_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	StartT      float64    `json:"start_t"`
	EndT        float64    `json:"end_t"`
	Citations   []Citation `json:"citations,omitempty"`
}

// CanonicalTopic is the single "current topic" carried on a recap
// window payload for topic continuity across windows.
type CanonicalTopic struct {
	NewTopic bool    `json:"new_topic"`
	TopicID  string  `json:"topic_id"`
	Title    string  `json:"title"`
	StartT   float64 `json:"start_t"`
	EndT     float64 `json:"end_t"`
}

// RecapItem is one recap line with its stable id and citations.
type RecapItem struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	TopicID   string     `json:"topic_id"`
	Topic     string     `json:"topic"`
	Citations []Citation `json:"citations,omitempty"`
}

// CheatsheetEntry is a term/definition pair extracted for the window.
type CheatsheetEntry struct {
	Term       string     `json:"term"`
	Definition string     `json:"definition"`
	Citations  []Citation `json:"citations,omitempty"`
}

// ActionItem is an extracted action (meeting sessions only).
type ActionItem struct {
	ID         string `json:"id"`
	Task       string `json:"task"`
	Owner      string `json:"owner"`
	DueDate    string `json:"due_date"`
	Priority   string `json:"priority"`
	SourceText string `json:"source_text"`
}

// Decision is an extracted decision (meeting sessions only).
type Decision struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Rationale  string `json:"rationale"`
	Impact     string `json:"impact"`
	SourceText string `json:"source_text"`
}

// Risk is an extracted risk (meeting sessions only). Severity is one of
// low, medium, high.
type Risk struct {
	ID         string `json:"id"`
	Desc       string `json:"desc"`
	Severity   string `json:"severity"`
	Mitigation string `json:"mitigation"`
	Owner      string `json:"owner"`
	SourceText string `json:"source_text"`
}

// CourseHighlight is a learning highlight (course sessions only). Kind
// is one of concept, formula, example, note.
type CourseHighlight struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Title     string     `json:"title"`
	Bullet    string     `json:"bullet"`
	Formula   string     `json:"formula"`
	Citations []Citation `json:"citations,omitempty"`
}

// IntentPayload is the classified speaker intent for the window. The
// default label is NO_INTENT.
type IntentPayload struct {
	Label string         `json:"label"`
	Slots map[string]any `json:"slots"`
}

// NoIntent returns the neutral intent payload.
func NoIntent() IntentPayload {
	return IntentPayload{Label: "NO_INTENT", Slots: map[string]any{}}
}

// RecapPayload is the full recap_window_ready payload for one window
// revision.
type RecapPayload struct {
	WindowID         string            `json:"window_id"`
	StartTsMs        int64             `json:"start_ts_ms"`
	EndTsMs          int64             `json:"end_ts_ms"`
	Revision         int               `json:"revision"`
	SessionKind      SessionKind       `json:"session_kind"`
	MeetingType      string            `json:"meeting_type"`
	ModelName        string            `json:"model_name"`
	Recap            []RecapItem       `json:"recap"`
	Topic            CanonicalTopic    `json:"topic"`
	Topics           []Topic           `json:"topics"`
	Cheatsheet       []CheatsheetEntry `json:"cheatsheet"`
	Citations        []Citation        `json:"citations"`
	Actions          []ActionItem      `json:"actions"`
	Decisions        []Decision        `json:"decisions"`
	Risks            []Risk            `json:"risks"`
	CourseHighlights []CourseHighlight `json:"course_highlights"`
	Intent           IntentPayload     `json:"intent_payload"`
}

// SessionKind shapes the recap prompt and payload for a session.
type SessionKind string

const (
	// KindMeeting produces action/decision/risk extraction.
	KindMeeting SessionKind = "meeting"

	// KindCourse produces learning highlights instead of ADR lists.
	KindCourse SessionKind = "course"
)

// KindFromMeetingType maps a free-form external meeting type onto a
// session kind. Study-oriented types become course sessions; everything
// else is a meeting.
func KindFromMeetingType(meetingType string) SessionKind {
	switch strings.ToLower(strings.TrimSpace(meetingType)) {
	case "study_session", "course", "learning", "lesson", "class":
		return KindCourse
	default:
		return KindMeeting
	}
}

// Tier identifies which retrieval tier produced a Q&A answer.
type Tier int

const (
	// Tier0Session answers from in-session transcript and frames.
	Tier0Session Tier = iota

	// Tier1Docs answers from indexed meeting documents.
	Tier1Docs

	// Tier2Web answers from an approved external web search.
	Tier2Web

	// TierBlocked marks a refused escalation.
	TierBlocked
)

// String returns the wire name of the tier.
func (t Tier) String() string {
	switch t {
	case Tier0Session:
		return "tier0_session"
	case Tier1Docs:
		return "tier1_docs"
	case Tier2Web:
		return "tier2_web"
	case TierBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ProposalStatus is the lifecycle state of a tool-call proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// ToolCallProposal is a pending human-approval request for a Tier-2 web
// search.
type ToolCallProposal struct {
	ProposalID       string         `json:"proposal_id"`
	SessionID        string         `json:"-"`
	QueryID          string         `json:"query_id"`
	Question         string         `json:"question"`
	Reason           string         `json:"reason"`
	SuggestedQueries []string       `json:"suggested_queries"`
	Risk             string         `json:"risk"`
	Status           ProposalStatus `json:"status"`
	Constraints      map[string]any `json:"constraints,omitempty"`
	CreatedMs        int64          `json:"-"`
}

// QnaEvent is one entry of the append-only Q&A log.
type QnaEvent struct {
	QueryID   string     `json:"query_id"`
	SessionID string     `json:"-"`
	Question  string     `json:"question"`
	Answer    string     `json:"answer"`
	TierUsed  string     `json:"tier_used"`
	Citations []Citation `json:"citations"`
}

// FormatMMSS renders a millisecond offset as "mm:ss". Negative values
// clamp to zero; minutes may exceed 59.
func FormatMMSS(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	totalSec := ms / 1000
	return fmt.Sprintf("%02d:%02d", totalSec/60, totalSec%60)
}
