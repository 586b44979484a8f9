// Package recap builds the recap_window_ready payload for each closed
// window of a session: an LLM pass over the window's transcript
// evidence, followed by deterministic coercion, session-kind shaping,
// and citation attachment. The engine degrades gracefully — with no
// model configured, or when the model returns garbage, it still emits
// a stable payload built from the transcript alone.
package recap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lucasvandyk/recapd/internal/observe"
	"github.com/lucasvandyk/recapd/pkg/provider/llm"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// Limits on payload list sizes.
const (
	maxRecapLines = 6
	maxTopics     = 5
	maxCheatsheet = 8
	maxAdrItems   = 8
	maxHighlights = 10
)

// Input is everything the engine needs to build one window revision.
// The caller gathers evidence under the session lock and passes copies.
type Input struct {
	SessionID   string
	Kind        types.SessionKind
	MeetingType string

	// WindowKey is the wire window_id, StartMs/EndMs the span in
	// session-relative milliseconds, Revision the 1-based revision.
	WindowKey string
	StartMs   int64
	EndMs     int64
	Revision  int

	// Segments and Frames are the window's evidence, sorted.
	Segments []types.TranscriptSegment
	Frames   []types.CapturedFrame

	// Topic is the current canonical topic carried across windows.
	Topic types.CanonicalTopic
}

// Engine turns window evidence into recap payloads.
type Engine struct {
	llm     llm.Provider
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewEngine returns an engine. provider may be nil; the engine then
// always uses the deterministic fallback path.
func NewEngine(provider llm.Provider, metrics *observe.Metrics, log *slog.Logger) *Engine {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{llm: provider, metrics: metrics, log: log}
}

// Build produces the payload for one window revision. It never fails:
// model errors are logged and absorbed by the fallback path.
func (e *Engine) Build(ctx context.Context, in Input) types.RecapPayload {
	start := time.Now()
	defer func() {
		e.metrics.RecapDuration.Record(ctx, time.Since(start).Seconds())
	}()

	windowStartSec := float64(max(0, in.StartMs)) / 1000.0
	windowEndSec := float64(max(0, in.EndMs)) / 1000.0
	kind := in.Kind
	if kind != types.KindCourse {
		kind = types.KindMeeting
	}

	topicID := in.Topic.TopicID
	if topicID == "" {
		topicID = "T0"
	}
	topicTitle := in.Topic.Title
	if topicTitle == "" {
		topicTitle = "General"
	}

	excerpt := excerptOf(in.Segments)
	sum, parseOK, modelName := e.summarize(ctx, string(kind), topicID, windowStartSec, windowEndSec, excerpt)

	recapLines := coerceRecapLines(sum, excerpt, parseOK)
	citations := citationBundle(in.Segments, in.Frames)

	// Canonical topic: the model's primary topic clamped to the window,
	// falling back to the carried context.
	canonical := types.CanonicalTopic{
		TopicID: topicID,
		Title:   topicTitle,
		StartT:  windowStartSec,
		EndT:    windowEndSec,
	}
	if sum.Topic != nil {
		id := asText(sum.Topic["topic_id"])
		title := asText(sum.Topic["title"])
		if id != "" {
			canonical.TopicID = id
		}
		if title != "" {
			canonical.Title = title
		}
		s, t := clampSpan(
			asFloat(sum.Topic["start_t"], windowStartSec),
			asFloat(sum.Topic["end_t"], windowEndSec),
			windowStartSec, windowEndSec)
		canonical.StartT, canonical.EndT = s, t
		canonical.NewTopic = canonical.TopicID != topicID
	}

	recap := make([]types.RecapItem, 0, len(recapLines))
	for idx, line := range recapLines {
		recap = append(recap, types.RecapItem{
			ID:        fmt.Sprintf("%s:recap:%d", in.WindowKey, idx),
			Text:      line,
			TopicID:   canonical.TopicID,
			Topic:     canonical.Title,
			Citations: firstCitations(citations, 2),
		})
	}

	topics := coerceTopics(sum, canonical, recapLines, windowStartSec, windowEndSec, citations)
	cheatsheet := coerceCheatsheet(sum, in, citations)
	actions, decisions, risks := coerceAdr(sum, in.WindowKey)
	highlights := coerceHighlights(sum, in.WindowKey, citations)

	if kind == types.KindCourse {
		actions, decisions, risks = nil, nil, nil
		if len(highlights) == 0 {
			for _, entry := range cheatsheet {
				if len(highlights) >= 5 {
					break
				}
				highlights = append(highlights, types.CourseHighlight{
					ID:        fmt.Sprintf("%s:h:%d", in.WindowKey, len(highlights)),
					Kind:      "concept",
					Title:     entry.Term,
					Bullet:    entry.Definition,
					Citations: entry.Citations,
				})
			}
		}
	} else {
		highlights = nil
	}

	meetingType := in.MeetingType
	if meetingType == "" {
		meetingType = "project_meeting"
	}

	return types.RecapPayload{
		WindowID:         in.WindowKey,
		StartTsMs:        in.StartMs,
		EndTsMs:          in.EndMs,
		Revision:         in.Revision,
		SessionKind:      kind,
		MeetingType:      meetingType,
		ModelName:        modelName,
		Recap:            recap,
		Topic:            canonical,
		Topics:           topics,
		Cheatsheet:       cheatsheet,
		Citations:        citations,
		Actions:          actions,
		Decisions:        decisions,
		Risks:            risks,
		CourseHighlights: highlights,
		Intent:           types.NoIntent(),
	}
}

// summarize runs the model pass. With no provider, or on any model or
// parse failure, it returns an empty summary with parseOK false.
func (e *Engine) summarize(ctx context.Context, kind, topicID string, startSec, endSec float64, excerpt string) (rawSummary, bool, string) {
	modelName := "LLM"
	if e.llm == nil {
		return rawSummary{}, false, modelName
	}
	modelName = e.llm.ModelID()

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []types.Message{{
			Role:    "user",
			Content: buildWindowPrompt(kind, topicID, startSec, endSec, excerpt),
		}},
		Temperature: 0.2,
		MaxTokens:   512,
	})
	if err != nil {
		e.log.Warn("recap model call failed", "err", err)
		return rawSummary{}, false, modelName
	}

	sum, ok := parseSummary(resp.Content)
	if !ok {
		e.log.Warn("recap model returned unparseable output", "raw_len", len(resp.Content))
	}
	return sum, ok, modelName
}

// coerceRecapLines extracts, sanitizes, and caps the recap lines.
func coerceRecapLines(sum rawSummary, excerpt string, parseOK bool) []string {
	var lines []string
	appendLine := func(raw string) {
		if clean := sanitizeLine(raw); clean != "" {
			lines = append(lines, clean)
		}
	}

	switch raw := sum.RecapLines.(type) {
	case []any:
		for _, item := range raw {
			appendLine(asText(item))
		}
	case string:
		for _, part := range splitLines(raw) {
			appendLine(part)
		}
	}
	if len(lines) == 0 {
		for _, part := range splitLines(asText(sum.Recap)) {
			appendLine(part)
		}
	}

	if len(lines) == 0 && !parseOK {
		appendLine(fallbackRecap(excerpt))
	}
	if len(lines) == 0 {
		lines = []string{emptyWindowRecap}
	}
	if len(lines) > maxRecapLines {
		lines = lines[:maxRecapLines]
	}
	return lines
}

// splitLines breaks a recap blob into candidate lines on newlines and
// sentence ends.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	cur := make([]rune, 0, len(text))
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		switch r {
		case '\n', '.':
			flush()
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return out
}

// coerceTopics extracts the topic list, defaulting to a single topic
// covering the window.
func coerceTopics(sum rawSummary, canonical types.CanonicalTopic, recapLines []string, windowStartSec, windowEndSec float64, citations []types.Citation) []types.Topic {
	var topics []types.Topic
	for _, item := range asList(sum.Topics) {
		id := asText(item["topic_id"])
		if id == "" {
			id = canonical.TopicID
		}
		title := asText(item["title"])
		if title == "" {
			title = canonical.Title
		}
		desc := asText(item["description"])
		if desc == "" && len(recapLines) > 0 {
			desc = recapLines[0]
		}
		s, t := clampSpan(
			asFloat(item["start_t"], windowStartSec),
			asFloat(item["end_t"], windowEndSec),
			windowStartSec, windowEndSec)
		topics = append(topics, types.Topic{
			TopicID:     id,
			Title:       title,
			Description: desc,
			StartT:      s,
			EndT:        t,
			Citations:   firstCitations(citations, 2),
		})
	}

	if len(topics) == 0 {
		desc := "Summary topic"
		if len(recapLines) > 0 {
			desc = recapLines[0]
		}
		topics = []types.Topic{{
			TopicID:     canonical.TopicID,
			Title:       canonical.Title,
			Description: desc,
			StartT:      canonical.StartT,
			EndT:        canonical.EndT,
			Citations:   firstCitations(citations, 2),
		}}
	}
	if len(topics) > maxTopics {
		topics = topics[:maxTopics]
	}
	return topics
}

// coerceCheatsheet extracts term/definition pairs, falling back to
// frequent transcript terms when the model returned none.
func coerceCheatsheet(sum rawSummary, in Input, citations []types.Citation) []types.CheatsheetEntry {
	var entries []types.CheatsheetEntry
	for _, item := range asList(sum.Cheatsheet) {
		term := asText(item["term"])
		definition := asText(item["definition"])
		if term == "" || definition == "" {
			continue
		}
		entries = append(entries, types.CheatsheetEntry{
			Term:       term,
			Definition: definition,
			Citations:  firstCitations(citations, 1),
		})
	}

	if len(entries) == 0 {
		def := fmt.Sprintf("Mentioned concept in window %s-%s.",
			types.FormatMMSS(in.StartMs), types.FormatMMSS(in.EndMs))
		for _, term := range extractTerms(in.Segments) {
			if len(entries) >= 5 {
				break
			}
			entries = append(entries, types.CheatsheetEntry{
				Term:       term,
				Definition: def,
				Citations:  firstCitations(citations, 1),
			})
		}
	}
	if len(entries) > maxCheatsheet {
		entries = entries[:maxCheatsheet]
	}
	return entries
}

// coerceAdr extracts the action/decision/risk lists.
func coerceAdr(sum rawSummary, windowKey string) ([]types.ActionItem, []types.Decision, []types.Risk) {
	var actions []types.ActionItem
	for _, item := range mapList(sum.Adr, "actions") {
		task := asText(item["task"])
		if task == "" {
			task = asText(item["description"])
		}
		if task == "" {
			continue
		}
		priority := asText(item["priority"])
		if priority == "" {
			priority = "medium"
		}
		due := asText(item["due_date"])
		if due == "" {
			due = asText(item["deadline"])
		}
		actions = append(actions, types.ActionItem{
			ID:         fmt.Sprintf("%s:a:%d", windowKey, len(actions)),
			Task:       task,
			Owner:      asText(item["owner"]),
			DueDate:    due,
			Priority:   priority,
			SourceText: asText(item["source_text"]),
		})
		if len(actions) >= maxAdrItems {
			break
		}
	}

	var decisions []types.Decision
	for _, item := range mapList(sum.Adr, "decisions") {
		title := asText(item["title"])
		if title == "" {
			title = asText(item["description"])
		}
		if title == "" {
			continue
		}
		decisions = append(decisions, types.Decision{
			ID:         fmt.Sprintf("%s:d:%d", windowKey, len(decisions)),
			Title:      title,
			Rationale:  asText(item["rationale"]),
			Impact:     asText(item["impact"]),
			SourceText: asText(item["source_text"]),
		})
		if len(decisions) >= maxAdrItems {
			break
		}
	}

	var risks []types.Risk
	for _, item := range mapList(sum.Adr, "risks") {
		desc := asText(item["desc"])
		if desc == "" {
			desc = asText(item["description"])
		}
		if desc == "" {
			continue
		}
		severity := strings.ToLower(asText(item["severity"]))
		switch severity {
		case "low", "medium", "high":
		default:
			severity = "medium"
		}
		risks = append(risks, types.Risk{
			ID:         fmt.Sprintf("%s:r:%d", windowKey, len(risks)),
			Desc:       desc,
			Severity:   severity,
			Mitigation: asText(item["mitigation"]),
			Owner:      asText(item["owner"]),
			SourceText: asText(item["source_text"]),
		})
		if len(risks) >= maxAdrItems {
			break
		}
	}

	return actions, decisions, risks
}

// coerceHighlights extracts course highlights with validated kinds.
func coerceHighlights(sum rawSummary, windowKey string, citations []types.Citation) []types.CourseHighlight {
	var highlights []types.CourseHighlight
	for _, item := range asList(sum.CourseHighlights) {
		kind := strings.ToLower(asText(item["kind"]))
		switch kind {
		case "concept", "formula", "example", "note":
		default:
			kind = "concept"
		}
		title := asText(item["title"])
		bullet := asText(item["bullet"])
		if title == "" && bullet == "" {
			continue
		}
		if title == "" {
			title = bullet
		}
		if bullet == "" {
			bullet = title
		}
		highlights = append(highlights, types.CourseHighlight{
			ID:        fmt.Sprintf("%s:h:%d", windowKey, len(highlights)),
			Kind:      kind,
			Title:     title,
			Bullet:    bullet,
			Formula:   asText(item["formula"]),
			Citations: firstCitations(citations, 2),
		})
		if len(highlights) >= maxHighlights {
			break
		}
	}
	return highlights
}

// citationBundle builds the window's evidence pointers: the first eight
// transcript segments and the first four captured frames.
func citationBundle(segs []types.TranscriptSegment, frames []types.CapturedFrame) []types.Citation {
	var citations []types.Citation
	for i, seg := range segs {
		if i >= 8 {
			break
		}
		citations = append(citations, types.Citation{
			Type:    "transcript",
			SegID:   seg.SegID,
			TsMs:    seg.StartMs,
			Speaker: seg.Speaker,
		})
	}
	for i, f := range frames {
		if i >= 4 {
			break
		}
		citations = append(citations, types.Citation{
			Type:    "image",
			FrameID: f.FrameID,
			TsMs:    f.TsMs,
			URI:     f.URI,
		})
	}
	return citations
}

// firstCitations returns up to n leading citations, or nil.
func firstCitations(citations []types.Citation, n int) []types.Citation {
	if len(citations) == 0 {
		return nil
	}
	if len(citations) > n {
		citations = citations[:n]
	}
	out := make([]types.Citation, len(citations))
	copy(out, citations)
	return out
}
