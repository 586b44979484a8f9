package recap

import (
	"encoding/json"
	"fmt"
	"strings"
)

// windowPrompt instructs the model to summarize one transcript window
// into the recap JSON contract. The caller appends the session context
// and the tagged transcript excerpt.
const windowPrompt = `You are a realtime meeting recap engine.
Input is one transcript window from one active session. Use ONLY the provided transcript text.

Return JSON ONLY (no markdown, no explanation). Must be valid JSON with double quotes.

Caller provides:
- session_kind: "meeting" or "course"
- current_topic_id
- window_start / window_end (seconds)

Hard rules:
- No hallucination.
- Never invent owner names, dates, or commitments.
- If information is missing, keep fields empty.
- Do NOT copy raw transcript tags/timestamps such as [SPEAKER_01 00:13].
- Recap must be semantic paraphrase, not transcript dump.

Output schema (must keep all keys):
{
  "recap_lines": ["...", "..."],
  "topics": [
    {"topic_id": "T1", "title": "short title", "description": "one line", "start_t": 0.0, "end_t": 60.0}
  ],
  "cheatsheet": [
    {"term": "...", "definition": "..."}
  ],
  "adr": {
    "actions": [{"task": "...", "owner": "", "due_date": "", "priority": "medium", "source_text": "..."}],
    "decisions": [{"title": "...", "rationale": "", "impact": "", "source_text": "..."}],
    "risks": [{"desc": "...", "severity": "low|medium|high", "mitigation": "", "owner": "", "source_text": "..."}]
  },
  "course_highlights": [
    {"kind": "concept|formula|example|note", "title": "...", "bullet": "...", "formula": ""}
  ]
}

Session constraints:
1) session_kind == "meeting"
- recap_lines: 3-6 concise bullets.
- topics: 2-5 if enough signal, otherwise at least 1.
- adr: fill from transcript evidence only.
- course_highlights: return [].

2) session_kind == "course"
- recap_lines: 3-6 concise learning bullets.
- topics: 2-5 learning topics if enough signal, otherwise at least 1.
- course_highlights: prioritize concepts/formulas/examples.
- adr.actions/decisions/risks: return [] for all.

Formatting constraints:
- Topic title max 8 words.
- start_t/end_t must be within [window_start, window_end].
- If low signal, still return stable JSON with best-effort arrays.`

// buildWindowPrompt appends the session context and excerpt to
// [windowPrompt].
func buildWindowPrompt(kind string, topicID string, startSec, endSec float64, excerpt string) string {
	return fmt.Sprintf("%s\n\nsession_kind: %s\ncurrent_topic_id: %s\nwindow_start: %.2f\nwindow_end: %.2f\nTranscript window:\n%s",
		windowPrompt, kind, topicID, startSec, endSec, excerpt)
}

// rawSummary is the lenient decode target for the model's window JSON.
// Fields the model mistyped simply decode to nil and fall back.
type rawSummary struct {
	RecapLines       any            `json:"recap_lines"`
	Recap            any            `json:"recap"`
	Topic            map[string]any `json:"topic"`
	Topics           any            `json:"topics"`
	Cheatsheet       any            `json:"cheatsheet"`
	Adr              map[string]any `json:"adr"`
	CourseHighlights any            `json:"course_highlights"`
}

// parseSummary decodes the model output, tolerating surrounding
// markdown code fences. parseOK is false when no JSON object could be
// decoded.
func parseSummary(raw string) (sum rawSummary, parseOK bool) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return rawSummary{}, false
	}
	if err := json.Unmarshal([]byte(text), &sum); err != nil {
		return rawSummary{}, false
	}
	return sum, true
}

// asText coerces any JSON value to a trimmed string.
func asText(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case nil:
		return ""
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%g", t))
	default:
		return ""
	}
}

// asFloat coerces a JSON number (or numeric string) to float64.
func asFloat(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(t), "%g", &f); err == nil {
			return f
		}
	}
	return def
}

// asList coerces a JSON value to a list of objects.
func asList(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// mapList reads a named list of objects from an object.
func mapList(m map[string]any, key string) []map[string]any {
	if m == nil {
		return nil
	}
	return asList(m[key])
}

// clampSpan fits a model-provided [start, end] into the window bounds,
// keeping end >= start.
func clampSpan(start, end, windowStart, windowEnd float64) (float64, float64) {
	s := min(max(start, windowStart), windowEnd)
	e := min(max(end, s), windowEnd)
	return s, e
}
