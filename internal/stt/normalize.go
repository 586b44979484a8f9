package stt

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// Normalize converts a raw STT response into transcript segments with
// absolute timestamps. Accepted shapes, in priority order:
//
//  1. Explicit segments: segments[], data.segments[], or
//     result.segments[], each with text plus optional speaker,
//     confidence, and relative times.
//  2. whisper.cpp style: transcription[] with offsets.from/to in
//     milliseconds or timestamps.from/to as "HH:MM:SS,mmm".
//  3. A bare text/transcript string, which becomes one segment
//     spanning the whole record.
//
// Relative segment starts resolve from an explicit "offset" mm:ss
// field, then numeric start/start_time/time_start (json integers are
// milliseconds, floats are seconds), else 0. Segments are sorted by
// (start_ms, seg_id).
func Normalize(sessionID string, rec types.AudioRecord, payload map[string]any) []types.TranscriptSegment {
	raw := extractSegments(payload)
	segments := make([]types.TranscriptSegment, 0, len(raw))
	for idx, seg := range raw {
		text := cleanText(firstString(seg, "text", "transcript", "sentence"))
		if text == "" {
			continue
		}

		speaker := cleanText(firstString(seg, "speaker", "speaker_label", "spk"))
		if speaker == "" {
			speaker = "SPEAKER_01"
		}

		confidence := 1.0
		if v, ok := seg["confidence"]; ok {
			if f, ok := toFloat(v); ok {
				confidence = f
			}
		}
		confidence = min(max(confidence, 0), 1)

		startRel, haveStart := parseMMSS(stringValue(seg["offset"]))
		if !haveStart {
			startRel, haveStart = coerceSecondsOrMs(firstValue(seg, "start", "start_time", "time_start"))
		}
		if !haveStart {
			startRel = 0
		}
		endRel, haveEnd := coerceSecondsOrMs(firstValue(seg, "end", "end_time", "time_end"))

		startMs := rec.StartMs + startRel
		var endMs int64
		if haveEnd {
			endMs = rec.StartMs + endRel
			if endMs < startMs {
				endMs = startMs
			}
		}

		segments = append(segments, types.TranscriptSegment{
			SegID:      types.SegmentID(sessionID, rec.RecordID, idx),
			SessionID:  sessionID,
			RecordID:   rec.RecordID,
			Speaker:    speaker,
			Offset:     types.FormatMMSS(startRel),
			StartMs:    startMs,
			EndMs:      endMs,
			Text:       text,
			Confidence: confidence,
		})
	}

	if len(segments) == 0 {
		if text := extractText(payload); text != "" {
			segments = append(segments, types.TranscriptSegment{
				SegID:      types.SegmentID(sessionID, rec.RecordID, 0),
				SessionID:  sessionID,
				RecordID:   rec.RecordID,
				Speaker:    "SPEAKER_01",
				Offset:     "00:00",
				StartMs:    rec.StartMs,
				EndMs:      rec.EndMs,
				Text:       text,
				Confidence: 1.0,
			})
		}
	}

	sort.Slice(segments, func(i, j int) bool {
		if segments[i].StartMs != segments[j].StartMs {
			return segments[i].StartMs < segments[j].StartMs
		}
		return segments[i].SegID < segments[j].SegID
	})
	return segments
}

// ErrorText extracts the error string from an STT payload, if any.
func ErrorText(payload map[string]any) string {
	return cleanText(stringValue(payload["error"]))
}

// extractSegments finds the raw segment list in any of the accepted
// containers.
func extractSegments(payload map[string]any) []map[string]any {
	containers := []map[string]any{payload}
	if data, ok := payload["data"].(map[string]any); ok {
		containers = append(containers, data)
	}
	if result, ok := payload["result"].(map[string]any); ok {
		containers = append(containers, result)
	}

	for _, c := range containers {
		if list := dictList(c["segments"]); len(list) > 0 {
			return list
		}
	}

	// whisper.cpp shape: transcription[] with offsets or timestamps.
	for _, c := range containers {
		items := dictList(c["transcription"])
		if len(items) == 0 {
			continue
		}
		converted := make([]map[string]any, 0, len(items))
		for _, item := range items {
			text := cleanText(stringValue(item["text"]))
			if text == "" {
				continue
			}
			seg := map[string]any{"text": text, "speaker": "SPEAKER_01"}
			if offsets, ok := item["offsets"].(map[string]any); ok {
				if v, ok := offsets["from"]; ok && v != nil {
					seg["start"] = v
				}
				if v, ok := offsets["to"]; ok && v != nil {
					seg["end"] = v
				}
			}
			if timestamps, ok := item["timestamps"].(map[string]any); ok {
				if _, have := seg["start"]; !have {
					if ms, ok := parseHHMMSSms(stringValue(timestamps["from"])); ok {
						seg["start"] = json.Number(strconv.FormatInt(ms, 10))
					}
				}
				if _, have := seg["end"]; !have {
					if ms, ok := parseHHMMSSms(stringValue(timestamps["to"])); ok {
						seg["end"] = json.Number(strconv.FormatInt(ms, 10))
					}
				}
			}
			converted = append(converted, seg)
		}
		if len(converted) > 0 {
			return converted
		}
	}
	return nil
}

// extractText finds a bare transcript string for the single-segment
// fallback.
func extractText(payload map[string]any) string {
	for _, key := range []string{"text", "transcript"} {
		if s := cleanText(stringValue(payload[key])); s != "" {
			return s
		}
	}
	if s := cleanText(stringValue(payload["result"])); s != "" {
		return s
	}
	if result, ok := payload["result"].(map[string]any); ok {
		for _, key := range []string{"text", "transcript"} {
			if s := cleanText(stringValue(result[key])); s != "" {
				return s
			}
		}
	}
	if data, ok := payload["data"].(map[string]any); ok {
		for _, key := range []string{"text", "transcript", "result"} {
			if s := cleanText(stringValue(data[key])); s != "" {
				return s
			}
		}
	}
	return ""
}

func dictList(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func firstString(seg map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringValue(seg[key]); s != "" {
			return s
		}
	}
	return ""
}

func firstValue(seg map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := seg[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// parseMMSS parses "mm:ss" into milliseconds.
func parseMMSS(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, false
	}
	mins, err1 := strconv.Atoi(parts[0])
	secs, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || mins < 0 || secs < 0 || secs > 59 {
		return 0, false
	}
	return int64(mins)*60_000 + int64(secs)*1_000, true
}

// parseHHMMSSms parses "HH:MM:SS,mmm" (whisper.cpp timestamps) into
// milliseconds.
func parseHHMMSSms(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	main, msPart, ok := strings.Cut(s, ",")
	if !ok {
		return 0, false
	}
	parts := strings.Split(main, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err1 := strconv.Atoi(parts[0])
	mins, err2 := strconv.Atoi(parts[1])
	secs, err3 := strconv.Atoi(parts[2])
	millis, err4 := strconv.Atoi(msPart)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return 0, false
	}
	return int64(hours)*3_600_000 + int64(mins)*60_000 + int64(secs)*1_000 + int64(millis), true
}

// coerceSecondsOrMs converts a numeric value to milliseconds: JSON
// integers are already milliseconds, floats are seconds.
func coerceSecondsOrMs(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f * 1000), true
		}
		return 0, false
	case float64:
		// Reached when the payload was decoded without UseNumber; an
		// integral value is assumed to be milliseconds.
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return int64(n * 1000), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f * 1000), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
