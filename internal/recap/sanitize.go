package recap

import (
	"regexp"
	"strings"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// transcriptTagRe matches inline transcript tags such as
// "[SPEAKER_01 00:13]" or "[Alice 1:02:45]". Recap lines must never
// echo them.
var transcriptTagRe = regexp.MustCompile(`\[[^\]]*\d{1,2}:\d{2}(?::\d{2})?[^\]]*\]`)

// speakerLabelRe matches bare "SPEAKER_01:" style labels.
var speakerLabelRe = regexp.MustCompile(`(?i)\bSPEAKER[_\s-]*\d+\s*:?`)

var spaceRe = regexp.MustCompile(`\s+`)

// sanitizeTranscript strips timing tags and speaker labels from a raw
// transcript excerpt, collapsing whitespace.
func sanitizeTranscript(text string) string {
	body := strings.TrimSpace(text)
	if body == "" {
		return ""
	}
	body = transcriptTagRe.ReplaceAllString(body, " ")
	body = speakerLabelRe.ReplaceAllString(body, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(body, " "))
}

// sanitizeLine cleans one model-produced recap line and truncates
// runaway output.
func sanitizeLine(line string) string {
	value := strings.TrimSpace(line)
	if value == "" {
		return ""
	}
	value = transcriptTagRe.ReplaceAllString(value, " ")
	value = speakerLabelRe.ReplaceAllString(value, " ")
	value = strings.TrimSpace(spaceRe.ReplaceAllString(value, " "))
	if len(value) > 420 {
		value = strings.TrimRight(value[:420], " ") + "..."
	}
	return value
}

// emptyWindowRecap is the recap line for a window with no transcript.
const emptyWindowRecap = "No transcript available for this window."

// fallbackRecap builds the deterministic recap line used when the model
// is unavailable or returned garbage: the first sentence of the
// sanitized transcript, truncated to 180 characters and prefixed
// "Status: ", or the bare empty-window line when there is nothing to
// summarize.
func fallbackRecap(excerpt string) string {
	body := sanitizeTranscript(excerpt)
	if body == "" {
		return emptyWindowRecap
	}
	sentence := body
	if idx := strings.IndexAny(body, ".!?"); idx >= 0 {
		sentence = strings.TrimSpace(body[:idx+1])
	}
	if len(sentence) > 180 {
		sentence = strings.TrimRight(sentence[:180], " ") + "..."
	}
	if sentence == "" {
		return emptyWindowRecap
	}
	return "Status: " + sentence
}

// excerptOf renders the transcript evidence of a window in the tagged
// form the model prompt expects: one "[speaker mm:ss] text" line per
// segment.
func excerptOf(segs []types.TranscriptSegment) string {
	var b strings.Builder
	for i, seg := range segs {
		if i > 0 {
			b.WriteByte('\n')
		}
		speaker := seg.Speaker
		if speaker == "" {
			speaker = "SPEAKER_00"
		}
		b.WriteString("[")
		b.WriteString(speaker)
		b.WriteString(" ")
		b.WriteString(types.FormatMMSS(seg.StartMs))
		b.WriteString("] ")
		b.WriteString(seg.Text)
	}
	return b.String()
}
