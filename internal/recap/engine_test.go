package recap_test

import (
	"context"
	"strings"
	"testing"

	"github.com/lucasvandyk/recapd/internal/recap"
	"github.com/lucasvandyk/recapd/pkg/provider/llm"
	llmmock "github.com/lucasvandyk/recapd/pkg/provider/llm/mock"
	"github.com/lucasvandyk/recapd/pkg/types"
)

func seg(id string, startMs int64, speaker, text string) types.TranscriptSegment {
	return types.TranscriptSegment{
		SegID:   id,
		StartMs: startMs,
		EndMs:   startMs + 2_000,
		Speaker: speaker,
		Text:    text,
	}
}

func meetingInput(segs ...types.TranscriptSegment) recap.Input {
	return recap.Input{
		SessionID:   "s1",
		Kind:        types.KindMeeting,
		MeetingType: "project_meeting",
		WindowKey:   "s1:0:120000",
		StartMs:     0,
		EndMs:       120_000,
		Revision:    1,
		Segments:    segs,
	}
}

const modelJSON = `{
  "recap_lines": ["Team agreed to ship the beta on Friday", "Budget review moved to next week"],
  "topics": [{"topic_id": "T1", "title": "Beta launch", "description": "Launch readiness", "start_t": 0, "end_t": 60}],
  "topic": {"topic_id": "T1", "title": "Beta launch", "start_t": 0, "end_t": 60},
  "cheatsheet": [{"term": "beta", "definition": "The pre-release build"}],
  "adr": {
    "actions": [{"task": "Ship the beta", "owner": "An", "priority": "high"}],
    "decisions": [{"title": "Launch Friday"}],
    "risks": [{"desc": "QA backlog", "severity": "urgent"}]
  },
  "course_highlights": []
}`

func TestBuildParsesModelOutput(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: modelJSON},
		ModelIDValue:     "test-model",
	}
	e := recap.NewEngine(p, nil, nil)

	got := e.Build(context.Background(), meetingInput(
		seg("s1:r1:s000", 1_000, "SPEAKER_00", "we ship the beta on Friday"),
		seg("s1:r1:s001", 4_000, "SPEAKER_01", "budget review moves to next week"),
	))

	if got.WindowID != "s1:0:120000" || got.Revision != 1 {
		t.Fatalf("window identity = %q rev %d", got.WindowID, got.Revision)
	}
	if got.ModelName != "test-model" {
		t.Errorf("model name = %q", got.ModelName)
	}
	if len(got.Recap) != 2 {
		t.Fatalf("got %d recap items, want 2", len(got.Recap))
	}
	if got.Recap[0].ID != "s1:0:120000:recap:0" {
		t.Errorf("recap item id = %q", got.Recap[0].ID)
	}
	if got.Topic.TopicID != "T1" || !got.Topic.NewTopic {
		t.Errorf("canonical topic = %+v", got.Topic)
	}
	if len(got.Actions) != 1 || got.Actions[0].ID != "s1:0:120000:a:0" {
		t.Errorf("actions = %+v", got.Actions)
	}
	if len(got.Risks) != 1 || got.Risks[0].Severity != "medium" {
		t.Errorf("invalid severity not normalized: %+v", got.Risks)
	}
	if len(got.CourseHighlights) != 0 {
		t.Errorf("meeting session has highlights: %+v", got.CourseHighlights)
	}
	if got.Intent.Label != "NO_INTENT" {
		t.Errorf("intent = %+v", got.Intent)
	}
}

func TestBuildFallbackWithoutProvider(t *testing.T) {
	e := recap.NewEngine(nil, nil, nil)

	got := e.Build(context.Background(), meetingInput(
		seg("s1:r1:s000", 1_000, "SPEAKER_00", "The deployment pipeline broke twice today. We rolled back."),
	))

	if len(got.Recap) != 1 {
		t.Fatalf("got %d recap items, want 1", len(got.Recap))
	}
	if !strings.HasPrefix(got.Recap[0].Text, "Status: ") {
		t.Errorf("fallback line = %q", got.Recap[0].Text)
	}
	if strings.Contains(got.Recap[0].Text, "[SPEAKER") {
		t.Errorf("fallback echoes transcript tags: %q", got.Recap[0].Text)
	}
	if got.ModelName != "LLM" {
		t.Errorf("model name = %q", got.ModelName)
	}
	if len(got.Topics) != 1 || got.Topics[0].TopicID != "T0" {
		t.Errorf("default topic = %+v", got.Topics)
	}
}

func TestBuildEmptyWindow(t *testing.T) {
	e := recap.NewEngine(nil, nil, nil)

	got := e.Build(context.Background(), meetingInput())

	if len(got.Recap) != 1 {
		t.Fatalf("got %d recap items, want 1", len(got.Recap))
	}
	if got.Recap[0].Text != "No transcript available for this window." {
		t.Errorf("empty-window line = %q", got.Recap[0].Text)
	}
	if len(got.Citations) != 0 {
		t.Errorf("empty window has citations: %+v", got.Citations)
	}
}

func TestBuildCourseShaping(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: modelJSON},
		ModelIDValue:     "test-model",
	}
	e := recap.NewEngine(p, nil, nil)

	in := meetingInput(
		seg("s1:r1:s000", 1_000, "SPEAKER_00", "gradient descent minimizes the loss function"),
	)
	in.Kind = types.KindCourse
	got := e.Build(context.Background(), in)

	if len(got.Actions)+len(got.Decisions)+len(got.Risks) != 0 {
		t.Errorf("course session kept ADR lists: %+v %+v %+v", got.Actions, got.Decisions, got.Risks)
	}
	// The model returned no highlights, so they are synthesized from
	// the cheatsheet.
	if len(got.CourseHighlights) == 0 {
		t.Fatal("no course highlights synthesized")
	}
	if got.CourseHighlights[0].Kind != "concept" || got.CourseHighlights[0].Title != "beta" {
		t.Errorf("highlight = %+v", got.CourseHighlights[0])
	}
}

func TestBuildStripsCodeFences(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "```json\n" + modelJSON + "\n```",
		},
		ModelIDValue: "test-model",
	}
	e := recap.NewEngine(p, nil, nil)

	got := e.Build(context.Background(), meetingInput(
		seg("s1:r1:s000", 1_000, "SPEAKER_00", "we ship the beta"),
	))
	if len(got.Recap) != 2 {
		t.Fatalf("fenced JSON not parsed, recap = %+v", got.Recap)
	}
}

func TestCitationCaps(t *testing.T) {
	e := recap.NewEngine(nil, nil, nil)

	var segs []types.TranscriptSegment
	for i := 0; i < 12; i++ {
		segs = append(segs, seg(types.SegmentID("s1", 1, i), int64(i)*1_000, "SPEAKER_00", "line"))
	}
	in := meetingInput(segs...)
	for i := 0; i < 6; i++ {
		in.Frames = append(in.Frames, types.CapturedFrame{
			FrameID: "s1:f000" + string(rune('0'+i)),
			TsMs:    int64(i) * 1_000,
			URI:     "/files/x",
		})
	}

	got := e.Build(context.Background(), in)
	if len(got.Citations) != 12 {
		t.Fatalf("citation bundle = %d, want 8 transcript + 4 image", len(got.Citations))
	}
	if got.Citations[7].Type != "transcript" || got.Citations[8].Type != "image" {
		t.Errorf("bundle order wrong: %+v", got.Citations)
	}
	if len(got.Recap[0].Citations) != 2 {
		t.Errorf("recap item carries %d citations, want 2", len(got.Recap[0].Citations))
	}
}
