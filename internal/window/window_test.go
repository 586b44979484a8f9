package window_test

import (
	"testing"

	"github.com/lucasvandyk/recapd/internal/window"
	"github.com/lucasvandyk/recapd/pkg/types"
)

func set(ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func TestDueAdvancesByStride(t *testing.T) {
	tl := window.NewTimeline(120_000, 15_000, 0)

	if got := tl.Due(119_999); len(got) != 0 {
		t.Fatalf("window due before its end: %+v", got)
	}

	due := tl.Due(120_000)
	if len(due) != 1 {
		t.Fatalf("got %d due windows, want 1", len(due))
	}
	if due[0].ID != 1 || due[0].StartMs != 0 || due[0].EndMs != 120_000 {
		t.Errorf("first window = %+v", due[0])
	}

	// The second window starts one stride (105 s) after the first, so
	// neighbors overlap by 15 s.
	due = tl.Due(225_000)
	if len(due) != 1 {
		t.Fatalf("got %d due windows, want 1", len(due))
	}
	if due[0].ID != 2 || due[0].StartMs != 105_000 || due[0].EndMs != 225_000 {
		t.Errorf("second window = %+v", due[0])
	}
}

func TestDueCatchesUpMultipleWindows(t *testing.T) {
	tl := window.NewTimeline(120_000, 15_000, 0)
	due := tl.Due(330_000)
	if len(due) != 3 {
		t.Fatalf("got %d due windows, want 3", len(due))
	}
	for i, w := range due {
		if w.ID != types.WindowID(i+1) {
			t.Errorf("window %d has id %d", i, w.ID)
		}
		if i > 0 && w.StartMs-due[i-1].StartMs != 105_000 {
			t.Errorf("stride between %d and %d is %d", i-1, i, w.StartMs-due[i-1].StartMs)
		}
	}
}

func TestTimelineStartOffset(t *testing.T) {
	tl := window.NewTimeline(120_000, 15_000, 50_000)
	if p := tl.Pending(); p.StartMs != 50_000 || p.EndMs != 170_000 {
		t.Errorf("pending = %+v, want start 50000 end 170000", p)
	}
}

func TestRecordBumpsRevisionOnReRecord(t *testing.T) {
	e := window.NewEmitted()
	span := window.Span{ID: 1, StartMs: 0, EndMs: 120_000}

	m := e.Record(span, set("s1", "s2"), set("f1"))
	if m.Revision != 0 {
		t.Fatalf("first record revision = %d, want 0", m.Revision)
	}
	m = e.Record(span, set("s1", "s2", "s3"), set("f1"))
	if m.Revision != 1 {
		t.Errorf("second record revision = %d, want 1", m.Revision)
	}
}

func TestSameEvidenceIgnoresOrderCaresAboutMembership(t *testing.T) {
	e := window.NewEmitted()
	span := window.Span{ID: 1, StartMs: 0, EndMs: 120_000}
	m := e.Record(span, set("s1", "s2"), set("f1"))

	if !m.SameEvidence(set("s2", "s1"), set("f1")) {
		t.Error("identical id sets reported as different")
	}
	if m.SameEvidence(set("s1", "s2", "s3"), set("f1")) {
		t.Error("grown segment set reported as same")
	}
	if m.SameEvidence(set("s1", "s2"), set("f2")) {
		t.Error("changed frame set reported as same")
	}
}

func TestAffectedSortedByWindowID(t *testing.T) {
	e := window.NewEmitted()
	e.Record(window.Span{ID: 2, StartMs: 105_000, EndMs: 225_000}, nil, nil)
	e.Record(window.Span{ID: 1, StartMs: 0, EndMs: 120_000}, nil, nil)

	// 110 s falls into the overlap region of windows 1 and 2.
	affected := e.Affected(110_000)
	if len(affected) != 2 {
		t.Fatalf("got %d affected windows, want 2", len(affected))
	}
	if affected[0].Span.ID != 1 || affected[1].Span.ID != 2 {
		t.Errorf("affected order = [%d, %d], want [1, 2]", affected[0].Span.ID, affected[1].Span.ID)
	}

	if got := e.Affected(300_000); len(got) != 0 {
		t.Errorf("timestamp outside all windows affected %d windows", len(got))
	}
}
