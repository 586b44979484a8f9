package qna_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lucasvandyk/recapd/internal/bus"
	"github.com/lucasvandyk/recapd/internal/config"
	"github.com/lucasvandyk/recapd/internal/qna"
	"github.com/lucasvandyk/recapd/internal/session"
	"github.com/lucasvandyk/recapd/internal/store"
	embmock "github.com/lucasvandyk/recapd/pkg/provider/embeddings/mock"
	"github.com/lucasvandyk/recapd/pkg/provider/llm"
	llmmock "github.com/lucasvandyk/recapd/pkg/provider/llm/mock"
	"github.com/lucasvandyk/recapd/pkg/types"
)

type fakeDocs struct {
	hits     []store.DocHit
	err      error
	indexed  []store.DocChunk
	indexErr error
}

func (f *fakeDocs) SearchDocChunks(_ context.Context, _ string, _ []float32, _ int) ([]store.DocHit, error) {
	return f.hits, f.err
}

func (f *fakeDocs) IndexDocChunks(_ context.Context, chunks []store.DocChunk) error {
	f.indexed = append(f.indexed, chunks...)
	return f.indexErr
}

type fakeRecorder struct {
	proposals []types.ToolCallProposal
	statuses  map[string]types.ProposalStatus
	events    []types.QnaEvent
}

func (f *fakeRecorder) SaveProposal(_ context.Context, p types.ToolCallProposal) error {
	f.proposals = append(f.proposals, p)
	return nil
}

func (f *fakeRecorder) UpdateProposalStatus(_ context.Context, id string, st types.ProposalStatus) error {
	if f.statuses == nil {
		f.statuses = make(map[string]types.ProposalStatus)
	}
	f.statuses[id] = st
	return nil
}

func (f *fakeRecorder) AppendQnaEvent(_ context.Context, ev types.QnaEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type fakeWeb struct {
	results []string
	err     error
	queries []string
}

func (f *fakeWeb) Search(_ context.Context, query string) ([]string, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

func newSession(t *testing.T, b *bus.Bus) *session.Session {
	t.Helper()
	reg := session.NewRegistry(config.DefaultPipeline(), nil)
	sess := reg.Ensure("s1", "project_meeting")
	b.Ensure(sess.ID)
	return sess
}

func addSegment(sess *session.Session, id string, startMs int64, text string) {
	sess.Lock()
	sess.AddSegments([]types.TranscriptSegment{{
		SegID:   id,
		StartMs: startMs,
		EndMs:   startMs + 2_000,
		Speaker: "SPEAKER_00",
		Text:    text,
	}})
	sess.Unlock()
}

func drain(t *testing.T, sub *bus.Subscriber) []types.Envelope {
	t.Helper()
	var out []types.Envelope
	for {
		select {
		case env := <-sub.C:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestHandleQueryEmptyText(t *testing.T) {
	b := bus.New(nil)
	sess := newSession(t, b)
	e := qna.NewEngine(b, nil)

	if _, err := e.HandleQuery(context.Background(), sess, qna.Query{Text: "  "}); !errors.Is(err, qna.ErrEmptyQuery) {
		t.Fatalf("err = %v, want ErrEmptyQuery", err)
	}
}

func TestHandleQueryTier0(t *testing.T) {
	b := bus.New(nil)
	sess := newSession(t, b)
	addSegment(sess, "s1:r1:s000", 1_000, "the budget was approved yesterday")
	addSegment(sess, "s1:r1:s001", 3_000, "next sprint starts Monday")

	rec := &fakeRecorder{}
	model := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "The budget was approved."}}
	e := qna.NewEngine(b, nil, qna.WithModel(model), qna.WithRecorder(rec))

	sub, err := b.Subscribe(sess.ID, 16)
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.HandleQuery(context.Background(), sess, qna.Query{QueryID: "q1", Text: "what about the budget?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != qna.StatusAnswered || res.TierUsed != "tier0_session" {
		t.Fatalf("result = %+v", res)
	}

	events := drain(t, sub)
	if len(events) != 1 || events[0].Event != types.EventQnaAnswer {
		t.Fatalf("events = %+v", events)
	}
	if len(rec.events) != 1 {
		t.Fatalf("persisted events = %d", len(rec.events))
	}
	ev := rec.events[0]
	if ev.QueryID != "q1" || ev.TierUsed != "tier0_session" {
		t.Errorf("logged event = %+v", ev)
	}
	if len(ev.Citations) != 1 || ev.Citations[0].Type != "transcript" || ev.Citations[0].SegID != "s1:r1:s000" {
		t.Errorf("citations = %+v", ev.Citations)
	}
	if ev.Answer != "The budget was approved." {
		t.Errorf("answer = %q", ev.Answer)
	}
}

func TestHandleQueryTier1Docs(t *testing.T) {
	b := bus.New(nil)
	sess := newSession(t, b)
	addSegment(sess, "s1:r1:s000", 1_000, "unrelated chatter")

	docs := &fakeDocs{hits: []store.DocHit{
		{Source: "handbook.pdf", Snippet: "Quarterly planning happens in March."},
	}}
	embedder := &embmock.Provider{EmbedResult: []float32{0.1, 0.2}, DimensionsValue: 2}
	rec := &fakeRecorder{}
	e := qna.NewEngine(b, nil, qna.WithDocs(embedder, docs), qna.WithRecorder(rec))

	res, err := e.HandleQuery(context.Background(), sess, qna.Query{Text: "when is planning?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.TierUsed != "tier1_docs" {
		t.Fatalf("tier = %q", res.TierUsed)
	}
	if len(embedder.EmbedCalls) != 1 {
		t.Fatalf("embed calls = %d", len(embedder.EmbedCalls))
	}

	var docCitation bool
	for _, c := range rec.events[0].Citations {
		if c.Type == "document" && c.Source == "handbook.pdf" {
			docCitation = true
		}
	}
	if !docCitation {
		t.Errorf("no document citation in %+v", rec.events[0].Citations)
	}
}

func TestHandleQueryEscalatesWithoutEvidence(t *testing.T) {
	b := bus.New(nil)
	sess := newSession(t, b)
	rec := &fakeRecorder{}
	e := qna.NewEngine(b, nil, qna.WithRecorder(rec))

	sub, err := b.Subscribe(sess.ID, 16)
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.HandleQuery(context.Background(), sess, qna.Query{Text: "who won the world cup?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != qna.StatusProposalEmitted || res.ProposalID == "" {
		t.Fatalf("result = %+v", res)
	}

	sess.Lock()
	_, pending := sess.Proposals[res.ProposalID]
	sess.Unlock()
	if !pending {
		t.Error("proposal not registered on session")
	}
	if len(rec.proposals) != 1 || rec.proposals[0].Status != types.ProposalPending {
		t.Errorf("persisted proposals = %+v", rec.proposals)
	}

	events := drain(t, sub)
	if len(events) != 1 || events[0].Event != types.EventToolCallProposal {
		t.Fatalf("events = %+v", events)
	}
	if len(rec.events) != 0 {
		t.Errorf("answer logged before approval: %+v", rec.events)
	}
}

func TestHandleQueryWebAllowedSkipsProposal(t *testing.T) {
	b := bus.New(nil)
	sess := newSession(t, b)
	web := &fakeWeb{results: []string{"result one"}}
	rec := &fakeRecorder{}
	e := qna.NewEngine(b, nil, qna.WithWebSearcher(web), qna.WithRecorder(rec))

	res, err := e.HandleQuery(context.Background(), sess, qna.Query{Text: "latest release?", WebAllowed: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != qna.StatusAnswered || res.TierUsed != "tier2_web" {
		t.Fatalf("result = %+v", res)
	}
	if len(web.queries) != 1 {
		t.Fatalf("web queries = %v", web.queries)
	}
	if len(rec.events[0].Citations) != 1 || rec.events[0].Citations[0].Type != "web" {
		t.Errorf("citations = %+v", rec.events[0].Citations)
	}
}

func TestHandleApprovalRejected(t *testing.T) {
	b := bus.New(nil)
	sess := newSession(t, b)
	rec := &fakeRecorder{}
	e := qna.NewEngine(b, nil, qna.WithRecorder(rec))

	res, err := e.HandleQuery(context.Background(), sess, qna.Query{QueryID: "q9", Text: "external question"})
	if err != nil {
		t.Fatal(err)
	}

	out, err := e.HandleApproval(context.Background(), sess, res.ProposalID, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != qna.StatusRejected || out.QueryID != "q9" {
		t.Fatalf("result = %+v", out)
	}
	if rec.statuses[res.ProposalID] != types.ProposalRejected {
		t.Errorf("proposal status = %q", rec.statuses[res.ProposalID])
	}
	if len(rec.events) != 1 {
		t.Fatalf("logged events = %d", len(rec.events))
	}
	ev := rec.events[0]
	if ev.TierUsed != "blocked" || len(ev.Citations) != 0 {
		t.Errorf("blocked event = %+v", ev)
	}
	if !strings.Contains(ev.Answer, "not approved") {
		t.Errorf("answer = %q", ev.Answer)
	}

	// The proposal is consumed; approving again must fail.
	if _, err := e.HandleApproval(context.Background(), sess, res.ProposalID, true, nil); !errors.Is(err, qna.ErrProposalNotFound) {
		t.Fatalf("second approval err = %v", err)
	}
}

func TestHandleApprovalExecutesWebTier(t *testing.T) {
	b := bus.New(nil)
	sess := newSession(t, b)
	rec := &fakeRecorder{}
	web := &fakeWeb{results: []string{"alpha", "beta", "gamma", "delta"}}
	e := qna.NewEngine(b, nil, qna.WithRecorder(rec), qna.WithWebSearcher(web))

	res, err := e.HandleQuery(context.Background(), sess, qna.Query{Text: "external question"})
	if err != nil {
		t.Fatal(err)
	}

	out, err := e.HandleApproval(context.Background(), sess, res.ProposalID, true, map[string]any{"max_results": 3})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != qna.StatusApprovedExecuted || out.TierUsed != "tier2_web" {
		t.Fatalf("result = %+v", out)
	}
	if rec.statuses[res.ProposalID] != types.ProposalApproved {
		t.Errorf("proposal status = %q", rec.statuses[res.ProposalID])
	}

	ev := rec.events[0]
	if ev.Answer != "Web tier executed after approval. alpha; beta; gamma" {
		t.Errorf("answer = %q", ev.Answer)
	}
	if len(ev.Citations) != 4 || ev.Citations[0].Type != "web" {
		t.Errorf("citations = %+v", ev.Citations)
	}
}

func TestHandleApprovalUnknownProposal(t *testing.T) {
	b := bus.New(nil)
	sess := newSession(t, b)
	e := qna.NewEngine(b, nil)

	if _, err := e.HandleApproval(context.Background(), sess, "nope", true, nil); !errors.Is(err, qna.ErrProposalNotFound) {
		t.Fatalf("err = %v, want ErrProposalNotFound", err)
	}
}

func TestHTTPSearcherBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "hello world" {
			t.Errorf("q = %q", got)
		}
		w.Write([]byte(`["one", "two"]`))
	}))
	defer srv.Close()

	s := qna.NewHTTPSearcher(srv.URL, srv.Client())
	got, err := s.Search(context.Background(), "hello world")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "one" {
		t.Errorf("results = %v", got)
	}
}

func TestHTTPSearcherWrappedResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": ["only"]}`))
	}))
	defer srv.Close()

	s := qna.NewHTTPSearcher(srv.URL, srv.Client())
	got, err := s.Search(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "only" {
		t.Errorf("results = %v", got)
	}
}

func TestHTTPSearcherErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := qna.NewHTTPSearcher(srv.URL, srv.Client())
	if _, err := s.Search(context.Background(), "x"); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestIndexDocument(t *testing.T) {
	b := bus.New(nil)
	docs := &fakeDocs{}
	embedder := &embmock.Provider{
		EmbedBatchResult: [][]float32{{0.1, 0.2}, {0.3, 0.4}},
		DimensionsValue:  2,
	}
	e := qna.NewEngine(b, nil, qna.WithDocs(embedder, docs))

	n, err := e.IndexDocument(context.Background(), "s1", "handbook.pdf", []string{
		"Quarterly planning happens in March.",
		"   ",
		"The budget freezes in Q4.",
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("indexed = %d, want 2", n)
	}
	if len(embedder.EmbedBatchCalls) != 1 || len(embedder.EmbedBatchCalls[0].Texts) != 2 {
		t.Fatalf("embed batch calls = %+v", embedder.EmbedBatchCalls)
	}
	if len(docs.indexed) != 2 {
		t.Fatalf("stored chunks = %d", len(docs.indexed))
	}
	first := docs.indexed[0]
	if first.ID != "s1:handbook.pdf:000" || first.SessionID != "s1" || first.Source != "handbook.pdf" {
		t.Errorf("chunk = %+v", first)
	}
	if first.Content != "Quarterly planning happens in March." || len(first.Embedding) != 2 {
		t.Errorf("chunk content = %q embedding = %v", first.Content, first.Embedding)
	}
	if docs.indexed[1].ID != "s1:handbook.pdf:001" {
		t.Errorf("second chunk id = %q", docs.indexed[1].ID)
	}
}

func TestIndexDocumentUnavailable(t *testing.T) {
	b := bus.New(nil)
	e := qna.NewEngine(b, nil)

	_, err := e.IndexDocument(context.Background(), "s1", "doc", []string{"text"})
	if !errors.Is(err, qna.ErrIndexingUnavailable) {
		t.Fatalf("err = %v, want ErrIndexingUnavailable", err)
	}
}

func TestIndexDocumentEmptyChunks(t *testing.T) {
	b := bus.New(nil)
	docs := &fakeDocs{}
	embedder := &embmock.Provider{DimensionsValue: 2}
	e := qna.NewEngine(b, nil, qna.WithDocs(embedder, docs))

	_, err := e.IndexDocument(context.Background(), "s1", "doc", []string{"", "  "})
	if !errors.Is(err, qna.ErrNoChunks) {
		t.Fatalf("err = %v, want ErrNoChunks", err)
	}
	if len(docs.indexed) != 0 {
		t.Fatalf("stored chunks = %d, want 0", len(docs.indexed))
	}
}
