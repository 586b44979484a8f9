package qna

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucasvandyk/recapd/internal/observe"
	"github.com/lucasvandyk/recapd/internal/session"
	"github.com/lucasvandyk/recapd/pkg/provider/embeddings"
	"github.com/lucasvandyk/recapd/pkg/provider/llm"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// ErrEmptyQuery is returned when a user_query carries no text.
var ErrEmptyQuery = errors.New("qna: user_query.text is required")

// ErrProposalNotFound is returned when an approval names an unknown or
// already-resolved proposal.
var ErrProposalNotFound = errors.New("qna: proposal_id not found")

const (
	// tier1Limit caps how many document hits Tier 1 contributes.
	tier1Limit = 5

	// tier0SegmentCap caps the transcript citations of Tier 0.
	tier0SegmentCap = 8

	// tier0FrameCap caps the trailing image citations of Tier 0.
	tier0FrameCap = 3

	// tier0FallbackSegments is how many trailing segments stand in for
	// the transcript window when no segment matched the query.
	tier0FallbackSegments = 10

	// escalationReason explains a Tier-2 proposal to the approver.
	escalationReason = "No enough in-session evidence. Tier-2 web search requires approval."
)

// answerPrompt steers the Q&A model call. The caller appends the
// question, the matched transcript window, and the retrieved snippets.
const answerPrompt = `You are a meeting Q&A assistant.
- Use transcript first, then the retrieved snippets.
- Be concise.
- If data is insufficient, say clearly that evidence is insufficient.
- Do not invent facts.
Output: short answer text (no markdown).`

// insufficientAnswer is the guard text used when no answer could be
// produced from the available evidence.
const insufficientAnswer = "I could not produce an answer with the available evidence."

// queryTokenRe extracts match tokens from the question for Tier-0
// transcript search.
var queryTokenRe = regexp.MustCompile(`[A-Za-zÀ-ỹ0-9_]{2,}`)

// Query is one parsed user_query.
type Query struct {
	// QueryID correlates the answer with the question. Empty means the
	// engine allocates one.
	QueryID string

	// Text is the question.
	Text string

	// WebAllowed marks the query scope as pre-approved for Tier 2,
	// skipping the proposal round-trip when local tiers are empty.
	WebAllowed bool
}

// Result reports how a query or approval was resolved.
type Result struct {
	QueryID    string `json:"query_id"`
	Status     string `json:"status"`
	TierUsed   string `json:"tier_used,omitempty"`
	ProposalID string `json:"proposal_id,omitempty"`
}

// Result status values.
const (
	StatusAnswered         = "answered"
	StatusProposalEmitted  = "proposal_emitted"
	StatusRejected         = "rejected"
	StatusApprovedExecuted = "approved_executed"
)

// answerPayload is the qna_answer wire payload.
type answerPayload struct {
	QueryID   string           `json:"query_id"`
	Answer    string           `json:"answer"`
	Citations []types.Citation `json:"citations"`
	TierUsed  string           `json:"tier_used"`
}

// proposalPayload is the tool_call_proposal wire payload.
type proposalPayload struct {
	ProposalID       string   `json:"proposal_id"`
	Reason           string   `json:"reason"`
	SuggestedQueries []string `json:"suggested_queries"`
	Risk             string   `json:"risk"`
}

// Engine answers user queries over the evidence tiers. Every
// collaborator except the bus is optional: a nil model falls back to
// deterministic answers, a nil embedder or doc store disables Tier 1,
// a nil web searcher makes every approved Tier-2 search come back
// empty, and a nil recorder skips persistence.
type Engine struct {
	model    llm.Provider
	embedder embeddings.Provider
	docs     DocSearcher
	indexer  DocIndexer
	recorder Recorder
	web      WebSearcher
	bus      Publisher
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewEngine assembles a Q&A engine. bus must be non-nil.
func NewEngine(bus Publisher, log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		bus:     bus,
		metrics: observe.DefaultMetrics(),
		log:     log.With("component", "qna"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option customizes an Engine.
type Option func(*Engine)

// WithModel sets the LLM used to phrase answers.
func WithModel(p llm.Provider) Option { return func(e *Engine) { e.model = p } }

// WithDocs enables Tier 1 with the given embedder and document index.
// When docs also implements [DocIndexer], document ingestion through
// [Engine.IndexDocument] is enabled too.
func WithDocs(embedder embeddings.Provider, docs DocSearcher) Option {
	return func(e *Engine) {
		e.embedder = embedder
		e.docs = docs
		if idx, ok := docs.(DocIndexer); ok {
			e.indexer = idx
		}
	}
}

// WithRecorder enables persistence of proposals and the Q&A log.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithWebSearcher enables Tier 2 execution after approval.
func WithWebSearcher(w WebSearcher) Option { return func(e *Engine) { e.web = w } }

// WithMetrics overrides the default metrics sink.
func WithMetrics(m *observe.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// HandleQuery resolves one user query against the evidence tiers.
//
// When tiers 0 and 1 yield no citations and the query scope does not
// pre-approve web access, no answer is produced: the engine records a
// pending tool-call proposal on the session, emits a
// tool_call_proposal event, and returns [StatusProposalEmitted]. The
// answer then arrives through [Engine.HandleApproval].
func (e *Engine) HandleQuery(ctx context.Context, sess *session.Session, q Query) (Result, error) {
	question := strings.TrimSpace(q.Text)
	if question == "" {
		return Result{}, ErrEmptyQuery
	}
	queryID := q.QueryID
	if queryID == "" {
		queryID = uuid.NewString()
	}
	began := time.Now()

	tier0, window := e.searchTier0(sess, question)
	tier1 := e.searchTier1(ctx, sess.ID, question)
	citations := append(append([]types.Citation{}, tier0...), tier1...)

	if len(citations) == 0 && !q.WebAllowed {
		proposalID, err := e.emitProposal(ctx, sess, queryID, question)
		if err != nil {
			return Result{}, err
		}
		return Result{QueryID: queryID, Status: StatusProposalEmitted, ProposalID: proposalID}, nil
	}

	tier := types.Tier0Session
	var ragDocs []types.Citation
	if len(tier1) > 0 {
		tier = types.Tier1Docs
		ragDocs = tier1
	}
	if q.WebAllowed && len(citations) == 0 {
		hits := e.searchWeb(ctx, question)
		citations = append(citations, hits...)
		tier = types.Tier2Web
		ragDocs = hits
	}

	answer := e.answer(ctx, question, window, ragDocs)
	e.finish(ctx, sess.ID, queryID, question, answer, tier.String(), citations, began)
	return Result{QueryID: queryID, Status: StatusAnswered, TierUsed: tier.String()}, nil
}

// HandleApproval resolves a pending Tier-2 proposal. A rejection
// produces a blocked answer constrained to session evidence; an
// approval executes the web search and answers from its snippets.
func (e *Engine) HandleApproval(ctx context.Context, sess *session.Session, proposalID string, approved bool, constraints map[string]any) (Result, error) {
	proposalID = strings.TrimSpace(proposalID)
	if proposalID == "" {
		return Result{}, fmt.Errorf("qna: approve_tool_call.proposal_id is required")
	}

	sess.Lock()
	proposal, ok := sess.Proposals[proposalID]
	if ok && proposal.Status == types.ProposalPending {
		delete(sess.Proposals, proposalID)
	} else {
		ok = false
	}
	sess.Unlock()
	if !ok {
		return Result{}, ErrProposalNotFound
	}

	began := time.Now()
	status := types.ProposalRejected
	if approved {
		status = types.ProposalApproved
	}
	proposal.Status = status
	proposal.Constraints = constraints
	if e.recorder != nil {
		if err := e.recorder.UpdateProposalStatus(ctx, proposalID, status); err != nil {
			e.logDBFailure(ctx, "tool_call_proposal", err)
		}
	}

	if !approved {
		answer := "Web search was not approved. Answer remains constrained to session evidence."
		e.finish(ctx, sess.ID, proposal.QueryID, proposal.Question, answer,
			types.TierBlocked.String(), []types.Citation{}, began)
		return Result{QueryID: proposal.QueryID, Status: StatusRejected, ProposalID: proposalID}, nil
	}

	hits := e.searchWeb(ctx, proposal.Question)
	snippets := make([]string, 0, len(hits))
	for _, c := range hits {
		snippets = append(snippets, c.Snippet)
	}
	answer := "Web tier executed after approval. "
	if len(snippets) > 0 {
		answer += strings.Join(snippets[:min(3, len(snippets))], "; ")
	} else {
		answer += "No external result."
	}
	e.finish(ctx, sess.ID, proposal.QueryID, proposal.Question, strings.TrimSpace(answer),
		types.Tier2Web.String(), hits, began)
	return Result{
		QueryID:    proposal.QueryID,
		Status:     StatusApprovedExecuted,
		TierUsed:   types.Tier2Web.String(),
		ProposalID: proposalID,
	}, nil
}

// searchTier0 matches the question against the session transcript by
// token overlap and returns citations plus the tagged transcript
// window used for answering. With no token match, the trailing
// segments stand in so the model still sees recent context. The last
// few captured frames ride along as image citations.
func (e *Engine) searchTier0(sess *session.Session, question string) ([]types.Citation, string) {
	tokens := queryTokenRe.FindAllString(strings.ToLower(question), -1)

	sess.Lock()
	segments := append([]types.TranscriptSegment{}, sess.Segments...)
	frames := append([]types.CapturedFrame{}, sess.LastFrames(tier0FrameCap)...)
	sess.Unlock()

	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].StartMs != segments[j].StartMs {
			return segments[i].StartMs < segments[j].StartMs
		}
		return segments[i].SegID < segments[j].SegID
	})

	var matches []types.TranscriptSegment
	for _, seg := range segments {
		haystack := strings.ToLower(seg.Text)
		for _, tok := range tokens {
			if strings.Contains(haystack, tok) {
				matches = append(matches, seg)
				break
			}
		}
	}
	if len(matches) == 0 && len(segments) > tier0FallbackSegments {
		matches = segments[len(segments)-tier0FallbackSegments:]
	} else if len(matches) == 0 {
		matches = segments
	}

	var window strings.Builder
	for i, seg := range matches {
		if i > 0 {
			window.WriteByte('\n')
		}
		speaker := seg.Speaker
		if speaker == "" {
			speaker = "SPEAKER_00"
		}
		fmt.Fprintf(&window, "[%s %s] %s", speaker, types.FormatMMSS(seg.StartMs), seg.Text)
	}

	var citations []types.Citation
	for _, seg := range matches[:min(tier0SegmentCap, len(matches))] {
		citations = append(citations, types.Citation{
			Type:    "transcript",
			SegID:   seg.SegID,
			TsMs:    seg.StartMs,
			Speaker: seg.Speaker,
		})
	}
	for _, f := range frames {
		citations = append(citations, types.Citation{
			Type:    "image",
			FrameID: f.FrameID,
			TsMs:    f.TsMs,
			URI:     f.URI,
		})
	}
	return citations, window.String()
}

// searchTier1 embeds the question and ranks the session's indexed
// document chunks. Any failure degrades to an empty tier rather than
// failing the query.
func (e *Engine) searchTier1(ctx context.Context, sessionID, question string) []types.Citation {
	if e.embedder == nil || e.docs == nil {
		return nil
	}
	vec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		e.log.Debug("tier1 embed failed", "session_id", sessionID, "error", err)
		return nil
	}
	hits, err := e.docs.SearchDocChunks(ctx, sessionID, vec, tier1Limit)
	if err != nil {
		e.log.Debug("tier1 retrieval failed", "session_id", sessionID, "error", err)
		return nil
	}

	citations := make([]types.Citation, 0, len(hits))
	for _, hit := range hits {
		snippet := strings.TrimSpace(hit.Snippet)
		if snippet == "" {
			continue
		}
		source := hit.Source
		if source == "" {
			source = "rag"
		}
		citations = append(citations, types.Citation{
			Type:    "document",
			Source:  source,
			Snippet: snippet,
		})
	}
	return citations
}

// searchWeb runs the Tier-2 searcher and wraps the snippets as web
// citations. A nil or failing searcher yields no hits.
func (e *Engine) searchWeb(ctx context.Context, question string) []types.Citation {
	if e.web == nil {
		return nil
	}
	results, err := e.web.Search(ctx, question)
	if err != nil {
		e.log.Warn("web search failed", "error", err)
		return nil
	}
	citations := make([]types.Citation, 0, len(results))
	for _, item := range results {
		citations = append(citations, types.Citation{Type: "web", Source: "web", Snippet: item})
	}
	return citations
}

// answer phrases the final answer with the model. The transcript
// window is truncated so a long session cannot blow the prompt budget.
func (e *Engine) answer(ctx context.Context, question, window string, ragDocs []types.Citation) string {
	snippet := strings.TrimSpace(window)
	if len(snippet) > 160 {
		snippet = snippet[:160] + "..."
	}

	if e.model != nil {
		var docs strings.Builder
		for _, c := range ragDocs {
			fmt.Fprintf(&docs, "- [%s] %s\n", c.Source, c.Snippet)
		}
		prompt := fmt.Sprintf("%s\n\nQuestion: %s\n\nTranscript window:\n%s\n\nRetrieved snippets:\n%s",
			answerPrompt, question, snippet, docs.String())

		resp, err := e.model.Complete(ctx, llm.CompletionRequest{
			Messages:    []types.Message{{Role: "user", Content: prompt}},
			Temperature: 0.2,
			MaxTokens:   512,
		})
		if err != nil {
			e.log.Warn("answer model call failed", "error", err)
		} else if text := strings.TrimSpace(resp.Content); text != "" {
			return text
		}
	}
	return insufficientAnswer
}

// emitProposal registers a pending Tier-2 proposal on the session,
// persists it, and announces it on the bus.
func (e *Engine) emitProposal(ctx context.Context, sess *session.Session, queryID, question string) (string, error) {
	proposal := &types.ToolCallProposal{
		ProposalID:       uuid.NewString(),
		SessionID:        sess.ID,
		QueryID:          queryID,
		Question:         question,
		Reason:           escalationReason,
		SuggestedQueries: []string{question},
		Risk:             "medium",
		Status:           types.ProposalPending,
		CreatedMs:        sess.NowMs(),
	}

	sess.Lock()
	sess.Proposals[proposal.ProposalID] = proposal
	sess.Unlock()

	if e.recorder != nil {
		if err := e.recorder.SaveProposal(ctx, *proposal); err != nil {
			e.logDBFailure(ctx, "tool_call_proposal", err)
		}
	}
	if _, err := e.bus.Publish(sess.ID, types.EventToolCallProposal, proposalPayload{
		ProposalID:       proposal.ProposalID,
		Reason:           proposal.Reason,
		SuggestedQueries: proposal.SuggestedQueries,
		Risk:             proposal.Risk,
	}); err != nil {
		return "", fmt.Errorf("qna: emit proposal: %w", err)
	}
	e.metrics.RecordEventPublished(ctx, types.EventToolCallProposal)
	return proposal.ProposalID, nil
}

// finish persists the Q&A log entry, publishes the qna_answer event,
// and records the answer metric.
func (e *Engine) finish(ctx context.Context, sessionID, queryID, question, answer, tier string, citations []types.Citation, began time.Time) {
	if citations == nil {
		citations = []types.Citation{}
	}
	if e.recorder != nil {
		err := e.recorder.AppendQnaEvent(ctx, types.QnaEvent{
			QueryID:   queryID,
			SessionID: sessionID,
			Question:  question,
			Answer:    answer,
			TierUsed:  tier,
			Citations: citations,
		})
		if err != nil {
			e.logDBFailure(ctx, "qna_event_log", err)
		}
	}

	if _, err := e.bus.Publish(sessionID, types.EventQnaAnswer, answerPayload{
		QueryID:   queryID,
		Answer:    answer,
		Citations: citations,
		TierUsed:  tier,
	}); err != nil {
		e.log.Warn("publish qna_answer failed", "session_id", sessionID, "error", err)
		return
	}
	e.metrics.RecordEventPublished(ctx, types.EventQnaAnswer)
	e.metrics.RecordQnaAnswer(ctx, tier, time.Since(began).Seconds())
}

func (e *Engine) logDBFailure(ctx context.Context, table string, err error) {
	e.log.Error("qna persistence failed", "table", table, "error", err)
	e.metrics.RecordDBWriteFailure(ctx, table)
}
