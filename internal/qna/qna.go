// Package qna implements the tiered question-answering engine.
//
// A user query is answered from the cheapest sufficient evidence tier:
//
//   - Tier 0: the session's own transcript segments and captured
//     frames, matched by token overlap.
//   - Tier 1: indexed meeting documents, ranked by vector distance in
//     Postgres.
//   - Tier 2: an external web search. This tier never runs on its own;
//     when tiers 0 and 1 produce no evidence the engine emits a
//     tool-call proposal and waits for an explicit human approval.
//
// Every answer is published as a qna_answer event on the session bus
// and appended to the persistent Q&A log.
package qna

import (
	"context"

	"github.com/lucasvandyk/recapd/internal/store"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// DocSearcher is the document retrieval half of Tier 1. *store.Store
// implements it.
type DocSearcher interface {
	SearchDocChunks(ctx context.Context, sessionID string, embedding []float32, limit int) ([]store.DocHit, error)
}

// DocIndexer is the document ingestion half of Tier 1. *store.Store
// implements it.
type DocIndexer interface {
	IndexDocChunks(ctx context.Context, chunks []store.DocChunk) error
}

// Recorder persists Q&A artifacts. *store.Store implements it.
type Recorder interface {
	SaveProposal(ctx context.Context, p types.ToolCallProposal) error
	UpdateProposalStatus(ctx context.Context, proposalID string, status types.ProposalStatus) error
	AppendQnaEvent(ctx context.Context, ev types.QnaEvent) error
}

// WebSearcher executes an approved Tier-2 web search and returns plain
// text snippets.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]string, error)
}

// Publisher fans a Q&A event out to the session's subscribers.
// *bus.Bus implements it.
type Publisher interface {
	Publish(sessionID, event string, payload any) (uint64, error)
}
