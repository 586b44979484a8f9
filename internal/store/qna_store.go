package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// SaveProposal writes a tool-call proposal, updating the status and
// payload if the proposal id already exists.
func (s *Store) SaveProposal(ctx context.Context, p types.ToolCallProposal) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal proposal: %w", err)
	}

	const q = `
		INSERT INTO tool_call_proposal
		    (proposal_id, session_id, query_id, question, reason, status, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (proposal_id) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload`

	if _, err := s.pool.Exec(ctx, q, p.ProposalID, p.SessionID, p.QueryID,
		p.Question, p.Reason, string(p.Status), payload); err != nil {
		return fmt.Errorf("store: save proposal: %w", err)
	}
	return nil
}

// UpdateProposalStatus transitions a proposal to the given status.
func (s *Store) UpdateProposalStatus(ctx context.Context, proposalID string, status types.ProposalStatus) error {
	const q = `UPDATE tool_call_proposal SET status = $2 WHERE proposal_id = $1`

	if _, err := s.pool.Exec(ctx, q, proposalID, string(status)); err != nil {
		return fmt.Errorf("store: update proposal status: %w", err)
	}
	return nil
}

// AppendQnaEvent appends one entry to the append-only Q&A log.
func (s *Store) AppendQnaEvent(ctx context.Context, ev types.QnaEvent) error {
	citations, err := json.Marshal(ev.Citations)
	if err != nil {
		return fmt.Errorf("store: marshal qna citations: %w", err)
	}
	if ev.Citations == nil {
		citations = []byte("[]")
	}

	const q = `
		INSERT INTO qna_event_log (session_id, query_id, question, answer, tier_used, citations)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := s.pool.Exec(ctx, q, ev.SessionID, ev.QueryID, ev.Question,
		ev.Answer, ev.TierUsed, citations); err != nil {
		return fmt.Errorf("store: append qna event: %w", err)
	}
	return nil
}
