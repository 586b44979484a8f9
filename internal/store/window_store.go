package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// UpsertRecapWindow stores one recap window revision. Every revision
// keeps its own row so the full emission history survives; a replayed
// duplicate of an already-stored revision is ignored. The full wire
// payload is kept as JSONB so replay returns exactly what was
// published.
func (s *Store) UpsertRecapWindow(ctx context.Context, sessionID string, p types.RecapPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal recap window: %w", err)
	}

	const q = `
		INSERT INTO recap_window (session_id, window_key, start_ms, end_ms, revision, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (session_id, window_key, revision) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, sessionID, p.WindowID, p.StartTsMs, p.EndTsMs, p.Revision, payload); err != nil {
		return fmt.Errorf("store: upsert recap window: %w", err)
	}
	return nil
}

// RecapWindowsBySession returns the highest-revision row of every recap
// window of a session, in timeline order. Used for frontend replay.
func (s *Store) RecapWindowsBySession(ctx context.Context, sessionID string) ([]types.RecapPayload, error) {
	const q = `
		SELECT payload FROM (
			SELECT DISTINCT ON (window_key) payload, start_ms, window_key
			FROM   recap_window
			WHERE  session_id = $1
			ORDER  BY window_key, revision DESC
		) latest
		ORDER  BY start_ms, window_key`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: recap windows by session: %w", err)
	}

	payloads, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.RecapPayload, error) {
		var (
			raw []byte
			p   types.RecapPayload
		)
		if err := row.Scan(&raw); err != nil {
			return p, err
		}
		err := json.Unmarshal(raw, &p)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan recap windows: %w", err)
	}
	return payloads, nil
}
