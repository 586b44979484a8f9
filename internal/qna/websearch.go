package qna

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxWebResponse bounds how much of a search response is read.
const maxWebResponse = 1 << 20

var _ WebSearcher = (*HTTPSearcher)(nil)

// HTTPSearcher queries an external search endpoint over HTTP. The
// query is passed as the q parameter; the endpoint may answer with
// either a bare JSON array of strings or an object carrying a
// "results" array.
type HTTPSearcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSearcher builds a searcher for the given endpoint URL. A nil
// client falls back to a default with a 10 second timeout.
func NewHTTPSearcher(endpoint string, client *http.Client) *HTTPSearcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSearcher{endpoint: endpoint, client: client}
}

// Search performs the search request and returns the result snippets.
func (s *HTTPSearcher) Search(ctx context.Context, query string) ([]string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("qna: parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("qna: create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qna: web search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qna: web search: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebResponse))
	if err != nil {
		return nil, fmt.Errorf("qna: read search response: %w", err)
	}
	return parseSearchResults(body)
}

// parseSearchResults accepts both supported response shapes.
func parseSearchResults(body []byte) ([]string, error) {
	var bare []string
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	var wrapped struct {
		Results []string `json:"results"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("qna: decode search response: %w", err)
	}
	return wrapped.Results, nil
}
