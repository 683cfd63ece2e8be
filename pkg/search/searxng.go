package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

// StatusError is returned when a search backend answers with a non-2xx status.
// Status failures are retried like transport failures.
type StatusError struct {
	Backend    string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Backend, e.StatusCode)
}

// backendResult is the result shape shared by SearxNG and Tavily
type backendResult struct {
	URL     string   `json:"url"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Score   *float64 `json:"score"`
}

type backendResponse struct {
	Results []backendResult `json:"results"`
}

func (r backendResponse) toResults() []domain.SearchResult {
	out := make([]domain.SearchResult, 0, len(r.Results))
	for _, raw := range r.Results {
		if raw.URL == "" {
			continue
		}
		score := 3.0
		if raw.Score != nil {
			score = *raw.Score
		}
		out = append(out, domain.SearchResult{
			URL:     raw.URL,
			Title:   raw.Title,
			Content: raw.Content,
			Score:   score,
		})
	}
	return out
}

// SearxNG queries a SearxNG instance through its JSON output format
type SearxNG struct {
	baseURL string
	engines string
	client  *http.Client
}

// NewSearxNG creates a SearxNG backend. baseURL is queried as given, so it may
// point at the instance root or at its /search path. engines is a
// comma-separated engine list.
func NewSearxNG(baseURL, engines string, timeout time.Duration) *SearxNG {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SearxNG{
		baseURL: baseURL,
		engines: engines,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements domain.SearchBackend
func (s *SearxNG) Name() string {
	return "searxng"
}

// Search implements domain.SearchBackend
func (s *SearxNG) Search(ctx context.Context, key domain.QueryKey, window domain.RecencyWindow) ([]domain.SearchResult, error) {
	params := url.Values{}
	params.Set("q", key.Text)
	params.Set("format", "json")
	params.Set("language", key.Language)
	if s.engines != "" {
		params.Set("engines", s.engines)
	}
	if !window.IsZero() {
		params.Set("time_range", string(window.Unit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Backend: s.Name(), StatusCode: resp.StatusCode}
	}

	var body backendResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode searxng response: %w: %v", domain.ErrMalformedResponse, err)
	}
	return body.toResults(), nil
}
