package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

// DefaultTavilyURL is the hosted Tavily search endpoint
const DefaultTavilyURL = "https://api.tavily.com"

// Tavily queries the Tavily search API with bearer-token auth
type Tavily struct {
	baseURL    string
	apiKey     string
	maxResults int
	client     *http.Client
}

type tavilyRequest struct {
	Query      string `json:"query"`
	TimeRange  string `json:"time_range,omitempty"`
	MaxResults int    `json:"max_results"`
}

// NewTavily creates a Tavily backend. An empty baseURL selects the hosted API.
func NewTavily(baseURL, apiKey string, maxResults int, timeout time.Duration) *Tavily {
	if baseURL == "" {
		baseURL = DefaultTavilyURL
	}
	if maxResults <= 0 {
		maxResults = 20
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Tavily{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		maxResults: maxResults,
		client:     &http.Client{Timeout: timeout},
	}
}

// Name implements domain.SearchBackend
func (t *Tavily) Name() string {
	return "tavily"
}

// Search implements domain.SearchBackend. Tavily has no language parameter,
// so only the key text is sent.
func (t *Tavily) Search(ctx context.Context, key domain.QueryKey, window domain.RecencyWindow) ([]domain.SearchResult, error) {
	payload := tavilyRequest{
		Query:      key.Text,
		MaxResults: t.maxResults,
	}
	if !window.IsZero() {
		payload.TimeRange = string(window.Unit)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Backend: t.Name(), StatusCode: resp.StatusCode}
	}

	var body backendResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode tavily response: %w: %v", domain.ErrMalformedResponse, err)
	}
	return body.toResults(), nil
}
