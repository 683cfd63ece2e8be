package acquire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/config"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

// StatusError is returned when a crawler answers with a non-2xx status
type StatusError struct {
	Crawler    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Crawler, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Crawler, e.StatusCode, e.Body)
}

// postJSON sends payload and decodes the JSON reply into out
func postJSON(ctx context.Context, client *http.Client, name, endpoint, apiKey string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Crawler: name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: %v", name, domain.ErrMalformedResponse, err)
	}
	return nil
}

// Firecrawl scrapes pages through the Firecrawl /v1/scrape API
type Firecrawl struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewFirecrawl creates a Firecrawl crawler
func NewFirecrawl(baseURL, apiKey string, timeout time.Duration) *Firecrawl {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Firecrawl{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements domain.Crawler
func (f *Firecrawl) Name() string {
	return "firecrawl"
}

// Fetch implements domain.Crawler
func (f *Firecrawl) Fetch(ctx context.Context, url string) (string, error) {
	payload := map[string]any{
		"url":             url,
		"onlyMainContent": true,
		"formats":         []string{"markdown"},
	}
	var out struct {
		Success bool `json:"success"`
		Data    struct {
			Markdown string `json:"markdown"`
		} `json:"data"`
	}
	if err := postJSON(ctx, f.client, f.Name(), f.baseURL+"/v1/scrape", f.apiKey, payload, &out); err != nil {
		return "", err
	}
	return out.Data.Markdown, nil
}

// Crawl4AI crawls pages through a Crawl4AI server's /crawl endpoint
type Crawl4AI struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewCrawl4AI creates a Crawl4AI crawler. endpoint is the full crawl URL.
func NewCrawl4AI(endpoint, apiKey string, timeout time.Duration) *Crawl4AI {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Crawl4AI{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name implements domain.Crawler
func (c *Crawl4AI) Name() string {
	return "crawl4ai"
}

// Fetch implements domain.Crawler. Both the object form of markdown
// ({"raw_markdown": ...}) and the plain string form are accepted.
func (c *Crawl4AI) Fetch(ctx context.Context, url string) (string, error) {
	payload := map[string]any{"urls": []string{url}}
	var out struct {
		Results []struct {
			Success  *bool           `json:"success"`
			Markdown json.RawMessage `json:"markdown"`
			Error    string          `json:"error_message"`
		} `json:"results"`
	}
	if err := postJSON(ctx, c.client, c.Name(), c.endpoint, c.apiKey, payload, &out); err != nil {
		return "", err
	}
	if len(out.Results) == 0 {
		return "", fmt.Errorf("crawl4ai: %w: no results", domain.ErrEmptyResponse)
	}

	first := out.Results[0]
	if first.Success != nil && !*first.Success {
		return "", fmt.Errorf("crawl4ai: crawl failed: %s", first.Error)
	}

	var asObject struct {
		RawMarkdown string `json:"raw_markdown"`
	}
	if err := json.Unmarshal(first.Markdown, &asObject); err == nil {
		return asObject.RawMarkdown, nil
	}
	var asString string
	if err := json.Unmarshal(first.Markdown, &asString); err == nil {
		return asString, nil
	}
	return "", fmt.Errorf("crawl4ai: %w: unexpected markdown shape", domain.ErrMalformedResponse)
}

// NewCrawlers builds the configured fallback chain in its fixed order:
// Firecrawl, Crawl4AI, then the direct fetcher.
func NewCrawlers(cfg config.CrawlConfig) []domain.Crawler {
	var chain []domain.Crawler
	if cfg.FirecrawlURL != "" {
		chain = append(chain, NewFirecrawl(cfg.FirecrawlURL, cfg.FirecrawlKey, cfg.Timeout))
	}
	if cfg.Crawl4AIURL != "" {
		chain = append(chain, NewCrawl4AI(cfg.Crawl4AIURL, cfg.Crawl4AIKey, cfg.Timeout))
	}
	if cfg.DirectFetch {
		chain = append(chain, NewDirectCrawler(cfg.Timeout))
	}
	return chain
}
