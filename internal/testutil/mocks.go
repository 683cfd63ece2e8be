package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

// MockLLMClient is a mock implementation of LLMClient for testing
type MockLLMClient struct {
	mu           sync.Mutex
	Responses    map[string]string
	CallCount    int
	LastMessages []domain.Message
	ShouldError  bool
	ErrorMessage string
	// ChatFunc allows custom chat behavior for tests
	ChatFunc func(ctx context.Context, messages []domain.Message, options domain.ChatOptions) (*domain.ChatResponse, error)
	// StreamChunks replaces the default single-chunk stream
	StreamChunks []domain.ChatStreamResponse
}

// NewMockLLMClient creates a new mock LLM client
func NewMockLLMClient() *MockLLMClient {
	return &MockLLMClient{
		Responses: make(map[string]string),
	}
}

// Chat implements domain.LLMClient
func (m *MockLLMClient) Chat(ctx context.Context, messages []domain.Message, options domain.ChatOptions) (*domain.ChatResponse, error) {
	// If ChatFunc is provided, use it without lock for concurrency testing
	if m.ChatFunc != nil {
		m.mu.Lock()
		m.CallCount++
		m.LastMessages = messages
		m.mu.Unlock()
		return m.ChatFunc(ctx, messages, options)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallCount++
	m.LastMessages = messages

	if m.ShouldError {
		return nil, fmt.Errorf("%s", m.ErrorMessage)
	}

	// Return predefined response or default
	var content string
	if len(messages) > 0 {
		lastMsg := messages[len(messages)-1]
		if resp, ok := m.Responses[lastMsg.Content]; ok {
			content = resp
		} else if resp, ok := m.Responses["default"]; ok {
			content = resp
		} else {
			content = "Mock response"
		}
	}

	return &domain.ChatResponse{
		Content: content,
		Usage: domain.TokenUsage{
			PromptTokens:     50,
			CompletionTokens: 50,
			TotalTokens:      100,
		},
		FinishReason: "stop",
	}, nil
}

// Stream implements domain.LLMClient
func (m *MockLLMClient) Stream(ctx context.Context, messages []domain.Message, options domain.ChatOptions) (<-chan domain.ChatStreamResponse, error) {
	m.mu.Lock()
	m.CallCount++
	m.LastMessages = messages
	shouldError := m.ShouldError
	chunks := m.StreamChunks
	m.mu.Unlock()

	if shouldError {
		return nil, fmt.Errorf("%s", m.ErrorMessage)
	}
	if len(chunks) == 0 {
		chunks = []domain.ChatStreamResponse{{Content: "Mock stream response", Done: true}}
	}

	ch := make(chan domain.ChatStreamResponse)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// GetCallCount returns the number of calls made
func (m *MockLLMClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// GetLastMessages returns the messages of the most recent call
func (m *MockLLMClient) GetLastMessages() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastMessages
}

// MockSearchBackend is a mock implementation of SearchBackend
type MockSearchBackend struct {
	mu sync.Mutex
	// Results maps a query text to the results returned for it
	Results map[string][]domain.SearchResult
	// Errors maps a query text to a failure
	Errors     map[string]error
	SearchFunc func(ctx context.Context, key domain.QueryKey, window domain.RecencyWindow) ([]domain.SearchResult, error)
	Queries    []domain.QueryKey
}

// NewMockSearchBackend creates an empty mock backend
func NewMockSearchBackend() *MockSearchBackend {
	return &MockSearchBackend{
		Results: make(map[string][]domain.SearchResult),
		Errors:  make(map[string]error),
	}
}

// Name implements domain.SearchBackend
func (b *MockSearchBackend) Name() string {
	return "mock"
}

// Search implements domain.SearchBackend
func (b *MockSearchBackend) Search(ctx context.Context, key domain.QueryKey, window domain.RecencyWindow) ([]domain.SearchResult, error) {
	b.mu.Lock()
	b.Queries = append(b.Queries, key)
	fn := b.SearchFunc
	results, err := b.Results[key.Text], b.Errors[key.Text]
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, key, window)
	}
	if err != nil {
		return nil, err
	}
	out := make([]domain.SearchResult, len(results))
	copy(out, results)
	return out, nil
}

// QueryCount returns how many searches were issued
func (b *MockSearchBackend) QueryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Queries)
}

// MockCrawler is a mock implementation of Crawler
type MockCrawler struct {
	mu        sync.Mutex
	CrawlName string
	// Pages maps a URL to its content; URLs not present fail
	Pages     map[string]string
	FetchFunc func(ctx context.Context, url string) (string, error)
	Fetched   []string
}

// NewMockCrawler creates a named mock crawler
func NewMockCrawler(name string) *MockCrawler {
	return &MockCrawler{
		CrawlName: name,
		Pages:     make(map[string]string),
	}
}

// Name implements domain.Crawler
func (c *MockCrawler) Name() string {
	return c.CrawlName
}

// Fetch implements domain.Crawler
func (c *MockCrawler) Fetch(ctx context.Context, url string) (string, error) {
	c.mu.Lock()
	c.Fetched = append(c.Fetched, url)
	fn := c.FetchFunc
	page, ok := c.Pages[url]
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, url)
	}
	if !ok {
		return "", fmt.Errorf("%s: no page for %s", c.CrawlName, url)
	}
	return page, nil
}

// FetchCount returns how many fetches were issued
func (c *MockCrawler) FetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Fetched)
}

// Text returns a string of n copies of ch
func Text(ch string, n int) string {
	return strings.Repeat(ch, n)
}
