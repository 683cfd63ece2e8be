package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

// GeminiClient implements domain.LLMClient on the Gemini API.
// Each request picks the next key from the pool.
type GeminiClient struct {
	model       string
	keys        *KeyPool
	temperature float64

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiClient creates a Gemini client; keys must not be empty
func NewGeminiClient(model string, keys *KeyPool, temperature float64) (*GeminiClient, error) {
	if keys.Len() == 0 {
		return nil, fmt.Errorf("gemini API key is required")
	}
	return &GeminiClient{
		model:       model,
		keys:        keys,
		temperature: temperature,
		clients:     make(map[string]*genai.Client),
	}, nil
}

// Model returns the configured model name
func (c *GeminiClient) Model() string {
	return c.model
}

func (c *GeminiClient) client(ctx context.Context) (*genai.Client, error) {
	key := c.keys.Next()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl, nil
	}
	cl, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	c.clients[key] = cl
	return cl, nil
}

// buildContents moves system messages into the system instruction and maps
// assistant turns to the model role.
func (c *GeminiClient) buildContents(messages []domain.Message, opts domain.ChatOptions) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	temperature := c.temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(temperature)),
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n"), genai.RoleUser)
	}
	return contents, config
}

func (c *GeminiClient) modelFor(opts domain.ChatOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return c.model
}

func usageOf(resp *genai.GenerateContentResponse) domain.TokenUsage {
	if resp == nil || resp.UsageMetadata == nil {
		return domain.TokenUsage{}
	}
	return domain.TokenUsage{
		PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
		CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
	}
}

// Chat performs a chat completion
func (c *GeminiClient) Chat(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
	cl, err := c.client(ctx)
	if err != nil {
		return nil, err
	}

	contents, config := c.buildContents(messages, opts)
	resp, err := cl.Models.GenerateContent(ctx, c.modelFor(opts), contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("%w: gemini returned no text", domain.ErrEmptyResponse)
	}

	finish := "stop"
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
		finish = strings.ToLower(string(resp.Candidates[0].FinishReason))
	}

	return &domain.ChatResponse{
		Content:      text,
		Usage:        usageOf(resp),
		FinishReason: finish,
	}, nil
}

// Stream performs a streaming chat completion
func (c *GeminiClient) Stream(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (<-chan domain.ChatStreamResponse, error) {
	cl, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	contents, config := c.buildContents(messages, opts)
	model := c.modelFor(opts)

	stream := make(chan domain.ChatStreamResponse)
	go func() {
		defer close(stream)

		emit := func(chunk domain.ChatStreamResponse) bool {
			select {
			case stream <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var usage domain.TokenUsage
		for resp, err := range cl.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				emit(domain.ChatStreamResponse{Error: fmt.Errorf("gemini stream failed: %w", err), Done: true})
				return
			}
			if u := usageOf(resp); u.TotalTokens > 0 {
				usage = u
			}
			if text := resp.Text(); text != "" {
				if !emit(domain.ChatStreamResponse{Content: text}) {
					return
				}
			}
		}
		emit(domain.ChatStreamResponse{Usage: &usage, Done: true})
	}()

	return stream, nil
}
