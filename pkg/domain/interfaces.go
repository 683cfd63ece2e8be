package domain

import (
	"context"
	"errors"
)

var (
	// ErrNoBackend is returned when no backend is configured for an operation
	ErrNoBackend = errors.New("no backend configured")

	// ErrMalformedResponse marks a response that could not be parsed
	ErrMalformedResponse = errors.New("malformed response")

	// ErrEmptyResponse marks a response without usable content
	ErrEmptyResponse = errors.New("empty response")
)

// LLMClient defines the interface for language model interactions
type LLMClient interface {
	// Chat performs a chat completion
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResponse, error)

	// Stream performs a streaming chat completion
	Stream(ctx context.Context, messages []Message, opts ChatOptions) (<-chan ChatStreamResponse, error)
}

// SearchBackend queries one web search provider for a single key
type SearchBackend interface {
	// Name identifies the backend in logs and metrics
	Name() string

	// Search returns the raw results for key restricted to window
	Search(ctx context.Context, key QueryKey, window RecencyWindow) ([]SearchResult, error)
}

// Crawler resolves a URL to extracted page text
type Crawler interface {
	// Name identifies the crawler in logs and metrics
	Name() string

	// Fetch returns the page content as markdown or plain text
	Fetch(ctx context.Context, url string) (string, error)
}

// TextExtractor turns a downloaded document into plain text
type TextExtractor interface {
	// Extract reads the document at path
	Extract(ctx context.Context, path string) (string, error)
}

// Tool defines the interface for tools offered to the chat model
type Tool interface {
	// Name returns the tool name
	Name() string

	// Description returns the tool description
	Description() string

	// Schema returns the tool's parameter schema
	Schema() ToolSchema
}

// ToolRegistry manages available tools
type ToolRegistry interface {
	// Register registers a new tool
	Register(tool Tool) error

	// Get retrieves a tool by name
	Get(name string) (Tool, error)

	// List returns all available tools
	List() []Tool
}

// ChatOptions provides options for chat completions
type ChatOptions struct {
	Model       string       `json:"model,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Tools       []ToolSchema `json:"tools,omitempty"`
}

// ChatResponse represents a chat completion response
type ChatResponse struct {
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	Usage            TokenUsage `json:"usage"`
	FinishReason     string     `json:"finish_reason,omitempty"`
}

// ChatStreamResponse represents a streaming chat response chunk
type ChatStreamResponse struct {
	Content          string      `json:"content,omitempty"`
	ReasoningContent string      `json:"reasoning_content,omitempty"`
	Usage            *TokenUsage `json:"usage,omitempty"`
	Done             bool        `json:"done"`
	Error            error       `json:"-"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolSchema describes a function tool offered to the model
type ToolSchema struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Type        string                    `json:"type"`
	Properties  map[string]SchemaProperty `json:"properties"`
	Required    []string                  `json:"required,omitempty"`
}

// SchemaProperty defines a property in a tool schema
type SchemaProperty struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Enum        []string `json:"enum,omitempty"`
}
