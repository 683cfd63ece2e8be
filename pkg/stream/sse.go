package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DoneLine terminates an SSE chat completion stream
const DoneLine = "data: [DONE]\n\n"

// Delta is one increment of an assistant reply
type Delta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
}

// ChunkChoice is the single choice of a streamed chunk
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Chunk is an OpenAI chat.completion.chunk object
type Chunk struct {
	ID          string        `json:"id"`
	Object      string        `json:"object"`
	Created     int64         `json:"created"`
	Model       string        `json:"model"`
	ServiceTier string        `json:"service_tier"`
	Choices     []ChunkChoice `json:"choices"`
	Usage       *struct{}     `json:"usage"`
}

// NewChunk wraps delta in a chunk for model. Every chunk of one reply should
// share id.
func NewChunk(id, model string, delta Delta) Chunk {
	if delta.Role == "" {
		delta.Role = "assistant"
	}
	return Chunk{
		ID:          id,
		Object:      "chat.completion.chunk",
		Created:     time.Now().Unix(),
		Model:       model,
		ServiceTier: "default",
		Choices:     []ChunkChoice{{Index: 0, Delta: delta}},
	}
}

// NewCompletionID returns an identifier for one chat completion
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// Frame encodes v as a single SSE data frame
func Frame(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode stream frame: %w", err)
	}
	return "data: " + string(data) + "\n\n", nil
}
