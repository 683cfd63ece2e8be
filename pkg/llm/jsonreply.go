package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

var (
	thinkBlock    = regexp.MustCompile(`(?s)^\s*<think>.*?</think>`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// StripThinking removes a leading <think>...</think> block that reasoning models emit
func StripThinking(text string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(text, ""))
}

// ExtractJSON pulls the outermost JSON object or array out of a model reply.
// Reasoning blocks, markdown fences and /* */ comments are ignored.
func ExtractJSON(text string) (string, error) {
	text = StripThinking(text)
	text = blockComments.ReplaceAllString(text, "")

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", fmt.Errorf("%w: no JSON in reply", domain.ErrMalformedResponse)
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end < start {
		return "", fmt.Errorf("%w: unterminated JSON in reply", domain.ErrMalformedResponse)
	}
	return text[start : end+1], nil
}

// DecodeJSON extracts the JSON payload from text and decodes it into v
func DecodeJSON(text string, v any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	return nil
}
