package acquire

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/llm"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
	"github.com/ncolesummers/deep-research-agent/pkg/retry"
)

const (
	// DefaultCompressThreshold is the rune count above which content is compressed
	DefaultCompressThreshold = 2000

	// DefaultCompressInputCap bounds the content sent to the compression model
	DefaultCompressInputCap = 70000

	// compressSentinel prefixes a short structured reply instead of extracted text.
	// "//--++-" means nothing on the page is relevant; "//--+++" asks to keep
	// the page as fetched.
	compressSentinel = "//--++"

	// sentinelReplyLimit is the reply length below which the sentinel is honored
	sentinelReplyLimit = 50
)

const compressSystemPrompt = `You extract information from a web page for a researcher.
Keep every fact, number, date, name and quotation that bears on the information the user needs, in the page's own wording where possible, and drop navigation, advertising and unrelated text.
Answer with the extracted text only.
If nothing on the page is relevant, answer exactly "//--++-".
If the page is already dense and relevant as a whole, answer exactly "//--+++".`

// CompressPolicy is three attempts one second apart
var CompressPolicy = retry.Policy{Attempts: 3, Delay: time.Second}

// CompressorOptions configures a Compressor
type CompressorOptions struct {
	Threshold int
	InputCap  int
	Policy    *retry.Policy
	Logger    observability.Logger
	Telemetry *observability.Telemetry
}

// Compressor condenses long page content to what matters for a research purpose
type Compressor struct {
	client    domain.LLMClient
	threshold int
	inputCap  int
	policy    retry.Policy
	logger    observability.Logger
	telemetry *observability.Telemetry
}

// NewCompressor creates a compressor over the COMPRESS model client
func NewCompressor(client domain.LLMClient, opts CompressorOptions) *Compressor {
	c := &Compressor{
		client:    client,
		threshold: opts.Threshold,
		inputCap:  opts.InputCap,
		policy:    CompressPolicy,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
	}
	if c.threshold <= 0 {
		c.threshold = DefaultCompressThreshold
	}
	if c.inputCap <= 0 {
		c.inputCap = DefaultCompressInputCap
	}
	if opts.Policy != nil {
		c.policy = *opts.Policy
	}
	if c.logger == nil {
		c.logger = observability.NewNopLogger()
	}
	if c.telemetry == nil {
		c.telemetry = observability.NewNopTelemetry()
	}
	return c
}

// Compress returns content unchanged when it is short, otherwise the model's
// extraction of what purpose needs. It returns "" when the model reports that
// nothing is relevant or every attempt fails.
func (c *Compressor) Compress(ctx context.Context, url, purpose, hint, content string) string {
	length := utf8.RuneCountInString(content)
	if length <= c.threshold {
		c.telemetry.Metrics().RecordContentCompress(ctx, "skipped")
		return content
	}

	capped := truncateRunes(content, c.inputCap)
	messages := []domain.Message{
		{Role: "system", Content: compressSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Information needed: %s\n\nPage title and summary: %s\nPage URL: %s\nPage content:\n%s", purpose, hint, url, capped)},
	}

	start := time.Now()
	reply, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (string, error) {
		resp, err := c.client.Chat(ctx, messages, domain.ChatOptions{Temperature: 0.1})
		if err != nil {
			c.logger.Warn(ctx, "compression attempt failed", map[string]interface{}{
				"url":   url,
				"error": err.Error(),
			})
			return "", err
		}
		if strings.TrimSpace(resp.Content) == "" {
			return "", domain.ErrEmptyResponse
		}
		return resp.Content, nil
	})
	if err != nil {
		c.logger.Error(ctx, "content compression failed", err, map[string]interface{}{
			"url": url,
		})
		c.telemetry.Metrics().RecordContentCompress(ctx, "error")
		return ""
	}

	reply = llm.StripThinking(reply)
	if out, ok := c.sentinel(reply, capped); ok {
		status := "kept"
		if out == "" {
			status = "irrelevant"
		}
		c.telemetry.Metrics().RecordContentCompress(ctx, status)
		return out
	}

	out := strings.TrimSpace(reply)
	c.logger.Info(ctx, "content compressed", map[string]interface{}{
		"url":         url,
		"original":    length,
		"compressed":  utf8.RuneCountInString(out),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	c.telemetry.Metrics().RecordContentCompress(ctx, "success")
	return out
}

// sentinel interprets a short structured reply. The marker character after the
// sentinel decides: "-" drops the page, "+" keeps the fetched content.
func (c *Compressor) sentinel(reply, content string) (string, bool) {
	if utf8.RuneCountInString(reply) >= sentinelReplyLimit || !strings.Contains(reply, compressSentinel) {
		return "", false
	}
	_, marker, _ := strings.Cut(reply, compressSentinel)
	switch {
	case strings.Contains(marker, "-"):
		return "", true
	case strings.Contains(marker, "+"):
		return content, true
	default:
		return "", true
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
