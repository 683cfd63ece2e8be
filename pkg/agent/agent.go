// Package agent is the chat entry point: the base chat model decides whether
// to search, the chosen research mode runs, and the summary model answers.
package agent

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/evaluate"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
	"github.com/ncolesummers/deep-research-agent/pkg/stream"
	"github.com/ncolesummers/deep-research-agent/pkg/tools"
	"github.com/ncolesummers/deep-research-agent/pkg/workflow"
)

// Mode selects what the search tool runs
type Mode int

const (
	// ModeSearch runs a single quick search
	ModeSearch Mode = iota + 1
	// ModeDeepResearch runs the iterative research loop
	ModeDeepResearch
)

// String returns the mode name used in logs and metrics
func (m Mode) String() string {
	switch m {
	case ModeDeepResearch:
		return "deep_research"
	default:
		return "search"
	}
}

// FailureMessage is the answer sent when no model can produce one
const FailureMessage = "Sorry, the request failed. Please try again later."

const searchDataTemplate = `

Current time: %s
Below is material collected from a web search. It was gathered automatically
and may be incomplete, outdated or unrelated to the question. Judge its
reliability, ignore other people's summaries, prefer official or authoritative
sources when they exist, and check that dates satisfy any time constraint in
the question.
%s`

// Options configures an Agent
type Options struct {
	Heartbeat *stream.Heartbeat
	Logger    observability.Logger
	Telemetry *observability.Telemetry
}

// Agent answers chat conversations, searching the web when the base chat
// model asks for it
type Agent struct {
	chat       domain.LLMClient
	registry   *tools.BasicRegistry
	quick      *workflow.QuickSearch
	research   *workflow.ResearchLoop
	summarizer *workflow.Summarizer
	heartbeat  *stream.Heartbeat
	logger     observability.Logger
	telemetry  *observability.Telemetry
	now        func() time.Time
}

// New creates an agent
func New(chat domain.LLMClient, registry *tools.BasicRegistry, quick *workflow.QuickSearch, research *workflow.ResearchLoop, summarizer *workflow.Summarizer, opts Options) (*Agent, error) {
	if chat == nil {
		return nil, fmt.Errorf("agent: chat client is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("agent: tool registry is required")
	}
	if quick == nil || research == nil {
		return nil, fmt.Errorf("agent: quick search and research loop are required")
	}
	if summarizer == nil {
		return nil, fmt.Errorf("agent: summarizer is required")
	}

	a := &Agent{
		chat:       chat,
		registry:   registry,
		quick:      quick,
		research:   research,
		summarizer: summarizer,
		heartbeat:  opts.Heartbeat,
		logger:     opts.Logger,
		telemetry:  opts.Telemetry,
		now:        time.Now,
	}
	if a.logger == nil {
		a.logger = observability.NewNopLogger()
	}
	if a.telemetry == nil {
		a.telemetry = observability.NewNopTelemetry()
	}
	if a.heartbeat == nil {
		a.heartbeat = stream.NewHeartbeat(stream.HeartbeatOptions{Logger: a.logger, Telemetry: a.telemetry})
	}
	return a, nil
}

// Stream answers the conversation. Progress of a search arrives as reasoning
// content; the answer arrives as content.
func (a *Agent) Stream(ctx context.Context, messages []domain.Message, mode Mode) iter.Seq[stream.Delta] {
	return func(yield func(stream.Delta) bool) {
		resp, err := a.chat.Chat(ctx, messages, domain.ChatOptions{Temperature: 0.1, Tools: a.registry.Schemas()})
		if err != nil {
			a.logger.Error(ctx, "base chat failed", err)
			yield(stream.Delta{Content: FailureMessage})
			return
		}

		if resp.ReasoningContent != "" {
			if !yield(stream.Delta{ReasoningContent: resp.ReasoningContent}) {
				return
			}
		}

		call, ok := searchCall(resp.ToolCalls)
		if !ok {
			yield(stream.Delta{Content: resp.Content})
			return
		}

		if resp.Content != "" {
			if !yield(stream.Delta{ReasoningContent: resp.Content}) {
				return
			}
		}
		if !yield(stream.Delta{ReasoningContent: "\n\n"}) {
			return
		}

		a.logger.Info(ctx, "search tool called", map[string]interface{}{
			"tool_call_id": call.ID,
			"mode":         mode.String(),
		})
		a.searchAndSummarize(ctx, messages, mode, yield)
	}
}

func searchCall(calls []domain.ToolCall) (domain.ToolCall, bool) {
	for _, c := range calls {
		if c.Name == tools.SearchToolName {
			return c, true
		}
	}
	return domain.ToolCall{}, false
}

func (a *Agent) searchAndSummarize(ctx context.Context, messages []domain.Message, mode Mode, yield func(stream.Delta) bool) {
	conversation := WithoutSystem(messages)

	var payload string
	stopped := false
	_ = a.telemetry.InstrumentToolExecution(ctx, tools.SearchToolName, func(ctx context.Context) error {
		for event := range a.progress(ctx, conversation, mode) {
			if results, ok := workflow.IsResultsEvent(event); ok {
				payload = results
				continue
			}
			if event == "" {
				continue
			}
			if !yield(stream.Delta{ReasoningContent: event}) {
				stopped = true
				return ctx.Err()
			}
		}
		return nil
	})
	if stopped {
		return
	}

	summaryMessages := AppendSearchData(conversation, payload, a.now())
	a.summarize(ctx, summaryMessages, yield)
}

func (a *Agent) progress(ctx context.Context, conversation []domain.Message, mode Mode) iter.Seq[string] {
	text := Transcript(conversation)
	if mode == ModeDeepResearch {
		return a.research.Run(ctx, text)
	}
	return a.quick.Stream(ctx, text)
}

// summarize streams the summary model's answer, ending with an empty content delta
func (a *Agent) summarize(ctx context.Context, messages []domain.Message, yield func(stream.Delta) bool) {
	ch, err := a.summarizer.Stream(ctx, messages)
	if err != nil {
		a.logger.Error(ctx, "summary failed", err)
		yield(stream.Delta{Content: FailureMessage})
		return
	}

	for chunk := range ch {
		if chunk.Error != nil {
			a.logger.Error(ctx, "summary stream broke", chunk.Error)
			yield(stream.Delta{Content: "\n\n" + FailureMessage})
			return
		}
		if chunk.ReasoningContent != "" {
			if !yield(stream.Delta{ReasoningContent: chunk.ReasoningContent}) {
				return
			}
		}
		if chunk.Content != "" {
			if !yield(stream.Delta{Content: chunk.Content}) {
				return
			}
		}
		if chunk.Done {
			break
		}
	}
	yield(stream.Delta{})
}

// StreamSSE answers the conversation as SSE frames for model, with heartbeats
// while the agent is silent. The last frame is stream.DoneLine.
func (a *Agent) StreamSSE(ctx context.Context, model string, messages []domain.Message, mode Mode) iter.Seq[string] {
	id := stream.NewCompletionID()
	produce := func(ctx context.Context) iter.Seq[string] {
		return func(yield func(string) bool) {
			for delta := range a.Stream(ctx, messages, mode) {
				frame, err := stream.Frame(stream.NewChunk(id, model, delta))
				if err != nil {
					a.logger.Error(ctx, "failed to frame chunk", err)
					continue
				}
				if !yield(frame) {
					return
				}
			}
		}
	}

	return func(yield func(string) bool) {
		for frame := range a.heartbeat.Relay(ctx, produce) {
			if !yield(frame) {
				return
			}
		}
		yield(stream.DoneLine)
	}
}

// WithoutSystem returns the conversation without system messages
func WithoutSystem(messages []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != "system" {
			out = append(out, m)
		}
	}
	return out
}

// Transcript renders messages as the plain text handed to the planners
func Transcript(messages []domain.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// AppendSearchData returns a copy of messages whose last user message carries
// the search results and the current time
func AppendSearchData(messages []domain.Message, results string, now time.Time) []domain.Message {
	out := make([]domain.Message, len(messages))
	copy(out, messages)

	data := fmt.Sprintf(searchDataTemplate, now.Format(evaluate.TimeLayout), results)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == "user" {
			out[i].Content += data
			return out
		}
	}
	return append(out, domain.Message{Role: "user", Content: strings.TrimSpace(data)})
}

// SystemPrompt is the server's system message for a conversation started at now
func SystemPrompt(template string, now time.Time) domain.Message {
	if template == "" {
		template = DefaultSystemPrompt
	}
	return domain.Message{Role: "system", Content: strings.ReplaceAll(template, "{current_time}", now.Format(evaluate.TimeLayout))}
}

// DefaultSystemPrompt is used when no system prompt is configured
const DefaultSystemPrompt = `You are a helpful assistant with access to a web search tool.
The current time is {current_time}.
Call the search tool whenever the question depends on recent events, facts you
are unsure of, or anything that benefits from sources. Otherwise answer directly.`
