package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ncolesummers/deep-research-agent/pkg/agent"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/state"
	"github.com/ncolesummers/deep-research-agent/pkg/stream"
)

// deepResearchMarker in a requested model name selects deep research
const deepResearchMarker = "deep-research"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type completionMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   domain.TokenUsage  `json:"usage"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// modeFor picks the research mode from the requested model name
func modeFor(model string) agent.Mode {
	if strings.Contains(model, deepResearchMarker) {
		return agent.ModeDeepResearch
	}
	return agent.ModeSearch
}

// conversation replaces client system messages with the server's own
func (s *Server) conversation(messages []chatMessage) []domain.Message {
	out := []domain.Message{agent.SystemPrompt(s.opts.SystemPrompt, s.now())}
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		out = append(out, domain.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	ctx := r.Context()
	mode := modeFor(req.Model)
	messages := s.conversation(req.Messages)
	model := req.Model
	if model == "" {
		model = s.opts.ModelName + "-search"
	}

	s.logger.Info(ctx, "chat completion requested", map[string]interface{}{
		"model":    model,
		"mode":     mode.String(),
		"stream":   req.Stream,
		"messages": len(messages),
	})

	if req.Stream {
		s.streamCompletion(w, r, model, messages, mode)
		return
	}

	var content, reasoning strings.Builder
	for delta := range s.responder.Stream(ctx, messages, mode) {
		content.WriteString(delta.Content)
		reasoning.WriteString(delta.ReasoningContent)
	}

	writeJSON(w, http.StatusOK, completionResponse{
		ID:      stream.NewCompletionID(),
		Object:  "chat.completion",
		Created: s.now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Index: 0,
			Message: completionMessage{
				Role:             "assistant",
				Content:          content.String(),
				ReasoningContent: reasoning.String(),
			},
			FinishReason: "stop",
		}},
	})
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, model string, messages []domain.Message, mode agent.Mode) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for frame := range s.responder.StreamSSE(ctx, model, messages, mode) {
		if _, err := w.Write([]byte(frame)); err != nil {
			s.logger.Warn(ctx, "client went away", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	created := s.now().Unix()
	list := modelList{Object: "list"}
	for _, suffix := range []string{"-search", "-" + deepResearchMarker} {
		list.Data = append(list.Data, modelEntry{
			ID:      s.opts.ModelName + suffix,
			Object:  "model",
			Created: created,
			OwnedBy: "deep-research-agent",
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.sessions == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	snapshot, err := s.sessions.Load(r.Context(), id)
	switch {
	case errors.Is(err, state.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		s.logger.Error(r.Context(), "failed to load session", err, map[string]interface{}{
			"session_id": id,
		})
		writeError(w, http.StatusBadRequest, "invalid session ID")
	default:
		writeJSON(w, http.StatusOK, snapshot)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"active_research": s.telemetry.Metrics().GetActiveResearchCount(),
	})
}
