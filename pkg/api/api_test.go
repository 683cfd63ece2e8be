package api_test

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/deep-research-agent/internal/testutil"
	"github.com/ncolesummers/deep-research-agent/pkg/agent"
	"github.com/ncolesummers/deep-research-agent/pkg/api"
	"github.com/ncolesummers/deep-research-agent/pkg/config"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/state"
	"github.com/ncolesummers/deep-research-agent/pkg/stream"
)

type fakeResponder struct {
	mu       sync.Mutex
	messages []domain.Message
	mode     agent.Mode
	model    string
	deltas   []stream.Delta
}

func (f *fakeResponder) record(messages []domain.Message, mode agent.Mode, model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = messages
	f.mode = mode
	f.model = model
}

func (f *fakeResponder) Stream(_ context.Context, messages []domain.Message, mode agent.Mode) iter.Seq[stream.Delta] {
	f.record(messages, mode, "")
	return func(yield func(stream.Delta) bool) {
		for _, d := range f.deltas {
			if !yield(d) {
				return
			}
		}
	}
}

func (f *fakeResponder) StreamSSE(_ context.Context, model string, messages []domain.Message, mode agent.Mode) iter.Seq[string] {
	f.record(messages, mode, model)
	return func(yield func(string) bool) {
		for _, d := range f.deltas {
			frame, _ := stream.Frame(stream.NewChunk("chatcmpl-test", model, d))
			if !yield(frame) {
				return
			}
		}
		yield(stream.DoneLine)
	}
}

func newServer(t *testing.T, opts api.Options, store state.Store) (*api.Server, *fakeResponder) {
	t.Helper()
	responder := &fakeResponder{deltas: []stream.Delta{
		{ReasoningContent: "thinking"},
		{Content: "hello "},
		{Content: "world"},
	}}
	srv, err := api.NewServer(responder, store, opts)
	require.NoError(t, err)
	return srv, responder
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const chatBody = `{"model": "summary-search", "messages": [{"role": "system", "content": "client prompt"}, {"role": "user", "content": "hi"}]}`

func TestNewServer_RequiresResponder(t *testing.T) {
	_, err := api.NewServer(nil, nil, api.Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv, _ := newServer(t, api.Options{APIKey: "secret"}, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestChatCompletions_RejectsBadAPIKey(t *testing.T) {
	srv, _ := newServer(t, api.Options{APIKey: "secret"}, nil)

	for _, token := range []string{"", "wrong"} {
		rec := do(t, srv.Handler(), http.MethodPost, "/v1/chat/completions", chatBody, token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error": "invalid API key"}`, rec.Body.String())
	}
}

func TestChatCompletions_BadRequests(t *testing.T) {
	srv, _ := newServer(t, api.Options{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"no messages", `{"model": "m", "messages": []}`},
		{"messages missing", `{"model": "m"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv.Handler(), http.MethodPost, "/v1/chat/completions", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	srv, responder := newServer(t, api.Options{APIKey: "secret", SystemPrompt: "server prompt {current_time}"}, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/chat/completions", chatBody, "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Index   int `json:"index"`
			Message struct {
				Role             string `json:"role"`
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage map[string]int `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "summary-search", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "hello world", resp.Choices[0].Message.Content)
	assert.Equal(t, "thinking", resp.Choices[0].Message.ReasoningContent)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Zero(t, resp.Usage["total_tokens"])

	assert.Equal(t, agent.ModeSearch, responder.mode)
	require.Len(t, responder.messages, 2)
	assert.Equal(t, "system", responder.messages[0].Role)
	assert.True(t, strings.HasPrefix(responder.messages[0].Content, "server prompt "))
	assert.NotContains(t, responder.messages[0].Content, "{current_time}")
	assert.Equal(t, domain.Message{Role: "user", Content: "hi"}, responder.messages[1])
}

func TestChatCompletions_DeepResearchModel(t *testing.T) {
	srv, responder := newServer(t, api.Options{}, nil)

	body := `{"model": "summary-deep-research", "messages": [{"role": "user", "content": "dig in"}]}`
	rec := do(t, srv.Handler(), http.MethodPost, "/v1/chat/completions", body, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, agent.ModeDeepResearch, responder.mode)
}

func TestChatCompletions_Streaming(t *testing.T) {
	srv, responder := newServer(t, api.Options{}, nil)

	body := `{"model": "summary-search", "stream": true, "messages": [{"role": "user", "content": "hi"}]}`
	rec := do(t, srv.Handler(), http.MethodPost, "/v1/chat/completions", body, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)

	frames := strings.SplitAfter(rec.Body.String(), "\n\n")
	require.Len(t, frames, 5, "three chunks, done marker and trailing empty split")
	assert.Contains(t, frames[0], `"reasoning_content":"thinking"`)
	assert.Contains(t, frames[1], `"content":"hello "`)
	assert.Equal(t, stream.DoneLine, frames[3])
	assert.Equal(t, "summary-search", responder.model)
}

func TestModels(t *testing.T) {
	srv, _ := newServer(t, api.Options{ModelName: "qwen"}, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/v1/models", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "qwen-search", list.Data[0].ID)
	assert.Equal(t, "qwen-deep-research", list.Data[1].ID)
}

func TestSessions(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	store := state.NewMemoryStore(0)
	session := state.NewResearchSession("what happened?", 3, 10)
	require.NoError(t, store.Save(ctx, session))

	srv, _ := newServer(t, api.Options{}, store)

	rec := do(t, srv.Handler(), http.MethodGet, "/v1/sessions/"+session.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot state.SessionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, session.ID, snapshot.ID)
	assert.Equal(t, "what happened?", snapshot.Query)

	rec = do(t, srv.Handler(), http.MethodGet, "/v1/sessions/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions_NoStore(t *testing.T) {
	srv, _ := newServer(t, api.Options{}, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/v1/sessions/anything", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	srv, _ := newServer(t, api.Options{RateLimit: config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		BurstSize:         2,
	}}, nil)
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/models", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/models", "", "").Code)

	rec := do(t, h, http.MethodGet, "/v1/models", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// health checks are never limited
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", "").Code)
}

func TestRateLimit_Disabled(t *testing.T) {
	srv, _ := newServer(t, api.Options{RateLimit: config.RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1}}, nil)
	h := srv.Handler()

	for range 5 {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/models", "", "").Code)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	srv, _ := newServer(t, api.Options{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
