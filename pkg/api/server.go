// Package api serves the agent behind an OpenAI-compatible HTTP interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/agent"
	"github.com/ncolesummers/deep-research-agent/pkg/config"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
	"github.com/ncolesummers/deep-research-agent/pkg/state"
	"github.com/ncolesummers/deep-research-agent/pkg/stream"
)

// Responder produces chat answers
type Responder interface {
	// Stream answers messages as deltas
	Stream(ctx context.Context, messages []domain.Message, mode agent.Mode) iter.Seq[stream.Delta]

	// StreamSSE answers messages as SSE frames ending with stream.DoneLine
	StreamSSE(ctx context.Context, model string, messages []domain.Message, mode agent.Mode) iter.Seq[string]
}

// Options configures a Server
type Options struct {
	Addr         string
	APIKey       string
	SystemPrompt string
	// ModelName prefixes the advertised model IDs
	ModelName       string
	RateLimit       config.RateLimitConfig
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          observability.Logger
	Telemetry       *observability.Telemetry
}

// Server is the HTTP front door
type Server struct {
	responder    Responder
	sessions     state.Store
	opts         Options
	limiter      *clientLimiter
	logger       observability.Logger
	telemetry    *observability.Telemetry
	httpServer   *http.Server
	now          func() time.Time
	shutdownOnce sync.Once
}

// NewServer creates a server answering with responder. sessions may be nil,
// in which case session lookups always miss.
func NewServer(responder Responder, sessions state.Store, opts Options) (*Server, error) {
	if responder == nil {
		return nil, fmt.Errorf("api: responder is required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if opts.ModelName == "" {
		opts.ModelName = "dra"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		responder: responder,
		sessions:  sessions,
		opts:      opts,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
		now:       time.Now,
	}
	if s.logger == nil {
		s.logger = observability.NewNopLogger()
	}
	if s.telemetry == nil {
		s.telemetry = observability.NewNopTelemetry()
	}
	if opts.RateLimit.Enabled {
		s.limiter = newClientLimiter(opts.RateLimit.RequestsPerMinute, opts.RateLimit.BurstSize)
	}
	return s, nil
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("POST /v1/chat/completions", s.protect(http.HandlerFunc(s.handleChatCompletions)))
	mux.Handle("GET /v1/models", s.protect(http.HandlerFunc(s.handleModels)))
	mux.Handle("GET /v1/sessions/{id}", s.protect(http.HandlerFunc(s.handleSession)))
	return s.loggingMiddleware(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.opts.Addr,
		Handler:     s.Handler(),
		ReadTimeout: s.opts.ReadTimeout,
		IdleTimeout: s.opts.IdleTimeout,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "api server listening", map[string]interface{}{
			"addr": s.opts.Addr,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	}
}

func (s *Server) shutdown() error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()

		s.logger.Info(shutdownCtx, "api server shutting down")
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	})
	return shutdownErr
}

// protect applies bearer authentication and per-client rate limiting
func (s *Server) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+s.opts.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		if s.limiter != nil && !s.limiter.allow(clientKey(r), s.now()) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller for rate limiting
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming working through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info(r.Context(), "http request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
	})
}
