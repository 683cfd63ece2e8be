// Package stream relays producer output to slow clients: a heartbeat relay
// that keeps idle connections alive, and OpenAI-style SSE chunk framing.
package stream

import (
	"context"
	"fmt"
	"iter"
	"runtime/debug"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/observability"
)

// HeartbeatLine is the SSE comment sent while the producer is silent
const HeartbeatLine = ":heartbeat\n\n"

const (
	DefaultHeartbeatTimeout = 15 * time.Second
	DefaultJoinTimeout      = 5 * time.Second
	DefaultBuffer           = 64
)

// HeartbeatOptions configures a Heartbeat
type HeartbeatOptions struct {
	// Timeout is how long the consumer waits for output before a heartbeat
	Timeout time.Duration
	// JoinTimeout bounds the wait for the producer after the consumer stops
	JoinTimeout time.Duration
	// Buffer is the queue capacity between producer and consumer
	Buffer    int
	Logger    observability.Logger
	Telemetry *observability.Telemetry
}

// Heartbeat runs a producer in the background and relays its output,
// inserting HeartbeatLine whenever the producer stays silent for Timeout.
type Heartbeat struct {
	timeout     time.Duration
	joinTimeout time.Duration
	buffer      int
	logger      observability.Logger
	telemetry   *observability.Telemetry
}

// NewHeartbeat creates a heartbeat relay
func NewHeartbeat(opts HeartbeatOptions) *Heartbeat {
	h := &Heartbeat{
		timeout:     opts.Timeout,
		joinTimeout: opts.JoinTimeout,
		buffer:      opts.Buffer,
		logger:      opts.Logger,
		telemetry:   opts.Telemetry,
	}
	if h.timeout <= 0 {
		h.timeout = DefaultHeartbeatTimeout
	}
	if h.joinTimeout <= 0 {
		h.joinTimeout = DefaultJoinTimeout
	}
	if h.buffer < 1 {
		h.buffer = DefaultBuffer
	}
	if h.logger == nil {
		h.logger = observability.NewNopLogger()
	}
	if h.telemetry == nil {
		h.telemetry = observability.NewNopTelemetry()
	}
	return h
}

// Relay starts produce in its own goroutine and yields its output with
// heartbeats in between. When the consumer stops or ctx ends, the producer's
// context is cancelled and the producer stops being forwarded; Relay then
// waits up to the join timeout for it to exit.
func (h *Heartbeat) Relay(ctx context.Context, produce func(ctx context.Context) iter.Seq[string]) iter.Seq[string] {
	return func(yield func(string) bool) {
		pctx, stop := context.WithCancel(ctx)
		queue := make(chan string, h.buffer)
		done := make(chan struct{})

		go h.produce(pctx, produce, queue, done)
		defer h.join(ctx, stop, done)

		timer := time.NewTimer(h.timeout)
		defer timer.Stop()

		for {
			timer.Reset(h.timeout)
			select {
			case item, ok := <-queue:
				if !ok {
					return
				}
				if !yield(item) {
					return
				}
			case <-timer.C:
				h.telemetry.Metrics().RecordHeartbeat(ctx)
				if !yield(HeartbeatLine) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// produce pushes every item of the producer into queue until stopped
func (h *Heartbeat) produce(ctx context.Context, produce func(ctx context.Context) iter.Seq[string], queue chan<- string, done chan<- struct{}) {
	defer close(done)
	defer close(queue)
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error(ctx, "stream producer panicked", fmt.Errorf("%v", rec), map[string]interface{}{
				"stack": string(debug.Stack()),
			})
		}
	}()

	for item := range produce(ctx) {
		select {
		case queue <- item:
		case <-ctx.Done():
			return
		}
	}
}

// join stops the producer and waits for it within the join timeout
func (h *Heartbeat) join(ctx context.Context, stop context.CancelFunc, done <-chan struct{}) {
	stop()
	select {
	case <-done:
	case <-time.After(h.joinTimeout):
		h.logger.Warn(ctx, "stream producer did not exit in time", map[string]interface{}{
			"join_timeout": h.joinTimeout.String(),
		})
	}
}
