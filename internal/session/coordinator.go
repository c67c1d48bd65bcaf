// Package session coordinates the lifecycle of a single remote biomarker
// analysis: payload validation, job start, push-event reconciliation and
// result retrieval, published through an observable state store.
package session

import (
	"context"
	"sync"
	"time"

	"biomarker-session/internal/engine"
	"biomarker-session/internal/shared/metrics"
	"biomarker-session/internal/shared/telemetry"
)

const (
	defaultStartTimeout     = 30 * time.Second
	defaultRetryDelay       = 500 * time.Millisecond
	defaultDiagnosticBuffer = 64
)

// Engine is the remote analysis service as seen by the coordinator.
type Engine interface {
	Start(ctx context.Context, req engine.StartRequest) (string, error)
	Subscribe(ctx context.Context, sessionID string, onEvent func(engine.Event), onError func(error)) engine.Stream
	FetchResult(ctx context.Context, sessionID string) (*engine.Result, error)
}

// Options tunes a Coordinator. Zero values select defaults.
type Options struct {
	// StartTimeout bounds the wait for the first notification while starting.
	StartTimeout time.Duration
	// RetryDelay is the pause before the single result-fetch retry.
	RetryDelay time.Duration
	// DiagnosticBuffer is the capacity of the Diagnostics channel.
	DiagnosticBuffer int
}

// Coordinator owns the single active session.
type Coordinator struct {
	engine Engine
	store  *Store
	opts   Options
	diag   chan Diagnostic

	mu     sync.Mutex
	active *run

	unobserve func()
}

func NewCoordinator(eng Engine, opts Options) *Coordinator {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.DiagnosticBuffer <= 0 {
		opts.DiagnosticBuffer = defaultDiagnosticBuffer
	}
	c := &Coordinator{
		engine: eng,
		store:  NewStore(),
		opts:   opts,
		diag:   make(chan Diagnostic, opts.DiagnosticBuffer),
	}
	c.unobserve = c.store.Subscribe(newObserver().observe)
	return c
}

// Submit validates raw, replaces any active session and starts a new
// analysis. It returns the engine's session id once the job is accepted.
// Later progress is observed through State and Subscribe.
func (c *Coordinator) Submit(ctx context.Context, raw RawPayload) (string, error) {
	payload, err := ValidatePayload(raw)
	if err != nil {
		telemetry.Warn("session.submit_invalid", map[string]any{"error": err})
		return "", err
	}

	c.mu.Lock()
	if prev := c.active; prev != nil {
		if prev.cancelSession() {
			telemetry.Info("session.replaced", map[string]any{"session_id": prev.currentSessionID()})
		}
	}
	gen := c.store.begin(payload)
	r := newRun(c, gen)
	c.active = r
	c.mu.Unlock()
	c.store.flush()

	go r.loop()
	return r.start(ctx, payload)
}

// Cancel abandons the active session. It returns ErrNoActiveSession when no
// session is starting or streaming.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	r := c.active
	ok := r != nil && r.cancelSession()
	c.mu.Unlock()
	c.store.flush()
	if !ok {
		return ErrNoActiveSession
	}
	telemetry.Info("session.cancelled", map[string]any{"session_id": r.currentSessionID()})
	return nil
}

// Reset cancels any active session and returns the store to idle.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	if r := c.active; r != nil {
		r.cancelSession()
		c.active = nil
	}
	c.store.reset()
	c.mu.Unlock()
	c.store.flush()
}

// State returns the current session snapshot.
func (c *Coordinator) State() Session {
	return c.store.GetState()
}

// Subscribe registers l for every accepted transition and returns its
// unsubscribe function. l may call back into the Coordinator.
//
// Listeners see transitions one at a time and in order, on whichever
// goroutine is draining the queue. A Cancel, Reset or Submit that races the
// reconciler can therefore return before l has seen the transition it
// caused; State always reflects it.
func (c *Coordinator) Subscribe(l Listener) func() {
	return c.store.Subscribe(l)
}

// Diagnostics reports ignored notifications. Reports are dropped when the
// channel is full.
func (c *Coordinator) Diagnostics() <-chan Diagnostic {
	return c.diag
}

// Close cancels the active session and waits for its reconciler to exit.
func (c *Coordinator) Close() {
	c.mu.Lock()
	r := c.active
	if r != nil {
		r.cancelSession()
	}
	c.mu.Unlock()
	c.store.flush()
	if r != nil {
		<-r.done
	}
	c.unobserve()
}

func (c *Coordinator) diagnose(d Diagnostic) {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	fields := map[string]any{
		"kind":       string(d.Kind),
		"session_id": d.SessionID,
		"event_id":   d.EventID,
	}
	if d.Reason != "" {
		fields["reason"] = d.Reason
	}
	if d.Err != nil {
		fields["error"] = d.Err
	}
	telemetry.Warn("session.event_ignored", fields)
	select {
	case c.diag <- d:
	default:
	}
}

// observer turns transitions into lifecycle metrics.
type observer struct {
	last Phase
}

func newObserver() *observer {
	return &observer{last: PhaseIdle}
}

func (o *observer) observe(s Session) {
	prev := o.last
	o.last = s.Phase
	if s.Phase == prev {
		return
	}
	switch s.Phase {
	case PhaseStarting:
		metrics.IncSessionStarted()
		return
	case PhaseComplete:
		metrics.IncSessionCompleted()
	case PhaseFailed:
		metrics.IncSessionFailed()
	case PhaseCancelled:
		metrics.IncSessionCancelled()
	default:
		return
	}
	metrics.ObserveSessionDurationMs(float64(s.UpdatedAt.Sub(s.SubmittedAt).Milliseconds()))
}
