package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"
	"gopkg.in/cenkalti/backoff.v1"

	"biomarker-session/internal/shared/metrics"
	"biomarker-session/internal/shared/telemetry"
)

// Event is one analysis_status notification as received from the stream.
type Event struct {
	// SessionID is the id the subscription was opened for.
	SessionID string
	// ID is the SSE id field, empty when the engine sent none.
	ID   string
	Name string
	Data []byte
}

// Stream is a live push-event subscription.
type Stream interface {
	// Cancel tears the subscription down. After Cancel returns no callback fires.
	Cancel()
	// Done is closed once the subscription goroutine has exited.
	Done() <-chan struct{}
}

// Subscription delivers events for one session until cancelled or until the
// stream ends. Unless cancelled first, every subscription finishes with one
// onError call: a StreamError wrapping ErrStreamEnded when the engine closed
// the stream after a terminal status, otherwise the last failure after the
// single reconnect.
type Subscription struct {
	client    *Client
	sessionID string
	url       string
	onEvent   func(Event)
	onError   func(error)
	cancel    context.CancelFunc
	done      chan struct{}

	// mu serializes callbacks against Cancel.
	mu     sync.Mutex
	closed bool

	delivered atomic.Uint64
	terminal  atomic.Bool
}

// Subscribe opens the push-event stream for sessionID. Callbacks run on the
// subscription goroutine one at a time and must not block or call Cancel.
// Opening a subscription cancels the previous one held by this client.
func (c *Client) Subscribe(ctx context.Context, sessionID string, onEvent func(Event), onError func(error)) Stream {
	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		client:    c,
		sessionID: sessionID,
		url:       c.endpoint("/api/analysis/events", sessionID),
		onEvent:   onEvent,
		onError:   onError,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	prev := c.active
	c.active = s
	c.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	go s.run(subCtx)
	return s
}

// Cancel implements Stream.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()
	s.client.release(s)
}

// Done implements Stream.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	sc := sse.NewClient(s.url)
	sc.Connection = s.client.streamClient
	// The single reconnect is owned by this loop, not by the library.
	sc.ReconnectStrategy = &backoff.StopBackOff{}
	sc.Headers["X-Request-Id"] = uuid.NewString()

	attempts := 0
	var lastErr error
	for {
		attempts++
		before := s.delivered.Load()
		err := sc.SubscribeRawWithContext(ctx, s.handle)
		if ctx.Err() != nil {
			return
		}
		if s.terminal.Load() {
			// No reconnect; the consumer decides whether it took the terminal status.
			s.fail(&StreamError{SessionID: s.sessionID, Attempts: attempts, Err: ErrStreamEnded})
			return
		}
		if err == nil {
			err = errStreamClosed
		}
		lastErr = err
		if s.delivered.Load() > before {
			// The stream made progress, so this is a fresh failure.
			attempts = 1
		}
		if attempts >= maxStreamAttempts {
			break
		}

		telemetry.Warn("engine.stream_reconnect", map[string]any{
			"session_id": s.sessionID,
			"attempt":    attempts + 1,
			"error":      err,
		})
		metrics.IncStreamReconnect()
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.client.reconnectDelay):
		}
	}

	s.fail(&StreamError{SessionID: s.sessionID, Attempts: attempts, Err: lastErr})
}

func (s *Subscription) handle(msg *sse.Event) {
	name := string(msg.Event)
	if name != StatusEventName {
		telemetry.Warn("engine.stream_event_ignored", map[string]any{
			"session_id": s.sessionID,
			"event":      name,
		})
		return
	}
	ev := Event{
		SessionID: s.sessionID,
		ID:        string(msg.ID),
		Name:      name,
		Data:      append([]byte(nil), msg.Data...),
	}
	s.delivered.Add(1)
	if status, err := DecodeStatus(ev.Data); err == nil && (IsSuccessPhase(status.Phase) || IsErrorPhase(status.Phase)) {
		// The engine closes the stream after a terminal status.
		s.terminal.Store(true)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.onEvent(ev)
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.onError(err)
	s.mu.Unlock()
	s.client.release(s)
}
