package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"biomarker-session/internal/engine"
	"biomarker-session/internal/shared/metrics"
	"biomarker-session/internal/shared/telemetry"
)

// startingPhases are engine phases that keep the session in starting.
var startingPhases = map[string]bool{
	"queued":   true,
	"pending":  true,
	"starting": true,
}

type inboxItem struct {
	event *engine.Event
	err   error
}

// inbox is an unbounded FIFO. push never blocks, so stream callbacks cannot
// stall on the reconciler.
type inbox struct {
	mu     sync.Mutex
	items  []inboxItem
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (q *inbox) push(it inboxItem) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *inbox) drain() []inboxItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// run reconciles one submitted session against engine notifications. All
// state changes go through the store guarded by gen, so a run that has been
// cancelled or replaced can no longer mutate the visible session.
type run struct {
	c      *Coordinator
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	inbox  *inbox
	done   chan struct{}

	mu        sync.Mutex
	stream    engine.Stream
	stopped   bool
	sessionID string
	failErr   error

	// Owned by the loop goroutine.
	sawEvent       bool
	awaitingResult bool
}

func newRun(c *Coordinator, gen uint64) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		c:      c,
		gen:    gen,
		ctx:    ctx,
		cancel: cancel,
		inbox:  newInbox(),
		done:   make(chan struct{}),
	}
}

// start asks the engine to begin the analysis and opens the event stream.
func (r *run) start(ctx context.Context, payload *Payload) (string, error) {
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(r.ctx, cancel)
	defer stopAfter()

	id, err := r.c.engine.Start(startCtx, payload.StartRequest())
	if err != nil {
		if r.ctx.Err() != nil {
			return "", r.terminalErr()
		}
		r.fail(err)
		return "", err
	}

	_, ok := r.c.store.update(r.gen, func(s *Session) bool {
		if s.Phase != PhaseStarting {
			return false
		}
		s.SessionID = id
		return true
	})
	if !ok {
		return "", r.terminalErr()
	}
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()

	telemetry.Info("session.started", map[string]any{
		"session_id": id,
		"biomarkers": len(payload.biomarkers),
	})
	stream := r.c.engine.Subscribe(r.ctx, id,
		func(ev engine.Event) { r.inbox.push(inboxItem{event: &ev}) },
		func(err error) { r.inbox.push(inboxItem{err: err}) },
	)
	r.setStream(stream)
	return id, nil
}

func (r *run) loop() {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.Error("session.reconciler_panic", map[string]any{
				"session_id": r.currentSessionID(),
				"panic":      fmt.Sprint(rec),
			})
			r.fail(fmt.Errorf("reconciler panic: %v", rec))
		}
	}()

	timer := time.NewTimer(r.c.opts.StartTimeout)
	defer timer.Stop()
	timeout := timer.C

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-timeout:
			timeout = nil
			if !r.sawEvent {
				r.fail(&TimeoutError{After: r.c.opts.StartTimeout})
			}
		case <-r.inbox.signal:
			for _, it := range r.inbox.drain() {
				if it.event != nil {
					r.handleEvent(*it.event)
				} else {
					r.handleStreamError(it.err)
				}
				if r.ctx.Err() != nil {
					return
				}
			}
		}
		if r.sawEvent && timeout != nil {
			timer.Stop()
			timeout = nil
		}
	}
}

func (r *run) handleEvent(ev engine.Event) {
	status, err := engine.DecodeStatus(ev.Data)
	if err != nil {
		metrics.IncEventMalformed()
		r.c.diagnose(Diagnostic{Kind: DiagMalformedEvent, SessionID: ev.SessionID, EventID: ev.ID, Err: err})
		return
	}
	seq, hasSeq := parseSeq(ev.ID)

	var (
		reason    string
		fetch     bool
		fromPhase Phase
	)
	snap, ok := r.c.store.update(r.gen, func(s *Session) bool {
		switch {
		case s.Phase.Terminal():
			reason = "session already " + string(s.Phase)
			return false
		case s.SessionID == "" || ev.SessionID != s.SessionID:
			reason = "event for a different session"
			return false
		case status.AnalysisID != "" && status.AnalysisID != s.SessionID:
			reason = "event names analysis " + status.AnalysisID
			return false
		case hasSeq && seq <= s.EventSeq:
			reason = fmt.Sprintf("stale sequence %d <= %d", seq, s.EventSeq)
			return false
		case r.awaitingResult:
			reason = "result retrieval in progress"
			return false
		}
		r.sawEvent = true
		fromPhase = s.Phase
		nextSeq := s.EventSeq + 1
		if hasSeq {
			nextSeq = seq
		}

		switch {
		case engine.IsErrorPhase(status.Phase):
			detail := classifyFailure(&AnalysisError{Message: status.Message})
			s.Phase = PhaseFailed
			s.Message = status.Message
			s.LastError = &detail
		case engine.IsSuccessPhase(status.Phase):
			if status.Message != "" {
				s.Message = status.Message
			}
			s.Progress = 100
			if status.Result != nil {
				s.Phase = PhaseComplete
				s.Result = status.Result
			} else {
				s.Phase = PhaseStreaming
				fetch = true
			}
		default:
			changed := false
			if s.Phase == PhaseStarting && !startingPhases[status.Phase] {
				s.Phase = PhaseStreaming
				changed = true
			}
			if status.Progress != nil {
				if p := clampProgress(*status.Progress); p > s.Progress {
					s.Progress = p
					changed = true
				}
			}
			if status.Message != "" && status.Message != s.Message {
				s.Message = status.Message
				changed = true
			}
			if !changed {
				// The first notification may repeat the initial state; it only
				// proves the stream is alive.
				if s.EventSeq > 0 {
					reason = "duplicate notification"
				}
				return false
			}
		}
		s.EventSeq = nextSeq
		return true
	})

	if !ok {
		if reason != "" {
			metrics.IncEventDiscarded()
			r.c.diagnose(Diagnostic{Kind: DiagDiscardedEvent, SessionID: ev.SessionID, EventID: ev.ID, Reason: reason})
		}
		return
	}
	metrics.IncEventAccepted()
	if snap.Phase != fromPhase {
		telemetry.Info("session.status_transition", map[string]any{
			"session_id": snap.SessionID,
			"from":       string(fromPhase),
			"to":         string(snap.Phase),
			"progress":   snap.Progress,
			"revision":   snap.Revision,
		})
	}
	if snap.Phase.Terminal() {
		if snap.Phase == PhaseFailed {
			r.setFailErr(&AnalysisError{Message: status.Message})
		}
		r.stop()
		return
	}
	if fetch {
		r.awaitingResult = true
		r.closeStream()
		r.retrieve(nil)
	}
}

func (r *run) handleStreamError(err error) {
	if r.awaitingResult || r.c.store.GetState().Phase.Terminal() {
		if errors.Is(err, engine.ErrStreamEnded) {
			return
		}
		r.c.diagnose(Diagnostic{Kind: DiagLateStreamError, SessionID: r.currentSessionID(), Err: err})
		return
	}
	telemetry.Warn("session.stream_failed", map[string]any{
		"session_id": r.currentSessionID(),
		"error":      err,
	})
	r.awaitingResult = true
	r.closeStream()
	r.retrieve(err)
}

// retrieve fetches the result, retrying a transport failure once. A non-nil
// cause marks a fallback poll after the stream failed.
func (r *run) retrieve(cause error) {
	id := r.currentSessionID()
	res, err := r.c.engine.FetchResult(r.ctx, id)
	if err != nil && retryable(err) && r.ctx.Err() == nil {
		telemetry.Warn("session.result_retry", map[string]any{
			"session_id": id,
			"error":      err,
		})
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.c.opts.RetryDelay):
		}
		res, err = r.c.engine.FetchResult(r.ctx, id)
	}
	if r.ctx.Err() != nil {
		return
	}
	if err == nil {
		r.complete(res)
		return
	}

	var notFound *engine.NotFoundError
	if cause != nil && !errors.As(err, &notFound) {
		err = fmt.Errorf("%w; fallback result fetch: %v", cause, err)
	}
	r.fail(err)
}

func (r *run) complete(res *engine.Result) {
	snap, ok := r.c.store.update(r.gen, func(s *Session) bool {
		if s.Phase.Terminal() {
			return false
		}
		s.Phase = PhaseComplete
		s.Progress = 100
		s.Result = res
		s.LastError = nil
		return true
	})
	if ok {
		telemetry.Info("session.status_transition", map[string]any{
			"session_id": snap.SessionID,
			"to":         string(PhaseComplete),
			"revision":   snap.Revision,
		})
	}
	r.stop()
}

// fail moves a non-terminal session to failed.
func (r *run) fail(err error) {
	detail := classifyFailure(err)
	snap, ok := r.c.store.update(r.gen, func(s *Session) bool {
		if s.Phase.Terminal() {
			return false
		}
		s.Phase = PhaseFailed
		s.Result = nil
		s.LastError = &detail
		return true
	})
	if ok {
		r.setFailErr(err)
		telemetry.Warn("session.failed", map[string]any{
			"session_id": snap.SessionID,
			"code":       detail.Code,
			"error":      detail.Message,
		})
	}
	r.stop()
}

// cancelSession moves a starting or streaming session to cancelled. Callers
// must flush the store afterwards.
func (r *run) cancelSession() bool {
	_, ok := r.c.store.apply(r.gen, func(s *Session) bool {
		if !s.Phase.Active() {
			return false
		}
		s.Phase = PhaseCancelled
		return true
	})
	r.stop()
	return ok
}

func (r *run) setStream(s engine.Stream) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		s.Cancel()
		return
	}
	r.stream = s
	r.mu.Unlock()
}

func (r *run) closeStream() {
	r.mu.Lock()
	s := r.stream
	r.stream = nil
	r.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

// stop ends the run: the loop exits and any engine call in flight is cancelled.
func (r *run) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.closeStream()
	r.cancel()
}

func (r *run) setFailErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr == nil {
		r.failErr = err
	}
}

// terminalErr explains why Submit could not complete for this run.
func (r *run) terminalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	return ErrSessionCancelled
}

func (r *run) currentSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func retryable(err error) bool {
	var transport *engine.TransportError
	return errors.As(err, &transport) && !errors.Is(err, context.Canceled)
}

// parseSeq reads a positive integer SSE id.
func parseSeq(id string) (uint64, bool) {
	if id == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
