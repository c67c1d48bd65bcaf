package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"biomarker-session/internal/session"
	"biomarker-session/internal/shared/telemetry"
)

const recordTimeout = 10 * time.Second

// Recorder writes an entry for every session that reaches a terminal phase.
// Snapshots are queued by the store listener and persisted on a background
// goroutine, so store notification never waits on I/O.
type Recorder struct {
	repo    Repo
	archive *Archive
	now     func() time.Time

	mu      sync.Mutex
	queue   []session.Session
	last    uint64
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// NewRecorder starts a recorder. archive may be nil to skip result archiving.
func NewRecorder(repo Repo, archive *Archive) *Recorder {
	r := &Recorder{
		repo:    repo,
		archive: archive,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.loop()
	return r
}

// Observe is a session.Listener.
func (r *Recorder) Observe(s session.Session) {
	if !s.Phase.Terminal() {
		return
	}
	r.mu.Lock()
	if r.closed || s.Revision <= r.last {
		r.mu.Unlock()
		return
	}
	r.last = s.Revision
	r.queue = append(r.queue, s)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting snapshots and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.stopped
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.done)
	<-r.stopped
}

func (r *Recorder) loop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.wake:
			r.drain()
		case <-r.done:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	r.mu.Lock()
	pending := r.queue
	r.queue = nil
	r.mu.Unlock()
	for _, s := range pending {
		r.record(s)
	}
}

func (r *Recorder) record(s session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	entry := Entry{
		ID:          uuid.NewString(),
		SessionID:   s.SessionID,
		Phase:       string(s.Phase),
		Progress:    s.Progress,
		Revision:    s.Revision,
		SubmittedAt: s.SubmittedAt,
		RecordedAt:  r.now().UTC(),
	}
	if s.LastError != nil {
		entry.ErrorCode = s.LastError.Code
		entry.ErrorMessage = s.LastError.Message
	}
	if s.Result != nil {
		entry.OverallScore = s.Result.OverallScore
		if r.archive != nil && s.SessionID != "" {
			key, err := r.archive.Save(ctx, s.SessionID, s.Result)
			if err != nil {
				telemetry.Error("journal.archive_failed", map[string]any{
					"session_id": s.SessionID,
					"error":      err,
				})
			} else {
				entry.ResultKey = key
			}
		}
	}

	if err := r.repo.Append(ctx, entry); err != nil {
		telemetry.Error("journal.append_failed", map[string]any{
			"session_id": s.SessionID,
			"phase":      entry.Phase,
			"error":      err,
		})
		return
	}
	telemetry.Info("journal.recorded", map[string]any{
		"session_id": s.SessionID,
		"phase":      entry.Phase,
		"revision":   entry.Revision,
		"result_key": entry.ResultKey,
	})
}
