package session

import (
	"time"

	"biomarker-session/internal/engine"
)

// Phase is the lifecycle phase of an analysis session.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStarting  Phase = "starting"
	PhaseStreaming Phase = "streaming"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Terminal reports whether no further transitions are accepted in p.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseCancelled
}

// Active reports whether p can still be cancelled.
func (p Phase) Active() bool {
	return p == PhaseStarting || p == PhaseStreaming
}

// Session is a snapshot of the tracked analysis job. Result and LastError
// are mutually exclusive and set once, on entry into a terminal phase.
type Session struct {
	SessionID string         `json:"sessionId,omitempty"`
	Phase     Phase          `json:"phase"`
	Progress  float64        `json:"progress"`
	Message   string         `json:"message,omitempty"`
	Payload   *Payload       `json:"payload,omitempty"`
	Result    *engine.Result `json:"result,omitempty"`
	LastError *ErrorDetail   `json:"lastError,omitempty"`

	// Revision counts accepted transitions across the coordinator's lifetime.
	Revision uint64 `json:"revision"`
	// EventSeq is the sequence of the last accepted engine notification.
	EventSeq uint64 `json:"eventSeq"`

	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ErrorDetail is the structured failure attached to a failed session.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DiagnosticKind classifies a non-fatal reconciler report.
type DiagnosticKind string

const (
	DiagMalformedEvent  DiagnosticKind = "malformed_event"
	DiagDiscardedEvent  DiagnosticKind = "discarded_event"
	DiagLateStreamError DiagnosticKind = "late_stream_error"
)

// Diagnostic reports input the reconciler ignored without failing the session.
type Diagnostic struct {
	Kind      DiagnosticKind
	SessionID string
	EventID   string
	Reason    string
	Err       error
	At        time.Time
}
