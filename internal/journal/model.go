// Package journal keeps a history of finished analysis sessions.
package journal

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no entry or archived result exists.
var ErrNotFound = errors.New("not found")

// Entry records one session reaching a terminal phase.
type Entry struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Phase        string    `json:"phase"`
	Progress     float64   `json:"progress"`
	Revision     uint64    `json:"revision"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	OverallScore *float64  `json:"overallScore,omitempty"`
	ResultKey    string    `json:"resultKey,omitempty"`
	SubmittedAt  time.Time `json:"submittedAt"`
	RecordedAt   time.Time `json:"recordedAt"`
}
