package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"biomarker-session/internal/engine"
)

var (
	// ErrNoActiveSession is returned by Cancel when nothing is starting or streaming.
	ErrNoActiveSession = errors.New("no active session")
	// ErrSessionCancelled is returned by Submit when the session was cancelled or
	// replaced before the engine acknowledged it.
	ErrSessionCancelled = errors.New("session cancelled")
)

const (
	CodeValidation = "VALIDATION_ERROR"
	CodeTransport  = "TRANSPORT_ERROR"
	CodeProtocol   = "PROTOCOL_ERROR"
	CodeStream     = "STREAM_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeTimeout    = "TIMEOUT"
	CodeAnalysis   = "ANALYSIS_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
)

const maxErrorMessageLen = 300

// FieldError is a single field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a submission payload.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// TimeoutError means no notification arrived while the session was starting.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no progress notification within %s", e.After)
}

// AnalysisError is a terminal error status reported by the engine itself.
type AnalysisError struct {
	Message string
}

func (e *AnalysisError) Error() string {
	if e.Message == "" {
		return "analysis failed"
	}
	return "analysis failed: " + e.Message
}

// classifyFailure maps err onto a stable code and a sanitized message.
func classifyFailure(err error) ErrorDetail {
	if err == nil {
		return ErrorDetail{Code: CodeInternal, Message: "unknown failure"}
	}
	var (
		notFound   *engine.NotFoundError
		timeout    *TimeoutError
		protocol   *engine.ProtocolError
		stream     *engine.StreamError
		transport  *engine.TransportError
		validation *ValidationError
		analysis   *AnalysisError
	)
	code := CodeInternal
	switch {
	case errors.As(err, &notFound):
		code = CodeNotFound
	case errors.As(err, &timeout):
		code = CodeTimeout
	case errors.As(err, &analysis):
		code = CodeAnalysis
	case errors.As(err, &protocol), errors.Is(err, engine.ErrResultNotReady):
		code = CodeProtocol
	case errors.As(err, &stream):
		code = CodeStream
	case errors.As(err, &transport):
		code = CodeTransport
	case errors.As(err, &validation):
		code = CodeValidation
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	}
	return ErrorDetail{Code: code, Message: sanitizeError(err)}
}

func sanitizeError(err error) string {
	msg := strings.Join(strings.Fields(err.Error()), " ")
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen] + "..."
	}
	return msg
}
