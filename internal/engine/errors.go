package engine

import (
	"errors"
	"fmt"
)

// ErrResultNotReady is returned by FetchResult while the engine is still working.
var ErrResultNotReady = errors.New("analysis result not ready")

var errStreamClosed = errors.New("stream closed before a terminal status")

// ErrStreamEnded is the StreamError cause when the engine closed the stream
// after sending a terminal status. Consumers that accepted that status
// ignore it.
var ErrStreamEnded = errors.New("stream ended after a terminal status")

// TransportError is a network failure or a non-success HTTP response.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: http status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": transport error"
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a well-formed response that lacks required fields.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %s", e.Op, e.Reason)
}

// StreamError is a push-event subscription failure that survived the reconnect.
type StreamError struct {
	SessionID string
	Attempts  int
	Err       error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("event stream for %s failed after %d attempt(s)", e.SessionID, e.Attempts)
	}
	return fmt.Sprintf("event stream for %s failed after %d attempt(s): %v", e.SessionID, e.Attempts, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// NotFoundError means the engine does not know the session id.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("analysis %s not found", e.SessionID)
}
