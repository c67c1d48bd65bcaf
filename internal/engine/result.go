package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"biomarker-session/internal/shared/metrics"
)

// FetchResult retrieves the final result for sessionID. Repeated calls for a
// completed session return the same payload.
func (c *Client) FetchResult(ctx context.Context, sessionID string) (*Result, error) {
	const op = "fetch result"
	if strings.TrimSpace(sessionID) == "" {
		return nil, &ProtocolError{Op: op, Reason: "session id is empty"}
	}
	metrics.IncResultFetch()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/analysis/result", sessionID), nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	status, body, err := c.do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	switch {
	case status == http.StatusNotFound:
		return nil, &NotFoundError{SessionID: sessionID}
	case status == http.StatusAccepted || status == http.StatusConflict:
		return nil, fmt.Errorf("%s %s: %w", op, sessionID, ErrResultNotReady)
	case status < 200 || status > 299:
		return nil, &TransportError{Op: op, StatusCode: status, Body: errorSnippet(body)}
	}

	var result Result
	if err := result.UnmarshalJSON(body); err != nil {
		return nil, &ProtocolError{Op: op, Reason: "decode result: " + err.Error()}
	}
	return &result, nil
}
