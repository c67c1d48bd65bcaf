package session

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const validBody = `{"biomarkers":{"Glucose":{"value":"95","unit":"mg/dL"}},"user":{"age":51,"sex":"male"}}`

func setupSessionRouter(t *testing.T) (*gin.Engine, *Coordinator, *fakeEngine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	eng := &fakeEngine{}
	coord := newTestCoordinator(t, eng)
	r := gin.New()
	NewHandler(coord).RegisterRoutes(r.Group("/api/v1"))
	return r, coord, eng
}

func doRequest(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestSubmitHandlerAccepts(t *testing.T) {
	r, coord, _ := setupSessionRouter(t)

	resp := doRequest(r, http.MethodPost, "/api/v1/session", validBody)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	var created struct {
		SessionID string `json:"sessionId"`
		Phase     string `json:"phase"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.SessionID != "a1" || created.Phase != string(PhaseStarting) {
		t.Fatalf("unexpected response: %+v", created)
	}
	if coord.State().SessionID != "a1" {
		t.Fatalf("coordinator state = %+v", coord.State())
	}

	resp = doRequest(r, http.MethodGet, "/api/v1/session", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"sessionId":"a1"`) {
		t.Fatalf("snapshot = %d %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), `"glucose":{"value":95,"unit":"mg/dL"}`) {
		t.Fatalf("snapshot missing canonical payload: %s", resp.Body.String())
	}
}

func TestSubmitHandlerValidation(t *testing.T) {
	r, coord, eng := setupSessionRouter(t)

	resp := doRequest(r, http.MethodPost, "/api/v1/session", `{"biomarkers":{},"user":{"age":-1,"sex":"x"}}`)
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}
	var body struct {
		Error struct {
			Code    string       `json:"code"`
			Details []FieldError `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "validation_error" || len(body.Error.Details) != 3 {
		t.Fatalf("unexpected error body: %+v", body)
	}
	if coord.State().Phase != PhaseIdle || len(eng.requests) != 0 {
		t.Fatalf("invalid submission reached the engine")
	}

	if resp := doRequest(r, http.MethodPost, "/api/v1/session", `{not json`); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", resp.Code)
	}
}

func TestCancelHandler(t *testing.T) {
	r, _, _ := setupSessionRouter(t)

	if resp := doRequest(r, http.MethodDelete, "/api/v1/session", ""); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 without session, got %d", resp.Code)
	}
	doRequest(r, http.MethodPost, "/api/v1/session", validBody)
	resp := doRequest(r, http.MethodDelete, "/api/v1/session", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"phase":"cancelled"`) {
		t.Fatalf("cancel = %d %s", resp.Code, resp.Body.String())
	}

	resp = doRequest(r, http.MethodPost, "/api/v1/session/reset", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"phase":"idle"`) {
		t.Fatalf("reset = %d %s", resp.Code, resp.Body.String())
	}
}

func TestEventsHandlerStreamsSnapshots(t *testing.T) {
	r, _, eng := setupSessionRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	if resp := doRequest(r, http.MethodPost, "/api/v1/session", validBody); resp.Code != http.StatusAccepted {
		t.Fatalf("submit = %d", resp.Code)
	}

	resp, err := http.Get(srv.URL + "/api/v1/session/events")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data:") {
				lines <- line
			}
		}
		close(lines)
	}()
	next := func() string {
		select {
		case line := <-lines:
			return line
		case <-time.After(2 * time.Second):
			t.Fatalf("no event received")
			return ""
		}
	}

	if first := next(); !strings.Contains(first, `"phase":"starting"`) {
		t.Fatalf("first event = %s", first)
	}
	eng.stream(t, 0).emit("1", `{"phase":"running","progress":25}`)
	if second := next(); !strings.Contains(second, `"phase":"streaming"`) || !strings.Contains(second, `"progress":25`) {
		t.Fatalf("second event = %s", second)
	}
}
