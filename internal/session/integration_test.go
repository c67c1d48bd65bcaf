package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"biomarker-session/internal/engine"
	"biomarker-session/internal/enginestub"
)

func newStubCoordinator(t *testing.T, script enginestub.Script) (*Coordinator, *enginestub.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	stub := enginestub.New(script)
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)

	client, err := engine.New(srv.URL, engine.WithReconnectDelay(10*time.Millisecond))
	if err != nil {
		t.Fatalf("engine client: %v", err)
	}
	c := NewCoordinator(client, Options{StartTimeout: 2 * time.Second, RetryDelay: 10 * time.Millisecond})
	t.Cleanup(c.Close)
	return c, stub
}

func TestCoordinatorAgainstStubEngine(t *testing.T) {
	cases := []struct {
		name        string
		script      enginestub.Script
		want        Phase
		code        string
		minStreams  int
		checkResult bool
	}{
		{name: "happy path", script: enginestub.Script{}, want: PhaseComplete, minStreams: 1, checkResult: true},
		{name: "embedded result", script: enginestub.Script{EmbedResult: true}, want: PhaseComplete, minStreams: 1, checkResult: true},
		{name: "reconnect resumes", script: enginestub.Script{CutAfter: 2}, want: PhaseComplete, minStreams: 2, checkResult: true},
		{name: "stream lost result ready", script: enginestub.Script{FailStreams: 2, ResultReady: true}, want: PhaseComplete, minStreams: 2, checkResult: true},
		{name: "stream lost result pending", script: enginestub.Script{FailStreams: 2}, want: PhaseFailed, code: CodeStream, minStreams: 2},
		{name: "result missing", script: enginestub.Script{ResultStatus: 404}, want: PhaseFailed, code: CodeNotFound, minStreams: 1},
		{
			name: "engine error",
			script: enginestub.Script{Steps: []enginestub.Step{
				{Phase: "scoring", Progress: 20},
				{Phase: "error", Message: "unit not supported"},
			}},
			want: PhaseFailed, code: CodeAnalysis, minStreams: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, stub := newStubCoordinator(t, tc.script)
			id, err := c.Submit(context.Background(), validRaw())
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			st := waitFor(t, c, string(tc.want), phaseIs(tc.want))
			if st.SessionID != id {
				t.Fatalf("session id = %q, want %q", st.SessionID, id)
			}
			if tc.code != "" && (st.LastError == nil || st.LastError.Code != tc.code) {
				t.Fatalf("last error = %+v, want %s", st.LastError, tc.code)
			}
			if tc.checkResult {
				if st.Result == nil || st.Result.AnalysisID != id || st.Result.BiomarkerScores["ldl_cholesterol"].Unit != "mg/dL" {
					t.Fatalf("result = %+v", st.Result)
				}
				if st.Progress != 100 {
					t.Fatalf("progress = %v", st.Progress)
				}
			}
			if n := stub.StreamRequests(); n < tc.minStreams {
				t.Fatalf("stream requests = %d, want >= %d", n, tc.minStreams)
			}
		})
	}
}

func TestCoordinatorProgressIsMonotonicAgainstStub(t *testing.T) {
	c, _ := newStubCoordinator(t, enginestub.Script{StepDelay: 5 * time.Millisecond})
	var (
		progress []float64
		done     = make(chan struct{})
	)
	c.Subscribe(func(s Session) {
		progress = append(progress, s.Progress)
		if s.Phase == PhaseComplete {
			close(done)
		}
	})
	if _, err := c.Submit(context.Background(), validRaw()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("session never completed; state = %+v", c.State())
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress regressed: %v", progress)
		}
	}
}

func TestRejectedTerminalEventFallsBackToResultPoll(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analysis/start", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"analysis_id":"a1"}`))
	})
	mux.HandleFunc("/api/analysis/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			"id: 5\nevent: analysis_status\ndata: {\"phase\":\"running\",\"progress\":40}\n\n",
			"id: 6\nevent: analysis_status\ndata: {\"phase\":\"complete\",\"analysis_id\":\"zzz\"}\n\n",
		} {
			fmt.Fprint(w, line)
			w.(http.Flusher).Flush()
		}
	})
	mux.HandleFunc("/api/analysis/result", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		_, _ = w.Write([]byte(`{"analysis_id":"a1","overall_score":77}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := engine.New(srv.URL, engine.WithReconnectDelay(10*time.Millisecond))
	if err != nil {
		t.Fatalf("engine client: %v", err)
	}
	c := NewCoordinator(client, Options{StartTimeout: 2 * time.Second, RetryDelay: 10 * time.Millisecond})
	defer c.Close()

	if _, err := c.Submit(context.Background(), validRaw()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	d := waitDiagnostic(t, c, DiagDiscardedEvent)
	if d.EventID != "6" {
		t.Fatalf("expected the foreign complete event to be discarded, got %+v", d)
	}
	st := waitFor(t, c, "complete", phaseIs(PhaseComplete))
	if st.Result == nil || st.Result.OverallScore == nil || *st.Result.OverallScore != 77 {
		t.Fatalf("result = %+v", st.Result)
	}
	if polls.Load() == 0 {
		t.Fatalf("expected a result poll after the stream ended")
	}
}
