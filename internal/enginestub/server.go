// Package enginestub is a scripted in-process fake of the remote analysis
// engine, speaking the same HTTP and SSE contract.
package enginestub

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"biomarker-session/internal/engine"
	"biomarker-session/internal/shared/telemetry"
)

// Step is one scripted status notification.
type Step struct {
	Phase    string
	Progress float64
	Message  string
	// ID overrides the SSE id. Empty means the step's 1-based position.
	ID string
	// Raw replaces the JSON data verbatim.
	Raw string
}

// Script controls how the stub answers every analysis it starts.
type Script struct {
	Steps []Step
	// StepDelay is the pause between notifications.
	StepDelay time.Duration
	// EmbedResult puts the result into the terminal complete notification.
	EmbedResult bool
	// FailStreams makes the first n stream connections answer 503.
	FailStreams int
	// CutAfter closes the stream after this many notifications on the
	// first connection. Zero disables the cut.
	CutAfter int
	// ResultStatus forces the status of the result endpoint.
	ResultStatus int
	// ResultReady serves the result even before the stream reached complete.
	ResultReady bool
}

// DefaultSteps is a short successful run.
func DefaultSteps() []Step {
	return []Step{
		{Phase: "queued", Progress: 0, Message: "queued"},
		{Phase: "scoring", Progress: 35, Message: "scoring biomarkers"},
		{Phase: "clustering", Progress: 70, Message: "clustering"},
		{Phase: "complete", Progress: 100, Message: "done"},
	}
}

type analysis struct {
	id       string
	request  engine.StartRequest
	finished bool
	streams  int
}

// Server is the fake engine.
type Server struct {
	mu          sync.Mutex
	script      Script
	analyses    map[string]*analysis
	failed      int
	streamCalls int

	router *gin.Engine
}

// New builds a stub serving script. A nil Steps list selects DefaultSteps.
func New(script Script) *Server {
	if script.Steps == nil {
		script.Steps = DefaultSteps()
	}
	s := &Server{
		script:   script,
		analyses: make(map[string]*analysis),
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	api := r.Group("/api/analysis")
	api.POST("/start", s.start)
	api.GET("/events", s.events)
	api.GET("/result", s.result)
	s.router = r
	return s
}

// Handler exposes the stub's routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// StreamRequests reports how many event-stream connections were opened.
func (s *Server) StreamRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCalls
}

// Started returns the request bodies received so far, in no particular order.
func (s *Server) Started() []engine.StartRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.StartRequest, 0, len(s.analyses))
	for _, a := range s.analyses {
		out = append(out, a.request)
	}
	return out
}

func (s *Server) start(c *gin.Context) {
	var req engine.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
		return
	}
	if len(req.Biomarkers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "biomarkers are required"})
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.analyses[id] = &analysis{id: id, request: req, finished: s.script.ResultReady}
	s.mu.Unlock()

	telemetry.Info("enginestub.start", map[string]any{
		"analysis_id": id,
		"biomarkers":  len(req.Biomarkers),
	})
	c.JSON(http.StatusOK, gin.H{"analysis_id": id})
}

func (s *Server) events(c *gin.Context) {
	id := c.Query("analysis_id")
	s.mu.Lock()
	s.streamCalls++
	a, ok := s.analyses[id]
	if ok && s.failed < s.script.FailStreams {
		s.failed++
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "stream unavailable"})
		return
	}
	var connection int
	if ok {
		a.streams++
		connection = a.streams
	}
	script := s.script
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "analysis not found"})
		return
	}

	lastID, _ := strconv.Atoi(c.GetHeader("Last-Event-ID"))
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	sent := 0
	for i, step := range script.Steps {
		seq := i + 1
		if seq <= lastID {
			continue
		}
		if connection == 1 && script.CutAfter > 0 && sent >= script.CutAfter {
			return
		}
		if sent > 0 && script.StepDelay > 0 {
			select {
			case <-c.Request.Context().Done():
				return
			case <-time.After(script.StepDelay):
			}
		}
		terminal := engine.IsSuccessPhase(step.Phase) || engine.IsErrorPhase(step.Phase)
		if terminal {
			s.finish(id)
		}
		c.Render(-1, sse.Event{
			Id:    stepID(step, seq),
			Event: engine.StatusEventName,
			Data:  s.stepData(a, step, script.EmbedResult),
		})
		c.Writer.Flush()
		sent++
		if terminal {
			return
		}
	}
}

func (s *Server) result(c *gin.Context) {
	id := c.Query("analysis_id")
	s.mu.Lock()
	a, ok := s.analyses[id]
	finished := ok && a.finished
	status := s.script.ResultStatus
	s.mu.Unlock()

	switch {
	case status != 0 && status != http.StatusOK:
		c.JSON(status, gin.H{"detail": http.StatusText(status)})
	case !ok:
		c.JSON(http.StatusNotFound, gin.H{"detail": "analysis not found"})
	case !finished:
		c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
	default:
		c.JSON(http.StatusOK, BuildResult(a.id, a.request))
	}
}

func (s *Server) finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.analyses[id]; ok {
		a.finished = true
	}
}

func (s *Server) stepData(a *analysis, step Step, embed bool) string {
	if step.Raw != "" {
		return step.Raw
	}
	body := map[string]any{
		"phase":    step.Phase,
		"progress": step.Progress,
	}
	if step.Message != "" {
		body["message"] = step.Message
	}
	if embed && engine.IsSuccessPhase(step.Phase) {
		body["result"] = BuildResult(a.id, a.request)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return `{"phase":"error","message":"stub encode failed"}`
	}
	return string(data)
}

func stepID(step Step, seq int) string {
	if step.ID != "" {
		return step.ID
	}
	return strconv.Itoa(seq)
}

// BuildResult produces a deterministic result for req.
func BuildResult(id string, req engine.StartRequest) engine.Result {
	names := make([]string, 0, len(req.Biomarkers))
	for name := range req.Biomarkers {
		names = append(names, name)
	}
	sort.Strings(names)

	scores := make(map[string]engine.BiomarkerScore, len(names))
	var total float64
	for _, name := range names {
		b := req.Biomarkers[name]
		score := 100 - float64(len(name)%5)*5
		status := "normal"
		if score < 90 {
			status = "borderline"
		}
		scores[name] = engine.BiomarkerScore{Value: b.Value, Unit: b.Unit, Score: score, Status: status}
		total += score
	}
	overall := 0.0
	if len(names) > 0 {
		overall = total / float64(len(names))
	}
	return engine.Result{
		AnalysisID:      id,
		OverallScore:    &overall,
		BiomarkerScores: scores,
		Clusters:        []engine.Cluster{{Name: "general", Score: overall, Biomarkers: names}},
		Insights: []engine.Insight{{
			Category: "summary",
			Severity: "info",
			Message:  "Analyzed " + strings.Join(names, ", "),
		}},
	}
}
