package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// StatusEventName is the SSE event name carrying status notifications.
const StatusEventName = "analysis_status"

// Engine phase values that end the stream from the server side.
const (
	PhaseComplete  = "complete"
	PhaseCompleted = "completed"
	PhaseError     = "error"
	PhaseFailed    = "failed"
)

// BiomarkerValue is one measured biomarker in a start request.
type BiomarkerValue struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// UserProfile describes the subject of the analysis.
type UserProfile struct {
	Age float64 `json:"age"`
	Sex string  `json:"sex"`
}

// StartRequest is the body of POST /api/analysis/start.
type StartRequest struct {
	Biomarkers    map[string]BiomarkerValue `json:"biomarkers"`
	User          UserProfile               `json:"user"`
	Questionnaire map[string]any            `json:"questionnaire,omitempty"`
}

type startResponse struct {
	AnalysisID string `json:"analysis_id"`
}

// StatusEvent is the JSON data of an analysis_status event.
type StatusEvent struct {
	Phase      string   `json:"phase"`
	Progress   *float64 `json:"progress,omitempty"`
	Message    string   `json:"message,omitempty"`
	AnalysisID string   `json:"analysis_id,omitempty"`
	Result     *Result  `json:"result,omitempty"`
}

// DecodeStatus parses event data. The phase is lower-cased and trimmed.
func DecodeStatus(data []byte) (StatusEvent, error) {
	var ev StatusEvent
	if len(bytes.TrimSpace(data)) == 0 {
		return ev, errors.New("empty event data")
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return StatusEvent{}, err
	}
	ev.Phase = strings.ToLower(strings.TrimSpace(ev.Phase))
	if ev.Phase == "" {
		return StatusEvent{}, errors.New("event data missing phase")
	}
	return ev, nil
}

// IsSuccessPhase reports whether phase is the engine's terminal success value.
func IsSuccessPhase(phase string) bool {
	return phase == PhaseComplete || phase == PhaseCompleted
}

// IsErrorPhase reports whether phase is the engine's terminal failure value.
func IsErrorPhase(phase string) bool {
	return phase == PhaseError || phase == PhaseFailed
}

// Result is the terminal analysis output. Fields the client does not model are kept in Raw.
type Result struct {
	AnalysisID      string                    `json:"analysis_id,omitempty"`
	OverallScore    *float64                  `json:"overall_score,omitempty"`
	BiomarkerScores map[string]BiomarkerScore `json:"biomarker_scores,omitempty"`
	Clusters        []Cluster                 `json:"clusters,omitempty"`
	Insights        []Insight                 `json:"insights,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// BiomarkerScore is the engine's assessment of a single biomarker.
type BiomarkerScore struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	Score  float64 `json:"score"`
	Status string  `json:"status,omitempty"`
}

// Cluster groups related biomarkers under a shared score.
type Cluster struct {
	Name       string   `json:"name"`
	Score      float64  `json:"score"`
	Biomarkers []string `json:"biomarkers,omitempty"`
}

// Insight is a human-readable finding.
type Insight struct {
	Category string `json:"category,omitempty"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message"`
}

type plainResult Result

// UnmarshalJSON decodes the modelled fields and keeps the original bytes.
func (r *Result) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("result must be a JSON object")
	}
	var p plainResult
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*r = Result(p)
	r.Raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// MarshalJSON re-emits the original payload when one was decoded.
func (r Result) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(plainResult(r))
}
