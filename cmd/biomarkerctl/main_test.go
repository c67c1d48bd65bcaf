package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"biomarker-session/internal/engine"
	"biomarker-session/internal/enginestub"
	"biomarker-session/internal/session"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadPayloadYAMLAndJSON(t *testing.T) {
	yamlPath := writeFile(t, "payload.yaml", `
biomarkers:
  Glucose: {value: 95, unit: mg/dL}
  HbA1c:
    value: "5.4"
    unit: "%"
user:
  age: 38
  sex: f
questionnaire:
  smoker: false
`)
	jsonPath := writeFile(t, "payload.json", `{"biomarkers":{"Glucose":{"value":95,"unit":"mg/dL"},"HbA1c":{"value":"5.4","unit":"%"}},"user":{"age":38,"sex":"f"}}`)

	for _, path := range []string{yamlPath, jsonPath} {
		raw, err := loadPayload(path)
		if err != nil {
			t.Fatalf("loadPayload(%s): %v", path, err)
		}
		p, err := session.ValidatePayload(raw)
		if err != nil {
			t.Fatalf("validate %s: %v", path, err)
		}
		if got := p.Biomarkers()["hba1c"]; got.Value != 5.4 || got.Unit != "%" {
			t.Fatalf("%s: hba1c = %+v", path, got)
		}
		if p.Profile().Sex != session.SexFemale {
			t.Fatalf("%s: sex = %q", path, p.Profile().Sex)
		}
	}

	if _, err := loadPayload(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestRunSubmitPrintsSnapshotsUntilComplete(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := httptest.NewServer(enginestub.New(enginestub.Script{}).Handler())
	defer stub.Close()

	client, err := engine.New(stub.URL, engine.WithReconnectDelay(10*time.Millisecond))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	coord := session.NewCoordinator(client, session.Options{StartTimeout: 2 * time.Second})
	defer coord.Close()

	raw := session.RawPayload{
		Biomarkers: map[string]session.RawBiomarker{"glucose": {Value: 90, Unit: "mg/dL"}},
		User:       session.RawProfile{Age: 30, Sex: "male"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	final, err := runSubmit(ctx, coord, raw, &out)
	if err != nil {
		t.Fatalf("runSubmit: %v", err)
	}
	if final.Phase != session.PhaseComplete || final.Result == nil {
		t.Fatalf("final = %+v", final)
	}

	var phases []string
	scanner := bufio.NewScanner(&out)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var snap struct {
			Phase string `json:"phase"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &snap); err != nil {
			t.Fatalf("decode line %q: %v", scanner.Text(), err)
		}
		phases = append(phases, snap.Phase)
	}
	if len(phases) < 3 || phases[0] != "starting" || phases[len(phases)-1] != "complete" {
		t.Fatalf("phases = %v", phases)
	}
}

func TestRunSubmitRejectsInvalidPayload(t *testing.T) {
	coord := session.NewCoordinator(nil, session.Options{})
	defer coord.Close()
	var out bytes.Buffer
	if _, err := runSubmit(context.Background(), coord, session.RawPayload{}, &out); err == nil {
		t.Fatalf("expected validation error")
	}
	if out.Len() != 0 {
		t.Fatalf("expected no snapshots, got %s", out.String())
	}
}
