package session

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"biomarker-session/internal/engine"
)

const (
	minAge = 0
	maxAge = 150
)

// Sex is the biological sex used to pick reference ranges.
type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
)

var sexAliases = map[string]Sex{
	"male":   SexMale,
	"m":      SexMale,
	"female": SexFemale,
	"f":      SexFemale,
}

// RawBiomarker is an unvalidated biomarker entry. Value may be a number or a
// numeric string.
type RawBiomarker struct {
	Value any    `json:"value" yaml:"value"`
	Unit  string `json:"unit" yaml:"unit"`
}

// RawProfile is the unvalidated user profile.
type RawProfile struct {
	Age any    `json:"age" yaml:"age"`
	Sex string `json:"sex" yaml:"sex"`
}

// RawPayload is a submission as entered by the user.
type RawPayload struct {
	Biomarkers    map[string]RawBiomarker `json:"biomarkers" yaml:"biomarkers"`
	User          RawProfile              `json:"user" yaml:"user"`
	Questionnaire map[string]any          `json:"questionnaire,omitempty" yaml:"questionnaire,omitempty"`
}

// Biomarker is a validated measurement.
type Biomarker struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Profile is the validated user profile.
type Profile struct {
	Age float64 `json:"age"`
	Sex Sex     `json:"sex"`
}

// Payload is a validated, immutable submission. Build it with ValidatePayload.
type Payload struct {
	biomarkers    map[string]Biomarker
	profile       Profile
	questionnaire map[string]any
}

// ValidatePayload checks raw and returns its canonical form. Every problem is
// reported in a single *ValidationError.
func ValidatePayload(raw RawPayload) (*Payload, error) {
	var fields []FieldError
	add := func(field, format string, args ...any) {
		fields = append(fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	p := &Payload{biomarkers: make(map[string]Biomarker, len(raw.Biomarkers))}
	origin := make(map[string]string, len(raw.Biomarkers))
	for _, name := range sortedKeys(raw.Biomarkers) {
		entry := raw.Biomarkers[name]
		unit := strings.TrimSpace(entry.Unit)
		if isBlank(entry.Value) && unit == "" {
			continue
		}
		key := canonicalKey(name)
		path := "biomarkers." + name
		if key == "" {
			add("biomarkers", "biomarker name %q is empty", name)
			continue
		}
		if prev, ok := origin[key]; ok {
			add(path, "duplicates %q after normalization", prev)
			continue
		}
		origin[key] = name

		value, err := toNumber(entry.Value)
		switch {
		case err != nil:
			add(path+".value", "%v", err)
		case value <= 0:
			add(path+".value", "must be positive")
		}
		if unit == "" {
			add(path+".unit", "is required")
		}
		p.biomarkers[key] = Biomarker{Value: value, Unit: unit}
	}
	if len(origin) == 0 {
		add("biomarkers", "at least one biomarker is required")
	}

	age, err := toNumber(raw.User.Age)
	switch {
	case err != nil:
		add("user.age", "%v", err)
	case age < minAge || age > maxAge:
		add("user.age", "must be between %d and %d", minAge, maxAge)
	}
	sex, ok := sexAliases[strings.ToLower(strings.TrimSpace(raw.User.Sex))]
	if !ok {
		add("user.sex", "must be one of male, female")
	}
	p.profile = Profile{Age: age, Sex: sex}

	if len(raw.Questionnaire) > 0 {
		p.questionnaire = make(map[string]any, len(raw.Questionnaire))
		for k, v := range raw.Questionnaire {
			key := strings.TrimSpace(k)
			if key == "" {
				add("questionnaire", "answer key is empty")
				continue
			}
			p.questionnaire[key] = cloneValue(v)
		}
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	return p, nil
}

// Biomarkers returns a copy of the canonical biomarker map.
func (p *Payload) Biomarkers() map[string]Biomarker {
	out := make(map[string]Biomarker, len(p.biomarkers))
	for k, v := range p.biomarkers {
		out[k] = v
	}
	return out
}

// BiomarkerNames returns the canonical names in sorted order.
func (p *Payload) BiomarkerNames() []string {
	return sortedKeys(p.biomarkers)
}

func (p *Payload) Profile() Profile {
	return p.profile
}

// Questionnaire returns a deep copy of the answers, nil when none were given.
func (p *Payload) Questionnaire() map[string]any {
	if p.questionnaire == nil {
		return nil
	}
	return cloneValue(p.questionnaire).(map[string]any)
}

// StartRequest builds the engine request body for p.
func (p *Payload) StartRequest() engine.StartRequest {
	req := engine.StartRequest{
		Biomarkers:    make(map[string]engine.BiomarkerValue, len(p.biomarkers)),
		User:          engine.UserProfile{Age: p.profile.Age, Sex: string(p.profile.Sex)},
		Questionnaire: p.Questionnaire(),
	}
	for k, v := range p.biomarkers {
		req.Biomarkers[k] = engine.BiomarkerValue{Value: v.Value, Unit: v.Unit}
	}
	return req
}

func (p *Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Biomarkers    map[string]Biomarker `json:"biomarkers"`
		User          Profile              `json:"user"`
		Questionnaire map[string]any       `json:"questionnaire,omitempty"`
	}{p.biomarkers, p.profile, p.questionnaire})
}

// canonicalKey lower-cases name and joins words with underscores.
func canonicalKey(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(name)), func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '_'
	})
	return strings.Join(fields, "_")
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func toNumber(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, fmt.Errorf("is required")
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n.String())
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, fmt.Errorf("is required")
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", s)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("must be a finite number")
	}
	return f, nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
