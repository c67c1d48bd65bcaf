package config

import "testing"

func TestParseEnvLine(t *testing.T) {
	cases := []struct {
		line     string
		key, val string
		ok       bool
	}{
		{line: "", ok: true},
		{line: "  # comment", ok: true},
		{line: "ENGINE_BASE_URL=http://engine:9090", key: "ENGINE_BASE_URL", val: "http://engine:9090", ok: true},
		{line: "export PORT = 8081", key: "PORT", val: "8081", ok: true},
		{line: `S3_PREFIX="results #1"`, key: "S3_PREFIX", val: "results #1", ok: true},
		{line: "START_TIMEOUT_SECONDS=45 # slow engine", key: "START_TIMEOUT_SECONDS", val: "45", ok: true},
		{line: "not an assignment"},
		{line: "BAD KEY=1"},
	}
	for _, tc := range cases {
		key, val, ok := parseEnvLine(tc.line)
		if key != tc.key || val != tc.val || ok != tc.ok {
			t.Fatalf("parseEnvLine(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.line, key, val, ok, tc.key, tc.val, tc.ok)
		}
	}
}
