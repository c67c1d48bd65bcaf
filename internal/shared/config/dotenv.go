package config

import (
	"bufio"
	"os"
	"strings"

	"biomarker-session/internal/shared/telemetry"
)

// loadEnvFiles copies KEY=VALUE pairs from the files that exist into the
// process environment. Non-empty variables already set win.
func loadEnvFiles(paths ...string) {
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			key, val, ok := parseEnvLine(scanner.Text())
			if !ok {
				telemetry.Warn("config.dotenv_skipped", map[string]any{"file": path, "line": lineNo})
				continue
			}
			if key == "" || os.Getenv(key) != "" {
				continue
			}
			_ = os.Setenv(key, val)
		}
		_ = f.Close()
	}
}

// parseEnvLine returns an empty key for blank and comment lines and ok=false
// for lines that are not assignments.
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", true
	}
	line = strings.TrimPrefix(line, "export ")
	key, val, ok = strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if n := len(val); n >= 2 && (val[0] == '"' || val[0] == '\'') && val[n-1] == val[0] {
		return key, val[1 : n-1], true
	}
	if i := strings.Index(val, " #"); i >= 0 {
		val = strings.TrimSpace(val[:i])
	}
	return key, val, true
}
