package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port                 string
	CORSAllowOrigin      []string
	Env                  string
	EngineBaseURL        string
	EngineTimeout        time.Duration
	StartTimeout         time.Duration
	StreamReconnectDelay time.Duration
	DatabaseURL          string
	ObjectStoreType      string
	LocalStoreDir        string
	AWSRegion            string
	S3Bucket             string
	S3Prefix             string
	SSEKMSKeyID          string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is empty in production; session journal is in-memory")
	}

	return Config{
		Port:                 getEnv("PORT", "8080"),
		CORSAllowOrigin:      splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		Env:                  env,
		EngineBaseURL:        strings.TrimRight(getEnv("ENGINE_BASE_URL", "http://localhost:8000"), "/"),
		EngineTimeout:        getSeconds("ENGINE_TIMEOUT_SECONDS", 30),
		StartTimeout:         getSeconds("START_TIMEOUT_SECONDS", 30),
		StreamReconnectDelay: getMillis("STREAM_RECONNECT_DELAY_MS", 500),
		DatabaseURL:          dbURL,
		ObjectStoreType:      normalizeStoreType(getEnv("OBJECT_STORE", "none")),
		LocalStoreDir:        getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:            getEnv("AWS_REGION", ""),
		S3Bucket:             getEnv("S3_BUCKET", ""),
		S3Prefix:             getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:          getEnv("SSE_KMS_KEY_ID", ""),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getSeconds(key string, def int) time.Duration {
	return time.Duration(getPositiveInt(key, def)) * time.Second
}

func getMillis(key string, def int) time.Duration {
	return time.Duration(getPositiveInt(key, def)) * time.Millisecond
}

func getPositiveInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		log.Printf("config %s invalid positive int %q; using %d", key, raw, def)
		return def
	}
	return parsed
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	case "local":
		return "local"
	default:
		return "none"
	}
}
