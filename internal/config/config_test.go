package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":3000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":3000")
	}
	if cfg.SessionInactivityTimeout != 30*time.Minute {
		t.Fatalf("SessionInactivityTimeout = %v, want %v", cfg.SessionInactivityTimeout, 30*time.Minute)
	}
	if cfg.DispatchFallbackDuration != 3*time.Second || cfg.DispatchLeadCorrection != 1500*time.Millisecond {
		t.Fatalf("dispatch defaults = %v/%v, want 3s/1.5s", cfg.DispatchFallbackDuration, cfg.DispatchLeadCorrection)
	}
	if cfg.SegmenterFraming != "fifo" || cfg.SegmenterMaxPending != 64 {
		t.Fatalf("segmenter defaults = %q/%d", cfg.SegmenterFraming, cfg.SegmenterMaxPending)
	}
	if !cfg.TurnWarmupEnabled || cfg.TurnWarmupText != ". . ." {
		t.Fatalf("warm-up defaults = %v/%q", cfg.TurnWarmupEnabled, cfg.TurnWarmupText)
	}
	if !cfg.HistoryRedactPII {
		t.Fatalf("HistoryRedactPII = false, want true")
	}
	if cfg.HeyGenBaseURL != "https://api.heygen.com/v1" {
		t.Fatalf("HeyGenBaseURL = %q", cfg.HeyGenBaseURL)
	}
}

func TestLoadHonoursPort(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PORT", "4100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":4100" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":4100")
	}

	t.Setenv("APP_BIND_ADDR", "127.0.0.1:9000")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Fatalf("BindAddr = %q, want APP_BIND_ADDR to win", cfg.BindAddr)
	}
}

func TestLoadPrecedence(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "bridge.yaml")
	yamlBody := "SEGMENTER_MAX_PENDING: 8\nTURN_WARMUP_ENABLED: false\nHEYGEN_AVATAR_NAME: from-yaml\nRETELL_AGENT_ID: from-yaml\n"
	if err := os.WriteFile(yamlPath, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	envPath := filepath.Join(dir, "bridge.env")
	if err := os.WriteFile(envPath, []byte("HEYGEN_AVATAR_NAME=from-dotenv\nRETELL_AGENT_ID=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", yamlPath)
	t.Setenv("APP_ENV_FILE", envPath)
	t.Setenv("RETELL_AGENT_ID", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SegmenterMaxPending != 8 {
		t.Fatalf("SegmenterMaxPending = %d, want 8 from yaml", cfg.SegmenterMaxPending)
	}
	if cfg.TurnWarmupEnabled {
		t.Fatalf("TurnWarmupEnabled = true, want false from yaml")
	}
	if cfg.HeyGenAvatarName != "from-dotenv" {
		t.Fatalf("HeyGenAvatarName = %q, want dotenv over yaml", cfg.HeyGenAvatarName)
	}
	if cfg.RetellAgentID != "from-env" {
		t.Fatalf("RetellAgentID = %q, want env over dotenv", cfg.RetellAgentID)
	}
}

func TestLoadDatabaseURLFallback(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/bridge")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HistoryDatabaseURL != "postgres://localhost/bridge" {
		t.Fatalf("HistoryDatabaseURL = %q, want DATABASE_URL fallback", cfg.HistoryDatabaseURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]struct {
		key, value, want string
	}{
		"short inactivity": {"APP_SESSION_INACTIVITY_TIMEOUT", "1s", "at least 5s"},
		"bad duration":     {"TURN_TIMEOUT", "soon", "TURN_TIMEOUT parse error"},
		"bad framing":      {"SEGMENTER_FRAMING", "xml", "SEGMENTER_FRAMING"},
		"bad mode":         {"HEYGEN_MODE", "grpc", "HEYGEN_MODE"},
		"http without key": {"RETELL_MODE", "http", "RETELL_API_KEY"},
		"bad bool":         {"HISTORY_REDACT_PII", "maybe", "expected bool"},
		"zero pending":     {"SEGMENTER_MAX_PENDING", "0", "SEGMENTER_MAX_PENDING"},
		"bad log level":    {"APP_LOG_LEVEL", "trace", "APP_LOG_LEVEL"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() expected error for %s=%s", tc.key, tc.value)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for missing APP_CONFIG_FILE")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"PORT",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_CORS_ALLOW_ORIGIN",
		"APP_STATIC_DIR",
		"HEYGEN_MODE",
		"HEYGEN_API_KEY",
		"HEYGEN_BASE_URL",
		"HEYGEN_AVATAR_NAME",
		"HEYGEN_VOICE_ID",
		"RETELL_MODE",
		"RETELL_API_KEY",
		"RETELL_AGENT_ID",
		"RETELL_BASE_URL",
		"UPSTREAM_HTTP_TIMEOUT",
		"SEGMENTER_MODE",
		"SEGMENTER_COMMAND",
		"SEGMENTER_FRAMING",
		"SEGMENTER_REQUEST_TIMEOUT",
		"SEGMENTER_STARTUP_TIMEOUT",
		"SEGMENTER_MAX_PENDING",
		"SEGMENTER_RESTART_LIMIT",
		"SEGMENTER_RESTART_BACKOFF",
		"SEGMENTER_RESTART_BACKOFF_MAX",
		"DISPATCH_FALLBACK_DURATION",
		"DISPATCH_LEAD_CORRECTION",
		"DISPATCH_SPEAK_TIMEOUT",
		"TURN_WARMUP_ENABLED",
		"TURN_WARMUP_TEXT",
		"TURN_AGENT_TIMEOUT",
		"TURN_TIMEOUT",
		"HISTORY_DATABASE_URL",
		"DATABASE_URL",
		"HISTORY_REDACT_PII",
		"NATS_URL",
		"NATS_SUBJECT_PREFIX",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_EXPORTER_OTLP_INSECURE",
		"TRACE_STDOUT",
		"ENVIRONMENT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	// Keep a developer's .env out of the test.
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "none.env"))
}
