package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the avatar bridge.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string
	AllowAnyOrigin           bool
	CORSAllowOrigin          string
	StaticDir                string

	HeyGenMode       string
	HeyGenAPIKey     string
	HeyGenBaseURL    string
	HeyGenAvatarName string
	HeyGenVoiceID    string

	RetellMode    string
	RetellAPIKey  string
	RetellAgentID string
	RetellBaseURL string

	UpstreamHTTPTimeout time.Duration

	SegmenterMode              string
	SegmenterCommand           string
	SegmenterFraming           string
	SegmenterRequestTimeout    time.Duration
	SegmenterStartupTimeout    time.Duration
	SegmenterMaxPending        int
	SegmenterRestartLimit      int
	SegmenterRestartBackoff    time.Duration
	SegmenterRestartBackoffMax time.Duration

	DispatchFallbackDuration time.Duration
	DispatchLeadCorrection   time.Duration
	DispatchSpeakTimeout     time.Duration

	TurnWarmupEnabled bool
	TurnWarmupText    string
	TurnAgentTimeout  time.Duration
	TurnTimeout       time.Duration

	HistoryDatabaseURL string
	HistoryRedactPII   bool

	NATSURL           string
	NATSSubjectPrefix string

	OTLPEndpoint string
	OTLPInsecure bool
	TraceStdout  bool
	Environment  string
}

// Load resolves every key from, in increasing priority: built-in defaults,
// the YAML file named by APP_CONFIG_FILE, the dotenv file named by
// APP_ENV_FILE (default .env) and the process environment.
func Load() (Config, error) {
	src, err := newSource(os.Getenv("APP_CONFIG_FILE"), envOrDefault("APP_ENV_FILE", ".env"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:          src.str("APP_BIND_ADDR", ""),
		MetricsNamespace:  src.str("APP_METRICS_NAMESPACE", "avatarbridge"),
		LogLevel:          strings.ToLower(src.str("APP_LOG_LEVEL", "info")),
		CORSAllowOrigin:   src.str("APP_CORS_ALLOW_ORIGIN", "*"),
		StaticDir:         src.str("APP_STATIC_DIR", "public"),
		HeyGenMode:        strings.ToLower(src.str("HEYGEN_MODE", "auto")),
		HeyGenAPIKey:      src.str("HEYGEN_API_KEY", ""),
		HeyGenBaseURL:     src.str("HEYGEN_BASE_URL", "https://api.heygen.com/v1"),
		HeyGenAvatarName:  src.str("HEYGEN_AVATAR_NAME", ""),
		HeyGenVoiceID:     src.str("HEYGEN_VOICE_ID", ""),
		RetellMode:        strings.ToLower(src.str("RETELL_MODE", "auto")),
		RetellAPIKey:      src.str("RETELL_API_KEY", ""),
		RetellAgentID:     src.str("RETELL_AGENT_ID", ""),
		RetellBaseURL:     src.str("RETELL_BASE_URL", "https://api.retellai.com"),
		SegmenterMode:     strings.ToLower(src.str("SEGMENTER_MODE", "auto")),
		SegmenterCommand:  src.str("SEGMENTER_COMMAND", "python3 -u stanza_worker.py"),
		SegmenterFraming:  strings.ToLower(src.str("SEGMENTER_FRAMING", "fifo")),
		TurnWarmupText:    src.str("TURN_WARMUP_TEXT", ". . ."),
		NATSURL:           src.str("NATS_URL", ""),
		NATSSubjectPrefix: src.str("NATS_SUBJECT_PREFIX", "avatarbridge.turns"),
		OTLPEndpoint:      src.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Environment:       src.str("ENVIRONMENT", "dev"),
	}
	cfg.HistoryDatabaseURL = src.str("HISTORY_DATABASE_URL", src.str("DATABASE_URL", ""))
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":3000"
		if port := src.str("PORT", ""); port != "" {
			cfg.BindAddr = ":" + port
		}
	}

	var errs []error
	dur := func(key string, fallback time.Duration) time.Duration {
		d, err := src.duration(key, fallback)
		errs = append(errs, err)
		return d
	}
	num := func(key string, fallback int) int {
		n, err := src.integer(key, fallback)
		errs = append(errs, err)
		return n
	}
	flag := func(key string, fallback bool) bool {
		b, err := src.boolean(key, fallback)
		errs = append(errs, err)
		return b
	}

	cfg.ShutdownTimeout = dur("APP_SHUTDOWN_TIMEOUT", 15*time.Second)
	cfg.SessionInactivityTimeout = dur("APP_SESSION_INACTIVITY_TIMEOUT", 30*time.Minute)
	cfg.AllowAnyOrigin = flag("APP_ALLOW_ANY_ORIGIN", false)
	cfg.UpstreamHTTPTimeout = dur("UPSTREAM_HTTP_TIMEOUT", 30*time.Second)
	cfg.SegmenterRequestTimeout = dur("SEGMENTER_REQUEST_TIMEOUT", 20*time.Second)
	cfg.SegmenterStartupTimeout = dur("SEGMENTER_STARTUP_TIMEOUT", 2*time.Minute)
	cfg.SegmenterMaxPending = num("SEGMENTER_MAX_PENDING", 64)
	cfg.SegmenterRestartLimit = num("SEGMENTER_RESTART_LIMIT", 5)
	cfg.SegmenterRestartBackoff = dur("SEGMENTER_RESTART_BACKOFF", 500*time.Millisecond)
	cfg.SegmenterRestartBackoffMax = dur("SEGMENTER_RESTART_BACKOFF_MAX", 10*time.Second)
	cfg.DispatchFallbackDuration = dur("DISPATCH_FALLBACK_DURATION", 3*time.Second)
	cfg.DispatchLeadCorrection = dur("DISPATCH_LEAD_CORRECTION", 1500*time.Millisecond)
	cfg.DispatchSpeakTimeout = dur("DISPATCH_SPEAK_TIMEOUT", 15*time.Second)
	cfg.TurnWarmupEnabled = flag("TURN_WARMUP_ENABLED", true)
	cfg.TurnAgentTimeout = dur("TURN_AGENT_TIMEOUT", 45*time.Second)
	cfg.TurnTimeout = dur("TURN_TIMEOUT", 2*time.Minute)
	cfg.HistoryRedactPII = flag("HISTORY_REDACT_PII", true)
	cfg.OTLPInsecure = flag("OTEL_EXPORTER_OTLP_INSECURE", false)
	cfg.TraceStdout = flag("TRACE_STDOUT", false)

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("APP_LOG_LEVEL must be one of debug, info, warn, error")
	}
	for key, mode := range map[string]string{"HEYGEN_MODE": c.HeyGenMode, "RETELL_MODE": c.RetellMode} {
		switch mode {
		case "auto", "http", "mock":
		default:
			return fmt.Errorf("%s must be one of auto, http, mock", key)
		}
	}
	if c.HeyGenMode == "http" && c.HeyGenAPIKey == "" {
		return fmt.Errorf("HEYGEN_API_KEY is required when HEYGEN_MODE=http")
	}
	if c.RetellMode == "http" && (c.RetellAPIKey == "" || c.RetellAgentID == "") {
		return fmt.Errorf("RETELL_API_KEY and RETELL_AGENT_ID are required when RETELL_MODE=http")
	}
	switch c.SegmenterMode {
	case "auto", "worker", "builtin":
	default:
		return fmt.Errorf("SEGMENTER_MODE must be one of auto, worker, builtin")
	}
	switch c.SegmenterFraming {
	case "fifo", "tagged":
	default:
		return fmt.Errorf("SEGMENTER_FRAMING must be fifo or tagged")
	}
	if c.SegmenterRequestTimeout <= 0 {
		return fmt.Errorf("SEGMENTER_REQUEST_TIMEOUT must be positive")
	}
	if c.SegmenterStartupTimeout < 0 {
		return fmt.Errorf("SEGMENTER_STARTUP_TIMEOUT must be >= 0")
	}
	if c.SegmenterMaxPending <= 0 {
		return fmt.Errorf("SEGMENTER_MAX_PENDING must be positive")
	}
	if c.SegmenterRestartLimit < 0 {
		return fmt.Errorf("SEGMENTER_RESTART_LIMIT must be >= 0")
	}
	if c.SegmenterRestartBackoff <= 0 || c.SegmenterRestartBackoffMax < c.SegmenterRestartBackoff {
		return fmt.Errorf("SEGMENTER_RESTART_BACKOFF must be positive and not above SEGMENTER_RESTART_BACKOFF_MAX")
	}
	if c.DispatchFallbackDuration < 0 || c.DispatchLeadCorrection < 0 {
		return fmt.Errorf("DISPATCH_FALLBACK_DURATION and DISPATCH_LEAD_CORRECTION must be >= 0")
	}
	if c.UpstreamHTTPTimeout <= 0 || c.DispatchSpeakTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_HTTP_TIMEOUT and DISPATCH_SPEAK_TIMEOUT must be positive")
	}
	if c.TurnAgentTimeout <= 0 || c.TurnTimeout <= 0 {
		return fmt.Errorf("TURN_AGENT_TIMEOUT and TURN_TIMEOUT must be positive")
	}
	return nil
}

// source layers the process environment over a dotenv file over a YAML file.
type source struct {
	dotenv map[string]string
	file   map[string]string
}

func newSource(yamlPath, dotenvPath string) (*source, error) {
	s := &source{dotenv: map[string]string{}, file: map[string]string{}}

	if dotenvPath != "" {
		values, err := godotenv.Read(dotenvPath)
		switch {
		case err == nil:
			s.dotenv = values
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read env file %s: %w", dotenvPath, err)
		}
	}

	if yamlPath = strings.TrimSpace(yamlPath); yamlPath != "" {
		raw, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var values map[string]any
		if err := yaml.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", yamlPath, err)
		}
		for k, v := range values {
			if v == nil {
				continue
			}
			s.file[strings.ToUpper(k)] = fmt.Sprint(v)
		}
	}
	return s, nil
}

func (s *source) lookup(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if v := strings.TrimSpace(s.dotenv[key]); v != "" {
		return v
	}
	return strings.TrimSpace(s.file[key])
}

func (s *source) str(key, fallback string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return fallback
}

func (s *source) duration(key string, fallback time.Duration) (time.Duration, error) {
	v := s.lookup(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s *source) integer(key string, fallback int) (int, error) {
	v := s.lookup(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s *source) boolean(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.lookup(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
