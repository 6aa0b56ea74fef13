// Package config provides client configuration loaded from environment
// variables (optionally seeded from a .env file) with defaults and validation.
// It centralizes backend endpoints, realtime driver selection, local storage,
// synchronizer behaviour, the bridge daemon's HTTP settings and observability.
package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Realtime drivers.
const (
	DriverSocketIO = "socketio"
	DriverNATS     = "nats"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RealtimeConfig selects and configures the push channel.
type RealtimeConfig struct {
	Driver        string        // REALTIME_DRIVER: socketio|nats
	SocketURL     string        // SOCKET_URL (Engine.IO v4 websocket endpoint)
	NATSURL       string        // NATS_URL
	SubjectPrefix string        // NATS_SUBJECT_PREFIX
	ReconnectMin  time.Duration // REALTIME_RECONNECT_MIN
	ReconnectMax  time.Duration // REALTIME_RECONNECT_MAX
}

// SyncConfig tunes the conversation synchronizer.
type SyncConfig struct {
	Optimistic     bool // OPTIMISTIC_SEND
	DedupePushByID bool // DEDUPE_PUSH_BY_ID
}

// Config holds all configuration values for the client.
type Config struct {
	// Backend
	APIBaseURL  string        // REST base URL
	HTTPTimeout time.Duration // per request
	SendRPS     float64       // outbound send throttle (tokens/s, 0 disables)
	SendBurst   int

	Realtime RealtimeConfig
	Sync     SyncConfig

	// Local storage
	DBPath string // SQLite path (session, inbox cache, idempotency)

	// Bridge server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration // 0 disables (SSE streams are long-lived)
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	// Rate limiting (bridge)
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration

	// Observability
	OTEL OTELConfig
}

// LoadDotEnv seeds the process environment from the given .env files.
// Variables already set in the environment win. Missing files are ignored
// so a bare checkout still starts with defaults.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		if err := godotenv.Load(f); err != nil {
			return err
		}
	}
	return nil
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Backend
		APIBaseURL:  getenv("API_BASE_URL", "https://memora-be.onrender.com/"),
		HTTPTimeout: getdur("HTTP_TIMEOUT", 15*time.Second),
		SendRPS:     getfloat("SEND_RPS", 2),
		SendBurst:   getint("SEND_BURST", 4),

		Realtime: RealtimeConfig{
			Driver:        strings.ToLower(strings.TrimSpace(getenv("REALTIME_DRIVER", DriverSocketIO))),
			SocketURL:     getenv("SOCKET_URL", "wss://memora-be.onrender.com/socket.io/?EIO=4&transport=websocket"),
			NATSURL:       getenv("NATS_URL", "nats://127.0.0.1:4222"),
			SubjectPrefix: strings.Trim(getenv("NATS_SUBJECT_PREFIX", "memora.room"), ". "),
			ReconnectMin:  getdur("REALTIME_RECONNECT_MIN", 500*time.Millisecond),
			ReconnectMax:  getdur("REALTIME_RECONNECT_MAX", 30*time.Second),
		},
		Sync: SyncConfig{
			Optimistic:     getbool("OPTIMISTIC_SEND", true),
			DedupePushByID: getbool("DEDUPE_PUSH_BY_ID", true),
		},

		DBPath: getenv("DB_PATH", "memora.db"),

		// Bridge server
		Port:              getenv("PORT", "8787"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 0),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "memora-client"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if !strings.HasSuffix(cfg.APIBaseURL, "/") {
		cfg.APIBaseURL += "/"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if u, err := url.Parse(cfg.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return cfg, errors.New("API_BASE_URL must be an absolute URL")
	}
	if cfg.HTTPTimeout <= 0 {
		return cfg, errors.New("HTTP_TIMEOUT must be > 0")
	}
	if cfg.SendRPS < 0 {
		return cfg, errors.New("SEND_RPS must be >= 0")
	}
	if cfg.SendBurst < 1 {
		return cfg, errors.New("SEND_BURST must be >= 1")
	}
	switch cfg.Realtime.Driver {
	case DriverSocketIO:
		if u, err := url.Parse(cfg.Realtime.SocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return cfg, errors.New("SOCKET_URL must be a ws:// or wss:// URL")
		}
	case DriverNATS:
		if strings.TrimSpace(cfg.Realtime.NATSURL) == "" {
			return cfg, errors.New("NATS_URL must not be empty")
		}
		if cfg.Realtime.SubjectPrefix == "" {
			return cfg, errors.New("NATS_SUBJECT_PREFIX must not be empty")
		}
	default:
		return cfg, errors.New("REALTIME_DRIVER must be one of: socketio, nats")
	}
	if cfg.Realtime.ReconnectMin <= 0 || cfg.Realtime.ReconnectMax < cfg.Realtime.ReconnectMin {
		return cfg, errors.New("REALTIME_RECONNECT_MIN must be > 0 and <= REALTIME_RECONNECT_MAX")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.WriteTimeout < 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
