package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	_ = MustLoad()
}

// --- Load success + normalization + parsing ---

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.APIBaseURL != "https://memora-be.onrender.com/" {
		t.Fatalf("APIBaseURL default = %q", cfg.APIBaseURL)
	}
	if cfg.Realtime.Driver != DriverSocketIO || !strings.HasPrefix(cfg.Realtime.SocketURL, "wss://") {
		t.Fatalf("realtime defaults unexpected: %+v", cfg.Realtime)
	}
	if cfg.Realtime.SubjectPrefix != "memora.room" {
		t.Fatalf("subject prefix default = %q", cfg.Realtime.SubjectPrefix)
	}
	if !cfg.Sync.Optimistic || !cfg.Sync.DedupePushByID {
		t.Fatalf("sync defaults should both be on: %+v", cfg.Sync)
	}
	if cfg.HTTPTimeout != 15*time.Second || cfg.SendRPS != 2 || cfg.SendBurst != 4 {
		t.Fatalf("backend defaults unexpected: %v %v %v", cfg.HTTPTimeout, cfg.SendRPS, cfg.SendBurst)
	}
	if cfg.DBPath != "memora.db" || cfg.APIBasePath != "/api/v1" {
		t.Fatalf("defaults unexpected: db=%q base=%q", cfg.DBPath, cfg.APIBasePath)
	}
	if cfg.WriteTimeout != 0 {
		t.Fatalf("write timeout default should be disabled for SSE, got %v", cfg.WriteTimeout)
	}
	if cfg.OTEL.ServiceName != "memora-client" {
		t.Fatalf("OTEL service name default = %q", cfg.OTEL.ServiceName)
	}
}

func TestLoad_Success_Overrides(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://localhost:3000") // gets a trailing slash
	t.Setenv("HTTP_TIMEOUT", "3s")
	t.Setenv("SEND_RPS", "0")
	t.Setenv("SEND_BURST", "1")
	t.Setenv("REALTIME_DRIVER", " NATS ")
	t.Setenv("NATS_URL", "nats://n:4222")
	t.Setenv("NATS_SUBJECT_PREFIX", ".chat.rooms.")
	t.Setenv("OPTIMISTIC_SEND", "off")
	t.Setenv("DEDUPE_PUSH_BY_ID", "no")

	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("IDLE_TIMEOUT", "4s")
	t.Setenv("MAX_HEADER_BYTES", "8192")
	t.Setenv("GIN_MODE", "weird") // normalizes to "release"

	t.Setenv("LOG_LEVEL", "warning") // normalizes to "warn"
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("SWAGGER_ENABLED", "on")
	t.Setenv("API_BASE_PATH", "api/v1/")

	t.Setenv("DB_PATH", "db.sqlite")

	t.Setenv("RATE_RPS", "x")      // default 5.0
	t.Setenv("RATE_BURST", "nope") // default 10

	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("ENABLE_HSTS", "TRUE")
	t.Setenv("HSTS_MAX_AGE", "24h")
	t.Setenv("IDEMPOTENCY_TTL", "48h")

	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.APIBaseURL != "http://localhost:3000/" || cfg.HTTPTimeout != 3*time.Second {
		t.Fatalf("backend fields unexpected: %+v", cfg)
	}
	if cfg.SendRPS != 0 || cfg.SendBurst != 1 {
		t.Fatalf("send throttle unexpected: %v/%v", cfg.SendRPS, cfg.SendBurst)
	}
	if cfg.Realtime.Driver != DriverNATS || cfg.Realtime.NATSURL != "nats://n:4222" || cfg.Realtime.SubjectPrefix != "chat.rooms" {
		t.Fatalf("realtime unexpected: %+v", cfg.Realtime)
	}
	if cfg.Sync.Optimistic || cfg.Sync.DedupePushByID {
		t.Fatalf("sync flags should be off: %+v", cfg.Sync)
	}
	if cfg.Port != "8088" ||
		cfg.ReadTimeout != 2*time.Second ||
		cfg.ReadHeaderTimeout != 1*time.Second ||
		cfg.WriteTimeout != 3*time.Second ||
		cfg.IdleTimeout != 4*time.Second ||
		cfg.MaxHeaderBytes != 8192 ||
		cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}
	if cfg.LogLevel != "warn" || !cfg.LogPretty || !cfg.SwaggerEnabled || cfg.APIBasePath != "/api/v1" {
		t.Fatalf("logging/docs unexpected: %+v", cfg)
	}
	if cfg.DBPath != "db.sqlite" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 {
		t.Fatalf("rate defaults unexpected: %v/%v", cfg.RateRPS, cfg.RateBurst)
	}
	if want := []string{"https://a.com", "http://b"}; !reflect.DeepEqual(cfg.CORS.AllowedOrigins, want) {
		t.Fatalf("CORS origins = %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.Security.HSTSMaxAge != 24*time.Hour {
		t.Fatalf("security unexpected: %+v", cfg.Security)
	}
	if cfg.IdempotencyTTL != 48*time.Hour {
		t.Fatalf("IdempotencyTTL = %v", cfg.IdempotencyTTL)
	}
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure ||
		cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"invalid LOG_LEVEL", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"relative API_BASE_URL", map[string]string{"API_BASE_URL": "/api"}, "API_BASE_URL"},
		{"http timeout zero", map[string]string{"HTTP_TIMEOUT": "0s"}, "HTTP_TIMEOUT"},
		{"send rps negative", map[string]string{"SEND_RPS": "-1"}, "SEND_RPS"},
		{"send burst zero", map[string]string{"SEND_BURST": "0"}, "SEND_BURST"},
		{"unknown driver", map[string]string{"REALTIME_DRIVER": "mqtt"}, "REALTIME_DRIVER"},
		{"socket url not ws", map[string]string{"SOCKET_URL": "https://x/socket.io/"}, "SOCKET_URL"},
		{"nats prefix empty", map[string]string{"REALTIME_DRIVER": "nats", "NATS_SUBJECT_PREFIX": " . "}, "NATS_SUBJECT_PREFIX"},
		{"reconnect window inverted", map[string]string{"REALTIME_RECONNECT_MIN": "5s", "REALTIME_RECONNECT_MAX": "1s"}, "REALTIME_RECONNECT_MIN"},
		{"empty DB_PATH", map[string]string{"DB_PATH": "   "}, "DB_PATH must not be empty"},
		{"empty PORT via spaces", map[string]string{"PORT": "   "}, "PORT must not be empty"},
		{"non-positive timeouts", map[string]string{"READ_TIMEOUT": "0s"}, "timeouts must be positive"},
		{"negative write timeout", map[string]string{"WRITE_TIMEOUT": "-1s"}, "timeouts must be positive"},
		{"max header bytes <= 0", map[string]string{"MAX_HEADER_BYTES": "0"}, "MAX_HEADER_BYTES"},
		{"rate rps negative", map[string]string{"RATE_RPS": "-1"}, "RATE_RPS"},
		{"rate burst < 1", map[string]string{"RATE_BURST": "0"}, "RATE_BURST"},
		{"hsts max age negative", map[string]string{"HSTS_MAX_AGE": "-1s"}, "HSTS_MAX_AGE"},
		{"idempotency ttl non-positive", map[string]string{"IDEMPOTENCY_TTL": "0s"}, "IDEMPOTENCY_TTL"},
		{"otel sample ratio out of range", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); !containsErr(err, tc.want) {
				t.Fatalf("expected %q validation error, got: %v", tc.want, err)
			}
		})
	}
}

// --- .env ---

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("MEMORA_TEST_A=from-file\nMEMORA_TEST_B=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEMORA_TEST_B", "from-env")
	os.Unsetenv("MEMORA_TEST_A")
	t.Cleanup(func() { os.Unsetenv("MEMORA_TEST_A") })

	if err := LoadDotEnv(p, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	if got := os.Getenv("MEMORA_TEST_A"); got != "from-file" {
		t.Fatalf("MEMORA_TEST_A = %q", got)
	}
	if got := os.Getenv("MEMORA_TEST_B"); got != "from-env" {
		t.Fatalf("existing env should win, got %q", got)
	}
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}
	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}
	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}
	t.Setenv("D_BAD", "zzz")
	if getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	for i, v := range []string{"1", "true", "TRUE", " yes ", "Y", "on", "On"} {
		k := "B_T_" + string(rune('a'+i))
		t.Setenv(k, v)
		if !getbool(k, false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	for i, v := range []string{"0", "false", "FALSE", " no ", "N", "off", "Off"} {
		k := "B_F_" + string(rune('a'+i))
		t.Setenv(k, v)
		if getbool(k, true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	t.Setenv("B_EMPTY", "")
	if !getbool("B_EMPTY", true) || getbool("B_EMPTY", false) {
		t.Fatalf("getbool default behavior unexpected")
	}
}

func TestHelpers_splitCSV_and_normalizeBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	if got, want := splitCSV(" a, ,b ,  c  ,"), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV mismatch: got %#v want %#v", got, want)
	}
	for in, want := range map[string]string{"": "/", "v1": "/v1", "/v1/": "/v1", " / ": "/"} {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q; want %q", in, got, want)
		}
	}
}

// Ensure tests don't leak env to others.
func TestMain(m *testing.M) {
	for _, k := range []string{"PORT", "API_BASE_URL", "SOCKET_URL", "REALTIME_DRIVER", "DB_PATH", "LOG_LEVEL"} {
		os.Unsetenv(k)
	}
	os.Exit(m.Run())
}

// containsErr reports whether err's message contains the given substring.
func containsErr(err error, want string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), want)
}
