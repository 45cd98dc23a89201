package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every CALLNOTIFY_ variable so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"data-dir", "http-host", "http-port", "log-level", "log-format",
		"ring-timeout", "marker-ttl", "push-rate", "push-burst", "api-secret",
		"archive-dsn", "history-max-days", "fcm-credentials", "fcm-relay-token", "apns-key-file",
		"apns-key-id", "apns-team-id", "apns-bundle-id", "apns-relay-token",
		"apns-sandbox",
	} {
		t.Setenv(EnvName(name), "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.ListenAddr() != "127.0.0.1:8090" {
		t.Errorf("ListenAddr() = %q, want 127.0.0.1:8090", cfg.ListenAddr())
	}
	if cfg.RingTimeout != defaultRingTimeout {
		t.Errorf("RingTimeout = %s, want %s", cfg.RingTimeout, defaultRingTimeout)
	}
	if cfg.MarkerTTL != defaultMarkerTTL {
		t.Errorf("MarkerTTL = %s, want %s", cfg.MarkerTTL, defaultMarkerTTL)
	}
	if cfg.PushRate != defaultPushRate || cfg.PushBurst != defaultPushBurst {
		t.Errorf("push limits = %v/%d, want %v/%d", cfg.PushRate, cfg.PushBurst, defaultPushRate, defaultPushBurst)
	}
	if cfg.RelayEnabled() {
		t.Error("expected no relay by default")
	}
	if secret, err := cfg.APISecretBytes(); secret != nil || err != nil {
		t.Errorf("expected auth disabled by default, got %v, %v", secret, err)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("CALLNOTIFY_HTTP_PORT", "9090")
	t.Setenv("CALLNOTIFY_DATA_DIR", "/tmp/callnotify-test")
	t.Setenv("CALLNOTIFY_LOG_LEVEL", "DEBUG")
	t.Setenv("CALLNOTIFY_RING_TIMEOUT", "20s")
	t.Setenv("CALLNOTIFY_APNS_SANDBOX", "true")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/callnotify-test" {
		t.Errorf("DataDir = %q, want /tmp/callnotify-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.RingTimeout != 20*time.Second {
		t.Errorf("RingTimeout = %s, want 20s", cfg.RingTimeout)
	}
	if !cfg.APNsSandbox {
		t.Error("expected APNsSandbox from env")
	}
}

func TestMalformedEnvIsAnError(t *testing.T) {
	clearEnv(t)
	t.Setenv("CALLNOTIFY_HTTP_PORT", "eighty")

	_, err := Parse(nil)
	if err == nil || !strings.Contains(err.Error(), "CALLNOTIFY_HTTP_PORT") {
		t.Fatalf("expected error naming CALLNOTIFY_HTTP_PORT, got %v", err)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("CALLNOTIFY_HTTP_PORT", "9090")
	t.Setenv("CALLNOTIFY_LOG_LEVEL", "debug")

	cfg, err := Parse([]string{"--http-port", "3000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"port out of range", []string{"--http-port", "99999"}},
		{"unknown log level", []string{"--log-level", "verbose"}},
		{"unknown log format", []string{"--log-format", "xml"}},
		{"negative ring timeout", []string{"--ring-timeout", "-1s"}},
		{"tiny marker ttl", []string{"--marker-ttl", "10ms"}},
		{"negative history days", []string{"--history-max-days", "-1"}},
		{"negative push rate", []string{"--push-rate", "-2"}},
		{"zero burst with rate", []string{"--push-burst", "0"}},
		{"non-hex secret", []string{"--api-secret", "zz"}},
		{"short secret", []string{"--api-secret", "abcd"}},
		{"apns relay without keys", []string{"--apns-relay-token", "abc123"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if _, err := Parse(tt.args); err == nil {
				t.Fatalf("expected error for %v", tt.args)
			}
		})
	}
}

func TestAPISecretBytes(t *testing.T) {
	clearEnv(t)
	hexSecret := strings.Repeat("ab", 32)

	cfg, err := Parse([]string{"--api-secret", hexSecret})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secret, err := cfg.APISecretBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(secret) != 32 || secret[0] != 0xab {
		t.Errorf("unexpected secret %x", secret)
	}
}

func TestRingTimeoutZeroDisables(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]string{"--ring-timeout", "0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RingTimeout != 0 {
		t.Errorf("RingTimeout = %s, want 0", cfg.RingTimeout)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
