package config

import (
	"log/slog"
	"testing"
	"time"
)

// setRequired sets the variables Load refuses to run without.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("RENDERGATE_BACKENDS", "localhost:8188")
	t.Setenv("RENDERGATE_SIGNING_SECRET", "s3cret")
}

func TestLoad_AllVarsSet(t *testing.T) {
	t.Setenv("RENDERGATE_BACKENDS", "http://gpu1:8188, gpu2:8188 ,")
	t.Setenv("RENDERGATE_SIGNING_SECRET", "s3cret")
	t.Setenv("RENDERGATE_LISTEN_ADDR", ":9090")
	t.Setenv("RENDERGATE_STORE", "redis")
	t.Setenv("RENDERGATE_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("RENDERGATE_TICK", "2s")
	t.Setenv("RENDERGATE_PROBE_TIMEOUT", "1500ms")
	t.Setenv("RENDERGATE_PUBLIC_URL", "https://render.example.com/")
	t.Setenv("RENDERGATE_SMS_RATE", "2")
	t.Setenv("RENDERGATE_SUBMIT_RATE", "3")
	t.Setenv("RENDERGATE_CORS_ORIGINS", "*")
	t.Setenv("RENDERGATE_LOG_LEVEL", "debug")
	t.Setenv("RENDERGATE_OTEL_EXPORTER", "stdout")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(cfg.Backends) != 2 || cfg.Backends[0] != "http://gpu1:8188" || cfg.Backends[1] != "gpu2:8188" {
		t.Errorf("Backends = %v, want [http://gpu1:8188 gpu2:8188]", cfg.Backends)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.Store != "redis" {
		t.Errorf("Store = %q, want redis", cfg.Store)
	}
	if cfg.RedisURL != "redis://cache:6379/2" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.Tick != 2*time.Second {
		t.Errorf("Tick = %v, want 2s", cfg.Tick)
	}
	if cfg.ProbeTimeout != 1500*time.Millisecond {
		t.Errorf("ProbeTimeout = %v, want 1.5s", cfg.ProbeTimeout)
	}
	if cfg.PublicURL != "https://render.example.com" {
		t.Errorf("PublicURL = %q, want trailing slash trimmed", cfg.PublicURL)
	}
	if cfg.SMSRate != 2 || cfg.SubmitRate != 3 {
		t.Errorf("SMSRate, SubmitRate = %d, %d, want 2, 3", cfg.SMSRate, cfg.SubmitRate)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.OTelExporter != "stdout" {
		t.Errorf("OTelExporter = %q, want stdout", cfg.OTelExporter)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	t.Setenv("RENDERGATE_STORE", "")
	t.Setenv("RENDERGATE_TICK", "")
	t.Setenv("RENDERGATE_DB_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error with defaults, got: %v", err)
	}
	if cfg.Store != "sqlite" {
		t.Errorf("default Store = %q, want sqlite", cfg.Store)
	}
	if cfg.DBPath != "rendergate.db" {
		t.Errorf("default DBPath = %q", cfg.DBPath)
	}
	if cfg.Tick != 500*time.Millisecond {
		t.Errorf("default Tick = %v, want 500ms", cfg.Tick)
	}
	if cfg.ProbeTimeout != 3*time.Second {
		t.Errorf("default ProbeTimeout = %v, want 3s", cfg.ProbeTimeout)
	}
	if cfg.ResultURLTTL != 24*time.Hour {
		t.Errorf("default ResultURLTTL = %v, want 24h", cfg.ResultURLTTL)
	}
	if cfg.SMSRegion != "BR" {
		t.Errorf("default SMSRegion = %q, want BR", cfg.SMSRegion)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("default LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.OTelExporter != "none" {
		t.Errorf("default OTelExporter = %q, want none", cfg.OTelExporter)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"no backends", "RENDERGATE_BACKENDS", " , "},
		{"no secret", "RENDERGATE_SIGNING_SECRET", ""},
		{"bad store", "RENDERGATE_STORE", "postgres"},
		{"bad tick", "RENDERGATE_TICK", "soon"},
		{"zero tick", "RENDERGATE_TICK", "0s"},
		{"bad sms rate", "RENDERGATE_SMS_RATE", "fast"},
		{"bad log level", "RENDERGATE_LOG_LEVEL", "loud"},
		{"bad otel exporter", "RENDERGATE_OTEL_EXPORTER", "otlp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q, got nil", tt.key, tt.val)
			}
		})
	}
}
