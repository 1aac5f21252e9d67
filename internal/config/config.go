package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

var validStores = map[string]bool{
	"sqlite": true,
	"redis":  true,
	"memory": true,
}

var validExporters = map[string]bool{
	"none":   true,
	"stdout": true,
}

type Config struct {
	ListenAddr string
	Store      string
	DBPath     string
	RedisURL   string

	// Backends is the static list of rendering back-end addresses.
	Backends     []string
	Tick         time.Duration
	ProbeTimeout time.Duration

	WorkflowPath      string
	WorkflowImageNode string
	WorkflowSeedNode  string

	BlobDir       string
	PublicURL     string
	SigningSecret string
	ResultURLTTL  time.Duration

	SMSAPIURL string
	SMSAPIKey string
	SMSRegion string
	SMSRate   int

	SubmitRate  int
	CORSOrigins []string
	LogLevel    slog.Level

	// OTelExporter selects where traces and metrics go: none or stdout.
	OTelExporter string
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        getEnv("RENDERGATE_LISTEN_ADDR", ":8080"),
		Store:             getEnv("RENDERGATE_STORE", "sqlite"),
		DBPath:            getEnv("RENDERGATE_DB_PATH", "rendergate.db"),
		RedisURL:          getEnv("RENDERGATE_REDIS_URL", "redis://localhost:6379/0"),
		WorkflowPath:      getEnv("RENDERGATE_WORKFLOW_PATH", "workflow.json"),
		WorkflowImageNode: getEnv("RENDERGATE_WORKFLOW_IMAGE_NODE", "10"),
		WorkflowSeedNode:  getEnv("RENDERGATE_WORKFLOW_SEED_NODE", "3"),
		BlobDir:           getEnv("RENDERGATE_BLOB_DIR", "blobs"),
		PublicURL:         strings.TrimRight(getEnv("RENDERGATE_PUBLIC_URL", "http://localhost:8080"), "/"),
		SigningSecret:     getEnv("RENDERGATE_SIGNING_SECRET", ""),
		SMSAPIURL:         getEnv("RENDERGATE_SMS_API_URL", ""),
		SMSAPIKey:         getEnv("RENDERGATE_SMS_API_KEY", ""),
		SMSRegion:         getEnv("RENDERGATE_SMS_REGION", "BR"),
		CORSOrigins:       splitList(getEnv("RENDERGATE_CORS_ORIGINS", "")),
		OTelExporter:      getEnv("RENDERGATE_OTEL_EXPORTER", "none"),
	}

	if !validStores[cfg.Store] {
		return nil, fmt.Errorf("RENDERGATE_STORE %q must be one of: sqlite, redis, memory", cfg.Store)
	}

	if !validExporters[cfg.OTelExporter] {
		return nil, fmt.Errorf("RENDERGATE_OTEL_EXPORTER %q must be one of: none, stdout", cfg.OTelExporter)
	}

	cfg.Backends = splitList(getEnv("RENDERGATE_BACKENDS", ""))
	if len(cfg.Backends) == 0 {
		return nil, errors.New("RENDERGATE_BACKENDS must list at least one back-end address")
	}

	if cfg.SigningSecret == "" {
		return nil, errors.New("RENDERGATE_SIGNING_SECRET must not be empty")
	}

	var err error
	if cfg.Tick, err = getEnvDuration("RENDERGATE_TICK", 500*time.Millisecond); err != nil {
		return nil, fmt.Errorf("RENDERGATE_TICK: %w", err)
	}
	if cfg.Tick <= 0 {
		return nil, errors.New("RENDERGATE_TICK must be > 0")
	}
	if cfg.ProbeTimeout, err = getEnvDuration("RENDERGATE_PROBE_TIMEOUT", 3*time.Second); err != nil {
		return nil, fmt.Errorf("RENDERGATE_PROBE_TIMEOUT: %w", err)
	}
	if cfg.ProbeTimeout <= 0 {
		return nil, errors.New("RENDERGATE_PROBE_TIMEOUT must be > 0")
	}
	if cfg.ResultURLTTL, err = getEnvDuration("RENDERGATE_RESULT_URL_TTL", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("RENDERGATE_RESULT_URL_TTL: %w", err)
	}

	if cfg.SMSRate, err = getEnvInt("RENDERGATE_SMS_RATE", 5); err != nil {
		return nil, fmt.Errorf("RENDERGATE_SMS_RATE: %w", err)
	}
	if cfg.SMSRate < 1 {
		return nil, errors.New("RENDERGATE_SMS_RATE must be > 0")
	}
	if cfg.SubmitRate, err = getEnvInt("RENDERGATE_SUBMIT_RATE", 0); err != nil {
		return nil, fmt.Errorf("RENDERGATE_SUBMIT_RATE: %w", err)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("RENDERGATE_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("RENDERGATE_LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
