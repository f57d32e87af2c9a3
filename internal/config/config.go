/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L1
Logic:       Loads pipeline configuration from a .env file plus
             process environment, with an optional YAML overlay for
             per-environment tuning of batching/backpressure knobs.
Root Cause:  Every tunable named in the batching, backpressure, and
             retry sections needed one typed place to live instead of
             scattered os.Getenv calls.
Suitability: L1 — env parsing with defaults, no novel logic.
──────────────────────────────────────────────────────────────
*/

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the component design (§4).
type Config struct {
	// Environment
	Env string

	// Redis / streams
	RedisURL      string
	IngressStream string
	CDCStream     string
	DLQStream     string

	// Raw store
	RawStorePath string

	// Fast-path consumer + batch writer (§4.2)
	ConsumerGroup   string
	ConsumerID      string
	BMax            int
	TPoll           time.Duration
	TBatch          time.Duration
	TStuck          time.Duration
	RecoveryPeriod  time.Duration
	RMax            int
	CDCAppendTimeout time.Duration
	SweepInterval    time.Duration

	// Worker pool (§4.3)
	NWorkers          int
	TMon              time.Duration
	RMaxBuilder       int
	BuilderBaseBackoff time.Duration
	BuilderMaxBackoff  time.Duration
	TPause             time.Duration

	// Backpressure thresholds (§4.3)
	DepthWarn      int64
	DepthShed      int64
	DepthShedPause int64

	// Misc
	CDCInlineThresholdBytes int
	GracefulTimeout         time.Duration
	LogLevel                string
}

// Default returns the production defaults named throughout §4.
func Default() Config {
	return Config{
		Env:           "development",
		RedisURL:      "redis://redis:6379",
		IngressStream: "telemetry:ingress",
		CDCStream:     "telemetry:cdc",
		DLQStream:     "telemetry:dlq",

		RawStorePath: "./data/rawstore.db",

		ConsumerGroup:    "fastpath-consumers",
		ConsumerID:       "",
		BMax:             100,
		TPoll:            100 * time.Millisecond,
		TBatch:           100 * time.Millisecond,
		TStuck:           30 * time.Second,
		RecoveryPeriod:   30 * time.Second,
		RMax:             5,
		CDCAppendTimeout: time.Second,
		SweepInterval:    30 * time.Second,

		NWorkers:           4,
		TMon:               5 * time.Second,
		RMaxBuilder:        5,
		BuilderBaseBackoff: 100 * time.Millisecond,
		BuilderMaxBackoff:  5 * time.Second,
		TPause:             time.Second,

		DepthWarn:      10_000,
		DepthShed:      50_000,
		DepthShedPause: 100_000,

		CDCInlineThresholdBytes: 4 * 1024,
		GracefulTimeout:         10 * time.Second,
		LogLevel:                "info",
	}
}

// yamlOverlay mirrors the subset of Config fields an operator may want to
// override via PIPELINE_CONFIG_FILE without touching the environment.
type yamlOverlay struct {
	BMax        *int    `yaml:"b_max"`
	TBatchMS    *int    `yaml:"t_batch_ms"`
	NWorkers    *int    `yaml:"n_workers"`
	RMax        *int    `yaml:"r_max"`
	RMaxBuilder *int    `yaml:"r_max_builder"`
	DepthWarn   *int64  `yaml:"depth_warn"`
	DepthShed   *int64  `yaml:"depth_shed"`
	DepthPause  *int64  `yaml:"depth_shed_pause"`
	LogLevel    *string `yaml:"log_level"`
}

// Load builds a Config from environment variables (with an optional
// local .env file loaded via godotenv) and an optional YAML tunables
// overlay, the way the teacher's gateway config loads from the
// environment with a .env fallback.
func Load() Config {
	_ = godotenv.Load()

	cfg := Default()
	cfg.Env = getEnv("PIPELINE_ENV", cfg.Env)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.IngressStream = getEnv("INGRESS_STREAM", cfg.IngressStream)
	cfg.CDCStream = getEnv("CDC_STREAM", cfg.CDCStream)
	cfg.DLQStream = getEnv("DLQ_STREAM", cfg.DLQStream)
	cfg.RawStorePath = getEnv("RAW_STORE_PATH", cfg.RawStorePath)

	cfg.ConsumerGroup = getEnv("FASTPATH_CONSUMER_GROUP", cfg.ConsumerGroup)
	cfg.ConsumerID = getEnv("FASTPATH_CONSUMER_ID", hostnameConsumerID())
	cfg.BMax = getEnvInt("FASTPATH_B_MAX", cfg.BMax)
	cfg.TPoll = getEnvDuration("FASTPATH_T_POLL_MS", cfg.TPoll)
	cfg.TBatch = getEnvDuration("FASTPATH_T_BATCH_MS", cfg.TBatch)
	cfg.TStuck = getEnvDuration("FASTPATH_T_STUCK_SEC", cfg.TStuck)
	cfg.RecoveryPeriod = getEnvDuration("FASTPATH_RECOVERY_PERIOD_SEC", cfg.RecoveryPeriod)
	cfg.RMax = getEnvInt("FASTPATH_R_MAX", cfg.RMax)
	cfg.CDCAppendTimeout = getEnvDuration("FASTPATH_CDC_APPEND_TIMEOUT_MS", cfg.CDCAppendTimeout)
	cfg.SweepInterval = getEnvDuration("FASTPATH_SWEEP_INTERVAL_SEC", cfg.SweepInterval)

	cfg.NWorkers = getEnvInt("WORKERPOOL_N_WORKERS", cfg.NWorkers)
	cfg.TMon = getEnvDuration("WORKERPOOL_T_MON_SEC", cfg.TMon)
	cfg.RMaxBuilder = getEnvInt("WORKERPOOL_R_MAX_BUILDER", cfg.RMaxBuilder)
	cfg.TPause = getEnvDuration("WORKERPOOL_T_PAUSE_SEC", cfg.TPause)

	cfg.DepthWarn = int64(getEnvInt("BACKPRESSURE_DEPTH_WARN", int(cfg.DepthWarn)))
	cfg.DepthShed = int64(getEnvInt("BACKPRESSURE_DEPTH_SHED", int(cfg.DepthShed)))
	cfg.DepthShedPause = int64(getEnvInt("BACKPRESSURE_DEPTH_SHED_PAUSE", int(cfg.DepthShedPause)))

	cfg.CDCInlineThresholdBytes = getEnvInt("CDC_INLINE_THRESHOLD_BYTES", cfg.CDCInlineThresholdBytes)
	cfg.GracefulTimeout = getEnvDuration("PIPELINE_GRACEFUL_TIMEOUT_SEC", cfg.GracefulTimeout)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if path := os.Getenv("PIPELINE_CONFIG_FILE"); path != "" {
		applyYAMLOverlay(&cfg, path)
	}

	return cfg
}

func applyYAMLOverlay(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return
	}
	if overlay.BMax != nil {
		cfg.BMax = *overlay.BMax
	}
	if overlay.TBatchMS != nil {
		cfg.TBatch = time.Duration(*overlay.TBatchMS) * time.Millisecond
	}
	if overlay.NWorkers != nil {
		cfg.NWorkers = *overlay.NWorkers
	}
	if overlay.RMax != nil {
		cfg.RMax = *overlay.RMax
	}
	if overlay.RMaxBuilder != nil {
		cfg.RMaxBuilder = *overlay.RMaxBuilder
	}
	if overlay.DepthWarn != nil {
		cfg.DepthWarn = *overlay.DepthWarn
	}
	if overlay.DepthShed != nil {
		cfg.DepthShed = *overlay.DepthShed
	}
	if overlay.DepthPause != nil {
		cfg.DepthShedPause = *overlay.DepthPause
	}
	if overlay.LogLevel != nil {
		cfg.LogLevel = *overlay.LogLevel
	}
}

func hostnameConsumerID() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "fastpath-0"
	}
	return h
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration reads an environment variable expressed in the unit
// implied by its key suffix (MS or SEC) and returns it as a
// time.Duration, falling back to the provided default otherwise.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	switch {
	case len(key) > 3 && key[len(key)-2:] == "MS":
		return time.Duration(i) * time.Millisecond
	default:
		return time.Duration(i) * time.Second
	}
}
