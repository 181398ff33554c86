// Package config loads AxonTask's configuration surface: environment
// variables as the base layer, an optional YAML/TOML file overriding
// those, and CLI flags overriding both, matching the precedence order
// carried over from the teacher's env/file layering convention.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// PlanLimits carries one tenant plan's admission and retention policy.
type PlanLimits struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
	ConcurrentTasks    int
	TasksPerDay        int
	StreamConnections  int
	MinutesPerMonth    int
	Retention          time.Duration
}

// DefaultPlans mirrors the per-plan quota table from the original
// implementation's quota module (Trial/Entry/Pro/Enterprise).
func DefaultPlans() map[string]PlanLimits {
	return map[string]PlanLimits{
		"trial": {
			RateLimitPerSecond: 1, RateLimitBurst: 5,
			ConcurrentTasks: 5, TasksPerDay: 100, StreamConnections: 2,
			MinutesPerMonth: 600, Retention: 24 * time.Hour,
		},
		"entry": {
			RateLimitPerSecond: 5, RateLimitBurst: 20,
			ConcurrentTasks: 25, TasksPerDay: 1000, StreamConnections: 5,
			MinutesPerMonth: 6000, Retention: 7 * 24 * time.Hour,
		},
		"pro": {
			RateLimitPerSecond: 20, RateLimitBurst: 100,
			ConcurrentTasks: 100, TasksPerDay: 10000, StreamConnections: 20,
			MinutesPerMonth: 60000, Retention: 30 * 24 * time.Hour,
		},
		"enterprise": {
			RateLimitPerSecond: 100, RateLimitBurst: 500,
			ConcurrentTasks: 500, TasksPerDay: 100000, StreamConnections: 100,
			MinutesPerMonth: 600000, Retention: 90 * 24 * time.Hour,
		},
	}
}

// Config is the single, unified configuration shape shared by the API
// server, the worker, and the operator CLI.
type Config struct {
	BindAddr  string
	StoreURL  string
	StreamURL string

	JWTSecret         string
	ReceiptSigningKey string
	ReceiptKeyID      string
	SigningAlgorithm  string // "hmac-sha256" (default) or "ed25519"

	// DefaultWorkerConcurrency, PollMinBackoff, PollMaxBackoff,
	// HeartbeatInterval, WatchdogInterval, KeepaliveInterval and
	// PerSubscriberBuffer are loaded and validated but not read by
	// lifecycle or delivery, which use their own package constants; the
	// worker's reservation loop has no per-worker concurrency cap.
	WorkerID                 string
	DefaultWorkerConcurrency int
	PollMinBackoff           time.Duration
	PollMaxBackoff           time.Duration
	HeartbeatInterval        time.Duration
	WatchdogInterval         time.Duration
	DigestEveryNEvents       int
	KeepaliveInterval        time.Duration
	PerSubscriberBuffer      int
	CompactionThreshold      int

	AllowedAdapters []string

	Plans map[string]PlanLimits
}

// BindFlags registers CLI flags. Flags win over env and file values,
// mirroring the teacher's own flag-is-final-override convention.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.BindAddr, "bind-addr", c.BindAddr, "address the API server listens on")
	fs.StringVar(&c.StoreURL, "store-url", c.StoreURL, "Postgres connection string")
	fs.StringVar(&c.StreamURL, "stream-url", c.StreamURL, "Redis connection string")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "identifier this worker registers under")
	fs.IntVar(&c.DefaultWorkerConcurrency, "worker-concurrency", c.DefaultWorkerConcurrency, "per-worker concurrent task cap")
}

// Load builds a Config from environment variables with built-in
// defaults. Callers layer a file config (ApplyFileConfig) and CLI flags
// (BindFlags) on top.
func Load() (*Config, error) {
	storeURL := os.Getenv("AXONTASK_STORE_URL")
	if storeURL == "" {
		return nil, fmt.Errorf("AXONTASK_STORE_URL is required")
	}

	cfg := &Config{
		BindAddr:                 envOr("AXONTASK_BIND_ADDR", ":8080"),
		StoreURL:                 storeURL,
		StreamURL:                envOr("AXONTASK_STREAM_URL", "redis://127.0.0.1:6379/0"),
		JWTSecret:                os.Getenv("AXONTASK_JWT_SECRET"),
		ReceiptSigningKey:        os.Getenv("AXONTASK_RECEIPT_SIGNING_KEY"),
		ReceiptKeyID:             envOr("AXONTASK_RECEIPT_KEY_ID", "default"),
		SigningAlgorithm:         envOr("AXONTASK_SIGNING_ALGORITHM", "hmac-sha256"),
		WorkerID:                 envOr("AXONTASK_WORKER_ID", hostnameOrDefault()),
		DefaultWorkerConcurrency: envIntOr("AXONTASK_WORKER_CONCURRENCY", 8),
		PollMinBackoff:           envDurationOr("AXONTASK_POLL_MIN_BACKOFF", 200*time.Millisecond),
		PollMaxBackoff:           envDurationOr("AXONTASK_POLL_MAX_BACKOFF", 5*time.Second),
		HeartbeatInterval:        envDurationOr("AXONTASK_HEARTBEAT_INTERVAL", 30*time.Second),
		WatchdogInterval:         envDurationOr("AXONTASK_WATCHDOG_INTERVAL", 30*time.Second),
		DigestEveryNEvents:       envIntOr("AXONTASK_DIGEST_EVERY_N_EVENTS", 256),
		KeepaliveInterval:        envDurationOr("AXONTASK_KEEPALIVE_INTERVAL", 25*time.Second),
		PerSubscriberBuffer:      envIntOr("AXONTASK_PER_SUBSCRIBER_BUFFER", 64),
		CompactionThreshold:      envIntOr("AXONTASK_COMPACTION_THRESHOLD", 1000),
		AllowedAdapters:          []string{"mock", "shell", "container", "remotedeploy"},
		Plans:                    DefaultPlans(),
	}

	if cfg.PollMaxBackoff < cfg.PollMinBackoff {
		return nil, fmt.Errorf("AXONTASK_POLL_MAX_BACKOFF must be >= AXONTASK_POLL_MIN_BACKOFF")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var parsed int
	if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}
