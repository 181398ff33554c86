package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"axontask.yaml",
	"axontask.yml",
	"axontask.toml",
	".axontask.yaml",
	".axontask.yml",
	".axontask.toml",
}

// FileConfig mirrors the subset of Config that a deployment may want to
// pin in a checked-in file rather than the environment. Every field here
// is optional; ApplyFileConfig only overrides what is set.
type FileConfig struct {
	BindAddr  string `yaml:"bind_addr" toml:"bind_addr"`
	StoreURL  string `yaml:"store_url" toml:"store_url"`
	StreamURL string `yaml:"stream_url" toml:"stream_url"`

	JWTSecret         string `yaml:"jwt_secret" toml:"jwt_secret"`
	ReceiptSigningKey string `yaml:"receipt_signing_key" toml:"receipt_signing_key"`

	HeartbeatInterval        string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	WatchdogInterval         string `yaml:"watchdog_interval" toml:"watchdog_interval"`
	DefaultWorkerConcurrency *int   `yaml:"default_worker_concurrency" toml:"default_worker_concurrency"`
	DigestEveryNEvents       *int   `yaml:"digest_every_n_events" toml:"digest_every_n_events"`
	KeepaliveInterval        string `yaml:"keepalive_interval" toml:"keepalive_interval"`
	PerSubscriberBuffer      *int   `yaml:"per_subscriber_buffer" toml:"per_subscriber_buffer"`

	RetentionByPlan map[string]string             `yaml:"retention_by_plan" toml:"retention_by_plan"`
	Plans           map[string]FilePlanOverride   `yaml:"plans" toml:"plans"`
}

// FilePlanOverride lets a deployment override one plan's quota numbers
// without redeclaring the whole table.
type FilePlanOverride struct {
	RateLimitPerSecond *float64 `yaml:"rate_limit_per_second" toml:"rate_limit_per_second"`
	RateLimitBurst     *int     `yaml:"rate_limit_burst" toml:"rate_limit_burst"`
	ConcurrentTasks    *int     `yaml:"concurrent_tasks" toml:"concurrent_tasks"`
	TasksPerDay        *int     `yaml:"tasks_per_day" toml:"tasks_per_day"`
	Streams            *int     `yaml:"streams" toml:"streams"`
	MinutesPerMonth    *int     `yaml:"minutes_per_month" toml:"minutes_per_month"`
}

// ResolveConfigPath finds the config file to load: --config/-config flag,
// then AXONTASK_CONFIG env, then a default filename in the working
// directory. Returns "" if none apply (env-only configuration).
func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("AXONTASK_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

// LoadFileConfig parses path in strict mode: unknown top-level keys are
// rejected at startup, per the configuration surface's "unknown options
// are rejected at startup" requirement.
func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

// ApplyFileConfig merges fileCfg into cfg, overriding only the fields the
// file actually sets.
func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.BindAddr != "" {
		cfg.BindAddr = fileCfg.BindAddr
	}
	if fileCfg.StoreURL != "" {
		cfg.StoreURL = fileCfg.StoreURL
	}
	if fileCfg.StreamURL != "" {
		cfg.StreamURL = fileCfg.StreamURL
	}
	if fileCfg.JWTSecret != "" {
		cfg.JWTSecret = fileCfg.JWTSecret
	}
	if fileCfg.ReceiptSigningKey != "" {
		cfg.ReceiptSigningKey = fileCfg.ReceiptSigningKey
	}
	if fileCfg.HeartbeatInterval != "" {
		d, err := parseDurationField("heartbeat_interval", fileCfg.HeartbeatInterval)
		if err != nil {
			return err
		}
		cfg.HeartbeatInterval = d
	}
	if fileCfg.WatchdogInterval != "" {
		d, err := parseDurationField("watchdog_interval", fileCfg.WatchdogInterval)
		if err != nil {
			return err
		}
		cfg.WatchdogInterval = d
	}
	if fileCfg.DefaultWorkerConcurrency != nil {
		cfg.DefaultWorkerConcurrency = *fileCfg.DefaultWorkerConcurrency
	}
	if fileCfg.DigestEveryNEvents != nil {
		cfg.DigestEveryNEvents = *fileCfg.DigestEveryNEvents
	}
	if fileCfg.KeepaliveInterval != "" {
		d, err := parseDurationField("keepalive_interval", fileCfg.KeepaliveInterval)
		if err != nil {
			return err
		}
		cfg.KeepaliveInterval = d
	}
	if fileCfg.PerSubscriberBuffer != nil {
		cfg.PerSubscriberBuffer = *fileCfg.PerSubscriberBuffer
	}

	for planName, retention := range fileCfg.RetentionByPlan {
		limits, ok := cfg.Plans[planName]
		if !ok {
			return fmt.Errorf("retention_by_plan: unknown plan %q", planName)
		}
		d, err := parseDurationField("retention_by_plan."+planName, retention)
		if err != nil {
			return err
		}
		limits.Retention = d
		cfg.Plans[planName] = limits
	}

	for planName, override := range fileCfg.Plans {
		limits, ok := cfg.Plans[planName]
		if !ok {
			return fmt.Errorf("plans: unknown plan %q", planName)
		}
		if override.RateLimitPerSecond != nil {
			limits.RateLimitPerSecond = *override.RateLimitPerSecond
		}
		if override.RateLimitBurst != nil {
			limits.RateLimitBurst = *override.RateLimitBurst
		}
		if override.ConcurrentTasks != nil {
			limits.ConcurrentTasks = *override.ConcurrentTasks
		}
		if override.TasksPerDay != nil {
			limits.TasksPerDay = *override.TasksPerDay
		}
		if override.Streams != nil {
			limits.StreamConnections = *override.Streams
		}
		if override.MinutesPerMonth != nil {
			limits.MinutesPerMonth = *override.MinutesPerMonth
		}
		cfg.Plans[planName] = limits
	}

	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
