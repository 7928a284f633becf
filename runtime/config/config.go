// Package config loads pipeline configuration from YAML files with
// environment-variable overrides. Precedence is environment > file >
// defaults; every recognized option has a documented default so a zero
// configuration runs a single-process deployment with in-memory backends.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opforge/toolrun/runtime/tools"
)

// EnvPrefix is prepended to upper-snake option names to form override
// variables (e.g., TOOLRUN_COMPUTER_MODE).
const EnvPrefix = "TOOLRUN_"

// Backend names accepted by IdempotencyBackend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// Config carries every recognized option. YAML tags mirror the documented
// option names.
type Config struct {
	// DefaultTTLSeconds is how long completed idempotency records stay
	// servable.
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`

	// MaxRecords bounds the idempotency store; oldest-accessed records are
	// evicted beyond it.
	MaxRecords int `yaml:"max_records"`

	// CleanupIntervalSeconds is the period of the background expiry sweep.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`

	// PromptCacheTTLSeconds bounds per-user tool catalog cache entries.
	PromptCacheTTLSeconds int `yaml:"prompt_cache_ttl_seconds"`

	// ComputerMode is the process-wide security gate mode.
	ComputerMode string `yaml:"computer_mode"`

	// Security gate lists.
	AllowedPaths           []string `yaml:"allowed_paths"`
	DeniedPaths            []string `yaml:"denied_paths"`
	AllowedExtensions      []string `yaml:"allowed_extensions"`
	DeniedExtensions       []string `yaml:"denied_extensions"`
	AllowedURLPatterns     []string `yaml:"allowed_url_patterns"`
	DeniedURLPatterns      []string `yaml:"denied_url_patterns"`
	MaxFileSize            int64    `yaml:"max_file_size"`
	ConfirmationOperations []string `yaml:"confirmation_operations"`

	// IdempotencyBackend selects memory, redis, or mongo record storage.
	IdempotencyBackend string `yaml:"idempotency_backend"`

	// RedisURL configures the redis backend and the pulse event sink.
	RedisURL string `yaml:"redis_url"`

	// MongoURI configures the mongo backends (idempotency, tool metadata).
	MongoURI string `yaml:"mongo_uri"`

	// EventHistorySize bounds the diagnostic ring buffer of recent events.
	EventHistorySize int `yaml:"event_history_size"`

	// PulseStreamPrefix namespaces cross-process event streams.
	PulseStreamPrefix string `yaml:"pulse_stream_prefix"`
}

// Default returns the documented defaults: production-safe gate mode,
// in-memory idempotency, one-hour record TTL.
func Default() Config {
	return Config{
		DefaultTTLSeconds:      3600,
		MaxRecords:             10000,
		CleanupIntervalSeconds: 300,
		PromptCacheTTLSeconds:  300,
		ComputerMode:           string(tools.ModeOff),
		MaxFileSize:            10 * 1024 * 1024,
		ConfirmationOperations: []string{"write", "delete", "move", "execute"},
		IdempotencyBackend:     BackendMemory,
		EventHistorySize:       1000,
		PulseStreamPrefix:      "toolrun",
	}
}

// Load reads the YAML file at path (when path is non-empty), applies
// environment overrides, and validates the outcome.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv applies environment overrides onto defaults without reading a file.
func FromEnv() (Config, error) {
	cfg := Default()
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unrecognized modes, backends, and non-positive bounds.
func (c Config) Validate() error {
	if !tools.ParseComputerMode(c.ComputerMode).Valid() {
		return fmt.Errorf("config: computer_mode %q is not one of off, restricted, dev", c.ComputerMode)
	}
	switch c.IdempotencyBackend {
	case BackendMemory, BackendRedis, BackendMongo:
	default:
		return fmt.Errorf("config: idempotency_backend %q is not one of memory, redis, mongo", c.IdempotencyBackend)
	}
	if c.IdempotencyBackend == BackendRedis && c.RedisURL == "" {
		return fmt.Errorf("config: redis backend selected but redis_url is empty")
	}
	if c.IdempotencyBackend == BackendMongo && c.MongoURI == "" {
		return fmt.Errorf("config: mongo backend selected but mongo_uri is empty")
	}
	if c.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("config: default_ttl_seconds must be positive, got %d", c.DefaultTTLSeconds)
	}
	if c.MaxRecords <= 0 {
		return fmt.Errorf("config: max_records must be positive, got %d", c.MaxRecords)
	}
	if c.CleanupIntervalSeconds <= 0 {
		return fmt.Errorf("config: cleanup_interval_seconds must be positive, got %d", c.CleanupIntervalSeconds)
	}
	if c.PromptCacheTTLSeconds <= 0 {
		return fmt.Errorf("config: prompt_cache_ttl_seconds must be positive, got %d", c.PromptCacheTTLSeconds)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("config: max_file_size must be positive, got %d", c.MaxFileSize)
	}
	if c.EventHistorySize <= 0 {
		return fmt.Errorf("config: event_history_size must be positive, got %d", c.EventHistorySize)
	}
	return nil
}

// DefaultTTL returns the record TTL as a duration.
func (c Config) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// CleanupInterval returns the sweep period as a duration.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// PromptCacheTTL returns the catalog cache TTL as a duration.
func (c Config) PromptCacheTTL() time.Duration {
	return time.Duration(c.PromptCacheTTLSeconds) * time.Second
}

// Mode returns the parsed security gate mode.
func (c Config) Mode() tools.ComputerMode {
	return tools.ParseComputerMode(c.ComputerMode)
}

// applyEnv overrides fields from lookup. Malformed numeric values are
// ignored so a stray variable cannot take the process down.
func (c *Config) applyEnv(lookup func(string) string) {
	setInt := func(name string, dst *int) {
		if v := lookup(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(name string, dst *int64) {
		if v := lookup(EnvPrefix + name); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setStr := func(name string, dst *string) {
		if v := lookup(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	setList := func(name string, dst *[]string) {
		if v := lookup(EnvPrefix + name); v != "" {
			parts := strings.Split(v, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	setInt("DEFAULT_TTL_SECONDS", &c.DefaultTTLSeconds)
	setInt("MAX_RECORDS", &c.MaxRecords)
	setInt("CLEANUP_INTERVAL_SECONDS", &c.CleanupIntervalSeconds)
	setInt("PROMPT_CACHE_TTL_SECONDS", &c.PromptCacheTTLSeconds)
	setStr("COMPUTER_MODE", &c.ComputerMode)
	setList("ALLOWED_PATHS", &c.AllowedPaths)
	setList("DENIED_PATHS", &c.DeniedPaths)
	setList("ALLOWED_EXTENSIONS", &c.AllowedExtensions)
	setList("DENIED_EXTENSIONS", &c.DeniedExtensions)
	setList("ALLOWED_URL_PATTERNS", &c.AllowedURLPatterns)
	setList("DENIED_URL_PATTERNS", &c.DeniedURLPatterns)
	setInt64("MAX_FILE_SIZE", &c.MaxFileSize)
	setList("CONFIRMATION_OPERATIONS", &c.ConfirmationOperations)
	setStr("IDEMPOTENCY_BACKEND", &c.IdempotencyBackend)
	setStr("REDIS_URL", &c.RedisURL)
	setStr("MONGO_URI", &c.MongoURI)
	setInt("EVENT_HISTORY_SIZE", &c.EventHistorySize)
	setStr("PULSE_STREAM_PREFIX", &c.PulseStreamPrefix)
}
