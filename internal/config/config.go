// Package config loads and validates all runtime configuration.
//
// Configuration is read from environment variables (preferred for
// containers) or a config.yaml in the working directory; env vars take
// precedence. A .env file is loaded into the process environment when
// present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel is one of: debug, info, warn, error. Default: info.
	LogLevel string

	// DatabaseURL locates the configuration store (provider/key/mapping
	// records). postgres:// for production; anything else is a SQLite DSN.
	DatabaseURL string

	// RedisURL locates the shared key-value store (rate counters, circuit
	// state). Required unless Circuit.Store is "memory" and rate limiting is
	// disabled.
	RedisURL string

	// MasterKey is the encoded 32-byte vault key.
	MasterKey string

	// ClientAPIKeys is the set of accepted client bearer tokens.
	ClientAPIKeys []string

	RateLimit RateLimitConfig
	Circuit   CircuitConfig
	Selector  SelectorConfig

	// RequestTimeout bounds a whole client request. Default: 60s.
	RequestTimeout time.Duration

	// RouterCacheTTL bounds model-mapping staleness. Default: 5s.
	RouterCacheTTL time.Duration

	// CORSOrigins — ["*"] (default) allows any origin.
	CORSOrigins []string
}

// RateLimitConfig holds the per-axis requests-per-window ceilings.
// Zero disables an axis.
type RateLimitConfig struct {
	GlobalRPM int
	PerKeyRPM int
	PerIPRPM  int
	Window    time.Duration
}

// Enabled reports whether any axis is active.
func (c RateLimitConfig) Enabled() bool {
	return c.GlobalRPM > 0 || c.PerKeyRPM > 0 || c.PerIPRPM > 0
}

// CircuitConfig holds the breaker thresholds.
type CircuitConfig struct {
	FailureThreshold int
	Window           time.Duration
	OpenFor          time.Duration
	ProbeCount       int

	// Store selects the breaker state backend: "redis" (default, shared
	// across the fleet) or "memory" (explicit opt-in for single-process
	// deployments).
	Store string
}

// SelectorConfig holds key selection tuning.
type SelectorConfig struct {
	// Strategy is one of: priority, round_robin, least_used.
	Strategy string
	// FailThreshold demotes a key after this many consecutive auth/quota
	// failures. Default: 3.
	FailThreshold int
}

// Load reads configuration from the environment and optional config.yaml.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "relay.db")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("ROUTER_CACHE_TTL", "5s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("RATE_LIMIT_GLOBAL_RPM", 0)
	v.SetDefault("RATE_LIMIT_KEY_RPM", 0)
	v.SetDefault("RATE_LIMIT_IP_RPM", 0)
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")

	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_WINDOW", "60s")
	v.SetDefault("CB_OPEN_FOR", "30s")
	v.SetDefault("CB_PROBE_COUNT", 1)
	v.SetDefault("CB_STORE", "redis")

	v.SetDefault("KEY_STRATEGY", "priority")
	v.SetDefault("KEY_FAIL_THRESHOLD", 3)

	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisURL:    v.GetString("REDIS_URL"),
		MasterKey:   v.GetString("MASTER_KEY"),

		ClientAPIKeys: splitNonEmpty(v.GetString("CLIENT_API_KEYS")),

		RateLimit: RateLimitConfig{
			GlobalRPM: v.GetInt("RATE_LIMIT_GLOBAL_RPM"),
			PerKeyRPM: v.GetInt("RATE_LIMIT_KEY_RPM"),
			PerIPRPM:  v.GetInt("RATE_LIMIT_IP_RPM"),
			Window:    v.GetDuration("RATE_LIMIT_WINDOW"),
		},

		Circuit: CircuitConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			Window:           v.GetDuration("CB_WINDOW"),
			OpenFor:          v.GetDuration("CB_OPEN_FOR"),
			ProbeCount:       v.GetInt("CB_PROBE_COUNT"),
			Store:            strings.ToLower(v.GetString("CB_STORE")),
		},

		Selector: SelectorConfig{
			Strategy:      strings.ToLower(v.GetString("KEY_STRATEGY")),
			FailThreshold: v.GetInt("KEY_FAIL_THRESHOLD"),
		},

		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
		RouterCacheTTL: v.GetDuration("ROUTER_CACHE_TTL"),
		CORSOrigins:    v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("config: MASTER_KEY is required (base64 or hex encoding of 32 bytes)")
	}
	if len(c.ClientAPIKeys) == 0 {
		return fmt.Errorf("config: CLIENT_API_KEYS is required (comma-separated list of accepted bearer tokens)")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Circuit.Store {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: invalid CB_STORE %q; must be one of: redis, memory", c.Circuit.Store)
	}

	needsRedis := c.Circuit.Store == "redis" || c.RateLimit.Enabled()
	if needsRedis && c.RedisURL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required for the shared circuit/rate-limit store; " +
				"set CB_STORE=memory and disable rate limits for single-process use",
		)
	}

	switch c.Selector.Strategy {
	case "priority", "round_robin", "least_used":
	default:
		return fmt.Errorf("config: invalid KEY_STRATEGY %q; must be one of: priority, round_robin, least_used", c.Selector.Strategy)
	}

	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.Circuit.FailureThreshold)
	}
	if c.Circuit.Window <= 0 || c.Circuit.OpenFor <= 0 {
		return fmt.Errorf("config: CB_WINDOW and CB_OPEN_FOR must be positive durations")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT must be a positive duration")
	}

	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}
