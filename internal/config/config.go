// Package config handles loading and validating configuration from the
// environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/router"
)

// Config holds all configuration for the Tollgate gateway.
type Config struct {
	// Server
	Port      string
	LogLevel  string
	LogFormat string // "json" or "console"

	// Management API
	AdminAPIKey    string // Required for /api/v1 endpoints; empty = disabled
	AllowedOrigins []string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	StoreTimeout  time.Duration

	// Cache
	CacheTTLDefault time.Duration
	CacheTTLDomain  time.Duration

	// Admission
	RateLimit       int
	RateLimitWindow time.Duration
	CostCeiling     float64 // USD per hour

	// Telemetry
	MetricsTTL      time.Duration
	MetricsDailyTTL time.Duration

	// Archive (optional)
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBName      string
	DBUser      string
	DBPassword  string
	DBSSLMode   string

	// Upstream completer. Empty URL and key select the echo completer.
	UpstreamURL     string
	UpstreamAPIKey  string
	UpstreamBackend string

	// Router tier overrides. Zero fields keep the backend's built-in values.
	Tiers map[router.Tier]TierModels
}

// TierModels overrides one router tier via ROUTER_<TIER>_MODEL,
// ROUTER_<TIER>_ALTERNATIVES, ROUTER_<TIER>_COST_PER_1K and
// ROUTER_<TIER>_MAX_TOKENS.
type TierModels struct {
	Primary      string
	Alternatives []string
	CostPer1K    float64
	MaxTokens    int
}

var defaults = map[string]any{
	"TOLLGATE_PORT":            "8080",
	"TOLLGATE_LOG_LEVEL":       "info",
	"TOLLGATE_LOG_FORMAT":      "json",
	"TOLLGATE_ADMIN_API_KEY":   "",
	"TOLLGATE_ALLOWED_ORIGINS": "http://localhost:3000,http://localhost:5173",

	"REDIS_HOST":     "localhost",
	"REDIS_PORT":     6379,
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,
	"STORE_TIMEOUT":  "2s",

	"CACHE_TTL_DEFAULT": 300,
	"CACHE_TTL_DOMAIN":  1800,

	"RATE_LIMIT_RPM":    30,
	"RATE_LIMIT_WINDOW": 60,
	"COST_CEILING":      10.0,

	"METRICS_TTL":       86400,
	"METRICS_DAILY_TTL": 172800,

	"DATABASE_URL":      "",
	"POSTGRES_HOST":     "",
	"POSTGRES_PORT":     5432,
	"POSTGRES_DB":       "tollgate",
	"POSTGRES_USER":     "tollgate",
	"POSTGRES_PASSWORD": "",
	"POSTGRES_SSLMODE":  "disable",

	"UPSTREAM_URL":     "",
	"UPSTREAM_API_KEY": "",
	"UPSTREAM_BACKEND": "openai",
}

// Load reads configuration from the environment. When TOLLGATE_CONFIG names a
// file it is read first, otherwise ./configs/tollgate.yaml is used if present.
// Environment variables override file values.
func Load() (*Config, error) {
	v := newViper()
	if path := v.GetString("TOLLGATE_CONFIG"); path != "" {
		return LoadFile(path)
	}
	v.AddConfigPath("./configs")
	v.SetConfigName("tollgate")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return build(v)
}

// LoadFile reads the YAML file at path, then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return build(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	_ = v.BindEnv("TOLLGATE_CONFIG")
	return v
}

func build(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:        v.GetString("TOLLGATE_PORT"),
		LogLevel:    strings.ToLower(v.GetString("TOLLGATE_LOG_LEVEL")),
		LogFormat:   strings.ToLower(v.GetString("TOLLGATE_LOG_FORMAT")),
		AdminAPIKey: v.GetString("TOLLGATE_ADMIN_API_KEY"),

		RedisHost:     v.GetString("REDIS_HOST"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		StoreTimeout:  v.GetDuration("STORE_TIMEOUT"),

		CostCeiling: v.GetFloat64("COST_CEILING"),

		DatabaseURL: v.GetString("DATABASE_URL"),
		DBHost:      v.GetString("POSTGRES_HOST"),
		DBName:      v.GetString("POSTGRES_DB"),
		DBUser:      v.GetString("POSTGRES_USER"),
		DBPassword:  v.GetString("POSTGRES_PASSWORD"),
		DBSSLMode:   v.GetString("POSTGRES_SSLMODE"),

		UpstreamURL:     v.GetString("UPSTREAM_URL"),
		UpstreamAPIKey:  v.GetString("UPSTREAM_API_KEY"),
		UpstreamBackend: strings.ToLower(v.GetString("UPSTREAM_BACKEND")),
	}
	cfg.AllowedOrigins = splitList(v.GetString("TOLLGATE_ALLOWED_ORIGINS"))

	ints := []struct {
		key string
		dst *int
	}{
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"RATE_LIMIT_RPM", &cfg.RateLimit},
		{"POSTGRES_PORT", &cfg.DBPort},
	}
	for _, f := range ints {
		n, err := intValue(v, f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = n
	}

	secs := []struct {
		key string
		dst *time.Duration
	}{
		{"CACHE_TTL_DEFAULT", &cfg.CacheTTLDefault},
		{"CACHE_TTL_DOMAIN", &cfg.CacheTTLDomain},
		{"RATE_LIMIT_WINDOW", &cfg.RateLimitWindow},
		{"METRICS_TTL", &cfg.MetricsTTL},
		{"METRICS_DAILY_TTL", &cfg.MetricsDailyTTL},
	}
	for _, f := range secs {
		n, err := intValue(v, f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = time.Duration(n) * time.Second
	}

	tiers, err := tierOverrides(v)
	if err != nil {
		return nil, err
	}
	cfg.Tiers = tiers

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func tierOverrides(v *viper.Viper) (map[router.Tier]TierModels, error) {
	out := make(map[router.Tier]TierModels)
	for _, t := range router.Tiers {
		prefix := "ROUTER_" + strings.ToUpper(t.String()) + "_"
		tm := TierModels{
			Primary:      strings.TrimSpace(v.GetString(prefix + "MODEL")),
			Alternatives: splitList(v.GetString(prefix + "ALTERNATIVES")),
		}
		if raw := strings.TrimSpace(v.GetString(prefix + "COST_PER_1K")); raw != "" {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %sCOST_PER_1K: %w", prefix, err)
			}
			tm.CostPer1K = f
		}
		if raw := strings.TrimSpace(v.GetString(prefix + "MAX_TOKENS")); raw != "" {
			n, err := intValue(v, prefix+"MAX_TOKENS")
			if err != nil {
				return nil, err
			}
			tm.MaxTokens = n
		}
		if tm.Primary != "" || tm.Alternatives != nil || tm.CostPer1K != 0 || tm.MaxTokens != 0 {
			out[t] = tm
		}
	}
	return out, nil
}

// TierTable returns the router tier table for the configured upstream
// backend with the ROUTER_* overrides applied.
func (c *Config) TierTable() map[router.Tier]router.TierConfig {
	table := router.TierConfigsFor(c.UpstreamBackend)
	for t, o := range c.Tiers {
		cfg := table[t]
		if o.Primary != "" {
			cfg.Primary = o.Primary
		}
		if o.Alternatives != nil {
			cfg.Alternatives = o.Alternatives
		}
		if o.CostPer1K > 0 {
			cfg.CostPer1K = o.CostPer1K
		}
		if o.MaxTokens > 0 {
			cfg.MaxTokens = o.MaxTokens
		}
		table[t] = cfg
	}
	return table
}

// intValue parses key strictly; viper's GetInt silently maps garbage to 0.
func intValue(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("invalid TOLLGATE_PORT %q", c.Port))
	}
	if c.RedisPort <= 0 || c.RedisPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid REDIS_PORT %d", c.RedisPort))
	}
	if c.DBPort <= 0 || c.DBPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid POSTGRES_PORT %d", c.DBPort))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	if c.CacheTTLDefault <= 0 || c.CacheTTLDomain <= 0 {
		errs = append(errs, errors.New("cache TTLs must be positive"))
	}
	if c.RateLimit <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate limit and window must be positive"))
	}
	if c.CostCeiling <= 0 {
		errs = append(errs, errors.New("COST_CEILING must be positive"))
	}
	if c.MetricsTTL <= 0 || c.MetricsDailyTTL <= 0 {
		errs = append(errs, errors.New("METRICS_TTL and METRICS_DAILY_TTL must be positive"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid TOLLGATE_LOG_FORMAT %q", c.LogFormat))
	}
	switch c.UpstreamBackend {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("invalid UPSTREAM_BACKEND %q", c.UpstreamBackend))
	}
	for t, o := range c.Tiers {
		if o.CostPer1K < 0 || o.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("router tier %s: cost and max tokens must not be negative", t))
		}
	}
	return errors.Join(errs...)
}

// ArchiveEnabled reports whether a Postgres archive is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.DatabaseURL != "" || c.DBHost != ""
}

// UpstreamEnabled reports whether a real upstream completer is configured.
func (c *Config) UpstreamEnabled() bool {
	return c.UpstreamURL != "" || c.UpstreamAPIKey != ""
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	if c.DatabaseURL != "" {
		if i := strings.Index(c.DatabaseURL, "@"); i >= 0 {
			if j := strings.Index(c.DatabaseURL, "://"); j >= 0 && j < i {
				creds := c.DatabaseURL[j+3 : i]
				if k := strings.Index(creds, ":"); k >= 0 {
					return c.DatabaseURL[:j+3] + creds[:k] + ":***" + c.DatabaseURL[i:]
				}
			}
		}
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
