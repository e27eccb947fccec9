// Package config loads service settings: defaults, then an optional YAML
// file named by ZAKAT_CONFIG, then ZAKAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvEmulator    = "emulator"
)

// Config is the full service configuration.
type Config struct {
	Environment         string        `yaml:"environment"`
	HTTPAddr            string        `yaml:"http_addr"`
	GRPCAddr            string        `yaml:"grpc_addr"`
	PGDSN               string        `yaml:"pg_dsn"`
	DB                  DB            `yaml:"db"`
	AuthSecret          string        `yaml:"auth_secret"`
	TokenIssuer         string        `yaml:"token_issuer"`
	TokenTTL            time.Duration `yaml:"token_ttl"`
	EncryptionKey       string        `yaml:"encryption_key"`
	BootstrapSuperAdmin string        `yaml:"bootstrap_super_admin"`
	CORSOrigins         []string      `yaml:"cors_origins"`
	RateLimit           RateLimit     `yaml:"rate_limit"`
	MaxBodyBytes        int64         `yaml:"max_body_bytes"`
}

// RateLimit configures the per-client token bucket.
type RateLimit struct {
	PerSecond int `yaml:"per_second"`
	Burst     int `yaml:"burst"`
}

// DB sizes the Postgres connection pool.
type DB struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		Environment:  EnvDevelopment,
		HTTPAddr:     ":8080",
		GRPCAddr:     ":9090",
		DB: DB{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		TokenIssuer:  "zakat",
		TokenTTL:     time.Hour,
		CORSOrigins:  []string{"http://localhost:5173"},
		RateLimit:    RateLimit{PerSecond: 20, Burst: 40},
		MaxBodyBytes: 1 << 20,
	}
}

// Load builds the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom builds the configuration using getenv for lookups.
func LoadFrom(getenv func(string) string) (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(getenv("ZAKAT_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("ZAKAT_ENV", &cfg.Environment)
	str("ZAKAT_HTTP_ADDR", &cfg.HTTPAddr)
	str("ZAKAT_GRPC_ADDR", &cfg.GRPCAddr)
	str("ZAKAT_PG_DSN", &cfg.PGDSN)
	str("ZAKAT_AUTH_SECRET", &cfg.AuthSecret)
	str("ZAKAT_TOKEN_ISSUER", &cfg.TokenIssuer)
	str("ZAKAT_ENCRYPTION_KEY", &cfg.EncryptionKey)
	str("ZAKAT_BOOTSTRAP_SUPER_ADMIN", &cfg.BootstrapSuperAdmin)

	if v := strings.TrimSpace(getenv("ZAKAT_CORS_ORIGINS")); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ZAKAT_TOKEN_TTL", &cfg.TokenTTL},
		{"ZAKAT_PG_CONN_MAX_LIFETIME", &cfg.DB.ConnMaxLifetime},
		{"ZAKAT_PG_CONN_MAX_IDLE_TIME", &cfg.DB.ConnMaxIdleTime},
	}
	for _, it := range durations {
		if v := strings.TrimSpace(getenv(it.key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", it.key, err)
			}
			*it.dst = d
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"ZAKAT_RATE_LIMIT_RPS", &cfg.RateLimit.PerSecond},
		{"ZAKAT_RATE_LIMIT_BURST", &cfg.RateLimit.Burst},
		{"ZAKAT_PG_MAX_OPEN_CONNS", &cfg.DB.MaxOpenConns},
		{"ZAKAT_PG_MAX_IDLE_CONNS", &cfg.DB.MaxIdleConns},
	}
	for _, it := range ints {
		if v := strings.TrimSpace(getenv(it.key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", it.key, err)
			}
			*it.dst = n
		}
	}
	if v := strings.TrimSpace(getenv("ZAKAT_MAX_BODY_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ZAKAT_MAX_BODY_BYTES: %w", err)
		}
		cfg.MaxBodyBytes = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NonProduction reports whether insecure development fallbacks may apply.
func (c Config) NonProduction() bool {
	return c.Environment == EnvDevelopment || c.Environment == EnvEmulator
}

// Validate rejects incomplete settings. Production refuses to start without
// an auth secret and an encryption key.
func (c Config) Validate() error {
	var errs []error
	switch c.Environment {
	case EnvProduction, EnvDevelopment, EnvEmulator:
	default:
		errs = append(errs, fmt.Errorf("environment must be production, development or emulator, got %q", c.Environment))
	}
	if c.Environment == EnvProduction {
		if c.AuthSecret == "" {
			errs = append(errs, errors.New("ZAKAT_AUTH_SECRET is required in production"))
		}
		if c.EncryptionKey == "" {
			errs = append(errs, errors.New("ZAKAT_ENCRYPTION_KEY is required in production"))
		}
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token_ttl must be positive"))
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate limit values must be positive"))
	}
	if c.DB.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("db.max_open_conns must be positive"))
	}
	if c.DB.MaxIdleConns < 0 || c.DB.MaxIdleConns > c.DB.MaxOpenConns {
		errs = append(errs, errors.New("db.max_idle_conns must be between 0 and db.max_open_conns"))
	}
	if c.DB.ConnMaxLifetime < 0 || c.DB.ConnMaxIdleTime < 0 {
		errs = append(errs, errors.New("db connection lifetimes must not be negative"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	if c.BootstrapSuperAdmin != "" {
		if _, _, err := c.Bootstrap(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bootstrap splits BootstrapSuperAdmin ("uid:email") into its parts.
func (c Config) Bootstrap() (string, string, error) {
	uid, email, ok := strings.Cut(c.BootstrapSuperAdmin, ":")
	uid, email = strings.TrimSpace(uid), strings.TrimSpace(email)
	if !ok || uid == "" || !strings.Contains(email, "@") {
		return "", "", fmt.Errorf("bootstrap_super_admin must look like uid:email, got %q", c.BootstrapSuperAdmin)
	}
	return uid, email, nil
}
