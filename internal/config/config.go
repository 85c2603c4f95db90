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

// Config is the resolved runtime configuration.
// It merges defaults, the optional YAML file and environment overrides.
type Config struct {
	DatabaseDriver   string
	DatabaseDSN      string
	DatabaseMaxConns int

	PanelURL     string
	PanelAPIKey  string
	PanelTimeout time.Duration

	DispatchInterval    time.Duration
	DispatchConcurrency int
	// StaleAfter parks items stuck in processing for an operator; zero disables it.
	StaleAfter time.Duration

	HTTPPort int
	GRPCPort int

	RedisURL     string
	RedisChannel string

	ArchiveBucket    string
	ArchivePrefix    string
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchivePathStyle bool

	EnqueueRate  float64
	EnqueueBurst int

	LogLevel  string
	LogFormat string
}

// configFile mirrors the YAML schema of provisioner.yaml.
type configFile struct {
	Database struct {
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		MaxConns int    `yaml:"max_conns"`
	} `yaml:"database"`
	Panel struct {
		URL     string `yaml:"url"`
		APIKey  string `yaml:"api_key"`
		Timeout string `yaml:"timeout"`
	} `yaml:"panel"`
	Dispatcher struct {
		Interval    string `yaml:"interval"`
		Concurrency int    `yaml:"concurrency"`
		StaleAfter  string `yaml:"stale_after"`
	} `yaml:"dispatcher"`
	Server struct {
		HTTPPort int `yaml:"http_port"`
		GRPCPort int `yaml:"grpc_port"`
	} `yaml:"server"`
	Redis struct {
		URL     string `yaml:"url"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
	Archive struct {
		Bucket    string `yaml:"bucket"`
		Prefix    string `yaml:"prefix"`
		Endpoint  string `yaml:"endpoint"`
		Region    string `yaml:"region"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		PathStyle *bool  `yaml:"path_style"`
	} `yaml:"archive"`
	RateLimit struct {
		PerSecond float64 `yaml:"per_second"`
		Burst     int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DatabaseDriver:      "sqlite",
		DatabaseDSN:         "file:provisioner.db?_busy_timeout=5000",
		DatabaseMaxConns:    10,
		PanelTimeout:        30 * time.Second,
		DispatchInterval:    time.Minute,
		DispatchConcurrency: 1,
		HTTPPort:            8080,
		GRPCPort:            9090,
		ArchivePrefix:       "completed",
		EnqueueRate:         1,
		EnqueueBurst:        10,
		LogLevel:            "info",
		LogFormat:           "auto",
	}
}

// Load resolves configuration in priority order: defaults -> file -> env.
// An empty path skips the file; a missing file is an error only when the
// path was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyFile(raw); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&c.DatabaseDriver, f.Database.Driver)
	setString(&c.DatabaseDSN, f.Database.DSN)
	setInt(&c.DatabaseMaxConns, f.Database.MaxConns)

	setString(&c.PanelURL, f.Panel.URL)
	setString(&c.PanelAPIKey, f.Panel.APIKey)
	if err := setDuration(&c.PanelTimeout, "panel.timeout", f.Panel.Timeout); err != nil {
		return err
	}

	if err := setDuration(&c.DispatchInterval, "dispatcher.interval", f.Dispatcher.Interval); err != nil {
		return err
	}
	setInt(&c.DispatchConcurrency, f.Dispatcher.Concurrency)
	if err := setDuration(&c.StaleAfter, "dispatcher.stale_after", f.Dispatcher.StaleAfter); err != nil {
		return err
	}

	setInt(&c.HTTPPort, f.Server.HTTPPort)
	setInt(&c.GRPCPort, f.Server.GRPCPort)

	setString(&c.RedisURL, f.Redis.URL)
	setString(&c.RedisChannel, f.Redis.Channel)

	setString(&c.ArchiveBucket, f.Archive.Bucket)
	setString(&c.ArchivePrefix, f.Archive.Prefix)
	setString(&c.ArchiveEndpoint, f.Archive.Endpoint)
	setString(&c.ArchiveRegion, f.Archive.Region)
	setString(&c.ArchiveAccessKey, f.Archive.AccessKey)
	setString(&c.ArchiveSecretKey, f.Archive.SecretKey)
	if f.Archive.PathStyle != nil {
		c.ArchivePathStyle = *f.Archive.PathStyle
	}

	if f.RateLimit.PerSecond > 0 {
		c.EnqueueRate = f.RateLimit.PerSecond
	}
	setInt(&c.EnqueueBurst, f.RateLimit.Burst)

	setString(&c.LogLevel, f.Log.Level)
	setString(&c.LogFormat, f.Log.Format)
	return nil
}

func (c *Config) applyEnv() error {
	c.DatabaseDriver = envOrDefault("PROVISIONER_DB_DRIVER", c.DatabaseDriver)
	c.DatabaseDSN = envOrDefault("PROVISIONER_DB_DSN", envOrDefault("DATABASE_URL", c.DatabaseDSN))
	c.DatabaseMaxConns = envInt("PROVISIONER_DB_MAX_CONNS", c.DatabaseMaxConns)

	c.PanelURL = envOrDefault("PTERODACTYL_URL", c.PanelURL)
	c.PanelAPIKey = envOrDefault("PTERODACTYL_API_KEY", c.PanelAPIKey)

	c.DispatchConcurrency = envInt("PROVISIONER_CONCURRENCY", c.DispatchConcurrency)
	c.HTTPPort = envInt("HTTP_PORT", c.HTTPPort)
	c.GRPCPort = envInt("GRPC_PORT", c.GRPCPort)

	c.RedisURL = envOrDefault("REDIS_URL", c.RedisURL)
	c.RedisChannel = envOrDefault("PROVISIONER_REDIS_CHANNEL", c.RedisChannel)

	c.ArchiveBucket = envOrDefault("PROVISIONER_ARCHIVE_BUCKET", c.ArchiveBucket)
	c.ArchivePrefix = envOrDefault("PROVISIONER_ARCHIVE_PREFIX", c.ArchivePrefix)
	c.ArchiveEndpoint = envOrDefault("PROVISIONER_ARCHIVE_ENDPOINT", c.ArchiveEndpoint)
	c.ArchiveRegion = envOrDefault("PROVISIONER_ARCHIVE_REGION", c.ArchiveRegion)
	c.ArchiveAccessKey = envOrDefault("PROVISIONER_ARCHIVE_ACCESS_KEY", c.ArchiveAccessKey)
	c.ArchiveSecretKey = envOrDefault("PROVISIONER_ARCHIVE_SECRET_KEY", c.ArchiveSecretKey)
	c.ArchivePathStyle = envBool("PROVISIONER_ARCHIVE_PATH_STYLE", c.ArchivePathStyle)

	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("LOG_FORMAT", c.LogFormat)

	for name, target := range map[string]*time.Duration{
		"PTERODACTYL_TIMEOUT":     &c.PanelTimeout,
		"PROVISIONER_INTERVAL":    &c.DispatchInterval,
		"PROVISIONER_STALE_AFTER": &c.StaleAfter,
	} {
		if err := setDuration(target, name, os.Getenv(name)); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks settings every command needs.
func (c Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.DatabaseDriver))
	}
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("missing database dsn"))
	}
	if c.DispatchConcurrency < 1 {
		errs = append(errs, errors.New("dispatcher concurrency must be at least 1"))
	}
	if c.DispatchInterval <= 0 {
		errs = append(errs, errors.New("dispatcher interval must be positive"))
	}
	if c.StaleAfter > 0 && c.StaleAfter <= c.PanelTimeout {
		errs = append(errs, fmt.Errorf("stale_after (%s) must exceed the panel timeout (%s)", c.StaleAfter, c.PanelTimeout))
	}
	return errors.Join(errs...)
}

// ValidatePanel checks the settings needed to call the panel.
func (c Config) ValidatePanel() error {
	var errs []error
	if c.PanelURL == "" {
		errs = append(errs, errors.New("missing panel url (PTERODACTYL_URL)"))
	}
	if c.PanelAPIKey == "" {
		errs = append(errs, errors.New("missing panel api key (PTERODACTYL_API_KEY)"))
	}
	if c.PanelTimeout <= 0 {
		errs = append(errs, errors.New("panel timeout must be positive"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", name, err)
	}
	*dst = d
	return nil
}

// envOrDefault returns an env var when present, otherwise the provided fallback.
func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
