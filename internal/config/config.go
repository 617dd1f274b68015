package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers accepted for the credential store.
const (
	DriverFile     = "file"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// TokenStore selects where the bearer token is kept.
type TokenStore struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Notify configures outbound event delivery.
type Notify struct {
	WebhookURL    string        `yaml:"webhook_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Template      string        `yaml:"template"`
	Cooldown      time.Duration `yaml:"cooldown"`
	DedupeWindow  time.Duration `yaml:"dedupe_window"`
	Escalation    time.Duration `yaml:"escalation"`
}

// Config is the process configuration.
type Config struct {
	APIBaseURL          string        `yaml:"api_base_url"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	AutoRefreshInterval time.Duration `yaml:"auto_refresh_interval"`
	ReadingsLimit       int           `yaml:"readings_limit"`
	BasicPassWindow     int           `yaml:"basic_pass_window"`
	HistoryLimit        int           `yaml:"history_limit"`
	StatsDays           int           `yaml:"stats_days"`
	HTTPAddr            string        `yaml:"http_addr"`
	ZoneID              string        `yaml:"zone_id"`
	DeviceID            string        `yaml:"device_id"`
	TokenStore          TokenStore    `yaml:"token_store"`
	Notify              Notify        `yaml:"notify"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RequestTimeout:      10 * time.Second,
		AutoRefreshInterval: 30 * time.Second,
		ReadingsLimit:       20,
		BasicPassWindow:     10,
		HistoryLimit:        5,
		StatsDays:           7,
		HTTPAddr:            ":8090",
		TokenStore: TokenStore{
			Driver: DriverFile,
			Path:   "var/secure/token.json",
		},
		Notify: Notify{
			Cooldown:     5 * time.Minute,
			DedupeWindow: 10 * time.Minute,
			Escalation:   15 * time.Minute,
		},
	}
}

// Load reads .env, the optional YAML file named by SENSORWATCH_CONFIG, then
// environment overrides, and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("SENSORWATCH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.APIBaseURL = strings.TrimSpace(getenvDefault("API_BASE_URL", cfg.APIBaseURL))
	cfg.RequestTimeout = getenvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.AutoRefreshInterval = getenvDuration("AUTO_REFRESH_INTERVAL", cfg.AutoRefreshInterval)
	cfg.ReadingsLimit = getenvIntDefault("READINGS_LIMIT", cfg.ReadingsLimit)
	cfg.HistoryLimit = getenvIntDefault("HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.StatsDays = getenvIntDefault("STATS_DAYS", cfg.StatsDays)
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.ZoneID = getenvDefault("ZONE_ID", cfg.ZoneID)
	cfg.DeviceID = getenvDefault("DEVICE_ID", cfg.DeviceID)

	cfg.TokenStore.Driver = strings.ToLower(getenvDefault("TOKEN_STORE_DRIVER", cfg.TokenStore.Driver))
	cfg.TokenStore.Path = getenvDefault("TOKEN_STORE_PATH", cfg.TokenStore.Path)
	cfg.TokenStore.DSN = getenvDefault("TOKEN_STORE_DSN", getenvDefault("PG_DSN", cfg.TokenStore.DSN))
	cfg.TokenStore.RedisAddr = getenvDefault("REDIS_ADDR", cfg.TokenStore.RedisAddr)
	cfg.TokenStore.RedisPassword = getenvDefault("REDIS_PASSWORD", cfg.TokenStore.RedisPassword)
	cfg.TokenStore.RedisDB = getenvIntDefault("REDIS_DB", cfg.TokenStore.RedisDB)

	cfg.Notify.WebhookURL = getenvDefault("NOTIFY_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Notify.WebhookSecret = getenvDefault("NOTIFY_WEBHOOK_SECRET", cfg.Notify.WebhookSecret)
	cfg.Notify.Template = getenvDefault("NOTIFY_TEMPLATE", cfg.Notify.Template)
	cfg.Notify.Cooldown = getenvDuration("NOTIFY_COOLDOWN", cfg.Notify.Cooldown)
	cfg.Notify.DedupeWindow = getenvDuration("NOTIFY_DEDUP_WINDOW", cfg.Notify.DedupeWindow)
	cfg.Notify.Escalation = getenvDuration("NOTIFY_ESCALATION", cfg.Notify.Escalation)
}

// Validate checks required fields and ranges.
func (c Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("config: API_BASE_URL required")
	}
	parsed, err := url.Parse(c.APIBaseURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("config: API_BASE_URL must be an absolute url: %q", c.APIBaseURL)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("config: request timeout must be positive")
	}
	if c.AutoRefreshInterval <= 0 {
		return errors.New("config: auto refresh interval must be positive")
	}
	if c.ReadingsLimit <= 0 || c.HistoryLimit <= 0 || c.StatsDays <= 0 {
		return errors.New("config: limits must be positive")
	}
	switch c.TokenStore.Driver {
	case DriverFile:
		if c.TokenStore.Path == "" {
			return errors.New("config: token store path required")
		}
	case DriverMemory:
	case DriverPostgres:
		if c.TokenStore.DSN == "" {
			return errors.New("config: TOKEN_STORE_DSN required for postgres")
		}
	case DriverRedis:
		if c.TokenStore.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR required for redis")
		}
	default:
		return fmt.Errorf("config: unknown token store driver %q", c.TokenStore.Driver)
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
