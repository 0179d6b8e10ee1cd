// Package config loads qatrack settings from a YAML file, an optional .env
// file and environment variable overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither --config nor QATRACK_CONFIG is set.
const DefaultPath = "qatrack.yaml"

// Config is the full application configuration.
type Config struct {
	Jira     JiraConfig     `yaml:"jira"`
	Zephyr   ZephyrConfig   `yaml:"zephyr"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Sync     SyncConfig     `yaml:"sync"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Status   StatusConfig   `yaml:"status"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// JiraConfig holds the tracker endpoint and its static credential pair.
// When Email is empty the token is sent as a bearer token.
type JiraConfig struct {
	BaseURL string `yaml:"base_url"`
	Email   string `yaml:"email"`
	Token   string `yaml:"token"`
}

type ZephyrConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type DatabaseConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	File   string `yaml:"file"`
}

// SyncConfig tunes the reconciliation pipeline.
type SyncConfig struct {
	PageSize       int    `yaml:"page_size"`
	QuickLimit     int    `yaml:"quick_limit"`
	SafetyCeiling  int    `yaml:"safety_ceiling"`
	BatchSize      int    `yaml:"batch_size"`
	GoneThreshold  int    `yaml:"gone_threshold"`
	RecencyWindows []int  `yaml:"recency_windows"` // days, most permissive filter last
	MaxSelection   int    `yaml:"max_selection"`
	BackupDir      string `yaml:"backup_dir"`
}

// TimeoutConfig holds the three request tiers used against remote APIs.
type TimeoutConfig struct {
	Short  time.Duration `yaml:"short"`
	Medium time.Duration `yaml:"medium"`
	Long   time.Duration `yaml:"long"`
}

type StatusConfig struct {
	Backend   string        `yaml:"backend"` // "memory" or "redis"
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type TracingConfig struct {
	Exporter string `yaml:"exporter"` // "none" or "stdout"
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Path:         "qatrack.db",
			MaxOpenConns: 4,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Sync: SyncConfig{
			PageSize:       100,
			QuickLimit:     1000,
			SafetyCeiling:  10000,
			BatchSize:      50,
			GoneThreshold:  2,
			RecencyWindows: []int{365, 180, 90},
			MaxSelection:   500,
		},
		Timeouts: TimeoutConfig{
			Short:  10 * time.Second,
			Medium: 30 * time.Second,
			Long:   120 * time.Second,
		},
		Status: StatusConfig{
			Backend:   "memory",
			KeyPrefix: "qatrack:sync:",
			TTL:       24 * time.Hour,
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
	}
}

// Load reads the YAML file at path (a missing file is not an error when the
// path is the default), then applies .env and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("QATRACK_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults + environment only
	default:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// .env is optional; existing environment variables win over it.
	_ = godotenv.Load()

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Jira.BaseURL, "JIRA_BASE_URL")
	setString(&c.Jira.Email, "JIRA_EMAIL")
	setString(&c.Jira.Token, "JIRA_API_TOKEN")
	setString(&c.Zephyr.BaseURL, "ZEPHYR_BASE_URL")
	setString(&c.Zephyr.Token, "ZEPHYR_API_TOKEN")

	setString(&c.Database.Path, "QATRACK_DB_PATH")
	setString(&c.Server.ListenAddr, "QATRACK_LISTEN_ADDR")
	setString(&c.Log.Level, "QATRACK_LOG_LEVEL")
	setString(&c.Log.Format, "QATRACK_LOG_FORMAT")
	setString(&c.Log.File, "QATRACK_LOG_FILE")
	setString(&c.Sync.BackupDir, "QATRACK_BACKUP_DIR")
	setString(&c.Status.Backend, "QATRACK_STATUS_BACKEND")
	setString(&c.Status.RedisAddr, "QATRACK_REDIS_ADDR")
	setString(&c.Tracing.Exporter, "QATRACK_TRACING_EXPORTER")

	setInt(&c.Sync.PageSize, "QATRACK_PAGE_SIZE")
	setInt(&c.Sync.BatchSize, "QATRACK_BATCH_SIZE")
	setInt(&c.Sync.GoneThreshold, "QATRACK_GONE_THRESHOLD")

	setDuration(&c.Timeouts.Short, "QATRACK_TIMEOUT_SHORT")
	setDuration(&c.Timeouts.Medium, "QATRACK_TIMEOUT_MEDIUM")
	setDuration(&c.Timeouts.Long, "QATRACK_TIMEOUT_LONG")
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate reports the first setting that would make the service unusable.
func (c Config) Validate() error {
	if c.Jira.BaseURL == "" {
		return errors.New("jira.base_url is required")
	}
	if c.Jira.Token == "" {
		return errors.New("jira.token is required")
	}
	return c.ValidateLocal()
}

// ValidateLocal checks the settings needed by commands that only touch the
// local store.
func (c Config) ValidateLocal() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Sync.PageSize <= 0 || c.Sync.BatchSize <= 0 || c.Sync.SafetyCeiling <= 0 {
		return fmt.Errorf("sync sizes must be positive (page_size=%d batch_size=%d safety_ceiling=%d)",
			c.Sync.PageSize, c.Sync.BatchSize, c.Sync.SafetyCeiling)
	}
	if c.Sync.GoneThreshold < 0 {
		return fmt.Errorf("sync.gone_threshold must not be negative, got %d", c.Sync.GoneThreshold)
	}
	if c.Timeouts.Short <= 0 || c.Timeouts.Medium <= 0 || c.Timeouts.Long <= 0 {
		return errors.New("timeouts must be positive")
	}
	switch c.Status.Backend {
	case "memory":
	case "redis":
		if c.Status.RedisAddr == "" {
			return errors.New("status.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown status backend %q: valid backends are memory, redis", c.Status.Backend)
	}
	return nil
}
