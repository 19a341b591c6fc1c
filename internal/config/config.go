// Package config loads studytrack settings from a TOML file, STUDYTRACK_*
// environment variables, and command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// STUDYTRACK_CLOUD_BACKEND.
const EnvPrefix = "STUDYTRACK"

// Cloud backends.
const (
	BackendNone  = "none"
	BackendHTTP  = "http"
	BackendRedis = "redis"
)

// Config is the resolved configuration.
type Config struct {
	// DataDir holds the database and the default log file.
	DataDir string `mapstructure:"data_dir"`

	// Taxonomy is a YAML curriculum file. Empty uses the built-in one.
	Taxonomy string `mapstructure:"taxonomy"`

	// AppName is stamped into backups.
	AppName string `mapstructure:"app_name"`

	Cloud  CloudConfig  `mapstructure:"cloud"`
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// CloudConfig selects and configures the remote store.
type CloudConfig struct {
	Backend      string        `mapstructure:"backend"`
	URL          string        `mapstructure:"url"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	RedisPrefix  string        `mapstructure:"redis_prefix"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Retries      int           `mapstructure:"retries"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	File       string `mapstructure:"file"`
	Verbose    bool   `mapstructure:"verbose"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig configures `st serve`.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	DBPath string `mapstructure:"db_path"`
}

// DBPath returns the Record Store path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "studytrack.db")
}

// Validate checks for inconsistent settings.
func (c *Config) Validate() error {
	switch c.Cloud.Backend {
	case BackendNone:
	case BackendHTTP:
		if c.Cloud.URL == "" {
			return fmt.Errorf("cloud.url is required for the http backend")
		}
	case BackendRedis:
		if c.Cloud.RedisAddr == "" {
			return fmt.Errorf("cloud.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cloud.backend %q (want %s, %s or %s)",
			c.Cloud.Backend, BackendNone, BackendHTTP, BackendRedis)
	}
	if c.Cloud.Timeout <= 0 {
		return fmt.Errorf("cloud.timeout must be positive")
	}
	if c.Cloud.PollInterval <= 0 {
		return fmt.Errorf("cloud.poll_interval must be positive")
	}
	return nil
}

// DefaultDir returns ~/.studytrack.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".studytrack"
	}
	return filepath.Join(home, ".studytrack")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.toml")
}

// defaults returns the default settings as nested maps keyed like the
// TOML file.
func defaults() map[string]any {
	return map[string]any{
		"data_dir": DefaultDir(),
		"taxonomy": "",
		"app_name": "studytrack",
		"cloud": map[string]any{
			"backend":       BackendNone,
			"url":           "",
			"redis_addr":    "",
			"redis_prefix":  "studytrack",
			"timeout":       (10 * time.Second).String(),
			"poll_interval": (30 * time.Second).String(),
			"retries":       2,
		},
		"log": map[string]any{
			"file":         "",
			"verbose":      false,
			"max_size_mb":  10,
			"max_backups":  3,
			"max_age_days": 28,
			"compress":     false,
		},
		"server": map[string]any{
			"addr":    "127.0.0.1:8787",
			"db_path": "",
		},
	}
}

// New returns a viper instance with defaults and environment bindings.
// Callers may bind flags on it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v, "", defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load reads path (DefaultPath when empty) into v and resolves the
// configuration. A missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	file := ""
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		file = path
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = file
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Taxonomy = expandHome(cfg.Taxonomy)
	cfg.Log.File = expandHome(cfg.Log.File)
	cfg.Server.DBPath = expandHome(cfg.Server.DBPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandHome(p string) string {
	rest, ok := strings.CutPrefix(p, "~/")
	if !ok {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, rest)
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("# studytrack configuration\n# Environment variables STUDYTRACK_<SECTION>_<KEY> override these values.\n\n"); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(defaults()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return f.Close()
}
