// Package config loads teamtrack settings from config.yaml and TT_* environment
// variables.
//
// Lookup order for the file: an explicit path, then .teamtrack/config.yaml in
// the working directory or any parent, then ~/.config/teamtrack/config.yaml.
// Environment variables override the file: sync.chunk_size is read from
// TT_SYNC_CHUNK_SIZE.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	syncer "github.com/mschirtzinger/teamtrack/internal/sync"
	"github.com/mschirtzinger/teamtrack/internal/telemetry"
)

const (
	// DirName is the per-project settings directory.
	DirName = ".teamtrack"
	// FileName is the settings file inside DirName.
	FileName = "config.yaml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "TT"
)

type Config struct {
	DB        DBConfig         `mapstructure:"db"`
	ADO       ADOConfig        `mapstructure:"ado"`
	Sync      SyncConfig       `mapstructure:"sync"`
	Dashboard DashboardConfig  `mapstructure:"dashboard"`
	Log       LogConfig        `mapstructure:"log"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`

	// File is the config file that was read, empty when only defaults and
	// environment applied.
	File string `mapstructure:"-"`
}

type DBConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

type ADOConfig struct {
	PAT         string        `mapstructure:"pat"`
	Auth        string        `mapstructure:"auth"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Concurrency int           `mapstructure:"concurrency"`
}

type SyncConfig struct {
	ChunkSize        int           `mapstructure:"chunk_size"`
	RunTimeout       time.Duration `mapstructure:"run_timeout"`
	StaleRunAfter    time.Duration `mapstructure:"stale_run_after"`
	Schedule         string        `mapstructure:"schedule"`
	RunOnStart       bool          `mapstructure:"run_on_start"`
	UnlinkedPageSize int           `mapstructure:"unlinked_page_size"`
}

type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// defaults holds every known key. Keys missing here are invisible to
// environment overrides.
var defaults = map[string]any{
	"db.backend": "sqlite",
	"db.path":    filepath.Join(DirName, "teamtrack.db"),
	"db.dsn":     "",

	"ado.pat":         "",
	"ado.auth":        "basic",
	"ado.base_url":    "",
	"ado.timeout":     "30s",
	"ado.max_retries": 3,
	"ado.concurrency": 4,

	"sync.chunk_size":         200,
	"sync.run_timeout":        "10m",
	"sync.stale_run_after":    "30m",
	"sync.schedule":           "@every 15m",
	"sync.run_on_start":       true,
	"sync.unlinked_page_size": 200,

	"dashboard.enabled": false,
	"dashboard.port":    8080,

	"log.level":        "info",
	"log.format":       "text",
	"log.file":         "",
	"log.max_size_mb":  10,
	"log.max_backups":  3,
	"log.max_age_days": 28,

	"telemetry.enabled":       false,
	"telemetry.stdout":        false,
	"telemetry.otlp_endpoint": "",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Load reads the configuration. An empty path triggers discovery; a missing
// file is not an error, an unreadable or invalid one is.
func Load(path string) (*Config, error) {
	v := newViper()

	if path == "" {
		path = Discover()
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in settings with no file or environment applied.
func Default() *Config {
	var cfg Config
	// Defaults always decode.
	_ = newViperWithoutEnv().Unmarshal(&cfg)
	return &cfg
}

func newViperWithoutEnv() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.DB.Backend {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("db.path is required for the sqlite backend")
		}
	case "mysql":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the mysql backend")
		}
	default:
		return fmt.Errorf("db.backend must be sqlite or mysql (got %q)", c.DB.Backend)
	}

	if c.ADO.Auth != "basic" && c.ADO.Auth != "bearer" {
		return fmt.Errorf("ado.auth must be basic or bearer (got %q)", c.ADO.Auth)
	}
	if c.Sync.ChunkSize <= 0 || c.Sync.ChunkSize > 200 {
		return fmt.Errorf("sync.chunk_size must be between 1 and 200 (got %d)", c.Sync.ChunkSize)
	}
	if c.Sync.UnlinkedPageSize <= 0 {
		return fmt.Errorf("sync.unlinked_page_size must be positive (got %d)", c.Sync.UnlinkedPageSize)
	}
	run := syncer.Config{RunTimeout: c.Sync.RunTimeout, StaleRunAfter: c.Sync.StaleRunAfter}
	if err := run.Validate(); err != nil {
		return err
	}
	return nil
}

// Discover returns the nearest config file, or "" if there is none.
func Discover() string {
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; ; dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, DirName, FileName)
			if fileExists(candidate) {
				return candidate
			}
			if filepath.Dir(dir) == dir {
				break
			}
		}
	}
	if p := UserConfigPath(); p != "" && fileExists(p) {
		return p
	}
	return ""
}

// UserConfigPath returns ~/.config/teamtrack/config.yaml.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "teamtrack", FileName)
}

// WriteDefault writes a starter config.yaml into dir and returns its path.
// An existing file is left untouched.
func WriteDefault(dir string) (string, error) {
	path := filepath.Join(dir, FileName)
	if fileExists(path) {
		return path, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}

	data, err := yaml.Marshal(nestedDefaults())
	if err != nil {
		return "", fmt.Errorf("failed to encode default config: %w", err)
	}
	header := []byte("# teamtrack configuration. Environment variables TT_<SECTION>_<KEY> override these values.\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// nestedDefaults turns the flat dotted keys into sections for YAML output.
func nestedDefaults() map[string]map[string]any {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]map[string]any)
	for _, k := range keys {
		section, key, _ := strings.Cut(k, ".")
		if out[section] == nil {
			out[section] = make(map[string]any)
		}
		out[section][key] = defaults[k]
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
