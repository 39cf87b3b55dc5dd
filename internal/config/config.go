// Package config loads fitcoach settings from a TOML or JSONC file with
// environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/tailscale/hujson"

	apperrors "github.com/kimhsiao/fitcoach/core/internal/errors"
	"github.com/kimhsiao/fitcoach/core/internal/logging"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageFile   = "file"
)

const (
	defaultConfigPath = "~/.config/fitcoach/config.toml"
	defaultDataDir    = "~/.local/share/fitcoach"
	defaultAPIURL     = "http://127.0.0.1:8000"
	defaultListenAddr = "127.0.0.1:7420"
)

// Environment overrides.
const (
	EnvAPIURL   = "FITCOACH_API_URL"
	EnvDataDir  = "FITCOACH_DATA_DIR"
	EnvLogLevel = "FITCOACH_LOG_LEVEL"
	EnvStorage  = "FITCOACH_STORAGE"
	EnvToken    = "FITCOACH_TOKEN"
)

// Config is the resolved configuration.
type Config struct {
	APIURL           string           `json:"api_url" yaml:"api_url"`
	DataDir          string           `json:"data_dir" yaml:"data_dir"`
	Storage          string           `json:"storage" yaml:"storage"`
	DrainInterval    time.Duration    `json:"drain_interval" yaml:"drain_interval"`
	RequestTimeout   time.Duration    `json:"request_timeout" yaml:"request_timeout"`
	ProbeInterval    time.Duration    `json:"probe_interval" yaml:"probe_interval"`
	DetailCacheLimit int              `json:"detail_cache_limit" yaml:"detail_cache_limit"`
	HistoryLimit     int              `json:"history_limit" yaml:"history_limit"`
	LogLevel         logging.LogLevel `json:"log_level" yaml:"log_level"`
	ListenAddr       string           `json:"listen_addr" yaml:"listen_addr"`

	// Token is only read from the environment, never from a file.
	Token string `json:"-" yaml:"-"`
	// Source is the file the config came from, empty when defaults were used.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIURL:           defaultAPIURL,
		DataDir:          mustExpand(defaultDataDir),
		Storage:          StorageSQLite,
		DrainInterval:    5 * time.Second,
		RequestTimeout:   10 * time.Second,
		ProbeInterval:    15 * time.Second,
		DetailCacheLimit: 30,
		HistoryLimit:     20,
		LogLevel:         logging.LevelInfo,
		ListenAddr:       defaultListenAddr,
	}
}

// raw mirrors the file layout. Durations are strings such as "5s".
type raw struct {
	APIURL           string `toml:"api_url" json:"api_url"`
	DataDir          string `toml:"data_dir" json:"data_dir"`
	Storage          string `toml:"storage" json:"storage"`
	DrainInterval    string `toml:"drain_interval" json:"drain_interval"`
	RequestTimeout   string `toml:"request_timeout" json:"request_timeout"`
	ProbeInterval    string `toml:"probe_interval" json:"probe_interval"`
	DetailCacheLimit int    `toml:"detail_cache_limit" json:"detail_cache_limit"`
	HistoryLimit     int    `toml:"history_limit" json:"history_limit"`
	LogLevel         string `toml:"log_level" json:"log_level"`
	ListenAddr       string `toml:"listen_addr" json:"listen_addr"`
}

// Load reads the config at path, or the default location when path is
// empty. A missing default file yields the defaults; a missing explicit
// file is an error. Environment overrides apply last.
func Load(path string) (Config, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultConfigPath
	}
	resolved, err := expandPath(path)
	if err != nil {
		return Config{}, apperrors.Wrap(apperrors.ErrConfigInvalid, "resolve config path", err)
	}

	cfg := Default()
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := apply(&cfg, resolved, data); err != nil {
			return Config{}, err
		}
		cfg.Source = resolved
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, apperrors.Wrap(apperrors.ErrConfigInvalid, "read config", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg *Config, path string, data []byte) error {
	var r raw
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc", ".hujson":
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid JSONC", err)
		}
		if err := json.Unmarshal(standardized, &r); err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid JSON", err)
		}
	default:
		if err := toml.Unmarshal(data, &r); err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, "parse config", err)
		}
	}

	if v := strings.TrimSpace(r.APIURL); v != "" {
		cfg.APIURL = v
	}
	if v := strings.TrimSpace(r.DataDir); v != "" {
		cfg.DataDir = mustExpand(v)
	}
	if v := strings.TrimSpace(r.Storage); v != "" {
		cfg.Storage = strings.ToLower(v)
	}
	if v := strings.TrimSpace(r.ListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if r.DetailCacheLimit != 0 {
		cfg.DetailCacheLimit = r.DetailCacheLimit
	}
	if r.HistoryLimit != 0 {
		cfg.HistoryLimit = r.HistoryLimit
	}
	if v := strings.TrimSpace(r.LogLevel); v != "" {
		level, err := logging.ParseLevel(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, "log_level", err)
		}
		cfg.LogLevel = level
	}

	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"drain_interval", r.DrainInterval, &cfg.DrainInterval},
		{"request_timeout", r.RequestTimeout, &cfg.RequestTimeout},
		{"probe_interval", r.ProbeInterval, &cfg.ProbeInterval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(d.in)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, d.name, err)
		}
		*d.out = parsed
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvAPIURL)); v != "" {
		cfg.APIURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.DataDir = mustExpand(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorage)); v != "" {
		cfg.Storage = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		level, err := logging.ParseLevel(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, EnvLogLevel, err)
		}
		cfg.LogLevel = level
	}
	cfg.Token = strings.TrimSpace(os.Getenv(EnvToken))
	return nil
}

// Validate checks that every field is usable.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.APIURL) == "" {
		problems = append(problems, "api_url is empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir is empty")
	}
	if c.Storage != StorageSQLite && c.Storage != StorageFile {
		problems = append(problems, fmt.Sprintf("storage %q is not %q or %q", c.Storage, StorageSQLite, StorageFile))
	}
	if c.DrainInterval <= 0 {
		problems = append(problems, "drain_interval must be positive")
	}
	if c.RequestTimeout <= 0 {
		problems = append(problems, "request_timeout must be positive")
	}
	if c.ProbeInterval <= 0 {
		problems = append(problems, "probe_interval must be positive")
	}
	if c.DetailCacheLimit <= 0 {
		problems = append(problems, "detail_cache_limit must be positive")
	}
	if c.HistoryLimit <= 0 || c.HistoryLimit > 100 {
		problems = append(problems, "history_limit must be between 1 and 100")
	}
	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
