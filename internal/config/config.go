// Package config loads pkgcache settings from the environment.
//
// Every setting is an environment variable prefixed with PKGCACHE_. An
// optional .env file (PKGCACHE_ENV_FILE, default ".env") is loaded first;
// variables already set in the environment win over the file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/git-pkgs/pkgcache/internal/core"
)

const (
	EnvPrefix      = "PKGCACHE"
	DefaultEnvFile = ".env"
)

// Config holds the resolved settings.
type Config struct {
	CacheDir       string
	Registry       string
	Timeout        time.Duration
	NPMBin         string
	GlobalDir      string
	InstallRetries int
	RetryDelay     time.Duration
	Concurrency    int
	LogLevel       string
	LogFile        string
	LogMaxSizeMB   int
	LogMaxBackups  int
}

// StoreDir is where tarballs live.
func (c *Config) StoreDir() string {
	return filepath.Join(c.CacheDir, "store")
}

// ManifestPath is the manifest document.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.CacheDir, "manifest.json")
}

// Load reads the .env file, then the environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	envFile := os.Getenv(EnvPrefix + "_ENV_FILE")
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return fromViper(v)
}

func loadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return core.Wrap(core.KindInvalidInput, err, "reading %s", path)
	}
	if err := godotenv.Load(path); err != nil {
		return core.Wrap(core.KindInvalidInput, err, "parsing %s", path)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", defaultCacheDir())
	v.SetDefault("registry", "https://registry.npmjs.org")
	v.SetDefault("timeout", "60s")
	v.SetDefault("npm_bin", "npm")
	v.SetDefault("global_dir", "")
	v.SetDefault("install_retries", 2)
	v.SetDefault("retry_delay", "2s")
	v.SetDefault("concurrency", 8)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size", 10)
	v.SetDefault("log_max_backups", 3)
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "pkgcache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "pkgcache")
	}
	return filepath.Join(os.TempDir(), "pkgcache")
}

func fromViper(v *viper.Viper) (*Config, error) {
	timeout, err := parseDuration(v, "timeout")
	if err != nil {
		return nil, err
	}
	delay, err := parseDuration(v, "retry_delay")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		CacheDir:       v.GetString("cache_dir"),
		Registry:       strings.TrimSuffix(v.GetString("registry"), "/"),
		Timeout:        timeout,
		NPMBin:         v.GetString("npm_bin"),
		GlobalDir:      v.GetString("global_dir"),
		InstallRetries: v.GetInt("install_retries"),
		RetryDelay:     delay,
		Concurrency:    v.GetInt("concurrency"),
		LogLevel:       strings.ToLower(v.GetString("log_level")),
		LogFile:        v.GetString("log_file"),
		LogMaxSizeMB:   v.GetInt("log_max_size"),
		LogMaxBackups:  v.GetInt("log_max_backups"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(cfg.CacheDir)
	if err != nil {
		return nil, core.Wrap(core.KindInvalidInput, err, "resolving cache directory")
	}
	cfg.CacheDir = abs
	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, core.Wrap(core.KindInvalidInput, err, "%s_%s=%q", EnvPrefix, strings.ToUpper(key), raw)
	}
	return d, nil
}

// Validate checks ranges and formats.
func (c *Config) Validate() error {
	switch {
	case c.CacheDir == "":
		return core.New(core.KindInvalidInput, "cache directory must not be empty")
	case !strings.HasPrefix(c.Registry, "http://") && !strings.HasPrefix(c.Registry, "https://"):
		return core.New(core.KindInvalidInput, "registry %q must be an http(s) URL", c.Registry)
	case c.Timeout <= 0:
		return core.New(core.KindInvalidInput, "timeout must be positive")
	case c.NPMBin == "":
		return core.New(core.KindInvalidInput, "npm binary must not be empty")
	case c.InstallRetries < 0:
		return core.New(core.KindInvalidInput, "install retries must not be negative")
	case c.RetryDelay < 0:
		return core.New(core.KindInvalidInput, "retry delay must not be negative")
	case c.Concurrency < 1:
		return core.New(core.KindInvalidInput, "concurrency must be at least 1")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return core.Wrap(core.KindInvalidInput, err, "log level %q", c.LogLevel)
	}
	return nil
}
