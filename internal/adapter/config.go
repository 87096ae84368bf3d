package adapter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mmcdole/kinotv/internal/domain"
)

const envPrefix = "KINOTV"

// Config holds all application configuration
type Config struct {
	Accounts      []domain.Account `mapstructure:"accounts"`
	ActiveAccount int              `mapstructure:"active_account"`
	Cache         CacheConfig      `mapstructure:"cache"`
	Catalog       CatalogConfig    `mapstructure:"catalog"`
	Covers        CoversConfig     `mapstructure:"covers"`
	Preload       PreloadConfig    `mapstructure:"preload"`
	Panels        PanelsConfig     `mapstructure:"panels"`
	Downloads     DownloadsConfig  `mapstructure:"downloads"`
	Player        PlayerConfig     `mapstructure:"player"`
	Logging       LoggingConfig    `mapstructure:"logging"`
	Metrics       MetricsConfig    `mapstructure:"metrics"`
}

// CacheConfig holds catalog cache configuration
type CacheConfig struct {
	Dir          string        `mapstructure:"dir"`
	TTL          TTLConfig     `mapstructure:"ttl"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// TTLConfig holds the lifetime of each cache scope
type TTLConfig struct {
	Categories time.Duration `mapstructure:"categories"`
	Items      time.Duration `mapstructure:"items"`
	Episodes   time.Duration `mapstructure:"episodes"`
}

// CatalogConfig holds remote API client settings
type CatalogConfig struct {
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
	UserAgent         string `mapstructure:"user_agent"`
}

// CoversConfig holds cover image store settings
type CoversConfig struct {
	TTLDays  int           `mapstructure:"ttl_days"`
	Parallel int           `mapstructure:"parallel"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PreloadConfig holds background warm-up settings
type PreloadConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Categories int  `mapstructure:"categories"`
	Parallel   int  `mapstructure:"parallel"`
	Covers     int  `mapstructure:"covers"`
}

// PanelsConfig holds refreshable panel settings
type PanelsConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// DownloadsConfig holds download manager settings
type DownloadsConfig struct {
	Dir              string        `mapstructure:"dir"`
	MaxParallel      int           `mapstructure:"max_parallel"`
	RetryMax         int           `mapstructure:"retry_max"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// PlayerConfig holds media player configuration
type PlayerConfig struct {
	Command string `mapstructure:"command"` // template; {URL} is replaced with the stream address
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds the optional metrics listener
type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // empty disables the listener
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir: defaultCachePath(),
			TTL: TTLConfig{
				Categories: 6 * time.Hour,
				Items:      3 * time.Hour,
				Episodes:   12 * time.Hour,
			},
			FetchTimeout: 30 * time.Second,
		},
		Catalog: CatalogConfig{
			RequestsPerSecond: 10,
			UserAgent:         "kinotv/1.0",
		},
		Covers: CoversConfig{
			TTLDays:  7,
			Parallel: 6,
			Timeout:  20 * time.Second,
		},
		Preload: PreloadConfig{
			Enabled:    true,
			Categories: 3,
			Parallel:   6,
			Covers:     60,
		},
		Panels: PanelsConfig{
			RefreshInterval: 5 * time.Minute,
		},
		Downloads: DownloadsConfig{
			Dir:              defaultDownloadPath(),
			MaxParallel:      1,
			RetryMax:         3,
			RetryDelay:       time.Second,
			ProgressInterval: 250 * time.Millisecond,
		},
		Player: PlayerConfig{
			Command: "vlc --fullscreen --no-video-title-show --network-caching=2000 {URL}",
		},
		Logging: LoggingConfig{
			File:  defaultLogPath(),
			Level: "INFO",
		},
	}
}

// defaultLogPath returns the default log file path for the current OS
func defaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "kinotv", "kinotv.log")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "kinotv", "kinotv.log")
	}
}

// defaultConfigPath returns the default config directory for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "kinotv")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "kinotv")
	}
}

// defaultCachePath returns the default cache directory path for the current OS
func defaultCachePath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "kinotv", "cache")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "kinotv", "cache")
	}
}

func defaultDownloadPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Downloads", "kinotv")
}

// newViper builds a viper instance carrying every default so that
// environment overrides apply to keys absent from the file.
func newViper(defaults *Config) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setValues(v.SetDefault, defaults)
	return v
}

// setValues writes cfg through set, one snake_case key at a time.
func setValues(set func(key string, value any), cfg *Config) {
	accounts := make([]map[string]any, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts = append(accounts, map[string]any{
			"name":     a.Name,
			"url":      a.URL,
			"username": a.Username,
			"password": a.Password,
		})
	}
	set("accounts", accounts)
	set("active_account", cfg.ActiveAccount)

	set("cache.dir", cfg.Cache.Dir)
	set("cache.ttl.categories", cfg.Cache.TTL.Categories.String())
	set("cache.ttl.items", cfg.Cache.TTL.Items.String())
	set("cache.ttl.episodes", cfg.Cache.TTL.Episodes.String())
	set("cache.fetch_timeout", cfg.Cache.FetchTimeout.String())

	set("catalog.requests_per_second", cfg.Catalog.RequestsPerSecond)
	set("catalog.user_agent", cfg.Catalog.UserAgent)

	set("covers.ttl_days", cfg.Covers.TTLDays)
	set("covers.parallel", cfg.Covers.Parallel)
	set("covers.timeout", cfg.Covers.Timeout.String())

	set("preload.enabled", cfg.Preload.Enabled)
	set("preload.categories", cfg.Preload.Categories)
	set("preload.parallel", cfg.Preload.Parallel)
	set("preload.covers", cfg.Preload.Covers)

	set("panels.refresh_interval", cfg.Panels.RefreshInterval.String())

	set("downloads.dir", cfg.Downloads.Dir)
	set("downloads.max_parallel", cfg.Downloads.MaxParallel)
	set("downloads.retry_max", cfg.Downloads.RetryMax)
	set("downloads.retry_delay", cfg.Downloads.RetryDelay.String())
	set("downloads.progress_interval", cfg.Downloads.ProgressInterval.String())

	set("player.command", cfg.Player.Command)

	set("logging.file", cfg.Logging.File)
	set("logging.level", cfg.Logging.Level)

	set("metrics.listen", cfg.Metrics.Listen)
}

// LoadConfig loads configuration from file and environment. An empty path
// searches the OS config directory and the working directory for
// config.yaml. A .env file in the working directory is loaded first.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	cfg := DefaultConfig()
	v := newViper(cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, fs.ErrNotExist)) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	cfg.Cache.Dir = ExpandPath(cfg.Cache.Dir)
	cfg.Downloads.Dir = ExpandPath(cfg.Downloads.Dir)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)
	return cfg, nil
}

// SaveConfig writes cfg to path, or to config.yaml in the OS config
// directory when path is empty.
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		path = filepath.Join(defaultConfigPath(), "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	setValues(v.Set, cfg)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Account returns the active account profile.
func (c *Config) Account() (domain.Account, error) {
	if len(c.Accounts) == 0 {
		return domain.Account{}, domain.ErrNoAccount
	}
	if c.ActiveAccount < 0 || c.ActiveAccount >= len(c.Accounts) {
		return domain.Account{}, fmt.Errorf("active_account %d out of range (have %d): %w",
			c.ActiveAccount, len(c.Accounts), domain.ErrNoAccount)
	}
	return c.Accounts[c.ActiveAccount], nil
}

// SetActiveAccount selects a profile by name or index.
func (c *Config) SetActiveAccount(nameOrIndex string) error {
	for i, a := range c.Accounts {
		if a.Name == nameOrIndex || fmt.Sprint(i) == nameOrIndex {
			c.ActiveAccount = i
			return nil
		}
	}
	return fmt.Errorf("account %q: %w", nameOrIndex, domain.ErrNoAccount)
}
