// Package config loads controller settings from an optional YAML file, the
// SDNFW_* environment and explicitly set command line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "SDNFW"

const (
	ProviderBuiltin = "builtin"
	ProviderFile    = "file"
	ProviderMariaDB = "mariadb"
	ProviderSQLite  = "sqlite"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Topology TopologyConfig `mapstructure:"topology"`
	Flow     FlowConfig     `mapstructure:"flow"`
	Workers  int            `mapstructure:"workers"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type TopologyConfig struct {
	Provider string `mapstructure:"provider"`
	File     string `mapstructure:"file"`
	DSN      string `mapstructure:"dsn"`
	Site     string `mapstructure:"site"`
}

type FlowConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	HardTimeout time.Duration `mapstructure:"hard_timeout"`
}

// FlagKeys maps command line flag names to config keys.
var FlagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-file":     "log.file",
	"provider":     "topology.provider",
	"topology":     "topology.file",
	"dsn":          "topology.dsn",
	"site":         "topology.site",
	"idle-timeout": "flow.idle_timeout",
	"hard-timeout": "flow.hard_timeout",
	"workers":      "workers",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("topology.provider", ProviderBuiltin)
	v.SetDefault("topology.file", "")
	v.SetDefault("topology.dsn", "")
	v.SetDefault("topology.site", "")
	v.SetDefault("flow.idle_timeout", 10*time.Second)
	v.SetDefault("flow.hard_timeout", 30*time.Second)
	v.SetDefault("workers", 4)
}

// Load builds the configuration. path may be empty; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		ext := filepath.Ext(path)
		v.SetConfigFile(path)
		v.SetConfigType(strings.TrimPrefix(ext, "."))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.Visit(func(f *pflag.Flag) {
			key, ok := FlagKeys[f.Name]
			if !ok || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Topology.Provider = strings.ToLower(strings.TrimSpace(cfg.Topology.Provider))
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format '%s'", c.Log.Format)
	}

	switch c.Topology.Provider {
	case ProviderBuiltin:
	case ProviderFile:
		if c.Topology.File == "" {
			return fmt.Errorf("topology provider '%s' requires topology.file", c.Topology.Provider)
		}
	case ProviderMariaDB, ProviderSQLite:
		if c.Topology.DSN == "" {
			return fmt.Errorf("topology provider '%s' requires topology.dsn", c.Topology.Provider)
		}
	default:
		return fmt.Errorf("invalid topology provider '%s'", c.Topology.Provider)
	}

	if c.Flow.IdleTimeout <= 0 || c.Flow.HardTimeout <= 0 {
		return fmt.Errorf("flow timeouts must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	return nil
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level '%s'", level)
	}
}
