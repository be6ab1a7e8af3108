// Package config loads modhost settings from file, environment and flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/wnxd/modhost/host"
)

const (
	AppName        = "modhost"
	ConfigFileName = "modhost"
	EnvPrefix      = "MODHOST"
)

var (
	ErrInvalidConfig      = errors.New("invalid config")
	ErrInvalidLoadOptions = errors.New("invalid load options")
)

type (
	Config struct {
		Modules ModulesConfig `mapstructure:"modules"`
		Log     LogConfig     `mapstructure:"log"`
	}

	ModulesConfig struct {
		// Dir is scanned for module images at startup.
		Dir       string        `mapstructure:"dir"`
		Pattern   string        `mapstructure:"pattern"`
		Recursive bool          `mapstructure:"recursive"`
		Watch     bool          `mapstructure:"watch"`
		Debounce  time.Duration `mapstructure:"debounce"`
	}

	LogConfig struct {
		Level string `mapstructure:"level"`
	}

	// LoadOptions defines explicit configuration loading inputs.
	LoadOptions struct {
		// ConfigFilePath forces loading from a specific config file when set.
		ConfigFilePath string
		// ConfigDirPath overrides the config directory lookup when set.
		ConfigDirPath string
		// Flags binds command line flags to config keys; a changed flag
		// overrides file and environment values.
		Flags map[string]*pflag.Flag
	}

	// InvalidConfigError lists every field that failed validation.
	InvalidConfigError struct {
		FieldErrors []error
	}
)

func DefaultConfig() *Config {
	return &Config{
		Modules: ModulesConfig{
			Dir:      "mods",
			Pattern:  host.DefaultPattern(),
			Debounce: 500 * time.Millisecond,
		},
		Log: LogConfig{Level: "info"},
	}
}

// ConfigDir returns the per-user modhost configuration directory.
func ConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, AppName), nil
}

func (o LoadOptions) Validate() error {
	if o.ConfigFilePath != "" && strings.TrimSpace(o.ConfigFilePath) == "" {
		return fmt.Errorf("%w: config file path is blank", ErrInvalidLoadOptions)
	}
	if o.ConfigDirPath != "" && strings.TrimSpace(o.ConfigDirPath) == "" {
		return fmt.Errorf("%w: config dir path is blank", ErrInvalidLoadOptions)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Modules.Dir) == "" {
		errs = append(errs, errors.New("modules.dir is empty"))
	}
	if !doublestar.ValidatePattern(c.Modules.Pattern) {
		errs = append(errs, fmt.Errorf("modules.pattern %q is not a valid glob", c.Modules.Pattern))
	}
	if c.Modules.Debounce < 0 {
		errs = append(errs, fmt.Errorf("modules.debounce %v is negative", c.Modules.Debounce))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

func (e *InvalidConfigError) Error() string {
	if len(e.FieldErrors) == 1 {
		return fmt.Sprintf("invalid config: %v", e.FieldErrors[0])
	}
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid config: %d errors: %s", len(msgs), strings.Join(msgs, "; "))
}

func (e *InvalidConfigError) Unwrap() error {
	return ErrInvalidConfig
}

func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}
	if err := opts.Validate(); err != nil {
		return nil, "", err
	}

	v := viper.New()
	defaults := DefaultConfig()
	v.SetDefault("modules.dir", defaults.Modules.Dir)
	v.SetDefault("modules.pattern", defaults.Modules.Pattern)
	v.SetDefault("modules.recursive", defaults.Modules.Recursive)
	v.SetDefault("modules.watch", defaults.Modules.Watch)
	v.SetDefault("modules.debounce", defaults.Modules.Debounce)
	v.SetDefault("log.level", defaults.Log.Level)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range opts.Flags {
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, "", fmt.Errorf("failed to bind flag %s: %w", key, err)
		}
	}

	resolvedPath := ""
	if opts.ConfigFilePath != "" {
		v.SetConfigFile(opts.ConfigFilePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("failed to read config %s: %w", opts.ConfigFilePath, err)
		}
		resolvedPath = opts.ConfigFilePath
	} else {
		cfgDir := opts.ConfigDirPath
		if cfgDir == "" {
			var err error
			if cfgDir, err = ConfigDir(); err != nil {
				return nil, "", err
			}
		}
		v.SetConfigName(ConfigFileName)
		v.AddConfigPath(".")
		v.AddConfigPath(cfgDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, "", fmt.Errorf("failed to read config: %w", err)
			}
		} else {
			resolvedPath = v.ConfigFileUsed()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, resolvedPath, nil
}
