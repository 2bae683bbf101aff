package config

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// Config is a set of string options keyed by dotted names such as "d3d11.allowMapFlagNoWait". The zero
// value is an empty config that is ready to use.
type Config struct {
	options map[string]string
}

// New creates a Config holding a copy of the provided options
func New(options map[string]string) Config {
	config := Config{options: make(map[string]string, len(options))}
	for key, value := range options {
		config.options[key] = value
	}
	return config
}

// Len returns the number of options that have been set
func (c Config) Len() int {
	return len(c.options)
}

// Keys returns the keys of all options that have been set, in sorted order
func (c Config) Keys() []string {
	keys := maps.Keys(c.options)
	slices.Sort(keys)
	return keys
}

// Merge adds every option from other that is not already present in this config. Options that
// were already set are never overwritten.
func (c *Config) Merge(other Config) {
	for key, value := range other.options {
		if _, exists := c.options[key]; exists {
			continue
		}
		c.SetOption(key, value)
	}
}

// SetOption sets an option, replacing any previous value
func (c *Config) SetOption(key, value string) {
	if c.options == nil {
		c.options = make(map[string]string)
	}
	c.options[key] = value
}

// Option returns the raw value of an option, or the empty string if it is not set
func (c Config) Option(key string) string {
	return c.options[key]
}

// GetBool returns the value of a boolean option, or fallback if the option is unset or malformed
func (c Config) GetBool(key string, fallback bool) bool {
	value, ok := ParseBool(c.Option(key))
	if !ok {
		return fallback
	}
	return value
}

// GetInt returns the value of an integer option, or fallback if the option is unset or malformed
func (c Config) GetInt(key string, fallback int32) int32 {
	value, ok := ParseInt32(c.Option(key))
	if !ok {
		return fallback
	}
	return value
}

// GetTristate returns the value of a tristate option, or fallback if the option is unset or malformed
func (c Config) GetTristate(key string, fallback Tristate) Tristate {
	value, ok := ParseTristate(c.Option(key))
	if !ok {
		return fallback
	}
	return value
}

// LogOptions writes the effective configuration to the logger at info level
func (c Config) LogOptions(logger *slog.Logger) {
	if len(c.options) == 0 {
		return
	}

	logger.Info("Effective configuration:")
	for _, key := range c.Keys() {
		logger.LogAttrs(context.Background(), slog.LevelInfo, "  option",
			slog.String("key", key),
			slog.String("value", c.options[key]),
		)
	}
}

// ExecutableName returns the file name of the running executable, which selects both the
// built-in application defaults and the active sections of a user config file
func ExecutableName() string {
	return filepath.Base(os.Args[0])
}

// Load builds the effective configuration for appName: the user config file, with the built-in
// defaults for appName filling in every option the user did not set. The result is logged.
func Load(logger *slog.Logger, appName string) (Config, error) {
	config, err := UserConfig(logger, appName)
	if err != nil {
		return Config{}, err
	}

	config.Merge(AppConfig(logger, appName))
	config.LogOptions(logger)

	return config, nil
}
