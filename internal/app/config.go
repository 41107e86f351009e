package app

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Config holds the per-invocation settings given on the command line.
// Process-wide settings live in config.Config.
type Config struct {
	// Targets are the formula names to install.
	Targets []string
	// Options are build options such as with-foo, without leading dashes.
	Options []string

	Ask                bool
	Head               bool
	BuildFromSource    bool
	DebugSymbols       bool
	IgnoreDependencies bool

	// FormulaPaths, when set, replace the configured formula paths.
	FormulaPaths []string

	LogFormat string
	LogLevel  string
	// Verbose streams build output and lowers the log level to debug.
	Verbose bool
	// Color enables colored progress output.
	Color bool
}

// NewConfig validates cfg and fills in defaults.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("at least one formula is required")
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if !slices.Contains(logFormats, cfg.LogFormat) {
		return nil, fmt.Errorf("invalid log format %q: must be one of %s", cfg.LogFormat, strings.Join(logFormats, ", "))
	}
	if !slices.Contains(logLevels, cfg.LogLevel) {
		return nil, fmt.Errorf("invalid log level %q: must be one of %s", cfg.LogLevel, strings.Join(logLevels, ", "))
	}
	for _, o := range cfg.Options {
		if !strings.HasPrefix(o, "with-") && !strings.HasPrefix(o, "without-") {
			return nil, fmt.Errorf("invalid option %q: must start with with- or without-", o)
		}
	}
	return &cfg, nil
}
