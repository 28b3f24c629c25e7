// Package logging configures the zerolog loggers used across lspengine.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment variables that override the configured defaults.
const (
	EnvLogLevel   = "LSPENGINE_LOG_LEVEL"
	EnvLogFormat  = "LSPENGINE_LOG_FORMAT"
	EnvLogNoColor = "LSPENGINE_LOG_NOCOLOR"
)

// Profile selects a default configuration.
type Profile int

const (
	// ProfileRuntime logs at info level with timestamps.
	ProfileRuntime Profile = iota
	// ProfileTest logs at debug level without timestamps.
	ProfileTest
)

// Format is the output encoding of log lines.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config configures a logger.
type Config struct {
	// Level is the minimum level written.
	Level zerolog.Level
	// Format selects human-readable console output or JSON lines.
	Format Format
	// Output is where logs are written. Defaults to os.Stderr.
	Output io.Writer
	// Timestamp adds a time field to every line.
	Timestamp bool
	// NoColor disables ANSI colors in console output.
	NoColor bool
}

// DefaultConfig returns the configuration for a profile.
func DefaultConfig(profile Profile) Config {
	cfg := Config{
		Level:     zerolog.InfoLevel,
		Format:    FormatConsole,
		Output:    os.Stderr,
		Timestamp: true,
	}
	if profile == ProfileTest {
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
		cfg.NoColor = true
	}
	return cfg
}

// ApplyEnv overrides cfg from the LSPENGINE_LOG_* environment variables.
// Unset or unparseable values leave the field untouched.
func ApplyEnv(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	switch Format(strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat)))) {
	case FormatJSON:
		cfg.Format = FormatJSON
	case FormatConsole:
		cfg.Format = FormatConsole
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor))); err == nil {
		cfg.NoColor = v
	}
}

// New builds a logger from cfg.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format != FormatJSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(out).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

// Component returns a child logger tagged with a component field.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// ParseLevel parses a level name. The second result reports whether raw
// named a known level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "none", "disabled":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
