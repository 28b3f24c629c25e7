// Package config loads the launcher configuration for lspc: which language
// server to run or dial, the workspace root, and session timeouts.
//
// Configuration comes from a TOML or YAML file, then LSPENGINE_* environment
// variables, then command-line flags, each layer overriding the previous.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Environment variables read by ApplyEnv.
const (
	EnvServerCommand   = "LSPENGINE_SERVER_COMMAND"
	EnvServerAddress   = "LSPENGINE_SERVER_ADDR"
	EnvRoot            = "LSPENGINE_ROOT"
	EnvRequestTimeout  = "LSPENGINE_REQUEST_TIMEOUT"
	EnvShutdownTimeout = "LSPENGINE_SHUTDOWN_TIMEOUT"
)

// Validation errors.
var (
	ErrNoServer        = errors.New("either server command or server address is required")
	ErrBothServers     = errors.New("server command and server address are mutually exclusive")
	ErrNegativeTimeout = errors.New("timeouts must not be negative")
)

// Server describes how to reach a language server.
type Server struct {
	// Command is the executable to run. The server speaks LSP on its
	// stdin and stdout.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables for the server process.
	Env map[string]string

	// WorkDir is the working directory (defaults to the workspace root).
	WorkDir string

	// Address is a host:port to dial instead of running Command.
	Address string

	// InitializationOptions are sent in the initialize request.
	InitializationOptions any
}

// Config is the complete launcher configuration.
type Config struct {
	Server Server

	// Root is the workspace root directory.
	Root string

	// RequestTimeout bounds every request. Zero disables it.
	RequestTimeout time.Duration

	// ShutdownTimeout bounds the shutdown/exit handshake.
	ShutdownTimeout time.Duration

	// LogLevel is a zerolog level name. Empty keeps the logging default.
	LogLevel string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Root:            ".",
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	cmd := strings.TrimSpace(c.Server.Command)
	addr := strings.TrimSpace(c.Server.Address)
	switch {
	case cmd == "" && addr == "":
		errs = append(errs, ErrNoServer)
	case cmd != "" && addr != "":
		errs = append(errs, ErrBothServers)
	}
	if c.RequestTimeout < 0 || c.ShutdownTimeout < 0 {
		errs = append(errs, ErrNegativeTimeout)
	}
	if c.Root == "" {
		errs = append(errs, errors.New("workspace root is required"))
	}
	return errors.Join(errs...)
}

// ApplyEnv overrides c from LSPENGINE_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvServerCommand)); v != "" {
		c.Server.Command = v
		c.Server.Address = ""
	}
	if v := strings.TrimSpace(os.Getenv(EnvServerAddress)); v != "" {
		c.Server.Address = v
		c.Server.Command = ""
	}
	if v := strings.TrimSpace(os.Getenv(EnvRoot)); v != "" {
		c.Root = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRequestTimeout)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvRequestTimeout, err)
		}
		c.RequestTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv(EnvShutdownTimeout)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvShutdownTimeout, err)
		}
		c.ShutdownTimeout = d
	}
	return nil
}
