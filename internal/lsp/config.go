package lsp

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/lspengine/internal/jsonrpc"
)

// Config contains configuration for a Session.
type Config struct {
	// RequestTimeout bounds every call. Zero means calls wait until their
	// context is done or the session ends.
	RequestTimeout time.Duration

	// ShutdownTimeout bounds the shutdown/exit handshake in Close when the
	// caller's context has no deadline.
	ShutdownTimeout time.Duration

	// MaxMessageBytes rejects frames with a larger Content-Length.
	MaxMessageBytes int

	// ReadBufferSize is the size of each read from the transport.
	ReadBufferSize int

	// CancelNotifications sends $/cancelRequest to the server when a caller
	// abandons a call.
	CancelNotifications bool

	// Logger receives diagnostics and trace output.
	Logger zerolog.Logger

	// OnDiagnostic, when set, receives every diagnostic in addition to the log.
	OnDiagnostic DiagnosticFunc
}

// DefaultConfig returns a default session configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:      0,
		ShutdownTimeout:     5 * time.Second,
		MaxMessageBytes:     jsonrpc.DefaultMaxBodyBytes,
		ReadBufferSize:      64 * 1024,
		CancelNotifications: true,
		Logger:              zerolog.Nop(),
	}
}

// Option configures a session.
type Option func(*Config)

// WithConfig sets the full session configuration.
func WithConfig(config Config) Option {
	return func(c *Config) {
		*c = config
	}
}

// WithRequestTimeout sets the per-call timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithShutdownTimeout sets the timeout of the Close handshake.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ShutdownTimeout = d
	}
}

// WithMaxMessageBytes sets the largest accepted frame body.
func WithMaxMessageBytes(n int) Option {
	return func(c *Config) {
		c.MaxMessageBytes = n
	}
}

// WithCancelNotifications enables or disables $/cancelRequest on abandoned calls.
func WithCancelNotifications(enable bool) Option {
	return func(c *Config) {
		c.CancelNotifications = enable
	}
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithDiagnostics sets the diagnostic callback.
func WithDiagnostics(fn DiagnosticFunc) Option {
	return func(c *Config) {
		c.OnDiagnostic = fn
	}
}
