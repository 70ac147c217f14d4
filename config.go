package slonik

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// DisableTimeout turns a timeout setting off. Any non-positive duration has
// the same effect.
const DisableTimeout time.Duration = -1

// TypeParser converts the text form of a column of the named Postgres type.
type TypeParser struct {
	Name  string
	Parse func(value string) (any, error)
}

// Config holds everything a Pool needs. Start from DefaultConfig.
type Config struct {
	ConnectionURI string
	// Driver overrides the driver built from ConnectionURI (tests use NewMockDriver).
	Driver Driver

	MaximumPoolSize                 int
	ConnectionTimeout               time.Duration
	IdleTimeout                     time.Duration
	StatementTimeout                time.Duration
	IdleInTransactionSessionTimeout time.Duration
	GracefulTerminationTimeout      time.Duration

	ConnectionRetryLimit  int
	QueryRetryLimit       int
	TransactionRetryLimit int

	Interceptors      []Interceptor
	TypeParsers       []TypeParser
	CaptureStackTrace bool

	// ResetConnection runs before an idle-bound connection is handed back to
	// the pool. A returned error destroys the connection instead.
	ResetConnection func(ctx context.Context, conn *BoundConnection) error

	Logger             *slog.Logger
	SlowQueryThreshold time.Duration
	Telemetry          TelemetryConfig
	Metrics            MetricsConfig
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaximumPoolSize:                 10,
		ConnectionTimeout:               5 * time.Second,
		IdleTimeout:                     5 * time.Second,
		StatementTimeout:                60 * time.Second,
		IdleInTransactionSessionTimeout: 60 * time.Second,
		GracefulTerminationTimeout:      5 * time.Second,
		ConnectionRetryLimit:            3,
		QueryRetryLimit:                 5,
		TransactionRetryLimit:           5,
		TypeParsers:                     DefaultTypeParsers(),
	}
}

func (c Config) validate() error {
	if c.MaximumPoolSize < 1 {
		return &InvalidInputError{Message: "maximumPoolSize must be at least 1."}
	}
	if c.Driver == nil && strings.TrimSpace(c.ConnectionURI) == "" {
		return &InvalidInputError{Message: "Either a connection URI or a driver is required."}
	}
	if c.ConnectionRetryLimit < 0 || c.QueryRetryLimit < 0 || c.TransactionRetryLimit < 0 {
		return &InvalidInputError{Message: "Retry limits cannot be negative."}
	}
	return nil
}

// Option mutates a Config.
type Option func(*Config)

func WithDriver(d Driver) Option { return func(c *Config) { c.Driver = d } }

func WithMaximumPoolSize(n int) Option { return func(c *Config) { c.MaximumPoolSize = n } }

func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectionTimeout = d }
}

func WithIdleTimeout(d time.Duration) Option { return func(c *Config) { c.IdleTimeout = d } }

func WithStatementTimeout(d time.Duration) Option {
	return func(c *Config) { c.StatementTimeout = d }
}

func WithIdleInTransactionSessionTimeout(d time.Duration) Option {
	return func(c *Config) { c.IdleInTransactionSessionTimeout = d }
}

func WithGracefulTerminationTimeout(d time.Duration) Option {
	return func(c *Config) { c.GracefulTerminationTimeout = d }
}

func WithConnectionRetryLimit(n int) Option {
	return func(c *Config) { c.ConnectionRetryLimit = n }
}

func WithQueryRetryLimit(n int) Option { return func(c *Config) { c.QueryRetryLimit = n } }

func WithTransactionRetryLimit(n int) Option {
	return func(c *Config) { c.TransactionRetryLimit = n }
}

// WithInterceptors appends interceptors in the order given.
func WithInterceptors(interceptors ...Interceptor) Option {
	return func(c *Config) { c.Interceptors = append(c.Interceptors, interceptors...) }
}

// WithTypeParsers adds parsers; a parser replaces any earlier one of the same name.
func WithTypeParsers(parsers ...TypeParser) Option {
	return func(c *Config) {
		for _, p := range parsers {
			replaced := false
			for i := range c.TypeParsers {
				if c.TypeParsers[i].Name == p.Name {
					c.TypeParsers[i] = p
					replaced = true
				}
			}
			if !replaced {
				c.TypeParsers = append(c.TypeParsers, p)
			}
		}
	}
}

func WithCaptureStackTrace(enabled bool) Option {
	return func(c *Config) { c.CaptureStackTrace = enabled }
}

func WithResetConnection(fn func(ctx context.Context, conn *BoundConnection) error) Option {
	return func(c *Config) { c.ResetConnection = fn }
}

// WithLogger enables structured logging through logger.
func WithLogger(logger *slog.Logger) Option { return func(c *Config) { c.Logger = logger } }

func WithSlowQueryThreshold(d time.Duration) Option {
	return func(c *Config) { c.SlowQueryThreshold = d }
}

func WithTelemetry(enabled bool) Option {
	return func(c *Config) { c.Telemetry.Enabled = enabled }
}

// WithMetrics enables metrics; a nil provider uses the global one.
func WithMetrics(provider metric.MeterProvider) Option {
	return func(c *Config) {
		c.Metrics.Enabled = true
		c.Metrics.MeterProvider = provider
	}
}

func timeoutEnabled(d time.Duration) bool { return d > 0 }
