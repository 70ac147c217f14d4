package slonik

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SLONIK"

// Environment keys, read as SLONIK_<KEY>.
const (
	envConnectionURI                   = "connection_uri"
	envMaximumPoolSize                 = "maximum_pool_size"
	envConnectionTimeout               = "connection_timeout"
	envIdleTimeout                     = "idle_timeout"
	envStatementTimeout                = "statement_timeout"
	envIdleInTransactionSessionTimeout = "idle_in_transaction_session_timeout"
	envGracefulTerminationTimeout      = "graceful_termination_timeout"
	envConnectionRetryLimit            = "connection_retry_limit"
	envQueryRetryLimit                 = "query_retry_limit"
	envTransactionRetryLimit           = "transaction_retry_limit"
	envCaptureStackTrace               = "capture_stack_trace"
	envSlowQueryThreshold              = "slow_query_threshold"
	envLoggingEnabled                  = "logging_enabled"
	envTelemetryEnabled                = "telemetry_enabled"
	envMetricsEnabled                  = "metrics_enabled"
)

var envKeys = []string{
	envConnectionURI, envMaximumPoolSize,
	envConnectionTimeout, envIdleTimeout, envStatementTimeout,
	envIdleInTransactionSessionTimeout, envGracefulTerminationTimeout,
	envConnectionRetryLimit, envQueryRetryLimit, envTransactionRetryLimit,
	envCaptureStackTrace, envSlowQueryThreshold,
	envLoggingEnabled, envTelemetryEnabled, envMetricsEnabled,
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// ConfigFromEnv returns DefaultConfig overlaid with SLONIK_* environment
// variables. Durations accept Go syntax ("250ms"), a bare integer of
// milliseconds, or DISABLE_TIMEOUT.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(newEnvViper(), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewPoolEnv builds a pool from the environment, then applies opts.
func NewPoolEnv(ctx context.Context, opts ...Option) (*Pool, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewPool(ctx, cfg)
}

func applyEnv(v *viper.Viper, cfg *Config) error {
	if s := v.GetString(envConnectionURI); s != "" {
		cfg.ConnectionURI = s
	}

	ints := []struct {
		key string
		dst *int
	}{
		{envMaximumPoolSize, &cfg.MaximumPoolSize},
		{envConnectionRetryLimit, &cfg.ConnectionRetryLimit},
		{envQueryRetryLimit, &cfg.QueryRetryLimit},
		{envTransactionRetryLimit, &cfg.TransactionRetryLimit},
	}
	for _, f := range ints {
		s := strings.TrimSpace(v.GetString(f.key))
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return envError(f.key, s, err)
		}
		*f.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envConnectionTimeout, &cfg.ConnectionTimeout},
		{envIdleTimeout, &cfg.IdleTimeout},
		{envStatementTimeout, &cfg.StatementTimeout},
		{envIdleInTransactionSessionTimeout, &cfg.IdleInTransactionSessionTimeout},
		{envGracefulTerminationTimeout, &cfg.GracefulTerminationTimeout},
		{envSlowQueryThreshold, &cfg.SlowQueryThreshold},
	}
	for _, f := range durations {
		s := strings.TrimSpace(v.GetString(f.key))
		if s == "" {
			continue
		}
		d, err := parseEnvDuration(s)
		if err != nil {
			return envError(f.key, s, err)
		}
		*f.dst = d
	}

	bools := []struct {
		key string
		set func(bool)
	}{
		{envCaptureStackTrace, func(b bool) { cfg.CaptureStackTrace = b }},
		{envLoggingEnabled, func(b bool) {
			if b && cfg.Logger == nil {
				cfg.Logger = defaultLogger
			}
		}},
		{envTelemetryEnabled, func(b bool) { cfg.Telemetry.Enabled = b }},
		{envMetricsEnabled, func(b bool) { cfg.Metrics.Enabled = b }},
	}
	for _, f := range bools {
		s := strings.TrimSpace(v.GetString(f.key))
		if s == "" {
			continue
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return envError(f.key, s, err)
		}
		f.set(b)
	}
	return nil
}

func parseEnvDuration(s string) (time.Duration, error) {
	if strings.EqualFold(s, "DISABLE_TIMEOUT") {
		return DisableTimeout, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

func envError(key, value string, cause error) error {
	name := envPrefix + "_" + strings.ToUpper(key)
	return &InvalidInputError{Message: fmt.Sprintf("Invalid value %q for %s.", value, name), Cause: cause}
}
