package slonik

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

var (
	defaultLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// EnableLogging enables or disables structured logging for this pool
func (p *Pool) EnableLogging(enabled bool) {
	if p == nil {
		return
	}
	p.loggingEnabled.Store(enabled)
	if enabled && p.logger.Load() == nil {
		p.logger.Store(defaultLogger)
	}
}

// SetLogger sets a custom logger for this pool
func (p *Pool) SetLogger(logger *slog.Logger) {
	if p == nil {
		return
	}
	p.logger.Store(logger)
}

// SetSlowQueryThreshold makes queries slower than d log at WARN. Zero disables it.
func (p *Pool) SetSlowQueryThreshold(d time.Duration) {
	if p == nil {
		return
	}
	p.slowQueryThreshold.Store(int64(d))
}

func (p *Pool) activeLogger() *slog.Logger {
	if p == nil || !p.loggingEnabled.Load() {
		return nil
	}
	return p.logger.Load()
}

// queryLogger is the logger handed to interceptors through QueryContext.
func (p *Pool) queryLogger() *slog.Logger {
	if l := p.activeLogger(); l != nil {
		return l
	}
	return discardLogger
}

// logQuery logs statement execution with structured fields
func (p *Pool) logQuery(ctx context.Context, qc *QueryContext, q Query, duration time.Duration, err error) {
	logger := p.activeLogger()
	if logger == nil {
		return
	}

	attrs := []slog.Attr{
		slog.String("query", q.SQL),
		slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
	}
	if qc != nil {
		attrs = append(attrs,
			slog.String("query_id", qc.QueryID),
			slog.String("connection_id", qc.ConnectionID),
		)
		if qc.TransactionID != "" {
			attrs = append(attrs, slog.String("transaction_id", qc.TransactionID))
		}
	}

	// values may hold sensitive data
	if len(q.Values) > 0 {
		attrs = append(attrs, slog.Int("value_count", len(q.Values)))
	}

	if err != nil {
		attrs = append(attrs,
			slog.String("status", "error"),
			slog.String("error", err.Error()),
		)
		if code := SQLState(err); code != "" {
			attrs = append(attrs, slog.String("sqlstate", code))
		}
	} else {
		attrs = append(attrs, slog.String("status", "success"))
	}

	threshold := time.Duration(p.slowQueryThreshold.Load())
	if threshold > 0 && duration > threshold {
		logger.LogAttrs(ctx, slog.LevelWarn, "slow query detected", attrs...)
		return
	}
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	logger.LogAttrs(ctx, level, "query executed", attrs...)
}

// logConnection logs connection lifecycle events
func (p *Pool) logConnection(ctx context.Context, event, connectionID string, duration time.Duration, err error) {
	logger := p.activeLogger()
	if logger == nil {
		return
	}

	attrs := []slog.Attr{
		slog.String("event", event),
		slog.String("connection_id", connectionID),
		slog.String("pool_id", p.id),
		slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
	}

	if err != nil {
		attrs = append(attrs,
			slog.String("status", "error"),
			slog.String("error", err.Error()),
		)
		logger.LogAttrs(ctx, slog.LevelError, "connection event", attrs...)
	} else {
		attrs = append(attrs, slog.String("status", "success"))
		logger.LogAttrs(ctx, slog.LevelDebug, "connection event", attrs...)
	}
}

// logTransaction logs transaction events
func (p *Pool) logTransaction(ctx context.Context, event, transactionID string, duration time.Duration, err error) {
	logger := p.activeLogger()
	if logger == nil {
		return
	}

	attrs := []slog.Attr{
		slog.String("event", event),
		slog.String("transaction_id", transactionID),
		slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
	}

	if err != nil {
		attrs = append(attrs,
			slog.String("status", "error"),
			slog.String("error", err.Error()),
		)
		logger.LogAttrs(ctx, slog.LevelError, "transaction event", attrs...)
	} else {
		attrs = append(attrs, slog.String("status", "success"))
		logger.LogAttrs(ctx, slog.LevelInfo, "transaction event", attrs...)
	}
}

// logConnectionPool logs pool state
func (p *Pool) logConnectionPool(ctx context.Context, event string, state PoolState) {
	logger := p.activeLogger()
	if logger == nil {
		return
	}

	logger.LogAttrs(ctx, slog.LevelDebug, "connection pool state",
		slog.String("event", event),
		slog.String("pool_id", p.id),
		slog.String("state", string(state.State)),
		slog.Int("acquired_connections", state.AcquiredConnections),
		slog.Int("idle_connections", state.IdleConnections),
		slog.Int("pending_destroy_connections", state.PendingDestroyConnections),
		slog.Int("pending_release_connections", state.PendingReleaseConnections),
		slog.Int("waiting_clients", state.WaitingClients),
	)
}
