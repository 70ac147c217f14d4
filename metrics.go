package slonik

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricsInstrumentationName = "github.com/gajus/slonik-sub000"
)

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled       bool
	MeterProvider metric.MeterProvider
}

// Metrics holds all the metric instruments
type Metrics struct {
	// Connection metrics
	connectionsActive  metric.Int64UpDownCounter
	connectionsTotal   metric.Int64Counter
	connectionDuration metric.Float64Histogram

	// Query metrics
	queriesTotal  metric.Int64Counter
	queryDuration metric.Float64Histogram

	// Transaction metrics
	transactionsTotal   metric.Int64Counter
	transactionDuration metric.Float64Histogram
}

// EnableMetrics enables or disables metrics collection for this pool
func (p *Pool) EnableMetrics(enabled bool) {
	if p == nil {
		return
	}
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	if !enabled {
		p.metrics.Store(nil)
		return
	}
	if p.metrics.Load() == nil {
		p.initMetricsLocked()
	}
}

// SetMeterProvider sets a custom meter provider for metrics
func (p *Pool) SetMeterProvider(provider metric.MeterProvider) {
	if p == nil {
		return
	}
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	p.meterProvider = provider
	if p.metrics.Load() != nil {
		p.initMetricsLocked()
	}
}

// initMetricsLocked initializes all metric instruments
func (p *Pool) initMetricsLocked() {
	var meter metric.Meter
	if p.meterProvider != nil {
		meter = p.meterProvider.Meter(metricsInstrumentationName)
	} else {
		meter = otel.Meter(metricsInstrumentationName)
	}

	m := &Metrics{}

	// Connection metrics
	m.connectionsActive, _ = meter.Int64UpDownCounter(
		"slonik_connections_active",
		metric.WithDescription("Number of connections currently lent out by the pool"),
	)

	m.connectionsTotal, _ = meter.Int64Counter(
		"slonik_connections_total",
		metric.WithDescription("Total number of database sessions established"),
	)

	m.connectionDuration, _ = meter.Float64Histogram(
		"slonik_connection_duration_seconds",
		metric.WithDescription("How long a connection was held between acquire and release"),
		metric.WithUnit("s"),
	)

	// Query metrics
	m.queriesTotal, _ = meter.Int64Counter(
		"slonik_queries_total",
		metric.WithDescription("Total number of statements executed"),
	)

	m.queryDuration, _ = meter.Float64Histogram(
		"slonik_query_duration_seconds",
		metric.WithDescription("Duration of statements"),
		metric.WithUnit("s"),
	)

	// Transaction metrics
	m.transactionsTotal, _ = meter.Int64Counter(
		"slonik_transactions_total",
		metric.WithDescription("Total number of transactions"),
	)

	m.transactionDuration, _ = meter.Float64Histogram(
		"slonik_transaction_duration_seconds",
		metric.WithDescription("Duration of transactions including retries"),
		metric.WithUnit("s"),
	)

	p.metrics.Store(m)
}

// recordConnectionCreated records a newly established session
func (p *Pool) recordConnectionCreated(ctx context.Context) {
	m := p.metrics.Load()
	if m == nil {
		return
	}
	m.connectionsTotal.Add(ctx, 1)
}

// recordConnectionAcquired records when a connection is lent out
func (p *Pool) recordConnectionAcquired(ctx context.Context) {
	m := p.metrics.Load()
	if m == nil {
		return
	}
	m.connectionsActive.Add(ctx, 1)
}

// recordConnectionReleased records when a connection comes back
func (p *Pool) recordConnectionReleased(ctx context.Context, held time.Duration) {
	m := p.metrics.Load()
	if m == nil {
		return
	}
	m.connectionsActive.Add(ctx, -1)
	m.connectionDuration.Record(ctx, held.Seconds())
}

// recordQuery records statement execution metrics
func (p *Pool) recordQuery(ctx context.Context, operation string, duration time.Duration, err error) {
	m := p.metrics.Load()
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status(err)),
	)
	m.queriesTotal.Add(ctx, 1, attrs)
	m.queryDuration.Record(ctx, duration.Seconds(), attrs)
}

// recordTransaction records transaction metrics
func (p *Pool) recordTransaction(ctx context.Context, duration time.Duration, err error) {
	m := p.metrics.Load()
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status(err)))
	m.transactionsTotal.Add(ctx, 1, attrs)
	m.transactionDuration.Record(ctx, duration.Seconds(), attrs)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
