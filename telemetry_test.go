package slonik

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTracing(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func spansNamed(sr *tracetest.SpanRecorder, name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

func attrValue(s sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTelemetry_QuerySpan(t *testing.T) {
	sr := setupTracing(t)
	var queryID string
	p, _ := newMockPool(t, WithTelemetry(true), WithInterceptors(Interceptor{
		BeforeQueryResult: func(_ context.Context, qc *QueryContext, _ Query, _ *QueryResult) error {
			queryID = qc.QueryID
			return nil
		},
	}))

	_, err := p.Query(context.Background(), SQL("SELECT ?", 1))
	require.NoError(t, err)

	queries := spansNamed(sr, "slonik.query")
	require.Len(t, queries, 1)
	q := queries[0]
	assert.Equal(t, trace.SpanKindClient, q.SpanKind())
	assert.Equal(t, codes.Ok, q.Status().Code)

	v, ok := attrValue(q, "db.statement")
	require.True(t, ok)
	assert.Equal(t, "SELECT $1", v.AsString())
	v, ok = attrValue(q, "db.query_id")
	require.True(t, ok)
	assert.Equal(t, queryID, v.AsString())
	v, _ = attrValue(q, "db.system")
	assert.Equal(t, "postgresql", v.AsString())
	v, _ = attrValue(q, "slonik.pool_id")
	assert.Equal(t, p.ID(), v.AsString())

	connects := spansNamed(sr, "slonik.connect")
	require.Len(t, connects, 1)
	assert.Equal(t, connects[0].SpanContext().SpanID(), q.Parent().SpanID())
}

func TestTelemetry_ErrorSpan(t *testing.T) {
	sr := setupTracing(t)
	p, drv := newMockPool(t, WithTelemetry(true))
	drv.ExpectQuery(`INSERT`).WillReturnError(&DriverError{Code: "23505", Message: "duplicate key"})

	_, err := p.Query(context.Background(), Raw("INSERT INTO person DEFAULT VALUES"))
	require.Error(t, err)

	queries := spansNamed(sr, "slonik.query")
	require.Len(t, queries, 1)
	assert.Equal(t, codes.Error, queries[0].Status().Code)
	v, ok := attrValue(queries[0], "db.response.status_code")
	require.True(t, ok)
	assert.Equal(t, "23505", v.AsString())
	require.NotEmpty(t, queries[0].Events())
	assert.Equal(t, "exception", queries[0].Events()[0].Name)
}

func TestTelemetry_TransactionSpan(t *testing.T) {
	sr := setupTracing(t)
	p, _ := newMockPool(t, WithTelemetry(true))

	err := p.Transaction(context.Background(), func(ctx context.Context, tx *TransactionConnection) error {
		_, err := tx.Query(ctx, Raw("SELECT 1"))
		return err
	})
	require.NoError(t, err)

	txs := spansNamed(sr, "slonik.transaction")
	require.Len(t, txs, 1)
	// control statements are traced alongside the handler's statement
	assert.Len(t, spansNamed(sr, "slonik.query"), 3)
}

func TestTelemetry_Disabled(t *testing.T) {
	sr := setupTracing(t)
	p, _ := newMockPool(t)

	_, err := p.Query(context.Background(), Raw("SELECT 1"))
	require.NoError(t, err)
	assert.Empty(t, sr.Ended())

	p.EnableTelemetry(true)
	_, err = p.Query(context.Background(), Raw("SELECT 1"))
	require.NoError(t, err)
	assert.NotEmpty(t, sr.Ended())
}
