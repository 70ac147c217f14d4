package slonik

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryLoggingInterceptor(t *testing.T) {
	logger, buf := newBufferLogger()
	p, drv := newMockPool(t, WithInterceptors(QueryLoggingInterceptor(logger)))
	drv.ExpectQuery(`person`).WillReturnRows(NewMockRows("id").AddRow(1).AddRow(2))

	_, err := p.Query(context.Background(), SQL("SELECT id FROM person WHERE active = ?", true))
	require.NoError(t, err)

	entries := buf.entries(t)
	executing := byMessage(entries, "executing query")
	require.Len(t, executing, 1)
	assert.Equal(t, "SELECT id FROM person WHERE active = $1", executing[0]["sql"])
	assert.Equal(t, float64(1), executing[0]["value_count"])
	assert.NotEmpty(t, executing[0]["query_id"])

	results := byMessage(entries, "query execution result")
	require.Len(t, results, 1)
	assert.Equal(t, float64(2), results[0]["row_count"])
	assert.Contains(t, results[0], "execution_time_ms")
	assert.Equal(t, executing[0]["query_id"], results[0]["query_id"])
}

func TestQueryLoggingInterceptor_Error(t *testing.T) {
	logger, buf := newBufferLogger()
	p, drv := newMockPool(t, WithInterceptors(QueryLoggingInterceptor(logger)))
	drv.ExpectQuery(`broken`).
		WillEmitNotice(Notice{Severity: "NOTICE", Message: "about to fail"}).
		WillReturnError(&DriverError{Code: "42601", Message: "syntax error"})

	_, err := p.Query(context.Background(), Raw("broken"))
	require.Error(t, err)

	failed := byMessage(buf.entries(t), "query execution produced an error")
	require.Len(t, failed, 1)
	assert.Equal(t, "ERROR", failed[0]["level"])
	assert.Equal(t, "syntax error", failed[0]["error"])
	assert.Equal(t, float64(1), failed[0]["notice_count"])
}

func TestQueryLoggingInterceptor_UsesContextLogger(t *testing.T) {
	logger, buf := newBufferLogger()
	p, _ := newMockPool(t, WithLogger(logger), WithInterceptors(QueryLoggingInterceptor(nil)))

	_, err := p.Query(context.Background(), Raw("SELECT 1"))
	require.NoError(t, err)
	assert.Len(t, byMessage(buf.entries(t), "executing query"), 1)
}

func TestQueryLoggingInterceptor_SilentWithoutLogger(t *testing.T) {
	p, _ := newMockPool(t, WithInterceptors(QueryLoggingInterceptor(nil)))
	_, err := p.Query(context.Background(), Raw("SELECT 1"))
	require.NoError(t, err)
}
