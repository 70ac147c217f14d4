package slonik

import (
	"context"
	"log/slog"
	"time"
)

const queryLoggingStartKey = "slonik.query_logging.start"

// QueryLoggingInterceptor logs every statement with its execution time and
// row count. A nil logger uses the query context's logger.
func QueryLoggingInterceptor(logger *slog.Logger) Interceptor {
	pick := func(qc *QueryContext) *slog.Logger {
		if logger != nil {
			return logger.With(slog.String("query_id", qc.QueryID))
		}
		return qc.Log
	}
	return Interceptor{
		Name: "query-logging",
		BeforeQueryExecution: func(ctx context.Context, qc *QueryContext, q Query) (*QueryResult, error) {
			qc.Sandbox[queryLoggingStartKey] = time.Now()
			pick(qc).LogAttrs(ctx, slog.LevelDebug, "executing query",
				slog.String("sql", q.SQL),
				slog.Int("value_count", len(q.Values)),
				slog.String("connection_id", qc.ConnectionID),
			)
			return nil, nil
		},
		AfterQueryExecution: func(ctx context.Context, qc *QueryContext, q Query, result *QueryResult) (*QueryResult, error) {
			attrs := []slog.Attr{
				slog.String("sql", q.SQL),
				slog.Float64("execution_time_ms", sinceMillis(qc)),
			}
			if result != nil {
				attrs = append(attrs, slog.Int64("row_count", result.RowCount))
			}
			pick(qc).LogAttrs(ctx, slog.LevelDebug, "query execution result", attrs...)
			return nil, nil
		},
		QueryExecutionError: func(ctx context.Context, qc *QueryContext, q Query, err error, notices []Notice) error {
			pick(qc).LogAttrs(ctx, slog.LevelError, "query execution produced an error",
				slog.String("sql", q.SQL),
				slog.Float64("execution_time_ms", sinceMillis(qc)),
				slog.String("error", err.Error()),
				slog.Int("notice_count", len(notices)),
			)
			return nil
		},
	}
}

func sinceMillis(qc *QueryContext) float64 {
	start, ok := qc.Sandbox[queryLoggingStartKey].(time.Time)
	if !ok {
		start = qc.QueryInputTime
	}
	return float64(time.Since(start).Nanoseconds()) / 1e6
}
