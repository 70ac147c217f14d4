// Package slonik is a Postgres client access layer built around composable,
// injection-safe SQL tokens.
//
// # Overview
//
// Queries are never built by string concatenation. Text and values are kept
// apart from the moment a statement is written until the driver sends it:
//
//	q := slonik.SQL("SELECT id, name FROM person WHERE id = ?", 42)
//
// compiles to "SELECT id, name FROM person WHERE id = $1" with the value 42.
// Tokens compose: fragments nest inside fragments, identifiers are quoted,
// lists are joined, and placeholders are numbered contiguously no matter how
// deep the nesting goes.
//
//	where := slonik.SQL("status = ?", "active")
//	q := slonik.SQL("SELECT * FROM ? WHERE ? AND id = ANY(?)",
//		slonik.Identifier("public", "person"),
//		where,
//		slonik.Array([]int{1, 2, 3}, "int4"),
//	)
//
// # Pool
//
// A Pool owns at most MaximumPoolSize sessions. Callers beyond that wait in
// arrival order. Connections that error mid-query, lose their backend, or are
// released while still inside a transaction are destroyed rather than reused.
//
//	pool, err := slonik.CreatePool(ctx, "postgres://localhost/app",
//		slonik.WithMaximumPoolSize(5),
//		slonik.WithLogger(slog.Default()),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.End(ctx)
//
//	name, err := pool.OneFirst(ctx, slonik.SQL("SELECT name FROM person WHERE id = ?", 1))
//
// # Result cardinality
//
// Any, Many, MaybeOne and One (and their First variants) assert how many
// rows a statement returns and fail with NotFoundError or DataIntegrityError
// otherwise.
//
// # Transactions
//
// Transaction runs a handler between START TRANSACTION and COMMIT. A nested
// Transaction call on the handle opens a savepoint. Serialization failures and
// deadlocks (SQLSTATE class 40) re-run the whole handler up to
// TransactionRetryLimit times.
//
//	err = pool.Transaction(ctx, func(ctx context.Context, tx *slonik.TransactionConnection) error {
//		if _, err := tx.Query(ctx, slonik.SQL("UPDATE account SET balance = balance - ? WHERE id = ?", 100, from)); err != nil {
//			return err
//		}
//		_, err := tx.Query(ctx, slonik.SQL("UPDATE account SET balance = balance + ? WHERE id = ?", 100, to))
//		return err
//	})
//
// # Interceptors
//
// Interceptors observe and alter every stage of a statement's life, from
// connection acquisition to the final result. QueryLoggingInterceptor,
// SlowQueryRecorder and QueryCache are built in.
//
// # Configuration
//
// The library supports both programmatic configuration and environment variables.
// Environment variables use the prefix SLONIK_ (e.g., SLONIK_CONNECTION_URI).
//
// For runnable programs, see the examples/ directory in the repository.
package slonik
