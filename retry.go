package slonik

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// retryWithLimit runs op once and then up to retryLimit more times while
// retryable reports the failure as transient. Retries are immediate. When ctx
// ends between attempts the last failure is joined with the context error so
// the server's classification survives.
func retryWithLimit(ctx context.Context, retryLimit int, op func(attempt int) error, retryable func(error) bool) error {
	if retryLimit < 0 {
		retryLimit = 0
	}
	attempt := 0
	var last error
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(retryLimit)), ctx)
	err := backoff.Retry(func() error {
		attempt++
		last = op(attempt)
		if last == nil {
			return nil
		}
		if !retryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}, policy)
	if cerr := ctx.Err(); err != nil && cerr != nil && last != nil && errors.Is(err, cerr) && !errors.Is(last, cerr) {
		return errors.Join(last, err)
	}
	return err
}
