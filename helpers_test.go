package slonik

import (
	"context"
	"testing"
	"time"
)

// newMockPool returns a pool backed by a fresh MockDriver. The pool is ended
// when the test finishes.
func newMockPool(t *testing.T, opts ...Option) (*Pool, *MockDriver) {
	t.Helper()
	drv := NewMockDriver()
	cfg := DefaultConfig()
	cfg.Driver = drv
	for _, opt := range opts {
		opt(&cfg)
	}
	p, err := NewPool(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.End(ctx)
	})
	return p, drv
}

// withoutControl drops transaction control statements from a statement log.
func withoutControl(statements []string) []string {
	out := make([]string, 0, len(statements))
	for _, s := range statements {
		switch s {
		case "START TRANSACTION", "COMMIT", "ROLLBACK":
			continue
		}
		out = append(out, s)
	}
	return out
}
