package slonik

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestNewPool_Validation(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := NewPool(context.Background(), cfg); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected InvalidInputError without URI or driver, got %v", err)
	}
	cfg.Driver = NewMockDriver()
	cfg.MaximumPoolSize = 0
	if _, err := NewPool(context.Background(), cfg); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected InvalidInputError for pool size 0, got %v", err)
	}
	cfg.MaximumPoolSize = 1
	cfg.QueryRetryLimit = -1
	if _, err := NewPool(context.Background(), cfg); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected InvalidInputError for negative retry limit, got %v", err)
	}
}

func TestCreatePool_AppliesOptions(t *testing.T) {
	drv := NewMockDriver()
	p, err := CreatePool(context.Background(), "postgres://localhost/db",
		WithDriver(drv), WithMaximumPoolSize(3), WithIdleTimeout(DisableTimeout))
	require.NoError(t, err)
	defer p.End(context.Background())

	cfg := p.Config()
	assert.Equal(t, "postgres://localhost/db", cfg.ConnectionURI)
	assert.Equal(t, 3, cfg.MaximumPoolSize)
	assert.Equal(t, DisableTimeout, cfg.IdleTimeout)
	assert.NotEmpty(t, p.ID())
	assert.Equal(t, PoolActive, p.State().State)
}

func TestPool_ReusesIdleConnection(t *testing.T) {
	p, drv := newMockPool(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.Query(ctx, SQL("SELECT ?", i)); err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
	}
	if got := drv.ClientsCreated(); got != 1 {
		t.Fatalf("expected 1 client, got %d", got)
	}
	state := p.State()
	if state.IdleConnections != 1 || state.AcquiredConnections != 0 {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	p, _ := newMockPool(t)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, ConnectionAcquired, conn.State())
	assert.Equal(t, 1, p.State().AcquiredConnections)

	require.NoError(t, p.Release(ctx, conn))
	assert.Equal(t, ConnectionIdle, conn.State())
	assert.Equal(t, 1, p.State().IdleConnections)

	err = p.Release(ctx, conn)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedState))
}

func TestPool_ReleaseForeignConnection(t *testing.T) {
	p1, _ := newMockPool(t)
	p2, _ := newMockPool(t)
	ctx := context.Background()

	conn, err := p1.Acquire(ctx)
	require.NoError(t, err)
	defer p1.Release(ctx, conn)

	err = p2.Release(ctx, conn)
	require.Error(t, err)
	assert.Equal(t, "Connection is not acquired from this pool.", err.Error())
}

func TestPool_Destroy(t *testing.T) {
	p, drv := newMockPool(t)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Destroy(ctx, conn))
	assert.Equal(t, ConnectionDestroyed, conn.State())
	assert.Equal(t, 1, drv.Ends())
	assert.Equal(t, PoolState{State: PoolActive}, p.State())

	// destroying twice is a no-op
	require.NoError(t, p.Destroy(ctx, conn))
	assert.Equal(t, 1, drv.Ends())
}

func TestPool_RespectsMaximumPoolSize(t *testing.T) {
	p, drv := newMockPool(t, WithMaximumPoolSize(2))
	drv.ExpectQuery(`pg_sleep`).WillDelay(30 * time.Millisecond)

	var (
		mu      sync.Mutex
		peak    int
		current int
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 6; i++ {
		g.Go(func() error {
			return p.Connect(ctx, func(ctx context.Context, c *BoundConnection) error {
				mu.Lock()
				current++
				peak = max(peak, current)
				mu.Unlock()
				_, err := c.Query(ctx, Raw("SELECT pg_sleep(0.03)"))
				mu.Lock()
				current--
				mu.Unlock()
				return err
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, peak, 2)
	assert.LessOrEqual(t, drv.ClientsCreated(), 2)
	assert.Equal(t, 0, p.State().WaitingClients)
}

func TestPool_WaitersServedInArrivalOrder(t *testing.T) {
	p, _ := newMockPool(t, WithMaximumPoolSize(1))
	ctx := context.Background()

	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = p.Connect(ctx, func(context.Context, *BoundConnection) error {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	enqueue := func(name string, waiting int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Connect(ctx, func(context.Context, *BoundConnection) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			})
		}()
		require.Eventually(t, func() bool { return p.State().WaitingClients == waiting }, time.Second, time.Millisecond)
	}
	enqueue("first", 1)
	enqueue("second", 2)
	enqueue("third", 3)

	close(hold)
	wg.Wait()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPool_WaiterCancellation(t *testing.T) {
	p, _ := newMockPool(t, WithMaximumPoolSize(1))
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.State().WaitingClients)

	require.NoError(t, p.Release(ctx, conn))
	assert.Equal(t, 1, p.State().IdleConnections)
}

func TestPool_CancelledWaiterReturnsWhileConnectionIsCreated(t *testing.T) {
	p, drv := newMockPool(t, WithMaximumPoolSize(1))
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	drv.SetConnectDelay(300 * time.Millisecond)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(waitCtx)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.State().WaitingClients == 1 }, time.Second, time.Millisecond)

	// frees capacity; the waiter is now served by a slow connect
	require.NoError(t, p.Destroy(ctx, conn))
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(150 * time.Millisecond):
		t.Fatal("Acquire did not return after its context was cancelled")
	}

	// the connection created for the abandoned waiter goes back to the pool
	require.Eventually(t, func() bool {
		s := p.State()
		return s.IdleConnections == 1 && s.AcquiredConnections == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPool_IdleTimeoutDestroysConnection(t *testing.T) {
	p, drv := newMockPool(t, WithIdleTimeout(20*time.Millisecond))

	_, err := p.Query(context.Background(), Raw("SELECT 1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := p.State()
		return s.IdleConnections == 0 && drv.Ends() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_ShortIdleTimeoutUnderReuse(t *testing.T) {
	p, drv := newMockPool(t, WithIdleTimeout(time.Microsecond), WithMaximumPoolSize(2))
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				if _, err := p.Query(gctx, Raw("SELECT 1")); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool {
		return p.State().IdleConnections == 0 && drv.Ends() == drv.Connects()
	}, time.Second, 5*time.Millisecond)
}

func TestPool_IdleTimeoutDisabled(t *testing.T) {
	p, drv := newMockPool(t, WithIdleTimeout(DisableTimeout))

	_, err := p.Query(context.Background(), Raw("SELECT 1"))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, p.State().IdleConnections)
	assert.Equal(t, 0, drv.Ends())
}

func TestPool_ConnectRetriesFailedConnects(t *testing.T) {
	p, drv := newMockPool(t, WithConnectionRetryLimit(3))
	drv.FailConnects(2, nil)

	_, err := p.Query(context.Background(), Raw("SELECT 1"))
	require.NoError(t, err)
	assert.Equal(t, 3, drv.Connects())
}

func TestPool_ConnectGivesUpAfterRetryLimit(t *testing.T) {
	p, drv := newMockPool(t, WithConnectionRetryLimit(1))
	drv.FailConnects(5, errors.New("connection refused"))

	_, err := p.Query(context.Background(), Raw("SELECT 1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Equal(t, "Failed to connect to the database: connection refused", err.Error())
	assert.Equal(t, 2, drv.Connects())

	// the failed slot is freed
	assert.Equal(t, PoolState{State: PoolActive}, p.State())
}

func TestPool_TerminatedConnectionIsDestroyed(t *testing.T) {
	p, drv := newMockPool(t)
	drv.ExpectQuery(`SELECT 1`).WillTerminate().Times(1)

	_, err := p.Query(context.Background(), Raw("SELECT 1"))
	require.Error(t, err)
	var terminated *BackendTerminatedError
	require.True(t, errors.As(err, &terminated))
	assert.Equal(t, "Backend has been terminated.", terminated.Message)
	assert.Equal(t, 1, drv.Ends())
	assert.Equal(t, 0, p.State().IdleConnections)

	_, err = p.Query(context.Background(), Raw("SELECT 1"))
	require.NoError(t, err)
	assert.Equal(t, 2, drv.ClientsCreated())
}

func TestPool_ProtocolFailureDestroysConnection(t *testing.T) {
	p, drv := newMockPool(t)
	drv.ExpectQuery(`SELECT broken`).WillReturnError(errors.New("unexpected message type"))

	_, err := p.Query(context.Background(), Raw("SELECT broken"))
	require.Error(t, err)
	assert.Equal(t, 1, drv.Ends())
}

func TestPool_ServerErrorKeepsConnection(t *testing.T) {
	p, drv := newMockPool(t)
	drv.ExpectQuery(`SELECT broken`).WillReturnError(&DriverError{Code: "42601", Message: "syntax error"})

	_, err := p.Query(context.Background(), Raw("SELECT broken"))
	require.Error(t, err)
	assert.Equal(t, "42601", SQLState(err))
	assert.Equal(t, 0, drv.Ends())
	assert.Equal(t, 1, p.State().IdleConnections)
}

func TestPool_UserErrorKeepsConnection(t *testing.T) {
	p, drv := newMockPool(t)

	_, err := p.One(context.Background(), Raw("SELECT 1 WHERE false"))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, drv.Ends())
	assert.Equal(t, 1, p.State().IdleConnections)
}

func TestPool_EndWaitsForAcquiredConnections(t *testing.T) {
	defer goleak.VerifyNone(t)

	drv := NewMockDriver()
	cfg := DefaultConfig()
	cfg.Driver = drv
	p, err := NewPool(context.Background(), cfg)
	require.NoError(t, err)

	hold := make(chan struct{})
	held := make(chan struct{})
	routineDone := make(chan error, 1)
	go func() {
		routineDone <- p.Connect(context.Background(), func(context.Context, *BoundConnection) error {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held

	ended := make(chan error, 1)
	go func() { ended <- p.End(context.Background()) }()

	require.Eventually(t, func() bool { return p.State().State == PoolEnding }, time.Second, time.Millisecond)
	select {
	case err := <-ended:
		t.Fatalf("End returned before the connection was released: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	_, err = p.Query(context.Background(), Raw("SELECT 1"))
	require.Error(t, err)
	assert.Equal(t, poolShutdownMessage, err.Error())

	close(hold)
	require.NoError(t, <-routineDone)
	require.NoError(t, <-ended)
	assert.Equal(t, PoolEnded, p.State().State)
	assert.Equal(t, 1, drv.Ends())

	// a second End returns immediately
	require.NoError(t, p.End(context.Background()))
}

func TestPool_EndRejectsWaiters(t *testing.T) {
	p, _ := newMockPool(t, WithMaximumPoolSize(1))
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)

	waited := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		waited <- err
	}()
	require.Eventually(t, func() bool { return p.State().WaitingClients == 1 }, time.Second, time.Millisecond)

	ended := make(chan error, 1)
	go func() { ended <- p.End(ctx) }()

	err = <-waited
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedState))

	require.NoError(t, p.Release(ctx, conn))
	require.NoError(t, <-ended)
	assert.Equal(t, ConnectionDestroyed, conn.State())
}

func TestPool_EndDestroysIdleConnections(t *testing.T) {
	p, drv := newMockPool(t, WithMaximumPoolSize(3))
	ctx := context.Background()

	conns := make([]*Connection, 3)
	for i := range conns {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		conns[i] = c
	}
	for _, c := range conns {
		require.NoError(t, p.Release(ctx, c))
	}
	require.Equal(t, 3, p.State().IdleConnections)

	require.NoError(t, p.End(ctx))
	assert.Equal(t, 3, drv.Ends())
	assert.Equal(t, PoolState{State: PoolEnded}, p.State())
}

func TestPool_BeforePoolConnectionRoutesToAnotherPool(t *testing.T) {
	replica, replicaDriver := newMockPool(t)
	replicaDriver.ExpectQuery(`SELECT`).WillReturnRows(NewMockRows("source").AddRow("replica"))

	primary, primaryDriver := newMockPool(t, WithInterceptors(Interceptor{
		Name: "read-replica",
		BeforePoolConnection: func(_ context.Context, cc ConnectionContext) (*Pool, error) {
			if cc.ConnectionType == ImplicitQueryConnection {
				return replica, nil
			}
			return nil, nil
		},
	}))

	v, err := primary.OneFirst(context.Background(), Raw("SELECT 'x' AS source"))
	require.NoError(t, err)
	assert.Equal(t, "replica", v)
	assert.Empty(t, primaryDriver.Statements())
	assert.Len(t, replicaDriver.Statements(), 1)

	err = primary.Connect(context.Background(), func(ctx context.Context, c *BoundConnection) error {
		_, err := c.Query(ctx, Raw("SELECT 1"))
		return err
	})
	require.NoError(t, err)
	assert.Len(t, primaryDriver.Statements(), 1)
}

func TestPool_ConnectionHooks(t *testing.T) {
	var events []string
	p, drv := newMockPool(t, WithInterceptors(Interceptor{
		AfterPoolConnection: func(_ context.Context, cc ConnectionContext, _ *BoundConnection) error {
			events = append(events, "after:"+string(cc.ConnectionType))
			return nil
		},
		BeforePoolConnectionRelease: func(_ context.Context, cc ConnectionContext, _ *BoundConnection) error {
			events = append(events, "release:"+string(cc.ConnectionType))
			return nil
		},
	}))

	_, err := p.Query(context.Background(), Raw("SELECT 1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"after:IMPLICIT_QUERY", "release:IMPLICIT_QUERY"}, events)
	assert.Equal(t, 0, drv.Ends())
}

func TestPool_AfterPoolConnectionErrorDestroysConnection(t *testing.T) {
	boom := errors.New("boom")
	p, drv := newMockPool(t, WithInterceptors(Interceptor{
		AfterPoolConnection: func(context.Context, ConnectionContext, *BoundConnection) error { return boom },
	}))

	err := p.Connect(context.Background(), func(context.Context, *BoundConnection) error {
		t.Fatal("routine must not run")
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, drv.Ends())
}

func TestPool_ResetConnection(t *testing.T) {
	var resets int
	p, drv := newMockPool(t, WithResetConnection(func(ctx context.Context, c *BoundConnection) error {
		resets++
		_, err := c.Query(ctx, Raw("DISCARD ALL"))
		return err
	}))

	_, err := p.Query(context.Background(), Raw("SELECT 1"))
	require.NoError(t, err)
	assert.Equal(t, 1, resets)
	assert.Equal(t, []string{"SELECT 1", "DISCARD ALL"}, drv.StatementSQL())
	assert.Equal(t, 1, p.State().IdleConnections)
}
