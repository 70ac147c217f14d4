package slonik

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// PoolStateName is the lifecycle state of a Pool.
type PoolStateName string

const (
	PoolActive PoolStateName = "ACTIVE"
	PoolEnding PoolStateName = "ENDING"
	PoolEnded  PoolStateName = "ENDED"
)

// PoolState is a point-in-time snapshot of a pool.
type PoolState struct {
	AcquiredConnections       int
	IdleConnections           int
	PendingDestroyConnections int
	PendingReleaseConnections int
	WaitingClients            int
	State                     PoolStateName
}

const poolShutdownMessage = "Connection pool shutdown in progress. Cannot acquire a new connection."

// Pool owns a bounded set of connections and lends them out one caller at a time.
type Pool struct {
	id     string
	config Config
	driver Driver

	mu            sync.Mutex
	conns         map[*Connection]struct{}
	idle          []*Connection
	waiters       *list.List // of *waiter, oldest first
	creating      int
	state         PoolStateName
	drained       chan struct{}
	drainedClosed bool

	loggingEnabled     atomic.Bool
	logger             atomic.Pointer[slog.Logger]
	slowQueryThreshold atomic.Int64
	telemetryEnabled   atomic.Bool

	metricsMu     sync.Mutex
	meterProvider metric.MeterProvider
	metrics       atomic.Pointer[Metrics]
}

type waiter struct {
	ch     chan acquireResult
	elem   *list.Element
	served bool
}

type acquireResult struct {
	conn *Connection
	err  error
}

// ConnectionRoutine receives a connection reserved for the caller until it returns.
type ConnectionRoutine func(ctx context.Context, conn *BoundConnection) error

// CreatePool builds a pool for connectionURI with DefaultConfig plus opts.
func CreatePool(ctx context.Context, connectionURI string, opts ...Option) (*Pool, error) {
	cfg := DefaultConfig()
	cfg.ConnectionURI = connectionURI
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewPool(ctx, cfg)
}

// NewPool builds a pool from cfg. No connection is opened until first use.
func NewPool(ctx context.Context, cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Interceptors = append([]Interceptor(nil), cfg.Interceptors...)
	drv := cfg.Driver
	if drv == nil {
		drv = NewPgxDriver(DriverConfig{
			ConnectionURI:                   cfg.ConnectionURI,
			ConnectionTimeout:               cfg.ConnectionTimeout,
			StatementTimeout:                cfg.StatementTimeout,
			IdleInTransactionSessionTimeout: cfg.IdleInTransactionSessionTimeout,
			TypeParsers:                     cfg.TypeParsers,
		})
	}
	p := &Pool{
		id:      uuid.NewString(),
		config:  cfg,
		driver:  drv,
		conns:   make(map[*Connection]struct{}),
		waiters: list.New(),
		state:   PoolActive,
		drained: make(chan struct{}),
	}
	if cfg.Logger != nil {
		p.SetLogger(cfg.Logger)
		p.EnableLogging(true)
	}
	p.SetSlowQueryThreshold(cfg.SlowQueryThreshold)
	p.EnableTelemetry(cfg.Telemetry.Enabled)
	if cfg.Metrics.Enabled {
		if cfg.Metrics.MeterProvider != nil {
			p.SetMeterProvider(cfg.Metrics.MeterProvider)
		}
		p.EnableMetrics(true)
	}
	p.logConnectionPool(ctx, "created", p.State())
	return p, nil
}

// ID returns the pool identifier reported to interceptors.
func (p *Pool) ID() string { return p.id }

// Config returns a copy of the pool configuration.
func (p *Pool) Config() Config { return p.config }

// State returns a snapshot of connection counts by state.
func (p *Pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolState{WaitingClients: p.waiters.Len(), State: p.state}
	for c := range p.conns {
		switch c.state {
		case ConnectionAcquired:
			s.AcquiredConnections++
		case ConnectionIdle:
			s.IdleConnections++
		case ConnectionPendingDestroy:
			s.PendingDestroyConnections++
		case ConnectionPendingRelease:
			s.PendingReleaseConnections++
		}
	}
	return s
}

// Acquire reserves a connection: an idle one if any, a new one while under
// capacity, otherwise the caller queues behind earlier waiters.
func (p *Pool) Acquire(ctx context.Context) (*Connection, error) {
	p.mu.Lock()
	if p.state != PoolActive {
		p.mu.Unlock()
		return nil, &UnexpectedStateError{Message: poolShutdownMessage}
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.markAcquiredLocked(conn)
		p.mu.Unlock()
		p.recordConnectionAcquired(ctx)
		return conn, nil
	}
	if len(p.conns)+p.creating < p.config.MaximumPoolSize {
		p.creating++
		p.mu.Unlock()
		return p.createAcquired(ctx)
	}
	w := &waiter{ch: make(chan acquireResult, 1)}
	w.elem = p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case r := <-w.ch:
		return r.conn, r.err
	case <-ctx.Done():
		p.mu.Lock()
		if !w.served {
			p.waiters.Remove(w.elem)
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Unlock()
		go p.releaseLateDelivery(context.WithoutCancel(ctx), w)
		return nil, ctx.Err()
	}
}

// releaseLateDelivery hands back whatever reaches a waiter whose caller has
// already given up.
func (p *Pool) releaseLateDelivery(ctx context.Context, w *waiter) {
	if r := <-w.ch; r.conn != nil {
		_ = p.Release(ctx, r.conn)
	}
}

// createAcquired opens a connection for a caller that already holds a
// creation slot.
func (p *Pool) createAcquired(ctx context.Context) (*Connection, error) {
	conn, err := p.createConnection(ctx)
	p.mu.Lock()
	p.creating--
	if err != nil {
		p.serveWaitersLocked()
		p.checkDrainedLocked()
		p.mu.Unlock()
		return nil, err
	}
	p.conns[conn] = struct{}{}
	if p.state != PoolActive {
		conn.state = ConnectionPendingDestroy
		p.mu.Unlock()
		_ = p.destroyConnection(context.WithoutCancel(ctx), conn)
		return nil, &UnexpectedStateError{Message: poolShutdownMessage}
	}
	p.markAcquiredLocked(conn)
	p.mu.Unlock()
	p.recordConnectionAcquired(ctx)
	return conn, nil
}

func (p *Pool) createConnection(ctx context.Context) (*Connection, error) {
	conn := &Connection{id: uuid.NewString(), pool: p}
	events := ClientEvents{OnNotice: conn.appendNotice, OnError: conn.handleClientError}
	start := time.Now()
	err := retryWithLimit(ctx, p.config.ConnectionRetryLimit, func(attempt int) error {
		client := p.driver.CreateClient(events)
		connectCtx, cancel := contextWithTimeout(ctx, p.config.ConnectionTimeout)
		defer cancel()
		if err := client.Connect(connectCtx); err != nil {
			p.logConnection(ctx, "connect_attempt", conn.id, time.Since(start), err)
			return err
		}
		conn.client = client
		return nil
	}, func(error) bool { return ctx.Err() == nil })
	p.logConnection(ctx, "connect", conn.id, time.Since(start), err)
	if err != nil {
		return nil, &ConnectionError{Message: "Failed to connect to the database: " + err.Error(), Cause: err}
	}
	conn.createdAt = time.Now()
	p.recordConnectionCreated(ctx)
	return conn, nil
}

func (p *Pool) markAcquiredLocked(conn *Connection) {
	if conn.idleTimer != nil {
		conn.idleTimer.Stop()
		conn.idleTimer = nil
	}
	conn.state = ConnectionAcquired
	conn.acquiredAt = time.Now()
}

// serveWaitersLocked opens a connection for the oldest waiter when capacity
// has been freed.
func (p *Pool) serveWaitersLocked() {
	if p.state != PoolActive || p.waiters.Len() == 0 {
		return
	}
	if len(p.conns)+p.creating >= p.config.MaximumPoolSize {
		return
	}
	w := p.popWaiterLocked()
	p.creating++
	go func() {
		conn, err := p.createAcquired(context.Background())
		w.ch <- acquireResult{conn: conn, err: err}
	}()
}

func (p *Pool) popWaiterLocked() *waiter {
	front := p.waiters.Front()
	if front == nil {
		return nil
	}
	w := p.waiters.Remove(front).(*waiter)
	w.served = true
	return w
}

// Release returns conn to the pool. Connections that are terminated, failed
// mid-query, still inside a transaction, or rejected by a release hook are
// destroyed instead.
func (p *Pool) Release(ctx context.Context, conn *Connection) error {
	p.mu.Lock()
	if conn.pool != p || conn.state != ConnectionAcquired {
		p.mu.Unlock()
		return &UnexpectedStateError{Message: "Connection is not acquired from this pool."}
	}
	conn.state = ConnectionPendingRelease
	heldFor := time.Since(conn.acquiredAt)
	p.mu.Unlock()
	p.recordConnectionReleased(ctx, heldFor)

	if err := p.beforeRelease(ctx, conn); err != nil {
		return multierror.Append(err, p.Destroy(ctx, conn)).ErrorOrNil()
	}
	if !conn.reusable() {
		return p.Destroy(ctx, conn)
	}
	conn.resetNotices()

	p.mu.Lock()
	if p.state != PoolActive {
		p.mu.Unlock()
		return p.Destroy(ctx, conn)
	}
	if w := p.popWaiterLocked(); w != nil {
		p.markAcquiredLocked(conn)
		w.ch <- acquireResult{conn: conn}
		p.mu.Unlock()
		p.recordConnectionAcquired(ctx)
		return nil
	}
	conn.state = ConnectionIdle
	p.idle = append(p.idle, conn)
	p.armIdleTimerLocked(conn)
	p.mu.Unlock()
	return nil
}

func (p *Pool) beforeRelease(ctx context.Context, conn *Connection) error {
	if conn.terminatedError() != nil {
		return nil
	}
	cc := ConnectionContext{ConnectionID: conn.id, ConnectionType: conn.connectionType, PoolID: p.id}
	bound := newBoundConnection(conn)
	for _, ic := range p.config.Interceptors {
		if ic.BeforePoolConnectionRelease == nil {
			continue
		}
		if err := ic.BeforePoolConnectionRelease(ctx, cc, bound); err != nil {
			return err
		}
	}
	if p.config.ResetConnection != nil && conn.reusable() {
		return p.config.ResetConnection(ctx, bound)
	}
	return nil
}

// Destroy ends conn's session and removes it from the pool. An in-flight
// statement gets up to GracefulTerminationTimeout to settle first.
func (p *Pool) Destroy(ctx context.Context, conn *Connection) error {
	p.mu.Lock()
	if conn.pool != p {
		p.mu.Unlock()
		return &UnexpectedStateError{Message: "Connection does not belong to this pool."}
	}
	var heldFor time.Duration
	switch conn.state {
	case ConnectionPendingDestroy, ConnectionDestroyed:
		p.mu.Unlock()
		return nil
	case ConnectionIdle:
		p.removeIdleLocked(conn)
	case ConnectionAcquired:
		heldFor = time.Since(conn.acquiredAt)
	}
	if conn.idleTimer != nil {
		conn.idleTimer.Stop()
		conn.idleTimer = nil
	}
	wasAcquired := conn.state == ConnectionAcquired
	conn.state = ConnectionPendingDestroy
	p.mu.Unlock()
	if wasAcquired {
		p.recordConnectionReleased(ctx, heldFor)
	}
	return p.destroyConnection(ctx, conn)
}

func (p *Pool) destroyConnection(ctx context.Context, conn *Connection) error {
	start := time.Now()
	conn.waitForActiveQuery(p.config.GracefulTerminationTimeout)
	err := conn.client.End(context.WithoutCancel(ctx))
	p.logConnection(ctx, "destroy", conn.id, time.Since(start), err)

	p.mu.Lock()
	delete(p.conns, conn)
	conn.state = ConnectionDestroyed
	p.serveWaitersLocked()
	p.checkDrainedLocked()
	p.mu.Unlock()
	return err
}

func (p *Pool) removeIdleLocked(conn *Connection) {
	for i, c := range p.idle {
		if c == conn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *Pool) armIdleTimerLocked(conn *Connection) {
	if !timeoutEnabled(p.config.IdleTimeout) {
		return
	}
	conn.idleGeneration++
	generation := conn.idleGeneration
	conn.idleTimer = time.AfterFunc(p.config.IdleTimeout, func() { p.evictIdle(conn, generation) })
}

// evictIdle destroys conn unless it has been acquired or re-armed since the
// timer for generation was started.
func (p *Pool) evictIdle(conn *Connection, generation uint64) {
	p.mu.Lock()
	if conn.state != ConnectionIdle || conn.idleGeneration != generation {
		p.mu.Unlock()
		return
	}
	p.removeIdleLocked(conn)
	conn.idleTimer = nil
	conn.state = ConnectionPendingDestroy
	p.mu.Unlock()
	_ = p.destroyConnection(context.Background(), conn)
}

func (p *Pool) checkDrainedLocked() {
	if p.state == PoolActive || p.drainedClosed {
		return
	}
	if len(p.conns) == 0 && p.creating == 0 {
		close(p.drained)
		p.drainedClosed = true
	}
}

// End stops the pool: waiters are rejected, idle connections are destroyed,
// and End returns once every acquired connection has been released or
// destroyed. Calling End again waits for the same drain.
func (p *Pool) End(ctx context.Context) error {
	p.mu.Lock()
	var idle []*Connection
	if p.state == PoolActive {
		p.state = PoolEnding
		for p.waiters.Len() > 0 {
			w := p.popWaiterLocked()
			w.ch <- acquireResult{err: &UnexpectedStateError{Message: poolShutdownMessage}}
		}
		idle = p.idle
		p.idle = nil
		for _, c := range idle {
			if c.idleTimer != nil {
				c.idleTimer.Stop()
				c.idleTimer = nil
			}
			c.state = ConnectionPendingDestroy
		}
		p.checkDrainedLocked()
	}
	drained := p.drained
	p.mu.Unlock()

	var (
		g      errgroup.Group
		errMu  sync.Mutex
		result *multierror.Error
	)
	for _, c := range idle {
		c := c
		g.Go(func() error {
			if err := p.destroyConnection(ctx, c); err != nil {
				errMu.Lock()
				result = multierror.Append(result, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	p.state = PoolEnded
	p.mu.Unlock()
	p.logConnectionPool(ctx, "ended", p.State())
	return result.ErrorOrNil()
}

// Connect acquires a connection, runs routine with it, and releases it.
func (p *Pool) Connect(ctx context.Context, routine ConnectionRoutine) error {
	return p.connect(ctx, ExplicitConnection, routine)
}

func (p *Pool) connect(ctx context.Context, ct ConnectionType, routine ConnectionRoutine) error {
	cc := ConnectionContext{ConnectionType: ct, PoolID: p.id}
	for _, ic := range p.config.Interceptors {
		if ic.BeforePoolConnection == nil {
			continue
		}
		routed, err := ic.BeforePoolConnection(ctx, cc)
		if err != nil {
			return err
		}
		if routed != nil && routed != p {
			return routed.connect(ctx, ct, routine)
		}
	}

	spanCtx, span := p.startSpan(ctx, "connect", "")
	conn, err := p.Acquire(spanCtx)
	if err != nil {
		p.finishSpan(span, err)
		return err
	}
	p.mu.Lock()
	conn.connectionType = ct
	p.mu.Unlock()
	cc.ConnectionID = conn.id
	bound := newBoundConnection(conn)

	for _, ic := range p.config.Interceptors {
		if ic.AfterPoolConnection == nil {
			continue
		}
		if err := ic.AfterPoolConnection(spanCtx, cc, bound); err != nil {
			_ = p.Destroy(context.WithoutCancel(ctx), conn)
			p.finishSpan(span, err)
			return err
		}
	}

	err = routine(spanCtx, bound)
	if rerr := p.Release(context.WithoutCancel(ctx), conn); rerr != nil {
		if err == nil {
			err = rerr
		} else {
			p.logConnection(ctx, "release", conn.id, 0, rerr)
		}
	}
	p.finishSpan(span, err)
	return err
}

func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if timeoutEnabled(d) {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
