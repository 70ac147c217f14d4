package slonik

import (
	"context"
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of a pooled connection.
type ConnectionState string

const (
	ConnectionIdle           ConnectionState = "IDLE"
	ConnectionAcquired       ConnectionState = "ACQUIRED"
	ConnectionPendingRelease ConnectionState = "PENDING_RELEASE"
	ConnectionPendingDestroy ConnectionState = "PENDING_DESTROY"
	ConnectionDestroyed      ConnectionState = "DESTROYED"
)

// Connection is one session owned by a Pool.
type Connection struct {
	id        string
	pool      *Pool
	client    PoolClient
	createdAt time.Time

	// guarded by pool.mu
	state          ConnectionState
	idleTimer      *time.Timer
	idleGeneration uint64
	acquiredAt     time.Time
	connectionType ConnectionType

	mu               sync.Mutex
	terminated       error
	failed           error
	notices          []Notice
	inTransaction    bool
	transactionDepth int
	transactionID    string
	active           *pendingQuery
	queue            []*pendingQuery
}

// pendingQuery is a slot in the connection's statement queue.
type pendingQuery struct {
	ready   chan struct{}
	settled chan struct{}
}

// ID returns the connection's pool-assigned identifier.
func (c *Connection) ID() string { return c.id }

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.state
}

// beginQuery waits until every statement submitted earlier on this
// connection has settled. The returned func must be called once the
// statement settles.
func (c *Connection) beginQuery(ctx context.Context) (func(), error) {
	q := &pendingQuery{ready: make(chan struct{}), settled: make(chan struct{})}
	c.mu.Lock()
	if c.active == nil {
		c.active = q
		close(q.ready)
	} else {
		c.queue = append(c.queue, q)
	}
	c.mu.Unlock()

	select {
	case <-q.ready:
		return func() { c.endQuery(q) }, nil
	case <-ctx.Done():
		c.mu.Lock()
		if c.active == q {
			c.mu.Unlock()
			c.endQuery(q)
			return nil, ctx.Err()
		}
		for i, waiting := range c.queue {
			if waiting == q {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Connection) endQuery(q *pendingQuery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(q.settled)
	if c.active != q {
		return
	}
	if len(c.queue) == 0 {
		c.active = nil
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.active = next
	close(next.ready)
}

func (c *Connection) hasActiveQuery() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// waitForActiveQuery blocks until the in-flight statement settles or timeout
// passes. A non-positive timeout does not wait.
func (c *Connection) waitForActiveQuery(timeout time.Duration) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil || !timeoutEnabled(timeout) {
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-active.settled:
	case <-t.C:
	}
}

func (c *Connection) markTerminated(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated == nil {
		c.terminated = err
	}
}

func (c *Connection) terminatedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated == nil {
		return nil
	}
	return &BackendTerminatedError{QueryError{Message: "Backend has been terminated.", Cause: c.terminated}}
}

func (c *Connection) markFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed == nil {
		c.failed = err
	}
}

// reusable reports whether the connection may go back to the idle set.
func (c *Connection) reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated == nil && c.failed == nil && !c.inTransaction && c.active == nil
}

func (c *Connection) handleClientError(err error) {
	if isConnectionTerminated(err) {
		c.markTerminated(err)
	}
	c.pool.logConnection(context.Background(), "client_error", c.id, 0, err)
}

func (c *Connection) appendNotice(n Notice) {
	c.mu.Lock()
	c.notices = append(c.notices, n)
	c.mu.Unlock()
}

func (c *Connection) resetNotices() {
	c.mu.Lock()
	c.notices = nil
	c.mu.Unlock()
}

func (c *Connection) takeNotices() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.notices
	c.notices = nil
	return n
}

// transactionState returns the current savepoint depth and transaction id.
// ok is false outside a transaction.
func (c *Connection) transactionState() (depth int, id string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transactionDepth, c.transactionID, c.inTransaction
}

func (c *Connection) beginTransactionState(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTransaction {
		return false
	}
	c.inTransaction = true
	c.transactionDepth = 0
	c.transactionID = id
	return true
}

func (c *Connection) setTransactionDepth(depth int) {
	c.mu.Lock()
	c.transactionDepth = depth
	c.mu.Unlock()
}

func (c *Connection) clearTransactionState() {
	c.mu.Lock()
	c.inTransaction = false
	c.transactionDepth = 0
	c.transactionID = ""
	c.mu.Unlock()
}

// BoundConnection is a connection lent to a Connect routine. It must not be
// used after the routine returns.
type BoundConnection struct {
	*connectionQueries
}

func newBoundConnection(c *Connection) *BoundConnection {
	return &BoundConnection{&connectionQueries{conn: c}}
}

// ID returns the underlying connection's identifier.
func (b *BoundConnection) ID() string { return b.conn.id }

// Transaction runs handler inside START TRANSACTION / COMMIT on this connection.
func (b *BoundConnection) Transaction(ctx context.Context, handler TransactionHandler, retryLimit ...int) error {
	return transaction(ctx, b.conn, handler, transactionRetryLimit(b.conn.pool, retryLimit))
}
