package slonik

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HealthStatus represents the overall health of a pool
type HealthStatus struct {
	Healthy             bool           `json:"healthy"`
	LastChecked         time.Time      `json:"last_checked"`
	ResponseTime        time.Duration  `json:"response_time"`
	PoolState           PoolStateName  `json:"pool_state"`
	AcquiredConnections int            `json:"acquired_connections"`
	IdleConnections     int            `json:"idle_connections"`
	WaitingClients      int            `json:"waiting_clients"`
	MaximumPoolSize     int            `json:"maximum_pool_size"`
	Errors              []HealthError  `json:"errors,omitempty"`
	Details             map[string]any `json:"details,omitempty"`
}

// HealthError represents a health check error
type HealthError struct {
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// HealthCheckConfig configures health check behavior
type HealthCheckConfig struct {
	Timeout            time.Duration
	RetryAttempts      int
	RetryBackoff       time.Duration
	TestQuery          FragmentToken
	MonitoringInterval time.Duration
}

// DefaultHealthCheckConfig returns default health check configuration
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Timeout:            5 * time.Second,
		RetryAttempts:      3,
		RetryBackoff:       time.Second,
		TestQuery:          Raw("SELECT 1"),
		MonitoringInterval: 30 * time.Second,
	}
}

// HealthCheck runs the default probe through the pool.
func (p *Pool) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return p.HealthCheckWithConfig(ctx, DefaultHealthCheckConfig())
}

// HealthCheckWithConfig runs config.TestQuery through the normal query
// pipeline and reports the outcome together with the pool state. The
// returned error is reserved for misuse; probe failures land in Errors.
func (p *Pool) HealthCheckWithConfig(ctx context.Context, config HealthCheckConfig) (*HealthStatus, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	start := time.Now()
	status := &HealthStatus{
		LastChecked:     start,
		MaximumPoolSize: p.config.MaximumPoolSize,
		Details:         make(map[string]any),
	}

	checkCtx, cancel := contextWithTimeout(ctx, config.Timeout)
	defer cancel()

	probe := config.TestQuery
	if len(probe.Parts) == 0 {
		probe = Raw("SELECT 1")
	}
	if _, err := p.Query(checkCtx, probe); err != nil {
		status.Errors = append(status.Errors, HealthError{
			Type:        "query_execution",
			Message:     fmt.Sprintf("Query execution failed: %v", err),
			Timestamp:   time.Now(),
			Recoverable: Classify(err) != ErrClassInvalidInput,
		})
	}

	state := p.State()
	status.PoolState = state.State
	status.AcquiredConnections = state.AcquiredConnections
	status.IdleConnections = state.IdleConnections
	status.WaitingClients = state.WaitingClients
	status.Details["pending_destroy_connections"] = state.PendingDestroyConnections
	status.Details["pending_release_connections"] = state.PendingReleaseConnections
	if state.State != PoolActive {
		status.Errors = append(status.Errors, HealthError{
			Type:      "pool_state",
			Message:   fmt.Sprintf("Pool is %s", state.State),
			Timestamp: time.Now(),
		})
	}

	status.ResponseTime = time.Since(start)
	status.Healthy = len(status.Errors) == 0
	return status, nil
}

// HealthCheckWithRetry repeats the check with a constant back-off until it is
// healthy or config.RetryAttempts retries have been spent.
func (p *Pool) HealthCheckWithRetry(ctx context.Context, config HealthCheckConfig) (*HealthStatus, error) {
	var last *HealthStatus
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(config.RetryBackoff), uint64(max(config.RetryAttempts, 0))),
		ctx,
	)
	err := backoff.Retry(func() error {
		status, err := p.HealthCheckWithConfig(ctx, config)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = status
		if !status.Healthy {
			return fmt.Errorf("pool unhealthy")
		}
		return nil
	}, b)
	if last != nil {
		return last, nil
	}
	return nil, err
}

// HealthMonitor runs HealthCheckWithConfig on an interval and keeps the latest status.
type HealthMonitor struct {
	pool   *Pool
	config HealthCheckConfig

	statusMu sync.RWMutex
	status   *HealthStatus

	runMu   sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func NewHealthMonitor(pool *Pool, config HealthCheckConfig) *HealthMonitor {
	return &HealthMonitor{pool: pool, config: config}
}

// Start begins continuous health monitoring
func (hm *HealthMonitor) Start() error {
	hm.runMu.Lock()
	defer hm.runMu.Unlock()
	if hm.running {
		return fmt.Errorf("health monitoring is already running")
	}
	if hm.config.MonitoringInterval <= 0 {
		return &InvalidInputError{Message: "Monitoring interval must be positive."}
	}
	hm.stop = make(chan struct{})
	hm.done = make(chan struct{})
	hm.running = true
	go hm.loop(hm.stop, hm.done)
	return nil
}

// Stop ends monitoring and waits for the loop to exit.
func (hm *HealthMonitor) Stop() error {
	hm.runMu.Lock()
	if !hm.running {
		hm.runMu.Unlock()
		return fmt.Errorf("health monitoring is not running")
	}
	close(hm.stop)
	done := hm.done
	hm.running = false
	hm.runMu.Unlock()
	<-done
	return nil
}

func (hm *HealthMonitor) IsRunning() bool {
	hm.runMu.Lock()
	defer hm.runMu.Unlock()
	return hm.running
}

// Status returns a copy of the latest status, or nil before the first check.
func (hm *HealthMonitor) Status() *HealthStatus {
	hm.statusMu.RLock()
	defer hm.statusMu.RUnlock()
	if hm.status == nil {
		return nil
	}
	cp := *hm.status
	cp.Errors = append([]HealthError(nil), hm.status.Errors...)
	cp.Details = make(map[string]any, len(hm.status.Details))
	for k, v := range hm.status.Details {
		cp.Details[k] = v
	}
	return &cp
}

func (hm *HealthMonitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(hm.config.MonitoringInterval)
	defer ticker.Stop()

	hm.check(stop)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hm.check(stop)
		}
	}
}

func (hm *HealthMonitor) check(stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	status, err := hm.pool.HealthCheckWithConfig(ctx, hm.config)
	if err != nil {
		status = &HealthStatus{
			LastChecked: time.Now(),
			Errors: []HealthError{{
				Type:        "health_check_failure",
				Message:     fmt.Sprintf("Health check failed: %v", err),
				Timestamp:   time.Now(),
				Recoverable: true,
			}},
		}
	}
	hm.statusMu.Lock()
	hm.status = status
	hm.statusMu.Unlock()
}
