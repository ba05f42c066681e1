package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/mysqlcore/internal/config"
	"github.com/dbbouncer/mysqlcore/internal/metrics"
	"github.com/dbbouncer/mysqlcore/internal/pool"
)

// Status represents the health status of an endpoint.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// EndpointHealth holds health information for an endpoint.
type EndpointHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks on upstream endpoints.
type Checker struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointHealth
	registry  *config.Registry
	metrics   *metrics.Collector
	poolMgr   *pool.Manager

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a new health checker with configurable parameters.
func NewChecker(r *config.Registry, m *metrics.Collector, hcCfg config.HealthCheckConfig) *Checker {
	return &Checker{
		endpoints:         make(map[string]*EndpointHealth),
		registry:          r,
		metrics:           m,
		interval:          hcCfg.Interval,
		failureThreshold:  hcCfg.FailureThreshold,
		connectionTimeout: hcCfg.ConnectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// SetPoolManager wires a pool.Manager into the checker so endpoints with a
// live pool are health-checked over a real COM_PING through an authenticated
// connection instead of a raw TCP probe.
func (c *Checker) SetPoolManager(pm *pool.Manager) {
	c.poolMgr = pm
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll() // run immediately on start

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	endpoints := c.registry.ListEndpoints()

	// Run health checks in parallel with a bounded worker pool.
	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for name, ec := range endpoints {
		name, ec := name, ec // capture loop vars
		wg.Add(1)
		sem <- struct{}{} // acquire semaphore slot
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			start := time.Now()
			healthy := c.pingEndpoint(name, ec)
			elapsed := time.Since(start)
			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(name, elapsed, healthy)
			}
			c.updateStatus(name, healthy)
		}()
	}
	wg.Wait()
}

func (c *Checker) pingEndpoint(name string, ec config.EndpointConfig) bool {
	// With a live pool, validate the full authenticated path via a real
	// COM_PING instead of a raw TCP probe.
	if c.poolMgr != nil {
		if p, ok := c.poolMgr.Get(name); ok {
			return c.pingViaPool(name, p)
		}
	}

	addr := net.JoinHostPort(ec.Host, fmt.Sprintf("%d", ec.Port))
	conn, err := net.DialTimeout("tcp", addr, c.connectionTimeout)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(name, "connection_refused")
		}
		c.setLastError(name, err.Error())
		return false
	}
	defer conn.Close()

	return c.pingMySQL(name, conn)
}

// pingViaPool acquires a pooled connection and issues COM_PING over it,
// giving a full end-to-end health signal. Falls back to reporting
// unhealthy if the pool is exhausted or the acquire times out.
func (c *Checker) pingViaPool(name string, p *pool.Pool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectionTimeout)
	defer cancel()

	pc, err := p.Acquire(ctx)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(name, "pool_exhausted")
		}
		c.setLastError(name, "pool exhausted for health check: "+err.Error())
		return false
	}
	defer pc.Return()

	if err := pc.Ping(ctx); err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(name, "ping_error")
		}
		c.setLastError(name, "health check ping: "+err.Error())
		return false
	}

	c.setLastError(name, "")
	return true
}

func (c *Checker) setLastError(name, errMsg string) {
	c.mu.Lock()
	eh := c.getOrCreate(name)
	if errMsg != "" {
		eh.LastError = errMsg
	}
	c.mu.Unlock()
}

// pingMySQL reads the initial handshake packet that a MySQL server sends
// immediately on connect — a lightweight liveness probe that doesn't
// require completing the full handshake/auth exchange.
func (c *Checker) pingMySQL(name string, conn net.Conn) bool {
	conn.SetDeadline(time.Now().Add(c.connectionTimeout))

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		c.setLastError(name, fmt.Sprintf("mysql read handshake header: %s", err))
		return false
	}

	payloadLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if payloadLen <= 0 || payloadLen > 65535 {
		c.setLastError(name, fmt.Sprintf("mysql invalid handshake length: %d", payloadLen))
		return false
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		c.setLastError(name, fmt.Sprintf("mysql read handshake payload: %s", err))
		return false
	}

	if len(payload) > 0 && payload[0] == 0xff {
		c.setLastError(name, "mysql server returned error on connect")
		return false
	}
	return true
}

func (c *Checker) updateStatus(name string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	eh := c.getOrCreate(name)
	eh.LastCheck = time.Now()

	if healthy {
		if eh.ConsecutiveFailures > 0 {
			slog.Info("endpoint recovered", "endpoint", name, "failures", eh.ConsecutiveFailures)
		}
		eh.Status = StatusHealthy
		eh.ConsecutiveFailures = 0
		eh.LastError = ""
	} else {
		eh.ConsecutiveFailures++
		if eh.ConsecutiveFailures >= c.failureThreshold {
			if eh.Status != StatusUnhealthy {
				slog.Warn("endpoint marked unhealthy", "endpoint", name, "failures", eh.ConsecutiveFailures, "error", eh.LastError)
			}
			eh.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetEndpointHealth(name, eh.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(name string) *EndpointHealth {
	eh, ok := c.endpoints[name]
	if !ok {
		eh = &EndpointHealth{Status: StatusUnknown}
		c.endpoints[name] = eh
	}
	return eh
}

// IsHealthy returns whether an endpoint is healthy (unknown counts as healthy).
func (c *Checker) IsHealthy(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eh, ok := c.endpoints[name]
	if !ok {
		return true
	}
	return eh.Status != StatusUnhealthy
}

// GetStatus returns the health status for an endpoint.
func (c *Checker) GetStatus(name string) EndpointHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eh, ok := c.endpoints[name]
	if !ok {
		return EndpointHealth{Status: StatusUnknown}
	}
	return *eh
}

// GetAllStatuses returns health statuses for all known endpoints.
func (c *Checker) GetAllStatuses() map[string]EndpointHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]EndpointHealth, len(c.endpoints))
	for name, eh := range c.endpoints {
		result[name] = *eh
	}
	return result
}

// OverallHealthy returns true if all known endpoints are healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, eh := range c.endpoints {
		if eh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemoveEndpoint removes health state for an endpoint that was deleted.
func (c *Checker) RemoveEndpoint(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.endpoints, name)
	if c.metrics != nil {
		c.metrics.RemoveEndpoint(name)
	}
	slog.Info("removed health state", "endpoint", name)
}
