package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbbouncer/mysqlcore"
	"github.com/dbbouncer/mysqlcore/internal/config"
)

// Stats holds connection pool statistics for a single endpoint.
type Stats struct {
	Endpoint  string `json:"endpoint"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxConns  int    `json:"max_connections"`
	MinConns  int    `json:"min_connections"`
	Exhausted int64  `json:"pool_exhausted_total"`
}

// OnPoolExhausted is called when a pool reaches max connections and a goroutine must wait.
type OnPoolExhausted func(endpoint string)

// OnHandshake is called after every dial attempt, successful or not, with
// how long the connect-plus-handshake took.
type OnHandshake func(endpoint string, d time.Duration, err error)

// OnCleanupRollback is called whenever Return finds an open transaction and
// has to roll it back before the connection can go idle again.
type OnCleanupRollback func(endpoint string)

// OnReset is called whenever Return resets a connection's server-side
// session state after rolling back a dirty transaction, with the method
// mysqlcore.Conn.Reset actually used.
type OnReset func(endpoint, method string)

// OnStmtEviction is called whenever a connection's statement cache evicts
// an entry.
type OnStmtEviction func(endpoint string)

// Pool manages mysqlcore connections for a single configured endpoint.
type Pool struct {
	mu             sync.Mutex
	cond           *sync.Cond // broadcast when a connection is returned
	endpoint       string
	connCfg        *mysqlcore.Config
	maxConns       int
	minConns       int
	idleTimeout    time.Duration
	maxLifetime    time.Duration
	acquireTimeout time.Duration

	idle      []*PooledConn
	active    map[*PooledConn]struct{}
	total     int
	waiting   int
	exhausted int64

	closed          bool
	stopCh          chan struct{}
	onPoolExhausted OnPoolExhausted
	onHandshake     OnHandshake
	onCleanup       OnCleanupRollback
	onReset         OnReset
	onStmtEviction  OnStmtEviction
}

// NewPool creates a new connection pool for an endpoint. connCfg is the
// dial/handshake configuration mysqlcore.Connect uses for every connection
// this pool opens.
func NewPool(endpoint string, ec config.EndpointConfig, defaults config.PoolDefaults, connCfg *mysqlcore.Config) *Pool {
	p := &Pool{
		endpoint:       endpoint,
		connCfg:        connCfg,
		minConns:       ec.EffectiveMinConnections(defaults),
		maxConns:       ec.EffectiveMaxConnections(defaults),
		idleTimeout:    ec.EffectiveIdleTimeout(defaults),
		maxLifetime:    ec.EffectiveMaxLifetime(defaults),
		acquireTimeout: ec.EffectiveAcquireTimeout(defaults),
		idle:           make([]*PooledConn, 0),
		active:         make(map[*PooledConn]struct{}),
		stopCh:         make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.reapLoop()

	if p.minConns > 0 {
		go p.warmUp()
	}

	return p
}

// warmUp pre-creates minConns idle connections so the pool is ready for traffic.
func (p *Pool) warmUp() {
	for i := 0; i < p.minConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.minConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		pc, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("warm-up connection failed", "index", i+1, "total", p.minConns, "endpoint", p.endpoint, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			pc.Close(context.Background())
			return
		}
		pc.MarkIdle()
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}
	slog.Info("pre-warmed connections", "count", p.minConns, "endpoint", p.endpoint)
}

// Acquire gets a connection from the pool, creating one if needed. The
// context is used for cancellation and deadline propagation.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadlineAt := time.Now().Add(p.acquireTimeout)

	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadlineAt) {
		deadlineAt = ctxDeadline
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closed for endpoint %s", p.endpoint)
		}

		// Try to get an idle connection.
		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if pc.IsExpired(p.maxLifetime) {
				pc.Close(context.Background())
				p.total--
				continue
			}

			if err := pc.Ping(ctx); err != nil {
				pc.Close(context.Background())
				p.total--
				continue
			}

			pc.MarkActive()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		// Create a new connection if under limit.
		if p.total < p.maxConns {
			p.total++
			p.mu.Unlock()

			pc, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("connecting to endpoint %s: %w", p.endpoint, err)
			}

			pc.MarkActive()
			p.mu.Lock()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		// Pool exhausted, wait for a connection to be returned.
		p.waiting++
		p.exhausted++
		cb := p.onPoolExhausted
		p.mu.Unlock()

		if cb != nil {
			cb(p.endpoint)
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for endpoint %s: pool exhausted", p.acquireTimeout, p.endpoint)
		}

		timer := time.AfterFunc(remaining, func() {
			p.cond.Broadcast()
		})
		p.cond.Wait() // releases mu, waits for signal, reacquires mu
		timer.Stop()

		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closing for endpoint %s", p.endpoint)
		}

		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for endpoint %s: pool exhausted", p.acquireTimeout, p.endpoint)
		}

		// Retry from the top of the loop (mu is held).
	}
}

// InjectTestConn adds a pre-built PooledConn directly into the pool's idle
// list. Only intended for testing — it bypasses dial().
func (p *Pool) InjectTestConn(pc *PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc.MarkIdle()
	p.idle = append(p.idle, pc)
	p.total++
	p.cond.Signal()
}

// Return releases a connection back to the pool, running its
// cleanup-for-reuse algorithm first so a dirty connection (pending result,
// open transaction) is never handed to the next caller.
func (p *Pool) Return(pc *PooledConn) {
	p.mu.Lock()
	delete(p.active, pc)
	p.mu.Unlock()

	hadOpenTx := pc.conn.TxStatus() != mysqlcore.TxNone
	cleanupErr := pc.conn.CleanupForReuse(context.Background())
	if hadOpenTx {
		if cb := p.onCleanup; cb != nil {
			cb(p.endpoint)
		}
		// A rolled-back transaction may leave session variables and
		// temporary tables behind; reset the session before the
		// connection goes back to the idle list rather than carrying
		// that state into whatever the next caller does.
		if cleanupErr == nil {
			method := resetMethod(pc.conn)
			if resetErr := pc.conn.Reset(context.Background()); resetErr != nil {
				cleanupErr = resetErr
			} else if cb := p.onReset; cb != nil {
				cb(p.endpoint, method)
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || cleanupErr != nil || pc.IsExpired(p.maxLifetime) {
		pc.Close(context.Background())
		p.total--
		p.cond.Signal()
		return
	}

	pc.MarkIdle()
	p.idle = append(p.idle, pc)

	// Wake one waiting goroutine — Signal() avoids the thundering herd
	// problem where Broadcast() would wake all waiters only for N-1 to go
	// back to sleep. Broadcast() is reserved for Close() and timeouts.
	p.cond.Signal()
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Endpoint:  p.endpoint,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxConns:  p.maxConns,
		MinConns:  p.minConns,
		Exhausted: p.exhausted,
	}
}

// Drain closes all idle connections and waits for active ones to be returned.
func (p *Pool) Drain() {
	p.mu.Lock()

	for _, pc := range p.idle {
		pc.Close(context.Background())
		p.total--
	}
	p.idle = p.idle[:0]

	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount > 0 {
		slog.Info("draining active connections", "count", activeCount, "endpoint", p.endpoint)
		timeout := time.After(30 * time.Second)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.mu.Lock()
				if len(p.active) == 0 {
					p.mu.Unlock()
					return
				}
				p.mu.Unlock()
			case <-timeout:
				p.mu.Lock()
				for pc := range p.active {
					pc.Close(context.Background())
					p.total--
				}
				p.active = make(map[*PooledConn]struct{})
				p.mu.Unlock()
				slog.Warn("force-closed active connections after drain timeout", "endpoint", p.endpoint)
				return
			}
		}
	}
}

// Close shuts down the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast() // wake any goroutines waiting in Acquire
	p.mu.Unlock()

	p.Drain()
}

// resetMethod reports which strategy mysqlcore.Conn.Reset will use, mirroring
// the same 5.7.2 threshold lifecycle.go's Reset checks internally (not
// exported, so duplicated here purely for metric labeling).
func resetMethod(c *mysqlcore.Conn) string {
	v := c.ServerVersion()
	if v[0] > 5 || (v[0] == 5 && (v[1] > 7 || (v[1] == 7 && v[2] > 2))) {
		return "com_reset_connection"
	}
	return "reconnect"
}

func (p *Pool) dial(ctx context.Context) (*PooledConn, error) {
	start := time.Now()
	conn, err := mysqlcore.Connect(ctx, p.connCfg)
	if cb := p.onHandshake; cb != nil {
		cb(p.endpoint, time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	if cb := p.onStmtEviction; cb != nil {
		conn.SetOnStmtEviction(func() { cb(p.endpoint) })
	}
	return NewPooledConn(conn, p.endpoint, p), nil
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.minConns {
		return
	}

	// Reap oldest connections first (front of the slice). Keep at least
	// minConns, preserving the newest (back of the slice).
	kept := make([]*PooledConn, 0, len(p.idle))
	excess := len(p.idle) - p.minConns
	for i, pc := range p.idle {
		if i < excess && (pc.IsIdle(p.idleTimeout) || pc.IsExpired(p.maxLifetime)) {
			pc.Close(context.Background())
			p.total--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
}

// StatsCallback is called periodically with pool stats for each endpoint.
type StatsCallback func(stats Stats)

// Manager manages connection pools for all configured endpoints.
type Manager struct {
	mu              sync.RWMutex
	pools           map[string]*Pool
	registry        *config.Registry
	onPoolExhausted OnPoolExhausted
	onHandshake     OnHandshake
	onCleanup       OnCleanupRollback
	onReset         OnReset
	onStmtEviction  OnStmtEviction
	statsCallback   StatsCallback
	statsStopCh     chan struct{}
	closeOnce       sync.Once
}

// NewManager creates a new pool manager backed by the given endpoint registry.
func NewManager(registry *config.Registry) *Manager {
	return &Manager{
		pools:       make(map[string]*Pool),
		registry:    registry,
		statsStopCh: make(chan struct{}),
	}
}

// SetOnPoolExhausted sets the callback for pool exhaustion events. Must be
// called before any pools are created.
func (m *Manager) SetOnPoolExhausted(cb OnPoolExhausted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPoolExhausted = cb
}

// SetOnHandshake sets the callback fired after every dial attempt. Must be
// called before any pools are created.
func (m *Manager) SetOnHandshake(cb OnHandshake) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHandshake = cb
}

// SetOnCleanup sets the callback fired when Return has to roll back an open
// transaction before a connection can go idle again. Must be called before
// any pools are created.
func (m *Manager) SetOnCleanup(cb OnCleanupRollback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCleanup = cb
}

// SetOnReset sets the callback fired when Return resets a connection's
// session state after a dirty transaction. Must be called before any pools
// are created.
func (m *Manager) SetOnReset(cb OnReset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReset = cb
}

// SetOnStmtEviction sets the callback fired when a connection's statement
// cache evicts an entry. Must be called before any pools are created.
func (m *Manager) SetOnStmtEviction(cb OnStmtEviction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStmtEviction = cb
}

// StartStatsLoop starts a periodic goroutine that calls the stats callback
// for each pool.
func (m *Manager) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	m.statsCallback = cb
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range m.AllStats() {
					cb(s)
				}
			case <-m.statsStopCh:
				return
			}
		}
	}()
}

// buildConnConfig translates an endpoint's config entry into the
// mysqlcore.Config mysqlcore.Connect expects.
func buildConnConfig(ec config.EndpointConfig) *mysqlcore.Config {
	return &mysqlcore.Config{
		Host:               ec.Host,
		Port:               ec.Port,
		Socket:             ec.Socket,
		User:               ec.Username,
		Pass:               ec.Password,
		DB:                 ec.DBName,
		PreferSocket:       ec.PreferSocket,
		PreferSocketStrict: false,
		Compress:           ec.Compress,
		StmtCacheSize:      ec.StmtCacheSize,
		Init:               ec.Init,
		DialTimeout:        10 * time.Second,
		TCPKeepAlive:       30 * time.Second,
		TCPNoDelay:         true,
	}
}

// GetOrCreate returns the pool for an endpoint, creating it lazily if needed.
func (m *Manager) GetOrCreate(endpoint string) (*Pool, error) {
	m.mu.RLock()
	if p, ok := m.pools[endpoint]; ok {
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	ec, err := m.registry.Resolve(endpoint)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[endpoint]; ok {
		return p, nil
	}

	p := NewPool(endpoint, ec, m.registry.Defaults(), buildConnConfig(ec))
	p.onPoolExhausted = m.onPoolExhausted
	p.onHandshake = m.onHandshake
	p.onCleanup = m.onCleanup
	p.onReset = m.onReset
	p.onStmtEviction = m.onStmtEviction
	m.pools[endpoint] = p
	slog.Info("created pool", "endpoint", endpoint, "host", ec.Host, "port", ec.Port)
	return p, nil
}

// Get returns the pool for an endpoint if it already exists.
func (m *Manager) Get(endpoint string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[endpoint]
	return p, ok
}

// Remove closes and removes the pool for an endpoint.
func (m *Manager) Remove(endpoint string) bool {
	m.mu.Lock()
	p, ok := m.pools[endpoint]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pools, endpoint)
	m.mu.Unlock()

	p.Close()
	slog.Info("removed pool", "endpoint", endpoint)
	return true
}

// DrainEndpoint drains connections for a specific endpoint.
func (m *Manager) DrainEndpoint(endpoint string) bool {
	m.mu.RLock()
	p, ok := m.pools[endpoint]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	p.Drain()
	return true
}

// AllStats returns stats for all endpoint pools.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// EndpointStats returns stats for a specific endpoint pool.
func (m *Manager) EndpointStats(endpoint string) (Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pools[endpoint]
	if !ok {
		return Stats{}, false
	}
	return p.Stats(), true
}

// Close shuts down all pools and stops the stats loop. Safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.statsStopCh)
	})

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
