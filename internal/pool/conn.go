package pool

import (
	"context"
	"sync"
	"time"

	"github.com/dbbouncer/mysqlcore"
)

// ConnState represents the state of a pooled connection.
type ConnState int

const (
	ConnStateIdle ConnState = iota
	ConnStateActive
	ConnStateClosed
)

// PooledConn wraps a *mysqlcore.Conn with pooling metadata.
type PooledConn struct {
	mu       sync.Mutex
	conn     *mysqlcore.Conn
	state    ConnState
	lastUsed time.Time
	endpoint string
	pool     *Pool // back-reference for Return
}

// NewPooledConn wraps a mysqlcore.Conn for pool management.
func NewPooledConn(conn *mysqlcore.Conn, endpoint string, p *Pool) *PooledConn {
	pc := &PooledConn{
		conn:     conn,
		state:    ConnStateIdle,
		lastUsed: time.Now(),
		endpoint: endpoint,
		pool:     p,
	}
	conn.SetPool(poolReturnAdapter{pc})
	return pc
}

// poolReturnAdapter lets mysqlcore.Conn.Return() reach back to the
// PooledConn wrapper (and from there to the Pool) without mysqlcore
// importing this package.
type poolReturnAdapter struct{ pc *PooledConn }

func (a poolReturnAdapter) Return(*mysqlcore.Conn) { a.pc.pool.Return(a.pc) }

// Conn returns the underlying mysqlcore connection.
func (pc *PooledConn) Conn() *mysqlcore.Conn { return pc.conn }

// Endpoint returns the name of the endpoint this connection belongs to.
func (pc *PooledConn) Endpoint() string { return pc.endpoint }

// MarkActive marks this connection as in-use.
func (pc *PooledConn) MarkActive() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateActive
	pc.lastUsed = time.Now()
}

// MarkIdle marks this connection as idle (returned to pool).
func (pc *PooledConn) MarkIdle() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateIdle
	pc.lastUsed = time.Now()
}

// State returns the current connection state.
func (pc *PooledConn) State() ConnState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// LastUsed returns when this connection was last returned to the pool.
func (pc *PooledConn) LastUsed() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastUsed
}

// IsExpired reports whether the connection has exceeded its configured
// max lifetime or mysqlcore's own idle-expiry bound (min(conn_ttl,
// wait_timeout)), whichever is stricter.
func (pc *PooledConn) IsExpired(maxLifetime time.Duration) bool {
	if pc.conn.Expired(time.Now()) {
		return true
	}
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(pc.conn.CreatedAt()) > maxLifetime
}

// IsIdle checks if the connection has been idle longer than the timeout.
func (pc *PooledConn) IsIdle(idleTimeout time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return pc.state == ConnStateIdle && time.Since(pc.lastUsed) > idleTimeout
}

// Close marks the connection closed and closes the underlying connection
// (best-effort COM_QUIT) without running cleanup-for-reuse first.
func (pc *PooledConn) Close(ctx context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateClosed
	return pc.conn.Close(ctx)
}

// Ping performs a real COM_PING liveness check, not a raw-socket read
// trick: mysqlcore already knows how to tell a live, idle connection from
// a dead one.
func (pc *PooledConn) Ping(ctx context.Context) error {
	return pc.conn.Ping(ctx)
}

// Return releases this connection back to its pool.
func (pc *PooledConn) Return() {
	if pc.pool != nil {
		pc.pool.Return(pc)
	}
}
