package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dbbouncer/mysqlcore"
	"github.com/dbbouncer/mysqlcore/internal/config"
)

func testDefaults() config.PoolDefaults {
	return config.PoolDefaults{
		MinConnections: 0,
		MaxConnections: 5,
		IdleTimeout:    5 * time.Minute,
		MaxLifetime:    30 * time.Minute,
		AcquireTimeout: 2 * time.Second,
	}
}

func testEndpointConfig(host string, port int) config.EndpointConfig {
	return config.EndpointConfig{
		Host:     host,
		Port:     port,
		DBName:   "testdb",
		Username: "user",
		Password: "pass",
	}
}

// newTestPool starts a fake MySQL server and returns a Pool dialing it,
// closed automatically at test cleanup.
func newTestPool(t *testing.T, defaults config.PoolDefaults) *Pool {
	t.Helper()
	host, port := startFakeMySQLServer(t)
	ec := testEndpointConfig(host, port)
	p := NewPool("test_endpoint", ec, defaults, buildConnConfig(ec))
	t.Cleanup(p.Close)
	return p
}

func TestPoolAcquireReturn(t *testing.T) {
	p := newTestPool(t, testDefaults())
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if pc.State() != ConnStateActive {
		t.Errorf("expected active state after acquire, got %v", pc.State())
	}
	if s := p.Stats(); s.Active != 1 || s.Idle != 0 || s.Total != 1 {
		t.Errorf("unexpected stats after acquire: %+v", s)
	}

	p.Return(pc)
	if pc.State() != ConnStateIdle {
		t.Errorf("expected idle state after return, got %v", pc.State())
	}
	if s := p.Stats(); s.Active != 0 || s.Idle != 1 || s.Total != 1 {
		t.Errorf("unexpected stats after return: %+v", s)
	}
}

func TestPoolAcquireReusesIdleConnection(t *testing.T) {
	p := newTestPool(t, testDefaults())
	ctx := context.Background()

	pc1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	p.Return(pc1)

	pc2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if pc2 != pc1 {
		t.Error("expected the idle connection to be reused, got a freshly dialed one")
	}
	if s := p.Stats(); s.Total != 1 {
		t.Errorf("expected a single connection to be dialed and reused, got total=%d", s.Total)
	}
	p.Return(pc2)
}

func TestPoolAcquireRespectsMaxConnections(t *testing.T) {
	defaults := testDefaults()
	defaults.MaxConnections = 1
	defaults.AcquireTimeout = 100 * time.Millisecond
	p := newTestPool(t, defaults)
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Return(pc)

	if _, err := p.Acquire(ctx); err == nil {
		t.Error("expected acquire timeout error when pool is at max connections, got nil")
	}
	if s := p.Stats(); s.Exhausted == 0 {
		t.Error("expected pool_exhausted_total to be incremented")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	defaults := testDefaults()
	defaults.MaxConnections = 1
	defaults.AcquireTimeout = 30 * time.Second
	p := newTestPool(t, defaults)

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Return(held)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Acquire(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPingHealthyConnection(t *testing.T) {
	p := newTestPool(t, testDefaults())
	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Return(pc)

	if err := pc.Ping(context.Background()); err != nil {
		t.Errorf("expected healthy connection to ping cleanly, got: %v", err)
	}
}

func TestPingDetectsClosedConnection(t *testing.T) {
	p := newTestPool(t, testDefaults())
	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := pc.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := pc.Ping(context.Background()); err == nil {
		t.Error("expected ping on a closed connection to fail")
	}
}

func TestPooledConnExpiry(t *testing.T) {
	p := newTestPool(t, testDefaults())
	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Return(pc)

	if pc.IsExpired(30 * time.Minute) {
		t.Error("freshly dialed connection should not be expired against a generous max lifetime")
	}
	if !pc.IsExpired(time.Nanosecond) {
		t.Error("expected connection to be expired against a near-zero max lifetime")
	}
	if pc.IsExpired(0) {
		t.Error("max lifetime <= 0 means unbounded — should never report expired")
	}
}

func TestPooledConnIdle(t *testing.T) {
	p := newTestPool(t, testDefaults())
	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	p.Return(pc)

	if pc.IsIdle(time.Hour) {
		t.Error("just-returned connection should not be idle against an hour-long timeout")
	}
	pc.mu.Lock()
	pc.lastUsed = time.Now().Add(-time.Hour)
	pc.mu.Unlock()
	if !pc.IsIdle(time.Minute) {
		t.Error("expected connection idle for an hour to exceed a one-minute idle timeout")
	}
}

func TestDoubleClosePool(t *testing.T) {
	p := newTestPool(t, testDefaults())
	p.Close()
	p.Close() // must not panic or deadlock
}

func TestConcurrentAcquireReturn(t *testing.T) {
	defaults := testDefaults()
	defaults.MaxConnections = 4
	p := newTestPool(t, defaults)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				pc, err := p.Acquire(ctx)
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				p.Return(pc)
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	if s.Active != 0 {
		t.Errorf("expected no active connections after all goroutines finished, got %d", s.Active)
	}
	if s.Total > defaults.MaxConnections {
		t.Errorf("total connections %d exceeds max %d", s.Total, defaults.MaxConnections)
	}
}

func TestReapIdleRemovesOldest(t *testing.T) {
	// MinConnections stays 0 here so NewPool's warm-up goroutine doesn't
	// race with the manually injected connections below; minConns is set
	// directly afterward to exercise reapIdle's "keep at least minConns"
	// floor.
	p := newTestPool(t, testDefaults())
	p.mu.Lock()
	p.minConns = 1
	p.mu.Unlock()

	var conns []*PooledConn
	for i := 0; i < 3; i++ {
		pc, err := p.dial(context.Background())
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		p.InjectTestConn(pc)
		conns = append(conns, pc)
	}

	// Age the first two artificially; keep the third fresh.
	for _, pc := range conns[:2] {
		pc.mu.Lock()
		pc.lastUsed = time.Now().Add(-time.Hour)
		pc.mu.Unlock()
	}

	p.mu.Lock()
	p.idleTimeout = time.Minute
	p.mu.Unlock()

	p.reapIdle()

	s := p.Stats()
	if s.Idle != 1 {
		t.Errorf("expected 1 idle connection to survive reaping (minConns=1), got %d", s.Idle)
	}
	if s.Total != 1 {
		t.Errorf("expected total to drop to 1 after reaping 2 stale connections, got %d", s.Total)
	}
}

func TestManagerGetOrCreate(t *testing.T) {
	host, port := startFakeMySQLServer(t)
	registry := config.NewRegistry(&config.Config{
		Defaults:  testDefaults(),
		Endpoints: map[string]config.EndpointConfig{"primary": testEndpointConfig(host, port)},
	})
	m := NewManager(registry)
	defer m.Close()

	p1, err := m.GetOrCreate("primary")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	p2, err := m.GetOrCreate("primary")
	if err != nil {
		t.Fatalf("second GetOrCreate failed: %v", err)
	}
	if p1 != p2 {
		t.Error("expected GetOrCreate to return the same pool for repeated calls")
	}

	if _, err := m.GetOrCreate("unknown"); err == nil {
		t.Error("expected an error for an unregistered endpoint")
	}
}

func TestManagerRemove(t *testing.T) {
	host, port := startFakeMySQLServer(t)
	registry := config.NewRegistry(&config.Config{
		Defaults:  testDefaults(),
		Endpoints: map[string]config.EndpointConfig{"primary": testEndpointConfig(host, port)},
	})
	m := NewManager(registry)
	defer m.Close()

	if _, err := m.GetOrCreate("primary"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !m.Remove("primary") {
		t.Error("expected Remove to report success for an existing pool")
	}
	if _, ok := m.Get("primary"); ok {
		t.Error("expected pool to be gone after Remove")
	}
	if m.Remove("primary") {
		t.Error("expected a second Remove to report no-op")
	}
}

func TestManagerAllStats(t *testing.T) {
	hostA, portA := startFakeMySQLServer(t)
	hostB, portB := startFakeMySQLServer(t)
	registry := config.NewRegistry(&config.Config{
		Defaults: testDefaults(),
		Endpoints: map[string]config.EndpointConfig{
			"a": testEndpointConfig(hostA, portA),
			"b": testEndpointConfig(hostB, portB),
		},
	})
	m := NewManager(registry)
	defer m.Close()

	if _, err := m.GetOrCreate("a"); err != nil {
		t.Fatalf("GetOrCreate(a) failed: %v", err)
	}
	if _, err := m.GetOrCreate("b"); err != nil {
		t.Fatalf("GetOrCreate(b) failed: %v", err)
	}

	stats := m.AllStats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 pool stats, got %d", len(stats))
	}
}

func TestManagerEndpointStats(t *testing.T) {
	host, port := startFakeMySQLServer(t)
	registry := config.NewRegistry(&config.Config{
		Defaults:  testDefaults(),
		Endpoints: map[string]config.EndpointConfig{"primary": testEndpointConfig(host, port)},
	})
	m := NewManager(registry)
	defer m.Close()

	if _, ok := m.EndpointStats("primary"); ok {
		t.Error("expected no stats before the pool is created")
	}
	if _, err := m.GetOrCreate("primary"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	s, ok := m.EndpointStats("primary")
	if !ok {
		t.Fatal("expected stats once the pool exists")
	}
	if s.Endpoint != "primary" {
		t.Errorf("expected endpoint name %q, got %q", "primary", s.Endpoint)
	}
}

func TestManagerDrainEndpoint(t *testing.T) {
	host, port := startFakeMySQLServer(t)
	registry := config.NewRegistry(&config.Config{
		Defaults:  testDefaults(),
		Endpoints: map[string]config.EndpointConfig{"primary": testEndpointConfig(host, port)},
	})
	m := NewManager(registry)
	defer m.Close()

	if m.DrainEndpoint("primary") {
		t.Error("expected DrainEndpoint to report false for a nonexistent pool")
	}

	p, err := m.GetOrCreate("primary")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	p.Return(pc)

	if !m.DrainEndpoint("primary") {
		t.Error("expected DrainEndpoint to report true for an existing pool")
	}
	if s := p.Stats(); s.Idle != 0 {
		t.Errorf("expected idle connections to be closed after drain, got %d", s.Idle)
	}
}

func TestDoubleCloseManager(t *testing.T) {
	host, port := startFakeMySQLServer(t)
	registry := config.NewRegistry(&config.Config{
		Defaults:  testDefaults(),
		Endpoints: map[string]config.EndpointConfig{"primary": testEndpointConfig(host, port)},
	})
	m := NewManager(registry)
	if _, err := m.GetOrCreate("primary"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	m.Close()
	m.Close() // must not panic
}

func TestManagerSetOnPoolExhausted(t *testing.T) {
	host, port := startFakeMySQLServer(t)
	defaults := testDefaults()
	defaults.MaxConnections = 1
	defaults.AcquireTimeout = 100 * time.Millisecond
	registry := config.NewRegistry(&config.Config{
		Defaults:  defaults,
		Endpoints: map[string]config.EndpointConfig{"primary": testEndpointConfig(host, port)},
	})
	m := NewManager(registry)
	defer m.Close()

	var called bool
	var mu sync.Mutex
	m.SetOnPoolExhausted(func(endpoint string) {
		mu.Lock()
		called = true
		mu.Unlock()
	})

	p, err := m.GetOrCreate("primary")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Return(pc)

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Error("expected second acquire to time out")
	}

	mu.Lock()
	defer mu.Unlock()
	if !called {
		t.Error("expected onPoolExhausted callback to fire")
	}
}

func TestOnHandshakeCallbackFiresOnDial(t *testing.T) {
	host, port := startFakeMySQLServer(t)
	ec := testEndpointConfig(host, port)
	p := NewPool("test_endpoint", ec, testDefaults(), buildConnConfig(ec))
	defer p.Close()

	var mu sync.Mutex
	var calls int
	var lastErr error
	p.onHandshake = func(endpoint string, d time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		lastErr = err
		if endpoint != "test_endpoint" {
			t.Errorf("unexpected endpoint in callback: %s", endpoint)
		}
		if d <= 0 {
			t.Errorf("expected positive handshake duration, got %v", d)
		}
	}

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Return(pc)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected onHandshake to fire once, got %d", calls)
	}
	if lastErr != nil {
		t.Errorf("expected nil error for a successful dial, got %v", lastErr)
	}
}

func TestOnCleanupAndResetCallbacksFireOnDirtyReturn(t *testing.T) {
	host, port := startFakeMySQLServerWithOpenTx(t)
	ec := testEndpointConfig(host, port)
	p := NewPool("test_endpoint", ec, testDefaults(), buildConnConfig(ec))
	defer p.Close()

	var mu sync.Mutex
	var cleanupCalls, resetCalls int
	p.onCleanup = func(endpoint string) {
		mu.Lock()
		cleanupCalls++
		mu.Unlock()
	}
	p.onReset = func(endpoint, method string) {
		mu.Lock()
		resetCalls++
		mu.Unlock()
		if method != "com_reset_connection" && method != "reconnect" {
			t.Errorf("unexpected reset method: %s", method)
		}
	}

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx := context.Background()
	if err := pc.Conn().WriteCommand(ctx, mysqlcore.ComQuery, []byte("BEGIN")); err != nil {
		t.Fatalf("WriteCommand(BEGIN) failed: %v", err)
	}
	if _, err := pc.Conn().ReadPacket(ctx); err != nil {
		t.Fatalf("reading BEGIN response failed: %v", err)
	}
	if pc.Conn().TxStatus() == mysqlcore.TxNone {
		t.Fatal("expected TxStatus to report an open transaction after BEGIN")
	}

	p.Return(pc)

	mu.Lock()
	defer mu.Unlock()
	if cleanupCalls != 1 {
		t.Errorf("expected onCleanup to fire once, got %d", cleanupCalls)
	}
	if resetCalls != 1 {
		t.Errorf("expected onReset to fire once, got %d", resetCalls)
	}
}
