package health

import (
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/mysqlcore/internal/config"
)

var testHealthCfg = config.HealthCheckConfig{
	Interval:          30 * time.Second,
	FailureThreshold:  3,
	ConnectionTimeout: 5 * time.Second,
}

func newTestRegistry() *config.Registry {
	return config.NewRegistry(&config.Config{
		Endpoints: map[string]config.EndpointConfig{
			"healthy_endpoint": {
				Host:     "localhost",
				Port:     3306,
				DBName:   "db",
				Username: "user",
			},
		},
	})
}

func TestCheckerInitialState(t *testing.T) {
	c := NewChecker(newTestRegistry(), nil, testHealthCfg)

	if !c.IsHealthy("unknown") {
		t.Error("unknown endpoint should be treated as healthy")
	}

	status := c.GetStatus("unknown")
	if status.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", status.Status)
	}
}

func TestCheckerUpdateStatus(t *testing.T) {
	c := NewChecker(newTestRegistry(), nil, testHealthCfg)

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after healthy update")
	}

	status := c.GetStatus("test")
	if status.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", status.Status)
	}

	// Single failure shouldn't make it unhealthy (threshold is 3).
	c.updateStatus("test", false)
	if !c.IsHealthy("test") {
		t.Error("should still be healthy after one failure")
	}

	status = c.GetStatus("test")
	if status.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", status.ConsecutiveFailures)
	}
}

func TestCheckerThreshold(t *testing.T) {
	c := NewChecker(newTestRegistry(), nil, testHealthCfg)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy after 3 consecutive failures")
	}

	status := c.GetStatus("test")
	if status.Status != StatusUnhealthy {
		t.Errorf("expected StatusUnhealthy, got %v", status.Status)
	}
}

func TestCheckerRecovery(t *testing.T) {
	c := NewChecker(newTestRegistry(), nil, testHealthCfg)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy")
	}

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after recovery")
	}

	status := c.GetStatus("test")
	if status.ConsecutiveFailures != 0 {
		t.Errorf("expected 0 consecutive failures after recovery, got %d", status.ConsecutiveFailures)
	}
}

func TestOverallHealthy(t *testing.T) {
	c := NewChecker(newTestRegistry(), nil, testHealthCfg)

	if !c.OverallHealthy() {
		t.Error("should be overall healthy with no checks")
	}

	c.updateStatus("good", true)
	if !c.OverallHealthy() {
		t.Error("should be overall healthy with one healthy endpoint")
	}

	c.updateStatus("bad", false)
	c.updateStatus("bad", false)
	c.updateStatus("bad", false)

	if c.OverallHealthy() {
		t.Error("should not be overall healthy with one unhealthy endpoint")
	}
}

func TestGetAllStatuses(t *testing.T) {
	c := NewChecker(newTestRegistry(), nil, testHealthCfg)

	c.updateStatus("ep1", true)
	c.updateStatus("ep2", true)

	statuses := c.GetAllStatuses()
	if len(statuses) != 2 {
		t.Errorf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestDoubleStop(t *testing.T) {
	c := NewChecker(newTestRegistry(), nil, testHealthCfg)
	c.Start()

	// Should not panic.
	c.Stop()
	c.Stop()
}

func TestCheckAllIsParallel(t *testing.T) {
	r := config.NewRegistry(&config.Config{
		Endpoints: map[string]config.EndpointConfig{
			"ep1": {Host: "localhost", Port: 59991, DBName: "db", Username: "u"},
			"ep2": {Host: "localhost", Port: 59992, DBName: "db", Username: "u"},
			"ep3": {Host: "localhost", Port: 59993, DBName: "db", Username: "u"},
		},
	})
	c := NewChecker(r, nil, testHealthCfg)

	// checkAll should not panic and should update all endpoint statuses
	// (checks fail since the ports don't exist, but that's fine).
	c.checkAll()

	statuses := c.GetAllStatuses()
	if len(statuses) != 3 {
		t.Errorf("expected 3 statuses after checkAll, got %d", len(statuses))
	}
}

func TestPingEndpointClosedPort(t *testing.T) {
	r := config.NewRegistry(&config.Config{
		Endpoints: map[string]config.EndpointConfig{
			"ep": {Host: "localhost", Port: 59998, DBName: "db", Username: "u"},
		},
	})
	c := NewChecker(r, nil, testHealthCfg)

	ec, _ := r.Resolve("ep")
	if c.pingEndpoint("ep", ec) {
		t.Error("expected ping to fail on closed port")
	}
}

func TestPingMySQLRejectsErrPacket(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// ERR_Packet: length(3) + seq(1) + 0xff + minimal body.
		conn.Write([]byte{2, 0, 0, 0, 0xff, 0x00})
	}()

	c := NewChecker(newTestRegistry(), nil, testHealthCfg)
	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if c.pingMySQL("ep", conn) {
		t.Error("expected pingMySQL to reject an ERR_Packet handshake")
	}
}

func TestPingMySQLAcceptsHandshake(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Minimal handshake payload: protocol version 10 + a few bytes.
		payload := []byte{10, 0, 0, 0, 0}
		conn.Write([]byte{byte(len(payload)), 0, 0, 0})
		conn.Write(payload)
	}()

	c := NewChecker(newTestRegistry(), nil, testHealthCfg)
	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if !c.pingMySQL("ep", conn) {
		t.Error("expected pingMySQL to accept a well-formed handshake")
	}
}

func TestRemoveEndpoint(t *testing.T) {
	c := NewChecker(newTestRegistry(), nil, testHealthCfg)

	c.updateStatus("ep_a", true)
	c.updateStatus("ep_b", true)

	if len(c.GetAllStatuses()) != 2 {
		t.Fatalf("expected 2 statuses before removal")
	}

	c.RemoveEndpoint("ep_a")

	statuses := c.GetAllStatuses()
	if len(statuses) != 1 {
		t.Errorf("expected 1 status after removal, got %d", len(statuses))
	}
	if _, exists := statuses["ep_a"]; exists {
		t.Error("ep_a should have been removed")
	}
	if _, exists := statuses["ep_b"]; !exists {
		t.Error("ep_b should still exist")
	}

	// Removing a nonexistent endpoint should not panic.
	c.RemoveEndpoint("nonexistent")
}
