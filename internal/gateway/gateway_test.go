package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/udpgate/internal/config"
	"github.com/postalsys/udpgate/internal/metrics"
	"github.com/postalsys/udpgate/internal/relay"
)

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func testConfig(ports ...int) *config.Config {
	cfg := config.Default()
	cfg.Listen.Address = "127.0.0.1"
	cfg.Listen.Ports = ports
	cfg.Relay.PollTimeout = 20 * time.Millisecond
	return cfg
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startGateway(t *testing.T, g *Gateway) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return cancel, done
}

func stopGateway(t *testing.T, cancel context.CancelFunc, done <-chan error) error {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
		return nil
	}
}

func TestRelayConfigs(t *testing.T) {
	cfg := config.Default()
	cfg.Listen.Address = "203.0.113.10"
	cfg.Listen.Ports = []int{7777, 7778}
	cfg.Backend.Address = "127.0.0.1"
	cfg.Relay.AdmissionDelay = 2 * time.Second
	cfg.Relay.BanThreshold = 6
	cfg.Relay.BufferSize = "2KiB"
	cfg.Relay.Multiplexer = "channel"
	cfg.Relay.Deny = []string{"198.51.100.0/24"}

	configs, err := RelayConfigs(cfg)
	if err != nil {
		t.Fatalf("RelayConfigs() error = %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("len(configs) = %d, want 2", len(configs))
	}

	for i, port := range []uint16{7777, 7778} {
		rc := configs[i]
		if want := netip.AddrPortFrom(netip.MustParseAddr("203.0.113.10"), port); rc.Listen != want {
			t.Errorf("configs[%d].Listen = %v, want %v", i, rc.Listen, want)
		}
		if want := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port); rc.Server != want {
			t.Errorf("configs[%d].Server = %v, want %v", i, rc.Server, want)
		}
	}

	rc := configs[0]
	if rc.AdmissionDelay != 2*time.Second {
		t.Errorf("AdmissionDelay = %v, want 2s", rc.AdmissionDelay)
	}
	if rc.IdleTimeout != 30*time.Second || rc.CleanupInterval != 30*time.Second {
		t.Errorf("IdleTimeout/CleanupInterval = %v/%v, want 30s/30s", rc.IdleTimeout, rc.CleanupInterval)
	}
	if rc.BanThreshold != 6 {
		t.Errorf("BanThreshold = %d, want 6", rc.BanThreshold)
	}
	if rc.BufferSize != 2048 {
		t.Errorf("BufferSize = %d, want 2048", rc.BufferSize)
	}
	if rc.Multiplexer != relay.MultiplexerChannel {
		t.Errorf("Multiplexer = %q, want %q", rc.Multiplexer, relay.MultiplexerChannel)
	}
	if len(rc.Deny) != 1 || rc.Deny[0] != netip.MustParsePrefix("198.51.100.0/24") {
		t.Errorf("Deny = %v, want [198.51.100.0/24]", rc.Deny)
	}
}

func TestRelayConfigs_InvalidBuffer(t *testing.T) {
	cfg := testConfig(7777)
	cfg.Relay.BufferSize = "1MiB"

	if _, err := RelayConfigs(cfg); err == nil {
		t.Error("RelayConfigs() should reject an oversized buffer")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"no ports", func(c *config.Config) { c.Listen.Ports = nil }},
		{"wildcard address", func(c *config.Config) { c.Listen.Address = "0.0.0.0" }},
		{"port out of range", func(c *config.Config) { c.Listen.Ports = []int{65535} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(7777)
			tt.modify(cfg)
			if _, err := New(cfg, nil, testMetrics()); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestGateway_Run(t *testing.T) {
	ports := []int{freePort(t), freePort(t)}
	g, err := New(testConfig(ports...), nil, testMetrics())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if g.IsRunning() || g.Ready() {
		t.Fatal("gateway should not run before Run()")
	}
	if got := g.Ports(); len(got) != 2 || got[0] != ports[0] || got[1] != ports[1] {
		t.Errorf("Ports() = %v, want %v", got, ports)
	}

	cancel, done := startGateway(t, g)
	waitFor(t, "all relays to bind", g.Ready)

	st := g.Stats()
	if st.Ports != 2 || st.Listening != 2 || st.Failed != 0 {
		t.Errorf("Stats() = %d ports / %d listening / %d failed, want 2 / 2 / 0",
			st.Ports, st.Listening, st.Failed)
	}
	for i, rs := range st.Relays {
		if rs.Port != ports[i] {
			t.Errorf("Relays[%d].Port = %d, want %d", i, rs.Port, ports[i])
		}
	}

	if err := stopGateway(t, cancel, done); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if g.IsRunning() {
		t.Error("IsRunning() = true after Run() returned")
	}
	if g.Stats().Listening != 0 {
		t.Error("relays still listening after Run() returned")
	}
}

func TestGateway_BindFailureDoesNotStopOthers(t *testing.T) {
	busy, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer busy.Close()
	busyPort := busy.LocalAddr().(*net.UDPAddr).Port
	freeP := freePort(t)

	g, err := New(testConfig(busyPort, freeP), nil, testMetrics())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cancel, done := startGateway(t, g)
	waitFor(t, "one relay to bind and one to fail", func() bool {
		st := g.Stats()
		return st.Listening == 1 && st.Failed == 1
	})

	if !g.IsRunning() {
		t.Error("gateway should keep running with one healthy relay")
	}
	if g.Ready() {
		t.Error("Ready() = true with a failed relay")
	}

	st := g.Stats()
	if st.Relays[0].Error == "" {
		t.Error("failed relay should report its error")
	}
	if !st.Relays[1].Listening {
		t.Error("healthy relay should be listening")
	}

	err = stopGateway(t, cancel, done)
	if !errors.Is(err, relay.ErrBind) {
		t.Errorf("Run() error = %v, want ErrBind", err)
	}
}

func TestGateway_AlreadyRunning(t *testing.T) {
	g, err := New(testConfig(freePort(t)), nil, testMetrics())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	startGateway(t, g)
	waitFor(t, "relay to bind", g.Ready)

	if err := g.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestGateway_HealthEndpoint(t *testing.T) {
	cfg := testConfig(freePort(t))
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = "127.0.0.1:0"

	g, err := New(cfg, nil, testMetrics())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	startGateway(t, g)
	waitFor(t, "relay to bind", g.Ready)

	addr := g.HealthAddress()
	if addr == nil {
		t.Fatal("HealthAddress() = nil with metrics enabled")
	}

	resp, err := http.Get("http://" + addr.String() + "/ready")
	if err != nil {
		t.Fatalf("GET /ready error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /ready status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}
