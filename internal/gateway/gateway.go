// Package gateway runs one relay per configured port and reports their
// combined state to the health endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/udpgate/internal/config"
	"github.com/postalsys/udpgate/internal/health"
	"github.com/postalsys/udpgate/internal/logging"
	"github.com/postalsys/udpgate/internal/metrics"
	"github.com/postalsys/udpgate/internal/recovery"
	"github.com/postalsys/udpgate/internal/relay"
)

// ErrAlreadyRunning is returned by Run on a gateway that is already running.
var ErrAlreadyRunning = errors.New("gateway already running")

// Gateway owns the relays of all configured ports. The relays share
// nothing; a relay that fails does not stop the others.
type Gateway struct {
	logger *slog.Logger
	relays []*portRelay
	health *health.Server

	running atomic.Bool
}

type portRelay struct {
	port  int
	relay *relay.Relay

	mu  sync.Mutex
	err error
}

func (p *portRelay) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *portRelay) getErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// RelayConfigs derives the per-port relay configurations. Each relay
// listens on listen.address:port and forwards to backend.address:port.
func RelayConfigs(cfg *config.Config) ([]relay.Config, error) {
	bufSize, err := cfg.BufferBytes()
	if err != nil {
		return nil, fmt.Errorf("relay.buffer_size: %w", err)
	}
	listen := cfg.ListenAddr()
	if !listen.IsValid() {
		return nil, fmt.Errorf("listen.address %q is not usable", cfg.Listen.Address)
	}
	backend := cfg.BackendAddr()
	if !backend.IsValid() {
		return nil, fmt.Errorf("backend.address %q is not usable", cfg.Backend.Address)
	}

	out := make([]relay.Config, 0, len(cfg.Listen.Ports))
	for _, port := range cfg.Listen.Ports {
		rc := relay.Config{
			Listen:          netip.AddrPortFrom(listen, uint16(port)),
			Server:          netip.AddrPortFrom(backend, uint16(port)),
			AdmissionDelay:  cfg.Relay.AdmissionDelay,
			IdleTimeout:     cfg.Relay.IdleTimeout,
			CleanupInterval: cfg.Relay.CleanupInterval,
			PollTimeout:     cfg.Relay.PollTimeout,
			BanThreshold:    cfg.Relay.BanThreshold,
			BufferSize:      bufSize,
			Multiplexer:     cfg.Relay.Multiplexer,
			Deny:            cfg.DenyPrefixes(),
			BlockedLogRate:  cfg.Relay.BlockedLogRate,
		}
		out = append(out, rc)
	}
	return out, nil
}

// New validates cfg and creates a relay for every configured port. Nothing
// is bound until Run. A nil metrics argument uses the default registry.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	configs, err := RelayConfigs(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		logger: logger.With(logging.KeyComponent, "gateway"),
	}
	for _, rc := range configs {
		r, err := relay.New(rc, logger, m)
		if err != nil {
			return nil, fmt.Errorf("relay %d: %w", rc.Listen.Port(), err)
		}
		g.relays = append(g.relays, &portRelay{port: int(rc.Listen.Port()), relay: r})
	}

	if cfg.Metrics.Enabled {
		g.health = health.NewServer(health.ServerConfig{
			Address:      cfg.Metrics.Address,
			ReadTimeout:  cfg.Metrics.ReadTimeout,
			WriteTimeout: cfg.Metrics.WriteTimeout,
		}, g)
	}

	return g, nil
}

// Run starts every relay and blocks until all of them have returned. Relays
// stop when ctx is done. A relay that fails to bind is logged and reported
// through Stats while the others keep serving; Run then returns the first
// such error after the rest have stopped.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer g.running.Store(false)

	if g.health != nil {
		if err := g.health.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		defer g.health.Stop()
		g.logger.Info("health server listening", logging.KeyLocalAddr, g.health.Address().String())
	}

	var eg errgroup.Group
	for _, pr := range g.relays {
		pr := pr
		eg.Go(func() (err error) {
			defer func() {
				if err != nil {
					pr.setErr(err)
					g.logger.Error("relay failed",
						logging.KeyPort, pr.port,
						logging.KeyError, err)
				}
			}()
			defer recovery.Guard(g.logger, fmt.Sprintf("relay %d", pr.port), &err)
			return pr.relay.Run(ctx)
		})
	}
	g.logger.Info("gateway started", logging.KeyCount, len(g.relays))

	err := eg.Wait()
	g.logger.Info("gateway stopped")
	return err
}

// IsRunning reports whether Run is active.
func (g *Gateway) IsRunning() bool {
	return g.running.Load()
}

// Ready reports whether every relay has bound its socket.
func (g *Gateway) Ready() bool {
	if !g.IsRunning() {
		return false
	}
	for _, pr := range g.relays {
		if !pr.relay.Stats().Listening {
			return false
		}
	}
	return true
}

// Ports returns the configured ports in configuration order.
func (g *Gateway) Ports() []int {
	ports := make([]int, len(g.relays))
	for i, pr := range g.relays {
		ports[i] = pr.port
	}
	return ports
}

// HealthAddress returns the bound address of the health server, or nil if
// it is disabled or not started.
func (g *Gateway) HealthAddress() net.Addr {
	if g.health == nil {
		return nil
	}
	return g.health.Address()
}

// Stats aggregates the relay statistics.
func (g *Gateway) Stats() health.Stats {
	st := health.Stats{
		Ports:  len(g.relays),
		Relays: make([]health.RelayStatus, 0, len(g.relays)),
	}
	for _, pr := range g.relays {
		rs := health.RelayStatus{Stats: pr.relay.Stats()}
		if rs.Port == 0 {
			rs.Port = pr.port
		}
		if err := pr.getErr(); err != nil {
			rs.Error = err.Error()
			st.Failed++
		}
		if rs.Listening {
			st.Listening++
		}
		st.DelayedSessions += rs.DelayedSessions
		st.ConnectedSessions += rs.ConnectedSessions
		st.BlockedIPs += rs.BlockedIPs
		st.Relays = append(st.Relays, rs)
	}
	return st
}
