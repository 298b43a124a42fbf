package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/postalsys/udpgate/internal/logging"
	"github.com/postalsys/udpgate/internal/metrics"
)

// ErrBind is wrapped by errors from binding the external socket.
var ErrBind = errors.New("bind listen socket")

// burst of "blocked" notices allowed before the rate limit applies
const blockedLogBurst = 5

// pause after a failed multiplexer wait, keeps a broken poller from spinning
const waitErrorBackoff = 100 * time.Millisecond

// Relay serves one port: it owns the external socket, the session and
// reverse tables, the blocklist and the multiplexer, and runs every
// operation on them from the goroutine that calls Run.
type Relay struct {
	cfg        Config
	baseLogger *slog.Logger
	logger     *slog.Logger
	metrics    *metrics.Metrics
	pm         *metrics.PortMetrics

	inbound *net.UDPConn
	local   netip.AddrPort
	mux     Multiplexer

	sessions  *SessionTable
	reverse   *ReverseTable
	blocklist *Blocklist

	blockedLog *rate.Limiter
	suppressed int

	nextCleanup time.Time

	stats counters
}

// New creates a relay. Nothing is bound until Listen or Run is called.
// A nil logger discards output; nil metrics are kept in a private registry.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Relay, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	blocklist, err := NewBlocklist(cfg.Deny)
	if err != nil {
		return nil, err
	}

	port := int(cfg.Listen.Port())
	r := &Relay{
		cfg:        cfg,
		baseLogger: logger,
		logger:     logging.ForPort(logger, port),
		metrics:    m,
		pm:         m.ForPort(port),
		sessions:   NewSessionTable(),
		reverse:    NewReverseTable(),
		blocklist:  blocklist,
		blockedLog: rate.NewLimiter(rate.Limit(cfg.BlockedLogRate), blockedLogBurst),
	}
	if cfg.BlockedLogRate == 0 {
		r.blockedLog = rate.NewLimiter(0, 0)
	}
	r.stats.port.Store(int64(port))
	return r, nil
}

// Listen binds the external socket. A bind failure wraps ErrBind.
func (r *Relay) Listen() error {
	if r.inbound != nil {
		return nil
	}

	conn, err := net.ListenUDP(udpNetwork(r.cfg.Listen.Addr()), net.UDPAddrFromAddrPort(r.cfg.Listen))
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrBind, r.cfg.Listen, err)
	}

	local := normalizeAddrPort(conn.LocalAddr().(*net.UDPAddr).AddrPort())
	port := int(local.Port())
	r.logger = logging.ForPort(r.baseLogger, port)
	r.pm = r.metrics.ForPort(port)

	mux, err := NewMultiplexer(r.cfg.Multiplexer, r.cfg.BufferSize, r.logger)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create multiplexer: %w", err)
	}
	if err := mux.Watch(conn); err != nil {
		mux.Close()
		conn.Close()
		return fmt.Errorf("watch listen socket: %w", err)
	}

	r.inbound = conn
	r.local = local
	r.mux = mux
	r.stats.port.Store(int64(port))
	r.stats.listening.Store(true)
	r.pm.RecordRelayUp()

	r.logger.Info("relay listening",
		logging.KeyLocalAddr, local.String(),
		logging.KeyTarget, r.cfg.Server.String())
	return nil
}

// Run binds the external socket if needed and relays until ctx is done.
// Cancellation is noticed after the current multiplexer wait, so Run
// returns at most one poll timeout after ctx ends. All sockets are closed
// on return.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	defer r.shutdown()

	for ctx.Err() == nil {
		if err := r.step(); err != nil {
			if errors.Is(err, ErrMultiplexerClosed) {
				return nil
			}
			r.logger.Warn("multiplexer wait failed", logging.KeyError, err)
			time.Sleep(waitErrorBackoff)
		}
	}
	return nil
}

// LocalAddr returns the bound external address, valid after Listen.
func (r *Relay) LocalAddr() netip.AddrPort {
	return r.local
}

// step waits once, dispatches the ready sockets and runs cleanup when due.
func (r *Relay) step() error {
	events, err := r.mux.Wait(r.cfg.PollTimeout)
	for _, ev := range events {
		r.dispatch(ev)
	}
	if !r.cfg.Now().Before(r.nextCleanup) {
		r.Cleanup()
	}
	return err
}

// dispatch handles one event. Errors never leave a single datagram.
func (r *Relay) dispatch(ev Event) {
	var err error
	socket := metrics.SocketOutbound
	if ev.Conn == r.inbound {
		socket = metrics.SocketInbound
		err = r.handleClient(ev)
	} else {
		err = r.handleServer(ev)
	}
	if err != nil {
		r.pm.RecordSocketError(socket)
		r.logger.Warn("socket error", logging.KeyError, err)
	}
}

// handleClient applies the blocklist and the admission delay to a client
// datagram and forwards it once the client is admitted.
func (r *Relay) handleClient(ev Event) error {
	if ev.Err != nil {
		return fmt.Errorf("receive on %s: %w", r.local, ev.Err)
	}

	client := ev.From
	if r.blocklist.Contains(client.Addr()) {
		r.dropBlocked(client)
		return nil
	}

	now := r.cfg.Now()
	sess, ok := r.sessions.Get(client)
	if !ok {
		sess = newSession(client, now, r.cfg.AdmissionDelay)
		r.sessions.Put(sess)
		r.pm.RecordSessionCreated()
		r.syncGauges()
		r.logger.Info("delaying client connection attempt",
			logging.KeyClient, client.String(),
			logging.KeyTarget, r.cfg.Server.Port())
		if r.cfg.AdmissionDelay > 0 {
			r.drop(metrics.DropDelayed)
			return nil
		}
	}

	if sess.Outbound == nil && !sess.Admissible(now) {
		r.drop(metrics.DropDelayed)
		return nil
	}

	sess.LastActivity = now
	if sess.Outbound == nil {
		if err := r.admit(sess); err != nil {
			r.drop(metrics.DropAdmitFailed)
			return err
		}
	}

	n, err := sess.Outbound.Write(ev.Payload)
	if err != nil {
		return fmt.Errorf("forward %s -> %s: %w", client, r.cfg.Server, err)
	}
	sess.PacketsIn++
	sess.BytesIn += uint64(n)
	r.recordForward(metrics.DirectionToServer, n)
	return nil
}

// admit allocates the outbound socket of a session whose delay is over.
func (r *Relay) admit(sess *Session) error {
	conn, err := net.DialUDP(udpNetwork(r.cfg.Server.Addr()), nil, net.UDPAddrFromAddrPort(r.cfg.Server))
	if err != nil {
		return fmt.Errorf("connect %s to %s: %w", sess.Client, r.cfg.Server, err)
	}
	if err := r.mux.Watch(conn); err != nil {
		conn.Close()
		return fmt.Errorf("watch outbound socket: %w", err)
	}

	sess.Outbound = conn
	sess.Local = localAddrOf(conn)
	r.sessions.MarkConnected(sess)
	r.reverse.Add(sess.Local, sess.Client)
	r.pm.RecordSessionConnected()
	r.syncGauges()

	r.logger.Info("connected",
		logging.KeyClient, sess.Client.String(),
		logging.KeyLocalAddr, sess.Local.String(),
		logging.KeyTarget, r.cfg.Server.Port())
	return nil
}

// handleServer relays a server reply to the client owning the socket.
func (r *Relay) handleServer(ev Event) error {
	local := localAddrOf(ev.Conn)
	if ev.Err != nil {
		return fmt.Errorf("receive on %s: %w", local, ev.Err)
	}

	client, ok := r.reverse.Lookup(local)
	if !ok {
		// socket released by cleanup after the datagram was read
		r.pm.RecordDrop(metrics.DropUnknownSocket)
		r.stats.dropped.Add(1)
		return nil
	}

	n, err := r.inbound.WriteToUDPAddrPort(ev.Payload, client)
	if err != nil {
		return fmt.Errorf("forward %s -> %s: %w", local, client, err)
	}
	if sess, ok := r.sessions.Get(client); ok {
		sess.PacketsOut++
		sess.BytesOut += uint64(n)
	}
	r.recordForward(metrics.DirectionToClient, n)
	return nil
}

func (r *Relay) dropBlocked(client netip.AddrPort) {
	r.drop(metrics.DropBlocked)
	if !r.blockedLog.Allow() {
		r.suppressed++
		return
	}
	r.logger.Info("blocked",
		logging.KeyClient, client.String(),
		logging.KeySuppressed, r.suppressed)
	r.suppressed = 0
}

func (r *Relay) drop(reason string) {
	r.pm.RecordDrop(reason)
	r.stats.dropped.Add(1)
}

func (r *Relay) recordForward(direction string, n int) {
	r.pm.RecordForward(direction, n)
	if direction == metrics.DirectionToServer {
		r.stats.toServerDatagrams.Add(1)
		r.stats.toServerBytes.Add(uint64(n))
	} else {
		r.stats.toClientDatagrams.Add(1)
		r.stats.toClientBytes.Add(uint64(n))
	}
}

// shutdown releases every socket owned by the relay.
func (r *Relay) shutdown() {
	r.stats.listening.Store(false)
	r.mux.Close()

	for _, sess := range r.sessions.Snapshot() {
		r.sessions.Delete(sess.Client)
		if sess.Outbound == nil {
			continue
		}
		r.reverse.Remove(sess.Local)
		if err := sess.Outbound.Close(); err != nil {
			r.logger.Warn("failed to release outbound socket",
				logging.KeyLocalAddr, sess.Local.String(),
				logging.KeyError, err)
		}
	}
	if err := r.inbound.Close(); err != nil {
		r.logger.Warn("failed to close listen socket", logging.KeyError, err)
	}

	r.syncGauges()
	r.pm.Reset()
	r.pm.RecordRelayDown()
	r.logger.Info("relay stopped")
}

func localAddrOf(conn *net.UDPConn) netip.AddrPort {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	return normalizeAddrPort(addr.AddrPort())
}

func udpNetwork(addr netip.Addr) string {
	if addr.Unmap().Is4() {
		return "udp4"
	}
	return "udp"
}
