package relay

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/udpgate/internal/logging"
	"github.com/postalsys/udpgate/internal/metrics"
)

// syncBuffer is a log sink shared between Run and the test goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Count(s string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), s)
}

// closedPort returns a loopback address nothing listens on.
func closedPort(t *testing.T) netip.AddrPort {
	t.Helper()
	conn := listenLoopback(t)
	addr := localAddrOf(conn)
	conn.Close()
	return addr
}

func socketErrors(r *Relay, socket string) float64 {
	port := strconv.Itoa(int(r.LocalAddr().Port()))
	return testutil.ToFloat64(r.metrics.SocketErrors.WithLabelValues(port, socket))
}

func TestRelay_ReceiveErrorOnListenSocket(t *testing.T) {
	server := listenLoopback(t)
	var buf bytes.Buffer
	r := listenTestRelay(t, testConfig(newFakeClock(), localAddrOf(server)), &buf)

	r.dispatch(Event{Conn: r.inbound, Err: syscall.ECONNRESET})

	if !strings.Contains(buf.String(), `msg="socket error"`) {
		t.Errorf("log output missing socket error line: %s", buf.String())
	}
	if got := socketErrors(r, metrics.SocketInbound); got != 1 {
		t.Errorf("inbound socket errors = %v, want 1", got)
	}
	if r.sessions.Len() != 0 || r.reverse.Len() != 0 {
		t.Errorf("tables changed: %d sessions, %d reverse", r.sessions.Len(), r.reverse.Len())
	}
	if st := r.Stats(); !st.Listening || st.Dropped != 0 {
		t.Errorf("Stats() = listening %v / %d dropped, want true / 0", st.Listening, st.Dropped)
	}
}

func TestRelay_AdmitFailureKeepsSessionDelayed(t *testing.T) {
	clock := newFakeClock()
	server := listenLoopback(t)
	var buf bytes.Buffer
	r := listenTestRelay(t, testConfig(clock, localAddrOf(server)), &buf)
	client := netip.MustParseAddrPort("198.51.100.7:50000")

	sendFromClient(r, client, "knock")
	clock.Advance(r.cfg.AdmissionDelay)

	// outbound sockets can no longer be watched
	r.mux.Close()
	before := r.Stats().Dropped
	sendFromClient(r, client, "join")

	expectNoDatagram(t, server, 50*time.Millisecond)
	if !strings.Contains(buf.String(), `msg="socket error"`) {
		t.Errorf("log output missing socket error line: %s", buf.String())
	}
	port := strconv.Itoa(int(r.LocalAddr().Port()))
	if got := testutil.ToFloat64(r.metrics.Drops.WithLabelValues(port, metrics.DropAdmitFailed)); got != 1 {
		t.Errorf("admit_failed drops = %v, want 1", got)
	}
	if got := r.Stats().Dropped - before; got != 1 {
		t.Errorf("Stats().Dropped grew by %d, want 1", got)
	}

	sess, ok := r.sessions.Get(client)
	if !ok {
		t.Fatal("session removed after a failed admission")
	}
	if sess.State() != StateDelayed || sess.Outbound != nil {
		t.Errorf("session state = %v, want DELAYED without a socket", sess.State())
	}
	if r.reverse.Len() != 0 {
		t.Errorf("reverse.Len() = %d, want 0", r.reverse.Len())
	}
}

func TestRelay_DeadBackendReceiveError(t *testing.T) {
	cfg := testConfig(newFakeClock(), closedPort(t))
	cfg.AdmissionDelay = 0
	var buf bytes.Buffer
	r := listenTestRelay(t, cfg, &buf)
	client := netip.MustParseAddrPort("198.51.100.7:50000")

	sendFromClient(r, client, "hello")
	sess, ok := r.sessions.Get(client)
	if !ok || sess.Outbound == nil {
		t.Fatal("zero delay should connect the first datagram")
	}

	// the refused datagram comes back as a read error on the outbound socket
	var sawErr bool
	for _, ev := range waitEvents(t, r.mux) {
		if ev.Conn == sess.Outbound && ev.Err != nil {
			sawErr = true
		}
		r.dispatch(ev)
	}
	if !sawErr {
		t.Fatal("expected a receive error on the outbound socket")
	}

	if got := socketErrors(r, metrics.SocketOutbound); got != 1 {
		t.Errorf("outbound socket errors = %v, want 1", got)
	}
	if !strings.Contains(buf.String(), `msg="socket error"`) {
		t.Errorf("log output missing socket error line: %s", buf.String())
	}
	if got, ok := r.sessions.Get(client); !ok || got != sess || got.State() != StateConnected {
		t.Error("session changed after a receive error")
	}
	if got, ok := r.reverse.Lookup(sess.Local); !ok || got != client {
		t.Errorf("reverse.Lookup(%v) = %v, %v, want %v", sess.Local, got, ok, client)
	}
	if r.sessions.Len() != 1 || r.reverse.Len() != 1 {
		t.Errorf("tables = %d sessions / %d reverse, want 1 / 1", r.sessions.Len(), r.reverse.Len())
	}
}

func TestRelay_RunSurvivesDeadBackend(t *testing.T) {
	const datagrams = 5

	for _, kind := range []string{MultiplexerPoll, MultiplexerChannel} {
		t.Run(kind, func(t *testing.T) {
			if kind == MultiplexerPoll {
				if _, err := NewPollMultiplexer(16); errors.Is(err, ErrUnsupported) {
					t.Skip("poll multiplexer not supported on this platform")
				}
			}

			cfg := testConfig(nil, closedPort(t))
			cfg.AdmissionDelay = 0
			cfg.PollTimeout = 20 * time.Millisecond
			cfg.Multiplexer = kind
			logs := &syncBuffer{}
			r, err := New(cfg, logging.NewLoggerWithWriter("debug", "text", logs), nil)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if err := r.Listen(); err != nil {
				t.Fatalf("Listen() error = %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- r.Run(ctx) }()
			defer func() {
				cancel()
				select {
				case <-done:
				case <-time.After(2 * time.Second):
				}
			}()

			clientConn := listenLoopback(t)
			for i := 1; i <= datagrams; i++ {
				if _, err := clientConn.WriteToUDPAddrPort([]byte("ping"), r.LocalAddr()); err != nil {
					t.Fatalf("client write error = %v", err)
				}
				// wait for the refusal so the next write starts clean
				waitForCondition(t, "socket error", func() bool {
					return logs.Count(`msg="socket error"`) >= i
				})

				select {
				case err := <-done:
					t.Fatalf("Run() returned %v after a socket error", err)
				default:
				}
			}

			st := r.Stats()
			if st.DatagramsToServer != datagrams {
				t.Errorf("DatagramsToServer = %d, want %d", st.DatagramsToServer, datagrams)
			}
			if st.ConnectedSessions != 1 || st.DelayedSessions != 0 {
				t.Errorf("Stats() = %d connected / %d delayed, want 1 / 0",
					st.ConnectedSessions, st.DelayedSessions)
			}
			if !st.Listening {
				t.Error("relay stopped listening after socket errors")
			}
			if got := socketErrors(r, metrics.SocketOutbound); got < datagrams {
				t.Errorf("outbound socket errors = %v, want at least %d", got, datagrams)
			}
		})
	}
}

func waitForCondition(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
