package relay

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/postalsys/udpgate/internal/logging"
)

func newTestMultiplexer(t *testing.T, kind string) Multiplexer {
	t.Helper()
	m, err := NewMultiplexer(kind, 2048, logging.NopLogger())
	if errors.Is(err, ErrUnsupported) {
		t.Skipf("%s multiplexer not supported on this platform", kind)
	}
	if err != nil {
		t.Fatalf("NewMultiplexer(%q) error = %v", kind, err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// waitEvents waits until the multiplexer returns at least one event.
func waitEvents(t *testing.T, m Multiplexer) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := m.Wait(100 * time.Millisecond)
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if len(events) > 0 {
			return events
		}
	}
	t.Fatal("no events within 2s")
	return nil
}

func TestNewMultiplexer_UnknownKind(t *testing.T) {
	if _, err := NewMultiplexer("epoll", 2048, nil); err == nil {
		t.Error("NewMultiplexer() should reject an unknown kind")
	}
}

func TestNewMultiplexer_Auto(t *testing.T) {
	m, err := NewMultiplexer(MultiplexerAuto, 2048, logging.NopLogger())
	if err != nil {
		t.Fatalf("NewMultiplexer(auto) error = %v", err)
	}
	if m == nil {
		t.Fatal("NewMultiplexer(auto) returned nil")
	}
	m.Close()
}

func TestMultiplexer(t *testing.T) {
	for _, kind := range []string{MultiplexerPoll, MultiplexerChannel} {
		t.Run(kind, func(t *testing.T) {
			t.Run("timeout", func(t *testing.T) {
				m := newTestMultiplexer(t, kind)
				conn := listenLoopback(t)
				if err := m.Watch(conn); err != nil {
					t.Fatalf("Watch() error = %v", err)
				}

				start := time.Now()
				events, err := m.Wait(50 * time.Millisecond)
				if err != nil {
					t.Fatalf("Wait() error = %v", err)
				}
				if len(events) != 0 {
					t.Errorf("Wait() returned %d events on an idle socket", len(events))
				}
				if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
					t.Errorf("Wait() returned after %v, want about 50ms", elapsed)
				}
			})

			t.Run("delivers datagrams", func(t *testing.T) {
				m := newTestMultiplexer(t, kind)
				a := listenLoopback(t)
				b := listenLoopback(t)
				sender := listenLoopback(t)
				for _, c := range []*net.UDPConn{a, b} {
					if err := m.Watch(c); err != nil {
						t.Fatalf("Watch() error = %v", err)
					}
				}

				if _, err := sender.WriteToUDPAddrPort([]byte("ping"), localAddrOf(b)); err != nil {
					t.Fatalf("WriteToUDPAddrPort() error = %v", err)
				}

				events := waitEvents(t, m)
				ev := events[0]
				if ev.Err != nil {
					t.Fatalf("event error = %v", ev.Err)
				}
				if ev.Conn != b {
					t.Error("event reported on the wrong socket")
				}
				if string(ev.Payload) != "ping" {
					t.Errorf("Payload = %q, want %q", ev.Payload, "ping")
				}
				if ev.From != localAddrOf(sender) {
					t.Errorf("From = %v, want %v", ev.From, localAddrOf(sender))
				}
			})

			t.Run("unwatched sockets are ignored", func(t *testing.T) {
				m := newTestMultiplexer(t, kind)
				conn := listenLoopback(t)
				sender := listenLoopback(t)
				if err := m.Watch(conn); err != nil {
					t.Fatalf("Watch() error = %v", err)
				}
				m.Unwatch(conn)

				sender.WriteToUDPAddrPort([]byte("ping"), localAddrOf(conn))

				deadline := time.Now().Add(150 * time.Millisecond)
				for time.Now().Before(deadline) {
					events, err := m.Wait(50 * time.Millisecond)
					if err != nil {
						t.Fatalf("Wait() error = %v", err)
					}
					if len(events) != 0 {
						t.Fatalf("Wait() returned %d events for an unwatched socket", len(events))
					}
				}
			})

			t.Run("closed", func(t *testing.T) {
				m := newTestMultiplexer(t, kind)
				if err := m.Close(); err != nil {
					t.Fatalf("Close() error = %v", err)
				}
				if _, err := m.Wait(10 * time.Millisecond); !errors.Is(err, ErrMultiplexerClosed) {
					t.Errorf("Wait() after Close() error = %v, want ErrMultiplexerClosed", err)
				}
				if err := m.Watch(listenLoopback(t)); !errors.Is(err, ErrMultiplexerClosed) {
					t.Errorf("Watch() after Close() error = %v, want ErrMultiplexerClosed", err)
				}
			})
		})
	}
}
