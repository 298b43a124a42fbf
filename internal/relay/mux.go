package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// Multiplexer kinds accepted by NewMultiplexer.
const (
	MultiplexerAuto    = "auto"
	MultiplexerPoll    = "poll"
	MultiplexerChannel = "channel"
)

var (
	// ErrMultiplexerClosed is returned by Wait after Close.
	ErrMultiplexerClosed = errors.New("multiplexer closed")

	// ErrUnsupported is returned when a multiplexer kind is not available
	// on this platform.
	ErrUnsupported = errors.New("multiplexer not supported on this platform")
)

// Event is one datagram read from a ready socket, or the error the read
// produced. Payload is owned by the receiver.
type Event struct {
	Conn    *net.UDPConn
	From    netip.AddrPort
	Payload []byte
	Err     error
}

// Multiplexer waits for readability across a changing set of UDP sockets.
// Watch, Unwatch and Wait are called from the relay goroutine only; Close
// may be called from any goroutine.
type Multiplexer interface {
	// Watch adds a socket to the watched set.
	Watch(conn *net.UDPConn) error

	// Unwatch removes a socket. It must be called before the socket is closed.
	Unwatch(conn *net.UDPConn)

	// Wait blocks until at least one watched socket is readable or the
	// timeout elapses, and returns the datagrams read from the ready
	// sockets. An empty result carries no information besides the wake-up.
	Wait(timeout time.Duration) ([]Event, error)

	// Close releases the multiplexer. Watched sockets are not closed.
	Close() error
}

// NewMultiplexer creates a multiplexer of the given kind. bufSize bounds
// the datagram size read from each socket.
func NewMultiplexer(kind string, bufSize int, logger *slog.Logger) (Multiplexer, error) {
	switch kind {
	case MultiplexerPoll:
		m, err := NewPollMultiplexer(bufSize)
		if err != nil {
			return nil, err
		}
		return m, nil
	case MultiplexerChannel:
		return NewChannelMultiplexer(bufSize, logger), nil
	case MultiplexerAuto, "":
		m, err := NewPollMultiplexer(bufSize)
		if errors.Is(err, ErrUnsupported) {
			return NewChannelMultiplexer(bufSize, logger), nil
		}
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown multiplexer kind %q", kind)
	}
}

// readEvent reads one datagram from conn into buf and copies it out.
func readEvent(conn *net.UDPConn, buf []byte) Event {
	n, from, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return Event{Conn: conn, Err: err}
	}
	payload := make([]byte, n)
	copy(payload, buf[:n])
	return Event{Conn: conn, From: normalizeAddrPort(from), Payload: payload}
}

func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
