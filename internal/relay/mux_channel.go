package relay

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/udpgate/internal/recovery"
)

const channelBacklog = 256

// ChannelMultiplexer runs one reader goroutine per watched socket and hands
// the datagrams to Wait over a channel. It works on every platform the
// runtime network poller supports. A reader exits when its socket is closed.
type ChannelMultiplexer struct {
	bufSize int
	logger  *slog.Logger

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	watched map[*net.UDPConn]struct{}
}

// NewChannelMultiplexer creates a goroutine based multiplexer.
func NewChannelMultiplexer(bufSize int, logger *slog.Logger) *ChannelMultiplexer {
	return &ChannelMultiplexer{
		bufSize: bufSize,
		logger:  logger,
		events:  make(chan Event, channelBacklog),
		done:    make(chan struct{}),
		watched: make(map[*net.UDPConn]struct{}),
	}
}

// Watch adds a socket and starts its reader.
func (m *ChannelMultiplexer) Watch(conn *net.UDPConn) error {
	select {
	case <-m.done:
		return ErrMultiplexerClosed
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.watched[conn]; ok {
		return nil
	}
	m.watched[conn] = struct{}{}
	go m.readLoop(conn)
	return nil
}

// Unwatch removes a socket. Datagrams it already queued are discarded.
func (m *ChannelMultiplexer) Unwatch(conn *net.UDPConn) {
	m.mu.Lock()
	delete(m.watched, conn)
	m.mu.Unlock()
}

// Wait returns the queued datagrams, blocking up to timeout for the first one.
func (m *ChannelMultiplexer) Wait(timeout time.Duration) ([]Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var events []Event
	select {
	case ev := <-m.events:
		events = m.keep(events, ev)
	case <-timer.C:
		return nil, nil
	case <-m.done:
		return nil, ErrMultiplexerClosed
	}

	for i := 1; i < channelBacklog; i++ {
		select {
		case ev := <-m.events:
			events = m.keep(events, ev)
		default:
			return events, nil
		}
	}
	return events, nil
}

func (m *ChannelMultiplexer) keep(events []Event, ev Event) []Event {
	m.mu.Lock()
	_, ok := m.watched[ev.Conn]
	m.mu.Unlock()
	if !ok {
		return events
	}
	return append(events, ev)
}

// Close stops delivering events. Readers exit once their sockets close.
func (m *ChannelMultiplexer) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}

func (m *ChannelMultiplexer) readLoop(conn *net.UDPConn) {
	defer recovery.RecoverWithLog(m.logger, "multiplexer reader")

	buf := make([]byte, m.bufSize)
	for {
		ev := readEvent(conn, buf)
		if ev.Err != nil && errors.Is(ev.Err, net.ErrClosed) {
			return
		}
		select {
		case m.events <- ev:
		case <-m.done:
			return
		}
	}
}
