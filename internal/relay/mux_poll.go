//go:build linux || darwin || freebsd || netbsd || openbsd

package relay

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"golang.org/x/sys/unix"
)

// PollMultiplexer waits on the raw descriptors of the watched sockets with
// poll(2). Reads after a readiness report do not block, because the runtime
// keeps the descriptors in non-blocking mode.
type PollMultiplexer struct {
	conns  []*net.UDPConn
	fds    map[*net.UDPConn]int
	pfds   []unix.PollFd
	buf    []byte
	closed bool
}

// NewPollMultiplexer creates a poll(2) based multiplexer.
func NewPollMultiplexer(bufSize int) (*PollMultiplexer, error) {
	return &PollMultiplexer{
		fds: make(map[*net.UDPConn]int),
		buf: make([]byte, bufSize),
	}, nil
}

// Watch adds a socket to the watched set.
func (m *PollMultiplexer) Watch(conn *net.UDPConn) error {
	if m.closed {
		return ErrMultiplexerClosed
	}
	if _, ok := m.fds[conn]; ok {
		return nil
	}

	rc, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return fmt.Errorf("read descriptor: %w", err)
	}

	m.fds[conn] = fd
	m.conns = append(m.conns, conn)
	return nil
}

// Unwatch removes a socket from the watched set.
func (m *PollMultiplexer) Unwatch(conn *net.UDPConn) {
	if _, ok := m.fds[conn]; !ok {
		return
	}
	delete(m.fds, conn)
	if i := slices.Index(m.conns, conn); i >= 0 {
		m.conns = slices.Delete(m.conns, i, i+1)
	}
}

// Wait polls the watched sockets and reads one datagram from each ready one.
func (m *PollMultiplexer) Wait(timeout time.Duration) ([]Event, error) {
	if m.closed {
		return nil, ErrMultiplexerClosed
	}

	m.pfds = m.pfds[:0]
	for _, conn := range m.conns {
		m.pfds = append(m.pfds, unix.PollFd{Fd: int32(m.fds[conn]), Events: unix.POLLIN})
	}

	n, err := unix.Poll(m.pfds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	events := make([]Event, 0, n)
	for i, pfd := range m.pfds {
		if pfd.Revents&unix.POLLNVAL != 0 {
			continue
		}
		// POLLERR carries pending ICMP errors; the read reports them.
		if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) == 0 {
			continue
		}
		events = append(events, readEvent(m.conns[i], m.buf))
	}
	return events, nil
}

// Close releases the multiplexer.
func (m *PollMultiplexer) Close() error {
	m.closed = true
	m.conns = nil
	clear(m.fds)
	return nil
}
