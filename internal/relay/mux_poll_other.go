//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package relay

import (
	"net"
	"time"
)

// PollMultiplexer is unavailable on this platform.
type PollMultiplexer struct{}

// NewPollMultiplexer reports ErrUnsupported on this platform.
func NewPollMultiplexer(bufSize int) (*PollMultiplexer, error) {
	return nil, ErrUnsupported
}

func (m *PollMultiplexer) Watch(conn *net.UDPConn) error { return ErrUnsupported }

func (m *PollMultiplexer) Unwatch(conn *net.UDPConn) {}

func (m *PollMultiplexer) Wait(timeout time.Duration) ([]Event, error) {
	return nil, ErrUnsupported
}

func (m *PollMultiplexer) Close() error { return nil }
