package relay

import (
	"fmt"
	"net/netip"
	"time"
)

// Config holds the configuration of one relay.
type Config struct {
	// Listen is the external address and port. Port 0 picks a free port.
	Listen netip.AddrPort

	// Server is the backing game server endpoint.
	Server netip.AddrPort

	// AdmissionDelay is how long a new client is held back before its
	// traffic is forwarded. 0 admits clients on their first datagram.
	AdmissionDelay time.Duration

	// IdleTimeout is how long a session may go without client traffic
	// before cleanup removes it.
	IdleTimeout time.Duration

	// CleanupInterval is the cadence of cleanup passes.
	CleanupInterval time.Duration

	// PollTimeout bounds each multiplexer wait.
	PollTimeout time.Duration

	// BanThreshold is the number of expiries of one IP within a single
	// cleanup pass that bans it. 0 disables banning.
	BanThreshold int

	// BufferSize is the maximum datagram size.
	BufferSize int

	// Multiplexer selects the readiness implementation: auto, poll or channel.
	Multiplexer string

	// Deny lists source ranges that are always dropped.
	Deny []netip.Prefix

	// BlockedLogRate limits "blocked" notices per second. 0 silences them.
	BlockedLogRate float64

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config with the standard timings.
func DefaultConfig() Config {
	return Config{
		AdmissionDelay:  3000 * time.Millisecond,
		IdleTimeout:     30 * time.Second,
		CleanupInterval: 30 * time.Second,
		PollTimeout:     10 * time.Second,
		BanThreshold:    4,
		BufferSize:      65536,
		Multiplexer:     MultiplexerAuto,
		BlockedLogRate:  1,
	}
}

func (c *Config) validate() error {
	if !c.Listen.Addr().IsValid() {
		return fmt.Errorf("listen address is required")
	}
	if !c.Server.IsValid() || c.Server.Port() == 0 {
		return fmt.Errorf("server endpoint %s is invalid", c.Server)
	}
	if c.AdmissionDelay < 0 {
		return fmt.Errorf("admission delay must not be negative")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive")
	}
	if c.BanThreshold < 0 {
		return fmt.Errorf("ban threshold must not be negative")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}
	return nil
}
