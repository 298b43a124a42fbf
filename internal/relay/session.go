package relay

import (
	"net"
	"net/netip"
	"time"
)

// SessionState represents the admission state of a session.
type SessionState int

const (
	// StateDelayed means the client is waiting out the admission delay
	// and has no outbound socket.
	StateDelayed SessionState = iota
	// StateConnected means the session owns an outbound socket.
	StateConnected
)

// String returns a human-readable name for the state.
func (s SessionState) String() string {
	switch s {
	case StateDelayed:
		return "DELAYED"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Session is the relay state of one client address. It is owned by the
// relay goroutine and never shared.
type Session struct {
	Client netip.AddrPort

	// Outbound is the connected socket towards the server, nil while the
	// session is delayed. Local is its bound address.
	Outbound *net.UDPConn
	Local    netip.AddrPort

	CreatedAt         time.Time
	LastActivity      time.Time
	AdmissionDeadline time.Time // only meaningful while Outbound is nil

	PacketsIn  uint64 // client -> server
	PacketsOut uint64 // server -> client
	BytesIn    uint64
	BytesOut   uint64
}

// newSession creates a delayed session. LastActivity starts at the deadline,
// so a client that never returns goes stale one idle timeout after it.
func newSession(client netip.AddrPort, now time.Time, delay time.Duration) *Session {
	deadline := now.Add(delay)
	return &Session{
		Client:            client,
		CreatedAt:         now,
		LastActivity:      deadline,
		AdmissionDeadline: deadline,
	}
}

// State returns the admission state.
func (s *Session) State() SessionState {
	if s.Outbound != nil {
		return StateConnected
	}
	return StateDelayed
}

// Admissible reports whether a delayed session may be connected at now.
func (s *Session) Admissible(now time.Time) bool {
	return s.Outbound == nil && !now.Before(s.AdmissionDeadline)
}

// IsStale reports whether the session saw no traffic since cutoff.
func (s *Session) IsStale(cutoff time.Time) bool {
	return s.LastActivity.Before(cutoff)
}

// SessionTable maps client addresses to sessions. It is not safe for
// concurrent use; the relay goroutine is its only user.
type SessionTable struct {
	sessions  map[netip.AddrPort]*Session
	connected int
}

// NewSessionTable creates an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		sessions: make(map[netip.AddrPort]*Session),
	}
}

// Get returns the session of a client.
func (t *SessionTable) Get(client netip.AddrPort) (*Session, bool) {
	s, ok := t.sessions[client]
	return s, ok
}

// Put inserts a session, replacing any previous session of the client.
func (t *SessionTable) Put(s *Session) {
	if old, ok := t.sessions[s.Client]; ok && old.Outbound != nil {
		t.connected--
	}
	t.sessions[s.Client] = s
	if s.Outbound != nil {
		t.connected++
	}
}

// MarkConnected accounts for a session that just got its outbound socket.
func (t *SessionTable) MarkConnected(s *Session) {
	if cur, ok := t.sessions[s.Client]; ok && cur == s {
		t.connected++
	}
}

// Delete removes the session of a client and returns it.
func (t *SessionTable) Delete(client netip.AddrPort) (*Session, bool) {
	s, ok := t.sessions[client]
	if !ok {
		return nil, false
	}
	delete(t.sessions, client)
	if s.Outbound != nil {
		t.connected--
	}
	return s, true
}

// Snapshot returns the current sessions so callers can delete while iterating.
func (t *SessionTable) Snapshot() []*Session {
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of sessions.
func (t *SessionTable) Len() int {
	return len(t.sessions)
}

// Connected returns the number of sessions owning an outbound socket.
func (t *SessionTable) Connected() int {
	return t.connected
}

// Delayed returns the number of sessions still in the admission delay.
func (t *SessionTable) Delayed() int {
	return len(t.sessions) - t.connected
}
