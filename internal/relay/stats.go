package relay

import "sync/atomic"

// Stats is a point-in-time view of a relay, safe to read from any goroutine.
type Stats struct {
	Port              int    `json:"port"`
	Listening         bool   `json:"listening"`
	DelayedSessions   int    `json:"delayed_sessions"`
	ConnectedSessions int    `json:"connected_sessions"`
	BlockedIPs        int    `json:"blocked_ips"`
	DatagramsToServer uint64 `json:"datagrams_to_server"`
	BytesToServer     uint64 `json:"bytes_to_server"`
	DatagramsToClient uint64 `json:"datagrams_to_client"`
	BytesToClient     uint64 `json:"bytes_to_client"`
	Dropped           uint64 `json:"dropped"`
	Expired           uint64 `json:"expired"`
}

// counters mirror the relay state for Stats. Only the relay goroutine
// writes them.
type counters struct {
	port      atomic.Int64
	listening atomic.Bool

	delayed   atomic.Int64
	connected atomic.Int64
	blocked   atomic.Int64

	toServerDatagrams atomic.Uint64
	toServerBytes     atomic.Uint64
	toClientDatagrams atomic.Uint64
	toClientBytes     atomic.Uint64
	dropped           atomic.Uint64
	expired           atomic.Uint64
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Port:              int(r.stats.port.Load()),
		Listening:         r.stats.listening.Load(),
		DelayedSessions:   int(r.stats.delayed.Load()),
		ConnectedSessions: int(r.stats.connected.Load()),
		BlockedIPs:        int(r.stats.blocked.Load()),
		DatagramsToServer: r.stats.toServerDatagrams.Load(),
		BytesToServer:     r.stats.toServerBytes.Load(),
		DatagramsToClient: r.stats.toClientDatagrams.Load(),
		BytesToClient:     r.stats.toClientBytes.Load(),
		Dropped:           r.stats.dropped.Load(),
		Expired:           r.stats.expired.Load(),
	}
}

func (r *Relay) syncGauges() {
	r.stats.delayed.Store(int64(r.sessions.Delayed()))
	r.stats.connected.Store(int64(r.sessions.Connected()))
	r.stats.blocked.Store(int64(r.blocklist.Len()))
}
