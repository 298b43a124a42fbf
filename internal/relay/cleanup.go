package relay

import (
	"net/netip"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/udpgate/internal/logging"
	"github.com/postalsys/udpgate/internal/metrics"
)

// CleanupResult summarizes one cleanup pass.
type CleanupResult struct {
	Expired      int          // sessions removed
	Disconnected int          // removed sessions that owned a socket
	Banned       []netip.Addr // IPs newly added to the blocklist
}

// Cleanup removes every session idle for longer than the idle timeout and
// bans the IPs that lost at least BanThreshold sessions in this pass.
// The relay goroutine calls it when due; it is exported for callers that
// drive a relay without Run.
func (r *Relay) Cleanup() CleanupResult {
	started := time.Now()
	now := r.cfg.Now()
	r.nextCleanup = now.Add(r.cfg.CleanupInterval)
	cutoff := now.Add(-r.cfg.IdleTimeout)

	var res CleanupResult
	var expiries map[netip.Addr]int

	for _, sess := range r.sessions.Snapshot() {
		if !sess.IsStale(cutoff) {
			continue
		}
		if expiries == nil {
			expiries = make(map[netip.Addr]int)
		}
		expiries[sess.Client.Addr()]++
		res.Expired++
		if r.expire(sess) {
			res.Disconnected++
		}
	}

	if r.cfg.BanThreshold > 0 {
		for ip, n := range expiries {
			if n < r.cfg.BanThreshold || !r.blocklist.Ban(ip) {
				continue
			}
			res.Banned = append(res.Banned, ip)
			r.pm.RecordBan()
			r.logger.Warn("added to ban-list",
				logging.KeyIP, ip.String(),
				logging.KeyCount, n)
		}
		slices.SortFunc(res.Banned, func(a, b netip.Addr) int { return a.Compare(b) })
	}

	if res.Expired > 0 {
		r.syncGauges()
		r.logger.Debug("cleanup pass",
			logging.KeyCount, res.Expired,
			logging.KeyDuration, time.Since(started))
	}
	r.pm.RecordCleanup(time.Since(started).Seconds())
	return res
}

// expire removes a stale session and releases its socket. It reports
// whether the session had been connected.
func (r *Relay) expire(sess *Session) bool {
	r.sessions.Delete(sess.Client)
	r.stats.expired.Add(1)

	connected := sess.Outbound != nil
	r.pm.RecordSessionExpired(connected)
	if !connected {
		return false
	}

	r.reverse.Remove(sess.Local)
	r.mux.Unwatch(sess.Outbound)
	if err := sess.Outbound.Close(); err != nil {
		r.pm.RecordSocketError(metrics.SocketOutbound)
		r.logger.Warn("failed to release outbound socket",
			logging.KeyClient, sess.Client.String(),
			logging.KeyLocalAddr, sess.Local.String(),
			logging.KeyError, err)
	}

	r.logger.Info("disconnected",
		logging.KeyClient, sess.Client.String(),
		logging.KeyLocalAddr, sess.Local.String(),
		logging.KeyBytesIn, humanize.Bytes(sess.BytesIn),
		logging.KeyBytesOut, humanize.Bytes(sess.BytesOut),
		logging.KeyDuration, sess.LastActivity.Sub(sess.CreatedAt).Round(time.Second))
	return true
}
