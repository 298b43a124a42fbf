package relay

import (
	"fmt"
	"net"
	"net/netip"
	"slices"

	"github.com/yl2chen/cidranger"
)

// Blocklist holds the source addresses whose datagrams are dropped before
// any session lookup: static deny ranges from the configuration plus IPs
// banned at runtime. Bans are permanent for the life of the process.
type Blocklist struct {
	ranger cidranger.Ranger // static deny ranges
	banned map[netip.Addr]struct{}
}

// NewBlocklist creates a blocklist preloaded with the given deny ranges.
func NewBlocklist(deny []netip.Prefix) (*Blocklist, error) {
	b := &Blocklist{
		ranger: cidranger.NewPCTrieRanger(),
		banned: make(map[netip.Addr]struct{}),
	}
	for _, p := range deny {
		if !p.IsValid() {
			return nil, fmt.Errorf("invalid deny range %s", p)
		}
		if err := b.ranger.Insert(cidranger.NewBasicRangerEntry(prefixToIPNet(p))); err != nil {
			return nil, fmt.Errorf("insert deny range %s: %w", p, err)
		}
	}
	return b, nil
}

// Contains reports whether datagrams from ip must be dropped.
func (b *Blocklist) Contains(ip netip.Addr) bool {
	ip = ip.Unmap()
	if _, ok := b.banned[ip]; ok {
		return true
	}
	hit, err := b.ranger.Contains(net.IP(ip.AsSlice()))
	return err == nil && hit
}

// Ban adds ip to the blocklist. It returns false if ip was already banned.
func (b *Blocklist) Ban(ip netip.Addr) bool {
	ip = ip.Unmap()
	if _, ok := b.banned[ip]; ok {
		return false
	}
	b.banned[ip] = struct{}{}
	return true
}

// Len returns the number of banned IPs, not counting static deny ranges.
func (b *Blocklist) Len() int {
	return len(b.banned)
}

// Banned returns the banned IPs in ascending order.
func (b *Blocklist) Banned() []netip.Addr {
	out := make([]netip.Addr, 0, len(b.banned))
	for ip := range b.banned {
		out = append(out, ip)
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return out
}

func prefixToIPNet(p netip.Prefix) net.IPNet {
	p = p.Masked()
	return net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
