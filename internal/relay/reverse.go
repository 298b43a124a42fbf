package relay

import (
	"net/netip"

	"github.com/vishalkuo/bimap"
)

// ReverseTable maps the bound address of an outbound socket back to the
// client it was allocated for. Entries live exactly as long as the session
// owning the socket.
type ReverseTable struct {
	// forward direction is client -> local, lookups go through the inverse
	entries *bimap.BiMap[netip.AddrPort, netip.AddrPort]
}

// NewReverseTable creates an empty reverse table.
func NewReverseTable() *ReverseTable {
	return &ReverseTable{
		entries: bimap.NewBiMap[netip.AddrPort, netip.AddrPort](),
	}
}

// Add registers the outbound socket address local for client, replacing
// the previous address of the client.
func (t *ReverseTable) Add(local, client netip.AddrPort) {
	t.entries.Insert(client, local)
}

// Lookup returns the client an outbound socket address belongs to.
func (t *ReverseTable) Lookup(local netip.AddrPort) (netip.AddrPort, bool) {
	return t.entries.GetInverse(local)
}

// LocalOf returns the outbound socket address allocated for client.
func (t *ReverseTable) LocalOf(client netip.AddrPort) (netip.AddrPort, bool) {
	return t.entries.Get(client)
}

// Remove drops the entry of an outbound socket address.
func (t *ReverseTable) Remove(local netip.AddrPort) {
	t.entries.DeleteInverse(local)
}

// Len returns the number of registered outbound sockets.
func (t *ReverseTable) Len() int {
	return t.entries.Size()
}
