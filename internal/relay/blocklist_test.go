package relay

import (
	"net/netip"
	"testing"
)

func TestBlocklist_Ban(t *testing.T) {
	b, err := NewBlocklist(nil)
	if err != nil {
		t.Fatalf("NewBlocklist() error = %v", err)
	}
	ip := netip.MustParseAddr("203.0.113.5")

	if b.Contains(ip) {
		t.Fatal("empty blocklist should not contain any IP")
	}
	if !b.Ban(ip) {
		t.Error("first Ban() should report a new entry")
	}
	if b.Ban(ip) {
		t.Error("second Ban() should be idempotent")
	}
	if !b.Contains(ip) {
		t.Error("banned IP should be contained")
	}
	if b.Contains(netip.MustParseAddr("203.0.113.6")) {
		t.Error("neighbouring IP should not be contained")
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
}

func TestBlocklist_MappedAddresses(t *testing.T) {
	b, _ := NewBlocklist(nil)
	b.Ban(netip.MustParseAddr("::ffff:203.0.113.5"))

	if !b.Contains(netip.MustParseAddr("203.0.113.5")) {
		t.Error("IPv4-mapped ban should match the plain IPv4 address")
	}
}

func TestBlocklist_DenyRanges(t *testing.T) {
	b, err := NewBlocklist([]netip.Prefix{
		netip.MustParsePrefix("198.51.100.0/24"),
		netip.MustParsePrefix("2001:db8::/32"),
	})
	if err != nil {
		t.Fatalf("NewBlocklist() error = %v", err)
	}

	tests := []struct {
		ip   string
		want bool
	}{
		{"198.51.100.1", true},
		{"198.51.100.255", true},
		{"198.51.101.1", false},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
	}
	for _, tt := range tests {
		if got := b.Contains(netip.MustParseAddr(tt.ip)); got != tt.want {
			t.Errorf("Contains(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}

	if b.Len() != 0 {
		t.Errorf("Len() = %d, deny ranges are not bans", b.Len())
	}
}

func TestBlocklist_InvalidRange(t *testing.T) {
	if _, err := NewBlocklist([]netip.Prefix{{}}); err == nil {
		t.Error("NewBlocklist() should reject an invalid prefix")
	}
}

func TestBlocklist_BannedSorted(t *testing.T) {
	b, _ := NewBlocklist(nil)
	for _, s := range []string{"203.0.113.9", "192.0.2.1", "203.0.113.2"} {
		b.Ban(netip.MustParseAddr(s))
	}

	got := b.Banned()
	want := []string{"192.0.2.1", "203.0.113.2", "203.0.113.9"}
	if len(got) != len(want) {
		t.Fatalf("Banned() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("Banned()[%d] = %v, want %s", i, got[i], want[i])
		}
	}
}
