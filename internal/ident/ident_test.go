package ident

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func testHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	return h
}

func TestNewHasherRejectsShortSecret(t *testing.T) {
	if _, err := NewHasher([]byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestOwnerOfDeterministic(t *testing.T) {
	h := testHasher(t)
	addr := netip.MustParseAddr("203.0.113.7")

	a := h.OwnerOf(addr)
	b := h.OwnerOf(addr)
	if a != b {
		t.Fatalf("same address hashed differently: %s vs %s", a, b)
	}
	if len(a) != 26 {
		t.Fatalf("owner id length = %d, want 26", len(a))
	}
}

func TestOwnerOfDistinctAddresses(t *testing.T) {
	h := testHasher(t)
	a := h.OwnerOf(netip.MustParseAddr("203.0.113.7"))
	b := h.OwnerOf(netip.MustParseAddr("203.0.113.8"))
	if a == b {
		t.Fatal("distinct addresses produced the same owner id")
	}
}

func TestOwnerOfUnmapsIPv4InIPv6(t *testing.T) {
	h := testHasher(t)
	v4 := h.OwnerOf(netip.MustParseAddr("203.0.113.7"))
	mapped := h.OwnerOf(netip.MustParseAddr("::ffff:203.0.113.7"))
	if v4 != mapped {
		t.Fatal("IPv4-mapped address hashed differently from plain IPv4")
	}
}

func TestOwnerOfDependsOnSecret(t *testing.T) {
	h1 := testHasher(t)
	h2, err := NewHasher([]byte("another-secret-another-secret!!!"))
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	addr := netip.MustParseAddr("203.0.113.7")
	if h1.OwnerOf(addr) == h2.OwnerOf(addr) {
		t.Fatal("different secrets produced the same owner id")
	}
}

func resolverWith(t *testing.T, behindProxy bool, trusted ...string) *Resolver {
	t.Helper()
	var prefixes []netip.Prefix
	for _, s := range trusted {
		prefixes = append(prefixes, netip.MustParsePrefix(s))
	}
	return NewResolver(ResolverConfig{
		Hasher:         testHasher(t),
		BehindProxy:    behindProxy,
		TrustedProxies: prefixes,
	})
}

func requestFrom(remote string, xff ...string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = remote
	for _, v := range xff {
		r.Header.Add("X-Forwarded-For", v)
	}
	return r
}

func TestResolverUsesSocketPeerWithoutProxyMode(t *testing.T) {
	rv := resolverWith(t, false)
	// The forwarded header must be ignored.
	got, err := rv.clientAddr(requestFrom("203.0.113.7:4242", "198.51.100.1"))
	if err != nil {
		t.Fatalf("clientAddr: %v", err)
	}
	if want := netip.MustParseAddr("203.0.113.7"); got != want {
		t.Fatalf("client = %v, want %v", got, want)
	}
}

func TestResolverWalksForwardingChain(t *testing.T) {
	rv := resolverWith(t, true, "10.0.0.0/8")
	// Socket peer is a trusted proxy; the right-most forwarded entry that
	// is not itself trusted wins.
	got, err := rv.clientAddr(requestFrom("10.0.0.5:80", "198.51.100.1, 10.0.0.9"))
	if err != nil {
		t.Fatalf("clientAddr: %v", err)
	}
	if want := netip.MustParseAddr("198.51.100.1"); got != want {
		t.Fatalf("client = %v, want %v", got, want)
	}
}

func TestResolverIgnoresSpoofedHeaderFromUntrustedPeer(t *testing.T) {
	rv := resolverWith(t, true, "10.0.0.0/8")
	got, err := rv.clientAddr(requestFrom("203.0.113.7:4242", "198.51.100.1"))
	if err != nil {
		t.Fatalf("clientAddr: %v", err)
	}
	if want := netip.MustParseAddr("203.0.113.7"); got != want {
		t.Fatalf("client = %v, want %v", got, want)
	}
}

func TestResolverProxyModeWithoutTrustedSetFallsBack(t *testing.T) {
	rv := resolverWith(t, true)
	got, err := rv.clientAddr(requestFrom("203.0.113.7:4242", "198.51.100.1"))
	if err != nil {
		t.Fatalf("clientAddr: %v", err)
	}
	if want := netip.MustParseAddr("203.0.113.7"); got != want {
		t.Fatalf("client = %v, want %v", got, want)
	}
}
