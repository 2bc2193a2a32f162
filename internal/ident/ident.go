// Package ident derives opaque owner identifiers from client network
// addresses.
//
// The service never stores or logs a raw client address. Every per-owner
// structure (quota slots, rate-limit buckets, bans, file ownership) keys on
// an OwnerID: a keyed hash of the address under a process-wide secret.
package ident

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"

	"driplet/internal/config"
	"driplet/internal/logging"
)

// ownerIDEncoding is base32hex (RFC 4648) lowercase without padding.
// The alphabet 0-9a-v keeps ids URL-safe and lexicographically sortable.
var ownerIDEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// OwnerID is an opaque 16-byte token rendered as 26 lowercase base32hex
// characters. It identifies an upload owner without revealing the address.
type OwnerID string

// Hasher computes owner ids. The hash is HMAC-SHA256 over the canonical
// binary form of the address, truncated to 16 bytes.
type Hasher struct {
	secret []byte
}

// NewHasher creates a Hasher. The secret must be at least
// config.MinSecretLen bytes; shorter secrets are a configuration error.
func NewHasher(secret []byte) (*Hasher, error) {
	if len(secret) < config.MinSecretLen {
		return nil, config.ErrShortSecret
	}
	return &Hasher{secret: secret}, nil
}

// OwnerOf maps an address to its owner id. IPv4-mapped IPv6 addresses
// collapse to their IPv4 form so the same client hashes identically on
// dual-stack listeners.
func (h *Hasher) OwnerOf(addr netip.Addr) OwnerID {
	addr = addr.Unmap()
	mac := hmac.New(sha256.New, h.secret)
	b, _ := addr.MarshalBinary()
	mac.Write(b)
	sum := mac.Sum(nil)
	return OwnerID(strings.ToLower(ownerIDEncoding.EncodeToString(sum[:16])))
}

// Resolver extracts the effective client address from a request and hashes
// it to an owner id.
//
// When BehindProxy is set, the client is the left-most entry of the
// X-Forwarded-For chain whose immediate peer is inside the trusted-proxy
// set; the chain is walked right to left, discarding trusted hops. With
// proxy mode on but no trusted set configured, the socket peer wins and a
// warning is emitted once.
type Resolver struct {
	hasher      *Hasher
	behindProxy bool
	trusted     []netip.Prefix
	logger      *slog.Logger
	warnOnce    sync.Once
}

// ResolverConfig holds Resolver construction parameters.
type ResolverConfig struct {
	Hasher         *Hasher
	BehindProxy    bool
	TrustedProxies []netip.Prefix
	Logger         *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	return &Resolver{
		hasher:      cfg.Hasher,
		behindProxy: cfg.BehindProxy,
		trusted:     cfg.TrustedProxies,
		logger:      logging.Default(cfg.Logger).With("component", "ident"),
	}
}

// OwnerFromRequest resolves the request's client address and returns its
// owner id. The raw address never leaves this function.
func (rv *Resolver) OwnerFromRequest(r *http.Request) (OwnerID, error) {
	addr, err := rv.clientAddr(r)
	if err != nil {
		return "", err
	}
	return rv.hasher.OwnerOf(addr), nil
}

// clientAddr returns the effective client address for the request.
func (rv *Resolver) clientAddr(r *http.Request) (netip.Addr, error) {
	peer, err := peerAddr(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse peer address: %w", err)
	}

	if !rv.behindProxy {
		return peer, nil
	}
	if len(rv.trusted) == 0 {
		rv.warnOnce.Do(func() {
			rv.logger.Warn("proxy mode enabled without trusted proxies, using socket peer")
		})
		return peer, nil
	}

	// Walk the forwarding chain right to left, discarding hops we trust.
	// The first untrusted address is the client.
	chain := forwardedChain(r.Header.Values("X-Forwarded-For"))
	cur := peer
	for i := len(chain) - 1; i >= 0; i-- {
		if !rv.isTrusted(cur) {
			break
		}
		next, err := netip.ParseAddr(chain[i])
		if err != nil {
			// A malformed hop ends the walk; the last good hop wins.
			break
		}
		cur = next.Unmap()
	}
	return cur, nil
}

func (rv *Resolver) isTrusted(addr netip.Addr) bool {
	for _, p := range rv.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// peerAddr parses the host part of an http.Request RemoteAddr.
func peerAddr(remoteAddr string) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}

// forwardedChain flattens possibly repeated X-Forwarded-For headers into a
// single left-to-right list of address strings.
func forwardedChain(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
