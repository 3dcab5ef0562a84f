package threat

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedRealIP replaces chi's RealIP. Forwarding headers are honoured only
// when the direct peer is inside trusted; every other request keeps its
// socket address, so a client cannot pick its own origin.
//
// From a trusted peer, X-Forwarded-For is walked right to left and the first
// hop outside trusted wins. X-Real-IP is used when that header yields nothing.
func TrustedRealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if addr, ok := clientAddr(r, trusted); ok {
				r.RemoteAddr = addr.String()
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr resolves the client address for r. ok is false when the peer
// address cannot be parsed, in which case RemoteAddr is left alone.
func clientAddr(r *http.Request, trusted []netip.Prefix) (netip.Addr, bool) {
	peer, ok := parseAddr(r.RemoteAddr)
	if !ok {
		return netip.Addr{}, false
	}
	if !isTrusted(peer, trusted) {
		return peer, true
	}

	var hops []string
	for _, h := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(h, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop, ok := parseAddr(hops[i])
		if !ok {
			// Anything left of a malformed hop was not written by a proxy we know.
			break
		}
		if !isTrusted(hop, trusted) {
			return hop, true
		}
	}

	if xri, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return xri, true
	}
	return peer, true
}

// parseAddr accepts a bare IP or host:port.
func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
