package port

import (
	"net/http"
	"net/netip"
	"strings"
)

// realIP rewrites RemoteAddr to the client named by forwarding headers, but
// only when the TCP peer is one of the trusted proxies. X-Forwarded-For is
// read right to left and trusted hops are skipped, so entries a client
// prepends itself never become the key.
func realIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip, ok := forwardedClient(r, trusted); ok {
				r.RemoteAddr = ip
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(r *http.Request, trusted []netip.Prefix) (string, bool) {
	if len(trusted) == 0 {
		return "", false
	}
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok || !isTrusted(peer, trusted) {
		return "", false
	}

	if values := r.Header.Values("X-Forwarded-For"); len(values) > 0 {
		hops := strings.Split(strings.Join(values, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				return "", false
			}
			addr = addr.Unmap()
			if i == 0 || !isTrusted(addr, trusted) {
				return addr.String(), true
			}
		}
	}

	for _, header := range []string{"X-Real-IP", "True-Client-IP"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			if addr, err := netip.ParseAddr(v); err == nil {
				return addr.Unmap().String(), true
			}
		}
	}
	return "", false
}

func peerAddr(remote string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
