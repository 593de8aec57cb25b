package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP used for rate limiting and audit logs.
//
// When trustProxy is false the forwarding headers are ignored entirely and
// only RemoteAddr is used, so a client cannot spoof its identity with
// X-Forwarded-For. When trustProxy is true, trustedProxyCount controls how
// many rightmost hops of the X-Forwarded-For chain are ours.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromForwardedFor walks the X-Forwarded-For chain from the right,
// skipping our own trusted proxies, and returns the first hop a peer could
// not have appended itself.
func clientIPFromForwardedFor(header string, trustedProxyCount int) string {
	if header == "" {
		return ""
	}
	hops := strings.Split(header, ",")

	proxies := trustedProxyCount
	if proxies == 0 {
		proxies = 1
	}
	idx := len(hops) - proxies - 1
	if idx < 0 {
		idx = 0
	}

	candidate := strings.TrimSpace(hops[idx])
	if net.ParseIP(candidate) == nil {
		return ""
	}
	return candidate
}
