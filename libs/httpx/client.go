package httpx

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP is the first X-Forwarded-For hop, then X-Real-Ip, then the socket peer. The
// service runs behind a proxy that sets these headers; direct callers can spoof them.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
