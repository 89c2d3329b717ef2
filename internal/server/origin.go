package server

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// originAllowed implements cross-site WebSocket hijacking protection. A
// missing Origin header is allowed (non-browser clients do not send one);
// a present one must name this server's host, a loopback name, or a host in
// the 100.* mesh-VPN range.
func originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := u.Hostname()

	reqHost := r.Host
	if h, _, err := net.SplitHostPort(reqHost); err == nil {
		reqHost = h
	}

	switch {
	case host == reqHost,
		host == "localhost",
		host == "127.0.0.1",
		strings.HasPrefix(host, "100."):
		return true
	}
	return false
}
