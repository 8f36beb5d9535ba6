// Package identity derives the stable per-client key that quota is tracked by.
package identity

import (
	"net"
	"net/http"
	"strings"
)

// ClientIdentity is the key quota is charged against. It is an IP address
// in canonical form.
type ClientIdentity string

const unknown ClientIdentity = "unknown"

// Resolver derives identities from requests.
type Resolver struct {
	// TrustForwardedFor enables X-Forwarded-For, which is only safe behind
	// proxies that append the peer they saw.
	TrustForwardedFor bool
	// ProxyHops is how many trusted proxies append to X-Forwarded-For.
	// The client is the entry that many places from the right; anything
	// further left is client supplied. Zero means one.
	ProxyHops int
}

// FromRequest returns the identity for r. It never returns an empty value.
func (res Resolver) FromRequest(r *http.Request) ClientIdentity {
	if res.TrustForwardedFor {
		if ip := res.forwarded(r.Header.Values("X-Forwarded-For")); ip != "" {
			return ClientIdentity(ip)
		}
	}
	if ip := RemoteIP(r); ip != "" {
		return ClientIdentity(ip)
	}
	return unknown
}

// forwarded picks the hop written by the outermost trusted proxy. A chain
// shorter than ProxyHops, or an unparseable entry at that position, yields
// "" so the caller falls back to the peer address.
func (res Resolver) forwarded(values []string) string {
	var hops []string
	for _, v := range values {
		hops = append(hops, strings.Split(v, ",")...)
	}
	n := res.ProxyHops
	if n <= 0 {
		n = 1
	}
	if len(hops) < n {
		return ""
	}
	return parseIP(hops[len(hops)-n])
}

// RemoteIP returns the connection's peer address without the port.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return parseIP(host)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	ip := net.ParseIP(strings.Trim(s, "[]"))
	if ip == nil {
		return ""
	}
	// ::ffff:1.2.3.4 and 1.2.3.4 are the same client
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
