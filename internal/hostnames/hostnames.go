package hostnames

import (
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// Normalize converts a configured dial or listen host to the form handed to
// the network stack:
//   - spaces and a trailing dot are dropped
//   - an IPv6 literal loses its brackets
//   - names go through IDNA ToASCII and are lower-cased
//
// An empty host stays empty, meaning every interface for a listener.
func Normalize(host string) string {
	host = strings.TrimSpace(host)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" {
		return ""
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	host = strings.TrimSuffix(host, ".")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		ascii = host
	}
	return strings.ToLower(ascii)
}

// IsLoopback reports whether host names this machine: "localhost" or a
// loopback IP literal.
func IsLoopback(host string) bool {
	h := Normalize(host)
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
