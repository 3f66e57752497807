package node

import (
	"net"
	"net/url"
	"strings"
)

const DefaultPort = "8080"

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// adds a default port
func NormalizeHostPort(addr, defPort string) string {
	addr = strings.TrimSuffix(addr, "/")
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// peerURL builds the URL of path on the peer at addr.
func peerURL(addr, path string, query url.Values) string {
	u := url.URL{
		Scheme:   "http",
		Host:     NormalizeHostPort(addr, DefaultPort),
		Path:     path,
		RawQuery: query.Encode(),
	}
	return u.String()
}
