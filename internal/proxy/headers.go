package proxy

import (
	"net/http"
	"strings"
)

// hopByHopHeaders only have meaning on a single connection and must not be
// relayed to the origin.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// SanitizeHeaders deletes every hop-by-hop field from h. Names are compared
// case-insensitively, so keys that were stored without canonicalization are
// removed as well. All other fields keep their values in their original order.
func SanitizeHeaders(h http.Header) {
	for name := range h {
		if isHopByHop(name) {
			delete(h, name)
		}
	}
}

func isHopByHop(name string) bool {
	for _, hop := range hopByHopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	return false
}
