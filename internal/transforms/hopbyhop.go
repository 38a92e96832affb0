package transforms

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// hopByHop lists headers scoped to a single network hop. They are never
// forwarded in either direction; Connection-nominated headers and all
// ':'-prefixed pseudo-headers are filtered on top of this set.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Transfer-Encoding":   {},
	"Te":                  {},
	"Upgrade":             {},
	"Proxy-Authorization": {},
	"Proxy-Authenticate":  {},
	"Proxy-Connection":    {},
	"Trailer":             {},
}

// IsHopByHop reports whether the canonical header name must not be
// forwarded. Any ':'-prefixed name is treated as a pseudo-header and
// filtered regardless of HTTP version.
func IsHopByHop(name string) bool {
	if strings.HasPrefix(name, ":") {
		return true
	}
	_, ok := hopByHop[http.CanonicalHeaderKey(name)]
	return ok
}

// connectionNominated collects the header names listed in Connection
// values, which are hop-by-hop by nomination.
func connectionNominated(h http.Header) map[string]struct{} {
	var nominated map[string]struct{}
	for _, value := range h["Connection"] {
		for _, name := range strings.Split(value, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if nominated == nil {
				nominated = make(map[string]struct{})
			}
			nominated[http.CanonicalHeaderKey(name)] = struct{}{}
		}
	}
	return nominated
}

// CopyRequestHeaders copies src into dst under hop-by-hop filtering.
// Host is excluded (it travels on Request.Host and is cleared by
// default). "Te: trailers" is re-added when the client advertised
// trailer support, so upstream applications that care can see it.
func CopyRequestHeaders(dst, src http.Header) {
	nominated := connectionNominated(src)
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if canonical == "Host" || IsHopByHop(name) {
			continue
		}
		if _, skip := nominated[canonical]; skip {
			continue
		}
		dst[canonical] = append(dst[canonical], values...)
	}
	if httpguts.HeaderValuesContainsToken(src["Te"], "trailers") {
		dst.Set("Te", "trailers")
	}
}

// CopyResponseHeaders copies upstream response headers into dst under
// hop-by-hop filtering.
func CopyResponseHeaders(dst, src http.Header) {
	nominated := connectionNominated(src)
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if IsHopByHop(name) {
			continue
		}
		if _, skip := nominated[canonical]; skip {
			continue
		}
		dst[canonical] = append(dst[canonical], values...)
	}
}

// UpgradeType returns the requested protocol when h carries a
// "Connection: Upgrade" + "Upgrade" pair, or "" otherwise.
func UpgradeType(h http.Header) string {
	if !httpguts.HeaderValuesContainsToken(h["Connection"], "Upgrade") {
		return ""
	}
	return h.Get("Upgrade")
}
