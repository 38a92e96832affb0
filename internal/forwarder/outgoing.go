package forwarder

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/router-for-me/RelayCore/internal/streamcopy"
	"github.com/router-for-me/RelayCore/internal/transforms"
)

// Destination identifies the chosen upstream: its prefix URI is the base
// the outbound URI is composed from.
type Destination struct {
	ID     string
	Prefix *url.URL
}

// bodylessMethods never carry an implicit outbound body. Any other
// method (POST, PATCH, PUT, DELETE, or anything custom) gets one
// regardless of headers.
var bodylessMethods = map[string]struct{}{
	http.MethodGet:   {},
	http.MethodHead:  {},
	http.MethodTrace: {},
}

// needsOutboundBody decides whether the outbound request carries a body.
// Explicit body indicators (Content-Length > 0, chunked transfer
// encoding, or an unframed HTTP/2 body) always win; otherwise the method
// decides, case-insensitively. GET/HEAD/TRACE with a zero-length
// advertised body stay bodyless.
func needsOutboundBody(r *http.Request) bool {
	if r.ContentLength > 0 {
		return true
	}
	for _, te := range r.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	method := strings.ToUpper(r.Method)
	if _, bodyless := bodylessMethods[method]; bodyless {
		// HTTP/2 requests have no framing headers; an unknown length
		// means the client may still be sending.
		return r.ProtoMajor >= 2 && r.ContentLength < 0
	}
	return true
}

// buildOutboundURL joins the destination prefix with the inbound path
// minus the route prefix, carrying the raw (already encoded) forms
// verbatim so no re-encoding happens on the way through.
func buildOutboundURL(prefix *url.URL, r *http.Request, pathBase string) *url.URL {
	target := *prefix

	inPath := r.URL.EscapedPath()
	if pathBase != "" && strings.HasPrefix(inPath, pathBase) {
		inPath = inPath[len(pathBase):]
	}

	base := prefix.EscapedPath()
	switch {
	case strings.HasSuffix(base, "/") && strings.HasPrefix(inPath, "/"):
		inPath = inPath[1:]
	case base != "" && !strings.HasSuffix(base, "/") && inPath != "" && !strings.HasPrefix(inPath, "/"):
		inPath = "/" + inPath
	}

	joined := base + inPath
	target.RawPath = joined
	if unescaped, err := url.PathUnescape(joined); err == nil {
		target.Path = unescaped
	} else {
		target.Path = joined
	}
	target.RawQuery = r.URL.RawQuery
	return &target
}

// buildOutbound constructs the upstream request: URI, body content,
// headers under hop-by-hop filtering, and the transform chain. The
// returned BodyContent is nil when the request is bodyless.
func (f *Forwarder) buildOutbound(sendCtx, bodyCancel context.Context, r *http.Request, dest *Destination, pathBase string, pipeline *transforms.Pipeline, tok *streamcopy.ActivityToken, upgradeType string) (*http.Request, *streamcopy.BodyContent, error) {
	target := buildOutboundURL(dest.Prefix, r, pathBase)

	var content *streamcopy.BodyContent
	var reader io.ReadCloser
	if needsOutboundBody(r) && r.Body != nil {
		content = streamcopy.NewBodyContent(sendCtx, r.Body, bodyCancel, tok, f.tel, r.ContentLength)
		reader = content
	}
	out, err := http.NewRequestWithContext(sendCtx, r.Method, target.String(), reader)
	if err != nil {
		return nil, nil, err
	}
	if content != nil {
		if r.ContentLength > 0 {
			out.ContentLength = r.ContentLength
		} else {
			out.ContentLength = -1
		}
	}

	if pipeline.ShouldCopyRequestHeaders() {
		transforms.CopyRequestHeaders(out.Header, r.Header)
	}
	// Host is cleared by default; the transport derives it from the
	// destination URI unless a transform sets it back.
	out.Host = ""

	if upgradeType != "" {
		out.Header.Set("Connection", "Upgrade")
		out.Header.Set("Upgrade", upgradeType)
	}

	tc := &transforms.RequestContext{
		Outbound:      out,
		Inbound:       r,
		PathBase:      pathBase,
		HeadersCopied: pipeline.ShouldCopyRequestHeaders(),
	}
	if err := pipeline.TransformRequest(tc); err != nil {
		return nil, nil, err
	}
	return out, content, nil
}
