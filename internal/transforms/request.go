package transforms

import "net/http"

// RequestHeaderValue sets or appends a fixed header on the outbound
// request.
type RequestHeaderValue struct {
	Name   string
	Value  string
	Append bool
}

func (t RequestHeaderValue) ApplyRequest(tc *RequestContext) error {
	if t.Append {
		tc.Outbound.Header.Add(t.Name, t.Value)
	} else {
		tc.Outbound.Header.Set(t.Name, t.Value)
	}
	return nil
}

// RequestHeaderRemove removes a header from the outbound request.
type RequestHeaderRemove struct {
	Name string
}

func (t RequestHeaderRemove) ApplyRequest(tc *RequestContext) error {
	tc.Outbound.Header.Del(t.Name)
	return nil
}

// RequestHeadersAllowed copies the listed headers from the inbound
// request onto the outbound request. It removes nothing, so it acts as an
// allow-list only when paired with Pipeline.SuppressRequestHeaderCopy;
// with the default copy left on, every copied header stays.
type RequestHeadersAllowed struct {
	Names []string
}

func (t RequestHeadersAllowed) ApplyRequest(tc *RequestContext) error {
	for _, name := range t.Names {
		canonical := http.CanonicalHeaderKey(name)
		if IsHopByHop(canonical) || canonical == "Host" {
			continue
		}
		if values, ok := tc.Inbound.Header[canonical]; ok {
			tc.Outbound.Header[canonical] = append([]string(nil), values...)
		}
	}
	return nil
}

// HostPassthrough carries the inbound Host to the destination instead of
// the default (cleared Host, letting the transport derive it from the
// destination URI).
type HostPassthrough struct{}

func (HostPassthrough) ApplyRequest(tc *RequestContext) error {
	tc.Outbound.Host = tc.Inbound.Host
	return nil
}

// RequestHostValue sets a fixed Host on the outbound request.
type RequestHostValue struct {
	Host string
}

func (t RequestHostValue) ApplyRequest(tc *RequestContext) error {
	tc.Outbound.Host = t.Host
	return nil
}
