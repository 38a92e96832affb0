// Package transforms implements the header/URI transform pipeline the
// forwarder applies while building the outbound request and the inbound
// response, plus the hop-by-hop filtering rules that make the default
// header copy safe for a proxy.
package transforms

import (
	"net/http"
)

// RequestContext is handed to request transforms after the default
// header copy. Transforms mutate the outbound request in place.
type RequestContext struct {
	// Outbound is the upstream request being built.
	Outbound *http.Request
	// Inbound is the client request as received.
	Inbound *http.Request
	// PathBase is the route prefix that was stripped from the inbound
	// path before composing the outbound URI.
	PathBase string
	// HeadersCopied records whether the default header copy ran. When
	// the pipeline suppresses the copy, transforms start from an empty
	// outbound header bag.
	HeadersCopied bool
}

// ResponseContext is handed to response transforms after the hop-by-hop
// filtered copy into the client-facing header bag.
type ResponseContext struct {
	// Inbound is the client request.
	Inbound *http.Request
	// Response is the upstream response. Nil on the failure path (Failed
	// is true), where only transforms registered Always run.
	Response *http.Response
	// Header is the header bag destined for the client.
	Header http.Header
	// StatusCode is the status that will be (or was) sent to the client.
	StatusCode int
	// Failed is true when the proxy terminated with an error.
	Failed bool
}

// TrailerContext is handed to trailer transforms after the response body
// completed.
type TrailerContext struct {
	// Response is the upstream response.
	Response *http.Response
	// Trailer is the trailer bag destined for the client.
	Trailer http.Header
}

// RequestTransform mutates the outbound request.
type RequestTransform interface {
	ApplyRequest(tc *RequestContext) error
}

// ResponseTransform mutates the client-facing response headers. Always
// reports whether the transform also runs on failed responses.
type ResponseTransform interface {
	ApplyResponse(tc *ResponseContext) error
	Always() bool
}

// TrailerTransform mutates the client-facing response trailers.
type TrailerTransform interface {
	ApplyTrailer(tc *TrailerContext) error
}

// Pipeline is an ordered, immutable-after-build sequence of transforms.
// A built pipeline is safe for concurrent application across requests.
type Pipeline struct {
	request  []RequestTransform
	response []ResponseTransform
	trailer  []TrailerTransform

	copyRequestHeaders  bool
	copyResponseHeaders bool
}

// NewPipeline returns an empty pipeline with default header copy enabled
// in both directions.
func NewPipeline() *Pipeline {
	return &Pipeline{
		copyRequestHeaders:  true,
		copyResponseHeaders: true,
	}
}

// AddRequest appends request transforms in order.
func (p *Pipeline) AddRequest(ts ...RequestTransform) *Pipeline {
	p.request = append(p.request, ts...)
	return p
}

// AddResponse appends response transforms in order.
func (p *Pipeline) AddResponse(ts ...ResponseTransform) *Pipeline {
	p.response = append(p.response, ts...)
	return p
}

// AddTrailer appends trailer transforms in order.
func (p *Pipeline) AddTrailer(ts ...TrailerTransform) *Pipeline {
	p.trailer = append(p.trailer, ts...)
	return p
}

// SuppressRequestHeaderCopy disables the default inbound-to-outbound
// header copy; only transform-set headers go upstream.
func (p *Pipeline) SuppressRequestHeaderCopy() *Pipeline {
	p.copyRequestHeaders = false
	return p
}

// SuppressResponseHeaderCopy disables the default upstream-to-client
// header copy.
func (p *Pipeline) SuppressResponseHeaderCopy() *Pipeline {
	p.copyResponseHeaders = false
	return p
}

// ShouldCopyRequestHeaders reports whether the default request header
// copy applies.
func (p *Pipeline) ShouldCopyRequestHeaders() bool {
	return p == nil || p.copyRequestHeaders
}

// ShouldCopyResponseHeaders reports whether the default response header
// copy applies.
func (p *Pipeline) ShouldCopyResponseHeaders() bool {
	return p == nil || p.copyResponseHeaders
}

// TransformRequest applies the request transforms in order, stopping at
// the first error.
func (p *Pipeline) TransformRequest(tc *RequestContext) error {
	if p == nil {
		return nil
	}
	for _, t := range p.request {
		if err := t.ApplyRequest(tc); err != nil {
			return err
		}
	}
	return nil
}

// TransformResponse applies the response transforms in order. On failed
// responses only transforms registered Always run.
func (p *Pipeline) TransformResponse(tc *ResponseContext) error {
	if p == nil {
		return nil
	}
	for _, t := range p.response {
		if tc.Failed && !t.Always() {
			continue
		}
		if err := t.ApplyResponse(tc); err != nil {
			return err
		}
	}
	return nil
}

// TransformTrailer applies the trailer transforms in order.
func (p *Pipeline) TransformTrailer(tc *TrailerContext) error {
	if p == nil {
		return nil
	}
	for _, t := range p.trailer {
		if err := t.ApplyTrailer(tc); err != nil {
			return err
		}
	}
	return nil
}
