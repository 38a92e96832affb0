package transforms

import (
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// ResponseDecompress transparently decompresses gzip and brotli response
// bodies before they are pumped to the client. Server-sent event streams
// are left alone: decoding a live stream would add latency between
// events, and SSE payloads are rarely compressed anyway.
type ResponseDecompress struct{}

func (ResponseDecompress) Always() bool { return false }

func (ResponseDecompress) ApplyResponse(tc *ResponseContext) error {
	if tc.Response == nil || tc.Response.Body == nil {
		return nil
	}
	if strings.Contains(tc.Header.Get("Content-Type"), "text/event-stream") {
		return nil
	}

	encoding := strings.ToLower(strings.TrimSpace(tc.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		tc.Response.Body = &decodedBody{src: tc.Response.Body, open: newGzipReader}
	case "br":
		tc.Response.Body = &decodedBody{src: tc.Response.Body, open: newBrotliReader}
	default:
		return nil
	}

	// The decoded length is unknown; drop the stale framing headers and
	// let the server pick the transfer encoding.
	tc.Header.Del("Content-Encoding")
	tc.Header.Del("Content-Length")
	tc.Response.ContentLength = -1
	return nil
}

func newGzipReader(src io.Reader) (io.Reader, error) {
	return gzip.NewReader(src)
}

func newBrotliReader(src io.Reader) (io.Reader, error) {
	return brotli.NewReader(src), nil
}

// decodedBody defers decoder construction to the first read; gzip's
// header parse would otherwise block inside the transform before the
// body pump starts.
type decodedBody struct {
	src     io.ReadCloser
	open    func(io.Reader) (io.Reader, error)
	decoder io.Reader
	openErr error
}

func (d *decodedBody) Read(p []byte) (int, error) {
	if d.decoder == nil && d.openErr == nil {
		d.decoder, d.openErr = d.open(d.src)
	}
	if d.openErr != nil {
		return 0, d.openErr
	}
	return d.decoder.Read(p)
}

func (d *decodedBody) Close() error {
	return d.src.Close()
}
