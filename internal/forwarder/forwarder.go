package forwarder

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/router-for-me/RelayCore/internal/logging"
	"github.com/router-for-me/RelayCore/internal/streamcopy"
	"github.com/router-for-me/RelayCore/internal/telemetry"
	"github.com/router-for-me/RelayCore/internal/transforms"
)

// Forwarder drives a single proxied request from acceptance to
// completion. It is shared across requests; all fields are read-only
// after construction and both transports must be safe for concurrent
// use.
type Forwarder struct {
	// transport carries normal forwarding and prefers HTTP/2 when the
	// destination negotiates it.
	transport http.RoundTripper
	// upgradeTransport is HTTP/1.1 only; protocol upgrades cannot ride
	// an h2 stream.
	upgradeTransport http.RoundTripper

	requestTimeout  time.Duration
	activityTimeout time.Duration

	tel telemetry.Consumer
}

// Options configures a Forwarder. Zero values fall back to defaults.
type Options struct {
	// Transport overrides the shared outbound transport.
	Transport http.RoundTripper
	// UpgradeTransport overrides the HTTP/1.1-only transport used for
	// upgrade-eligible requests.
	UpgradeTransport http.RoundTripper
	// RequestTimeout bounds the time until response headers arrive.
	RequestTimeout time.Duration
	// ActivityTimeout bounds the idle time of any body pump.
	ActivityTimeout time.Duration
	// Telemetry receives the forwarder's events.
	Telemetry telemetry.Consumer
}

// New builds a Forwarder.
func New(opts Options) *Forwarder {
	f := &Forwarder{
		transport:        opts.Transport,
		upgradeTransport: opts.UpgradeTransport,
		requestTimeout:   opts.RequestTimeout,
		activityTimeout:  opts.ActivityTimeout,
		tel:              opts.Telemetry,
	}
	if f.transport == nil {
		f.transport = defaultTransport()
	}
	if f.upgradeTransport == nil {
		f.upgradeTransport = defaultUpgradeTransport()
	}
	if f.activityTimeout <= 0 {
		f.activityTimeout = 100 * time.Second
	}
	if f.tel == nil {
		f.tel = telemetry.Nop{}
	}
	return f
}

func defaultTransport() *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		log.Warnf("forwarder: http2 transport configuration failed, staying on HTTP/1.1: %v", err)
	}
	return t
}

func defaultUpgradeTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Empty map disables ALPN h2 so the connection stays 1.1 and
		// can switch protocols.
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Forward proxies the inbound request to dest, writing the result to w.
// Every error is classified, recorded on the request's ErrorSlot,
// reflected in the response status when headers are still uncommitted,
// and returned for caller-side logging. Callers must not retry. The one
// panic that can leave Forward is http.ErrAbortHandler, raised by
// abortResponse when a committed response has to be torn down and the
// inbound connection cannot be hijacked.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, dest *Destination, pathBase string, pipeline *transforms.Pipeline) *ProxyError {
	// Fires on client disconnect (and carries the request ID).
	ctx := r.Context()
	slot := ErrorSlotFrom(ctx)

	f.tel.ProxyStart(ctx)
	f.tel.ForwarderStage(ctx, telemetry.StageReceivedRequest)

	// Two cancellation tokens: the request token adds the configured
	// timeout on top of client disconnect; the content token fires on
	// disconnect only, so an elapsed timeout cannot kill an in-flight
	// HTTP/2 upload. The timeout only runs until response headers
	// arrive; it is stopped before the response body is pumped.
	reqCtx := ctx
	cancelReq := func() {}
	stopTimeout := func() bool { return false }
	if f.requestTimeout > 0 {
		var cancel context.CancelCauseFunc
		reqCtx, cancel = context.WithCancelCause(ctx)
		cancelReq = func() { cancel(context.Canceled) }
		stopTimeout = time.AfterFunc(f.requestTimeout, func() { cancel(context.DeadlineExceeded) }).Stop
	}
	defer cancelReq()
	contentCtx := ctx

	upgradeType := ""
	if r.ProtoMajor == 1 {
		upgradeType = transforms.UpgradeType(r.Header)
	}

	transport := f.transport
	bodyCancel := contentCtx
	if upgradeType != "" {
		transport = f.upgradeTransport
		// On HTTP/1.1 the request token is already the right upload
		// signal; the content token is deliberately not linked.
		bodyCancel = reqCtx
	}

	uploadTok := streamcopy.NewActivityToken(contentCtx, f.activityTimeout)
	defer uploadTok.Close()

	outReq, content, err := f.buildOutbound(reqCtx, bodyCancel, r, dest, pathBase, pipeline, uploadTok, upgradeType)
	if err != nil {
		return f.fail(ctx, w, pipeline, r, &ProxyError{Kind: ErrorRequest, Cause: err})
	}

	f.tel.ForwarderStage(ctx, telemetry.StageSentRequest)
	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		return f.fail(ctx, w, pipeline, r, f.classifyRequestError(reqCtx, err, content))
	}
	stopTimeout()
	f.tel.ForwarderStage(ctx, telemetry.StageReceivedResponse)

	if resp.StatusCode == http.StatusSwitchingProtocols && upgradeType != "" {
		return f.handleUpgrade(ctx, contentCtx, w, r, resp, pipeline)
	}

	return f.forwardResponse(ctx, contentCtx, w, r, resp, pipeline, slot)
}

// forwardResponse assembles and pumps a normal (non-upgrade) response.
func (f *Forwarder) forwardResponse(ctx, contentCtx context.Context, w http.ResponseWriter, r *http.Request, resp *http.Response, pipeline *transforms.Pipeline, slot *ErrorSlot) *ProxyError {
	defer resp.Body.Close()

	header := w.Header()
	if pipeline.ShouldCopyResponseHeaders() {
		transforms.CopyResponseHeaders(header, resp.Header)
	}
	rc := &transforms.ResponseContext{
		Inbound:    r,
		Response:   resp,
		Header:     header,
		StatusCode: resp.StatusCode,
	}
	if err := pipeline.TransformResponse(rc); err != nil {
		return f.fail(ctx, w, pipeline, r, &ProxyError{Kind: ErrorRequest, Cause: err})
	}

	f.tel.ForwarderStage(ctx, telemetry.StageResponseContentTransferStart)

	// Headers are committed on the first body byte (or at the end for
	// empty bodies) so a destination that dies before producing any
	// output can still be turned into a clean 502.
	cw := newCommitWriter(w, resp.StatusCode)

	tok := streamcopy.NewActivityToken(contentCtx, f.activityTimeout)
	defer tok.Close()

	result, _, copyErr := streamcopy.Copy(tok.Context(), cw, resp.Body, tok, false, f.tel)
	if result != streamcopy.ResultDone {
		perr := &ProxyError{Kind: classifyResponseBody(result), Cause: copyErr}
		if !cw.Committed() {
			return f.fail(ctx, w, pipeline, r, perr)
		}
		// Already committed: the status cannot change; tear the
		// connection down so the client sees the truncation.
		slot.Set(perr)
		f.tel.ProxyFailed(ctx, perr.Kind.String())
		f.logFailure(ctx, perr)
		abortResponse(w)
		return perr
	}

	// Trailers ride behind the body.
	trailer := make(http.Header, len(resp.Trailer))
	for k, vv := range resp.Trailer {
		trailer[k] = append([]string(nil), vv...)
	}
	tc := &transforms.TrailerContext{Response: resp, Trailer: trailer}
	if err := pipeline.TransformTrailer(tc); err != nil {
		log.WithField("request_id", logging.GetRequestID(ctx)).Warnf("trailer transform failed: %v", err)
	} else {
		for k, vv := range tc.Trailer {
			for _, v := range vv {
				header.Add(http.TrailerPrefix+k, v)
			}
		}
	}

	cw.Commit()
	f.tel.ForwarderStage(ctx, telemetry.StageCompleted)
	f.tel.ProxyStop(ctx, resp.StatusCode)
	return nil
}

// classifyRequestError maps a transport failure before response headers
// into the taxonomy. When the upload already started, the failure is
// promoted to a request-body kind using the copier's side classifier:
// nothing consumed yet means the client side never delivered, anything
// consumed means the destination side gave up mid-write.
func (f *Forwarder) classifyRequestError(reqCtx context.Context, err error, content *streamcopy.BodyContent) *ProxyError {
	if content != nil && content.Started() {
		select {
		case <-content.Done():
			result, _, bodyErr := content.Result()
			switch result {
			case streamcopy.ResultReadError:
				return &ProxyError{Kind: ErrorRequestBodyClient, Cause: bodyErr}
			case streamcopy.ResultCanceled:
				return &ProxyError{Kind: ErrorRequestBodyCanceled, Cause: bodyErr}
			}
		default:
		}
		_, bytes, _ := content.Result()
		if isCancellation(reqCtx, err) {
			return &ProxyError{Kind: ErrorRequestBodyCanceled, Cause: err}
		}
		if bytes == 0 {
			return &ProxyError{Kind: ErrorRequestBodyClient, Cause: err}
		}
		return &ProxyError{Kind: ErrorRequestBodyDestination, Cause: err}
	}
	if isCancellation(reqCtx, err) {
		return &ProxyError{Kind: ErrorRequestCanceled, Cause: err}
	}
	return &ProxyError{Kind: ErrorRequest, Cause: err}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, streamcopy.ErrInactivity)
}

func classifyResponseBody(result streamcopy.Result) ErrorKind {
	switch result {
	case streamcopy.ResultReadError:
		return ErrorResponseBodyDestination
	case streamcopy.ResultWriteError:
		return ErrorResponseBodyClient
	default:
		return ErrorResponseBodyCanceled
	}
}

// fail finishes a request whose response headers are still uncommitted:
// synthesize the status for the kind, run the Always response
// transforms, emit no body.
func (f *Forwarder) fail(ctx context.Context, w http.ResponseWriter, pipeline *transforms.Pipeline, r *http.Request, perr *ProxyError) *ProxyError {
	ErrorSlotFrom(ctx).Set(perr)
	f.logFailure(ctx, perr)
	f.tel.ProxyFailed(ctx, perr.Kind.String())

	header := w.Header()
	clearHeader(header)
	rc := &transforms.ResponseContext{
		Inbound:    r,
		Header:     header,
		StatusCode: perr.Kind.StatusCode(),
		Failed:     true,
	}
	if err := pipeline.TransformResponse(rc); err != nil {
		log.WithField("request_id", logging.GetRequestID(ctx)).Warnf("failure-path response transform failed: %v", err)
	}
	w.WriteHeader(perr.Kind.StatusCode())
	return perr
}

func (f *Forwarder) logFailure(ctx context.Context, perr *ProxyError) {
	log.WithFields(log.Fields{
		"request_id": logging.GetRequestID(ctx),
		"kind":       perr.Kind.String(),
	}).Warnf("forwarding failed: %v", perr.Cause)
}

func clearHeader(h http.Header) {
	for k := range h {
		delete(h, k)
	}
}

// abortResponse tears the inbound connection down after the response has
// started. Hijacking and closing the raw connection is the clean path;
// where the server does not support it, ErrAbortHandler is the
// documented abort contract of net/http.
func abortResponse(w http.ResponseWriter) {
	if conn, _, err := http.NewResponseController(w).Hijack(); err == nil {
		_ = conn.Close()
		return
	}
	panic(http.ErrAbortHandler)
}

// commitWriter delays WriteHeader until the first body byte and flushes
// every chunk so streaming responses reach the client as they arrive.
type commitWriter struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	status    int
	committed bool
}

func newCommitWriter(w http.ResponseWriter, status int) *commitWriter {
	return &commitWriter{w: w, rc: http.NewResponseController(w), status: status}
}

func (cw *commitWriter) Write(p []byte) (int, error) {
	if !cw.committed {
		cw.committed = true
		cw.w.WriteHeader(cw.status)
	}
	n, err := cw.w.Write(p)
	if err == nil {
		_ = cw.rc.Flush()
	}
	return n, err
}

// Commit writes the status line if no body byte has done so yet.
func (cw *commitWriter) Commit() {
	if !cw.committed {
		cw.committed = true
		cw.w.WriteHeader(cw.status)
	}
}

// Committed reports whether the response has started.
func (cw *commitWriter) Committed() bool {
	return cw.committed
}
