// Package forwarder implements the request-forwarding engine: outbound
// request construction, dispatch through a shared transport, response
// assembly, body pumping in both directions, protocol upgrades, and the
// closed failure taxonomy surfaced to upstream middleware.
package forwarder

import (
	"context"
	"net/http"
	"sync"
)

// ErrorKind is the closed taxonomy of forwarding failures. The kind
// encodes which stage the request was in when it failed and which side
// of the proxy failed.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	// Request: the destination request failed before response headers
	// arrived, without the upload having started.
	ErrorRequest
	ErrorRequestCanceled
	// RequestBody*: the request body upload failed.
	ErrorRequestBodyCanceled
	ErrorRequestBodyClient
	ErrorRequestBodyDestination
	// ResponseBody*: the response body transfer failed.
	ErrorResponseBodyCanceled
	ErrorResponseBodyClient
	ErrorResponseBodyDestination
	// Upgrade*: a pump of an upgraded (101) connection failed, by
	// direction and side.
	ErrorUpgradeRequestCanceled
	ErrorUpgradeRequestClient
	ErrorUpgradeRequestDestination
	ErrorUpgradeResponseCanceled
	ErrorUpgradeResponseClient
	ErrorUpgradeResponseDestination
)

var errorKindNames = map[ErrorKind]string{
	ErrorNone:                       "None",
	ErrorRequest:                    "Request",
	ErrorRequestCanceled:            "RequestCanceled",
	ErrorRequestBodyCanceled:        "RequestBodyCanceled",
	ErrorRequestBodyClient:          "RequestBodyClient",
	ErrorRequestBodyDestination:     "RequestBodyDestination",
	ErrorResponseBodyCanceled:       "ResponseBodyCanceled",
	ErrorResponseBodyClient:         "ResponseBodyClient",
	ErrorResponseBodyDestination:    "ResponseBodyDestination",
	ErrorUpgradeRequestCanceled:     "UpgradeRequestCanceled",
	ErrorUpgradeRequestClient:       "UpgradeRequestClient",
	ErrorUpgradeRequestDestination:  "UpgradeRequestDestination",
	ErrorUpgradeResponseCanceled:    "UpgradeResponseCanceled",
	ErrorUpgradeResponseClient:      "UpgradeResponseClient",
	ErrorUpgradeResponseDestination: "UpgradeResponseDestination",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// StatusCode returns the status synthesized for a failure that happened
// before response headers were committed. A client-caused body failure
// is the client's fault; everything else is a gateway error.
func (k ErrorKind) StatusCode() int {
	if k == ErrorRequestBodyClient {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// ProxyError is the error feature attached to a failed request: the
// taxonomy kind plus the underlying error.
type ProxyError struct {
	Kind  ErrorKind
	Cause error
}

func (e *ProxyError) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// ErrorSlot is the per-request output slot downstream middleware reads
// to learn how forwarding failed. The serving layer installs one on the
// request context before handing the request to the forwarder.
type ErrorSlot struct {
	mu  sync.Mutex
	err *ProxyError
}

type errorSlotKey struct{}

// WithErrorSlot installs a fresh slot on ctx and returns both.
func WithErrorSlot(ctx context.Context) (context.Context, *ErrorSlot) {
	slot := &ErrorSlot{}
	return context.WithValue(ctx, errorSlotKey{}, slot), slot
}

// ErrorSlotFrom returns the slot installed on ctx, or nil.
func ErrorSlotFrom(ctx context.Context) *ErrorSlot {
	slot, _ := ctx.Value(errorSlotKey{}).(*ErrorSlot)
	return slot
}

// Set records the first error; later calls are ignored.
func (s *ErrorSlot) Set(err *ProxyError) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Get returns the recorded error, or nil.
func (s *ErrorSlot) Get() *ProxyError {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
