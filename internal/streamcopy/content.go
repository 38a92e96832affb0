package streamcopy

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/router-for-me/RelayCore/internal/telemetry"
)

// BodyContent is the outbound request body the forwarder hands to the
// HTTP transport. The transport drives it: the upload begins on the
// first Read and runs concurrently with response reception (the
// transport reads the response while still pulling the body, so the
// proxy is full duplex end to end).
//
// It tracks whether the upload ever started and how it ended, which the
// forwarder needs to classify a transport failure as a request-body
// failure and to pick the failing side. The cancel context is the
// content-level token for HTTP/2 uploads and the request-level token for
// HTTP/1.1, where the transport's own request cancellation already
// covers the body.
type BodyContent struct {
	ctx    context.Context
	src    io.Reader
	cancel context.Context
	tok    *ActivityToken
	tel    telemetry.Consumer
	// length is the advertised Content-Length, or -1 when unknown. With
	// a known length the transport stops at the limit and never pulls
	// the EOF, so Close has to recognize a complete upload by count.
	length int64

	started atomic.Bool
	bytes   atomic.Int64

	iops          int64
	readTime      time.Duration
	firstReadTime time.Duration
	firstRead     bool
	startAt       time.Time

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

// NewBodyContent wraps src as an upload body governed by cancel and tok.
// length is the advertised Content-Length (-1 when unknown). Transfer
// telemetry is reported to tel against ctx.
func NewBodyContent(ctx context.Context, src io.Reader, cancel context.Context, tok *ActivityToken, tel telemetry.Consumer, length int64) *BodyContent {
	if tel == nil {
		tel = telemetry.Nop{}
	}
	return &BodyContent{
		ctx:    ctx,
		src:    src,
		cancel: cancel,
		tok:    tok,
		tel:    tel,
		length: length,
		done:   make(chan struct{}),
	}
}

// Read implements io.Reader for the transport. Each successful read
// touches the activity token.
func (c *BodyContent) Read(p []byte) (int, error) {
	if c.started.CompareAndSwap(false, true) {
		c.startAt = time.Now()
	}

	if err := c.cancel.Err(); err != nil {
		cause := context.Cause(c.cancel)
		c.complete(ResultCanceled, cause)
		return 0, cause
	}
	if c.tok != nil {
		if err := c.tok.Context().Err(); err != nil {
			cause := context.Cause(c.tok.Context())
			c.complete(ResultCanceled, cause)
			return 0, cause
		}
	}

	readStart := time.Now()
	n, err := c.src.Read(p)
	c.readTime += time.Since(readStart)
	if !c.firstRead {
		c.firstRead = true
		c.firstReadTime = time.Since(readStart)
	}
	if n > 0 {
		c.iops++
		c.bytes.Add(int64(n))
		if c.tok != nil {
			c.tok.Touch()
		}
	}
	if err != nil {
		if err == io.EOF {
			c.complete(ResultDone, nil)
		} else if isCancellation(err) {
			c.complete(ResultCanceled, err)
		} else {
			c.complete(ResultReadError, err)
		}
	}
	return n, err
}

// Close implements io.Closer. The transport closes the body when the
// round trip ends; closing after the advertised length was consumed is a
// normal completion, closing earlier means the upload was cut short.
func (c *BodyContent) Close() error {
	if c.length >= 0 && c.bytes.Load() == c.length {
		c.complete(ResultDone, nil)
		return nil
	}
	c.complete(ResultCanceled, fmt.Errorf("request body closed before completion: %w", context.Canceled))
	return nil
}

// Started reports whether the transport ever pulled from the body.
func (c *BodyContent) Started() bool {
	return c.started.Load()
}

// Done is closed when the upload finishes, successfully or not.
func (c *BodyContent) Done() <-chan struct{} {
	return c.done
}

// Result returns how the upload ended and how many bytes were consumed.
// Only meaningful once Done is closed.
func (c *BodyContent) Result() (Result, int64, error) {
	return c.result, c.bytes.Load(), c.err
}

func (c *BodyContent) complete(result Result, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)

		var writeTime time.Duration
		if !c.startAt.IsZero() {
			// The transport owns the destination write; everything not
			// spent in source reads was spent feeding it.
			writeTime = time.Since(c.startAt) - c.readTime
			if writeTime < 0 {
				writeTime = 0
			}
		}
		c.tel.ContentTransferred(c.ctx, telemetry.TransferStats{
			Request:       true,
			Bytes:         c.bytes.Load(),
			IOPS:          c.iops,
			ReadTime:      c.readTime,
			WriteTime:     writeTime,
			FirstReadTime: c.firstReadTime,
		})
	})
}
