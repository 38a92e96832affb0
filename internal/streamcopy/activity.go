package streamcopy

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInactivity is the cancellation cause recorded when a pump saw no
// completed read or write within its activity window.
var ErrInactivity = errors.New("stream copy: no activity within the timeout window")

// ActivityToken supervises one body pump. Its context is canceled when
// either the parent context is canceled or the inactivity timer elapses;
// Touch rearms the timer and is called after every successful read and
// write. A token is owned by exactly one pump (upgrade pumps share one,
// since either direction's progress counts as activity).
type ActivityToken struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	window time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewActivityToken derives a token from parent with the given inactivity
// window. A non-positive window disables the inactivity timer; the token
// then only mirrors parent cancellation.
func NewActivityToken(parent context.Context, window time.Duration) *ActivityToken {
	ctx, cancel := context.WithCancelCause(parent)
	t := &ActivityToken{ctx: ctx, cancel: cancel, window: window}
	if window > 0 {
		t.timer = time.AfterFunc(window, func() {
			cancel(ErrInactivity)
		})
	}
	return t
}

// Context returns the linked cancellation context.
func (t *ActivityToken) Context() context.Context {
	return t.ctx
}

// Touch rearms the inactivity timer.
func (t *ActivityToken) Touch() {
	if t.timer == nil {
		return
	}
	t.mu.Lock()
	if !t.closed {
		t.timer.Reset(t.window)
	}
	t.mu.Unlock()
}

// Expired reports whether the token was canceled by inactivity rather
// than by its parent.
func (t *ActivityToken) Expired() bool {
	return context.Cause(t.ctx) == ErrInactivity
}

// Close releases the timer and cancels the context. Safe to call more
// than once.
func (t *ActivityToken) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	t.mu.Unlock()
	t.cancel(context.Canceled)
}
