package streamcopy

import (
	"context"
	"testing"
	"time"
)

func TestActivityToken_FiresWhenIdle(t *testing.T) {
	tok := NewActivityToken(context.Background(), 30*time.Millisecond)
	defer tok.Close()

	select {
	case <-tok.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("token never fired")
	}
	if !tok.Expired() {
		t.Fatal("expected inactivity expiry as the cause")
	}
}

func TestActivityToken_TouchDefersExpiry(t *testing.T) {
	tok := NewActivityToken(context.Background(), 60*time.Millisecond)
	defer tok.Close()

	for i := 0; i < 5; i++ {
		time.Sleep(25 * time.Millisecond)
		tok.Touch()
		if tok.Context().Err() != nil {
			t.Fatalf("token fired despite activity (iteration %d)", i)
		}
	}
}

func TestActivityToken_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	tok := NewActivityToken(parent, time.Hour)
	defer tok.Close()

	cancel()
	select {
	case <-tok.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("token did not observe parent cancellation")
	}
	if tok.Expired() {
		t.Fatal("parent cancellation must not be reported as inactivity")
	}
}

func TestActivityToken_CloseStopsTimer(t *testing.T) {
	tok := NewActivityToken(context.Background(), 20*time.Millisecond)
	tok.Close()
	time.Sleep(60 * time.Millisecond)
	if tok.Expired() {
		t.Fatal("closed token reported inactivity expiry")
	}
	// Touch after close must not panic or rearm.
	tok.Touch()
	tok.Close()
}

func TestActivityToken_ZeroWindowDisablesTimer(t *testing.T) {
	tok := NewActivityToken(context.Background(), 0)
	defer tok.Close()

	select {
	case <-tok.Context().Done():
		t.Fatal("token with no window fired")
	case <-time.After(50 * time.Millisecond):
	}
}
