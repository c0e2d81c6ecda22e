package durable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkarren/stepflow/pkg/api"
)

func TestSignalKeyIsDeterministic(t *testing.T) {
	a := SignalKey("exec-1", "approve", "")
	b := SignalKey("exec-1", "approve", DefaultPurpose)
	if a != b {
		t.Fatalf("empty purpose should default: %q vs %q", a, b)
	}
	if a == SignalKey("exec-2", "approve", "") {
		t.Fatal("different executions must not share a key")
	}
}

func TestResolveBeforeWaitIsBuffered(t *testing.T) {
	r := NewSignalRegistry()
	key := SignalKey("exec-1", "gate", "")

	if !r.Resolve(key, map[string]any{"ok": true}) {
		t.Fatal("first resolve should be accepted")
	}
	// The buffer is one deep; a second payload has nowhere to go.
	if r.Resolve(key, map[string]any{"ok": false}) {
		t.Fatal("second resolve should report a pending payload")
	}

	got, err := r.Wait(context.Background(), key, time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got["ok"] != true {
		t.Fatalf("wrong payload: %v", got)
	}
}

func TestWaitReceivesLaterResolve(t *testing.T) {
	r := NewSignalRegistry()
	key := SignalKey("exec-1", "gate", "")

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Resolve(key, map[string]any{"n": 7})
	}()

	got, err := r.Wait(context.Background(), key, 2*time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got["n"] != 7 {
		t.Fatalf("wrong payload: %v", got)
	}
}

func TestWaitTimesOut(t *testing.T) {
	r := NewSignalRegistry()
	key := SignalKey("exec-1", "gate", "")

	_, err := r.Wait(context.Background(), key, 30*time.Millisecond)
	if !errors.Is(err, api.ErrSignalTimeout) {
		t.Fatalf("want ErrSignalTimeout, got %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	r := NewSignalRegistry()
	key := SignalKey("exec-1", "gate", "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Wait(ctx, key, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestWaitConsumesChannelOnce(t *testing.T) {
	r := NewSignalRegistry()
	key := SignalKey("exec-1", "gate", "")

	r.Resolve(key, map[string]any{"first": true})
	if _, err := r.Wait(context.Background(), key, time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	// The channel is dropped after delivery; a later signal starts fresh
	// rather than reusing stale state.
	if !r.Resolve(key, map[string]any{"second": true}) {
		t.Fatal("resolve after consumption should be accepted")
	}
}
