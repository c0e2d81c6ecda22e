package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mkarren/stepflow/pkg/api"
)

// decodeFrames parses "data: {json}\n\n" frames back into events.
func decodeFrames(t *testing.T, raw string) []api.StreamEvent {
	t.Helper()
	var events []api.StreamEvent
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			t.Fatalf("malformed SSE line: %q", line)
		}
		var ev api.StreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("bad frame %q: %v", payload, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestServeSSEEndsOnTerminalEvent(t *testing.T) {
	h := NewHub(nil)
	sub := h.SubscribeExecution("exec-1", 8)

	h.Publish(event(api.EventRunStarted, "exec-1", "wf-1"))
	h.Publish(event(api.EventStepCompleted, "exec-1", "wf-1"))
	h.Publish(event(api.EventRunCompleted, "exec-1", "wf-1"))

	var buf bytes.Buffer
	err := ServeSSE(context.Background(), &buf, sub, ConsumerOptions{HeartbeatInterval: time.Minute})
	if err != nil {
		t.Fatalf("ServeSSE failed: %v", err)
	}

	events := decodeFrames(t, buf.String())
	want := []string{api.EventRunStarted, api.EventStepCompleted, api.EventRunCompleted, api.EventComplete}
	if len(events) != len(want) {
		t.Fatalf("got %d frames, want %d: %+v", len(events), len(want), events)
	}
	for i, evType := range want {
		if events[i].Type != evType {
			t.Fatalf("frame %d = %q, want %q", i, events[i].Type, evType)
		}
	}
}

func TestServeSSEStopsAtMaxEvents(t *testing.T) {
	h := NewHub(nil)
	sub := h.SubscribeExecution("exec-1", 8)

	for i := 0; i < 5; i++ {
		h.Publish(event(api.EventStepCompleted, "exec-1", "wf-1"))
	}

	var buf bytes.Buffer
	err := ServeSSE(context.Background(), &buf, sub, ConsumerOptions{
		HeartbeatInterval: time.Minute,
		MaxEvents:         2,
	})
	if err != nil {
		t.Fatalf("ServeSSE failed: %v", err)
	}

	events := decodeFrames(t, buf.String())
	// Two data frames plus the completion marker.
	if len(events) != 3 {
		t.Fatalf("got %d frames, want 3: %+v", len(events), events)
	}
	if events[2].Type != api.EventComplete {
		t.Fatalf("final frame should be complete, got %q", events[2].Type)
	}
}

func TestServeSSEWritesCompleteOnClosedSubscription(t *testing.T) {
	h := NewHub(nil)
	sub := h.SubscribeExecution("exec-1", 8)

	h.Publish(event(api.EventStepStarted, "exec-1", "wf-1"))
	sub.Cancel()

	var buf bytes.Buffer
	if err := ServeSSE(context.Background(), &buf, sub, ConsumerOptions{HeartbeatInterval: time.Minute}); err != nil {
		t.Fatalf("ServeSSE failed: %v", err)
	}

	events := decodeFrames(t, buf.String())
	if len(events) == 0 || events[len(events)-1].Type != api.EventComplete {
		t.Fatalf("closed subscription should end with a complete marker: %+v", events)
	}
}

func TestServeSSEEmitsHeartbeatsWhenIdle(t *testing.T) {
	h := NewHub(nil)
	sub := h.SubscribeExecution("exec-1", 8)
	defer sub.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	err := ServeSSE(ctx, &buf, sub, ConsumerOptions{HeartbeatInterval: 50 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	events := decodeFrames(t, buf.String())
	if len(events) == 0 {
		t.Fatal("expected at least one heartbeat")
	}
	for _, ev := range events {
		if ev.Type != api.EventHeartbeat {
			t.Fatalf("idle stream should carry only heartbeats, got %q", ev.Type)
		}
	}
}

func TestServeSSECancelledContextSkipsCompleteMarker(t *testing.T) {
	h := NewHub(nil)
	sub := h.SubscribeExecution("exec-1", 8)
	defer sub.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := ServeSSE(ctx, &buf, sub, ConsumerOptions{HeartbeatInterval: time.Minute})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if strings.Contains(buf.String(), api.EventComplete) {
		t.Fatalf("cancelled stream must not write the complete marker: %q", buf.String())
	}
}
