// Package durable implements suspend/resume for runs: a step that reports
// WAITING parks its run behind a named signal channel, and delivery of a
// matching payload re-invokes the same step. The durable-run identifier
// persisted into run metadata is the recovery anchor that lets a fresh
// process resume runs parked by a crashed one.
package durable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkarren/stepflow/pkg/api"
)

// DefaultPurpose is the channel purpose used for ordinary user-supplied
// signal payloads.
const DefaultPurpose = "user_msg"

// SignalKey names the channel a waiting step blocks on. The key is
// deterministic so any process holding the execution and step IDs can
// resolve it.
func SignalKey(executionID, stepID, purpose string) string {
	if purpose == "" {
		purpose = DefaultPurpose
	}
	return fmt.Sprintf("wf:%s:%s:%s", executionID, stepID, purpose)
}

// SignalRegistry hands payloads from resolvers to in-process waiters.
// Channels are buffered one deep so a signal delivered before the waiter
// arrives is not lost.
type SignalRegistry struct {
	mu    sync.Mutex
	chans map[string]chan map[string]any
}

// NewSignalRegistry creates an empty registry.
func NewSignalRegistry() *SignalRegistry {
	return &SignalRegistry{chans: make(map[string]chan map[string]any)}
}

func (r *SignalRegistry) channel(key string) chan map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.chans[key]
	if !ok {
		ch = make(chan map[string]any, 1)
		r.chans[key] = ch
	}
	return ch
}

// Resolve delivers a payload to the channel's waiter (or buffers it for the
// next one). It reports false when a buffered payload is already pending.
func (r *SignalRegistry) Resolve(key string, payload map[string]any) bool {
	select {
	case r.channel(key) <- payload:
		return true
	default:
		return false
	}
}

// Wait blocks until a payload is resolved for the key or the overall
// timeout elapses. The wait is sliced into bounded receives that are
// retried, so a very long park never holds a single timer.
func (r *SignalRegistry) Wait(ctx context.Context, key string, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = time.Hour
	}
	ch := r.channel(key)
	deadline := time.Now().Add(timeout)

	slice := time.Minute
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("signal %s: %w", key, api.ErrSignalTimeout)
		}
		if remaining < slice {
			slice = remaining
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case payload := <-ch:
			timer.Stop()
			r.drop(key)
			return payload, nil
		case <-timer.C:
			// Receive slice elapsed; retry until the overall deadline.
		}
	}
}

func (r *SignalRegistry) drop(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chans, key)
}
