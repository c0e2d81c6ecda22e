// Package stream implements the process-wide pub/sub fan-out for run
// events: per-execution and per-workflow subscriber queues plus a
// server-sent-events render loop with heartbeats and terminal detection.
package stream

import (
	"log/slog"
	"sync"

	"github.com/mkarren/stepflow/pkg/api"
)

// DefaultBuffer is the per-subscription queue depth when the caller passes
// zero.
const DefaultBuffer = 64

// Hub fans events out to subscribers. The registries are the only
// process-wide shared mutable state in the engine, so every mutation holds
// the hub lock and publishing prunes dead subscribers copy-and-clean style.
type Hub struct {
	mu          sync.RWMutex
	byExecution map[string]map[*Subscription]struct{}
	byWorkflow  map[string]map[*Subscription]struct{}
	logger      *slog.Logger
}

// NewHub creates an empty hub. If logger is nil, slog.Default() is used.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		byExecution: make(map[string]map[*Subscription]struct{}),
		byWorkflow:  make(map[string]map[*Subscription]struct{}),
		logger:      logger,
	}
}

// Subscription is one consumer queue. Events are delivered in emission
// order for a single execution ID; a consumer that stops draining is
// deregistered rather than allowed to block publishers.
type Subscription struct {
	events      chan api.StreamEvent
	executionID string
	workflowID  string
	hub         *Hub

	// mu serializes sends against close so a publisher can never hit a
	// channel that a concurrent Cancel already closed.
	mu     sync.Mutex
	closed bool
}

// Events is the subscriber's receive channel. It is closed when the
// subscription is cancelled or pruned; events already queued remain
// readable until the channel drains.
func (s *Subscription) Events() <-chan api.StreamEvent { return s.events }

// Cancel deregisters the subscription and closes its channel.
func (s *Subscription) Cancel() {
	if s.hub != nil {
		s.hub.remove(s)
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
}

// send queues the event without blocking. It reports false only when the
// subscriber's buffer is full; a cancelled subscription swallows the event
// and reports true so publishers don't re-cancel it.
func (s *Subscription) send(ev api.StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// SubscribeExecution registers a queue for one execution ID.
func (h *Hub) SubscribeExecution(executionID string, buffer int) *Subscription {
	sub := h.newSubscription(buffer)
	sub.executionID = executionID
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byExecution[executionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.byExecution[executionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// SubscribeWorkflow registers a queue for every run of one workflow ID.
func (h *Hub) SubscribeWorkflow(workflowID string, buffer int) *Subscription {
	sub := h.newSubscription(buffer)
	sub.workflowID = workflowID
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byWorkflow[workflowID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.byWorkflow[workflowID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) newSubscription(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Subscription{events: make(chan api.StreamEvent, buffer), hub: h}
}

// Publish delivers the event to every matching subscriber without
// blocking. A subscriber whose queue is full is treated as dead and
// deregistered after the delivery pass.
func (h *Hub) Publish(ev api.StreamEvent) {
	h.mu.RLock()
	targets := make([]*Subscription, 0, 4)
	for sub := range h.byExecution[ev.ExecutionID] {
		targets = append(targets, sub)
	}
	for sub := range h.byWorkflow[ev.WorkflowID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	var dead []*Subscription
	for _, sub := range targets {
		if !sub.send(ev) {
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		h.logger.Warn("dropping slow stream subscriber",
			slog.String("execution_id", sub.executionID),
			slog.String("workflow_id", sub.workflowID),
		)
		sub.Cancel()
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.executionID != "" {
		if set, ok := h.byExecution[sub.executionID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.byExecution, sub.executionID)
			}
		}
	}
	if sub.workflowID != "" {
		if set, ok := h.byWorkflow[sub.workflowID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.byWorkflow, sub.workflowID)
			}
		}
	}
}

// SubscriberCount reports active subscriptions, used by tests and shutdown
// checks.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.byExecution {
		n += len(set)
	}
	for _, set := range h.byWorkflow {
		n += len(set)
	}
	return n
}
