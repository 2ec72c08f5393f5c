package orchestrator

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber event queue depth. A subscriber
// that falls this far behind starts losing intermediate events; the
// snapshot-on-request path covers it.
const subscriberBuffer = 100

// Subscriber receives one job's progress events in emission order.
type Subscriber struct {
	ID     string
	JobID  string
	Events chan WorkerEvent
}

// Hub fans worker events out to the subscribers attached to each job.
// It owns the subscriber map; callers never see it directly.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscriber // jobID -> subscriberID -> sub
	log  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[string]*Subscriber),
		log:  log.With("component", "progress-hub"),
	}
}

// Subscribe attaches a new subscriber to jobID. Events broadcast after this
// call are delivered; there is no history replay.
func (h *Hub) Subscribe(jobID string) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		JobID:  jobID,
		Events: make(chan WorkerEvent, subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[string]*Subscriber)
	}
	h.subs[jobID][sub.ID] = sub

	h.log.Debug("subscriber added",
		slog.String("job_id", jobID),
		slog.String("subscriber_id", sub.ID))
	return sub
}

// Unsubscribe detaches sub and closes its channel. Safe to call after the
// job's channels were already closed.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	jobSubs, ok := h.subs[sub.JobID]
	if !ok {
		return
	}
	if _, ok := jobSubs[sub.ID]; !ok {
		return
	}
	delete(jobSubs, sub.ID)
	if len(jobSubs) == 0 {
		delete(h.subs, sub.JobID)
	}
	close(sub.Events)

	h.log.Debug("subscriber removed",
		slog.String("job_id", sub.JobID),
		slog.String("subscriber_id", sub.ID))
}

// Broadcast delivers ev to every subscriber of jobID. A full subscriber
// channel drops the event rather than blocking the reader loop.
func (h *Hub) Broadcast(jobID string, ev WorkerEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[jobID] {
		select {
		case sub.Events <- ev:
		default:
			h.log.Warn("subscriber event channel full, dropping event",
				slog.String("job_id", jobID),
				slog.String("subscriber_id", sub.ID))
		}
	}
}

// CloseJob closes every subscriber channel for jobID and forgets them.
// Receivers drain any buffered events first, then see the close.
func (h *Hub) CloseJob(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[jobID] {
		close(sub.Events)
	}
	delete(h.subs, jobID)
}

// SubscriberCount reports how many subscribers are attached to jobID.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
