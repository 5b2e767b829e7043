// Package hub fans progress and result events out to per-session
// subscribers. Publication is fire-and-forget: a slow subscriber loses old
// events (drop-oldest) instead of blocking the publisher.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types on the real-time channel.
const (
	EventInitialStatus    = "initial_status"
	EventProgressUpdate   = "progress_update"
	EventStepUpdate       = "step_update"
	EventAnalysisComplete = "analysis_complete"
	EventAnalysisError    = "analysis_error"
)

// Event is one notification on a session's stream.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SnapshotFunc produces the current aggregate status of a session, replayed
// to late subscribers so they are not blind to history. Events themselves
// are never persisted: a reconnecting client gets the snapshot, not missed
// deltas.
type SnapshotFunc func(ctx context.Context, sessionID string) (Event, error)

// Subscription is one observer's handle. Events arrive on C until
// Unsubscribe; when the buffer overflows the oldest events are dropped.
type Subscription struct {
	C <-chan Event

	id        uint64
	sessionID string
	ch        chan Event
}

// Hub maintains per-session subscriber sets.
type Hub struct {
	snapshot SnapshotFunc
	buffer   int
	logger   *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]*Subscription
}

// New creates a Hub. snapshot may be nil, in which case subscribers get no
// replay. If buffer <= 0 it defaults to 16.
func New(snapshot SnapshotFunc, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		snapshot: snapshot,
		buffer:   buffer,
		logger:   slog.Default(),
		subs:     make(map[string]map[uint64]*Subscription),
	}
}

// Subscribe registers an observer for a session. The current aggregate
// status is delivered first, then subsequent events as they are published.
// Fails only if the snapshot cannot be produced (e.g. unknown session).
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	var replay *Event
	if h.snapshot != nil {
		ev, err := h.snapshot(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		replay = &ev
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		id:        h.nextID,
		sessionID: sessionID,
		ch:        make(chan Event, h.buffer),
	}
	sub.C = sub.ch
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[uint64]*Subscription)
	}
	h.subs[sessionID][sub.id] = sub

	if replay != nil {
		h.deliver(sub, *replay)
	}
	return sub, nil
}

// Unsubscribe removes the observer and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := set[sub.id]; !ok {
		return
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(h.subs, sub.sessionID)
	}
	close(sub.ch)
}

// Publish delivers an event to every current subscriber of the session.
// Best-effort: it never blocks.
func (h *Hub) Publish(sessionID string, eventType string, data any) {
	ev := Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs[sessionID] {
		h.deliver(sub, ev)
	}
}

// deliver enqueues ev on the subscriber's buffer, evicting the oldest
// queued event if the buffer is full. Sends are non-blocking, so holding
// the hub lock here is safe and prevents a send racing a channel close in
// Unsubscribe.
func (h *Hub) deliver(sub *Subscription, ev Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case dropped := <-sub.ch:
			h.logger.Debug("dropping event for slow subscriber",
				"session_id", sub.sessionID, "type", dropped.Type)
		default:
		}
	}
}

// SubscriberCount reports the number of current subscribers of a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
