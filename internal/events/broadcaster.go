// Package events provides the in-process pub/sub fan-out that keeps
// dashboard connections live.
//
// One producer (the pipeline, concurrent across submissions) publishes to
// N independent long-lived subscribers (streaming connections).
//
// Concurrency design:
//   - Publish never blocks on a consumer: every subscriber has a bounded
//     queue, and when a queue is full the OLDEST event is dropped so the
//     dashboard always converges on fresh state
//   - Delivery is FIFO per subscriber, matching publish order; there is
//     no ordering guarantee across subscribers
//   - No persistence or replay: a subscriber only sees events published
//     while it is registered
//   - Unsubscribe removes the queue synchronously, so a disconnected
//     client cannot leak a queue
package events

import (
	"sync"
	"time"
)

// Event is one ephemeral dashboard update. Events are never persisted.
//
// Types: new_pin, pin_update, new_cluster, prediction, status_update.
type Event struct {
	Type        string      `json:"type"`
	ComplaintID string      `json:"complaint_id"`
	Lat         *float64    `json:"lat"`
	Lng         *float64    `json:"lng"`
	Status      string      `json:"status,omitempty"`
	Priority    string      `json:"priority,omitempty"`
	IssueType   string      `json:"issue_type,omitempty"`
	ClusterSize int         `json:"cluster_size,omitempty"`
	Prediction  interface{} `json:"prediction,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Subscriber is one registered dashboard connection.
//
// Events arrives on C until Unsubscribe closes it.
type Subscriber struct {
	ch chan Event
}

// C returns the subscriber's receive channel.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// Broadcaster fans events out to all registered subscribers.
//
// Thread-safety: the subscriber set and every queue operation are
// protected by one mutex; publish, subscribe and unsubscribe are safe
// from any goroutine. Holding the mutex during Publish also guarantees
// no send can race an Unsubscribe close.
type Broadcaster struct {
	mu        sync.Mutex
	subs      map[*Subscriber]struct{}
	queueSize int
}

// NewBroadcaster creates a broadcaster whose subscribers each buffer up
// to queueSize events before drop-oldest kicks in.
func NewBroadcaster(queueSize int) *Broadcaster {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Broadcaster{
		subs:      make(map[*Subscriber]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers a new queue and returns its handle.
func (b *Broadcaster) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan Event, b.queueSize)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes the subscriber and closes its channel.
//
// Synchronous: once this returns, no further event will be delivered and
// the queue is eligible for collection. Safe to call twice.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Publish pushes the event to every registered subscriber without
// blocking. A full queue loses its oldest event, not the new one.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			// Queue full: make room by discarding the oldest entry.
			// The inner default covers the race where the consumer
			// drained the queue between the two selects.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of live subscribers (for the health
// endpoint).
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
