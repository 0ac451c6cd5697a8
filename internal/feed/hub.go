// Package feed fans newly ingested samples out to live subscribers. The hub
// owns the topic map; nothing here is package-global state, and publishing
// never blocks on a slow consumer.
package feed

import (
	"sync"
	"sync/atomic"
	"time"

	"ankercloud/internal/logger"
	"ankercloud/internal/models"

	"go.uber.org/zap"
)

// Topic identifies one live stream: a resource within its kind.
type Topic struct {
	Kind       models.ResourceKind
	ResourceID string
}

// Update is the sample summary delivered to subscribers. It is not a
// durable record; subscribers fetch the latest stored sample on connect to
// cover the gap before their first delivery.
type Update struct {
	ResourceID string                `json:"resourceId"`
	Kind       models.ResourceKind   `json:"resourceKind"`
	Status     models.ResourceStatus `json:"status"`
	Timestamp  time.Time             `json:"timestamp"`
	Metrics    map[string]float64    `json:"metrics"`
}

// Subscription is one subscriber's ordered stream for a single topic. C is
// closed when the subscription is closed; updates the subscriber could not
// drain in time are dropped, never queued unboundedly.
type Subscription struct {
	C <-chan Update

	ch      chan Update
	topic   Topic
	hub     *Hub
	dropped atomic.Int64
	once    sync.Once
}

// Topic returns the topic this subscription listens on.
func (s *Subscription) Topic() Topic { return s.topic }

// Dropped reports how many updates were discarded because this subscriber
// fell behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes C. Idempotent; other
// subscribers on the same topic are unaffected.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

type Hub struct {
	mu     sync.RWMutex
	topics map[Topic]map[*Subscription]struct{}
	buffer int
	closed bool
}

func NewHub(subscriberBuffer int) *Hub {
	if subscriberBuffer < 1 {
		subscriberBuffer = 1
	}
	return &Hub{
		topics: make(map[Topic]map[*Subscription]struct{}),
		buffer: subscriberBuffer,
	}
}

// Subscribe registers a new subscriber for the topic. The returned
// subscription must be Closed when the caller is done with it.
func (h *Hub) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		ch:    make(chan Update, h.buffer),
		topic: topic,
		hub:   h,
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Publish delivers the update to every current subscriber of the topic.
// Fire and forget: a subscriber whose buffer is full misses this update,
// and the ingest path is never held up. Per-subscriber ordering follows
// publish order because delivery happens on the publisher's goroutine.
func (h *Hub) Publish(topic Topic, update Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[topic] {
		select {
		case sub.ch <- update:
		default:
			n := sub.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				logger.Debug("live feed subscriber lagging, dropping update",
					zap.String("resource_id", topic.ResourceID),
					zap.Int64("dropped_total", n))
			}
		}
	}
}

// SubscriberCount reports the number of live subscriptions for a topic.
func (h *Hub) SubscriberCount(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[sub.topic]
	if ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	if !h.closed {
		close(sub.ch)
	}
}

// Close shuts down the hub and every remaining subscription. Used at server
// stop; Subscribe after Close returns an already-closed stream.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.topics {
		for sub := range subs {
			close(sub.ch)
		}
	}
	h.topics = make(map[Topic]map[*Subscription]struct{})
}
