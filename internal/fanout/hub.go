// Package fanout delivers engine lifecycle events to live subscribers
// with user-scoped filtering. Delivery is best-effort and at-most-once:
// a slow subscriber's events are dropped rather than back-pressuring
// the engine, and every drop is counted.
package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/flowmaestro/flowmaestro/internal/engine"
)

// DefaultSubscriberBuffer is the per-subscriber queue depth when the
// subscriber does not choose one.
const DefaultSubscriberBuffer = 256

// droppedEvents counts events dropped per subscriber queue overflow.
var droppedEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flowmaestro_fanout_dropped_events_total",
		Help: "Events dropped because a subscriber queue was full",
	},
	[]string{"user_id"},
)

func init() {
	prometheus.MustRegister(droppedEvents)
}

// Subscription is one registered event consumer. Events arrive on C;
// the subscriber owns draining it.
type Subscription struct {
	ID     string
	UserID string
	Admin  bool

	C chan engine.Event

	drops uint64
}

// Drops reports how many events were dropped for this subscriber.
func (s *Subscription) Drops() uint64 {
	return atomic.LoadUint64(&s.drops)
}

// Hub fans engine events out to subscriptions. It implements
// engine.EventPublisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	nextID uint64
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Hub{subs: make(map[string]*Subscription), logger: logger}
}

// Subscribe registers a consumer for userID's events. Admin
// subscribers receive every event regardless of owner. buffer <= 0
// uses the default depth.
func (h *Hub) Subscribe(id, userID string, admin bool, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{
		ID:     id,
		UserID: userID,
		Admin:  admin,
		C:      make(chan engine.Event, buffer),
	}
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(sub.C)
	}
}

// Publish delivers ev to every subscription whose user matches the
// event's owning user (or that holds the admin override). The send
// never blocks: a full queue drops the newest event and counts it.
func (h *Hub) Publish(ev engine.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.Admin && sub.UserID != ev.UserID {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			atomic.AddUint64(&sub.drops, 1)
			droppedEvents.WithLabelValues(sub.UserID).Inc()
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Multiplexer fans one engine event stream out to several publishers
// (the Hub plus any side observers like the trigger supervisor's
// admission accounting).
type Multiplexer []engine.EventPublisher

func (m Multiplexer) Publish(ev engine.Event) {
	for _, p := range m {
		p.Publish(ev)
	}
}

// ObserverFunc adapts a function to engine.EventPublisher.
type ObserverFunc func(engine.Event)

func (f ObserverFunc) Publish(ev engine.Event) { f(ev) }
