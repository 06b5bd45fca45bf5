// Package bus implements the in-process event bus linking discovery, the
// reconciliation engine, providers and persistence.
//
// Delivery is best-effort fan-out: each subscriber owns a bounded queue and
// a dedicated goroutine, so a slow subscriber never stalls the publisher or
// its peers. On overflow the oldest queued event is dropped and one warning
// is logged per overflow episode.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Topic identifies an event stream. Payload types are fixed per topic (see
// events.go).
type Topic string

// Topics published by the core.
const (
	TopicHostnamesDiscovered Topic = "HOSTNAMES_DISCOVERED"
	TopicRecordCreated       Topic = "DNS_RECORD_CREATED"
	TopicRecordUpdated       Topic = "DNS_RECORD_UPDATED"
	TopicRecordDeleted       Topic = "DNS_RECORD_DELETED"
	TopicRecordOrphaned      Topic = "DNS_RECORD_ORPHANED"
	TopicRecordsUpdated      Topic = "DNS_RECORDS_UPDATED"
	TopicSyncCompleted       Topic = "DNS_SYNC_COMPLETED"
	TopicContainerStarted    Topic = "CONTAINER_STARTED"
	TopicContainerStopped    Topic = "CONTAINER_STOPPED"
	TopicContainerDestroyed  Topic = "CONTAINER_DESTROYED"
	TopicTunnelUpdated       Topic = "TUNNEL_UPDATED"
	TopicTunnelRouteOrphaned Topic = "TUNNEL_ROUTE_ORPHANED"
	TopicTunnelRouteDeleted  Topic = "TUNNEL_ROUTE_DELETED"
	TopicSettingsChanged     Topic = "SETTINGS_CHANGED"
	TopicErrorOccurred       Topic = "ERROR_OCCURRED"
)

// Event is one published message.
type Event struct {
	Topic   Topic
	Time    time.Time
	Payload any
}

// Handler processes one event. Handlers for a single subscription run
// serialized, in publish order for their topic.
type Handler func(Event)

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 64

type subscriber struct {
	name    string
	topic   Topic
	queue   chan Event
	handler Handler
	done    chan struct{}
	once    sync.Once

	mu         sync.Mutex
	overflowed bool // true while inside an overflow episode
	dropped    int64
}

// Bus is a topic-indexed multicast dispatcher. Safe for concurrent use;
// subscription changes take effect on the next publish.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*subscriber
	logger *slog.Logger
	queue  int
	closed bool
}

// Option is a functional option for configuring the Bus.
type Option func(*Bus)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithQueueSize overrides the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = n
		}
	}
}

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[Topic][]*subscriber),
		logger: slog.Default(),
		queue:  DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a topic. The name is used for logging.
// The returned function cancels the subscription; it is safe to call more
// than once.
func (b *Bus) Subscribe(topic Topic, name string, handler Handler) (unsubscribe func()) {
	sub := &subscriber{
		name:    name,
		topic:   topic,
		queue:   make(chan Event, b.queue),
		handler: handler,
		done:    make(chan struct{}),
	}

	go sub.run()

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	b.logger.Debug("subscribed",
		slog.String("topic", string(topic)),
		slog.String("subscriber", name),
	)

	return func() {
		b.remove(topic, sub)
		sub.stop()
	}
}

// Publish delivers an event to every current subscriber of the topic.
// Never blocks: full subscriber queues drop their oldest entry.
func (b *Bus) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(ev, b.logger)
	}
}

// Close stops all subscribers. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[Topic][]*subscriber)
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
}

func (b *Bus) remove(topic Topic, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (s *subscriber) enqueue(ev Event, logger *slog.Logger) {
	for {
		select {
		case s.queue <- ev:
			s.mu.Lock()
			if s.overflowed && len(s.queue) < cap(s.queue) {
				s.overflowed = false
			}
			s.mu.Unlock()
			return
		default:
		}

		// Queue full: drop the oldest event and retry.
		select {
		case <-s.queue:
			s.mu.Lock()
			s.dropped++
			first := !s.overflowed
			s.overflowed = true
			s.mu.Unlock()
			if first {
				logger.Warn("subscriber queue overflow, dropping oldest events",
					slog.String("topic", string(s.topic)),
					slog.String("subscriber", s.name),
				)
			}
		default:
		}
	}
}

// stop shuts the subscriber down. Both the unsubscribe func and Close
// route through here, so calling one after the other is harmless.
func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			s.handler(ev)
		}
	}
}
