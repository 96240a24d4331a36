// Package bus implements the in-process event bus that carries every
// observability topic through the incident pipeline: log lines, resource
// samples, container updates, incident lifecycle transitions, and action
// outcomes.
package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Topic names the channels publishers and subscribers agree on.
type Topic string

const (
	TopicLog             Topic = "log"
	TopicMetrics         Topic = "metrics"
	TopicContainerUpdate Topic = "container_update"
	TopicIncident        Topic = "incident"
	TopicIncidentUpdate  Topic = "incident_update"
	TopicActionOutcome   Topic = "action_outcome"
)

// Event is a single published message, tagged with a monotonically
// increasing per-topic sequence number so a subscriber can detect gaps.
type Event struct {
	Topic    Topic
	Sequence uint64
	Payload  any
}

// Stream is a bounded, per-subscriber delivery queue returned by Subscribe.
// Closing it deregisters the subscriber.
type Stream struct {
	ch     chan Event
	bus    *Bus
	id     uint64
	topics map[Topic]struct{}
	closed bool
	mu     sync.Mutex
}

// Events returns the channel to range over for delivered events.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Close deregisters the subscriber. Safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.bus.unsubscribe(s)
	close(s.ch)
}

// DurableSink receives every published event in addition to the in-process
// subscribers, for durable fan-out (e.g. NATS JetStream). Implementations
// must not block for long; the bus calls Publish synchronously from the
// publisher's goroutine after enqueuing to in-process subscribers.
type DurableSink interface {
	Publish(ctx context.Context, topic Topic, payload any) error
}

type subscriber struct {
	stream *Stream
	topics map[Topic]struct{}
}

// Bus is the primary, in-process pub/sub fabric. Publish never blocks the
// producer: subscriber queues are bounded and lossy; when a queue is
// full, the oldest buffered event is dropped to make room.
type Bus struct {
	logger *zap.Logger

	mu          sync.Mutex
	nextSubID   uint64
	subs        map[uint64]*subscriber
	seq         map[Topic]uint64
	drops       map[Topic]uint64

	durable DurableSink
}

// New creates an empty bus. Attach an optional durable sink with
// SetDurableSink before any Publish call that should be fanned out.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger.Named("event-bus"),
		subs:   make(map[uint64]*subscriber),
		seq:    make(map[Topic]uint64),
		drops:  make(map[Topic]uint64),
	}
}

// SetDurableSink attaches the optional durable fan-out sink. Nil disables
// fan-out.
func (b *Bus) SetDurableSink(sink DurableSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.durable = sink
}

// Subscribe registers a new subscriber for the given topics with the given
// queue capacity. The returned stream must eventually be closed.
func (b *Bus) Subscribe(capacity int, topics ...Topic) *Stream {
	if capacity <= 0 {
		capacity = 1
	}
	topicSet := make(map[Topic]struct{}, len(topics))
	for _, t := range topics {
		topicSet[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++

	stream := &Stream{
		ch:     make(chan Event, capacity),
		bus:    b,
		id:     id,
		topics: topicSet,
	}
	b.subs[id] = &subscriber{stream: stream, topics: topicSet}
	return stream
}

func (b *Bus) unsubscribe(s *Stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s.id)
}

// Publish enqueues payload to every subscriber of topic and, if attached,
// forwards it to the durable sink. It never blocks: a full subscriber
// queue drops its oldest buffered event to make room for the new one.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) {
	b.mu.Lock()
	b.seq[topic]++
	seq := b.seq[topic]
	event := Event{Topic: topic, Sequence: seq, Payload: payload}

	for _, sub := range b.subs {
		if _, ok := sub.topics[topic]; !ok {
			continue
		}
		b.deliver(sub.stream, event, topic)
	}
	durable := b.durable
	b.mu.Unlock()

	if durable != nil {
		if err := durable.Publish(ctx, topic, payload); err != nil {
			b.logger.Warn("durable fan-out publish failed",
				zap.String("topic", string(topic)), zap.Error(err))
		}
	}
}

// deliver enqueues event to stream's channel, dropping the oldest buffered
// event first if the channel is already at capacity. Must be called with
// b.mu held.
func (b *Bus) deliver(stream *Stream, event Event, topic Topic) {
	select {
	case stream.ch <- event:
		return
	default:
	}

	// Queue full: drop the oldest and retry once.
	select {
	case <-stream.ch:
		b.drops[topic]++
	default:
	}
	select {
	case stream.ch <- event:
	default:
		// Subscriber channel is being drained concurrently and filled
		// again faster than we can push; give up on this event rather
		// than block the publisher.
		b.drops[topic]++
	}
}

// DropCount returns the number of events dropped for the given topic across
// all subscribers since startup.
func (b *Bus) DropCount(topic Topic) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops[topic]
}
