package server

import (
	"sync"
	"sync/atomic"

	"github.com/racewire/rt-relay/internal/models"
)

// EventBatch is one published unit of fan-out: the events of a single
// stream_epoch ingested together, delivered to every live subscriber
// of a stream_id.
type EventBatch struct {
	StreamEpoch int64
	Events      []models.Event
}

// subscription is one receiver's view of a stream's fan-out channel.
// Publish never blocks on a slow subscriber: when its channel is full
// the oldest queued batch is dropped to make room (a ring buffer's
// tail-advances-on-pressure idea, applied to discrete batches instead
// of a byte window), and lagged is
// set so the subscriber knows to fall back to a database resync
// instead of trusting the channel's contents to be contiguous.
type subscription struct {
	ch     chan EventBatch
	lagged atomic.Bool
}

// Topic is the fan-out point for one stream_id: every subscribed
// receiver session receives every batch published to it, or learns it
// fell behind and must resync from the events table.
type Topic struct {
	mu          sync.Mutex
	subs        map[int64]*subscription
	nextSubID   int64
	capacity    int
}

// Broadcaster lazily creates one Topic per stream_id the first time a
// publisher or subscriber references it (spec.md §5: fan-out channels
// are created on demand, not pre-provisioned for every known stream).
type Broadcaster struct {
	mu       sync.Mutex
	topics   map[string]*Topic
	capacity int
}

// NewBroadcaster builds a Broadcaster whose per-subscriber channels
// hold capacity batches before a slow subscriber starts losing data.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Broadcaster{
		topics:   make(map[string]*Topic),
		capacity: capacity,
	}
}

func (b *Broadcaster) topic(streamID string) *Topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[streamID]
	if !ok {
		t = &Topic{
			subs:     make(map[int64]*subscription),
			capacity: b.capacity,
		}
		b.topics[streamID] = t
	}
	return t
}

// Publish delivers batch to every current subscriber of streamID.
func (b *Broadcaster) Publish(streamID string, batch EventBatch) {
	t := b.topic(streamID)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subs {
		select {
		case sub.ch <- batch:
		default:
			// Full: drop the oldest queued batch to make room, and
			// flag the subscriber as lagged so it knows the channel
			// no longer holds a contiguous view of the stream.
			select {
			case <-sub.ch:
			default:
			}
			sub.lagged.Store(true)
			select {
			case sub.ch <- batch:
			default:
			}
		}
	}
}

// Subscription is the handle a receiver session holds on a topic: Recv
// delivers batches, Lagged reports (and clears) whether any batches
// were dropped since the last check, and Close detaches the
// subscription from the topic.
type Subscription struct {
	topic *Topic
	id    int64
	sub   *subscription
}

// Subscribe attaches a new subscription to streamID's topic.
func (b *Broadcaster) Subscribe(streamID string) *Subscription {
	t := b.topic(streamID)

	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSubID
	t.nextSubID++
	sub := &subscription{ch: make(chan EventBatch, t.capacity)}
	t.subs[id] = sub

	return &Subscription{topic: t, id: id, sub: sub}
}

// Recv returns the channel to read published batches from.
func (s *Subscription) Recv() <-chan EventBatch {
	return s.sub.ch
}

// Lagged reports whether a batch was dropped for this subscription
// since the last call, clearing the flag. A true result means the
// caller must resync from the events table before trusting further
// channel deliveries to be contiguous.
func (s *Subscription) Lagged() bool {
	return s.sub.lagged.Swap(false)
}

// Close detaches the subscription from its topic.
func (s *Subscription) Close() {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	delete(s.topic.subs, s.id)
}

// SubscriberCount reports how many live subscriptions streamID's topic
// currently has, used by the stats reporter.
func (b *Broadcaster) SubscriberCount(streamID string) int {
	t := b.topic(streamID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// TopicCount reports how many stream topics currently exist, used by
// the stats reporter.
func (b *Broadcaster) TopicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
