package server

import (
	"testing"
	"time"

	"github.com/racewire/rt-relay/internal/models"
)

func TestBroadcasterDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(4)
	sub1 := b.Subscribe("stream-a")
	sub2 := b.Subscribe("stream-a")
	defer sub1.Close()
	defer sub2.Close()

	batch := EventBatch{StreamEpoch: 1, Events: []models.Event{{Seq: 1}}}
	b.Publish("stream-a", batch)

	select {
	case got := <-sub1.Recv():
		if len(got.Events) != 1 || got.Events[0].Seq != 1 {
			t.Fatalf("unexpected batch on sub1: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("sub1 never received batch")
	}

	select {
	case got := <-sub2.Recv():
		if len(got.Events) != 1 {
			t.Fatalf("unexpected batch on sub2: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("sub2 never received batch")
	}
}

func TestBroadcasterIsolatesTopicsByStreamID(t *testing.T) {
	b := NewBroadcaster(4)
	subA := b.Subscribe("stream-a")
	subB := b.Subscribe("stream-b")
	defer subA.Close()
	defer subB.Close()

	b.Publish("stream-a", EventBatch{StreamEpoch: 1, Events: []models.Event{{Seq: 1}}})

	select {
	case <-subA.Recv():
	case <-time.After(time.Second):
		t.Fatal("subA never received batch")
	}

	select {
	case got := <-subB.Recv():
		t.Fatalf("subB should not have received anything, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterDropsOldestAndFlagsLagged(t *testing.T) {
	b := NewBroadcaster(2)
	sub := b.Subscribe("stream-a")
	defer sub.Close()

	b.Publish("stream-a", EventBatch{StreamEpoch: 1, Events: []models.Event{{Seq: 1}}})
	b.Publish("stream-a", EventBatch{StreamEpoch: 1, Events: []models.Event{{Seq: 2}}})
	b.Publish("stream-a", EventBatch{StreamEpoch: 1, Events: []models.Event{{Seq: 3}}})

	if !sub.Lagged() {
		t.Fatal("expected subscriber to be flagged lagged after overflow")
	}
	if sub.Lagged() {
		t.Fatal("Lagged should clear itself after being read once")
	}

	// The oldest (seq 1) should have been dropped; seq 2 and 3 remain.
	first := <-sub.Recv()
	if first.Events[0].Seq != 2 {
		t.Fatalf("expected seq 2 to survive the drop, got seq %d", first.Events[0].Seq)
	}
}

func TestSubscribeCreatesTopicLazily(t *testing.T) {
	b := NewBroadcaster(4)
	if b.TopicCount() != 0 {
		t.Fatalf("expected no topics before any subscribe/publish, got %d", b.TopicCount())
	}

	sub := b.Subscribe("stream-a")
	defer sub.Close()

	if b.TopicCount() != 1 {
		t.Fatalf("expected 1 topic after subscribe, got %d", b.TopicCount())
	}
	if b.SubscriberCount("stream-a") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount("stream-a"))
	}

	sub.Close()
	if b.SubscriberCount("stream-a") != 0 {
		t.Fatalf("expected 0 subscribers after close, got %d", b.SubscriberCount("stream-a"))
	}
}
