package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(4)
	sub := b.Subscribe("bridge.state")
	defer sub.Unsubscribe()

	b.Publish("bridge.state", "ready")

	select {
	case m := <-sub.Channel():
		if m.Payload != "ready" {
			t.Fatalf("payload = %v, want ready", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPublishNoSubscribersDoesNotBlock(t *testing.T) {
	b := New(1)
	b.Publish("bridge.state", "idle") // no subscribers; must not panic or block
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New(1)
	sub := b.Subscribe("bridge.pin.0")
	defer sub.Unsubscribe()

	b.Publish("bridge.pin.0", 1)
	b.Publish("bridge.pin.0", 2) // channel full; oldest (1) must be dropped

	select {
	case m := <-sub.Channel():
		if m.Payload != 2 {
			t.Fatalf("payload = %v, want 2 (latest)", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(4)
	sub := b.Subscribe("bridge.state")
	sub.Unsubscribe()

	b.Publish("bridge.state", "ready")

	select {
	case m := <-sub.Channel():
		t.Fatalf("unexpected message after unsubscribe: %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}
