package broker

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBrokerXAddAndReadGroup(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	if err := b.CreateGroup(ctx, "events", "workers", "0"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := b.XAdd(ctx, "events", map[string]string{"payload": "one"}); err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if _, err := b.XAdd(ctx, "events", map[string]string{"payload": "two"}); err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	msgs, err := b.XReadGroup(ctx, "events", "workers", "consumer-1", 10, time.Second)
	if err != nil {
		t.Fatalf("XReadGroup: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Values["payload"] != "one" || msgs[1].Values["payload"] != "two" {
		t.Fatalf("unexpected ordering: %+v", msgs)
	}
}

func TestMemoryBrokerCreateGroupIsIdempotent(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	if _, err := b.XAdd(ctx, "events", map[string]string{"payload": "one"}); err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if err := b.CreateGroup(ctx, "events", "workers", "0"); err != nil {
		t.Fatalf("first CreateGroup: %v", err)
	}
	if err := b.CreateGroup(ctx, "events", "workers", "0"); err != nil {
		t.Fatalf("second CreateGroup should be a no-op, got %v", err)
	}

	msgs, err := b.XReadGroup(ctx, "events", "workers", "consumer-1", 10, time.Second)
	if err != nil {
		t.Fatalf("XReadGroup: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected the pre-existing entry to be claimed once, got %d", len(msgs))
	}
}

func TestMemoryBrokerAckRemovesFromPending(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	if err := b.CreateGroup(ctx, "events", "workers", "0"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	id, err := b.XAdd(ctx, "events", map[string]string{"payload": "one"})
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	msgs, err := b.XReadGroup(ctx, "events", "workers", "consumer-1", 10, time.Second)
	if err != nil {
		t.Fatalf("XReadGroup: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if err := b.XAck(ctx, "events", "workers", id); err != nil {
		t.Fatalf("XAck: %v", err)
	}

	again, err := b.XReadGroup(ctx, "events", "workers", "consumer-1", 10, time.Second)
	if err != nil {
		t.Fatalf("second XReadGroup: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no redelivery after ack, got %d", len(again))
	}
}

func TestMemoryBrokerPublishDeliversToSubscriber(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	ch, cancel, err := b.Subscribe(ctx, "connection_events")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := b.Publish(ctx, "connection_events", map[string]string{"event": "registered"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Values["event"] != "registered" {
			t.Fatalf("unexpected payload: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMemoryBrokerXReadFromCursor(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	id1, err := b.XAdd(ctx, "events", map[string]string{"payload": "one"})
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if _, err := b.XAdd(ctx, "events", map[string]string{"payload": "two"}); err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if _, err := b.XAdd(ctx, "events", map[string]string{"payload": "three"}); err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	all, err := b.XRead(ctx, "events", "0", 10)
	if err != nil {
		t.Fatalf("XRead: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries from the start, got %d", len(all))
	}

	fromFirst, err := b.XRead(ctx, "events", id1, 10)
	if err != nil {
		t.Fatalf("XRead from cursor: %v", err)
	}
	if len(fromFirst) != 2 {
		t.Fatalf("expected 2 entries after the first id, got %d", len(fromFirst))
	}
	if fromFirst[0].Values["payload"] != "two" || fromFirst[1].Values["payload"] != "three" {
		t.Fatalf("unexpected entries after cursor: %+v", fromFirst)
	}

	limited, err := b.XRead(ctx, "events", "0", 1)
	if err != nil {
		t.Fatalf("XRead with count: %v", err)
	}
	if len(limited) != 1 || limited[0].Values["payload"] != "one" {
		t.Fatalf("expected count to cap results at the oldest entry, got %+v", limited)
	}
}
