package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/broker"
)

func newTestService(t *testing.T, now func() time.Time) *Service {
	t.Helper()
	b := broker.NewMemoryBroker()
	svc, err := NewService(b, nil, nil, WithClock(now), WithConsumerName("test-consumer"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.CreateGroups(context.Background()); err != nil {
		t.Fatalf("CreateGroups: %v", err)
	}
	return svc
}

func TestEnqueueRoutesByPriority(t *testing.T) {
	now := time.Unix(1700000000, 0)
	svc := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	cases := []struct {
		priority int
		want     Name
	}{
		{priority: 9, want: HighPriority},
		{priority: -1, want: LowPriority},
		{priority: 3, want: NormalPriority},
	}
	for _, tc := range cases {
		if _, err := svc.Enqueue(ctx, QueueMessage{Type: "work", Priority: tc.priority, MaxAttempts: 3}); err != nil {
			t.Fatalf("Enqueue priority=%d: %v", tc.priority, err)
		}
		n, err := svc.broker.XLen(ctx, StreamName(tc.want))
		if err != nil {
			t.Fatalf("XLen: %v", err)
		}
		if n != 1 {
			t.Fatalf("priority=%d: expected 1 entry on %s, got %d", tc.priority, tc.want, n)
		}
	}
}

func TestEnqueueWithDelayDefersUntilSwept(t *testing.T) {
	now := time.Unix(1700000000, 0)
	svc := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, QueueMessage{Type: "work", Priority: 1, DelayMillis: 5000, MaxAttempts: 3}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n, _ := svc.broker.XLen(ctx, StreamName(NormalPriority)); n != 0 {
		t.Fatalf("expected delayed message to not be on normal-priority yet, got %d", n)
	}

	promoted, err := svc.SweepDelayed(ctx)
	if err != nil {
		t.Fatalf("SweepDelayed before due: %v", err)
	}
	if promoted != 0 {
		t.Fatalf("expected 0 promoted before due-time, got %d", promoted)
	}

	now = now.Add(6 * time.Second)
	promoted, err = svc.SweepDelayed(ctx)
	if err != nil {
		t.Fatalf("SweepDelayed after due: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("expected 1 promoted after due-time, got %d", promoted)
	}
	if n, _ := svc.broker.XLen(ctx, StreamName(NormalPriority)); n != 1 {
		t.Fatalf("expected promoted message on normal-priority, got %d", n)
	}
}

func TestFailureRoutesToRetryThenDeadLetter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	svc := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]int{"n": 1})
	if _, err := svc.Enqueue(ctx, QueueMessage{Type: "work", Payload: payload, Priority: 1, MaxAttempts: 2}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msgs, err := svc.broker.XReadGroup(ctx, StreamName(NormalPriority), ConsumerGroup, "test-consumer", 10, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("XReadGroup: msgs=%v err=%v", msgs, err)
	}
	msg, err := decodeMessage(msgs[0].Values)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}

	svc.handleFailure(ctx, NormalPriority, msgs[0], msg, context.DeadlineExceeded)
	if svc.retry.Len() != 1 {
		t.Fatalf("expected 1 pending retry after first failure, got %d", svc.retry.Len())
	}

	due := svc.retry.drainDue(now.Add(time.Hour))
	if len(due) != 1 {
		t.Fatalf("expected the retried message to become due, got %d", len(due))
	}
	retried := due[0].message
	if retried.Attempts != 1 {
		t.Fatalf("expected attempts=1 after first failure, got %d", retried.Attempts)
	}

	svc.handleFailure(ctx, NormalPriority, msgs[0], retried, context.DeadlineExceeded)
	n, err := svc.broker.XLen(ctx, DLQStreamName(NormalPriority))
	if err != nil {
		t.Fatalf("XLen dlq: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected message to land in DLQ once maxAttempts reached, got %d entries", n)
	}
}

func TestReprocessDeadLetterQueueAcksOriginalEntry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	svc := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]int{"n": 1})
	failedAt := now
	if err := svc.deadLetter(ctx, NormalPriority, QueueMessage{
		Type: "work", Payload: payload, Attempts: 3, MaxAttempts: 3, Error: "boom", FailedAt: &failedAt,
	}); err != nil {
		t.Fatalf("deadLetter: %v", err)
	}

	count, err := svc.ReprocessDeadLetterQueue(ctx, NormalPriority, 10)
	if err != nil {
		t.Fatalf("ReprocessDeadLetterQueue: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 reprocessed, got %d", count)
	}

	if n, _ := svc.broker.XLen(ctx, StreamName(NormalPriority)); n != 1 {
		t.Fatalf("expected reprocessed message back on normal-priority, got %d", n)
	}

	// A second reprocess attempt must find nothing pending, proving the
	// original DLQ entry was acked rather than left for redelivery.
	again, err := svc.ReprocessDeadLetterQueue(ctx, NormalPriority, 10)
	if err != nil {
		t.Fatalf("second ReprocessDeadLetterQueue: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected second reprocess to find 0 pending dlq entries, got %d", again)
	}
}
