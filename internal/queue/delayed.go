package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/apierr"
	"github.com/apix-platform/realtime-fabric/internal/logging"
)

// dueItem is one message waiting for its due-time before promotion to a
// priority stream. One due-time index, drained by SweepDelayed/SweepRetry,
// holds every waiting message instead of one timer goroutine per message.
// The index lives only in process memory and is not mirrored to the
// broker, so entries still waiting at a restart are lost.
type dueItem struct {
	dueAt   time.Time
	target  Name
	message QueueMessage
}

// dueIndex is a mutex-protected min-heap ordered by due-time.
type dueIndex struct {
	mu    sync.Mutex
	items dueHeap
}

func newDueIndex() *dueIndex {
	return &dueIndex{}
}

func (d *dueIndex) push(item dueItem) {
	d.mu.Lock()
	heap.Push(&d.items, item)
	d.mu.Unlock()
}

// drainDue pops every item whose dueAt is at or before now, in due-time order.
func (d *dueIndex) drainDue(now time.Time) []dueItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	var due []dueItem
	for len(d.items) > 0 && !d.items[0].dueAt.After(now) {
		item := heap.Pop(&d.items).(dueItem)
		due = append(due, item)
	}
	return due
}

// Len reports the number of items still waiting on their due-time.
func (d *dueIndex) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

type dueHeap []dueItem

func (h dueHeap) Len() int            { return len(h) }
func (h dueHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h dueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *dueHeap) Push(x interface{}) { *h = append(*h, x.(dueItem)) }
func (h *dueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// SweepDelayed promotes every delayed message whose due-time has arrived
// into its target priority stream. Intended to be called from a ticker
// loop owned by the caller (cmd/broker wires the interval).
func (s *Service) SweepDelayed(ctx context.Context) (int, error) {
	return s.sweep(ctx, s.delayed)
}

// SweepRetry promotes every retry-queue message whose backoff has elapsed
// back into normal-priority (or its recorded target, which is always
// normal-priority for retries per spec).
func (s *Service) SweepRetry(ctx context.Context) (int, error) {
	return s.sweep(ctx, s.retry)
}

func (s *Service) sweep(ctx context.Context, index *dueIndex) (int, error) {
	due := index.drainDue(s.now())
	promoted := 0
	for _, item := range due {
		if _, err := s.enqueueToStream(ctx, item.target, item.message); err != nil {
			// 1.- Put the item back so a transient broker error doesn't lose it.
			index.push(item)
			return promoted, apierr.Wrap(apierr.Transient, "promote due message", err)
		}
		promoted++
	}
	if promoted > 0 {
		s.log.Debug("swept due messages", logging.Int("count", promoted))
	}
	return promoted, nil
}
