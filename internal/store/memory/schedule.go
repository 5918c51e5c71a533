package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/example/delivery-core/internal/scheduler"
)

// ScheduleStore is an in-memory redelivery schedule ordered by ReadyAt.
type ScheduleStore struct {
	mu   sync.Mutex
	heap scheduleHeap
	byID map[string]*scheduledItem
	seq  uint64
}

// NewScheduleStore builds an empty schedule.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{byID: map[string]*scheduledItem{}}
}

// Add parks the pending entry until its ReadyAt instant.
func (s *ScheduleStore) Add(_ context.Context, p *scheduler.Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	item := &scheduledItem{pending: p, seq: s.seq}
	s.byID[p.ID] = item
	heap.Push(&s.heap, item)
	return nil
}

// Due returns entries whose ReadyAt is at or before now, oldest first, up to
// limit. Entries stay in the schedule until Remove confirms their republish.
func (s *ScheduleStore) Due(_ context.Context, now time.Time, limit int) ([]*scheduler.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var popped []*scheduledItem
	for s.heap.Len() > 0 {
		top := s.heap[0]
		if top.pending.ReadyAt.After(now) {
			break
		}
		if limit > 0 && len(popped) == limit {
			break
		}
		popped = append(popped, heap.Pop(&s.heap).(*scheduledItem))
	}

	due := make([]*scheduler.Pending, len(popped))
	for i, item := range popped {
		due[i] = item.pending
		heap.Push(&s.heap, item)
	}
	return due, nil
}

// Remove deletes the entry by id. Removing an unknown id is a no-op.
func (s *ScheduleStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.byID[id]
	if !ok {
		return nil
	}
	heap.Remove(&s.heap, item.index)
	delete(s.byID, id)
	return nil
}

// Size returns the number of parked entries.
func (s *ScheduleStore) Size(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len(), nil
}

// scheduledItem wraps a pending entry with the bookkeeping container/heap
// needs for indexed removal. seq breaks ReadyAt ties so equal-time entries
// come out in insertion order.
type scheduledItem struct {
	pending *scheduler.Pending
	seq     uint64
	index   int
}

type scheduleHeap []*scheduledItem

func (h scheduleHeap) Len() int { return len(h) }

func (h scheduleHeap) Less(i, j int) bool {
	if h[i].pending.ReadyAt.Equal(h[j].pending.ReadyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].pending.ReadyAt.Before(h[j].pending.ReadyAt)
}

func (h scheduleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *scheduleHeap) Push(x any) {
	item := x.(*scheduledItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
