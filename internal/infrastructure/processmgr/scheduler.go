package processmgr

import (
	"container/heap"
	"time"
)

// schedEvent is a pending launch of one program.
// index is required for heap.Fix + O(log n) removals.
type schedEvent struct {
	id    string
	when  time.Time
	index int
}

// scheduler is a min-heap of launch times, at most one entry per program id.
// Not safe for concurrent use; the owner serializes access.
type scheduler struct {
	h       eventHeap
	entries map[string]*schedEvent
}

func newScheduler() *scheduler {
	h := eventHeap{}
	heap.Init(&h)
	return &scheduler{
		h:       h,
		entries: make(map[string]*schedEvent),
	}
}

// push schedules id at when, replacing any earlier entry for the same id.
func (s *scheduler) push(id string, when time.Time) {
	if old, ok := s.entries[id]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.entries, id)
	}

	ev := &schedEvent{id: id, when: when}
	s.entries[id] = ev
	heap.Push(&s.h, ev)
}

// next returns the soonest event but does not remove it.
func (s *scheduler) next() (id string, when time.Time, ok bool) {
	if len(s.h) == 0 {
		return "", time.Time{}, false
	}
	ev := s.h[0]
	return ev.id, ev.when, true
}

// pop removes the head event.
func (s *scheduler) pop() {
	if len(s.h) == 0 {
		return
	}
	ev := heap.Pop(&s.h).(*schedEvent)
	delete(s.entries, ev.id)
}

// remove drops the pending event for id, if any.
func (s *scheduler) remove(id string) {
	ev, ok := s.entries[id]
	if !ok {
		return
	}
	heap.Remove(&s.h, ev.index)
	delete(s.entries, id)
}

func (s *scheduler) pending(id string) bool {
	_, ok := s.entries[id]
	return ok
}

func (s *scheduler) len() int { return len(s.h) }

// eventHeap is a min-heap ordered by event.when.
type eventHeap []*schedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	return h[i].when.Before(h[j].when)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*schedEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1 // mark as removed
	*h = old[:n-1]
	return ev
}
