package coordinator

import (
	"container/heap"
	"time"
)

// waitReason says why a queue item is parked in the delayed set
type waitReason int

const (
	waitNone waitReason = iota
	waitDependency
	waitAgent
	waitBackoff
)

type queueItem struct {
	taskID  string
	score   int
	seq     uint64
	readyAt time.Time
	reason  waitReason
	index   int
}

// readyHeap orders by score, highest first, then by submission sequence
type readyHeap []*queueItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayedHeap orders by due time, then by readyHeap order
type delayedHeap struct{ readyHeap }

func (h delayedHeap) Less(i, j int) bool {
	if !h.readyHeap[i].readyAt.Equal(h.readyHeap[j].readyAt) {
		return h.readyHeap[i].readyAt.Before(h.readyHeap[j].readyAt)
	}
	return h.readyHeap.Less(i, j)
}

// taskQueue is the coordinator's scheduling queue: a ready heap in
// dispatch order plus a delayed heap of items waiting out a delay. It is
// owned by the coordinator's actor goroutine.
type taskQueue struct {
	ready   readyHeap
	delayed delayedHeap
	members map[string]*queueItem
}

func newTaskQueue() *taskQueue {
	return &taskQueue{members: make(map[string]*queueItem)}
}

// push adds an item to the ready heap. A task is queued at most once.
func (q *taskQueue) push(item *queueItem) bool {
	if _, ok := q.members[item.taskID]; ok {
		return false
	}
	item.reason = waitNone
	q.members[item.taskID] = item
	heap.Push(&q.ready, item)
	return true
}

// delay parks an item until readyAt; reason must not be waitNone
func (q *taskQueue) delay(item *queueItem, readyAt time.Time, reason waitReason) {
	item.readyAt = readyAt
	item.reason = reason
	q.members[item.taskID] = item
	heap.Push(&q.delayed, item)
}

// pop removes the next ready item
func (q *taskQueue) pop() (*queueItem, bool) {
	if q.ready.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.ready).(*queueItem)
	delete(q.members, item.taskID)
	return item, true
}

// promote moves every delayed item due at now into the ready heap
func (q *taskQueue) promote(now time.Time) int {
	n := 0
	for q.delayed.Len() > 0 && !q.delayed.readyHeap[0].readyAt.After(now) {
		item := heap.Pop(&q.delayed).(*queueItem)
		item.reason = waitNone
		heap.Push(&q.ready, item)
		n++
	}
	return n
}

// wake makes delayed items parked for reason due immediately
func (q *taskQueue) wake(reason waitReason, now time.Time) {
	changed := false
	for _, item := range q.delayed.readyHeap {
		if item.reason == reason && item.readyAt.After(now) {
			item.readyAt = now
			changed = true
		}
	}
	if changed {
		heap.Init(&q.delayed)
	}
}

// remove drops a task wherever it is queued
func (q *taskQueue) remove(taskID string) bool {
	item, ok := q.members[taskID]
	if !ok {
		return false
	}
	delete(q.members, taskID)
	if item.reason == waitNone {
		heap.Remove(&q.ready, item.index)
	} else {
		heap.Remove(&q.delayed, item.index)
	}
	return true
}

func (q *taskQueue) contains(taskID string) bool {
	_, ok := q.members[taskID]
	return ok
}

func (q *taskQueue) readyLen() int   { return q.ready.Len() }
func (q *taskQueue) delayedLen() int { return q.delayed.Len() }
func (q *taskQueue) len() int        { return len(q.members) }
