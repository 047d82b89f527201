package scheduler

import (
	"container/heap"
	"time"
)

// Task is an ephemeral, in-memory unit of deferred work. It is destroyed on
// success or once its retry budget is spent.
type Task struct {
	ID            string
	Type          string
	ScheduledTime time.Time
	Retries       int
	MaxRetries    int
	Priority      int
}

// taskHeap orders tasks by scheduled time, breaking ties on higher priority.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].ScheduledTime.Equal(h[j].ScheduledTime) {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ScheduledTime.Before(h[j].ScheduledTime)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// peek returns the earliest task without removing it.
func (h taskHeap) peek() *Task {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

var _ heap.Interface = (*taskHeap)(nil)
