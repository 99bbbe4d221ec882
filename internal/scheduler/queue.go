package scheduler

import (
	"container/heap"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

// entry pairs a job with a monotonic sequence so equal priorities dispatch
// in submission order.
type entry struct {
	job engine.Job
	seq uint64
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// jobQueue is a priority queue with FIFO ordering within a priority level.
// It is not safe for concurrent use; the scheduler serializes access.
type jobQueue struct {
	h   entryHeap
	seq uint64
}

func newJobQueue() *jobQueue {
	return &jobQueue{}
}

func (q *jobQueue) len() int { return q.h.Len() }

func (q *jobQueue) push(job engine.Job) {
	q.seq++
	heap.Push(&q.h, &entry{job: job, seq: q.seq})
}

// popEligible removes and returns the highest-priority job accepted by the
// predicate. Jobs whose category ceiling is saturated stay queued without
// blocking eligible jobs behind them.
func (q *jobQueue) popEligible(eligible func(engine.Job) bool) (engine.Job, bool) {
	var skipped []*entry
	for q.h.Len() > 0 {
		e := heap.Pop(&q.h).(*entry)
		if eligible(e.job) {
			for _, s := range skipped {
				heap.Push(&q.h, s)
			}
			return e.job, true
		}
		skipped = append(skipped, e)
	}
	for _, s := range skipped {
		heap.Push(&q.h, s)
	}
	return engine.Job{}, false
}

// remove deletes a queued job by ID, returning whether it was present.
func (q *jobQueue) remove(id string) bool {
	for i, e := range q.h {
		if e.job.ID == id {
			heap.Remove(&q.h, i)
			return true
		}
	}
	return false
}
