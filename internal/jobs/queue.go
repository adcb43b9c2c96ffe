package jobs

import "container/heap"

// jobQueue orders runnable jobs by descending priority, then FIFO within
// one priority.
type jobQueue struct {
	items []*handler
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.enqueueSeq < b.enqueueSeq
}

func (q *jobQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *jobQueue) Push(x any) {
	q.items = append(q.items, x.(*handler))
}

func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

func (q *jobQueue) enqueue(h *handler) {
	heap.Push(q, h)
}

func (q *jobQueue) dequeue() *handler {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*handler)
}

// remove drops a specific handler from the queue, used when a pending job
// is canceled before a worker picks it up.
func (q *jobQueue) remove(h *handler) {
	for i, item := range q.items {
		if item == h {
			heap.Remove(q, i)
			return
		}
	}
}
