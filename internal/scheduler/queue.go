package scheduler

import "container/heap"

// queryHeap orders entries by (priority, arrival sequence), so equal
// priorities leave in FIFO order.
type queryHeap []*entry

func (h queryHeap) Len() int { return len(h) }

func (h queryHeap) Less(i, j int) bool {
	if h[i].query.Priority != h[j].query.Priority {
		return h[i].query.Priority < h[j].query.Priority
	}
	return h[i].seq < h[j].seq
}

func (h queryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *queryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *queryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// priorityQueue wraps queryHeap with an id index. It is not safe for
// concurrent use.
type priorityQueue struct {
	items queryHeap
	byID  map[string]*entry
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{byID: make(map[string]*entry)}
}

func (q *priorityQueue) Len() int { return q.items.Len() }

func (q *priorityQueue) push(e *entry) {
	heap.Push(&q.items, e)
	q.byID[e.query.ID] = e
}

func (q *priorityQueue) peek() *entry {
	if q.items.Len() == 0 {
		return nil
	}
	return q.items[0]
}

func (q *priorityQueue) pop() *entry {
	if q.items.Len() == 0 {
		return nil
	}
	e := heap.Pop(&q.items).(*entry)
	delete(q.byID, e.query.ID)
	return e
}

func (q *priorityQueue) remove(id string) *entry {
	e, ok := q.byID[id]
	if !ok {
		return nil
	}
	heap.Remove(&q.items, e.index)
	delete(q.byID, id)
	return e
}

// removeIf removes and returns every entry matching pred.
func (q *priorityQueue) removeIf(pred func(*entry) bool) []*entry {
	var out []*entry
	for _, e := range append([]*entry(nil), q.items...) {
		if pred(e) {
			out = append(out, q.remove(e.query.ID))
		}
	}
	return out
}
