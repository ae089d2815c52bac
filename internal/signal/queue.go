package signal

import (
	"container/heap"
	"math"
	"sort"
)

type queued struct {
	c   Candidate
	seq int
}

// minHeap keeps the weakest candidate at the root. Among equal scores the
// later discovered one is weaker.
type minHeap []queued

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	a, b := math.Abs(h[i].c.Score), math.Abs(h[j].c.Score)
	if a != b {
		return a < b
	}
	return h[i].seq > h[j].seq
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)   { *h = append(*h, x.(queued)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopK retains the k candidates with the highest |score|.
type TopK struct {
	k   int
	seq int
	h   minHeap
}

// NewTopK creates a queue holding at most k candidates.
func NewTopK(k int) *TopK {
	if k < 0 {
		k = 0
	}
	return &TopK{k: k, h: make(minHeap, 0, k)}
}

// Push offers c and reports whether it was kept. When full, c replaces the
// weakest entry only with a strictly higher |score|.
func (q *TopK) Push(c Candidate) bool {
	if q.k == 0 {
		return false
	}
	item := queued{c: c, seq: q.seq}
	q.seq++
	if len(q.h) < q.k {
		heap.Push(&q.h, item)
		return true
	}
	if math.Abs(c.Score) <= math.Abs(q.h[0].c.Score) {
		return false
	}
	q.h[0] = item
	heap.Fix(&q.h, 0)
	return true
}

// Len returns the number of queued candidates.
func (q *TopK) Len() int { return len(q.h) }

// Drain empties the queue, strongest first; ties keep discovery order.
func (q *TopK) Drain() []Candidate {
	items := make([]queued, len(q.h))
	copy(items, q.h)
	q.Reset()
	sort.Slice(items, func(i, j int) bool {
		a, b := math.Abs(items[i].c.Score), math.Abs(items[j].c.Score)
		if a != b {
			return a > b
		}
		return items[i].seq < items[j].seq
	})
	out := make([]Candidate, len(items))
	for i, it := range items {
		out[i] = it.c
	}
	return out
}

// Reset drops every candidate.
func (q *TopK) Reset() {
	q.h = q.h[:0]
	q.seq = 0
}
