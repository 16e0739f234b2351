package scheduler

import "time"

// timerKind tags what a timerItem firing means for its account.
type timerKind int

const (
	timerRefresh timerKind = iota
	timerNotify
)

// timerItem is one entry in the scheduler's deadline priority queue,
// spec.md §5's "(deadline, account, kind)" scheduling unit.
type timerItem struct {
	deadline  time.Time
	accountID string
	kind      timerKind
}

// timerHeap implements container/heap.Interface ordered by deadline, the
// earliest deadline always at index 0.
type timerHeap []timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerItem)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
