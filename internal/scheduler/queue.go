// internal/scheduler/queue.go
package scheduler

import (
	"container/heap"

	"github.com/xkilldash9x/agentscale/api/schemas"
)

// item is one queued execution awaiting a worker.
type item struct {
	executionID string
	agentID     string
	rank        int
	seq         uint64
	trigger     schemas.TriggerKind
}

// priorityQueue orders items by priority rank, then by admission order, so
// equal tiers drain strictly FIFO.
type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].rank != pq[j].rank {
		return pq[i].rank < pq[j].rank
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) { *pq = append(*pq, x.(*item)) }

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return it
}

var _ heap.Interface = (*priorityQueue)(nil)
