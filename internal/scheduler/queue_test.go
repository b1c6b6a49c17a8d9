package scheduler

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/agentscale/api/schemas"
)

func TestPriorityQueueOrdersByTier(t *testing.T) {
	var pq priorityQueue
	push := func(id string, p schemas.Priority, seq uint64) {
		heap.Push(&pq, &item{executionID: id, rank: p.Rank(), seq: seq})
	}

	push("low", schemas.PriorityLow, 1)
	push("critical", schemas.PriorityCritical, 2)
	push("normal", schemas.PriorityNormal, 3)
	push("high", schemas.PriorityHigh, 4)

	var order []string
	for pq.Len() > 0 {
		order = append(order, heap.Pop(&pq).(*item).executionID)
	}
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, order)
}

func TestPriorityQueueFIFOWithinTier(t *testing.T) {
	var pq priorityQueue
	for i := uint64(1); i <= 5; i++ {
		heap.Push(&pq, &item{
			executionID: string(rune('a' + i - 1)),
			rank:        schemas.PriorityNormal.Rank(),
			seq:         i,
		})
	}

	var order []string
	for pq.Len() > 0 {
		order = append(order, heap.Pop(&pq).(*item).executionID)
	}
	// Same tier drains strictly in admission order.
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, order)
}

func TestPriorityQueueHigherTierJumpsQueue(t *testing.T) {
	var pq priorityQueue
	heap.Push(&pq, &item{executionID: "first-normal", rank: schemas.PriorityNormal.Rank(), seq: 1})
	heap.Push(&pq, &item{executionID: "second-normal", rank: schemas.PriorityNormal.Rank(), seq: 2})
	heap.Push(&pq, &item{executionID: "late-critical", rank: schemas.PriorityCritical.Rank(), seq: 3})

	assert.Equal(t, "late-critical", heap.Pop(&pq).(*item).executionID)
	assert.Equal(t, "first-normal", heap.Pop(&pq).(*item).executionID)
}
