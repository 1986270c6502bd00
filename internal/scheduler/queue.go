package scheduler

import (
	"container/heap"
	"time"

	"github.com/stationhq/station/pkg/statestore"
)

// priorityWeights orders missions for dispatch. Lower weight pops first.
var priorityWeights = map[statestore.MissionPriority]int{
	statestore.PriorityCritical: 0,
	statestore.PriorityHigh:     10,
	statestore.PriorityNormal:   50,
	statestore.PriorityLow:      100,
}

// queueItem is one mission waiting for assignment.
type queueItem struct {
	missionID  string
	priority   statestore.MissionPriority
	weight     int
	deadline   *time.Time
	enqueuedAt time.Time
	seq        uint64 // FIFO tie-break within a priority
}

// missionHeap is a min-heap over (weight, seq), so equal priorities dispatch
// in arrival order.
type missionHeap []*queueItem

func (h missionHeap) Len() int { return len(h) }

func (h missionHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight < h[j].weight
	}
	return h[i].seq < h[j].seq
}

func (h missionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *missionHeap) Push(x any) {
	*h = append(*h, x.(*queueItem))
}

func (h *missionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (h *missionHeap) push(item *queueItem) {
	heap.Push(h, item)
}

func (h *missionHeap) pop() *queueItem {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*queueItem)
}

// remove drops the queued entry for a mission id, if present.
func (h *missionHeap) remove(missionID string) bool {
	for i, item := range *h {
		if item.missionID == missionID {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}
