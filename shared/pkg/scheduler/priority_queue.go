package scheduler

import (
	"github.com/meshsched/meshsched/pkg/models"
)

// PriorityQueue keeps one FIFO bucket of task ids per priority level.
// It is not safe for concurrent use; the scheduler guards it with its own lock.
type PriorityQueue struct {
	buckets map[models.TaskPriority][]string
	size    int
}

// NewPriorityQueue creates an empty queue with a bucket for every level
func NewPriorityQueue() *PriorityQueue {
	q := &PriorityQueue{buckets: make(map[models.TaskPriority][]string, len(models.Priorities))}
	for _, p := range models.Priorities {
		q.buckets[p] = nil
	}
	return q
}

// Push appends id to the bucket for priority. Unknown levels go to normal.
func (q *PriorityQueue) Push(priority models.TaskPriority, id string) {
	if !priority.Valid() {
		priority = models.PriorityNormal
	}
	q.buckets[priority] = append(q.buckets[priority], id)
	q.size++
}

// Remove deletes id from the bucket for priority, keeping arrival order of the rest
func (q *PriorityQueue) Remove(priority models.TaskPriority, id string) bool {
	bucket := q.buckets[priority]
	for i, queued := range bucket {
		if queued == id {
			q.buckets[priority] = append(bucket[:i:i], bucket[i+1:]...)
			q.size--
			return true
		}
	}
	return false
}

// Tasks returns a copy of the bucket for priority in arrival order
func (q *PriorityQueue) Tasks(priority models.TaskPriority) []string {
	return append([]string(nil), q.buckets[priority]...)
}

// Ordered returns every queued id, most urgent bucket first
func (q *PriorityQueue) Ordered() []string {
	out := make([]string, 0, q.size)
	for _, p := range models.Priorities {
		out = append(out, q.buckets[p]...)
	}
	return out
}

// Len is the total number of queued ids
func (q *PriorityQueue) Len() int {
	return q.size
}

// Depths reports the bucket sizes keyed by priority name
func (q *PriorityQueue) Depths() map[string]int {
	depths := make(map[string]int, len(models.Priorities))
	for _, p := range models.Priorities {
		depths[p.String()] = len(q.buckets[p])
	}
	return depths
}
