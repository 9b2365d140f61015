package scheduler

import (
	"time"

	"github.com/meshsched/meshsched/pkg/models"
)

// CleanupResult reports what one cleanup cycle removed
type CleanupResult struct {
	TasksArchived int `json:"tasks_archived"`
	TasksPurged   int `json:"tasks_purged"`
	NodesEvicted  int `json:"nodes_evicted"`
}

// CheckTimeouts moves running tasks past their timeout to the timeout state.
// It returns the ids of the tasks that timed out.
func (s *ResourceAwareScheduler) CheckTimeouts() []string {
	s.mu.Lock()
	now := s.now()

	var timedOut []*models.Task
	for id := range s.running {
		task := s.tasks[id]
		if task == nil || task.StartedAt == nil {
			continue
		}
		if now.Sub(*task.StartedAt) <= task.Timeout {
			continue
		}

		if err := task.Transition(models.TaskStatusTimeout); err != nil {
			s.log.Errorf("[Health] Failed to mark task %s as timed out: %v", id, err)
			continue
		}
		task.Error = TimeoutError
		task.CompletedAt = models.TimePtr(now)
		s.settle(task, false)
		s.metrics.failed++
		timedOut = append(timedOut, task.Clone())
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(timedOut))
	for _, task := range timedOut {
		ids = append(ids, task.ID)
		s.log.Warnf("[Health] Task %s timed out on node %s after %v", task.ID, task.AssignedNode, task.Timeout)
		s.publish(Event{
			Type:   EventTaskFailed,
			TaskID: task.ID,
			NodeID: task.AssignedNode,
			Status: models.TaskStatusTimeout,
			Error:  TimeoutError,
		})
	}
	return ids
}

// RunCleanupCycle archives and purges finished tasks past the retention horizon
// and evicts node snapshots that stopped reporting
func (s *ResourceAwareScheduler) RunCleanupCycle() CleanupResult {
	var res CleanupResult

	s.mu.Lock()
	now := s.now()
	s.metrics.lastCleanup = now

	var expired []*models.Task
	for id := range s.finished {
		task := s.tasks[id]
		if task == nil {
			delete(s.finished, id)
			continue
		}
		if purgeable(task, now, s.config.TaskCleanupAge) {
			expired = append(expired, task.Clone())
		}
	}

	for id, node := range s.nodes {
		if now.Sub(node.LastUpdated) > s.config.ResourceTimeout {
			s.log.Warnf("[Cleanup] Node %s evicted - no resource update for %v", id, now.Sub(node.LastUpdated))
			delete(s.nodes, id)
			res.NodesEvicted++
		}
	}
	s.mu.Unlock()

	if len(expired) == 0 {
		return res
	}

	if s.archive != nil {
		if err := s.archive.ArchiveTasks(expired); err != nil {
			s.log.Errorf("[Cleanup] Failed to archive %d tasks, keeping them in memory: %v", len(expired), err)
			return res
		}
		res.TasksArchived = len(expired)
	}

	s.mu.Lock()
	for _, task := range expired {
		delete(s.tasks, task.ID)
		delete(s.finished, task.ID)
		if res.TasksArchived > 0 && task.Status == models.TaskStatusCompleted {
			s.archivedDone[task.ID] = struct{}{}
		}
		res.TasksPurged++
	}
	s.pruneArchivedDone()
	s.mu.Unlock()

	s.log.Infof("[Cleanup] Purged %d finished tasks (archived %d)", res.TasksPurged, res.TasksArchived)
	return res
}

// pruneArchivedDone drops remembered dependencies no task still waits on. Caller holds mu.
func (s *ResourceAwareScheduler) pruneArchivedDone() {
	if len(s.archivedDone) == 0 {
		return
	}
	wanted := make(map[string]struct{})
	for _, task := range s.tasks {
		for _, dep := range task.Dependencies {
			wanted[dep] = struct{}{}
		}
	}
	for dep := range s.archivedDone {
		if _, ok := wanted[dep]; !ok {
			delete(s.archivedDone, dep)
		}
	}
}

// purgeable holds for finished tasks older than the retention horizon
func purgeable(task *models.Task, now time.Time, age time.Duration) bool {
	return models.IsTerminalState(task.Status) && task.CompletedAt != nil && now.Sub(*task.CompletedAt) > age
}
