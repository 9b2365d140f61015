package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/meshsched/meshsched/pkg/models"
)

// assignment is a placement decided inside a cycle and delivered after the lock is released
type assignment struct {
	task   *models.Task
	nodeID string
}

// Start begins the scheduling, resource and cleanup loops. They stop on Stop or when ctx is done.
func (s *ResourceAwareScheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.log.Infof("[Scheduler] Starting resource-aware scheduler (scheduling: %v, resources: %v, cleanup: %v, algorithm: %s)",
			s.config.SchedulingInterval, s.config.ResourceMonitoringInterval, s.config.CleanupInterval, s.config.Algorithm)

		go s.schedulingLoop(ctx)
		go s.resourceLoop(ctx)
		go s.cleanupLoop(ctx)
	})
}

// Stop gracefully stops all scheduler loops and waits for in-flight dispatches
func (s *ResourceAwareScheduler) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info("[Scheduler] Stopping resource-aware scheduler...")
		close(s.stopCh)

		if s.started.Load() {
			timeout := time.After(10 * time.Second)
			done := make(chan struct{})

			go func() {
				<-s.schedulingDone
				<-s.resourceDone
				<-s.cleanupDone
				s.dispatch.Wait()
				close(done)
			}()

			select {
			case <-done:
				s.log.Info("[Scheduler] All loops stopped gracefully")
			case <-timeout:
				s.log.Warn("[Scheduler] Stop timeout - forcing shutdown")
			}
		}

		s.bus.Close()
	})
}

// schedulingLoop places pending tasks and enforces timeouts
func (s *ResourceAwareScheduler) schedulingLoop(ctx context.Context) {
	defer close(s.schedulingDone)

	ticker := time.NewTicker(s.config.SchedulingInterval)
	defer ticker.Stop()

	s.log.Debug("[Scheduler] Scheduling loop started")

	for {
		select {
		case <-ticker.C:
			s.RunSchedulingCycle(ctx)
		case <-ctx.Done():
			s.log.Debug("[Scheduler] Scheduling loop cancelled")
			return
		case <-s.stopCh:
			s.log.Debug("[Scheduler] Scheduling loop stopped")
			return
		}
	}
}

// resourceLoop polls the resource source, if any
func (s *ResourceAwareScheduler) resourceLoop(ctx context.Context) {
	defer close(s.resourceDone)

	if s.source == nil {
		return
	}

	ticker := time.NewTicker(s.config.ResourceMonitoringInterval)
	defer ticker.Stop()

	s.log.Debug("[Scheduler] Resource loop started")
	s.PollResources(ctx)

	for {
		select {
		case <-ticker.C:
			s.PollResources(ctx)
		case <-ctx.Done():
			s.log.Debug("[Scheduler] Resource loop cancelled")
			return
		case <-s.stopCh:
			s.log.Debug("[Scheduler] Resource loop stopped")
			return
		}
	}
}

// cleanupLoop purges finished tasks and stale node snapshots
func (s *ResourceAwareScheduler) cleanupLoop(ctx context.Context) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	s.log.Debug("[Scheduler] Cleanup loop started")

	for {
		select {
		case <-ticker.C:
			s.RunCleanupCycle()
		case <-ctx.Done():
			s.log.Debug("[Scheduler] Cleanup loop cancelled")
			return
		case <-s.stopCh:
			s.log.Debug("[Scheduler] Cleanup loop stopped")
			return
		}
	}
}

// PollResources pulls node snapshots from the resource source into the node map
func (s *ResourceAwareScheduler) PollResources(ctx context.Context) int {
	if s.source == nil {
		return 0
	}

	snapshots, err := s.source.Poll(ctx)
	if err != nil {
		s.log.Warnf("[Scheduler] Resource poll failed: %v", err)
		return 0
	}

	for _, snapshot := range snapshots {
		if snapshot == nil || snapshot.NodeID == "" {
			continue
		}
		s.UpdateNodeResources(snapshot.NodeID, snapshot)
	}
	return len(snapshots)
}

// RunSchedulingCycle runs one scheduling tick: timeouts first, then placement.
// It returns the number of tasks dispatched.
func (s *ResourceAwareScheduler) RunSchedulingCycle(ctx context.Context) int {
	ctx, span := s.tracer.StartSpan(ctx, "scheduler.cycle")
	defer span.End()

	s.CheckTimeouts()
	s.resolveArchivedDependencies()

	s.mu.Lock()
	now := s.now()
	s.metrics.lastSchedulingRun = now

	if s.queue.Len() == 0 {
		s.mu.Unlock()
		return 0
	}

	available := AvailableNodes(s.nodes, s.config.AvailabilityThreshold, s.suspected)
	if len(available) == 0 {
		s.mu.Unlock()
		return 0
	}

	s.log.Debugf("[Scheduler] Scheduling: %d pending tasks, %d available nodes", s.queue.Len(), len(available))

	var assignments []assignment

walk:
	for _, priority := range models.Priorities {
		for _, id := range s.queue.Tasks(priority) {
			if len(available) == 0 {
				break walk
			}

			task := s.tasks[id]
			if task == nil {
				s.queue.Remove(priority, id)
				continue
			}

			if waiting, dep := s.blockedOn(task); waiting {
				s.log.Debugf("[Scheduler] Task %s waiting on dependency %s", id, dep)
				continue
			}

			node, estimated := s.selectNode(task, available)
			if node == nil {
				continue
			}

			task.ScheduledAt = models.TimePtr(now)
			if err := task.Transition(models.TaskStatusRunning); err != nil {
				s.log.Errorf("[Scheduler] Failed to start task %s: %v", id, err)
				continue
			}
			task.StartedAt = models.TimePtr(now)
			task.AssignedNode = node.NodeID
			task.EstimatedCost = estimated

			s.queue.Remove(priority, id)
			s.running[id] = struct{}{}
			node.UpdateUsage(task.Requirements, now)
			s.metrics.scheduled++

			s.log.Infof("[Scheduler] Assigned task %s (priority=%s) to node %s", id, priority, node.NodeID)

			available = removeNode(available, node.NodeID)
			assignments = append(assignments, assignment{task: task.Clone(), nodeID: node.NodeID})
		}
	}
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("dispatched", len(assignments)))

	for _, a := range assignments {
		s.sendAssignment(ctx, a)
	}
	return len(assignments)
}

// resolveArchivedDependencies looks up queued tasks' dependencies that are no
// longer in memory and remembers the ones the archive reports completed.
// The archive is queried without holding mu.
func (s *ResourceAwareScheduler) resolveArchivedDependencies() {
	if s.archive == nil {
		return
	}

	s.mu.Lock()
	var unknown []string
	seen := make(map[string]struct{})
	for _, priority := range models.Priorities {
		for _, id := range s.queue.Tasks(priority) {
			task := s.tasks[id]
			if task == nil {
				continue
			}
			for _, dep := range task.Dependencies {
				if _, ok := s.tasks[dep]; ok {
					continue
				}
				if _, ok := s.archivedDone[dep]; ok {
					continue
				}
				if _, ok := seen[dep]; ok {
					continue
				}
				seen[dep] = struct{}{}
				unknown = append(unknown, dep)
			}
		}
	}
	s.mu.Unlock()

	var done []string
	for _, dep := range unknown {
		if archived, err := s.archive.GetTask(dep); err == nil && archived != nil && archived.Status == models.TaskStatusCompleted {
			done = append(done, dep)
		}
	}
	if len(done) == 0 {
		return
	}

	s.mu.Lock()
	for _, dep := range done {
		s.archivedDone[dep] = struct{}{}
	}
	s.mu.Unlock()
}

// blockedOn reports the first dependency of task that has not completed. Caller holds mu.
func (s *ResourceAwareScheduler) blockedOn(task *models.Task) (bool, string) {
	for _, dep := range task.Dependencies {
		if d, ok := s.tasks[dep]; ok {
			if d.Status != models.TaskStatusCompleted {
				return true, dep
			}
			continue
		}
		if _, ok := s.archivedDone[dep]; ok {
			continue
		}
		return true, dep
	}
	return false, ""
}

// selectNode picks the highest-scoring node that can fulfil the task. Ties keep the first node.
// It returns the chosen node and the estimated cost, or nil when nothing fits. Caller holds mu.
func (s *ResourceAwareScheduler) selectNode(task *models.Task, available []*models.NodeResources) (*models.NodeResources, float64) {
	candidates, reason := FindCandidateNodes(task.Requirements, available)
	if len(candidates) == 0 {
		if ok, clusterReason := ValidateClusterCapabilities(task.Requirements, s.nodes); !ok {
			reason = clusterReason
		}
		s.log.Debugf("[Scheduler] Task %s waiting for a node: %s", task.ID, reason)
		return nil, 0
	}

	duration, haveEstimate := s.estimatedDuration(task)
	weighByCost := s.config.Algorithm == AlgorithmCostOptimized && haveEstimate

	var best *models.NodeResources
	bestScore, bestCost := -1.0, 0.0
	for _, node := range candidates {
		score := node.ResourceScore(task.Requirements)
		nodeCost := 0.0
		if haveEstimate {
			distance := 1.0
			if s.router != nil {
				distance = s.router.NetworkDistance(node.NodeID)
			}
			nodeCost = s.costModel.CalculateTaskCost(task, node, duration, distance)
		}
		if weighByCost {
			score *= 1.0 / (1.0 + nodeCost)
		}
		if score > bestScore {
			best, bestScore, bestCost = node, score, nodeCost
		}
	}
	return best, bestCost
}

// sendAssignment hands an assignment to the router without waiting for delivery
func (s *ResourceAwareScheduler) sendAssignment(ctx context.Context, a assignment) {
	if s.router == nil {
		return
	}

	msg, err := models.NewMessage(s.config.NodeID, a.nodeID, models.MessageTypeTaskAssignment, models.NewTaskAssignment(a.task))
	if err != nil {
		s.log.Errorf("[Scheduler] Failed to build assignment for task %s: %v", a.task.ID, err)
		return
	}

	s.dispatch.Add(1)
	go func() {
		defer s.dispatch.Done()

		timeout := s.config.DispatchTimeout
		if timeout <= 0 {
			timeout = DefaultConfig().DispatchTimeout
		}
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		if err := s.router.SendMessage(sendCtx, a.nodeID, msg); err != nil {
			s.mu.Lock()
			s.metrics.dispatchFailures++
			s.mu.Unlock()
			s.log.Warnf("[Scheduler] Failed to deliver task %s to %s: %v", a.task.ID, a.nodeID, err)
		}
	}()
}

// WaitForDispatches blocks until in-flight assignment sends finish
func (s *ResourceAwareScheduler) WaitForDispatches() {
	s.dispatch.Wait()
}
