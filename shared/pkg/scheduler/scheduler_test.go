package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsched/meshsched/pkg/cost"
	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/models"
	"github.com/meshsched/meshsched/pkg/routing"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeRouter struct {
	mu        sync.Mutex
	sent      []*models.Message
	sentTo    []string
	distances map[string]float64
	suspected map[string]bool
	observed  []string
	sendErr   error
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{distances: map[string]float64{}, suspected: map[string]bool{}}
}

func (r *fakeRouter) SendMessage(ctx context.Context, destination string, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, msg)
	r.sentTo = append(r.sentTo, destination)
	return nil
}

func (r *fakeRouter) NetworkDistance(destination string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.distances[destination]; ok {
		return d
	}
	return 1
}

func (r *fakeRouter) IsNodeSuspected(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspected[nodeID]
}

func (r *fakeRouter) ObserveNode(res *models.NodeResources) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = append(r.observed, res.NodeID)
}

type memoryArchive struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
	err   error
}

func (a *memoryArchive) ArchiveTasks(tasks []*models.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.tasks == nil {
		a.tasks = map[string]*models.Task{}
	}
	for _, t := range tasks {
		a.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (a *memoryArchive) GetTask(id string) (*models.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tasks[id]; ok {
		return t.Clone(), nil
	}
	return nil, errors.New("not archived")
}

type staticSource struct {
	nodes []*models.NodeResources
	err   error
}

func (s staticSource) Poll(ctx context.Context) ([]*models.NodeResources, error) {
	return s.nodes, s.err
}

func newTestScheduler(t *testing.T, cfg *Config) (*ResourceAwareScheduler, *fakeRouter, *testClock) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	router := newFakeRouter()
	clock := newTestClock()
	s := New(cfg, cost.NewModel(cost.DefaultConfig()), router, logging.NewNop())
	s.now = clock.Now
	t.Cleanup(s.Stop)
	return s, router, clock
}

func testNode(cpu int, memoryMB int64, rate float64) *models.NodeResources {
	return &models.NodeResources{
		CPUCores:             cpu,
		MemoryMB:             memoryMB,
		StorageGB:            100,
		NetworkBandwidthMbps: 1000,
		TaskCompletionRate:   rate,
	}
}

func requirement(cpu int, memoryMB int64) *models.ResourceRequirement {
	return &models.ResourceRequirement{CPUCores: cpu, MemoryMB: memoryMB}
}

func TestSubmitAppliesDefaults(t *testing.T) {
	s, _, clock := newTestScheduler(t, nil)

	id, err := s.Submit(SubmitRequest{Type: "echo"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, models.PriorityNormal, task.Priority)
	assert.Equal(t, models.DefaultResourceRequirement(), task.Requirements)
	assert.Equal(t, 300*time.Second, task.Timeout)
	assert.Equal(t, models.DefaultMaxRetries, task.MaxRetries)
	assert.Equal(t, clock.Now(), task.CreatedAt)
}

func TestSubmitRejectsDuplicateID(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)

	_, err := s.Submit(SubmitRequest{ID: "t1"})
	require.NoError(t, err)

	_, err = s.Submit(SubmitRequest{ID: "t1"})
	assert.ErrorIs(t, err, ErrDuplicateTask)
	assert.Equal(t, int64(1), s.Statistics().TasksSubmitted)
}

func TestEndToEndCompletion(t *testing.T) {
	s, router, clock := newTestScheduler(t, nil)
	s.UpdateNodeResources("node-1", testNode(4, 4096, 1.0))

	id, err := s.Submit(SubmitRequest{Type: "echo", Requirements: requirement(1, 512), Priority: models.PriorityNormal})
	require.NoError(t, err)

	assert.Equal(t, 1, s.RunSchedulingCycle(context.Background()))
	s.WaitForDispatches()

	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, task.Status)
	assert.Equal(t, "node-1", task.AssignedNode)
	require.NotNil(t, task.ScheduledAt)
	require.NotNil(t, task.StartedAt)

	require.Len(t, router.sent, 1)
	assert.Equal(t, "node-1", router.sentTo[0])
	assert.Equal(t, models.MessageTypeTaskAssignment, router.sent[0].Type)
	var assignment models.TaskAssignment
	require.NoError(t, router.sent[0].DecodePayload(&assignment))
	assert.Equal(t, id, assignment.TaskID)

	clock.Advance(30 * time.Second)
	require.NoError(t, s.CompleteTask(id, json.RawMessage(`{"ok":true}`)))

	task, err = s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Greater(t, task.ActualCost, 0.0)
	assert.Equal(t, 30*time.Second, task.ExecutionTime())

	stats := s.Statistics()
	assert.Equal(t, int64(1), stats.TasksScheduled)
	assert.Equal(t, int64(1), stats.TasksCompleted)
	assert.InDelta(t, 30.0, stats.AvgExecutionTime, 1e-9)
	assert.InDelta(t, task.ActualCost, stats.TotalCost, 1e-12)
	assert.Equal(t, 0, stats.RunningTasks)
	assert.Equal(t, 1, stats.FinishedTasks)
}

func TestDispatchedNodesCouldFulfilRequirement(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	s.UpdateNodeResources("small", testNode(2, 1024, 1.0))
	s.UpdateNodeResources("large", testNode(16, 32768, 1.0))

	before := map[string]*models.NodeResources{}
	for _, n := range s.Nodes() {
		before[n.NodeID] = n
	}

	ids := make([]string, 0, 3)
	for _, req := range []*models.ResourceRequirement{requirement(8, 8192), requirement(1, 256), requirement(64, 1024)} {
		id, err := s.Submit(SubmitRequest{Requirements: req})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	s.RunSchedulingCycle(context.Background())

	for _, id := range ids {
		task, err := s.GetTask(id)
		require.NoError(t, err)
		if task.Status != models.TaskStatusRunning {
			continue
		}
		node := before[task.AssignedNode]
		assert.True(t, node.CanFulfillRequirement(task.Requirements),
			"task %s placed on %s which cannot fulfil it", id, task.AssignedNode)
	}

	status, _ := s.GetStatus(ids[2])
	assert.Equal(t, models.TaskStatusPending, status, "oversized task should stay queued")
}

func TestHigherPriorityWinsSingleNode(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	s.UpdateNodeResources("only", testNode(1, 1024, 1.0))

	low, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256), Priority: models.PriorityLow})
	high, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256), Priority: models.PriorityHigh})

	assert.Equal(t, 1, s.RunSchedulingCycle(context.Background()))

	highStatus, _ := s.GetStatus(high)
	lowStatus, _ := s.GetStatus(low)
	assert.Equal(t, models.TaskStatusRunning, highStatus)
	assert.Equal(t, models.TaskStatusPending, lowStatus)
}

func TestOneTaskPerNodePerCycle(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	s.UpdateNodeResources("big", testNode(32, 65536, 1.0))

	for i := 0; i < 3; i++ {
		_, err := s.Submit(SubmitRequest{Requirements: requirement(1, 128)})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, s.RunSchedulingCycle(context.Background()))
	assert.Equal(t, 1, s.RunSchedulingCycle(context.Background()))
	assert.Equal(t, 1, s.Statistics().PendingTasks)
}

func TestFIFOWithinPriority(t *testing.T) {
	s, _, clock := newTestScheduler(t, nil)
	s.UpdateNodeResources("only", testNode(4, 4096, 1.0))

	first, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 128)})
	clock.Advance(time.Millisecond)
	second, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 128)})

	s.RunSchedulingCycle(context.Background())

	firstStatus, _ := s.GetStatus(first)
	secondStatus, _ := s.GetStatus(second)
	assert.Equal(t, models.TaskStatusRunning, firstStatus)
	assert.Equal(t, models.TaskStatusPending, secondStatus)
}

func TestDependencyGating(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	s.UpdateNodeResources("n1", testNode(8, 8192, 1.0))
	s.UpdateNodeResources("n2", testNode(8, 8192, 1.0))

	parent, _ := s.Submit(SubmitRequest{ID: "parent", Requirements: requirement(1, 256)})
	child, _ := s.Submit(SubmitRequest{
		ID:           "child",
		Requirements: requirement(1, 256),
		Priority:     models.PriorityUrgent,
		Dependencies: []string{parent},
	})
	orphan, _ := s.Submit(SubmitRequest{
		ID:           "orphan",
		Priority:     models.PriorityUrgent,
		Dependencies: []string{"never-submitted"},
	})

	assert.Equal(t, 1, s.RunSchedulingCycle(context.Background()))
	status, _ := s.GetStatus(child)
	assert.Equal(t, models.TaskStatusPending, status, "child must wait for parent")

	require.NoError(t, s.CompleteTask(parent, nil))
	s.RunSchedulingCycle(context.Background())

	status, _ = s.GetStatus(child)
	assert.Equal(t, models.TaskStatusRunning, status)
	status, _ = s.GetStatus(orphan)
	assert.Equal(t, models.TaskStatusPending, status)
}

func TestDependencyFailedKeepsChildWaiting(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	s.UpdateNodeResources("n1", testNode(8, 8192, 1.0))
	s.UpdateNodeResources("n2", testNode(8, 8192, 1.0))

	parent, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256)})
	child, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256), Dependencies: []string{parent}})

	s.RunSchedulingCycle(context.Background())
	require.NoError(t, s.FailTask(parent, "exit status 1"))
	s.RunSchedulingCycle(context.Background())

	status, _ := s.GetStatus(child)
	assert.Equal(t, models.TaskStatusPending, status)
}

func TestCancelContract(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	events := s.Subscribe(8)
	s.UpdateNodeResources("n1", testNode(4, 4096, 1.0))

	running, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256), Priority: models.PriorityUrgent})
	s.RunSchedulingCycle(context.Background())
	pending, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256)})

	tests := []struct {
		name     string
		id       string
		expected bool
		status   models.TaskStatus
	}{
		{"pending task", pending, true, models.TaskStatusCancelled},
		{"already cancelled", pending, false, models.TaskStatusCancelled},
		{"running task", running, false, models.TaskStatusRunning},
		{"unknown task", "missing", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, s.Cancel(tt.id))
			status, _ := s.GetStatus(tt.id)
			assert.Equal(t, tt.status, status)
		})
	}

	stats := s.Statistics()
	assert.Equal(t, int64(1), stats.TasksCancelled)
	assert.Equal(t, 0, stats.PendingTasks)

	var cancelled int
	for len(events) > 0 {
		if e := <-events; e.Type == EventTaskFailed && e.Status == models.TaskStatusCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestTimeoutMovesRunningTask(t *testing.T) {
	s, _, clock := newTestScheduler(t, nil)
	events := s.Subscribe(8)
	s.UpdateNodeResources("n1", testNode(4, 4096, 1.0))

	id, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256), Timeout: 10 * time.Second})
	s.RunSchedulingCycle(context.Background())

	clock.Advance(10 * time.Second)
	assert.Empty(t, s.CheckTimeouts(), "exactly at the timeout the task is still running")

	clock.Advance(time.Second)
	s.RunSchedulingCycle(context.Background())

	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusTimeout, task.Status)
	assert.NotEmpty(t, task.Error)
	assert.Equal(t, TimeoutError, task.Error)
	require.NotNil(t, task.CompletedAt)

	assert.Equal(t, int64(1), s.Statistics().TasksFailed)
	assert.ErrorIs(t, s.CompleteTask(id, nil), ErrInvalidTransition)

	var timeouts int
	for len(events) > 0 {
		if e := <-events; e.Type == EventTaskFailed && e.Status == models.TaskStatusTimeout {
			timeouts++
			assert.Equal(t, "n1", e.NodeID)
		}
	}
	assert.Equal(t, 1, timeouts)
}

func TestPrefersReliableNode(t *testing.T) {
	for _, algorithm := range []string{AlgorithmResource, AlgorithmCostOptimized} {
		t.Run(algorithm, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Algorithm = algorithm
			s, _, _ := newTestScheduler(t, cfg)

			// the unreliable node sorts first so a tie would pick it
			s.UpdateNodeResources("a-flaky", testNode(4, 4096, 0.3))
			s.UpdateNodeResources("b-steady", testNode(4, 4096, 0.9))

			id, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 512), EstimatedDuration: time.Minute})
			s.RunSchedulingCycle(context.Background())

			task, err := s.GetTask(id)
			require.NoError(t, err)
			assert.Equal(t, "b-steady", task.AssignedNode)
		})
	}
}

func TestTiesFavorFirstNode(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	s.UpdateNodeResources("n2", testNode(4, 4096, 1.0))
	s.UpdateNodeResources("n1", testNode(4, 4096, 1.0))

	id, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 512)})
	s.RunSchedulingCycle(context.Background())

	task, _ := s.GetTask(id)
	assert.Equal(t, "n1", task.AssignedNode)
}

func TestCostWeightingUsesNetworkDistance(t *testing.T) {
	s, router, _ := newTestScheduler(t, nil)
	router.distances["far"] = 5000
	s.UpdateNodeResources("far", testNode(4, 4096, 1.0))
	s.UpdateNodeResources("near", testNode(4, 4096, 1.0))

	id, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 512), EstimatedDuration: time.Minute})
	s.RunSchedulingCycle(context.Background())

	task, _ := s.GetTask(id)
	assert.Equal(t, "near", task.AssignedNode)
	assert.Greater(t, task.EstimatedCost, 0.0)
}

func TestEstimatedDurationLearnedPerType(t *testing.T) {
	s, _, clock := newTestScheduler(t, nil)
	s.UpdateNodeResources("n1", testNode(4, 4096, 1.0))

	first, _ := s.Submit(SubmitRequest{Type: "render", Requirements: requirement(1, 256)})
	s.RunSchedulingCycle(context.Background())
	task, _ := s.GetTask(first)
	assert.Zero(t, task.EstimatedCost, "no estimate without history")

	clock.Advance(100 * time.Second)
	require.NoError(t, s.CompleteTask(first, nil))

	second, _ := s.Submit(SubmitRequest{Type: "render", Requirements: requirement(1, 256)})
	s.RunSchedulingCycle(context.Background())
	task, _ = s.GetTask(second)
	assert.Greater(t, task.EstimatedCost, 0.0)
}

func TestSuspectedNodesAreSkipped(t *testing.T) {
	s, router, _ := newTestScheduler(t, nil)
	router.suspected["n1"] = true
	s.UpdateNodeResources("n1", testNode(4, 4096, 1.0))

	id, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256)})
	assert.Equal(t, 0, s.RunSchedulingCycle(context.Background()))

	router.suspected["n1"] = false
	assert.Equal(t, 1, s.RunSchedulingCycle(context.Background()))
	status, _ := s.GetStatus(id)
	assert.Equal(t, models.TaskStatusRunning, status)
}

func TestOverloadedNodesAreUnavailable(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	busy := testNode(64, 65536, 1.0)
	busy.CPUUsage, busy.MemoryUsage, busy.GPUUsage, busy.StorageUsage, busy.NetworkUsage = 0.9, 0.9, 0.9, 0.9, 0.5
	s.UpdateNodeResources("busy", busy)

	_, _ = s.Submit(SubmitRequest{Requirements: requirement(1, 64)})
	assert.Equal(t, 0, s.RunSchedulingCycle(context.Background()))
}

func TestDispatchFailureLeavesTaskRunning(t *testing.T) {
	s, router, _ := newTestScheduler(t, nil)
	router.sendErr = fmt.Errorf("no route")
	s.UpdateNodeResources("n1", testNode(4, 4096, 1.0))

	id, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256)})
	s.RunSchedulingCycle(context.Background())
	s.WaitForDispatches()

	status, _ := s.GetStatus(id)
	assert.Equal(t, models.TaskStatusRunning, status)
	assert.Equal(t, int64(1), s.Statistics().DispatchFailures)
}

func TestFailTaskUpdatesNodePerformance(t *testing.T) {
	s, _, clock := newTestScheduler(t, nil)
	s.UpdateNodeResources("n1", testNode(4, 4096, 1.0))

	id, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256)})
	s.RunSchedulingCycle(context.Background())
	clock.Advance(5 * time.Second)

	require.NoError(t, s.FailTask(id, "boom"))

	node, err := s.GetNode("n1")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, node.TaskCompletionRate, 1e-9)

	task, _ := s.GetTask(id)
	assert.Equal(t, "boom", task.Error)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
}

func TestCompletionErrors(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	pending, _ := s.Submit(SubmitRequest{})

	assert.ErrorIs(t, s.CompleteTask("missing", nil), ErrTaskNotFound)
	assert.ErrorIs(t, s.CompleteTask(pending, nil), ErrInvalidTransition)
	assert.ErrorIs(t, s.FailTask(pending, "x"), ErrInvalidTransition)
}

func TestCleanupArchivesAndEvicts(t *testing.T) {
	s, _, clock := newTestScheduler(t, nil)
	archive := &memoryArchive{}
	s.SetArchive(archive)
	s.UpdateNodeResources("n1", testNode(4, 4096, 1.0))

	done, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256)})
	s.RunSchedulingCycle(context.Background())
	require.NoError(t, s.CompleteTask(done, nil))
	node, err := s.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), node.LastUpdated, "usage updates follow the scheduler clock")
	waiting, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256)})

	res := s.RunCleanupCycle()
	assert.Zero(t, res.TasksPurged)

	clock.Advance(2 * time.Hour)
	res = s.RunCleanupCycle()
	assert.Equal(t, CleanupResult{TasksArchived: 1, TasksPurged: 1, NodesEvicted: 1}, res)

	assert.Len(t, s.ListTasks(""), 1)
	status, ok := s.GetStatus(done)
	assert.True(t, ok, "purged task should be found in the archive")
	assert.Equal(t, models.TaskStatusCompleted, status)

	status, _ = s.GetStatus(waiting)
	assert.Equal(t, models.TaskStatusPending, status)
	assert.Zero(t, s.Statistics().NodeCount)
}

func TestCleanupKeepsTasksWhenArchiveFails(t *testing.T) {
	s, _, clock := newTestScheduler(t, nil)
	s.SetArchive(&memoryArchive{err: errors.New("disk full")})

	id, _ := s.Submit(SubmitRequest{})
	require.True(t, s.Cancel(id))

	clock.Advance(2 * time.Hour)
	res := s.RunCleanupCycle()
	assert.Zero(t, res.TasksPurged)
	assert.Len(t, s.ListTasks(models.TaskStatusCancelled), 1)
}

func TestArchivedDependencySatisfies(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	archive := &memoryArchive{}
	require.NoError(t, archive.ArchiveTasks([]*models.Task{{ID: "old", Status: models.TaskStatusCompleted}}))
	s.SetArchive(archive)
	s.UpdateNodeResources("n1", testNode(4, 4096, 1.0))

	id, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256), Dependencies: []string{"old"}})
	assert.Equal(t, 1, s.RunSchedulingCycle(context.Background()))
	status, _ := s.GetStatus(id)
	assert.Equal(t, models.TaskStatusRunning, status)
}

type countingArchive struct {
	memoryArchive
	lookups map[string]int
	onGet   func()
}

func (a *countingArchive) GetTask(id string) (*models.Task, error) {
	if a.onGet != nil {
		a.onGet()
	}
	a.mu.Lock()
	a.lookups[id]++
	a.mu.Unlock()
	return a.memoryArchive.GetTask(id)
}

func TestArchivedDependencyLookupsOutsideLock(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	archive := &countingArchive{lookups: map[string]int{}}
	require.NoError(t, archive.ArchiveTasks([]*models.Task{{ID: "old", Status: models.TaskStatusCompleted}}))
	archive.onGet = func() {
		if !s.mu.TryLock() {
			t.Errorf("archive queried while the scheduler lock was held")
			return
		}
		s.mu.Unlock()
	}
	s.SetArchive(archive)

	id, _ := s.Submit(SubmitRequest{Requirements: requirement(1, 256), Dependencies: []string{"old", "missing"}})
	for i := 0; i < 3; i++ {
		s.RunSchedulingCycle(context.Background())
	}
	s.UpdateNodeResources("n1", testNode(4, 4096, 1.0))
	s.RunSchedulingCycle(context.Background())

	status, _ := s.GetStatus(id)
	assert.Equal(t, models.TaskStatusPending, status)
	assert.Equal(t, 1, archive.lookups["old"], "completed dependency should be looked up once")
	assert.Equal(t, 4, archive.lookups["missing"])
}

func TestStatisticsQueueDepth(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	s.UpdateNodeResources("n1", testNode(4, 4096, 1.0))

	_, _ = s.Submit(SubmitRequest{Priority: models.PriorityUrgent})
	_, _ = s.Submit(SubmitRequest{Priority: models.PriorityLow})
	_, _ = s.Submit(SubmitRequest{Priority: models.PriorityLow})

	stats := s.Statistics()
	assert.Equal(t, map[string]int{"urgent": 1, "critical": 0, "high": 0, "normal": 0, "low": 2}, stats.QueueDepth)
	assert.Equal(t, 3, stats.PendingTasks)
	assert.Equal(t, 1, stats.NodeCount)
	assert.Zero(t, stats.AvgNodeUtilization)
}

func TestEstimateCost(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	s.UpdateNodeResources("big", testNode(8, 8192, 1.0))
	s.UpdateNodeResources("tiny", testNode(1, 256, 1.0))

	estimates := s.EstimateCost(*requirement(2, 1024), time.Hour)
	require.Len(t, estimates, 2)
	assert.Equal(t, "big", estimates[0].NodeID)
	assert.True(t, estimates[0].Fits)
	assert.Greater(t, estimates[0].Cost.Total, 0.0)
	assert.False(t, estimates[1].Fits)
	assert.NotEmpty(t, estimates[1].Reason)
}

func TestNodeManagement(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	events := s.Subscribe(4)

	node := testNode(4, 4096, 1.0)
	node.CPUUsage = 1.7
	s.UpdateNodeResources("n1", node)

	got, err := s.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.NodeID)
	assert.Equal(t, 1.0, got.CPUUsage, "usage should be clamped")

	e := <-events
	assert.Equal(t, EventNodeUpdated, e.Type)

	require.NoError(t, s.RemoveNode("n1"))
	assert.ErrorIs(t, s.RemoveNode("n1"), ErrUnknownNode)
	_, err = s.GetNode("n1")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestPollResources(t *testing.T) {
	s, router, _ := newTestScheduler(t, nil)
	n := testNode(2, 2048, 1.0)
	n.NodeID = "polled"
	s.SetResourceSource(staticSource{nodes: []*models.NodeResources{n, nil}})

	assert.Equal(t, 2, s.PollResources(context.Background()))
	_, err := s.GetNode("polled")
	assert.NoError(t, err)
	assert.Equal(t, []string{"polled"}, router.observed)

	s.SetResourceSource(staticSource{err: errors.New("redis down")})
	assert.Equal(t, 0, s.PollResources(context.Background()))
}

type recordingLink struct {
	mu   sync.Mutex
	sent []string
}

func (l *recordingLink) Send(ctx context.Context, nodeID string, msg *models.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, nodeID)
	return nil
}

func TestPolledNodeIsRoutable(t *testing.T) {
	link := &recordingLink{}
	router := routing.NewRouter("scheduler", routing.DefaultConfig(), link, logging.NewNop())
	t.Cleanup(router.Stop)

	s := New(DefaultConfig(), cost.NewModel(cost.DefaultConfig()), router, logging.NewNop())
	t.Cleanup(s.Stop)

	n := testNode(4, 4096, 1.0)
	n.NodeID = "worker"
	s.SetResourceSource(staticSource{nodes: []*models.NodeResources{n}})
	require.Equal(t, 1, s.PollResources(context.Background()))

	routes := router.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "scheduler", routes[0].Owner)
	assert.Equal(t, "worker", routes[0].Destination)
	assert.Equal(t, int64(1), router.GetRoutingStatistics().LoadBalancer.LoadUpdates)

	id, err := s.Submit(SubmitRequest{Requirements: requirement(1, 256)})
	require.NoError(t, err)
	assert.Equal(t, 1, s.RunSchedulingCycle(context.Background()))
	assert.Equal(t, []string{"worker"}, link.sent)

	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, "worker", task.AssignedNode)
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SchedulingInterval = 5 * time.Millisecond
	cfg.CleanupInterval = 5 * time.Millisecond
	cfg.ResourceMonitoringInterval = 5 * time.Millisecond

	s := New(cfg, nil, newFakeRouter(), logging.NewNop())
	n := testNode(4, 4096, 1.0)
	n.NodeID = "n1"
	s.SetResourceSource(staticSource{nodes: []*models.NodeResources{n}})

	id, err := s.Submit(SubmitRequest{Requirements: requirement(1, 256)})
	require.NoError(t, err)

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		status, _ := s.GetStatus(id)
		return status == models.TaskStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}
