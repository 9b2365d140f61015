package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meshsched/meshsched/pkg/cost"
	"github.com/meshsched/meshsched/pkg/events"
	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/models"
	"github.com/meshsched/meshsched/pkg/tracing"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrUnknownNode       = errors.New("unknown node")
)

// Scheduling algorithms
const (
	AlgorithmCostOptimized = "cost_optimized"
	AlgorithmResource      = "resource"
)

// TimeoutError is recorded on tasks that exceed their timeout
const TimeoutError = "Task timeout"

// durationSmoothing is the EMA factor for per-type duration estimates
const durationSmoothing = 0.1

// Router delivers assignments and answers topology questions. *routing.Router implements it.
type Router interface {
	SendMessage(ctx context.Context, destination string, msg *models.Message) error
	NetworkDistance(destination string) float64
	IsNodeSuspected(nodeID string) bool
	ObserveNode(res *models.NodeResources)
}

// Archive keeps tasks purged from memory. store.Store implements it.
type Archive interface {
	ArchiveTasks(tasks []*models.Task) error
	GetTask(id string) (*models.Task, error)
}

// ResourceSource is polled for fresh node snapshots
type ResourceSource interface {
	Poll(ctx context.Context) ([]*models.NodeResources, error)
}

// Config holds scheduler configuration
type Config struct {
	NodeID                     string        `mapstructure:"node_id"`
	SchedulingInterval         time.Duration `mapstructure:"scheduling_interval"`          // How often to place pending tasks
	ResourceMonitoringInterval time.Duration `mapstructure:"resource_monitoring_interval"` // How often to poll the resource source
	CleanupInterval            time.Duration `mapstructure:"cleanup_interval"`             // How often to purge finished tasks and stale nodes
	DefaultTaskTimeout         time.Duration `mapstructure:"default_task_timeout"`
	TaskCleanupAge             time.Duration `mapstructure:"task_cleanup_age"`
	ResourceTimeout            time.Duration `mapstructure:"resource_timeout"`
	AvailabilityThreshold      float64       `mapstructure:"availability_threshold"` // sum of the five utilization ratios
	Algorithm                  string        `mapstructure:"algorithm"`
	DispatchTimeout            time.Duration `mapstructure:"dispatch_timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NodeID:                     "meshd",
		SchedulingInterval:         1 * time.Second,
		ResourceMonitoringInterval: 30 * time.Second,
		CleanupInterval:            60 * time.Second,
		DefaultTaskTimeout:         300 * time.Second,
		TaskCleanupAge:             time.Hour,
		ResourceTimeout:            5 * time.Minute,
		AvailabilityThreshold:      4.0,
		Algorithm:                  AlgorithmCostOptimized,
		DispatchTimeout:            5 * time.Second,
	}
}

// SubmitRequest describes a task to submit. Zero values take defaults.
type SubmitRequest struct {
	ID                string                      `json:"id,omitempty"`
	Type              string                      `json:"type"`
	Payload           json.RawMessage             `json:"payload,omitempty"`
	Requirements      *models.ResourceRequirement `json:"requirements,omitempty"`
	Priority          models.TaskPriority         `json:"priority,omitempty"`
	Dependencies      []string                    `json:"dependencies,omitempty"`
	Timeout           time.Duration               `json:"timeout,omitempty"`
	EstimatedDuration time.Duration               `json:"estimated_duration,omitempty"`
	MaxRetries        int                         `json:"max_retries,omitempty"`
}

// EventType names a scheduler event
type EventType string

const (
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed" // failed, timeout or cancelled
	EventNodeUpdated   EventType = "node_updated"
)

// Event is published on task outcomes and node updates
type Event struct {
	Type   EventType         `json:"type"`
	TaskID string            `json:"task_id,omitempty"`
	NodeID string            `json:"node_id,omitempty"`
	Status models.TaskStatus `json:"status,omitempty"`
	Error  string            `json:"error,omitempty"`
	Time   time.Time         `json:"time"`
}

// Statistics is a snapshot of scheduler counters
type Statistics struct {
	TasksSubmitted     int64          `json:"tasks_submitted"`
	TasksScheduled     int64          `json:"tasks_scheduled"`
	TasksCompleted     int64          `json:"tasks_completed"`
	TasksFailed        int64          `json:"tasks_failed"`
	TasksCancelled     int64          `json:"tasks_cancelled"`
	DispatchFailures   int64          `json:"dispatch_failures"`
	AvgWaitTime        float64        `json:"avg_wait_time"`      // seconds
	AvgExecutionTime   float64        `json:"avg_execution_time"` // seconds
	TotalCost          float64        `json:"total_cost"`
	AvgNodeUtilization float64        `json:"avg_node_utilization"`
	NodeCount          int            `json:"node_count"`
	QueueDepth         map[string]int `json:"queue_depth"`
	PendingTasks       int            `json:"pending_tasks"`
	RunningTasks       int            `json:"running_tasks"`
	FinishedTasks      int            `json:"finished_tasks"`
	DroppedEvents      int64          `json:"dropped_events"`
	LastSchedulingRun  time.Time      `json:"last_scheduling_run"`
	LastCleanup        time.Time      `json:"last_cleanup"`
}

// NodeEstimate is the placement outlook of a requirement on one node
type NodeEstimate struct {
	NodeID    string         `json:"node_id"`
	Fits      bool           `json:"fits"`
	Reason    string         `json:"reason,omitempty"`
	Available bool           `json:"available"`
	Score     float64        `json:"score"`
	Distance  float64        `json:"network_distance"`
	Cost      cost.Breakdown `json:"cost"`
}

// ResourceAwareScheduler places tasks on mesh nodes by resource fit, track record and cost
type ResourceAwareScheduler struct {
	mu        sync.Mutex
	config    *Config
	costModel *cost.Model
	router    Router
	archive   Archive
	source    ResourceSource
	bus       *events.Bus[Event]
	tracer    *tracing.Provider
	log       *logging.Logger
	now       func() time.Time

	tasks         map[string]*models.Task
	queue         *PriorityQueue
	running       map[string]struct{}
	finished      map[string]struct{}
	nodes         map[string]*models.NodeResources
	typeDurations map[string]float64  // seconds, smoothed per task type
	archivedDone  map[string]struct{} // purged dependencies the archive reports completed

	metrics  schedulerCounters
	dispatch sync.WaitGroup

	startOnce      sync.Once
	stopOnce       sync.Once
	started        atomic.Bool
	stopCh         chan struct{}
	schedulingDone chan struct{}
	resourceDone   chan struct{}
	cleanupDone    chan struct{}
}

type schedulerCounters struct {
	submitted         int64
	scheduled         int64
	completed         int64
	failed            int64
	cancelled         int64
	dispatchFailures  int64
	waitSum           time.Duration
	execSum           time.Duration
	measured          int64
	totalCost         float64
	lastSchedulingRun time.Time
	lastCleanup       time.Time
}

// New creates a scheduler. router may be nil, in which case assignments are recorded but not sent.
func New(config *Config, costModel *cost.Model, router Router, log *logging.Logger) *ResourceAwareScheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if costModel == nil {
		costModel = cost.NewModel(cost.DefaultConfig())
	}
	if log == nil {
		log = logging.Default()
	}

	return &ResourceAwareScheduler{
		config:         config,
		costModel:      costModel,
		router:         router,
		bus:            events.NewBus[Event](),
		log:            log.WithField("component", "scheduler"),
		now:            time.Now,
		tasks:          make(map[string]*models.Task),
		queue:          NewPriorityQueue(),
		running:        make(map[string]struct{}),
		finished:       make(map[string]struct{}),
		nodes:          make(map[string]*models.NodeResources),
		typeDurations:  make(map[string]float64),
		archivedDone:   make(map[string]struct{}),
		stopCh:         make(chan struct{}),
		schedulingDone: make(chan struct{}),
		resourceDone:   make(chan struct{}),
		cleanupDone:    make(chan struct{}),
	}
}

// SetArchive sets where purged tasks are kept
func (s *ResourceAwareScheduler) SetArchive(a Archive) {
	s.archive = a
}

// SetResourceSource sets the source polled by the resource loop
func (s *ResourceAwareScheduler) SetResourceSource(src ResourceSource) {
	s.source = src
}

// SetTracer enables spans on scheduling cycles
func (s *ResourceAwareScheduler) SetTracer(p *tracing.Provider) {
	s.tracer = p
}

// Config returns the scheduler configuration
func (s *ResourceAwareScheduler) Config() *Config {
	return s.config
}

// CostModel returns the cost model used for placement
func (s *ResourceAwareScheduler) CostModel() *cost.Model {
	return s.costModel
}

// Subscribe returns a channel of scheduler events
func (s *ResourceAwareScheduler) Subscribe(buffer int) <-chan Event {
	return s.bus.Subscribe(buffer)
}

func (s *ResourceAwareScheduler) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	s.bus.Publish(e)
}

// Submit queues a new pending task and returns its id
func (s *ResourceAwareScheduler) Submit(req SubmitRequest) (string, error) {
	now := s.now()

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	requirements := models.DefaultResourceRequirement()
	if req.Requirements != nil {
		requirements = req.Requirements.Clone()
	}

	priority := req.Priority
	if !priority.Valid() {
		priority = models.PriorityNormal
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTaskTimeout
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}

	task := &models.Task{
		ID:                id,
		Type:              req.Type,
		Priority:          priority,
		Requirements:      requirements,
		Dependencies:      append([]string(nil), req.Dependencies...),
		Timeout:           timeout,
		CreatedAt:         now,
		Status:            models.TaskStatusPending,
		MaxRetries:        maxRetries,
		EstimatedDuration: req.EstimatedDuration,
	}
	if req.Payload != nil {
		task.Payload = append(json.RawMessage(nil), req.Payload...)
	}

	s.mu.Lock()
	if _, exists := s.tasks[id]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	s.tasks[id] = task
	s.queue.Push(priority, id)
	s.metrics.submitted++
	s.mu.Unlock()

	s.log.Debugf("[Scheduler] Submitted task %s (type=%s, priority=%s)", id, task.Type, priority)
	return id, nil
}

// Cancel cancels a pending task. It returns false for running, finished or unknown tasks.
func (s *ResourceAwareScheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok || task.Status != models.TaskStatusPending {
		s.mu.Unlock()
		return false
	}

	now := s.now()
	_ = task.Transition(models.TaskStatusCancelled)
	task.CompletedAt = models.TimePtr(now)
	s.queue.Remove(task.Priority, taskID)
	s.finished[taskID] = struct{}{}
	s.metrics.cancelled++
	s.mu.Unlock()

	s.log.Infof("[Scheduler] Cancelled task %s", taskID)
	s.publish(Event{Type: EventTaskFailed, TaskID: taskID, Status: models.TaskStatusCancelled})
	return true
}

// GetStatus returns the task's status, consulting the archive for purged tasks
func (s *ResourceAwareScheduler) GetStatus(taskID string) (models.TaskStatus, bool) {
	task, err := s.GetTask(taskID)
	if err != nil {
		return "", false
	}
	return task.Status, true
}

// GetTask returns a copy of the task, consulting the archive for purged tasks
func (s *ResourceAwareScheduler) GetTask(taskID string) (*models.Task, error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if ok {
		c := task.Clone()
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	if s.archive != nil {
		if archived, err := s.archive.GetTask(taskID); err == nil && archived != nil {
			return archived, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// ListTasks returns copies of in-memory tasks ordered by creation time. An empty status matches all.
func (s *ResourceAwareScheduler) ListTasks(status models.TaskStatus) []*models.Task {
	s.mu.Lock()
	out := make([]*models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if status == "" || task.Status == status {
			out = append(out, task.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateNodeResources replaces the stored snapshot for nodeID and passes it on to
// the router. It does not trigger scheduling.
func (s *ResourceAwareScheduler) UpdateNodeResources(nodeID string, resources *models.NodeResources) {
	if resources == nil {
		return
	}
	snapshot := resources.Clone()
	snapshot.NodeID = nodeID
	if snapshot.LastUpdated.IsZero() {
		snapshot.LastUpdated = s.now()
	}
	snapshot.Normalize()

	s.mu.Lock()
	s.nodes[nodeID] = snapshot
	s.mu.Unlock()

	if s.router != nil {
		s.router.ObserveNode(snapshot.Clone())
	}
	s.publish(Event{Type: EventNodeUpdated, NodeID: nodeID})
}

// RemoveNode forgets a node snapshot
func (s *ResourceAwareScheduler) RemoveNode(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[nodeID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	delete(s.nodes, nodeID)
	return nil
}

// GetNode returns a copy of a node snapshot
func (s *ResourceAwareScheduler) GetNode(nodeID string) (*models.NodeResources, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return node.Clone(), nil
}

// Nodes returns copies of all node snapshots ordered by id
func (s *ResourceAwareScheduler) Nodes() []*models.NodeResources {
	s.mu.Lock()
	out := make([]*models.NodeResources, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// CompleteTask records a successful result for a running task
func (s *ResourceAwareScheduler) CompleteTask(taskID string, result json.RawMessage) error {
	return s.finish(taskID, models.TaskStatusCompleted, result, "")
}

// FailTask records a failure reported for a running task
func (s *ResourceAwareScheduler) FailTask(taskID, errMsg string) error {
	if errMsg == "" {
		errMsg = "task failed"
	}
	return s.finish(taskID, models.TaskStatusFailed, nil, errMsg)
}

func (s *ResourceAwareScheduler) finish(taskID string, status models.TaskStatus, result json.RawMessage, errMsg string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err := task.Transition(status); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	now := s.now()
	task.CompletedAt = models.TimePtr(now)
	if result != nil {
		task.Result = append(json.RawMessage(nil), result...)
	}
	task.Error = errMsg

	success := status == models.TaskStatusCompleted
	s.settle(task, success)

	if success {
		s.metrics.completed++
		s.recordTypeDuration(task.Type, task.ExecutionTime())
	} else {
		s.metrics.failed++
	}
	nodeID := task.AssignedNode
	actual := task.ActualCost
	s.mu.Unlock()

	if success {
		s.log.Infof("[Scheduler] Task %s completed on %s (cost %.4f)", taskID, nodeID, actual)
		s.publish(Event{Type: EventTaskCompleted, TaskID: taskID, NodeID: nodeID, Status: status})
	} else {
		s.log.Warnf("[Scheduler] Task %s failed on %s: %s", taskID, nodeID, errMsg)
		s.publish(Event{Type: EventTaskFailed, TaskID: taskID, NodeID: nodeID, Status: status, Error: errMsg})
	}
	return nil
}

// settle moves a task that just left running into finished bookkeeping, updating node
// performance, cost and timing averages. Caller holds mu.
func (s *ResourceAwareScheduler) settle(task *models.Task, success bool) {
	delete(s.running, task.ID)
	s.finished[task.ID] = struct{}{}

	execution := task.ExecutionTime()
	node := s.nodes[task.AssignedNode]
	if node != nil {
		node.UpdatePerformance(execution, success, s.now())
	}

	distance := 1.0
	if s.router != nil && task.AssignedNode != "" {
		distance = s.router.NetworkDistance(task.AssignedNode)
	}
	task.ActualCost = s.costModel.CalculateTaskCost(task, node, execution.Seconds(), distance)

	s.metrics.totalCost += task.ActualCost
	s.metrics.waitSum += task.WaitTime()
	s.metrics.execSum += execution
	s.metrics.measured++
}

// recordTypeDuration folds a completed execution time into the per-type estimate. Caller holds mu.
func (s *ResourceAwareScheduler) recordTypeDuration(taskType string, d time.Duration) {
	sample := d.Seconds()
	prev, ok := s.typeDurations[taskType]
	if !ok {
		s.typeDurations[taskType] = sample
		return
	}
	s.typeDurations[taskType] = durationSmoothing*sample + (1-durationSmoothing)*prev
}

// estimatedDuration picks the caller estimate, else the per-type average. Caller holds mu.
func (s *ResourceAwareScheduler) estimatedDuration(task *models.Task) (float64, bool) {
	if task.EstimatedDuration > 0 {
		return task.EstimatedDuration.Seconds(), true
	}
	if d, ok := s.typeDurations[task.Type]; ok {
		return d, true
	}
	return 0, false
}

// EstimateCost prices req on every known node for the given duration
func (s *ResourceAwareScheduler) EstimateCost(req models.ResourceRequirement, duration time.Duration) []NodeEstimate {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]NodeEstimate, 0, len(ids))
	for _, id := range ids {
		node := s.nodes[id]
		fits, reason := node.CheckRequirement(req)
		distance := 1.0
		if s.router != nil {
			distance = s.router.NetworkDistance(id)
		}
		out = append(out, NodeEstimate{
			NodeID:    id,
			Fits:      fits,
			Reason:    reason,
			Available: IsNodeAvailable(node, s.config.AvailabilityThreshold) && !s.suspected(id),
			Score:     node.ResourceScore(req),
			Distance:  distance,
			Cost:      s.costModel.Estimate(req, node, duration.Seconds(), distance),
		})
	}
	return out
}

func (s *ResourceAwareScheduler) suspected(nodeID string) bool {
	return s.router != nil && s.router.IsNodeSuspected(nodeID)
}

// Statistics returns a snapshot of scheduler counters
func (s *ResourceAwareScheduler) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Statistics{
		TasksSubmitted:    s.metrics.submitted,
		TasksScheduled:    s.metrics.scheduled,
		TasksCompleted:    s.metrics.completed,
		TasksFailed:       s.metrics.failed,
		TasksCancelled:    s.metrics.cancelled,
		DispatchFailures:  s.metrics.dispatchFailures,
		TotalCost:         s.metrics.totalCost,
		NodeCount:         len(s.nodes),
		QueueDepth:        s.queue.Depths(),
		PendingTasks:      s.queue.Len(),
		RunningTasks:      len(s.running),
		FinishedTasks:     len(s.finished),
		DroppedEvents:     s.bus.Dropped(),
		LastSchedulingRun: s.metrics.lastSchedulingRun,
		LastCleanup:       s.metrics.lastCleanup,
	}

	if s.metrics.measured > 0 {
		stats.AvgWaitTime = s.metrics.waitSum.Seconds() / float64(s.metrics.measured)
		stats.AvgExecutionTime = s.metrics.execSum.Seconds() / float64(s.metrics.measured)
	}

	if len(s.nodes) > 0 {
		total := 0.0
		for _, node := range s.nodes {
			total += node.Utilization()
		}
		stats.AvgNodeUtilization = total / float64(len(s.nodes))
	}
	return stats
}
