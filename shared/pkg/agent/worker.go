package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/models"
)

// Reporter receives task outcomes. *Client implements it.
type Reporter interface {
	CompleteTask(ctx context.Context, taskID string, result json.RawMessage) error
	FailTask(ctx context.Context, taskID, errMsg string) error
}

// TaskRecorder keeps the node's track record. *telemetry.HostSampler implements it.
type TaskRecorder interface {
	RecordTask(duration time.Duration, success bool)
}

// Worker executes task assignments delivered to a node and reports the outcome
type Worker struct {
	nodeID    string
	executors *Registry
	reporter  Reporter
	recorder  TaskRecorder
	log       *logging.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	stats   models.WorkerStats
	wg      sync.WaitGroup
	base    context.Context
	stop    context.CancelFunc
}

// NewWorker creates a worker. recorder may be nil.
func NewWorker(nodeID string, executors *Registry, reporter Reporter, recorder TaskRecorder, log *logging.Logger) *Worker {
	if log == nil {
		log = logging.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Worker{
		nodeID:    nodeID,
		executors: executors,
		reporter:  reporter,
		recorder:  recorder,
		log:       log.WithField("component", "worker"),
		running:   make(map[string]context.CancelFunc),
		base:      base,
		stop:      stop,
	}
}

// HandleMessage accepts a delivered message. It implements transport.Handler.
// Assignments run in the background; the call returns once the task is accepted.
func (w *Worker) HandleMessage(ctx context.Context, msg *models.Message) error {
	if msg.Type != models.MessageTypeTaskAssignment {
		w.log.Debugf("[Worker] Ignoring %s message %s", msg.Type, msg.ID)
		return nil
	}

	var a models.TaskAssignment
	if err := msg.DecodePayload(&a); err != nil {
		return fmt.Errorf("invalid task assignment: %w", err)
	}
	if a.TaskID == "" {
		return errors.New("invalid task assignment: missing task_id")
	}

	w.mu.Lock()
	if w.base.Err() != nil {
		w.mu.Unlock()
		return errors.New("worker is shutting down")
	}
	if _, dup := w.running[a.TaskID]; dup {
		w.mu.Unlock()
		w.log.Debugf("[Worker] Task %s already running, ignoring redelivery", a.TaskID)
		return nil
	}
	var taskCtx context.Context
	var cancel context.CancelFunc
	if a.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(w.base, a.Timeout)
	} else {
		taskCtx, cancel = context.WithCancel(w.base)
	}
	w.running[a.TaskID] = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	w.log.Infof("[Worker] Accepted task %s (type=%s, priority=%s)", a.TaskID, a.Type, a.Priority)
	go w.run(taskCtx, &a)
	return nil
}

func (w *Worker) run(ctx context.Context, a *models.TaskAssignment) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		if cancel, ok := w.running[a.TaskID]; ok {
			cancel()
			delete(w.running, a.TaskID)
		}
		w.mu.Unlock()
	}()

	start := time.Now()
	result, err := w.execute(ctx, a)
	elapsed := time.Since(start)
	w.count(ctx, err)

	if w.recorder != nil {
		w.recorder.RecordTask(elapsed, err == nil)
	}

	// Reports outlive the task's own deadline
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	if err != nil {
		w.log.Warnf("[Worker] Task %s failed after %v: %v", a.TaskID, elapsed.Round(time.Millisecond), err)
		if rerr := w.reporter.FailTask(reportCtx, a.TaskID, err.Error()); rerr != nil {
			w.log.Errorf("[Worker] Failed to report failure of task %s: %v", a.TaskID, rerr)
		}
		return
	}

	w.log.Infof("[Worker] Task %s completed in %v", a.TaskID, elapsed.Round(time.Millisecond))
	if rerr := w.reporter.CompleteTask(reportCtx, a.TaskID, result); rerr != nil {
		w.log.Errorf("[Worker] Failed to report completion of task %s: %v", a.TaskID, rerr)
	}
}

func (w *Worker) execute(ctx context.Context, a *models.TaskAssignment) (result json.RawMessage, err error) {
	executor, ok := w.executors.Lookup(a.Type)
	if !ok {
		return nil, fmt.Errorf("no executor for task type %q on node %s", a.Type, w.nodeID)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor %s panicked: %v", executor.Name(), r)
		}
	}()

	result, err = executor.Execute(ctx, a)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("task exceeded its %v timeout", a.Timeout)
	}
	return result, err
}

func (w *Worker) count(ctx context.Context, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case err == nil:
		w.stats.Completed++
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		w.stats.TimedOut++
	case errors.Is(ctx.Err(), context.Canceled):
		w.stats.Cancelled++
	default:
		w.stats.Failed++
	}
}

// Stats returns the outcome counters
func (w *Worker) Stats() models.WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.stats
	st.Running = len(w.running)
	return st
}

// Running returns the ids of tasks in progress
func (w *Worker) Running() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.running))
	for id := range w.running {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every accepted task has finished and reported
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Stop cancels running tasks and waits for their reports
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stop()
	w.mu.Unlock()
	w.wg.Wait()
}

// ResourceSampler produces snapshots of the local node
type ResourceSampler interface {
	Sample(ctx context.Context) (*models.NodeResources, error)
}

// ReportResources samples the node and publishes it to the daemon every
// interval until ctx is done. Publish failures are logged and retried on the
// next tick.
func ReportResources(ctx context.Context, client *Client, sampler ResourceSampler, interval time.Duration, log *logging.Logger) {
	if log == nil {
		log = logging.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	registered := false
	for {
		res, err := sampler.Sample(ctx)
		if err == nil {
			err = client.UpdateResources(ctx, res)
		}
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warnf("[Agent] Failed to report resources: %v", err)
		case err == nil && !registered:
			registered = true
			log.Infof("[Agent] Registered node %s with %s (%d cores, %d MB)", res.NodeID, client.BaseURL(), res.CPUCores, res.MemoryMB)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
