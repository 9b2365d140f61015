package agent

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsched/meshsched/pkg/api"
	"github.com/meshsched/meshsched/pkg/cost"
	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/models"
	"github.com/meshsched/meshsched/pkg/routing"
	"github.com/meshsched/meshsched/pkg/scheduler"
	"github.com/meshsched/meshsched/pkg/transport"
)

type outcome struct {
	result json.RawMessage
	err    string
}

type fakeReporter struct {
	mu       sync.Mutex
	outcomes map[string]outcome
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{outcomes: make(map[string]outcome)}
}

func (r *fakeReporter) CompleteTask(ctx context.Context, taskID string, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[taskID] = outcome{result: result}
	return nil
}

func (r *fakeReporter) FailTask(ctx context.Context, taskID, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[taskID] = outcome{err: errMsg}
	return nil
}

func (r *fakeReporter) get(taskID string) (outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outcomes[taskID]
	return o, ok
}

type countingRecorder struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (c *countingRecorder) RecordTask(d time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.successes++
	} else {
		c.failures++
	}
}

func assignment(t *testing.T, taskID, taskType string, payload string, timeout time.Duration) *models.Message {
	t.Helper()
	a := models.TaskAssignment{TaskID: taskID, Type: taskType, Priority: models.PriorityNormal, Timeout: timeout}
	if payload != "" {
		a.Payload = json.RawMessage(payload)
	}
	msg, err := models.NewMessage("meshd", "edge-1", models.MessageTypeTaskAssignment, a)
	require.NoError(t, err)
	return msg
}

func TestWorkerOutcomes(t *testing.T) {
	reporter := newFakeReporter()
	recorder := &countingRecorder{}
	w := NewWorker("edge-1", DefaultRegistry(), reporter, recorder, logging.NewNop())
	defer w.Stop()

	tests := []struct {
		taskID  string
		typ     string
		payload string
		timeout time.Duration
		result  string
		err     string
	}{
		{"echo", "echo", `{"msg":"hi"}`, time.Second, `{"msg":"hi"}`, ""},
		{"echo-empty", "echo", "", time.Second, `null`, ""},
		{"nap", "sleep", `{"seconds":0.01}`, time.Second, "", ""},
		{"nap-fail", "sleep", `{"seconds":0,"fail":"disk full"}`, time.Second, "", "disk full"},
		{"too-long", "sleep", `{"seconds":5}`, 20 * time.Millisecond, "", "task exceeded its 20ms timeout"},
		{"bad-payload", "sleep", `[1,2]`, time.Second, "", "invalid sleep payload"},
		{"unknown", "render", "", time.Second, "", `no executor for task type "render"`},
	}

	for _, tt := range tests {
		require.NoError(t, w.HandleMessage(context.Background(), assignment(t, tt.taskID, tt.typ, tt.payload, tt.timeout)))
	}
	w.Wait()

	for _, tt := range tests {
		got, ok := reporter.get(tt.taskID)
		if !ok {
			t.Errorf("task %s: no outcome reported", tt.taskID)
			continue
		}
		if tt.err != "" {
			assert.Contains(t, got.err, tt.err, tt.taskID)
			continue
		}
		assert.Empty(t, got.err, tt.taskID)
		if tt.result != "" {
			assert.JSONEq(t, tt.result, string(got.result), tt.taskID)
		}
	}

	assert.Equal(t, 3, recorder.successes)
	assert.Equal(t, 4, recorder.failures)
	assert.Empty(t, w.Running())
	assert.Equal(t, models.WorkerStats{Completed: 3, Failed: 3, TimedOut: 1}, w.Stats())
}

func TestWorkerRejectsBadMessages(t *testing.T) {
	w := NewWorker("edge-1", DefaultRegistry(), newFakeReporter(), nil, logging.NewNop())
	defer w.Stop()

	heartbeat, err := models.NewMessage("meshd", "edge-1", models.MessageTypeHeartbeat, nil)
	require.NoError(t, err)
	assert.NoError(t, w.HandleMessage(context.Background(), heartbeat))

	empty := &models.Message{ID: "m", Type: models.MessageTypeTaskAssignment}
	assert.Error(t, w.HandleMessage(context.Background(), empty))

	noID, err := models.NewMessage("meshd", "edge-1", models.MessageTypeTaskAssignment, models.TaskAssignment{Type: "echo"})
	require.NoError(t, err)
	assert.Error(t, w.HandleMessage(context.Background(), noID))
}

func TestWorkerIgnoresRedelivery(t *testing.T) {
	reporter := newFakeReporter()
	recorder := &countingRecorder{}
	w := NewWorker("edge-1", DefaultRegistry(), reporter, recorder, logging.NewNop())

	msg := assignment(t, "slow", "sleep", `{"seconds":0.2}`, time.Second)
	require.NoError(t, w.HandleMessage(context.Background(), msg))
	require.NoError(t, w.HandleMessage(context.Background(), msg))
	assert.Equal(t, []string{"slow"}, w.Running())

	w.Wait()
	assert.Equal(t, 1, recorder.successes+recorder.failures)
}

func TestWorkerStopCancelsTasks(t *testing.T) {
	reporter := newFakeReporter()
	w := NewWorker("edge-1", DefaultRegistry(), reporter, nil, logging.NewNop())

	require.NoError(t, w.HandleMessage(context.Background(), assignment(t, "forever", "sleep", `{"seconds":60}`, 0)))
	w.Stop()

	got, ok := reporter.get("forever")
	require.True(t, ok)
	assert.Contains(t, got.err, "context canceled")
	assert.Equal(t, int64(1), w.Stats().Cancelled)
	assert.Error(t, w.HandleMessage(context.Background(), assignment(t, "late", "echo", "", 0)))
}

func TestRegistryTypes(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"echo", "sleep"}, r.Types())
	_, ok := r.Lookup("sleep")
	assert.True(t, ok)
	_, ok = r.Lookup("transcode")
	assert.False(t, ok)
}

type fixedSampler struct {
	res *models.NodeResources
}

func (s fixedSampler) Sample(context.Context) (*models.NodeResources, error) {
	c := *s.res
	return &c, nil
}

// TestMeshRoundTrip drives a task from submission to completion through the
// daemon API, the router, a loopback link and a worker reporting over HTTP
func TestMeshRoundTrip(t *testing.T) {
	log := logging.NewNop()
	link := transport.NewLoopback()
	router := routing.NewRouter("meshd", routing.DefaultConfig(), link, log)
	sched := scheduler.New(scheduler.DefaultConfig(), cost.NewModel(cost.DefaultConfig()), router, log)
	defer sched.Stop()

	server := httptest.NewServer(api.NewRouter(api.NewHandler(sched, router, log), api.DefaultConfig(), api.Options{}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.SetNodeID("edge-1")

	recorder := &countingRecorder{}
	worker := NewWorker("edge-1", DefaultRegistry(), client, recorder, log)
	defer worker.Stop()
	link.Register("edge-1", worker.HandleMessage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler := fixedSampler{res: &models.NodeResources{
		NodeID: "edge-1", CPUCores: 4, MemoryMB: 8192, StorageGB: 100,
		NetworkBandwidthMbps: 1000, TaskCompletionRate: 1,
	}}
	go ReportResources(ctx, client, sampler, time.Hour, log)

	require.Eventually(t, func() bool {
		_, err := sched.GetNode("edge-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	taskID, err := client.SubmitTask(ctx, api.SubmitTaskRequest{Type: "echo", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)

	require.Equal(t, 1, sched.RunSchedulingCycle(ctx))
	sched.WaitForDispatches()
	worker.Wait()

	task, err := client.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, "edge-1", task.AssignedNode)
	assert.JSONEq(t, `{"n":1}`, string(task.Result))
	assert.Equal(t, 1, recorder.successes)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Scheduler.TasksCompleted)
	assert.Equal(t, int64(1), stats.Routing.MessagesRouted)
}
