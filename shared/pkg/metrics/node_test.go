package metrics

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsched/meshsched/pkg/models"
)

type stubWorker struct{ stats models.WorkerStats }

func (s stubWorker) Stats() models.WorkerStats { return s.stats }

type stubHost struct {
	res *models.NodeResources
	err error
}

func (s stubHost) Sample(context.Context) (*models.NodeResources, error) { return s.res, s.err }

func renderNode(t *testing.T, c *NodeCollector) string {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, reg))
	return buf.String()
}

func TestNodeCollectorExportsWorkerAndHost(t *testing.T) {
	c := NewNodeCollector("edge-1",
		stubWorker{models.WorkerStats{Running: 2, Completed: 5, Failed: 1, TimedOut: 1}},
		stubHost{res: &models.NodeResources{
			CPUCores:           8,
			CPUUsage:           0.25,
			MemoryUsage:        0.5,
			TaskCompletionRate: 0.75,
			AvgTaskDuration:    2,
		}},
	)

	out := renderNode(t, c)
	for _, line := range []string{
		`meshsched_node_tasks_total{node_id="edge-1",outcome="completed"} 5`,
		`meshsched_node_tasks_total{node_id="edge-1",outcome="timeout"} 1`,
		`meshsched_node_running_tasks{node_id="edge-1"} 2`,
		`meshsched_node_cpu_cores{node_id="edge-1"} 8`,
		`meshsched_node_usage_ratio{node_id="edge-1",resource="cpu"} 0.25`,
		`meshsched_node_usage_ratio{node_id="edge-1",resource="memory"} 0.5`,
		`meshsched_node_task_completion_rate{node_id="edge-1"} 0.75`,
		`meshsched_node_avg_task_duration_seconds{node_id="edge-1"} 2`,
		`meshsched_node_sample_errors{node_id="edge-1"} 0`,
	} {
		assert.Contains(t, out, line)
	}
}

func TestNodeCollectorSampleFailure(t *testing.T) {
	out := renderNode(t, NewNodeCollector("edge-1", nil, stubHost{err: errors.New("no /proc")}))

	assert.Contains(t, out, `meshsched_node_sample_errors{node_id="edge-1"} 1`)
	assert.Contains(t, out, "meshsched_node_uptime_seconds")
	assert.NotContains(t, out, "meshsched_node_tasks_total")
	assert.NotContains(t, out, "meshsched_node_cpu_cores")
}

func TestNodeCollectorLint(t *testing.T) {
	c := NewNodeCollector("edge-1", stubWorker{}, stubHost{res: &models.NodeResources{}})
	problems, err := testutil.CollectAndLint(c)
	require.NoError(t, err)
	for _, p := range problems {
		t.Errorf("lint %s: %s", p.Metric, p.Text)
	}
}
