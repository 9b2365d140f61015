package metrics

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsched/meshsched/pkg/models"
	"github.com/meshsched/meshsched/pkg/routing"
	"github.com/meshsched/meshsched/pkg/scheduler"
	"github.com/meshsched/meshsched/pkg/store"
)

type stubScheduler struct{ stats scheduler.Statistics }

func (s stubScheduler) Statistics() scheduler.Statistics { return s.stats }

type stubRouter struct{ stats routing.Statistics }

func (s stubRouter) GetRoutingStatistics() routing.Statistics { return s.stats }

type stubArchive struct {
	metrics *store.TaskMetrics
	err     error
}

func (s stubArchive) GetTaskMetrics() (*store.TaskMetrics, error) { return s.metrics, s.err }

func render(t *testing.T, c *Collector) string {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, reg))
	return buf.String()
}

func TestCollectorExportsSources(t *testing.T) {
	c := NewCollector(
		stubScheduler{scheduler.Statistics{
			TasksSubmitted:   7,
			TasksCompleted:   4,
			DispatchFailures: 1,
			QueueDepth:       map[string]int{"urgent": 2, "low": 0},
			PendingTasks:     2,
			NodeCount:        3,
		}},
		stubRouter{routing.Statistics{
			MessagesRouted: 12,
			CacheHitRate:   0.5,
			FaultDetector:  routing.FaultStatistics{SuspectedNodesCount: 1},
			LoadBalancer:   routing.BalancerStatistics{SelectionsByLatency: 3},
		}},
		stubArchive{metrics: &store.TaskMetrics{
			TasksByStatus: map[models.TaskStatus]int{models.TaskStatusCompleted: 9},
			TotalCost:     2.5,
		}},
	)

	out := render(t, c)
	for _, line := range []string{
		`meshsched_scheduler_tasks_total{event="submitted"} 7`,
		`meshsched_scheduler_tasks_total{event="completed"} 4`,
		`meshsched_scheduler_queue_depth{priority="urgent"} 2`,
		`meshsched_scheduler_dispatch_failures_total 1`,
		`meshsched_scheduler_nodes 3`,
		`meshsched_router_messages_routed_total 12`,
		`meshsched_router_cache_hit_rate 0.5`,
		`meshsched_router_suspected_nodes 1`,
		`meshsched_router_balancer_selections_total{strategy="latency"} 3`,
		`meshsched_archive_tasks{status="completed"} 9`,
		`meshsched_archive_scrape_errors 0`,
	} {
		assert.Contains(t, out, line)
	}
}

func TestCollectorToleratesMissingSources(t *testing.T) {
	out := render(t, NewCollector(nil, nil, stubArchive{err: errors.New("closed")}))

	assert.Contains(t, out, "meshsched_uptime_seconds")
	assert.Contains(t, out, "meshsched_archive_scrape_errors 1")
	assert.NotContains(t, out, "meshsched_scheduler_tasks_total")
}

func TestCollectorLint(t *testing.T) {
	c := NewCollector(stubScheduler{}, stubRouter{}, nil)
	problems, err := testutil.CollectAndLint(c)
	require.NoError(t, err)
	for _, p := range problems {
		t.Errorf("lint %s: %s", p.Metric, p.Text)
	}
}

func TestBandwidthMiddlewareUsesRouteTemplate(t *testing.T) {
	reg := prometheus.NewRegistry()
	bm := NewBandwidthMonitor(reg)

	router := mux.NewRouter()
	router.Use(bm.Middleware)
	router.HandleFunc("/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"running"}`))
	}).Methods("GET")

	for _, id := range []string{"a", "b"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("GET", "/tasks/"+id, nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	stats := bm.GetStats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(2*len(`{"status":"running"}`)), stats.TotalBytesSent)

	assert.Equal(t, 2.0, testutil.ToFloat64(bm.requests.WithLabelValues("GET", "/tasks/{id}", "200")))

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, reg))
	assert.False(t, strings.Contains(buf.String(), `endpoint="/tasks/a"`))
}
