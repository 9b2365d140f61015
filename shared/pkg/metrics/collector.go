package metrics

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/meshsched/meshsched/pkg/routing"
	"github.com/meshsched/meshsched/pkg/scheduler"
	"github.com/meshsched/meshsched/pkg/store"
)

const namespace = "meshsched"

// SchedulerSource exposes scheduler counters
type SchedulerSource interface {
	Statistics() scheduler.Statistics
}

// RouterSource exposes router counters
type RouterSource interface {
	GetRoutingStatistics() routing.Statistics
}

// ArchiveSource exposes aggregated archive counts
type ArchiveSource interface {
	GetTaskMetrics() (*store.TaskMetrics, error)
}

// Collector turns scheduler, router and archive statistics into Prometheus
// metrics at scrape time. Any source may be nil.
type Collector struct {
	scheduler SchedulerSource
	router    RouterSource
	archive   ArchiveSource
	startTime time.Time

	uptime         *prometheus.Desc
	tasksTotal     *prometheus.Desc
	tasksCurrent   *prometheus.Desc
	queueDepth     *prometheus.Desc
	dispatchFails  *prometheus.Desc
	avgWait        *prometheus.Desc
	avgExec        *prometheus.Desc
	totalCost      *prometheus.Desc
	nodes          *prometheus.Desc
	utilization    *prometheus.Desc
	droppedEvents  *prometheus.Desc
	messages       *prometheus.Desc
	routeFailures  *prometheus.Desc
	cacheHitRate   *prometheus.Desc
	routingTables  *prometheus.Desc
	routes         *prometheus.Desc
	suspected      *prometheus.Desc
	faults         *prometheus.Desc
	lbSelections   *prometheus.Desc
	archivedTasks  *prometheus.Desc
	archiveCost    *prometheus.Desc
	archiveScrapes *prometheus.Desc
}

// NewCollector creates a collector over the given sources
func NewCollector(s SchedulerSource, r RouterSource, a ArchiveSource) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		scheduler: s,
		router:    r,
		archive:   a,
		startTime: time.Now(),

		uptime:         desc("", "uptime_seconds", "Time since the daemon started"),
		tasksTotal:     desc("scheduler", "tasks_total", "Tasks by lifecycle event", "event"),
		tasksCurrent:   desc("scheduler", "tasks", "Tasks currently held in memory by state", "state"),
		queueDepth:     desc("scheduler", "queue_depth", "Pending tasks per priority bucket", "priority"),
		dispatchFails:  desc("scheduler", "dispatch_failures_total", "Assignments the router could not deliver"),
		avgWait:        desc("scheduler", "avg_wait_seconds", "Average time from submission to start"),
		avgExec:        desc("scheduler", "avg_execution_seconds", "Average time from start to completion"),
		totalCost:      desc("scheduler", "cost_total", "Sum of actual task costs"),
		nodes:          desc("scheduler", "nodes", "Nodes with known resources"),
		utilization:    desc("scheduler", "avg_node_utilization", "Mean utilization across known nodes"),
		droppedEvents:  desc("", "dropped_events_total", "Events dropped on full subscriber buffers", "component"),
		messages:       desc("router", "messages_routed_total", "Route lookups and sends"),
		routeFailures:  desc("router", "routes_failed_total", "Route lookups or deliveries that failed"),
		cacheHitRate:   desc("router", "cache_hit_rate", "Route cache hit rate"),
		routingTables:  desc("router", "routing_tables", "Routing tables held"),
		routes:         desc("router", "routes", "Routes held", "kind"),
		suspected:      desc("router", "suspected_nodes", "Nodes currently suspected"),
		faults:         desc("router", "faults_detected_total", "Transitions into suspicion"),
		lbSelections:   desc("router", "balancer_selections_total", "Load balancer decisions by strategy", "strategy"),
		archivedTasks:  desc("archive", "tasks", "Archived tasks by status", "status"),
		archiveCost:    desc("archive", "cost", "Sum of archived task costs"),
		archiveScrapes: desc("archive", "scrape_errors", "1 when the last archive query failed"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.uptime, c.tasksTotal, c.tasksCurrent, c.queueDepth, c.dispatchFails,
		c.avgWait, c.avgExec, c.totalCost, c.nodes, c.utilization, c.droppedEvents,
		c.messages, c.routeFailures, c.cacheHitRate, c.routingTables, c.routes,
		c.suspected, c.faults, c.lbSelections, c.archivedTasks, c.archiveCost, c.archiveScrapes,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.uptime, time.Since(c.startTime).Seconds())

	if c.scheduler != nil {
		st := c.scheduler.Statistics()
		counter(c.tasksTotal, float64(st.TasksSubmitted), "submitted")
		counter(c.tasksTotal, float64(st.TasksScheduled), "scheduled")
		counter(c.tasksTotal, float64(st.TasksCompleted), "completed")
		counter(c.tasksTotal, float64(st.TasksFailed), "failed")
		counter(c.tasksTotal, float64(st.TasksCancelled), "cancelled")
		gauge(c.tasksCurrent, float64(st.PendingTasks), "pending")
		gauge(c.tasksCurrent, float64(st.RunningTasks), "running")
		gauge(c.tasksCurrent, float64(st.FinishedTasks), "finished")
		for priority, depth := range st.QueueDepth {
			gauge(c.queueDepth, float64(depth), priority)
		}
		counter(c.dispatchFails, float64(st.DispatchFailures))
		gauge(c.avgWait, st.AvgWaitTime)
		gauge(c.avgExec, st.AvgExecutionTime)
		counter(c.totalCost, st.TotalCost)
		gauge(c.nodes, float64(st.NodeCount))
		gauge(c.utilization, st.AvgNodeUtilization)
		counter(c.droppedEvents, float64(st.DroppedEvents), "scheduler")
	}

	if c.router != nil {
		rs := c.router.GetRoutingStatistics()
		counter(c.messages, float64(rs.MessagesRouted))
		counter(c.routeFailures, float64(rs.RoutesFailed))
		gauge(c.cacheHitRate, rs.CacheHitRate)
		gauge(c.routingTables, float64(rs.RoutingTablesCount))
		gauge(c.routes, float64(rs.TotalRoutes), "table")
		gauge(c.routes, float64(rs.CachedRoutes), "cached")
		gauge(c.suspected, float64(rs.FaultDetector.SuspectedNodesCount))
		counter(c.faults, float64(rs.FaultDetected))
		counter(c.lbSelections, float64(rs.LoadBalancer.SelectionsByLoad), "least_loaded")
		counter(c.lbSelections, float64(rs.LoadBalancer.SelectionsByRoundRobin), "round_robin")
		counter(c.lbSelections, float64(rs.LoadBalancer.SelectionsByLatency), "latency")
		counter(c.lbSelections, float64(rs.LoadBalancer.SelectionsByWeight), "weighted")
		counter(c.droppedEvents, float64(rs.DroppedEvents), "router")
	}

	if c.archive != nil {
		m, err := c.archive.GetTaskMetrics()
		if err != nil {
			gauge(c.archiveScrapes, 1)
			return
		}
		gauge(c.archiveScrapes, 0)
		for status, count := range m.TasksByStatus {
			gauge(c.archivedTasks, float64(count), string(status))
		}
		gauge(c.archiveCost, m.TotalCost)
	}
}

// NewRegistry builds a registry holding the collector plus Go runtime and
// process metrics
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry at /metrics
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// WriteText encodes every family from g in the Prometheus text format
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}
