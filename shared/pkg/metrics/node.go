package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/meshsched/meshsched/pkg/models"
)

// WorkerSource exposes a node's execution counters
type WorkerSource interface {
	Stats() models.WorkerStats
}

// HostSource samples the local host
type HostSource interface {
	Sample(ctx context.Context) (*models.NodeResources, error)
}

// NodeCollector exports what a worker node knows about itself: its task
// outcomes and the latest host sample. Either source may be nil.
type NodeCollector struct {
	worker        WorkerSource
	host          HostSource
	sampleTimeout time.Duration
	startTime     time.Time

	uptime         *prometheus.Desc
	tasks          *prometheus.Desc
	running        *prometheus.Desc
	cpuCores       *prometheus.Desc
	memoryBytes    *prometheus.Desc
	usage          *prometheus.Desc
	completionRate *prometheus.Desc
	avgDuration    *prometheus.Desc
	sampleErrors   *prometheus.Desc
}

// NewNodeCollector creates a collector labelled with the node id
func NewNodeCollector(nodeID string, w WorkerSource, h HostSource) *NodeCollector {
	labels := prometheus.Labels{"node_id": nodeID}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "node", name), help, variable, labels)
	}
	return &NodeCollector{
		worker:        w,
		host:          h,
		sampleTimeout: 5 * time.Second,
		startTime:     time.Now(),

		uptime:         desc("uptime_seconds", "Time since the node agent started"),
		tasks:          desc("tasks_total", "Executed tasks by outcome", "outcome"),
		running:        desc("running_tasks", "Tasks currently executing"),
		cpuCores:       desc("cpu_cores", "Logical CPU cores"),
		memoryBytes:    desc("memory_bytes", "Total memory"),
		usage:          desc("usage_ratio", "Resource utilization between 0 and 1", "resource"),
		completionRate: desc("task_completion_rate", "Smoothed task success rate"),
		avgDuration:    desc("avg_task_duration_seconds", "Smoothed task duration"),
		sampleErrors:   desc("sample_errors", "1 when the last host sample failed"),
	}
}

// Describe implements prometheus.Collector
func (c *NodeCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.uptime, c.tasks, c.running, c.cpuCores, c.memoryBytes,
		c.usage, c.completionRate, c.avgDuration, c.sampleErrors,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *NodeCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	gauge(c.uptime, time.Since(c.startTime).Seconds())

	if c.worker != nil {
		st := c.worker.Stats()
		counter := func(v int64, outcome string) {
			ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(v), outcome)
		}
		counter(st.Completed, "completed")
		counter(st.Failed, "failed")
		counter(st.TimedOut, "timeout")
		counter(st.Cancelled, "cancelled")
		gauge(c.running, float64(st.Running))
	}

	if c.host == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.sampleTimeout)
	defer cancel()
	res, err := c.host.Sample(ctx)
	if err != nil {
		gauge(c.sampleErrors, 1)
		return
	}
	gauge(c.sampleErrors, 0)
	gauge(c.cpuCores, float64(res.CPUCores))
	gauge(c.memoryBytes, float64(res.MemoryMB)*1024*1024)
	gauge(c.usage, res.CPUUsage, "cpu")
	gauge(c.usage, res.MemoryUsage, "memory")
	gauge(c.usage, res.StorageUsage, "storage")
	gauge(c.usage, res.NetworkUsage, "network")
	gauge(c.usage, res.GPUUsage, "gpu")
	gauge(c.completionRate, res.TaskCompletionRate)
	gauge(c.avgDuration, res.AvgTaskDuration)
}

// NewNodeRegistry builds a registry holding the node collector plus Go runtime
// and process metrics
func NewNodeRegistry(c *NodeCollector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}
