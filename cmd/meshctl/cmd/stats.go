package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/meshsched/meshsched/pkg/metrics"
	"github.com/meshsched/meshsched/pkg/routing"
	"github.com/meshsched/meshsched/pkg/scheduler"
)

var statsProm bool

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scheduler and router statistics",
	Long: `Show scheduler and router statistics. With --prom the same counters are
printed in the Prometheus text format, as served on the daemon's /metrics.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&statsProm, "prom", false, "print in Prometheus text format")
}

// statsSnapshot and routingSnapshot replay fetched statistics into a collector
type statsSnapshot struct {
	sched scheduler.Statistics
}

func (s statsSnapshot) Statistics() scheduler.Statistics { return s.sched }

type routingSnapshot struct {
	routing routing.Statistics
}

func (r routingSnapshot) GetRoutingStatistics() routing.Statistics { return r.routing }

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	stats, err := newClient().Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch stats: %w", err)
	}

	if statsProm {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewCollector(statsSnapshot{stats.Scheduler}, routingSnapshot{stats.Routing}, nil))
		return metrics.WriteText(os.Stdout, registry)
	}
	if done, err := printStructured(stats); done {
		return err
	}

	s, r := stats.Scheduler, stats.Routing
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Value")
	table.Append("Uptime", (time.Duration(stats.Uptime) * time.Second).String())
	table.Append("Tasks submitted", fmt.Sprintf("%d", s.TasksSubmitted))
	table.Append("Tasks completed", fmt.Sprintf("%d", s.TasksCompleted))
	table.Append("Tasks failed", fmt.Sprintf("%d", s.TasksFailed))
	table.Append("Tasks cancelled", fmt.Sprintf("%d", s.TasksCancelled))
	table.Append("Pending / running", fmt.Sprintf("%d / %d", s.PendingTasks, s.RunningTasks))
	table.Append("Dispatch failures", fmt.Sprintf("%d", s.DispatchFailures))
	table.Append("Avg wait", fmt.Sprintf("%.2fs", s.AvgWaitTime))
	table.Append("Avg execution", fmt.Sprintf("%.2fs", s.AvgExecutionTime))
	table.Append("Total cost", fmt.Sprintf("%.4f", s.TotalCost))
	table.Append("Nodes", fmt.Sprintf("%d (avg utilization %.0f%%)", s.NodeCount, s.AvgNodeUtilization*100))
	for _, level := range sortedKeys(s.QueueDepth) {
		table.Append("Queue "+level, fmt.Sprintf("%d", s.QueueDepth[level]))
	}
	table.Append("Messages routed", fmt.Sprintf("%d", r.MessagesRouted))
	table.Append("Routes failed", fmt.Sprintf("%d", r.RoutesFailed))
	table.Append("Route cache hit rate", fmt.Sprintf("%.0f%%", r.CacheHitRate*100))
	table.Append("Routing tables / routes", fmt.Sprintf("%d / %d", r.RoutingTablesCount, r.TotalRoutes))
	table.Append("Faults detected", fmt.Sprintf("%d", r.FaultDetected))
	table.Render()
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
