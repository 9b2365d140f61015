package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/models"
)

type recordingLink struct {
	mu   sync.Mutex
	sent []string
	fail map[string]bool
}

func (l *recordingLink) Send(ctx context.Context, nodeID string, msg *models.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail[nodeID] {
		return errors.New("connection refused")
	}
	l.sent = append(l.sent, nodeID)
	return nil
}

func newTestRouter(t *testing.T, link Link) (*Router, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	r := NewRouter("local", DefaultConfig(), link, logging.NewNop())
	r.now = clock.Now
	r.faults.now = clock.Now
	t.Cleanup(r.Stop)
	return r, clock
}

func directRoute(clock *fakeClock, dest string, latency float64) *models.RouteInfo {
	route := models.NewRouteInfo([]string{dest}, 1, latency, 100, 0.99)
	route.LastUsed = clock.Now()
	return route
}

func peerTable(clock *fakeClock, owner, dest string, latency float64) *models.RoutingTable {
	table := models.NewRoutingTable(owner)
	route := models.NewRouteInfo([]string{owner, dest}, 2, latency, 100, 0.95)
	route.LastUsed = clock.Now()
	table.AddRoute(dest, route)
	return table
}

func TestFindRouteNoCandidates(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	route, ok := r.FindRoute(context.Background(), "nowhere", "")
	assert.False(t, ok)
	assert.Nil(t, route)
	assert.Equal(t, int64(1), r.GetRoutingStatistics().CacheMisses)
}

func TestFindRouteCachesWinner(t *testing.T) {
	r, clock := newTestRouter(t, nil)
	r.AddLocalRoute("n1", directRoute(clock, "n1", 5))

	first, ok := r.FindRoute(context.Background(), "n1", "")
	require.True(t, ok)
	assert.Equal(t, int64(1), first.UsageCount)

	second, ok := r.FindRoute(context.Background(), "n1", "")
	require.True(t, ok)
	assert.Equal(t, []string{"n1"}, second.Path)

	stats := r.GetRoutingStatistics()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.InDelta(t, 0.5, stats.CacheHitRate, 1e-9)
	assert.Equal(t, 1, stats.CachedRoutes)
	assert.Equal(t, int64(0), stats.LoadBalancedDecisions)
}

func TestFindRouteLoadBalancesAcrossTables(t *testing.T) {
	r, clock := newTestRouter(t, nil)
	r.AddRoutingTable(peerTable(clock, "relay-a", "dest", 50))
	r.AddRoutingTable(peerTable(clock, "relay-b", "dest", 5))

	route, ok := r.FindRoute(context.Background(), "dest", models.MessageTypeUrgent)
	require.True(t, ok)
	assert.Equal(t, "relay-b", route.NextHop("dest"))

	stats := r.GetRoutingStatistics()
	assert.Equal(t, int64(1), stats.LoadBalancedDecisions)
	assert.Equal(t, int64(2), stats.RoutesDiscovered)
	assert.Equal(t, 3, stats.RoutingTablesCount)
	assert.Equal(t, int64(1), stats.LoadBalancer.SelectionsByLatency)
}

func TestFindRouteSkipsInvalidRoutes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.RouteInfo, clock *fakeClock)
	}{
		{"stale", func(r *models.RouteInfo, c *fakeClock) { r.LastUsed = c.Now().Add(-10 * time.Minute) }},
		{"unreliable", func(r *models.RouteInfo, c *fakeClock) { r.UsageCount, r.SuccessCount, r.FailureCount = 10, 2, 8 }},
		{"too expensive", func(r *models.RouteInfo, c *fakeClock) { r.Cost = 5000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, clock := newTestRouter(t, nil)
			route := directRoute(clock, "n1", 5)
			tt.mutate(route, clock)
			r.AddLocalRoute("n1", route)

			_, ok := r.FindRoute(context.Background(), "n1", "")
			assert.False(t, ok)
		})
	}
}

func TestSuspectedOwnerIsExcluded(t *testing.T) {
	r, clock := newTestRouter(t, nil)
	r.AddRoutingTable(peerTable(clock, "relay", "dest", 5))

	for i := 0; i < 3; i++ {
		r.faults.RecordFailure("relay")
	}

	_, ok := r.FindRoute(context.Background(), "dest", "")
	assert.False(t, ok)

	r.RecordRecovery("relay")
	_, ok = r.FindRoute(context.Background(), "dest", "")
	assert.True(t, ok)
}

func TestUpdateRoutePerformanceBlendsLatency(t *testing.T) {
	r, clock := newTestRouter(t, nil)
	r.AddLocalRoute("n1", directRoute(clock, "n1", 10))
	_, ok := r.FindRoute(context.Background(), "n1", "")
	require.True(t, ok)

	r.UpdateRoutePerformance("n1", true, 20*time.Millisecond)

	route, ok := r.FindRoute(context.Background(), "n1", "")
	require.True(t, ok)
	assert.InDelta(t, 11.0, route.Latency, 1e-9)
	assert.Equal(t, int64(2), route.SuccessCount)

	// Failures leave latency untouched
	r.UpdateRoutePerformance("n1", false, 500*time.Millisecond)
	route, _ = r.FindRoute(context.Background(), "n1", "")
	assert.InDelta(t, 11.0, route.Latency, 1e-9)
	assert.Equal(t, int64(1), r.GetRoutingStatistics().RoutesFailed)
}

func TestRepeatedFailuresSuspectDestination(t *testing.T) {
	r, clock := newTestRouter(t, nil)
	events := r.Subscribe(16)
	r.AddLocalRoute("n1", directRoute(clock, "n1", 10))

	for i := 0; i < 4; i++ {
		r.FindRoute(context.Background(), "n1", "")
		r.UpdateRoutePerformance("n1", false, 0)
		clock.Advance(time.Second)
	}

	stats := r.GetRoutingStatistics()
	assert.Equal(t, int64(1), stats.FaultDetected)
	assert.Equal(t, int64(4), stats.RoutesFailed)
	assert.Equal(t, int64(4), stats.MessagesRouted)
	assert.True(t, r.IsNodeSuspected("n1"))

	_, ok := r.FindRoute(context.Background(), "n1", "")
	assert.False(t, ok, "direct route to a suspected node should not be offered")

	faults := 0
	for len(events) > 0 {
		if e := <-events; e.Type == EventFaultDetected {
			faults++
			assert.Equal(t, "n1", e.NodeID)
		}
	}
	assert.Equal(t, 1, faults)
}

func TestNetworkDistance(t *testing.T) {
	r, clock := newTestRouter(t, nil)
	assert.Equal(t, 1.0, r.NetworkDistance("unknown"))

	r.AddRoutingTable(peerTable(clock, "relay", "far", 5))
	assert.Equal(t, 2.0, r.NetworkDistance("far"))

	r.AddLocalRoute("far", directRoute(clock, "far", 5))
	assert.Equal(t, 1.0, r.NetworkDistance("far"))

	for _, e := range r.Routes() {
		assert.Zero(t, e.Route.UsageCount, "NetworkDistance must not record usage")
	}
}

func TestSendMessage(t *testing.T) {
	link := &recordingLink{fail: map[string]bool{"bad": true}}
	r, clock := newTestRouter(t, link)
	r.AddLocalRoute("good", directRoute(clock, "good", 5))
	r.AddLocalRoute("bad", directRoute(clock, "bad", 5))

	msg, err := models.NewMessage("", "", models.MessageTypeTaskAssignment, map[string]string{"k": "v"})
	require.NoError(t, err)

	require.NoError(t, r.SendMessage(context.Background(), "good", msg))
	assert.Equal(t, []string{"good"}, link.sent)
	assert.Equal(t, "local", msg.SenderID)
	assert.Equal(t, "good", msg.RecipientID)

	err = r.SendMessage(context.Background(), "bad", &models.Message{Type: models.MessageTypeTaskAssignment})
	assert.Error(t, err)

	err = r.SendMessage(context.Background(), "missing", &models.Message{Type: models.MessageTypeHeartbeat})
	assert.ErrorIs(t, err, ErrNoRoute)

	stats := r.GetRoutingStatistics()
	assert.Equal(t, int64(2), stats.RoutesFailed)
	assert.Equal(t, int64(2), stats.MessagesRouted)
}

func TestSendMessageWithoutLink(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	err := r.SendMessage(context.Background(), "n1", &models.Message{})
	assert.ErrorIs(t, err, ErrNoLink)
}

func TestCleanupStaleRoutes(t *testing.T) {
	r, clock := newTestRouter(t, nil)
	r.AddLocalRoute("n1", directRoute(clock, "n1", 5))
	r.AddRoutingTable(peerTable(clock, "relay", "n2", 5))
	r.FindRoute(context.Background(), "n1", "")
	r.UpdateRoutePerformance("n1", false, 0)

	clock.Advance(6 * time.Minute)
	r.AddLocalRoute("n3", directRoute(clock, "n3", 5))

	res := r.CleanupStaleRoutes()
	assert.Equal(t, 1, res.CachedRemoved)
	assert.Equal(t, 2, res.RoutesRemoved)
	assert.Equal(t, 1, res.NodesForgotten)

	stats := r.GetRoutingStatistics()
	assert.Equal(t, 1, stats.TotalRoutes)
	assert.Equal(t, 0, stats.CachedRoutes)
	assert.Equal(t, 0, stats.FaultDetector.FailedNodesCount)
}

func TestRemoveRoutingTable(t *testing.T) {
	r, clock := newTestRouter(t, nil)
	r.AddRoutingTable(peerTable(clock, "relay", "dest", 5))
	_, ok := r.FindRoute(context.Background(), "dest", "")
	require.True(t, ok)

	assert.False(t, r.RemoveRoutingTable("local"))
	assert.True(t, r.RemoveRoutingTable("relay"))
	assert.False(t, r.RemoveRoutingTable("relay"))

	_, ok = r.FindRoute(context.Background(), "dest", "")
	assert.False(t, ok)
}

func TestTouchLocalRoute(t *testing.T) {
	r, clock := newTestRouter(t, nil)
	assert.False(t, r.TouchLocalRoute("n1"))

	r.AddLocalRoute("n1", directRoute(clock, "n1", 5))
	clock.Advance(4 * time.Minute)
	assert.True(t, r.TouchLocalRoute("n1"))
	clock.Advance(4 * time.Minute)

	_, ok := r.FindRoute(context.Background(), "n1", "")
	assert.True(t, ok, "touched route should still be fresh")
}

func TestObserveNodeKeepsReportingNodeReachable(t *testing.T) {
	link := &recordingLink{}
	r, clock := newTestRouter(t, link)
	node := &models.NodeResources{NodeID: "worker", CPUCores: 8, CPUUsage: 0.5, NetworkBandwidthMbps: 100}

	r.ObserveNode(node)
	msg := &models.Message{Type: models.MessageTypeTaskAssignment}
	require.NoError(t, r.SendMessage(context.Background(), "worker", msg))

	// Reports keep arriving while the node sits idle well past the routing timeout.
	for i := 0; i < 6; i++ {
		clock.Advance(time.Minute)
		r.ObserveNode(node)
	}
	r.CleanupStaleRoutes()

	require.NoError(t, r.SendMessage(context.Background(), "worker", &models.Message{Type: models.MessageTypeTaskAssignment}))
	assert.Equal(t, []string{"worker", "worker"}, link.sent)

	r.balancer.mu.Lock()
	assert.InDelta(t, node.Utilization(), r.balancer.loadOf("worker"), 1e-9)
	assert.Equal(t, 8.0, r.balancer.capacityOf("worker"))
	r.balancer.mu.Unlock()
}

func TestObserveNodeWithoutReportsGoesStale(t *testing.T) {
	r, clock := newTestRouter(t, &recordingLink{})
	r.ObserveNode(&models.NodeResources{NodeID: "worker", CPUCores: 2})

	clock.Advance(6 * time.Minute)
	r.CleanupStaleRoutes()

	err := r.SendMessage(context.Background(), "worker", &models.Message{Type: models.MessageTypeHeartbeat})
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestObserveNodeClearsSuspicion(t *testing.T) {
	r, clock := newTestRouter(t, nil)
	r.AddLocalRoute("n1", directRoute(clock, "n1", 10))
	for i := 0; i < 4; i++ {
		r.FindRoute(context.Background(), "n1", "")
		r.UpdateRoutePerformance("n1", false, 0)
		clock.Advance(time.Second)
	}
	require.True(t, r.IsNodeSuspected("n1"))

	r.ObserveNode(&models.NodeResources{NodeID: "n1", CPUCores: 4})
	assert.False(t, r.IsNodeSuspected("n1"))

	r.ObserveNode(nil)
	r.ObserveNode(&models.NodeResources{})
}

func TestResetStatistics(t *testing.T) {
	r, clock := newTestRouter(t, nil)
	r.AddLocalRoute("n1", directRoute(clock, "n1", 5))
	r.FindRoute(context.Background(), "n1", "")
	r.UpdateRoutePerformance("n1", false, 0)
	r.RecordRecovery("other")

	r.ResetStatistics()
	stats := r.GetRoutingStatistics()
	assert.Zero(t, stats.CacheMisses)
	assert.Zero(t, stats.RoutesFailed)
	assert.Zero(t, stats.FaultDetector.FailuresDetected)
	assert.Zero(t, stats.FaultDetector.FalsePositives)
}

func TestStartStop(t *testing.T) {
	r := NewRouter("local", &Config{CleanupInterval: 5 * time.Millisecond, RoutingTimeout: time.Minute}, nil, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := r.Subscribe(1)
	r.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	r.Stop()

	_, open := <-sub
	assert.False(t, open, "Stop should close subscriptions")
}
