package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/meshsched/meshsched/pkg/events"
	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/models"
	"github.com/meshsched/meshsched/pkg/tracing"
)

var (
	// ErrNoRoute is returned when no valid route to a destination is known
	ErrNoRoute = errors.New("no route to destination")
	// ErrNoLink is returned by SendMessage when the router has no transport
	ErrNoLink = errors.New("router has no link")
)

// latencySmoothing is the EMA factor applied to measured latency
const latencySmoothing = 0.1

// Link delivers a message to a directly reachable node
type Link interface {
	Send(ctx context.Context, nodeID string, msg *models.Message) error
}

// Config holds router configuration
type Config struct {
	RoutingTimeout  time.Duration `mapstructure:"routing_timeout"`  // Idle time before a route is stale
	MaxRouteCost    float64       `mapstructure:"max_route_cost"`   // Raw cost ceiling for a valid route
	MinSuccessRate  float64       `mapstructure:"min_success_rate"` // Success rate floor for a valid route
	FaultWindow     time.Duration `mapstructure:"fault_window"`
	FaultThreshold  int           `mapstructure:"fault_threshold"`
	FailureMaxAge   time.Duration `mapstructure:"failure_max_age"`  // Failure history retention
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"` // How often stale routes are swept
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		RoutingTimeout:  5 * time.Minute,
		MaxRouteCost:    1000,
		MinSuccessRate:  0.3,
		FaultWindow:     60 * time.Second,
		FaultThreshold:  3,
		FailureMaxAge:   5 * time.Minute,
		CleanupInterval: 60 * time.Second,
	}
}

// EventType names a router notification
type EventType string

const (
	EventRouteDiscovered EventType = "route_discovered"
	EventRouteFailed     EventType = "route_failed"
	EventFaultDetected   EventType = "fault_detected"
)

// Event is published on the router's event stream
type Event struct {
	Type        EventType `json:"type"`
	NodeID      string    `json:"node_id,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Time        time.Time `json:"time"`
	Detail      string    `json:"detail,omitempty"`
}

// Statistics is a snapshot of router counters
type Statistics struct {
	MessagesRouted        int64              `json:"messages_routed"`
	RoutesDiscovered      int64              `json:"routes_discovered"`
	RoutesFailed          int64              `json:"routes_failed"`
	LoadBalancedDecisions int64              `json:"load_balanced_decisions"`
	FaultDetected         int64              `json:"fault_detected"`
	CacheHits             int64              `json:"cache_hits"`
	CacheMisses           int64              `json:"cache_misses"`
	CacheHitRate          float64            `json:"cache_hit_rate"`
	RoutingTablesCount    int                `json:"routing_tables_count"`
	TotalRoutes           int                `json:"total_routes"`
	CachedRoutes          int                `json:"cached_routes"`
	DroppedEvents         int64              `json:"dropped_events"`
	LoadBalancer          BalancerStatistics `json:"load_balancer"`
	FaultDetector         FaultStatistics    `json:"fault_detector"`
}

// RouteEntry is one row of the combined routing view
type RouteEntry struct {
	Owner       string            `json:"owner"`
	Destination string            `json:"destination"`
	Route       *models.RouteInfo `json:"route"`
	Cached      bool              `json:"cached"`
}

// CleanupResult reports what a stale-route sweep removed
type CleanupResult struct {
	CachedRemoved  int
	RoutesRemoved  int
	NodesForgotten int
}

type cachedRoute struct {
	owner string
	route *models.RouteInfo
}

// Router finds routes to destinations across every known routing table,
// caches the winners and learns from delivery outcomes.
type Router struct {
	mu          sync.Mutex
	localNodeID string
	config      *Config
	link        Link
	tables      map[string]*models.RoutingTable
	cache       map[string]cachedRoute
	balancer    *LoadBalancer
	faults      *FaultDetector
	bus         *events.Bus[Event]
	tracer      *tracing.Provider
	log         *logging.Logger
	now         func() time.Time

	messagesRouted        int64
	routesDiscovered      int64
	routesFailed          int64
	loadBalancedDecisions int64
	faultDetected         int64
	cacheHits             int64
	cacheMisses           int64

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewRouter creates a router owning an empty local routing table
func NewRouter(localNodeID string, config *Config, link Link, log *logging.Logger) *Router {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logging.Default()
	}

	r := &Router{
		localNodeID: localNodeID,
		config:      config,
		link:        link,
		tables:      make(map[string]*models.RoutingTable),
		cache:       make(map[string]cachedRoute),
		balancer:    NewLoadBalancer(),
		faults:      NewFaultDetector(config.FaultWindow, config.FaultThreshold),
		bus:         events.NewBus[Event](),
		log:         log.WithField("component", "router"),
		now:         time.Now,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	r.tables[localNodeID] = models.NewRoutingTable(localNodeID)
	return r
}

// SetTracer enables spans on route lookups and sends
func (r *Router) SetTracer(p *tracing.Provider) {
	r.tracer = p
}

// LocalNodeID returns the id of the node this router runs on
func (r *Router) LocalNodeID() string {
	return r.localNodeID
}

// Balancer exposes the load balancer for load and capacity updates
func (r *Router) Balancer() *LoadBalancer {
	return r.balancer
}

// Faults exposes the fault detector
func (r *Router) Faults() *FaultDetector {
	return r.faults
}

// Subscribe returns a channel of router events
func (r *Router) Subscribe(buffer int) <-chan Event {
	return r.bus.Subscribe(buffer)
}

func (r *Router) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = r.now()
	}
	r.bus.Publish(e)
}

// AddRoutingTable stores a copy of a peer's routing table, replacing any earlier one
func (r *Router) AddRoutingTable(table *models.RoutingTable) {
	if table == nil {
		return
	}
	clone := table.Clone()
	if clone.Routes == nil {
		clone.Routes = make(map[string]*models.RouteInfo)
	}

	r.mu.Lock()
	r.tables[clone.NodeID] = clone
	r.dropCachedFrom(clone.NodeID)
	r.routesDiscovered++
	r.mu.Unlock()

	r.log.Debugf("[Router] Added routing table from node %s (%d routes)", clone.NodeID, clone.RouteCount())
	r.publish(Event{Type: EventRouteDiscovered, NodeID: clone.NodeID})
}

// RemoveRoutingTable forgets a peer's table. The local table cannot be removed.
func (r *Router) RemoveRoutingTable(nodeID string) bool {
	if nodeID == r.localNodeID {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tables[nodeID]; !ok {
		return false
	}
	delete(r.tables, nodeID)
	r.dropCachedFrom(nodeID)
	r.log.Debugf("[Router] Removed routing table from node %s", nodeID)
	return true
}

// AddLocalRoute adds or replaces a route in the local table
func (r *Router) AddLocalRoute(destination string, route *models.RouteInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[r.localNodeID].AddRoute(destination, route.Clone())
	if c, ok := r.cache[destination]; ok && c.owner == r.localNodeID {
		delete(r.cache, destination)
	}
}

// TouchLocalRoute marks the local route to destination as recently seen.
// Returns false if there is no such route.
func (r *Router) TouchLocalRoute(destination string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	route := r.tables[r.localNodeID].GetRoute(destination)
	if route == nil {
		return false
	}
	route.LastUsed = r.now()
	return true
}

// dropCachedFrom evicts cache entries taken from owner's table. Caller holds mu.
func (r *Router) dropCachedFrom(owner string) {
	for dest, c := range r.cache {
		if c.owner == owner {
			delete(r.cache, dest)
		}
	}
}

// isRouteValid holds for routes that are fresh, reliable enough and affordable
func (r *Router) isRouteValid(route *models.RouteInfo, now time.Time) bool {
	if now.Sub(route.LastUsed) > r.config.RoutingTimeout {
		return false
	}
	if route.SuccessRate() < r.config.MinSuccessRate {
		return false
	}
	if route.Cost > r.config.MaxRouteCost {
		return false
	}
	return true
}

// usable reports whether a candidate avoids suspected nodes
func (r *Router) usable(owner string, route *models.RouteInfo, destination string) bool {
	if r.faults.IsNodeFailed(owner) {
		return false
	}
	hop := route.NextHop(destination)
	return hop == r.localNodeID || !r.faults.IsNodeFailed(hop)
}

// candidates collects valid routes to destination ordered by owner id. Caller holds mu.
func (r *Router) candidates(destination string, now time.Time) []Candidate {
	owners := make([]string, 0, len(r.tables))
	for owner := range r.tables {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	var out []Candidate
	for _, owner := range owners {
		route := r.tables[owner].GetRoute(destination)
		if route == nil || !r.isRouteValid(route, now) || !r.usable(owner, route, destination) {
			continue
		}
		out = append(out, Candidate{NodeID: owner, Route: route})
	}
	return out
}

// FindRoute returns the best route to destination for a message of messageType.
// The result is a copy; the router keeps its own counters.
func (r *Router) FindRoute(ctx context.Context, destination, messageType string) (*models.RouteInfo, bool) {
	_, span := r.tracer.StartSpan(ctx, "router.find_route",
		attribute.String("destination", destination),
		attribute.String("message_type", messageType))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if c, ok := r.cache[destination]; ok {
		if r.isRouteValid(c.route, now) && r.usable(c.owner, c.route, destination) {
			r.cacheHits++
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return c.route.Clone(), true
		}
		delete(r.cache, destination)
	}
	r.cacheMisses++

	candidates := r.candidates(destination, now)
	if len(candidates) == 0 {
		return nil, false
	}

	chosen := candidates[0]
	if len(candidates) > 1 {
		selected, err := r.balancer.SelectRoute(candidates, messageType)
		if err == nil {
			chosen = selected
		}
		r.loadBalancedDecisions++
	}

	chosen.Route.RecordUseAt(true, now)
	r.cache[destination] = cachedRoute{owner: chosen.NodeID, route: chosen.Route}
	span.SetAttributes(attribute.String("owner", chosen.NodeID), attribute.Int("candidates", len(candidates)))

	return chosen.Route.Clone(), true
}

// NetworkDistance is the hop count of the best known route to destination, or 1 when none is known.
// It does not touch usage counters.
func (r *Router) NetworkDistance(destination string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if c, ok := r.cache[destination]; ok && r.isRouteValid(c.route, now) {
		return float64(c.route.Hops())
	}

	best := 0
	for _, c := range r.candidates(destination, now) {
		if best == 0 || c.Route.Hops() < best {
			best = c.Route.Hops()
		}
	}
	if best == 0 {
		return 1
	}
	return float64(best)
}

// UpdateRoutePerformance feeds a delivery outcome back into the cached route.
// A non-positive latency means no measurement was taken.
func (r *Router) UpdateRoutePerformance(destination string, success bool, latency time.Duration) {
	r.mu.Lock()

	if c, ok := r.cache[destination]; ok {
		c.route.RecordUseAt(success, r.now())
		if success && latency > 0 {
			ms := float64(latency) / float64(time.Millisecond)
			c.route.Latency = latencySmoothing*ms + (1-latencySmoothing)*c.route.Latency
		}
	}

	r.messagesRouted++
	if success {
		r.mu.Unlock()
		return
	}

	r.routesFailed++
	suspected := r.faults.RecordFailure(destination)
	if suspected {
		r.faultDetected++
		r.dropCachedFrom(destination)
		if c, ok := r.cache[destination]; ok && !r.usable(c.owner, c.route, destination) {
			delete(r.cache, destination)
		}
	}
	r.mu.Unlock()

	r.publish(Event{Type: EventRouteFailed, Destination: destination})
	if suspected {
		r.log.Warnf("[Router] Node %s suspected of being faulty", destination)
		r.publish(Event{Type: EventFaultDetected, NodeID: destination})
	}
}

// RecordRecovery clears suspicion on a node that is reachable again
func (r *Router) RecordRecovery(nodeID string) bool {
	recovered := r.faults.RecordRecovery(nodeID)
	if recovered {
		r.log.Infof("[Router] Node %s recovered from suspected state", nodeID)
	}
	return recovered
}

// IsNodeSuspected reports whether the fault detector currently suspects nodeID
func (r *Router) IsNodeSuspected(nodeID string) bool {
	return r.faults.IsNodeFailed(nodeID)
}

// UpdateNodeLoad forwards a node's load to the balancer
func (r *Router) UpdateNodeLoad(nodeID string, load float64) {
	r.balancer.UpdateNodeLoad(nodeID, load)
}

// UpdateNodeCapacity forwards a node's capacity to the balancer
func (r *Router) UpdateNodeCapacity(nodeID string, capacity float64) {
	r.balancer.UpdateNodeCapacity(nodeID, capacity)
}

// ObserveNode applies a node's resource report. A reporting node keeps a fresh
// direct route, and its load and capacity feed the balancer.
func (r *Router) ObserveNode(res *models.NodeResources) {
	if res == nil || res.NodeID == "" {
		return
	}
	if !r.TouchLocalRoute(res.NodeID) {
		route := models.NewRouteInfo([]string{res.NodeID}, 1.0, 1.0, res.NetworkBandwidthMbps, 1.0)
		route.LastUsed = r.now()
		r.AddLocalRoute(res.NodeID, route)
	}
	r.balancer.UpdateNodeLoad(res.NodeID, res.Utilization())
	r.balancer.UpdateNodeCapacity(res.NodeID, float64(res.CPUCores))
	if r.faults.IsNodeFailed(res.NodeID) && r.RecordRecovery(res.NodeID) {
		r.log.Infof("[Router] Node %s reported in, cleared suspicion", res.NodeID)
	}
}

// SendMessage routes msg to destination over the link and records the outcome
func (r *Router) SendMessage(ctx context.Context, destination string, msg *models.Message) error {
	ctx, span := r.tracer.StartSpan(ctx, "router.send",
		attribute.String("destination", destination),
		attribute.String("message_type", msg.Type))
	defer span.End()

	if r.link == nil {
		return ErrNoLink
	}

	route, ok := r.FindRoute(ctx, destination, msg.Type)
	if !ok {
		r.mu.Lock()
		r.routesFailed++
		r.mu.Unlock()
		r.publish(Event{Type: EventRouteFailed, Destination: destination, Detail: "no route"})
		err := fmt.Errorf("%w: %s", ErrNoRoute, destination)
		tracing.SetError(ctx, err)
		return err
	}

	if msg.RecipientID == "" {
		msg.RecipientID = destination
	}
	if msg.SenderID == "" {
		msg.SenderID = r.localNodeID
	}

	hop := route.NextHop(destination)
	start := r.now()
	err := r.link.Send(ctx, hop, msg)
	r.UpdateRoutePerformance(destination, err == nil, r.now().Sub(start))

	if err != nil {
		tracing.SetError(ctx, err)
		return fmt.Errorf("failed to send %s to %s via %s: %w", msg.Type, destination, hop, err)
	}
	return nil
}

// CleanupStaleRoutes evicts idle cache entries and table routes and prunes failure history
func (r *Router) CleanupStaleRoutes() CleanupResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var res CleanupResult

	for dest, c := range r.cache {
		if now.Sub(c.route.LastUsed) > r.config.RoutingTimeout {
			delete(r.cache, dest)
			res.CachedRemoved++
		}
	}
	for _, table := range r.tables {
		res.RoutesRemoved += table.CleanupStaleRoutes(r.config.RoutingTimeout, now)
	}
	res.NodesForgotten = r.faults.CleanupStaleFailures(r.config.FailureMaxAge)

	if res.CachedRemoved+res.RoutesRemoved > 0 {
		r.log.Debugf("[Router] Cleaned up %d cached and %d table routes", res.CachedRemoved, res.RoutesRemoved)
	}
	return res
}

// Routes lists every known route, ordered by owner then destination
func (r *Router) Routes() []RouteEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []RouteEntry
	for owner, table := range r.tables {
		for dest, route := range table.Routes {
			c, cached := r.cache[dest]
			out = append(out, RouteEntry{
				Owner:       owner,
				Destination: dest,
				Route:       route.Clone(),
				Cached:      cached && c.owner == owner && c.route == route,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Destination < out[j].Destination
	})
	return out
}

// GetRoutingStatistics returns a snapshot of router, balancer and detector counters
func (r *Router) GetRoutingStatistics() Statistics {
	r.mu.Lock()
	s := Statistics{
		MessagesRouted:        r.messagesRouted,
		RoutesDiscovered:      r.routesDiscovered,
		RoutesFailed:          r.routesFailed,
		LoadBalancedDecisions: r.loadBalancedDecisions,
		FaultDetected:         r.faultDetected,
		CacheHits:             r.cacheHits,
		CacheMisses:           r.cacheMisses,
		RoutingTablesCount:    len(r.tables),
		CachedRoutes:          len(r.cache),
	}
	for _, table := range r.tables {
		s.TotalRoutes += table.RouteCount()
	}
	r.mu.Unlock()

	if total := s.CacheHits + s.CacheMisses; total > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(total)
	}
	s.DroppedEvents = r.bus.Dropped()
	s.LoadBalancer = r.balancer.Statistics()
	s.FaultDetector = r.faults.Statistics()
	return s
}

// ResetStatistics clears router, balancer and detector counters
func (r *Router) ResetStatistics() {
	r.mu.Lock()
	r.messagesRouted = 0
	r.routesDiscovered = 0
	r.routesFailed = 0
	r.loadBalancedDecisions = 0
	r.faultDetected = 0
	r.cacheHits = 0
	r.cacheMisses = 0
	r.mu.Unlock()

	r.balancer.ResetStatistics()
	r.faults.ResetStatistics()
}

// Start runs the stale-route cleanup loop until ctx is cancelled or Stop is called
func (r *Router) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.log.Infof("[Router] Starting router for node %s (cleanup: %v, timeout: %v)",
			r.localNodeID, r.config.CleanupInterval, r.config.RoutingTimeout)
		r.started.Store(true)
		go r.cleanupLoop(ctx)
	})
}

func (r *Router) cleanupLoop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.CleanupStaleRoutes()
		case <-r.stopCh:
			r.log.Info("[Router] Cleanup loop stopped")
			return
		case <-ctx.Done():
			r.log.Info("[Router] Cleanup loop cancelled")
			return
		}
	}
}

// Stop ends the cleanup loop and closes event subscriptions
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.started.Load() {
			select {
			case <-r.doneCh:
			case <-time.After(10 * time.Second):
				r.log.Warn("[Router] Stop timeout - forcing shutdown")
			}
		}
		r.bus.Close()
	})
}
