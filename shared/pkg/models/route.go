package models

import (
	"time"
)

// RouteInfo is a scored path to a destination plus its live usage counters
type RouteInfo struct {
	Path         []string  `json:"path"`
	Cost         float64   `json:"cost"`
	Latency      float64   `json:"latency"`
	Bandwidth    float64   `json:"bandwidth"`
	Reliability  float64   `json:"reliability"`
	LastUsed     time.Time `json:"last_used"`
	UsageCount   int64     `json:"usage_count"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
}

// NewRouteInfo creates a route that has never been used
func NewRouteInfo(path []string, cost, latency, bandwidth, reliability float64) *RouteInfo {
	return &RouteInfo{
		Path:        append([]string(nil), path...),
		Cost:        cost,
		Latency:     latency,
		Bandwidth:   bandwidth,
		Reliability: reliability,
		LastUsed:    time.Now(),
	}
}

// RecordUse counts one use of the route
func (r *RouteInfo) RecordUse(success bool) {
	r.RecordUseAt(success, time.Now())
}

// RecordUseAt counts one use of the route at the given time
func (r *RouteInfo) RecordUseAt(success bool, at time.Time) {
	r.LastUsed = at
	r.UsageCount++
	if success {
		r.SuccessCount++
	} else {
		r.FailureCount++
	}
}

// SuccessRate is success/usage, or 1.0 for an unused route
func (r *RouteInfo) SuccessRate() float64 {
	if r.UsageCount == 0 {
		return 1.0
	}
	return float64(r.SuccessCount) / float64(r.UsageCount)
}

// EffectiveCost penalizes unreliable routes: x10 below 50% success,
// x(2-rate) below 80%, and a mild surcharge above that.
func (r *RouteInfo) EffectiveCost() float64 {
	rate := r.SuccessRate()
	switch {
	case rate < 0.5:
		return r.Cost * 10.0
	case rate < 0.8:
		return r.Cost * (2.0 - rate)
	default:
		return r.Cost * (1.0 + (1.0-rate)*0.5)
	}
}

// NextHop is the first node on the path, or the destination for an empty path
func (r *RouteInfo) NextHop(destination string) string {
	if len(r.Path) == 0 {
		return destination
	}
	return r.Path[0]
}

// Hops is the path length, at least 1
func (r *RouteInfo) Hops() int {
	if len(r.Path) == 0 {
		return 1
	}
	return len(r.Path)
}

// Clone returns a copy with its own path slice
func (r *RouteInfo) Clone() *RouteInfo {
	c := *r
	c.Path = append([]string(nil), r.Path...)
	return &c
}

// RoutingTable is one node's view of the best route to each destination
type RoutingTable struct {
	NodeID     string                `json:"node_id"`
	Routes     map[string]*RouteInfo `json:"routes"`
	LastUpdate time.Time             `json:"last_update"`
}

// NewRoutingTable creates an empty table owned by nodeID
func NewRoutingTable(nodeID string) *RoutingTable {
	return &RoutingTable{
		NodeID:     nodeID,
		Routes:     make(map[string]*RouteInfo),
		LastUpdate: time.Now(),
	}
}

// AddRoute adds or replaces the route to destination
func (t *RoutingTable) AddRoute(destination string, route *RouteInfo) {
	if t.Routes == nil {
		t.Routes = make(map[string]*RouteInfo)
	}
	t.Routes[destination] = route
	t.LastUpdate = time.Now()
}

// GetRoute returns the route to destination, or nil
func (t *RoutingTable) GetRoute(destination string) *RouteInfo {
	return t.Routes[destination]
}

// RemoveRoute deletes the route to destination
func (t *RoutingTable) RemoveRoute(destination string) {
	delete(t.Routes, destination)
}

// CleanupStaleRoutes evicts routes unused for longer than timeout and returns how many
func (t *RoutingTable) CleanupStaleRoutes(timeout time.Duration, now time.Time) int {
	removed := 0
	for dest, route := range t.Routes {
		if now.Sub(route.LastUsed) > timeout {
			delete(t.Routes, dest)
			removed++
		}
	}
	return removed
}

// RouteCount is the number of known destinations
func (t *RoutingTable) RouteCount() int {
	return len(t.Routes)
}

// Clone returns a deep copy of the table
func (t *RoutingTable) Clone() *RoutingTable {
	c := &RoutingTable{
		NodeID:     t.NodeID,
		Routes:     make(map[string]*RouteInfo, len(t.Routes)),
		LastUpdate: t.LastUpdate,
	}
	for dest, route := range t.Routes {
		c.Routes[dest] = route.Clone()
	}
	return c
}
