package routing

import (
	"errors"
	"math"
	"sync"

	"github.com/meshsched/meshsched/pkg/models"
)

// ErrNoCandidates is returned when SelectRoute is given nothing to choose from
var ErrNoCandidates = errors.New("no candidate routes")

const (
	defaultNodeLoad     = 0.5
	defaultNodeCapacity = 1.0
)

// Strategy names how a route is picked among candidates
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLoadBased  Strategy = "load_based"
	StrategyFastest    Strategy = "fastest"
	StrategyWeighted   Strategy = "weighted"
)

// StrategyFor maps a message type to its selection strategy
func StrategyFor(messageType string) Strategy {
	switch messageType {
	case models.MessageTypeHeartbeat, models.MessageTypeDiscovery, models.MessageTypeSystem:
		return StrategyRoundRobin
	case models.MessageTypeDataTransfer, models.MessageTypeBulkData:
		return StrategyLoadBased
	case models.MessageTypeUrgent, models.MessageTypeCritical:
		return StrategyFastest
	default:
		return StrategyWeighted
	}
}

// Candidate is a route offered by the routing table of NodeID
type Candidate struct {
	NodeID string
	Route  *models.RouteInfo
}

// BalancerStatistics counts selections per strategy and summarizes known load
type BalancerStatistics struct {
	SelectionsByLoad       int64   `json:"selections_by_load"`
	SelectionsByRoundRobin int64   `json:"selections_by_round_robin"`
	SelectionsByLatency    int64   `json:"selections_by_latency"`
	SelectionsByWeight     int64   `json:"selections_by_weight"`
	LoadUpdates            int64   `json:"load_updates"`
	NodeCount              int     `json:"node_count"`
	AvgLoad                float64 `json:"avg_load"`
	TotalCapacity          float64 `json:"total_capacity"`
}

// LoadBalancer picks one route among several valid candidates
type LoadBalancer struct {
	mu         sync.Mutex
	loads      map[string]float64
	capacities map[string]float64
	rrNext     uint64
	stats      BalancerStatistics
}

// NewLoadBalancer creates a balancer with no load information
func NewLoadBalancer() *LoadBalancer {
	return &LoadBalancer{
		loads:      make(map[string]float64),
		capacities: make(map[string]float64),
	}
}

// UpdateNodeLoad records a node's load in [0,1]
func (lb *LoadBalancer) UpdateNodeLoad(nodeID string, load float64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.loads[nodeID] = math.Max(0, math.Min(1, load))
	lb.stats.LoadUpdates++
}

// UpdateNodeCapacity records a node's relative capacity
func (lb *LoadBalancer) UpdateNodeCapacity(nodeID string, capacity float64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.capacities[nodeID] = math.Max(0, capacity)
}

// RemoveNode forgets load and capacity for a node
func (lb *LoadBalancer) RemoveNode(nodeID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.loads, nodeID)
	delete(lb.capacities, nodeID)
}

// SelectRoute picks a candidate using the strategy for messageType.
// Ties go to the earliest candidate.
func (lb *LoadBalancer) SelectRoute(candidates []Candidate, messageType string) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoCandidates
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	switch StrategyFor(messageType) {
	case StrategyRoundRobin:
		idx := lb.rrNext % uint64(len(candidates))
		lb.rrNext++
		lb.stats.SelectionsByRoundRobin++
		return candidates[idx], nil

	case StrategyLoadBased:
		lb.stats.SelectionsByLoad++
		return pickMax(candidates, func(c Candidate) float64 {
			available := lb.capacityOf(c.NodeID) * (1.0 - lb.loadOf(c.NodeID))
			return available * c.Route.SuccessRate()
		}), nil

	case StrategyFastest:
		lb.stats.SelectionsByLatency++
		return pickMax(candidates, func(c Candidate) float64 {
			return -c.Route.Latency
		}), nil

	default:
		lb.stats.SelectionsByWeight++
		return pickMax(candidates, func(c Candidate) float64 {
			latencyScore := 1.0 / math.Max(c.Route.Latency, 1.0)
			return latencyScore*0.4 + c.Route.SuccessRate()*0.4 + (1.0-lb.loadOf(c.NodeID))*0.2
		}), nil
	}
}

func (lb *LoadBalancer) loadOf(nodeID string) float64 {
	if load, ok := lb.loads[nodeID]; ok {
		return load
	}
	return defaultNodeLoad
}

func (lb *LoadBalancer) capacityOf(nodeID string) float64 {
	if capacity, ok := lb.capacities[nodeID]; ok {
		return capacity
	}
	return defaultNodeCapacity
}

func pickMax(candidates []Candidate, score func(Candidate) float64) Candidate {
	best := candidates[0]
	bestScore := score(best)
	for _, c := range candidates[1:] {
		if s := score(c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// Statistics returns a snapshot of the balancer counters
func (lb *LoadBalancer) Statistics() BalancerStatistics {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	s := lb.stats
	s.NodeCount = len(lb.loads)
	if len(lb.loads) > 0 {
		total := 0.0
		for _, load := range lb.loads {
			total += load
		}
		s.AvgLoad = total / float64(len(lb.loads))
	}
	for _, capacity := range lb.capacities {
		s.TotalCapacity += capacity
	}
	return s
}

// ResetStatistics zeroes the selection counters
func (lb *LoadBalancer) ResetStatistics() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.stats = BalancerStatistics{}
}
