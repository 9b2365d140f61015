package routing

import (
	"sort"
	"sync"
	"time"
)

// FaultStatistics summarizes failure suspicion
type FaultStatistics struct {
	FailuresDetected    int64 `json:"failures_detected"`
	NodesSuspected      int64 `json:"nodes_suspected"`
	NodesRecovered      int64 `json:"nodes_recovered"`
	FalsePositives      int64 `json:"false_positives"`
	SuspectedNodesCount int   `json:"suspected_nodes_count"`
	FailedNodesCount    int   `json:"failed_nodes_count"` // nodes with failure history
	RecoveredNodesCount int   `json:"recovered_nodes_count"`
}

// FaultDetector suspects nodes that fail repeatedly inside a sliding window.
// Suspicion is edge-triggered and cleared only by RecordRecovery.
type FaultDetector struct {
	mu        sync.RWMutex
	window    time.Duration
	threshold int
	failures  map[string][]time.Time
	suspected map[string]bool
	recovered map[string]time.Time
	stats     FaultStatistics
	now       func() time.Time
}

// NewFaultDetector creates a detector that suspects a node after threshold failures within window
func NewFaultDetector(window time.Duration, threshold int) *FaultDetector {
	if window <= 0 {
		window = 60 * time.Second
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &FaultDetector{
		window:    window,
		threshold: threshold,
		failures:  make(map[string][]time.Time),
		suspected: make(map[string]bool),
		recovered: make(map[string]time.Time),
		now:       time.Now,
	}
}

// RecordFailure records one failure and reports whether the node just became suspected
func (d *FaultDetector) RecordFailure(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.failures[nodeID] = append(d.failures[nodeID], now)
	d.stats.FailuresDetected++

	recent := 0
	for _, at := range d.failures[nodeID] {
		if now.Sub(at) < d.window {
			recent++
		}
	}

	if recent >= d.threshold && !d.suspected[nodeID] {
		d.suspected[nodeID] = true
		d.stats.NodesSuspected++
		return true
	}
	return false
}

// RecordRecovery clears suspicion and reports whether the node had been suspected.
// Recovery of a healthy node is counted as a false positive.
func (d *FaultDetector) RecordRecovery(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.suspected[nodeID] {
		delete(d.suspected, nodeID)
		d.recovered[nodeID] = d.now()
		d.stats.NodesRecovered++
		return true
	}
	d.stats.FalsePositives++
	return false
}

// IsNodeFailed reports whether the node is currently suspected
func (d *FaultDetector) IsNodeFailed(nodeID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.suspected[nodeID]
}

// SuspectedNodes lists suspected node ids in sorted order
func (d *FaultDetector) SuspectedNodes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nodes := make([]string, 0, len(d.suspected))
	for id := range d.suspected {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

// CleanupStaleFailures drops failure timestamps older than maxAge and
// forgets nodes left without history. Returns the number of nodes forgotten.
func (d *FaultDetector) CleanupStaleFailures(maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	forgotten := 0
	for nodeID, failures := range d.failures {
		kept := failures[:0]
		for _, at := range failures {
			if now.Sub(at) < maxAge {
				kept = append(kept, at)
			}
		}
		if len(kept) == 0 {
			delete(d.failures, nodeID)
			forgotten++
		} else {
			d.failures[nodeID] = kept
		}
	}
	return forgotten
}

// Statistics returns a snapshot of the detector counters
func (d *FaultDetector) Statistics() FaultStatistics {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.stats
	s.SuspectedNodesCount = len(d.suspected)
	s.FailedNodesCount = len(d.failures)
	s.RecoveredNodesCount = len(d.recovered)
	return s
}

// ResetStatistics zeroes the counters; suspicion state is kept
func (d *FaultDetector) ResetStatistics() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats = FaultStatistics{}
}
