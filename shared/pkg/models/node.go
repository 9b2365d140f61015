package models

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// usageSmoothing is the EMA factor for usage and performance signals
const usageSmoothing = 0.1

// ResourceRequirement declares what a task needs from a node
type ResourceRequirement struct {
	CPUCores             int                `json:"cpu_cores"`
	MemoryMB             int64              `json:"memory_mb"`
	GPURequired          bool               `json:"gpu_required"`
	GPUMemoryMB          int64              `json:"gpu_memory_mb"`
	StorageGB            int64              `json:"storage_gb"`
	NetworkBandwidthMbps float64            `json:"network_bandwidth_mbps"`
	CustomResources      map[string]float64 `json:"custom_resources,omitempty"`
}

// DefaultResourceRequirement returns the requirement used when a task declares none
func DefaultResourceRequirement() ResourceRequirement {
	return ResourceRequirement{
		CPUCores:             1,
		MemoryMB:             512,
		StorageGB:            1,
		NetworkBandwidthMbps: 10.0,
	}
}

// Validate rejects negative amounts
func (r ResourceRequirement) Validate() error {
	if r.CPUCores < 0 || r.MemoryMB < 0 || r.GPUMemoryMB < 0 || r.StorageGB < 0 || r.NetworkBandwidthMbps < 0 {
		return fmt.Errorf("resource requirement has negative amount")
	}
	for name, amount := range r.CustomResources {
		if amount < 0 {
			return fmt.Errorf("custom resource %s has negative amount", name)
		}
	}
	return nil
}

// Clone returns a copy with its own custom resource map
func (r ResourceRequirement) Clone() ResourceRequirement {
	c := r
	if r.CustomResources != nil {
		c.CustomResources = make(map[string]float64, len(r.CustomResources))
		for k, v := range r.CustomResources {
			c.CustomResources[k] = v
		}
	}
	return c
}

// NodeResources is a snapshot of one node's capacity, utilization and track record.
// Utilization ratios stay within [0,1].
type NodeResources struct {
	NodeID               string             `json:"node_id"`
	Address              string             `json:"address,omitempty"`
	CPUCores             int                `json:"cpu_cores"`
	CPUUsage             float64            `json:"cpu_usage"`
	MemoryMB             int64              `json:"memory_mb"`
	MemoryUsage          float64            `json:"memory_usage"`
	GPUAvailable         bool               `json:"gpu_available"`
	GPUMemoryMB          int64              `json:"gpu_memory_mb"`
	GPUUsage             float64            `json:"gpu_usage"`
	StorageGB            int64              `json:"storage_gb"`
	StorageUsage         float64            `json:"storage_usage"`
	NetworkBandwidthMbps float64            `json:"network_bandwidth_mbps"`
	NetworkUsage         float64            `json:"network_usage"`
	CustomResources      map[string]float64 `json:"custom_resources,omitempty"`
	Capabilities         []string           `json:"capabilities,omitempty"`
	TaskCompletionRate   float64            `json:"task_completion_rate"`
	AvgTaskDuration      float64            `json:"avg_task_duration"` // seconds
	LastUpdated          time.Time          `json:"last_updated"`
}

// DefaultNodeResources returns a snapshot with the baseline capacity of a small node
func DefaultNodeResources(nodeID string) *NodeResources {
	return &NodeResources{
		NodeID:               nodeID,
		CPUCores:             1,
		MemoryMB:             1024,
		StorageGB:            100,
		NetworkBandwidthMbps: 100.0,
		TaskCompletionRate:   1.0,
		LastUpdated:          time.Now(),
	}
}

// CheckRequirement reports whether the node can host req and, if not, why
func (n *NodeResources) CheckRequirement(req ResourceRequirement) (bool, string) {
	if req.CPUCores > n.CPUCores {
		return false, fmt.Sprintf("requires %d CPU cores but node %s has %d", req.CPUCores, n.NodeID, n.CPUCores)
	}

	if float64(req.MemoryMB) > headroom(float64(n.MemoryMB), n.MemoryUsage) {
		return false, fmt.Sprintf("requires %d MB memory but node %s has %.0f MB free",
			req.MemoryMB, n.NodeID, headroom(float64(n.MemoryMB), n.MemoryUsage))
	}

	if req.GPURequired && !n.GPUAvailable {
		return false, fmt.Sprintf("requires GPU but node %s has none", n.NodeID)
	}

	if float64(req.GPUMemoryMB) > headroom(float64(n.GPUMemoryMB), n.GPUUsage) {
		return false, fmt.Sprintf("requires %d MB GPU memory but node %s has %.0f MB free",
			req.GPUMemoryMB, n.NodeID, headroom(float64(n.GPUMemoryMB), n.GPUUsage))
	}

	if float64(req.StorageGB) > headroom(float64(n.StorageGB), n.StorageUsage) {
		return false, fmt.Sprintf("requires %d GB storage but node %s has %.1f GB free",
			req.StorageGB, n.NodeID, headroom(float64(n.StorageGB), n.StorageUsage))
	}

	if req.NetworkBandwidthMbps > headroom(n.NetworkBandwidthMbps, n.NetworkUsage) {
		return false, fmt.Sprintf("requires %.1f Mbps but node %s has %.1f Mbps free",
			req.NetworkBandwidthMbps, n.NodeID, headroom(n.NetworkBandwidthMbps, n.NetworkUsage))
	}

	for _, name := range sortedKeys(req.CustomResources) {
		available, ok := n.CustomResources[name]
		if !ok {
			return false, fmt.Sprintf("requires custom resource %s which node %s lacks", name, n.NodeID)
		}
		if req.CustomResources[name] > available {
			return false, fmt.Sprintf("requires %.2f %s but node %s has %.2f",
				req.CustomResources[name], name, n.NodeID, available)
		}
	}

	return true, ""
}

// CanFulfillRequirement reports whether the node has headroom for req
func (n *NodeResources) CanFulfillRequirement(req ResourceRequirement) bool {
	ok, _ := n.CheckRequirement(req)
	return ok
}

// ResourceScore ranks how comfortably the node fits req. Each capacity ratio is capped at 2,
// then scaled by completion rate and an inverse-duration factor.
func (n *NodeResources) ResourceScore(req ResourceRequirement) float64 {
	score := 1.0

	score *= cappedRatio(float64(n.CPUCores), float64(req.CPUCores))
	score *= cappedRatio(headroom(float64(n.MemoryMB), n.MemoryUsage), float64(req.MemoryMB))

	if req.GPURequired {
		if n.GPUAvailable {
			score *= cappedRatio(headroom(float64(n.GPUMemoryMB), n.GPUUsage), math.Max(float64(req.GPUMemoryMB), 1))
		} else {
			score *= 0.1
		}
	}

	score *= n.TaskCompletionRate
	score *= 1.0 / (1.0 + math.Max(n.AvgTaskDuration, 0))

	return score
}

// UpdateUsage folds the load of a newly placed task into the utilization averages
// and stamps the snapshot with at
func (n *NodeResources) UpdateUsage(req ResourceRequirement, at time.Time) {
	cpu := loadRatio(float64(req.CPUCores), float64(n.CPUCores))
	memory := loadRatio(float64(req.MemoryMB), float64(n.MemoryMB))
	gpu := 0.0
	if req.GPURequired {
		gpu = loadRatio(float64(req.GPUMemoryMB), math.Max(float64(n.GPUMemoryMB), 1))
	}
	network := loadRatio(req.NetworkBandwidthMbps, n.NetworkBandwidthMbps)
	storage := loadRatio(float64(req.StorageGB), float64(n.StorageGB))

	n.CPUUsage = ema(n.CPUUsage, cpu)
	n.MemoryUsage = ema(n.MemoryUsage, memory)
	n.GPUUsage = ema(n.GPUUsage, gpu)
	n.NetworkUsage = ema(n.NetworkUsage, network)
	n.StorageUsage = ema(n.StorageUsage, storage)
	n.LastUpdated = at
}

// UpdatePerformance folds one finished task into completion rate and average duration
// and stamps the snapshot with at
func (n *NodeResources) UpdatePerformance(duration time.Duration, success bool, at time.Time) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	n.TaskCompletionRate = ema(n.TaskCompletionRate, outcome)
	n.AvgTaskDuration = ema(n.AvgTaskDuration, duration.Seconds())
	n.LastUpdated = at
}

// TotalLoad sums the five utilization ratios (0 to 5)
func (n *NodeResources) TotalLoad() float64 {
	return n.CPUUsage + n.MemoryUsage + n.GPUUsage + n.NetworkUsage + n.StorageUsage
}

// Utilization is the mean of the five utilization ratios
func (n *NodeResources) Utilization() float64 {
	return n.TotalLoad() / 5.0
}

// HasCapability reports whether the node advertises tag
func (n *NodeResources) HasCapability(tag string) bool {
	for _, c := range n.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Normalize clamps utilization ratios into [0,1] and fills zero-valued defaults
func (n *NodeResources) Normalize() {
	n.CPUUsage = clamp01(n.CPUUsage)
	n.MemoryUsage = clamp01(n.MemoryUsage)
	n.GPUUsage = clamp01(n.GPUUsage)
	n.StorageUsage = clamp01(n.StorageUsage)
	n.NetworkUsage = clamp01(n.NetworkUsage)
	n.TaskCompletionRate = clamp01(n.TaskCompletionRate)
	if n.LastUpdated.IsZero() {
		n.LastUpdated = time.Now()
	}
}

// Clone returns a deep copy
func (n *NodeResources) Clone() *NodeResources {
	c := *n
	if n.CustomResources != nil {
		c.CustomResources = make(map[string]float64, len(n.CustomResources))
		for k, v := range n.CustomResources {
			c.CustomResources[k] = v
		}
	}
	if n.Capabilities != nil {
		c.Capabilities = append([]string(nil), n.Capabilities...)
	}
	return &c
}

func headroom(capacity, usage float64) float64 {
	return capacity * (1.0 - usage)
}

// cappedRatio is have/need capped at 2. A zero need counts as a full 2x fit.
func cappedRatio(have, need float64) float64 {
	if need <= 0 {
		return 2.0
	}
	return math.Min(have/need, 2.0)
}

func loadRatio(req, capacity float64) float64 {
	if capacity <= 0 {
		if req > 0 {
			return 1.0
		}
		return 0.0
	}
	return math.Min(req/capacity, 1.0)
}

func ema(prev, sample float64) float64 {
	return usageSmoothing*sample + (1-usageSmoothing)*prev
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
