package cost

import (
	"math"

	"github.com/meshsched/meshsched/pkg/models"
)

// Config holds the rates used to price a placement
type Config struct {
	CPUPerCoreHour     float64 `mapstructure:"cpu_per_core_hour"`
	MemoryPerGBHour    float64 `mapstructure:"memory_per_gb_hour"`
	GPUPerHour         float64 `mapstructure:"gpu_per_hour"`
	NetworkPerGB       float64 `mapstructure:"network_per_gb"`
	LatencyPenalty     float64 `mapstructure:"latency_penalty"` // per unit of network distance
	EnergyPerWattHour  float64 `mapstructure:"energy_per_watt_hour"`
	AverageWatts       float64 `mapstructure:"average_watts"`
	PerformanceBonus   float64 `mapstructure:"performance_bonus"`   // discount above 0.8 completion rate
	ReliabilityPenalty float64 `mapstructure:"reliability_penalty"` // surcharge below 0.5 completion rate
	HopCost            float64 `mapstructure:"hop_cost"`
}

// DefaultConfig returns the standard rate card
func DefaultConfig() Config {
	return Config{
		CPUPerCoreHour:     0.10,
		MemoryPerGBHour:    0.05,
		GPUPerHour:         0.50,
		NetworkPerGB:       0.01,
		LatencyPenalty:     0.001,
		EnergyPerWattHour:  0.0001,
		AverageWatts:       100,
		PerformanceBonus:   0.2,
		ReliabilityPenalty: 0.3,
		HopCost:            0.01,
	}
}

const (
	goodCompletionRate = 0.8
	poorCompletionRate = 0.5
)

// Breakdown itemizes a cost estimate
type Breakdown struct {
	CPU        float64 `json:"cpu"`
	Memory     float64 `json:"memory"`
	GPU        float64 `json:"gpu"`
	Network    float64 `json:"network"`
	Latency    float64 `json:"latency"`
	Energy     float64 `json:"energy"`
	Subtotal   float64 `json:"subtotal"`
	Adjustment float64 `json:"adjustment"` // multiplier applied to the subtotal
	Total      float64 `json:"total"`
}

// Model prices running a task on a node. It is stateless and safe for concurrent use.
type Model struct {
	cfg Config
}

// NewModel creates a cost model with the given rates
func NewModel(cfg Config) *Model {
	return &Model{cfg: cfg}
}

// Config returns the model's rates
func (m *Model) Config() Config {
	return m.cfg
}

// CalculateTaskCost prices task on node for durationSeconds at networkDistance hops
func (m *Model) CalculateTaskCost(task *models.Task, node *models.NodeResources, durationSeconds, networkDistance float64) float64 {
	return m.Estimate(task.Requirements, node, durationSeconds, networkDistance).Total
}

// Estimate itemizes the cost of running req on node. Negative inputs are treated as zero.
func (m *Model) Estimate(req models.ResourceRequirement, node *models.NodeResources, durationSeconds, networkDistance float64) Breakdown {
	duration := nonNegative(durationSeconds)
	hours := duration / 3600.0

	var b Breakdown
	b.CPU = nonNegative(float64(req.CPUCores)) * hours * m.cfg.CPUPerCoreHour
	b.Memory = nonNegative(float64(req.MemoryMB)) / 1024.0 * hours * m.cfg.MemoryPerGBHour
	if req.GPURequired {
		b.GPU = hours * m.cfg.GPUPerHour
	}
	// Mbps sustained for the duration, in the same GB scale the rate card uses
	b.Network = nonNegative(req.NetworkBandwidthMbps) * hours / 1024.0 * m.cfg.NetworkPerGB
	b.Latency = nonNegative(networkDistance) * m.cfg.LatencyPenalty
	b.Energy = duration * m.cfg.EnergyPerWattHour * m.cfg.AverageWatts

	b.Subtotal = b.CPU + b.Memory + b.GPU + b.Network + b.Latency + b.Energy
	b.Adjustment = m.PerformanceAdjustment(node)
	b.Total = b.Subtotal * b.Adjustment

	if math.IsNaN(b.Total) || math.IsInf(b.Total, 0) {
		b.Total = 0
	}
	return b
}

// PerformanceAdjustment is the multiplier earned by the node's completion rate
func (m *Model) PerformanceAdjustment(node *models.NodeResources) float64 {
	if node == nil {
		return 1.0
	}
	switch rate := node.TaskCompletionRate; {
	case rate > goodCompletionRate:
		return 1.0 - m.cfg.PerformanceBonus
	case rate < poorCompletionRate:
		return 1.0 + m.cfg.ReliabilityPenalty
	default:
		return 1.0
	}
}

// NetworkDistanceCost prices a path of the given hop count
func (m *Model) NetworkDistanceCost(hops float64) float64 {
	return nonNegative(hops) * m.cfg.HopCost
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
