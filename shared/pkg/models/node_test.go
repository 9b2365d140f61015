package models

import (
	"math"
	"testing"
	"time"
)

func testNode() *NodeResources {
	return &NodeResources{
		NodeID:               "node-1",
		CPUCores:             4,
		MemoryMB:             4096,
		StorageGB:            100,
		NetworkBandwidthMbps: 100,
		TaskCompletionRate:   1.0,
	}
}

func TestCanFulfillRequirement(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(n *NodeResources)
		req      ResourceRequirement
		expected bool
	}{
		{"default requirement fits", nil, DefaultResourceRequirement(), true},
		{"too many cores", nil, ResourceRequirement{CPUCores: 8}, false},
		{"memory within headroom", func(n *NodeResources) { n.MemoryUsage = 0.5 }, ResourceRequirement{MemoryMB: 2048}, true},
		{"memory beyond headroom", func(n *NodeResources) { n.MemoryUsage = 0.5 }, ResourceRequirement{MemoryMB: 2049}, false},
		{"gpu required without gpu", nil, ResourceRequirement{GPURequired: true}, false},
		{"gpu required with gpu", func(n *NodeResources) { n.GPUAvailable = true; n.GPUMemoryMB = 8192 }, ResourceRequirement{GPURequired: true, GPUMemoryMB: 4096}, true},
		{"gpu memory exhausted", func(n *NodeResources) { n.GPUAvailable = true; n.GPUMemoryMB = 8192; n.GPUUsage = 0.9 }, ResourceRequirement{GPURequired: true, GPUMemoryMB: 4096}, false},
		{"storage beyond headroom", func(n *NodeResources) { n.StorageUsage = 0.99 }, ResourceRequirement{StorageGB: 5}, false},
		{"bandwidth beyond headroom", func(n *NodeResources) { n.NetworkUsage = 0.95 }, ResourceRequirement{NetworkBandwidthMbps: 10}, false},
		{"missing custom resource", nil, ResourceRequirement{CustomResources: map[string]float64{"fpga": 1}}, false},
		{"insufficient custom resource", func(n *NodeResources) { n.CustomResources = map[string]float64{"fpga": 1} }, ResourceRequirement{CustomResources: map[string]float64{"fpga": 2}}, false},
		{"sufficient custom resource", func(n *NodeResources) { n.CustomResources = map[string]float64{"fpga": 2} }, ResourceRequirement{CustomResources: map[string]float64{"fpga": 2}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := testNode()
			if tt.mutate != nil {
				tt.mutate(node)
			}
			ok, reason := node.CheckRequirement(tt.req)
			if ok != tt.expected {
				t.Errorf("CheckRequirement(%+v) = %v (%s), expected %v", tt.req, ok, reason, tt.expected)
			}
			if !ok && reason == "" {
				t.Error("expected a rejection reason")
			}
			if node.CanFulfillRequirement(tt.req) != ok {
				t.Error("CanFulfillRequirement disagrees with CheckRequirement")
			}
		})
	}
}

func TestResourceScore(t *testing.T) {
	req := ResourceRequirement{CPUCores: 1, MemoryMB: 512}

	node := testNode()
	// cpu ratio 4 -> 2, memory ratio 8 -> 2, rate 1, duration 0
	if got := node.ResourceScore(req); math.Abs(got-4.0) > 1e-9 {
		t.Errorf("ResourceScore = %v, expected 4.0", got)
	}

	reliable := testNode()
	reliable.TaskCompletionRate = 0.9
	flaky := testNode()
	flaky.TaskCompletionRate = 0.3
	if reliable.ResourceScore(req) <= flaky.ResourceScore(req) {
		t.Error("higher completion rate should score higher")
	}

	fast := testNode()
	fast.AvgTaskDuration = 1
	slow := testNode()
	slow.AvgTaskDuration = 30
	if fast.ResourceScore(req) <= slow.ResourceScore(req) {
		t.Error("shorter average duration should score higher")
	}
	if slow.ResourceScore(req) <= 0 {
		t.Error("score must stay positive for long-running nodes")
	}

	noGPU := testNode()
	gpuReq := ResourceRequirement{CPUCores: 1, MemoryMB: 512, GPURequired: true}
	if got := noGPU.ResourceScore(gpuReq); math.Abs(got-0.4) > 1e-9 {
		t.Errorf("ResourceScore without GPU = %v, expected 0.4", got)
	}

	zero := ResourceRequirement{}
	if got := node.ResourceScore(zero); math.IsInf(got, 0) || math.IsNaN(got) {
		t.Errorf("ResourceScore(zero requirement) = %v, expected finite", got)
	}
}

func TestUpdateUsage(t *testing.T) {
	node := testNode()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	node.UpdateUsage(ResourceRequirement{CPUCores: 2, MemoryMB: 4096, StorageGB: 10, NetworkBandwidthMbps: 50}, at)
	if !node.LastUpdated.Equal(at) {
		t.Errorf("LastUpdated = %v, expected %v", node.LastUpdated, at)
	}

	tests := []struct {
		name     string
		got      float64
		expected float64
	}{
		{"cpu", node.CPUUsage, 0.1 * 0.5},
		{"memory", node.MemoryUsage, 0.1 * 1.0},
		{"gpu", node.GPUUsage, 0},
		{"storage", node.StorageUsage, 0.1 * 0.1},
		{"network", node.NetworkUsage, 0.1 * 0.5},
	}
	for _, tt := range tests {
		if math.Abs(tt.got-tt.expected) > 1e-9 {
			t.Errorf("%s usage = %v, expected %v", tt.name, tt.got, tt.expected)
		}
	}

	for i := 0; i < 200; i++ {
		node.UpdateUsage(ResourceRequirement{CPUCores: 64, MemoryMB: 1 << 20, StorageGB: 1 << 20, NetworkBandwidthMbps: 1e6}, at)
	}
	for _, u := range []float64{node.CPUUsage, node.MemoryUsage, node.StorageUsage, node.NetworkUsage} {
		if u < 0 || u > 1 {
			t.Errorf("usage %v escaped [0,1]", u)
		}
	}
}

func TestUpdatePerformance(t *testing.T) {
	node := testNode()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	node.UpdatePerformance(10*time.Second, false, at)
	if !node.LastUpdated.Equal(at) {
		t.Errorf("LastUpdated = %v, expected %v", node.LastUpdated, at)
	}

	if math.Abs(node.TaskCompletionRate-0.9) > 1e-9 {
		t.Errorf("TaskCompletionRate = %v, expected 0.9", node.TaskCompletionRate)
	}
	if math.Abs(node.AvgTaskDuration-1.0) > 1e-9 {
		t.Errorf("AvgTaskDuration = %v, expected 1.0", node.AvgTaskDuration)
	}

	node.UpdatePerformance(0, true, at.Add(time.Minute))
	if math.Abs(node.TaskCompletionRate-0.91) > 1e-9 {
		t.Errorf("TaskCompletionRate = %v, expected 0.91", node.TaskCompletionRate)
	}
}

func TestUtilization(t *testing.T) {
	node := testNode()
	node.CPUUsage = 1
	node.MemoryUsage = 0.5
	node.NetworkUsage = 0.5

	if got := node.TotalLoad(); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("TotalLoad = %v, expected 2.0", got)
	}
	if got := node.Utilization(); math.Abs(got-0.4) > 1e-9 {
		t.Errorf("Utilization = %v, expected 0.4", got)
	}
}

func TestNormalize(t *testing.T) {
	node := testNode()
	node.CPUUsage = 1.5
	node.MemoryUsage = -0.2
	node.Normalize()

	if node.CPUUsage != 1 || node.MemoryUsage != 0 {
		t.Errorf("Normalize left cpu=%v mem=%v", node.CPUUsage, node.MemoryUsage)
	}
	if node.LastUpdated.IsZero() {
		t.Error("Normalize should stamp LastUpdated")
	}
}
