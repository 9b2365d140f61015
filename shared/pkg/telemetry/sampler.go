// Package telemetry measures node resources and exchanges them through Redis.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/meshsched/meshsched/pkg/models"
)

// SamplerConfig describes the static side of a node
type SamplerConfig struct {
	NodeID               string        `mapstructure:"node_id"`
	Address              string        `mapstructure:"address"`
	StoragePath          string        `mapstructure:"storage_path"`
	NetworkBandwidthMbps float64       `mapstructure:"network_bandwidth_mbps"` // nominal link speed
	GPUAvailable         bool          `mapstructure:"gpu_available"`
	GPUMemoryMB          int64         `mapstructure:"gpu_memory_mb"`
	Capabilities         []string      `mapstructure:"capabilities"`
	CPUSampleWindow      time.Duration `mapstructure:"cpu_sample_window"`
}

// DefaultSamplerConfig returns defaults for a node without a GPU
func DefaultSamplerConfig(nodeID string) SamplerConfig {
	return SamplerConfig{
		NodeID:               nodeID,
		StoragePath:          "/",
		NetworkBandwidthMbps: 1000,
		CPUSampleWindow:      200 * time.Millisecond,
	}
}

// HostSampler builds NodeResources snapshots of the local host with gopsutil.
// It also keeps the node's own task track record.
type HostSampler struct {
	config SamplerConfig
	now    func() time.Time

	mu        sync.Mutex
	lastBytes uint64
	lastAt    time.Time
	record    models.NodeResources
}

// NewHostSampler creates a sampler
func NewHostSampler(config SamplerConfig) *HostSampler {
	if config.StoragePath == "" {
		config.StoragePath = "/"
	}
	if config.NetworkBandwidthMbps <= 0 {
		config.NetworkBandwidthMbps = 1000
	}
	return &HostSampler{
		config: config,
		now:    time.Now,
		record: models.NodeResources{TaskCompletionRate: 1.0},
	}
}

// NodeID returns the id snapshots are stamped with
func (h *HostSampler) NodeID() string {
	return h.config.NodeID
}

// Sample measures the host. GPU usage is not measured and stays zero.
func (h *HostSampler) Sample(ctx context.Context) (*models.NodeResources, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to count cpus: %w", err)
	}

	cpuUsage := 0.0
	if pct, err := cpu.PercentWithContext(ctx, h.config.CPUSampleWindow, false); err == nil && len(pct) > 0 {
		cpuUsage = pct[0] / 100
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}

	res := &models.NodeResources{
		NodeID:               h.config.NodeID,
		Address:              h.config.Address,
		CPUCores:             cores,
		CPUUsage:             cpuUsage,
		MemoryMB:             int64(vmem.Total / (1024 * 1024)),
		MemoryUsage:          vmem.UsedPercent / 100,
		GPUAvailable:         h.config.GPUAvailable,
		GPUMemoryMB:          h.config.GPUMemoryMB,
		NetworkBandwidthMbps: h.config.NetworkBandwidthMbps,
		Capabilities:         append([]string(nil), h.config.Capabilities...),
	}

	if usage, err := disk.UsageWithContext(ctx, h.config.StoragePath); err == nil {
		res.StorageGB = int64(usage.Total / (1024 * 1024 * 1024))
		res.StorageUsage = usage.UsedPercent / 100
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		res.NetworkUsage = h.networkUsage(counters[0].BytesSent + counters[0].BytesRecv)
	}

	h.mu.Lock()
	res.TaskCompletionRate = h.record.TaskCompletionRate
	res.AvgTaskDuration = h.record.AvgTaskDuration
	h.mu.Unlock()

	res.LastUpdated = h.now()
	res.Normalize()
	return res, nil
}

// networkUsage converts the byte delta since the previous sample into a
// fraction of the nominal bandwidth
func (h *HostSampler) networkUsage(total uint64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	prevBytes, prevAt := h.lastBytes, h.lastAt
	h.lastBytes, h.lastAt = total, now

	if prevAt.IsZero() || total < prevBytes {
		return 0
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	mbps := float64(total-prevBytes) * 8 / elapsed / 1e6
	return mbps / h.config.NetworkBandwidthMbps
}

// RecordTask folds an executed task into the node's track record
func (h *HostSampler) RecordTask(duration time.Duration, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record.UpdatePerformance(duration, success, h.now())
}

// Poll implements scheduler.ResourceSource for the local host
func (h *HostSampler) Poll(ctx context.Context) ([]*models.NodeResources, error) {
	res, err := h.Sample(ctx)
	if err != nil {
		return nil, err
	}
	return []*models.NodeResources{res}, nil
}
