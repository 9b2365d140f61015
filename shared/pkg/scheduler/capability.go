package scheduler

import (
	"fmt"
	"sort"

	"github.com/meshsched/meshsched/pkg/models"
)

// IsNodeAvailable reports whether the node's summed utilization is below threshold
func IsNodeAvailable(node *models.NodeResources, threshold float64) bool {
	return node.TotalLoad() < threshold
}

// AvailableNodes returns the nodes under the load threshold, ordered by node id.
// Nodes for which excluded returns true are left out.
func AvailableNodes(nodes map[string]*models.NodeResources, threshold float64, excluded func(string) bool) []*models.NodeResources {
	available := make([]*models.NodeResources, 0, len(nodes))
	for id, node := range nodes {
		if excluded != nil && excluded(id) {
			continue
		}
		if IsNodeAvailable(node, threshold) {
			available = append(available, node)
		}
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].NodeID < available[j].NodeID
	})
	return available
}

// FindCandidateNodes returns the nodes with headroom for req and the first rejection reason
func FindCandidateNodes(req models.ResourceRequirement, nodes []*models.NodeResources) ([]*models.NodeResources, string) {
	candidates := []*models.NodeResources{}
	var rejectionReason string

	for _, node := range nodes {
		ok, reason := node.CheckRequirement(req)
		if ok {
			candidates = append(candidates, node)
		} else if rejectionReason == "" {
			rejectionReason = reason
		}
	}

	if len(candidates) == 0 && rejectionReason == "" {
		rejectionReason = "no available nodes"
	}
	return candidates, rejectionReason
}

// ValidateClusterCapabilities checks whether any known node could host req when idle
func ValidateClusterCapabilities(req models.ResourceRequirement, nodes map[string]*models.NodeResources) (bool, string) {
	if len(nodes) == 0 {
		return false, "no nodes registered"
	}

	for _, node := range nodes {
		idle := node.Clone()
		idle.CPUUsage, idle.MemoryUsage, idle.GPUUsage, idle.StorageUsage, idle.NetworkUsage = 0, 0, 0, 0, 0
		if idle.CanFulfillRequirement(req) {
			return true, ""
		}
	}

	reason := "no node in the mesh can satisfy the requirement"
	if req.GPURequired {
		reason = "requirement needs a GPU but no node has one with enough memory"
	} else if req.CPUCores > 0 {
		reason = fmt.Sprintf("requirement needs %d CPU cores but no node has that many", req.CPUCores)
	}
	return false, reason
}

// removeNode drops nodeID from a node list
func removeNode(nodes []*models.NodeResources, nodeID string) []*models.NodeResources {
	out := make([]*models.NodeResources, 0, len(nodes))
	for _, n := range nodes {
		if n.NodeID != nodeID {
			out = append(out, n)
		}
	}
	return out
}
