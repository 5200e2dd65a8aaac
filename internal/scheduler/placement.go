package scheduler

import (
	"sort"

	"github.com/narvanalabs/fleet/internal/models"
)

// HasSufficientResources checks if a node satisfies every dimension of a requirement.
func HasSufficientResources(node *models.ClusterNode, req models.ResourceRequirements) bool {
	return req.SatisfiedBy(node)
}

// CalculateSurplus scores how much capacity a placement would leave unused on a node.
// Lower is a tighter fit. Each dimension contributes (capacity - demand) / capacity; a GPU the job
// does not ask for counts as a full unit of surplus so GPU nodes are kept for GPU work.
func CalculateSurplus(node *models.ClusterNode, req models.ResourceRequirements) float64 {
	score := ratio(node.CPU.Millicores, req.CPU.Millicores) + ratio(node.MemoryMB, req.MemoryMB)

	switch {
	case node.GPU == nil:
	case req.GPU == nil:
		score++
	default:
		score += ratio(node.GPU.Count, req.GPU.Count)
	}
	return score
}

func ratio(capacity, demand int64) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(capacity-demand) / float64(capacity)
}

// RankCandidates filters nodes down to those that satisfy req and orders them best fit first:
// smallest surplus, then oldest heartbeat, then id.
func RankCandidates(nodes []*models.ClusterNode, req models.ResourceRequirements) []*models.ClusterNode {
	type scored struct {
		node    *models.ClusterNode
		surplus float64
	}

	var capable []scored
	for _, n := range nodes {
		if HasSufficientResources(n, req) {
			capable = append(capable, scored{node: n, surplus: CalculateSurplus(n, req)})
		}
	}

	sort.Slice(capable, func(i, j int) bool {
		a, b := capable[i], capable[j]
		if a.surplus != b.surplus {
			return a.surplus < b.surplus
		}
		if !a.node.HeartbeatTimestamp.Equal(b.node.HeartbeatTimestamp) {
			return a.node.HeartbeatTimestamp.Before(b.node.HeartbeatTimestamp)
		}
		return a.node.ID.String() < b.node.ID.String()
	})

	out := make([]*models.ClusterNode, len(capable))
	for i, c := range capable {
		out[i] = c.node
	}
	return out
}

// SelectBestNode returns the best-fit node for req, or nil if none qualifies.
func SelectBestNode(nodes []*models.ClusterNode, req models.ResourceRequirements) *models.ClusterNode {
	ranked := RankCandidates(nodes, req)
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0]
}
