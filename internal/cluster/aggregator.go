// Package cluster computes cluster summaries and details from the node registry.
package cluster

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/store"
)

// NodeLister returns a point-in-time copy of a cluster's nodes.
type NodeLister interface {
	ListByCluster(clusterID uuid.UUID) []*models.ClusterNode
}

// RunningCounter counts running jobs placed on a set of nodes.
type RunningCounter interface {
	CountRunningOn(nodeIDs map[uuid.UUID]struct{}) int64
}

// Aggregator folds node state into cluster views. Nothing it returns is stored.
type Aggregator struct {
	clusters store.ClusterStore
	nodes    NodeLister
	jobs     RunningCounter
}

// NewAggregator creates an Aggregator.
func NewAggregator(clusters store.ClusterStore, nodes NodeLister, jobs RunningCounter) *Aggregator {
	return &Aggregator{clusters: clusters, nodes: nodes, jobs: jobs}
}

// Summarize returns node counts and the number of running jobs for a cluster.
func (a *Aggregator) Summarize(ctx context.Context, clusterID uuid.UUID) (*models.ClusterSummary, error) {
	c, err := a.clusters.Get(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("getting cluster: %w", err)
	}
	nodes := a.nodes.ListByCluster(clusterID)
	summary := a.summarize(c, nodes)
	return &summary, nil
}

// Detail extends the summary with capacity totals. Used capacity is the full capacity of busy
// nodes, since a node runs one job at a time.
func (a *Aggregator) Detail(ctx context.Context, clusterID uuid.UUID) (*models.ClusterDetails, error) {
	c, err := a.clusters.Get(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("getting cluster: %w", err)
	}
	nodes := a.nodes.ListByCluster(clusterID)

	d := &models.ClusterDetails{ClusterSummary: a.summarize(c, nodes)}
	for _, n := range nodes {
		d.Memory.TotalMB += n.MemoryMB
		d.CPU.TotalMillicores += n.CPU.Millicores
		var gpus int64
		if n.GPU != nil {
			gpus = n.GPU.Count
		}
		d.GPU.Total += gpus

		if n.Status == models.NodeStatusBusy {
			d.Memory.UsedMB += n.MemoryMB
			d.CPU.UsedMillicores += n.CPU.Millicores
			d.GPU.Used += gpus
		}
	}
	return d, nil
}

func (a *Aggregator) summarize(c *models.Cluster, nodes []*models.ClusterNode) models.ClusterSummary {
	s := models.ClusterSummary{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	ids := make(map[uuid.UUID]struct{}, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = struct{}{}
		s.Nodes.Total++
		if n.Status == models.NodeStatusBusy {
			s.Nodes.Busy++
		}
	}
	if len(ids) > 0 {
		s.Jobs.Running = a.jobs.CountRunningOn(ids)
	}
	return s
}
