package cluster

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/store"
	"github.com/narvanalabs/fleet/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNodes struct {
	nodes []*models.ClusterNode
}

func (f *fakeNodes) ListByCluster(clusterID uuid.UUID) []*models.ClusterNode {
	var out []*models.ClusterNode
	for _, n := range f.nodes {
		if n.ClusterID == clusterID {
			out = append(out, n.Clone())
		}
	}
	return out
}

type fakeJobs struct {
	running map[uuid.UUID]int64
}

func (f *fakeJobs) CountRunningOn(ids map[uuid.UUID]struct{}) int64 {
	var n int64
	for id := range ids {
		n += f.running[id]
	}
	return n
}

func newCluster(t *testing.T, s *memory.Store) *models.Cluster {
	t.Helper()
	c := &models.Cluster{ID: uuid.New(), Name: "c-" + uuid.NewString()[:8], Description: "training"}
	require.NoError(t, s.Clusters().Create(context.Background(), c))
	return c
}

func TestDetailCountsBusyCapacityAsUsed(t *testing.T) {
	s := memory.New()
	c := newCluster(t, s)
	job := uuid.New()

	busy := &models.ClusterNode{
		ID: uuid.New(), ClusterID: c.ID, Status: models.NodeStatusBusy, AssignedJobID: &job,
		MemoryMB: 64000, CPU: models.CPU{Millicores: 32000},
		GPU: &models.GPU{Manufacturer: models.GPUManufacturerNvidia, Model: models.GPUModelH100, Count: 8},
	}
	idle := &models.ClusterNode{
		ID: uuid.New(), ClusterID: c.ID, Status: models.NodeStatusAvailable,
		MemoryMB: 16000, CPU: models.CPU{Millicores: 8000},
	}
	elsewhere := &models.ClusterNode{
		ID: uuid.New(), ClusterID: uuid.New(), Status: models.NodeStatusAvailable,
		MemoryMB: 1, CPU: models.CPU{Millicores: 1},
	}

	agg := NewAggregator(s.Clusters(), &fakeNodes{nodes: []*models.ClusterNode{busy, idle, elsewhere}},
		&fakeJobs{running: map[uuid.UUID]int64{busy.ID: 1}})

	d, err := agg.Detail(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, c.Name, d.Name)
	assert.Equal(t, int64(2), d.Nodes.Total)
	assert.Equal(t, int64(1), d.Nodes.Busy)
	assert.Equal(t, int64(1), d.Jobs.Running)
	assert.Equal(t, models.MemoryStats{TotalMB: 80000, UsedMB: 64000}, d.Memory)
	assert.Equal(t, models.CPUStats{TotalMillicores: 40000, UsedMillicores: 32000}, d.CPU)
	assert.Equal(t, models.GPUStats{Total: 8, Used: 8}, d.GPU)
}

func TestSummarizeUnknownCluster(t *testing.T) {
	s := memory.New()
	agg := NewAggregator(s.Clusters(), &fakeNodes{}, &fakeJobs{})

	_, err := agg.Summarize(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// **Feature: fleet, Property 3: Cluster details are a fold over node state**
// For any set of nodes, totals equal the sum of capacities and used never exceeds total.
func TestDetailFoldProperty(t *testing.T) {
	s := memory.New()
	c := newCluster(t, s)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("totals fold node capacity", prop.ForAll(
		func(mem []int64, busyMask []bool) bool {
			var nodes []*models.ClusterNode
			var wantMem, wantBusy int64
			for i, m := range mem {
				n := &models.ClusterNode{
					ID: uuid.New(), ClusterID: c.ID, Status: models.NodeStatusAvailable,
					MemoryMB: m, CPU: models.CPU{Millicores: m / 2},
				}
				if i < len(busyMask) && busyMask[i] {
					job := uuid.New()
					n.Status = models.NodeStatusBusy
					n.AssignedJobID = &job
					wantBusy++
				}
				wantMem += m
				nodes = append(nodes, n)
			}

			agg := NewAggregator(s.Clusters(), &fakeNodes{nodes: nodes}, &fakeJobs{})
			d, err := agg.Detail(context.Background(), c.ID)
			if err != nil {
				return false
			}
			return d.Nodes.Total == int64(len(mem)) &&
				d.Nodes.Busy == wantBusy &&
				d.Memory.TotalMB == wantMem &&
				d.Memory.UsedMB <= d.Memory.TotalMB &&
				d.CPU.UsedMillicores <= d.CPU.TotalMillicores
		},
		gen.SliceOf(gen.Int64Range(1, 1<<20)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
