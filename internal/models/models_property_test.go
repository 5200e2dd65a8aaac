package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allJobStatuses = []JobStatus{
	JobStatusQueued, JobStatusStarting, JobStatusRunning,
	JobStatusSucceeded, JobStatusFailed, JobStatusCancelled,
}

func genJobStatus() gopter.Gen {
	return gen.IntRange(0, len(allJobStatuses)-1).Map(func(i int) JobStatus {
		return allJobStatuses[i]
	})
}

// **Feature: fleet, Property 12: Terminal job states are absorbing**
// For any pair of states, a transition out of a terminal state is never permitted, a state
// never transitions to itself, and nothing re-enters starting except from queued.
func TestPropertyJobStateMachine(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal states are absorbing", prop.ForAll(
		func(from, to JobStatus) bool {
			if from.IsTerminal() {
				return !from.CanTransitionTo(to)
			}
			return true
		},
		genJobStatus(), genJobStatus(),
	))

	properties.Property("no self transitions", prop.ForAll(
		func(s JobStatus) bool {
			return !s.CanTransitionTo(s)
		},
		genJobStatus(),
	))

	properties.Property("only queued jobs start", prop.ForAll(
		func(from JobStatus) bool {
			return from.CanTransitionTo(JobStatusStarting) == (from == JobStatusQueued)
		},
		genJobStatus(),
	))

	properties.Property("every non-terminal state can be cancelled", prop.ForAll(
		func(from JobStatus) bool {
			return from.IsTerminal() || from.CanTransitionTo(JobStatusCancelled)
		},
		genJobStatus(),
	))

	properties.TestingRun(t)
}

func TestJobStatusClassification(t *testing.T) {
	for _, s := range allJobStatuses {
		assert.True(t, s.IsValid(), s)
		assert.False(t, s.IsTerminal() && s.IsActive(), s)
	}
	assert.False(t, JobStatus("paused").IsValid())
	assert.True(t, JobStatusStarting.IsActive())
	assert.True(t, JobStatusRunning.IsActive())
	assert.False(t, JobStatusQueued.IsActive())
	assert.True(t, JobStatusQueued.CanTransitionTo(JobStatusCancelled))
	assert.False(t, JobStatusQueued.CanTransitionTo(JobStatusRunning))
	assert.True(t, JobStatusRunning.CanTransitionTo(JobStatusQueued))
}

func TestTransitionErrorMatchesSentinel(t *testing.T) {
	err := error(&TransitionError{JobID: uuid.New(), From: JobStatusSucceeded, To: JobStatusRunning})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "succeeded")
	assert.Contains(t, err.Error(), "running")
}

func capacityNode(millicores, memoryMB int64, gpu *GPU) *ClusterNode {
	return &ClusterNode{
		ID:        uuid.New(),
		ClusterID: uuid.New(),
		Status:    NodeStatusAvailable,
		MemoryMB:  memoryMB,
		CPU:       CPU{Manufacturer: CPUManufacturerAMD, Architecture: ArchitectureX86_64, Millicores: millicores},
		GPU:       gpu,
	}
}

// **Feature: fleet, Property 13: Capacity comparison is per dimension**
// For any demand and any node whose capacity is at least the demand in every dimension, the node
// satisfies it; lowering any one dimension below the demand makes it fail.
func TestPropertySatisfiedBy(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("at least the demand satisfies", prop.ForAll(
		func(cpu, mem, extraCPU, extraMem int64) bool {
			req := ResourceRequirements{CPU: CPU{Millicores: cpu}, MemoryMB: mem}
			return req.SatisfiedBy(capacityNode(cpu+extraCPU, mem+extraMem, nil))
		},
		gen.Int64Range(0, 64000), gen.Int64Range(0, 1<<20), gen.Int64Range(0, 1000), gen.Int64Range(0, 1000),
	))

	properties.Property("short in cpu or memory fails", prop.ForAll(
		func(cpu, mem, short int64, cpuShort bool) bool {
			req := ResourceRequirements{CPU: CPU{Millicores: cpu}, MemoryMB: mem}
			n := capacityNode(cpu, mem, nil)
			if cpuShort {
				n.CPU.Millicores -= short
			} else {
				n.MemoryMB -= short
			}
			return !req.SatisfiedBy(n)
		},
		gen.Int64Range(1, 64000), gen.Int64Range(1, 1<<20), gen.Int64Range(1, 500), gen.Bool(),
	))

	properties.Property("gpu demand needs a matching gpu", prop.ForAll(
		func(count, extra int64) bool {
			demand := &GPU{Manufacturer: GPUManufacturerNvidia, Model: GPUModelH100, MemoryMB: 80000, Count: count}
			req := ResourceRequirements{CPU: CPU{Millicores: 1000}, MemoryMB: 1024, GPU: demand}

			match := capacityNode(2000, 2048, &GPU{Manufacturer: GPUManufacturerNvidia, Model: GPUModelH100, MemoryMB: 80000, Count: count + extra})
			otherModel := capacityNode(2000, 2048, &GPU{Manufacturer: GPUManufacturerNvidia, Model: GPUModelA100, MemoryMB: 80000, Count: count + extra})
			none := capacityNode(2000, 2048, nil)

			return req.SatisfiedBy(match) && !req.SatisfiedBy(otherModel) && !req.SatisfiedBy(none)
		},
		gen.Int64Range(1, 8), gen.Int64Range(0, 8),
	))

	properties.TestingRun(t)
}

func TestSatisfiedByCPUAttributes(t *testing.T) {
	n := capacityNode(4000, 8192, nil)

	anyCPU := ResourceRequirements{CPU: CPU{Millicores: 1000}, MemoryMB: 1024}
	assert.True(t, anyCPU.SatisfiedBy(n), "empty manufacturer and architecture accept any cpu")

	intel := anyCPU
	intel.CPU.Manufacturer = CPUManufacturerIntel
	assert.False(t, intel.SatisfiedBy(n))

	arm := anyCPU
	arm.CPU.Architecture = ArchitectureArm64
	assert.False(t, arm.SatisfiedBy(n))

	assert.False(t, anyCPU.SatisfiedBy(nil))
}

func TestResourceRequirementsValidate(t *testing.T) {
	tests := []struct {
		name  string
		req   ResourceRequirements
		valid bool
	}{
		{"empty cpu attributes", ResourceRequirements{CPU: CPU{Millicores: 500}, MemoryMB: 128}, true},
		{"unknown manufacturer", ResourceRequirements{CPU: CPU{Manufacturer: "Cyrix"}}, false},
		{"unknown architecture", ResourceRequirements{CPU: CPU{Architecture: "sparc"}}, false},
		{"negative memory", ResourceRequirements{MemoryMB: -1}, false},
		{"valid gpu", ResourceRequirements{GPU: &GPU{Manufacturer: GPUManufacturerHabana, Model: GPUModelGaudiHL205, Count: 1}}, true},
		{"zero gpu count", ResourceRequirements{GPU: &GPU{Manufacturer: GPUManufacturerNvidia, Model: GPUModelT4, Count: 0}}, false},
		{"unknown gpu model", ResourceRequirements{GPU: &GPU{Manufacturer: GPUManufacturerNvidia, Model: "GTX 1080", Count: 1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidResources)
		})
	}
}

func TestNodeValidate(t *testing.T) {
	valid := capacityNode(4000, 8192, &GPU{Manufacturer: GPUManufacturerNvidia, Model: GPUModelL4, MemoryMB: 24000, Count: 1})
	require.NoError(t, valid.Validate())

	noCluster := valid.Clone()
	noCluster.ClusterID = uuid.Nil
	assert.ErrorIs(t, noCluster.Validate(), ErrInvalidResources)

	noArch := valid.Clone()
	noArch.CPU.Architecture = ""
	assert.ErrorIs(t, noArch.Validate(), ErrInvalidResources, "node capacity must name its architecture")

	noMemory := valid.Clone()
	noMemory.MemoryMB = 0
	assert.ErrorIs(t, noMemory.Validate(), ErrInvalidResources)
}

func TestNodeCloneIsIndependent(t *testing.T) {
	job := uuid.New()
	confirmed := time.Now()
	n := capacityNode(1000, 1024, &GPU{Manufacturer: GPUManufacturerAMD, Model: GPUModelRadeonProV520, Count: 1})
	n.Status = NodeStatusBusy
	n.AssignedJobID = &job
	n.LastConfirmedAt = &confirmed

	c := n.Clone()
	c.GPU.Count = 4
	*c.AssignedJobID = uuid.New()
	*c.LastConfirmedAt = confirmed.Add(time.Hour)

	assert.Equal(t, int64(1), n.GPU.Count)
	assert.Equal(t, job, *n.AssignedJobID)
	assert.Equal(t, confirmed, *n.LastConfirmedAt)
	assert.Nil(t, (*ClusterNode)(nil).Clone())
}

func TestNodeInvariantAndStaleness(t *testing.T) {
	now := time.Now()
	n := capacityNode(1000, 1024, nil)
	n.HeartbeatTimestamp = now.Add(-time.Minute)
	require.NoError(t, n.CheckInvariant())

	n.Status = NodeStatusBusy
	assert.Error(t, n.CheckInvariant(), "busy without an assignment")

	job := uuid.New()
	n.AssignedJobID = &job
	assert.NoError(t, n.CheckInvariant())

	assert.True(t, n.IsStale(now, 30*time.Second))
	assert.False(t, n.IsStale(now, 2*time.Minute))
}

func TestHeartbeatValidate(t *testing.T) {
	job := uuid.New()
	now := time.Now()
	tests := []struct {
		name  string
		hb    Heartbeat
		valid bool
	}{
		{"idle", Heartbeat{NodeID: uuid.New(), Timestamp: now}, true},
		{"running", Heartbeat{NodeID: uuid.New(), ReportedJobID: &job, JobState: ReportedJobRunning, Timestamp: now}, true},
		{"finished", Heartbeat{NodeID: uuid.New(), ReportedJobID: &job, JobState: ReportedJobFailed, Timestamp: now}, true},
		{"no node", Heartbeat{Timestamp: now}, false},
		{"no timestamp", Heartbeat{NodeID: uuid.New()}, false},
		{"finished without job", Heartbeat{NodeID: uuid.New(), JobState: ReportedJobSucceeded, Timestamp: now}, false},
		{"unknown status", Heartbeat{NodeID: uuid.New(), ReportedJobID: &job, JobState: "paused", Timestamp: now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.hb.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrMalformedHeartbeat)
		})
	}

	assert.Equal(t, JobStatusFailed, ReportedJobFailed.Outcome())
	assert.Equal(t, JobStatusSucceeded, ReportedJobSucceeded.Outcome())
	assert.False(t, ReportedJobRunning.IsFinished())
	assert.True(t, ReportedJobState("").IsValid())
	assert.False(t, ReportedJobState("Running").IsValid())
}

func TestPoolAndClusterValidate(t *testing.T) {
	pool := &InstancePool{Name: "gpu-east", Provider: CloudProviderAWS, Region: "us-east-1", InstanceType: "p5.48xlarge", MinInstances: 1, MaxInstances: 4}
	require.NoError(t, pool.Validate())

	inverted := *pool
	inverted.MinInstances, inverted.MaxInstances = 4, 1
	assert.ErrorIs(t, inverted.Validate(), ErrInvalidPool)

	unknown := *pool
	unknown.Provider = "oracle"
	assert.ErrorIs(t, unknown.Validate(), ErrInvalidPool)

	assert.NoError(t, (&Cluster{Name: "research"}).Validate())
	assert.ErrorIs(t, (&Cluster{Name: "  "}).Validate(), ErrInvalidCluster)
	assert.ErrorIs(t, (&Cluster{Name: strings.Repeat("x", 256)}).Validate(), ErrInvalidCluster)
}

func TestJobFilterMatches(t *testing.T) {
	node := uuid.New()
	job := &TrainingJob{ID: uuid.New(), Status: JobStatusRunning, NodeID: &node}

	assert.True(t, JobFilter{}.Matches(job))
	assert.True(t, JobFilter{Status: JobStatusRunning, NodeID: &node}.Matches(job))
	assert.False(t, JobFilter{Status: JobStatusQueued}.Matches(job))

	other := uuid.New()
	assert.False(t, JobFilter{NodeID: &other}.Matches(job))
	assert.False(t, JobFilter{QueueID: &other}.Matches(job))
}

// Capacity nests cpu and gpu objects on the wire; an absent gpu is omitted.
func TestCapacityWireFormat(t *testing.T) {
	req := ResourceRequirements{
		CPU:      CPU{Manufacturer: CPUManufacturerAWS, Architecture: ArchitectureArm64, Millicores: 2000},
		GPU:      &GPU{Manufacturer: GPUManufacturerNvidia, Model: GPUModelT4g, MemoryMB: 16000, Count: 2},
		MemoryMB: 4096,
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"cpu": {"manufacturer": "AWS", "architecture": "arm64", "millicores": 2000},
		"gpu": {"manufacturer": "Nvidia", "model": "T4g", "memory_mb": 16000, "count": 2},
		"memory_mb": 4096
	}`, string(data))

	data, err = json.Marshal(ResourceRequirements{CPU: CPU{Millicores: 100}, MemoryMB: 64})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cpu": {"millicores": 100}, "memory_mb": 64}`, string(data))
}
