package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeStatus is the scheduling status of a cluster node.
type NodeStatus string

const (
	// NodeStatusAvailable indicates the node holds no assignment.
	NodeStatusAvailable NodeStatus = "available"
	// NodeStatusBusy indicates the node holds exactly one assigned job.
	NodeStatusBusy NodeStatus = "busy"
)

// IsValid returns true if the status is a known node status.
func (s NodeStatus) IsValid() bool {
	return s == NodeStatusAvailable || s == NodeStatusBusy
}

// ClusterNode is a single compute unit with fixed CPU/GPU/memory capacity.
//
// AssignedJobID is the scheduler's placement decision; ReportedJobID is what the node last said it
// was running. The two are written by different owners and may disagree for a bounded window.
type ClusterNode struct {
	ID                 uuid.UUID  `json:"id"`
	ClusterID          uuid.UUID  `json:"cluster_id"`
	InstancePoolID     *uuid.UUID `json:"instance_pool_id,omitempty"`
	Status             NodeStatus `json:"status"`
	HeartbeatTimestamp time.Time  `json:"heartbeat_timestamp"`
	MemoryMB           int64      `json:"memory_mb"`
	CPU                CPU        `json:"cpu"`
	GPU                *GPU       `json:"gpu,omitempty"`
	AssignedJobID      *uuid.UUID `json:"assigned_job_id,omitempty"`
	ReportedJobID      *uuid.UUID `json:"reported_job_id,omitempty"`
	// LastConfirmedAt is when the node's report last agreed with its assignment (or when the
	// assignment was made). Drift is measured from here.
	LastConfirmedAt *time.Time `json:"last_confirmed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the node.
func (n *ClusterNode) Clone() *ClusterNode {
	if n == nil {
		return nil
	}
	c := *n
	c.InstancePoolID = cloneID(n.InstancePoolID)
	c.AssignedJobID = cloneID(n.AssignedJobID)
	c.ReportedJobID = cloneID(n.ReportedJobID)
	c.GPU = n.GPU.Clone()
	if n.LastConfirmedAt != nil {
		t := *n.LastConfirmedAt
		c.LastConfirmedAt = &t
	}
	return &c
}

// IsStale reports whether the node has not been heard from within threshold.
func (n *ClusterNode) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(n.HeartbeatTimestamp) > threshold
}

// CheckInvariant verifies that the node is busy if and only if it holds an assignment.
func (n *ClusterNode) CheckInvariant() error {
	busy := n.Status == NodeStatusBusy
	if busy != (n.AssignedJobID != nil) {
		return fmt.Errorf("node %s: status %s with assigned job %v", n.ID, n.Status, n.AssignedJobID)
	}
	return nil
}

// Validate checks that a node is well formed before registration.
func (n *ClusterNode) Validate() error {
	if n.ClusterID == uuid.Nil {
		return fmt.Errorf("%w: cluster_id is required", ErrInvalidResources)
	}
	if !n.CPU.Manufacturer.IsValid() {
		return fmt.Errorf("%w: unknown cpu manufacturer %q", ErrInvalidResources, n.CPU.Manufacturer)
	}
	if !n.CPU.Architecture.IsValid() {
		return fmt.Errorf("%w: unknown architecture %q", ErrInvalidResources, n.CPU.Architecture)
	}
	if n.CPU.Millicores <= 0 {
		return fmt.Errorf("%w: millicores must be positive", ErrInvalidResources)
	}
	if n.MemoryMB <= 0 {
		return fmt.Errorf("%w: memory_mb must be positive", ErrInvalidResources)
	}
	if n.GPU != nil {
		return n.GPU.validate()
	}
	return nil
}

// SameID reports whether two optional identifiers refer to the same entity.
func SameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
