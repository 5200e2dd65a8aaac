package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cluster groups nodes. Deleting a cluster removes its nodes.
type Cluster struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ErrInvalidCluster is returned when a cluster definition is malformed.
var ErrInvalidCluster = errors.New("invalid cluster")

// Validate checks the cluster definition.
func (c *Cluster) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCluster)
	}
	if len(c.Name) > 255 {
		return fmt.Errorf("%w: name longer than 255 characters", ErrInvalidCluster)
	}
	return nil
}

// NodeStats counts nodes in a cluster.
type NodeStats struct {
	Total int64 `json:"total"`
	Busy  int64 `json:"busy"`
}

// JobStats counts jobs placed on a cluster.
type JobStats struct {
	Running int64 `json:"running"`
}

// MemoryStats aggregates node memory.
type MemoryStats struct {
	TotalMB int64 `json:"total_mb"`
	UsedMB  int64 `json:"used_mb"`
}

// CPUStats aggregates node millicores.
type CPUStats struct {
	TotalMillicores int64 `json:"total_millicores"`
	UsedMillicores  int64 `json:"used_millicores"`
}

// GPUStats aggregates GPU counts.
type GPUStats struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
}

// ClusterSummary is a computed view over a cluster's nodes. It is never stored.
type ClusterSummary struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Nodes       NodeStats `json:"nodes"`
	Jobs        JobStats  `json:"jobs"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ClusterDetails extends the summary with capacity and utilization totals.
type ClusterDetails struct {
	ClusterSummary
	Memory MemoryStats `json:"memory"`
	CPU    CPUStats    `json:"cpu"`
	GPU    GPUStats    `json:"gpu"`
}
