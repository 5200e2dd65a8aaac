package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a training job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusStarting  JobStatus = "starting"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrInvalidTransition is returned when a job or node state change is not permitted.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError describes a rejected job transition.
type TransitionError struct {
	JobID uuid.UUID
	From  JobStatus
	To    JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition from %s to %s", e.JobID, e.From, e.To)
}

// Unwrap makes TransitionError match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsValid returns true if the status is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusStarting, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states no transition leaves.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive returns true for states in which the job holds a node.
func (s JobStatus) IsActive() bool {
	return s == JobStatusStarting || s == JobStatusRunning
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
// Starting and running may also fall back to queued when the node lost the assignment.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusStarting || next == JobStatusCancelled
	case JobStatusStarting:
		return next == JobStatusRunning || next == JobStatusSucceeded || next == JobStatusFailed ||
			next == JobStatusCancelled || next == JobStatusQueued
	case JobStatusRunning:
		return next == JobStatusSucceeded || next == JobStatusFailed ||
			next == JobStatusCancelled || next == JobStatusQueued
	default:
		return false
	}
}

// TrainingJob is a unit of work placed onto exactly one node at a time.
type TrainingJob struct {
	ID                   uuid.UUID            `json:"id"`
	Name                 string               `json:"name"`
	Definition           string               `json:"definition"`
	Status               JobStatus            `json:"status"`
	NodeID               *uuid.UUID           `json:"node_id,omitempty"`
	QueueID              *uuid.UUID           `json:"queue_id,omitempty"`
	ResourceRequirements ResourceRequirements `json:"resource_requirements"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// Clone returns a deep copy of the job.
func (j *TrainingJob) Clone() *TrainingJob {
	if j == nil {
		return nil
	}
	c := *j
	c.NodeID = cloneID(j.NodeID)
	c.QueueID = cloneID(j.QueueID)
	c.ResourceRequirements.GPU = j.ResourceRequirements.GPU.Clone()
	return &c
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	Status  JobStatus
	NodeID  *uuid.UUID
	QueueID *uuid.UUID
}

// Matches reports whether the job passes the filter.
func (f JobFilter) Matches(j *TrainingJob) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.NodeID != nil && !SameID(f.NodeID, j.NodeID) {
		return false
	}
	if f.QueueID != nil && !SameID(f.QueueID, j.QueueID) {
		return false
	}
	return true
}
