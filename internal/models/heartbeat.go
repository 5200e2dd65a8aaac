package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ReportedJobState is the execution state a node reports for the job it is running.
type ReportedJobState string

const (
	ReportedJobRunning   ReportedJobState = "running"
	ReportedJobSucceeded ReportedJobState = "succeeded"
	ReportedJobFailed    ReportedJobState = "failed"
)

// IsValid reports whether s is a known state. The empty state means the node reports no job.
func (s ReportedJobState) IsValid() bool {
	switch s {
	case "", ReportedJobRunning, ReportedJobSucceeded, ReportedJobFailed:
		return true
	}
	return false
}

// IsFinished returns true when the node reports the job as done.
func (s ReportedJobState) IsFinished() bool {
	return s == ReportedJobSucceeded || s == ReportedJobFailed
}

// Outcome maps a finished report to the terminal job status.
func (s ReportedJobState) Outcome() JobStatus {
	if s == ReportedJobFailed {
		return JobStatusFailed
	}
	return JobStatusSucceeded
}

// Heartbeat is a single report from a node.
type Heartbeat struct {
	NodeID        uuid.UUID        `json:"node_id"`
	ReportedJobID *uuid.UUID       `json:"reported_job_id,omitempty"`
	JobState      ReportedJobState `json:"status,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// ErrMalformedHeartbeat is returned for reports that cannot be processed.
var ErrMalformedHeartbeat = errors.New("malformed heartbeat")

// Validate checks the heartbeat fields consumed by reconciliation.
func (h *Heartbeat) Validate() error {
	if h.NodeID == uuid.Nil {
		return errors.Join(ErrMalformedHeartbeat, errors.New("node_id is required"))
	}
	if h.Timestamp.IsZero() {
		return errors.Join(ErrMalformedHeartbeat, errors.New("timestamp is required"))
	}
	if !h.JobState.IsValid() {
		return errors.Join(ErrMalformedHeartbeat, errors.New("unknown status "+string(h.JobState)))
	}
	if h.JobState.IsFinished() && h.ReportedJobID == nil {
		return errors.Join(ErrMalformedHeartbeat, errors.New("finished status without reported_job_id"))
	}
	return nil
}
