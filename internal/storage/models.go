package storage

import (
	"time"

	"github.com/kalambet/notebook/internal/apperr"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = apperr.ErrNotFound

// JobState is the lifecycle position of an ingestion job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Source is an uploaded file identified by the hash of its name and bytes.
type Source struct {
	SourceID    string    `json:"fileId"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	JobID       string    `json:"jobId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`

	// State and Progress mirror the source's job; filled by ListSources.
	State    JobState `json:"state,omitempty"`
	Progress int      `json:"progress"`
}

// JobResult is recorded on completion.
type JobResult struct {
	Chunks int `json:"chunks"`
	Added  int `json:"added"`
}

type Job struct {
	ID            string     `json:"id"`
	SourceID      string     `json:"sourceId"`
	Name          string     `json:"name"`
	State         JobState   `json:"state"`
	Progress      int        `json:"progress"`
	Result        *JobResult `json:"result,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}
