package types

import (
	"fmt"
	"time"
)

// JobStatus is the indexing job state machine. Valid transitions are
// pending → indexing → completed and indexing → failed. Terminal states are
// never left; a re-index creates a brand-new job for the same key.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobIndexing  JobStatus = "indexing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobIndexing || next == JobFailed
	case JobIndexing:
		return next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

// IndexingJob tracks one indexing run for a repository. At most one
// non-terminal job exists per repository key at a time.
type IndexingJob struct {
	ID         string
	Repository RepositoryKey
	Status     JobStatus

	TotalFiles   int
	IndexedFiles int
	SkippedFiles int
	FailedFiles  int

	TotalChunks   int
	IndexedChunks int
	PendingChunks int // Chunks stored without an embedding after batch retries ran out

	Progress    float64 // IndexedFiles / TotalFiles, recomputed on every update
	CurrentFile string

	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  time.Time
	Duration     time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobUpdate is a partial, merge-style update applied to an IndexingJob.
// Nil fields are left untouched; delta fields are added to the current value.
type JobUpdate struct {
	Status *JobStatus

	TotalFilesDelta   int
	IndexedFilesDelta int
	SkippedFilesDelta int
	FailedFilesDelta  int

	TotalChunksDelta   int
	IndexedChunksDelta int
	PendingChunksDelta int

	CurrentFile  *string
	ErrorMessage *string
}

// Apply merges the update into the job, recomputes derived progress, and
// stamps terminal transitions. It returns an error on an illegal status
// transition.
func (j *IndexingJob) Apply(u JobUpdate, now time.Time) error {
	if u.Status != nil && *u.Status != j.Status {
		if !j.Status.CanTransition(*u.Status) {
			return fmt.Errorf("illegal job transition %s -> %s for %s", j.Status, *u.Status, j.Repository)
		}
		j.Status = *u.Status
		if *u.Status == JobIndexing && j.StartedAt.IsZero() {
			j.StartedAt = now
		}
		if u.Status.Terminal() {
			j.CompletedAt = now
			if !j.StartedAt.IsZero() {
				j.Duration = now.Sub(j.StartedAt)
			}
		}
	}

	j.TotalFiles += u.TotalFilesDelta
	j.IndexedFiles += u.IndexedFilesDelta
	j.SkippedFiles += u.SkippedFilesDelta
	j.FailedFiles += u.FailedFilesDelta
	j.TotalChunks += u.TotalChunksDelta
	j.IndexedChunks += u.IndexedChunksDelta
	j.PendingChunks += u.PendingChunksDelta

	if u.CurrentFile != nil {
		j.CurrentFile = *u.CurrentFile
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}

	if j.TotalFiles > 0 {
		j.Progress = float64(j.IndexedFiles) / float64(j.TotalFiles) * 100
		if j.Progress > 100 {
			j.Progress = 100
		}
	}
	if j.Status == JobCompleted {
		j.Progress = 100
	}
	j.UpdatedAt = now
	return nil
}
