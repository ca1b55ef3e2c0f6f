/*
job.go - Migration job record and lifecycle

PURPOSE:
  One MigrationJob tracks one import/reconciliation run: progress
  counters, a bounded error list, and a terminal status. The surrounding
  UI observes a run only by polling this record.

STATE MACHINE:
  PENDING -> PROCESSING -> {COMPLETED | FAILED | CANCELLED}

  COMPLETED: feed exhausted. Partial failure is still success at the job
             level - failed orders are counted and listed, not fatal.
  FAILED:    an unrecoverable error outside the per-order recovery
             (the feed itself errored).
  CANCELLED: cooperative cancel while pending/processing.

  A terminal status is written exactly once. Only one job per scope may
  be pending/processing at a time.
*/
package loyalty

import "time"

// =============================================================================
// JOB STATUS
// =============================================================================

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether a job in this status blocks new imports for
// its scope.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobProcessing
}

// MaxJobErrors bounds the stored error list. Counters keep counting past
// the bound; only the messages are capped.
const MaxJobErrors = 50

// =============================================================================
// MIGRATION JOB
// =============================================================================

type MigrationJob struct {
	ID               string
	Scope            Scope
	Status           JobStatus
	TotalRecords     int
	ProcessedRecords int
	FailedRecords    int
	Errors           []string
	Metadata         map[string]string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
}

// RecordError appends a bounded error message and bumps the failure
// counter.
func (j *MigrationJob) RecordError(msg string) {
	j.FailedRecords++
	if len(j.Errors) < MaxJobErrors {
		j.Errors = append(j.Errors, msg)
	}
}
