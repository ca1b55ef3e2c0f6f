/*
tracker.go - Migration job lifecycle tracker

PURPOSE:
  Mediates every status transition of a MigrationJob so the lifecycle
  rules hold no matter how the orchestrator and a concurrent cancel
  request interleave:

  - only one pending/processing job per scope (new imports rejected)
  - progress writes never overwrite an externally-requested cancel
  - a terminal status is written exactly once

  Each transition re-reads the row inside a store transaction; the
  orchestrator's in-memory job is a mirror that gets reconciled with
  whatever the row says.
*/
package importer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
)

type Tracker struct {
	store loyalty.Store
}

func NewTracker(store loyalty.Store) *Tracker {
	return &Tracker{store: store}
}

// Create registers a new pending job, rejecting (not queueing) when the
// scope already has an active one.
func (t *Tracker) Create(ctx context.Context, scope loyalty.Scope, metadata map[string]string) (*loyalty.MigrationJob, error) {
	job := &loyalty.MigrationJob{
		ID:        uuid.NewString(),
		Scope:     scope,
		Status:    loyalty.JobPending,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	err := t.store.WithTx(ctx, func(s loyalty.Store) error {
		active, err := s.ActiveJob(ctx, scope)
		if err != nil {
			return err
		}
		if active != nil {
			return loyalty.ErrImportRunning
		}
		return s.CreateJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Begin flips a pending job to processing. Returns false when the job
// was cancelled before the first page fetch.
func (t *Tracker) Begin(ctx context.Context, job *loyalty.MigrationJob) (bool, error) {
	started := false
	err := t.store.WithTx(ctx, func(s loyalty.Store) error {
		current, err := s.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if current.Status != loyalty.JobPending {
			*job = *current
			return nil
		}
		now := time.Now().UTC()
		job.Status = loyalty.JobProcessing
		job.StartedAt = &now
		started = true
		return s.UpdateJob(ctx, job)
	})
	return started, err
}

// Progress persists counters and the bounded error list. The stored
// status wins: if a cancel landed since the last write, the job's local
// mirror picks it up here and the orchestrator stops at the next check.
func (t *Tracker) Progress(ctx context.Context, job *loyalty.MigrationJob) error {
	return t.store.WithTx(ctx, func(s loyalty.Store) error {
		current, err := s.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		job.Status = current.Status
		if current.CompletedAt != nil {
			job.CompletedAt = current.CompletedAt
		}
		return s.UpdateJob(ctx, job)
	})
}

// Close writes a terminal status exactly once. A job that already
// reached a terminal state (a cancel racing completion) is left as-is.
func (t *Tracker) Close(ctx context.Context, job *loyalty.MigrationJob, status loyalty.JobStatus) error {
	return t.store.WithTx(ctx, func(s loyalty.Store) error {
		current, err := s.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			job.Status = current.Status
			job.CompletedAt = current.CompletedAt
			return nil
		}
		now := time.Now().UTC()
		job.Status = status
		job.CompletedAt = &now
		return s.UpdateJob(ctx, job)
	})
}

// Cancel flips a pending/processing job to cancelled. The orchestrator
// notices between pages; any order transaction already in flight
// completes normally.
func (t *Tracker) Cancel(ctx context.Context, jobID string) error {
	return t.store.WithTx(ctx, func(s loyalty.Store) error {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.Status.Active() {
			return loyalty.ErrJobNotCancellable
		}
		now := time.Now().UTC()
		job.Status = loyalty.JobCancelled
		job.CompletedAt = &now
		return s.UpdateJob(ctx, job)
	})
}

// Get returns the current job row for polling.
func (t *Tracker) Get(ctx context.Context, jobID string) (*loyalty.MigrationJob, error) {
	return t.store.GetJob(ctx, jobID)
}
