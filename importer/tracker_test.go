package importer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cambridgetcg/rewardspro-sub001/importer"
	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
)

func TestTracker_Begin_AfterCancelDoesNotStart(t *testing.T) {
	// GIVEN: A pending job cancelled before the run picks it up
	// WHEN: The run calls Begin
	// THEN: It reports not-started and the job stays cancelled

	store := newTestStore(t)
	tracker := importer.NewTracker(store)
	ctx := context.Background()

	job, err := tracker.Create(ctx, scope, nil)
	require.NoError(t, err)
	require.NoError(t, tracker.Cancel(ctx, job.ID))

	started, err := tracker.Begin(ctx, job)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, loyalty.JobCancelled, job.Status)
}

func TestTracker_Close_WritesTerminalStatusExactlyOnce(t *testing.T) {
	// A cancel racing completion: whichever terminal status lands first
	// wins, and Close never overwrites it.

	store := newTestStore(t)
	tracker := importer.NewTracker(store)
	ctx := context.Background()

	job, err := tracker.Create(ctx, scope, nil)
	require.NoError(t, err)
	started, err := tracker.Begin(ctx, job)
	require.NoError(t, err)
	require.True(t, started)

	require.NoError(t, tracker.Cancel(ctx, job.ID))
	require.NoError(t, tracker.Close(ctx, job, loyalty.JobCompleted))

	stored, err := tracker.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.JobCancelled, stored.Status)
	assert.Equal(t, loyalty.JobCancelled, job.Status, "local mirror adopts the stored status")
}

func TestTracker_Progress_AdoptsConcurrentCancel(t *testing.T) {
	store := newTestStore(t)
	tracker := importer.NewTracker(store)
	ctx := context.Background()

	job, err := tracker.Create(ctx, scope, nil)
	require.NoError(t, err)
	_, err = tracker.Begin(ctx, job)
	require.NoError(t, err)

	require.NoError(t, tracker.Cancel(ctx, job.ID))

	job.ProcessedRecords = 7
	require.NoError(t, tracker.Progress(ctx, job))
	assert.Equal(t, loyalty.JobCancelled, job.Status)

	stored, err := tracker.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.JobCancelled, stored.Status)
	assert.Equal(t, 7, stored.ProcessedRecords, "counters still persist under a cancel")
}

func TestTracker_Create_OnlyOneActiveJobPerScope(t *testing.T) {
	store := newTestStore(t)
	tracker := importer.NewTracker(store)
	ctx := context.Background()

	first, err := tracker.Create(ctx, scope, nil)
	require.NoError(t, err)

	_, err = tracker.Create(ctx, scope, nil)
	assert.ErrorIs(t, err, loyalty.ErrImportRunning)

	// Other scopes are unaffected.
	_, err = tracker.Create(ctx, loyalty.Scope("shop-2"), nil)
	require.NoError(t, err)

	// Once settled, the scope frees up.
	require.NoError(t, tracker.Cancel(ctx, first.ID))
	_, err = tracker.Create(ctx, scope, nil)
	require.NoError(t, err)
}
