package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
	"github.com/cambridgetcg/rewardspro-sub001/store/sqlite"
)

// =============================================================================
// FIXTURES
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal { return loyalty.MustDecimal(s) }

func seedCustomer(t *testing.T, store loyalty.Store, externalID string) *loyalty.Customer {
	t.Helper()
	c := &loyalty.Customer{
		ID:                 uuid.NewString(),
		Scope:              "shop-1",
		ExternalCustomerID: externalID,
		Email:              externalID + "@example.com",
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, store.CreateCustomer(context.Background(), c))
	return c
}

func transaction(customer *loyalty.Customer, orderID, amount string, at time.Time) *loyalty.CashbackTransaction {
	return &loyalty.CashbackTransaction{
		ID:              uuid.NewString(),
		Scope:           customer.Scope,
		ExternalOrderID: orderID,
		CustomerID:      customer.ID,
		OrderAmount:     dec(amount),
		CashbackAmount:  dec("0"),
		CashbackPercent: dec("0"),
		Currency:        "USD",
		Status:          loyalty.TxCompleted,
		CreatedAt:       at,
	}
}

// =============================================================================
// UNIQUENESS CONSTRAINTS - the invariants live in the schema
// =============================================================================

func TestCreateTransaction_DuplicateOrderRejected(t *testing.T) {
	// (scope, external order id) is the idempotency boundary.

	store := newTestStore(t)
	ctx := context.Background()
	customer := seedCustomer(t, store, "ext-1")
	now := time.Now().UTC()

	require.NoError(t, store.CreateTransaction(ctx, transaction(customer, "order-1", "10.00", now)))

	err := store.CreateTransaction(ctx, transaction(customer, "order-1", "10.00", now))
	assert.ErrorIs(t, err, loyalty.ErrDuplicateTransaction)

	// The same order id under another scope is a different order.
	other := &loyalty.Customer{
		ID:                 uuid.NewString(),
		Scope:              "shop-2",
		ExternalCustomerID: "ext-1",
		CreatedAt:          now,
	}
	require.NoError(t, store.CreateCustomer(ctx, other))
	assert.NoError(t, store.CreateTransaction(ctx, transaction(other, "order-1", "10.00", now)))
}

func TestCreateTier_SecondActiveBaseRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := &loyalty.Tier{
		ID:              uuid.NewString(),
		Scope:           "shop-1",
		Name:            "Bronze",
		CashbackPercent: dec("3"),
		Period:          loyalty.PeriodLifetime,
		IsActive:        true,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.CreateTier(ctx, base))

	second := *base
	second.ID = uuid.NewString()
	second.Name = "AlsoBase"
	assert.ErrorIs(t, store.CreateTier(ctx, &second), loyalty.ErrDuplicateBaseTier)

	// Deactivating the first frees the slot.
	require.NoError(t, store.DeactivateTier(ctx, base.ID))
	assert.NoError(t, store.CreateTier(ctx, &second))
}

func TestCreateJob_SecondActivePerScopeRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &loyalty.MigrationJob{
		ID:        uuid.NewString(),
		Scope:     "shop-1",
		Status:    loyalty.JobProcessing,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateJob(ctx, job))

	dup := &loyalty.MigrationJob{
		ID:        uuid.NewString(),
		Scope:     "shop-1",
		Status:    loyalty.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	assert.ErrorIs(t, store.CreateJob(ctx, dup), loyalty.ErrImportRunning)

	// A settled job does not block the scope.
	now := time.Now().UTC()
	job.Status = loyalty.JobCompleted
	job.CompletedAt = &now
	require.NoError(t, store.UpdateJob(ctx, job))
	assert.NoError(t, store.CreateJob(ctx, dup))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(s loyalty.Store) error {
		seedCustomer(t, s, "ext-1")
		return boom
	})
	require.ErrorIs(t, err, boom)

	customer, err := store.GetCustomerByExternalID(ctx, "shop-1", "ext-1")
	require.NoError(t, err)
	assert.Nil(t, customer, "rolled-back insert must not be visible")
}

func TestWithTx_NestedCallsShareTheTransaction(t *testing.T) {
	// Domain code composes transactional helpers; a WithTx inside a
	// WithTx joins the outer transaction instead of deadlocking.

	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(outer loyalty.Store) error {
		customer := seedCustomer(t, outer, "ext-1")
		return outer.WithTx(ctx, func(inner loyalty.Store) error {
			got, err := inner.GetCustomer(ctx, customer.ID)
			if err != nil {
				return err
			}
			assert.NotNil(t, got, "inner view sees outer writes")
			return nil
		})
	})
	require.NoError(t, err)
}

// =============================================================================
// ROUND TRIPS & QUERIES
// =============================================================================

func TestGetCustomer_MissingIsNilNotError(t *testing.T) {
	store := newTestStore(t)

	customer, err := store.GetCustomer(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, customer)
}

func TestUpdateCustomerBalance_MissingCustomer(t *testing.T) {
	err := newTestStore(t).UpdateCustomerBalance(context.Background(), uuid.NewString(), dec("1"), dec("1"))
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)
}

func TestGetJob_MissingIsNotFound(t *testing.T) {
	_, err := newTestStore(t).GetJob(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, loyalty.ErrJobNotFound)
}

func TestJob_RoundTripsErrorsAndMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Second)

	job := &loyalty.MigrationJob{
		ID:               uuid.NewString(),
		Scope:            "shop-1",
		Status:           loyalty.JobProcessing,
		TotalRecords:     10,
		ProcessedRecords: 9,
		FailedRecords:    1,
		Errors:           []string{"order x: missing id"},
		Metadata:         map[string]string{"mode": "new"},
		StartedAt:        &started,
		CreatedAt:        started,
	}
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, got.ProcessedRecords)
	assert.Equal(t, []string{"order x: missing id"}, got.Errors)
	assert.Equal(t, "new", got.Metadata["mode"])
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
}

func TestSpendQueries_SumCompletedOnly(t *testing.T) {
	// Failed transactions never count toward tier-qualifying spend.

	store := newTestStore(t)
	ctx := context.Background()
	customer := seedCustomer(t, store, "ext-1")
	now := time.Now().UTC()

	require.NoError(t, store.CreateTransaction(ctx, transaction(customer, "order-1", "100.00", now.AddDate(0, 0, -400))))
	require.NoError(t, store.CreateTransaction(ctx, transaction(customer, "order-2", "50.00", now)))
	failed := transaction(customer, "order-3", "25.00", now)
	failed.Status = loyalty.TxFailed
	require.NoError(t, store.CreateTransaction(ctx, failed))

	lifetime, err := store.LifetimeSpend(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, lifetime.Equal(dec("150.00")), "lifetime = %s", lifetime)

	recent, err := store.SpendSince(ctx, customer.ID, now.AddDate(0, 0, -365))
	require.NoError(t, err)
	assert.True(t, recent.Equal(dec("50.00")), "recent = %s", recent)

	count, last, err := store.OrderStats(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.NotNil(t, last)
	assert.WithinDuration(t, now, *last, time.Second)
}

func TestListStaleCustomers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	never := seedCustomer(t, store, "ext-never")
	old := seedCustomer(t, store, "ext-old")
	require.NoError(t, store.StampSyncedAt(ctx, old.ID, time.Now().UTC().Add(-48*time.Hour)))
	fresh := seedCustomer(t, store, "ext-fresh")
	require.NoError(t, store.StampSyncedAt(ctx, fresh.ID, time.Now().UTC()))

	stale, err := store.ListStaleCustomers(ctx, "shop-1", time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 2)

	ids := map[string]bool{stale[0].ID: true, stale[1].ID: true}
	assert.True(t, ids[never.ID])
	assert.True(t, ids[old.ID])
}

func TestListActiveTiers_BaseFirstThenAscending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mins := map[string]*decimal.Decimal{"Gold": ptr(dec("5000")), "Silver": ptr(dec("1000")), "Bronze": nil}
	for name, min := range mins {
		require.NoError(t, store.CreateTier(ctx, &loyalty.Tier{
			ID:              uuid.NewString(),
			Scope:           "shop-1",
			Name:            name,
			CashbackPercent: dec("3"),
			MinSpend:        min,
			Period:          loyalty.PeriodLifetime,
			IsActive:        true,
			CreatedAt:       time.Now().UTC(),
		}))
	}

	tiers, err := store.ListActiveTiers(ctx, "shop-1")
	require.NoError(t, err)
	require.Len(t, tiers, 3)
	assert.Equal(t, "Bronze", tiers[0].Name)
	assert.Equal(t, "Silver", tiers[1].Name)
	assert.Equal(t, "Gold", tiers[2].Name)
}

func TestLedgerEntries_SubsecondOrderWithinSameSecond(t *testing.T) {
	// Timestamps are stored as text, so a short fraction must not sort
	// after a longer fraction of the same second. Fixed-width formatting
	// keeps the column lexicographically chronological.

	store := newTestStore(t)
	ctx := context.Background()
	customer := seedCustomer(t, store, "ext-1")

	second := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	earlier := &loyalty.LedgerEntry{
		ID:         uuid.NewString(),
		CustomerID: customer.ID,
		Amount:     dec("10.00"),
		Balance:    dec("10.00"),
		Type:       loyalty.EntryCashbackEarned,
		Source:     loyalty.SourceImport,
		CreatedAt:  second.Add(123450000 * time.Nanosecond),
	}
	later := &loyalty.LedgerEntry{
		ID:         uuid.NewString(),
		CustomerID: customer.ID,
		Amount:     dec("5.00"),
		Balance:    dec("15.00"),
		Type:       loyalty.EntryCashbackEarned,
		Source:     loyalty.SourceImport,
		CreatedAt:  second.Add(123456789 * time.Nanosecond),
	}
	require.NoError(t, store.AppendEntry(ctx, earlier))
	require.NoError(t, store.AppendEntry(ctx, later))

	entries, err := store.LedgerEntries(ctx, customer.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, earlier.ID, entries[0].ID)
	assert.Equal(t, later.ID, entries[1].ID)
	assert.True(t, entries[0].CreatedAt.Before(entries[1].CreatedAt))
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
