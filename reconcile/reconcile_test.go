package reconcile_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
	"github.com/cambridgetcg/rewardspro-sub001/reconcile"
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
		StoreCredit:        decimal.Zero,
		TotalEarned:        decimal.Zero,
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, store.CreateCustomer(context.Background(), c))
	return c
}

func credit(t *testing.T, ledger *loyalty.Ledger, customerID, amount string) {
	t.Helper()
	_, err := ledger.Append(context.Background(), loyalty.AppendInput{
		CustomerID: customerID,
		Amount:     dec(amount),
		Type:       loyalty.EntryCashbackEarned,
		Source:     loyalty.SourceImport,
	})
	require.NoError(t, err)
}

// fakeBalanceAPI serves canned external balances keyed by external
// customer id and records settings writes.
type fakeBalanceAPI struct {
	balances    map[string]decimal.Decimal
	err         error
	settingsErr error

	mu       sync.Mutex
	settings []settingsWrite
}

type settingsWrite struct {
	scope, key, value string
}

func (f *fakeBalanceAPI) CustomerBalance(_ context.Context, _, externalID string) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.balances[externalID], nil
}

func (f *fakeBalanceAPI) Credit(context.Context, string, string, decimal.Decimal) error {
	return nil
}

func (f *fakeBalanceAPI) Debit(context.Context, string, string, decimal.Decimal) error {
	return nil
}

func (f *fakeBalanceAPI) WriteSettings(_ context.Context, scope, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = append(f.settings, settingsWrite{scope, key, value})
	return f.settingsErr
}

func newReconciler(store loyalty.Store, ledger *loyalty.Ledger, balance *fakeBalanceAPI) *reconcile.Reconciler {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return reconcile.NewReconciler(store, ledger, balance, log)
}

// =============================================================================
// SINGLE CUSTOMER
// =============================================================================

func TestReconciler_Reconcile_CorrectsDrift(t *testing.T) {
	// GIVEN: A local balance of 50 while the platform reports 42
	// WHEN: The customer is reconciled
	// THEN: One external_sync entry of -8 brings local to 42 and the
	//       customer is stamped as synced

	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()
	customer := seedCustomer(t, store, "ext-1")
	credit(t, ledger, customer.ID, "50.00")

	r := newReconciler(store, ledger, &fakeBalanceAPI{
		balances: map[string]decimal.Decimal{"ext-1": dec("42.00")},
	})

	delta, err := r.Reconcile(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, delta.Corrected)
	assert.True(t, delta.Amount.Equal(dec("-8.00")))
	assert.True(t, delta.LocalBalance.Equal(dec("50.00")))
	assert.True(t, delta.ExternalBalance.Equal(dec("42.00")))
	require.NotNil(t, delta.Entry)
	assert.Equal(t, loyalty.EntryExternalSync, delta.Entry.Type)

	reloaded, err := store.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.StoreCredit.Equal(dec("42.00")))
	require.NotNil(t, reloaded.LastSyncedAt)

	entries, err := store.LedgerEntries(ctx, customer.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	last := entries[1]
	assert.True(t, last.Amount.Equal(dec("-8.00")))
	assert.NotNil(t, last.ReconciledAt)

	assert.NoError(t, ledger.Verify(ctx, customer.ID))
}

func TestReconciler_Reconcile_InSyncOnlyStampsTimestamp(t *testing.T) {
	// Drift within one cent is noise, not a correction - but the run
	// still counts as a reconciliation.

	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()
	customer := seedCustomer(t, store, "ext-1")
	credit(t, ledger, customer.ID, "50.00")

	r := newReconciler(store, ledger, &fakeBalanceAPI{
		balances: map[string]decimal.Decimal{"ext-1": dec("50.01")},
	})

	delta, err := r.Reconcile(ctx, customer.ID)
	require.NoError(t, err)
	assert.False(t, delta.Corrected)
	assert.True(t, delta.Amount.IsZero())

	entries, err := store.LedgerEntries(ctx, customer.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no correcting entry for in-sync balances")

	reloaded, err := store.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	assert.NotNil(t, reloaded.LastSyncedAt)
}

func TestReconciler_Reconcile_IsIdempotent(t *testing.T) {
	// Running twice against the same external balance corrects once.

	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()
	customer := seedCustomer(t, store, "ext-1")
	credit(t, ledger, customer.ID, "50.00")

	r := newReconciler(store, ledger, &fakeBalanceAPI{
		balances: map[string]decimal.Decimal{"ext-1": dec("42.00")},
	})

	_, err := r.Reconcile(ctx, customer.ID)
	require.NoError(t, err)

	delta, err := r.Reconcile(ctx, customer.ID)
	require.NoError(t, err)
	assert.False(t, delta.Corrected)

	entries, err := store.LedgerEntries(ctx, customer.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReconciler_Reconcile_MayTakeBalanceNegative(t *testing.T) {
	// The platform settled a redemption we never saw: following it can
	// overdraw the local balance, and that is allowed for sync entries.

	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()
	customer := seedCustomer(t, store, "ext-1")
	credit(t, ledger, customer.ID, "10.00")

	r := newReconciler(store, ledger, &fakeBalanceAPI{
		balances: map[string]decimal.Decimal{"ext-1": dec("-5.00")},
	})

	delta, err := r.Reconcile(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, delta.Corrected)

	reloaded, err := store.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.StoreCredit.Equal(dec("-5.00")))
}

func TestReconciler_Reconcile_UnknownCustomer(t *testing.T) {
	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	r := newReconciler(store, ledger, &fakeBalanceAPI{})

	_, err := r.Reconcile(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)
}

// =============================================================================
// BULK
// =============================================================================

func TestReconciler_BulkReconcile_CollectsPerCustomerOutcomes(t *testing.T) {
	// GIVEN: One drifted customer, one in-sync customer
	// WHEN: The whole scope is reconciled
	// THEN: One correction, one in-sync, no failures

	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()

	drifted := seedCustomer(t, store, "ext-1")
	credit(t, ledger, drifted.ID, "100.00")
	clean := seedCustomer(t, store, "ext-2")
	credit(t, ledger, clean.ID, "30.00")

	r := newReconciler(store, ledger, &fakeBalanceAPI{balances: map[string]decimal.Decimal{
		"ext-1": dec("80.00"),
		"ext-2": dec("30.00"),
	}})

	result, err := r.BulkReconcile(ctx, "shop-1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Corrected)
	assert.Equal(t, 1, result.InSync)
	assert.Empty(t, result.Failures)

	reloaded, err := store.GetCustomer(ctx, drifted.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.StoreCredit.Equal(dec("80.00")))
}

func TestReconciler_BulkReconcile_StampsShopSettings(t *testing.T) {
	// GIVEN: A scope with one in-sync customer
	// WHEN: A bulk run completes
	// THEN: The shop's metadata carries the sync timestamp, and a failed
	//       settings write does not fail the run

	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()

	customer := seedCustomer(t, store, "ext-1")
	credit(t, ledger, customer.ID, "30.00")

	balance := &fakeBalanceAPI{balances: map[string]decimal.Decimal{"ext-1": dec("30.00")}}
	r := newReconciler(store, ledger, balance)

	_, err := r.BulkReconcile(ctx, "shop-1", false)
	require.NoError(t, err)
	require.Len(t, balance.settings, 1)
	assert.Equal(t, "shop-1", balance.settings[0].scope)
	assert.Equal(t, "balances_last_synced_at", balance.settings[0].key)
	_, err = time.Parse(time.RFC3339, balance.settings[0].value)
	assert.NoError(t, err)

	balance.settingsErr = errors.New("metafield quota exceeded")
	result, err := r.BulkReconcile(ctx, "shop-1", false)
	require.NoError(t, err)
	assert.Empty(t, result.Failures)
}

func TestReconciler_BulkReconcile_FailureDoesNotAbortBatch(t *testing.T) {
	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	seedCustomer(t, store, "ext-1")
	seedCustomer(t, store, "ext-2")

	r := newReconciler(store, ledger, &fakeBalanceAPI{err: errors.New("platform down")})

	result, err := r.BulkReconcile(context.Background(), "shop-1", false)
	require.NoError(t, err, "batch errors live in Failures, not the return")
	assert.Equal(t, 2, result.Total)
	assert.Len(t, result.Failures, 2)
}

func TestReconciler_BulkReconcile_StaleOnlySkipsFreshCustomers(t *testing.T) {
	// A customer reconciled moments ago is not due again.

	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()

	fresh := seedCustomer(t, store, "ext-fresh")
	require.NoError(t, store.StampSyncedAt(ctx, fresh.ID, time.Now().UTC()))
	stale := seedCustomer(t, store, "ext-stale")
	credit(t, ledger, stale.ID, "20.00")

	r := newReconciler(store, ledger, &fakeBalanceAPI{balances: map[string]decimal.Decimal{
		"ext-fresh": dec("999.00"), // would correct if visited
		"ext-stale": dec("20.00"),
	}})

	result, err := r.BulkReconcile(ctx, "shop-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 0, result.Corrected)

	reloaded, err := store.GetCustomer(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.StoreCredit.IsZero(), "fresh customer untouched")
}
