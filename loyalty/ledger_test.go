package loyalty_test

import (
	"context"
	"sync"
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
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedCustomer(t *testing.T, store loyalty.Store, scope, externalID string) *loyalty.Customer {
	t.Helper()
	c := &loyalty.Customer{
		ID:                 uuid.NewString(),
		Scope:              loyalty.Scope(scope),
		ExternalCustomerID: externalID,
		Email:              externalID + "@example.com",
		StoreCredit:        decimal.Zero,
		TotalEarned:        decimal.Zero,
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, store.CreateCustomer(context.Background(), c))
	return c
}

func dec(s string) decimal.Decimal { return loyalty.MustDecimal(s) }

// =============================================================================
// LEDGER INVARIANT
// =============================================================================

func TestLedger_Append_MaintainsBalanceChain(t *testing.T) {
	// GIVEN: A customer with an empty ledger
	// WHEN: Several entries of mixed sign are appended
	// THEN: Every entry's balance is the previous balance plus its amount,
	//       and the cached balance matches the final entry

	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()
	customer := seedCustomer(t, store, "shop-1", "cust-1")

	amounts := []string{"10.00", "2.50", "-4.00", "7.25", "-1.75"}
	for i, a := range amounts {
		_, err := ledger.Append(ctx, loyalty.AppendInput{
			CustomerID: customer.ID,
			Amount:     dec(a),
			Type:       loyalty.EntryCashbackEarned,
			Source:     loyalty.SourceImport,
		})
		require.NoError(t, err, "append %d", i)
	}

	entries, err := store.LedgerEntries(ctx, customer.ID)
	require.NoError(t, err)
	require.Len(t, entries, len(amounts))

	running := decimal.Zero
	for i, e := range entries {
		running = running.Add(e.Amount)
		assert.True(t, e.Balance.Equal(running), "entry %d balance = %s, want %s", i, e.Balance, running)
	}

	reloaded, err := store.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.StoreCredit.Equal(dec("14.00")), "cached balance = %s", reloaded.StoreCredit)

	assert.NoError(t, ledger.Verify(ctx, customer.ID))
}

func TestLedger_Append_RejectsOverdraft(t *testing.T) {
	// GIVEN: A customer with balance 5.00
	// WHEN: A manual debit of 10.00 is appended
	// THEN: The append is rejected and no entry is written

	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()
	customer := seedCustomer(t, store, "shop-1", "cust-1")

	_, err := ledger.Append(ctx, loyalty.AppendInput{
		CustomerID: customer.ID,
		Amount:     dec("5.00"),
		Type:       loyalty.EntryCashbackEarned,
		Source:     loyalty.SourceImport,
	})
	require.NoError(t, err)

	_, err = ledger.Append(ctx, loyalty.AppendInput{
		CustomerID: customer.ID,
		Amount:     dec("-10.00"),
		Type:       loyalty.EntryManualAdjustment,
		Source:     loyalty.SourceAdmin,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, loyalty.ErrInsufficientBalance)

	var balErr *loyalty.InsufficientBalanceError
	require.ErrorAs(t, err, &balErr)
	assert.True(t, balErr.Available.Equal(dec("5.00")))

	entries, err := store.LedgerEntries(ctx, customer.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected append must leave no entry")
}

func TestLedger_Append_ExternalSyncMayOverdraw(t *testing.T) {
	// External reconciliation follows the platform even into the red:
	// the platform settled a redemption we have not seen yet.

	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()
	customer := seedCustomer(t, store, "shop-1", "cust-1")

	_, err := ledger.Append(ctx, loyalty.AppendInput{
		CustomerID: customer.ID,
		Amount:     dec("-3.00"),
		Type:       loyalty.EntryExternalSync,
		Source:     loyalty.SourceSync,
	})
	require.NoError(t, err)

	reloaded, err := store.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.StoreCredit.Equal(dec("-3.00")))
}

func TestLedger_Append_TracksTotalEarned(t *testing.T) {
	// Only earning entry types grow TotalEarned; debits never shrink it.

	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()
	customer := seedCustomer(t, store, "shop-1", "cust-1")

	for _, in := range []loyalty.AppendInput{
		{CustomerID: customer.ID, Amount: dec("10.00"), Type: loyalty.EntryCashbackEarned, Source: loyalty.SourceImport},
		{CustomerID: customer.ID, Amount: dec("5.00"), Type: loyalty.EntryInitialImport, Source: loyalty.SourceImport},
		{CustomerID: customer.ID, Amount: dec("2.00"), Type: loyalty.EntryManualAdjustment, Source: loyalty.SourceAdmin},
		{CustomerID: customer.ID, Amount: dec("-6.00"), Type: loyalty.EntryManualAdjustment, Source: loyalty.SourceAdmin},
	} {
		_, err := ledger.Append(ctx, in)
		require.NoError(t, err)
	}

	reloaded, err := store.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.StoreCredit.Equal(dec("11.00")))
	assert.True(t, reloaded.TotalEarned.Equal(dec("15.00")), "total earned = %s", reloaded.TotalEarned)
}

// =============================================================================
// MANUAL ADJUSTMENT BOUNDS
// =============================================================================

func TestLedger_ManualAdjust_RejectsAboveCap(t *testing.T) {
	// GIVEN: A cap of 15000
	// WHEN: A credit of 20000 is requested
	// THEN: Rejected, no ledger entry created

	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()
	customer := seedCustomer(t, store, "shop-1", "cust-1")

	_, err := ledger.ManualAdjust(ctx, customer.ID, dec("20000"), loyalty.AdjustCredit, dec("15000"))
	require.Error(t, err)
	assert.ErrorIs(t, err, loyalty.ErrAdjustmentCapExceeded)

	entries, qerr := store.LedgerEntries(ctx, customer.ID)
	require.NoError(t, qerr)
	assert.Empty(t, entries)
}

func TestLedger_ManualAdjust_RejectsDebitPastBalance(t *testing.T) {
	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()
	customer := seedCustomer(t, store, "shop-1", "cust-1")

	_, err := ledger.ManualAdjust(ctx, customer.ID, dec("100"), loyalty.AdjustCredit, dec("15000"))
	require.NoError(t, err)

	_, err = ledger.ManualAdjust(ctx, customer.ID, dec("150"), loyalty.AdjustDebit, dec("15000"))
	require.Error(t, err)
	assert.ErrorIs(t, err, loyalty.ErrInsufficientBalance)

	entries, qerr := store.LedgerEntries(ctx, customer.ID)
	require.NoError(t, qerr)
	assert.Len(t, entries, 1, "failed debit must not write an entry")
}

func TestLedger_ManualAdjust_CreditAndDebit(t *testing.T) {
	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()
	customer := seedCustomer(t, store, "shop-1", "cust-1")

	entry, err := ledger.ManualAdjust(ctx, customer.ID, dec("50.00"), loyalty.AdjustCredit, dec("15000"))
	require.NoError(t, err)
	assert.Equal(t, loyalty.EntryManualAdjustment, entry.Type)
	assert.True(t, entry.Balance.Equal(dec("50.00")))

	entry, err = ledger.ManualAdjust(ctx, customer.ID, dec("20.00"), loyalty.AdjustDebit, dec("15000"))
	require.NoError(t, err)
	assert.True(t, entry.Amount.Equal(dec("-20.00")))
	assert.True(t, entry.Balance.Equal(dec("30.00")))
}

// =============================================================================
// CONCURRENCY - different customers proceed independently
// =============================================================================

func TestLedger_ConcurrentAppends_PerCustomerChainsHold(t *testing.T) {
	store := newTestStore(t)
	ledger := loyalty.NewLedger(store)
	ctx := context.Background()

	customers := []*loyalty.Customer{
		seedCustomer(t, store, "shop-1", "cust-a"),
		seedCustomer(t, store, "shop-1", "cust-b"),
		seedCustomer(t, store, "shop-1", "cust-c"),
	}

	const perCustomer = 10
	var wg sync.WaitGroup
	for _, c := range customers {
		for i := 0; i < perCustomer; i++ {
			wg.Add(1)
			go func(customerID string) {
				defer wg.Done()
				_, err := ledger.Append(ctx, loyalty.AppendInput{
					CustomerID: customerID,
					Amount:     dec("1.00"),
					Type:       loyalty.EntryCashbackEarned,
					Source:     loyalty.SourceImport,
				})
				assert.NoError(t, err)
			}(c.ID)
		}
	}
	wg.Wait()

	for _, c := range customers {
		require.NoError(t, ledger.Verify(ctx, c.ID), "customer %s", c.ExternalCustomerID)
		reloaded, err := store.GetCustomer(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, reloaded.StoreCredit.Equal(dec("10.00")))
	}
}
