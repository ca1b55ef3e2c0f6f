/*
ledger.go - The only write path for store credit

PURPOSE:
  Ledger.Append is the single place a customer's balance changes. It
  reads the current cached balance, computes the new one, writes the
  immutable ledger entry with that balance snapshot, and updates the
  cached projection - all inside one store transaction.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. PROJECTION: Customer.StoreCredit is written here and nowhere else
  3. SERIALIZED: appends for the same customer never interleave; two
     appends can never both commit from the same stale balance read
  4. NO OVERDRAFT: entry types other than external_sync reject a
     negative resulting balance

CONCURRENCY:
  A striped mutex keyed by customer id serializes same-customer appends
  while leaving different customers fully independent. The store
  transaction provides atomicity; the stripe provides the ordering.

CORRECTIONS:
  Mistakes are fixed by appending an offsetting entry (the reconciler's
  external_sync delta is exactly that), never by editing history.

SEE ALSO:
  - store.go: the contracts composed here
  - reconcile: external_sync entries
*/
package loyalty

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ledgerStripes is the size of the per-customer lock table. Collisions
// only cost unnecessary serialization, never correctness.
const ledgerStripes = 64

// Ledger owns all balance mutation.
type Ledger struct {
	store Store
	locks [ledgerStripes]sync.Mutex
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Lock serializes same-customer ledger work. Callers composing an
// append with other writes (the import orchestrator's per-order
// transaction) take the lock around their WithTx and use AppendTx
// inside it.
func (l *Ledger) Lock(customerID string) func() {
	h := fnv.New32a()
	h.Write([]byte(customerID))
	mu := &l.locks[h.Sum32()%ledgerStripes]
	mu.Lock()
	return mu.Unlock
}

// =============================================================================
// APPEND
// =============================================================================

// AppendInput describes one balance-affecting event.
type AppendInput struct {
	CustomerID        string
	Amount            decimal.Decimal // signed delta
	Type              EntryType
	Source            EntrySource
	ExternalReference string
	Description       string
	ReconciledAt      *time.Time
}

// Append records one entry and updates the cached balance atomically.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (*LedgerEntry, error) {
	unlock := l.Lock(in.CustomerID)
	defer unlock()

	var entry *LedgerEntry
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		entry, err = l.AppendTx(ctx, s, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// AppendTx is Append's body, for callers already inside a store
// transaction. The caller must hold Lock(in.CustomerID).
func (l *Ledger) AppendTx(ctx context.Context, s Store, in AppendInput) (*LedgerEntry, error) {
	customer, err := s.GetCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, ErrCustomerNotFound
	}

	newBalance := customer.StoreCredit.Add(in.Amount)
	if newBalance.IsNegative() && !in.Type.allowsOverdraft() {
		return nil, &InsufficientBalanceError{
			CustomerID: in.CustomerID,
			Available:  customer.StoreCredit,
			Requested:  in.Amount.Neg(),
		}
	}

	entry := &LedgerEntry{
		ID:                uuid.NewString(),
		CustomerID:        in.CustomerID,
		Amount:            in.Amount,
		Balance:           newBalance,
		Type:              in.Type,
		Source:            in.Source,
		ExternalReference: in.ExternalReference,
		Description:       in.Description,
		ReconciledAt:      in.ReconciledAt,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}

	totalEarned := customer.TotalEarned
	if in.Amount.IsPositive() && (in.Type == EntryCashbackEarned || in.Type == EntryInitialImport) {
		totalEarned = totalEarned.Add(in.Amount)
	}
	if err := s.UpdateCustomerBalance(ctx, customer.ID, newBalance, totalEarned); err != nil {
		return nil, err
	}
	return entry, nil
}

// =============================================================================
// MANUAL ADJUSTMENT
// =============================================================================

type AdjustDirection string

const (
	AdjustCredit AdjustDirection = "credit"
	AdjustDebit  AdjustDirection = "debit"
)

// ManualAdjust applies an admin credit or debit. Preconditions are
// checked before any write: a credit above cap or a debit past the
// current balance is rejected with no ledger entry created.
func (l *Ledger) ManualAdjust(ctx context.Context, customerID string, amount decimal.Decimal, direction AdjustDirection, cap decimal.Decimal) (*LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("adjustment amount must be positive, got %s", amount)
	}
	if direction == AdjustCredit && amount.GreaterThan(cap) {
		return nil, &AdjustmentCapError{Requested: amount, Cap: cap}
	}

	delta := amount
	if direction == AdjustDebit {
		delta = amount.Neg()
	}
	return l.Append(ctx, AppendInput{
		CustomerID:  customerID,
		Amount:      delta,
		Type:        EntryManualAdjustment,
		Source:      SourceAdmin,
		Description: fmt.Sprintf("manual %s of %s", direction, amount.StringFixed(2)),
	})
}

// =============================================================================
// VERIFICATION - Replay the ledger against the cached projection
// =============================================================================

// Verify replays a customer's entries in creation order and checks the
// chain: each Balance must equal the prior Balance plus Amount, and the
// final Balance must equal the cached StoreCredit. A mismatch is a bug
// and is reported loudly, never corrected here.
func (l *Ledger) Verify(ctx context.Context, customerID string) error {
	customer, err := l.store.GetCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	if customer == nil {
		return ErrCustomerNotFound
	}
	entries, err := l.store.LedgerEntries(ctx, customerID)
	if err != nil {
		return err
	}

	running := decimal.Zero
	for i := range entries {
		running = running.Add(entries[i].Amount)
		if !entries[i].Balance.Equal(running) {
			return &BalanceMismatchError{
				CustomerID: customerID,
				EntryID:    entries[i].ID,
				Expected:   running,
				Actual:     entries[i].Balance,
			}
		}
	}
	if !customer.StoreCredit.Equal(running) {
		return &BalanceMismatchError{
			CustomerID: customerID,
			Expected:   running,
			Actual:     customer.StoreCredit,
		}
	}
	return nil
}
