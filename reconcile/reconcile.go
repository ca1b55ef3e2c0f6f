/*
Package reconcile aligns locally-held balances with the external
commerce platform.

PURPOSE:
  The ledger is the local source of truth, but the platform holds its
  own balance per customer (it settles redemptions at checkout). This
  package detects drift between the two and corrects the local side by
  appending an external_sync ledger entry of the difference.

POLICY:
  During an explicit sync the external balance is authoritative
  (last-writer-wins). A local adjustment made since the previous sync
  is superseded, not lost: the correcting entry sits in the ledger with
  the external reference, so the overwrite is always auditable.

CONCURRENCY:
  Reconcile for one customer rides the same per-customer serialization
  as every other ledger append. Bulk runs fan out over a bounded worker
  pool; per-customer failures are collected, never fatal to the batch.

SEE ALSO:
  - loyalty/ledger.go: the append path used for corrections
  - platform: the balance read
*/
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
	"github.com/cambridgetcg/rewardspro-sub001/platform"
)

const (
	// driftEpsilon is the largest local/external difference treated as
	// "in sync" (one cent).
	driftEpsilonCents = 1

	// staleAfter marks a customer as due for reconciliation.
	staleAfter = 24 * time.Hour

	bulkWorkers = 4

	// settingsKeyLastBulkSync is the shop metadata key stamped after a
	// bulk run.
	settingsKeyLastBulkSync = "balances_last_synced_at"
)

var driftEpsilon = decimal.New(driftEpsilonCents, -2)

// Delta reports the outcome of one reconciliation.
type Delta struct {
	CustomerID      string
	LocalBalance    decimal.Decimal
	ExternalBalance decimal.Decimal
	Amount          decimal.Decimal // external - local; zero when in sync
	Corrected       bool
	Entry           *loyalty.LedgerEntry
}

type Reconciler struct {
	store   loyalty.Store
	ledger  *loyalty.Ledger
	balance platform.BalanceAPI
	log     *logrus.Logger
}

func NewReconciler(store loyalty.Store, ledger *loyalty.Ledger, balance platform.BalanceAPI, log *logrus.Logger) *Reconciler {
	return &Reconciler{store: store, ledger: ledger, balance: balance, log: log}
}

// =============================================================================
// SINGLE CUSTOMER
// =============================================================================

// Reconcile fetches the external balance and, if it drifts from the
// local one by more than the epsilon, appends one external_sync entry
// bringing local in line. LastSyncedAt is stamped either way - a
// reconciliation that found no drift still ran. Safe to repeat.
func (r *Reconciler) Reconcile(ctx context.Context, customerID string) (*Delta, error) {
	customer, err := r.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, loyalty.ErrCustomerNotFound
	}

	external, err := r.balance.CustomerBalance(ctx, string(customer.Scope), customer.ExternalCustomerID)
	if err != nil {
		return nil, fmt.Errorf("fetch external balance: %w", err)
	}

	unlock := r.ledger.Lock(customerID)
	defer unlock()

	delta := &Delta{CustomerID: customerID, ExternalBalance: external}
	err = r.store.WithTx(ctx, func(s loyalty.Store) error {
		// Re-read under the lock: the balance may have moved since the
		// first fetch.
		current, err := s.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		delta.LocalBalance = current.StoreCredit
		delta.Amount = external.Sub(current.StoreCredit)

		now := time.Now().UTC()
		if delta.Amount.Abs().LessThanOrEqual(driftEpsilon) {
			delta.Amount = decimal.Zero
			return s.StampSyncedAt(ctx, customerID, now)
		}

		entry, err := r.ledger.AppendTx(ctx, s, loyalty.AppendInput{
			CustomerID:        customerID,
			Amount:            delta.Amount,
			Type:              loyalty.EntryExternalSync,
			Source:            loyalty.SourceSync,
			ExternalReference: customer.ExternalCustomerID,
			Description: fmt.Sprintf("external balance %s, local %s",
				external.StringFixed(2), current.StoreCredit.StringFixed(2)),
			ReconciledAt: &now,
		})
		if err != nil {
			return err
		}
		delta.Corrected = true
		delta.Entry = entry
		return s.StampSyncedAt(ctx, customerID, now)
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}

// =============================================================================
// BULK
// =============================================================================

// BulkResult summarizes one bulk reconciliation run.
type BulkResult struct {
	Total     int
	Corrected int
	InSync    int
	Failures  map[string]string // customer id -> reason
}

// BulkReconcile reconciles every customer in the scope, or only stale
// ones (never synced, or synced more than 24h ago). Customers are
// processed by a bounded worker pool; a failure for one customer never
// aborts the rest.
func (r *Reconciler) BulkReconcile(ctx context.Context, scope loyalty.Scope, staleOnly bool) (*BulkResult, error) {
	var (
		customers []loyalty.Customer
		err       error
	)
	if staleOnly {
		customers, err = r.store.ListStaleCustomers(ctx, scope, time.Now().UTC().Add(-staleAfter))
	} else {
		customers, err = r.store.ListCustomers(ctx, scope)
	}
	if err != nil {
		return nil, err
	}

	result := &BulkResult{Total: len(customers), Failures: map[string]string{}}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, bulkWorkers)
	)
	for i := range customers {
		customer := customers[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			delta, err := r.Reconcile(ctx, customer.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failures[customer.ID] = err.Error()
				r.log.WithError(err).WithField("customer", customer.ID).Warn("reconciliation failed")
			case delta.Corrected:
				result.Corrected++
				r.log.WithFields(logrus.Fields{
					"customer": customer.ID,
					"delta":    delta.Amount.StringFixed(2),
				}).Info("balance corrected from external platform")
			default:
				result.InSync++
			}
		}()
	}
	wg.Wait()

	// Stamp the run on the shop's metadata so the platform side can show
	// when balances were last aligned. Best effort: the reconciliation
	// itself already committed.
	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := r.balance.WriteSettings(ctx, string(scope), settingsKeyLastBulkSync, stamp); err != nil {
		r.log.WithError(err).WithField("scope", scope).Warn("failed to record bulk sync timestamp")
	}

	return result, nil
}
