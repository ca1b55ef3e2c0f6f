/*
store.go - Persistence contracts for the loyalty engine

PURPOSE:
  Defines the interface between domain logic and the database. The
  sqlite package implements all of these on one Store type; tests use
  the same implementation with an in-memory database.

APPEND-ONLY CONTRACT:
  The ledger surface has AppendEntry and reads. No update, no delete.
  Corrections are made by appending offsetting entries.

ATOMICITY:
  WithTx executes a function against a Store view whose writes all
  commit or all roll back. Every multi-table invariant in this system
  (ledger append + cached balance, membership switch + change log,
  per-order import work) runs inside WithTx.

SEE ALSO:
  - store/sqlite: the concrete implementation
  - ledger.go, evaluator.go: the callers that compose these contracts
*/
package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

type CustomerStore interface {
	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	GetCustomerByExternalID(ctx context.Context, scope Scope, externalID string) (*Customer, error)
	ListCustomers(ctx context.Context, scope Scope) ([]Customer, error)

	// ListStaleCustomers returns customers never reconciled or last
	// reconciled before the cutoff.
	ListStaleCustomers(ctx context.Context, scope Scope, before time.Time) ([]Customer, error)

	// UpdateCustomerBalance writes the cached projection. Called only by
	// Ledger.Append inside the same transaction as the entry insert -
	// nothing else may touch StoreCredit.
	UpdateCustomerBalance(ctx context.Context, id string, balance, totalEarned decimal.Decimal) error

	// StampSyncedAt records when the customer was last reconciled.
	StampSyncedAt(ctx context.Context, id string, at time.Time) error
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

type LedgerStore interface {
	// AppendEntry persists one immutable entry. This is the only write.
	AppendEntry(ctx context.Context, e *LedgerEntry) error

	// LedgerEntries returns all entries for a customer in creation order.
	LedgerEntries(ctx context.Context, customerID string) ([]LedgerEntry, error)
}

// =============================================================================
// CASHBACK TRANSACTIONS
// =============================================================================

type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *CashbackTransaction) error
	UpdateTransaction(ctx context.Context, tx *CashbackTransaction) error

	// GetTransactionByOrder looks up the idempotency boundary.
	// Returns (nil, nil) when the order has not been imported.
	GetTransactionByOrder(ctx context.Context, scope Scope, externalOrderID string) (*CashbackTransaction, error)

	// LifetimeSpend sums order amounts across all of a customer's
	// completed transactions.
	LifetimeSpend(ctx context.Context, customerID string) (decimal.Decimal, error)

	// SpendSince sums order amounts for orders dated on or after since.
	SpendSince(ctx context.Context, customerID string, since time.Time) (decimal.Decimal, error)

	// OrderStats returns the order count and most recent order date.
	OrderStats(ctx context.Context, customerID string) (int, *time.Time, error)

	SaveSpendStats(ctx context.Context, stats *SpendStats) error
}

// =============================================================================
// TIERS & MEMBERSHIPS
// =============================================================================

type TierStore interface {
	CreateTier(ctx context.Context, t *Tier) error
	GetTier(ctx context.Context, id string) (*Tier, error)

	// ListActiveTiers returns the scope's active tiers sorted by
	// MinSpend ascending, nil first.
	ListActiveTiers(ctx context.Context, scope Scope) ([]Tier, error)
	DeactivateTier(ctx context.Context, id string) error

	ActiveMembership(ctx context.Context, customerID string) (*Membership, error)
	CreateMembership(ctx context.Context, m *Membership) error
	EndMembership(ctx context.Context, membershipID string, at time.Time) error

	AppendChangeLog(ctx context.Context, entry *TierChangeLog) error
	ChangeLogs(ctx context.Context, customerID string) ([]TierChangeLog, error)
}

// =============================================================================
// MIGRATION JOBS
// =============================================================================

type JobStore interface {
	CreateJob(ctx context.Context, j *MigrationJob) error
	GetJob(ctx context.Context, id string) (*MigrationJob, error)

	// ActiveJob returns the scope's pending/processing job, or (nil, nil).
	ActiveJob(ctx context.Context, scope Scope) (*MigrationJob, error)

	// UpdateJob persists counters, error list, status, and timestamps.
	UpdateJob(ctx context.Context, j *MigrationJob) error
}

// =============================================================================
// STORE - Everything, plus transactions
// =============================================================================

// Store is the full persistence surface.
type Store interface {
	CustomerStore
	LedgerStore
	TransactionStore
	TierStore
	JobStore

	// WithTx executes fn against a transactional view of the store.
	// If fn returns an error the transaction rolls back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
