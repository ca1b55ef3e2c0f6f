/*
Package loyalty provides the core cashback ledger and tier engine.

PURPOSE:
  This package contains the domain types and algorithms for a merchant
  loyalty program: customers accumulate store credit from purchases,
  are placed into spend-based tiers with different cashback rates, and
  every credit movement is recorded in an append-only ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Customer: one shopper within a merchant scope, with a cached balance
  - LedgerEntry: an immutable record of one balance-affecting event
  - CashbackTransaction: one externally-sourced order and its reward
  - SpendStats: derived purchase analytics per customer

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for all money - never float64
  2. Projection: Customer.StoreCredit is derived from the ledger and is
     only ever written in the same atomic unit as a ledger append
  3. Idempotency: CashbackTransaction is unique per (scope, order id),
     which is what makes re-imports safe
  4. Tenancy: every entity carries a Scope (one merchant/store)

SEE ALSO:
  - ledger.go: the only write path for balances
  - tiers.go: tier catalog, memberships, change log
  - store.go: persistence contracts
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCOPE - Tenant boundary
// =============================================================================

// Scope identifies one merchant/store. All entities are partitioned by it.
type Scope string

// =============================================================================
// CUSTOMER
// =============================================================================

// Customer is one shopper under a scope, identified by the id the external
// commerce platform uses for them.
//
// StoreCredit is a cached projection of the ledger: it must always equal
// the Balance of the customer's latest ledger entry. It is only written
// inside Ledger.Append - there is no other setter.
type Customer struct {
	ID                 string
	Scope              Scope
	ExternalCustomerID string
	Email              string
	StoreCredit        decimal.Decimal
	TotalEarned        decimal.Decimal
	LastSyncedAt       *time.Time // nil = never reconciled
	CreatedAt          time.Time
}

// =============================================================================
// LEDGER ENTRY - Append-only, immutable
// =============================================================================

type EntryType string

const (
	EntryCashbackEarned   EntryType = "cashback_earned"
	EntryManualAdjustment EntryType = "manual_adjustment"
	EntryOrderPayment     EntryType = "order_payment"   // redemption at checkout
	EntryExternalSync     EntryType = "external_sync"   // reconciliation delta
	EntryInitialImport    EntryType = "initial_import"  // opening balance
)

// EntrySource records which actor caused an entry.
type EntrySource string

const (
	SourceImport     EntrySource = "import"
	SourceAdmin      EntrySource = "admin"
	SourceSync       EntrySource = "sync"
	SourceStorefront EntrySource = "storefront"
)

// LedgerEntry is one immutable balance-affecting record.
//
// INVARIANT: for a customer's entries in creation order, each Balance
// equals the previous Balance plus Amount, and the latest Balance equals
// the customer's cached StoreCredit. Corrections are made by appending
// offsetting entries, never by mutating existing rows.
type LedgerEntry struct {
	ID                string
	CustomerID        string
	Amount            decimal.Decimal // signed delta
	Balance           decimal.Decimal // balance after this entry
	Type              EntryType
	Source            EntrySource
	ExternalReference string
	Description       string
	ReconciledAt      *time.Time
	CreatedAt         time.Time
}

// allowsOverdraft reports whether an entry type may take the balance
// negative. Reconciliation follows the external platform even into the
// red; everything a human or this system originates must not overdraw.
func (t EntryType) allowsOverdraft() bool {
	return t == EntryExternalSync
}

// =============================================================================
// CASHBACK TRANSACTION - One externally-sourced order
// =============================================================================

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxSynced    TransactionStatus = "synced"
	TxFailed    TransactionStatus = "failed"
)

// CashbackTransaction records one order and the cashback it produced.
// (Scope, ExternalOrderID) is unique - this is the idempotency boundary
// for re-imports.
//
// CashbackPercent is the rate in effect when the order was processed,
// frozen into the row; later tier changes never rewrite history.
// CreatedAt is the order's own date, not the import time.
type CashbackTransaction struct {
	ID              string
	Scope           Scope
	ExternalOrderID string
	CustomerID      string
	OrderAmount     decimal.Decimal
	CashbackAmount  decimal.Decimal
	CashbackPercent decimal.Decimal
	Currency        string
	Status          TransactionStatus
	CreatedAt       time.Time
}

// =============================================================================
// SPEND STATS - Derived purchase analytics
// =============================================================================

// SpendStats is recomputed for touched customers after an import run.
type SpendStats struct {
	CustomerID        string
	LifetimeSpend     decimal.Decimal
	WindowSpend       decimal.Decimal // spend within the analytics window
	OrderCount        int
	LastOrderAt       *time.Time
	DaysSinceLastOrder int
	ComputedAt        time.Time
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// Cashback computes the reward for an order amount at a percentage rate
// (5 means 5%), rounded to cents.
func Cashback(orderAmount, percent decimal.Decimal) decimal.Decimal {
	return orderAmount.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
}

func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
