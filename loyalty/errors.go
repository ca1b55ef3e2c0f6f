/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All domain error types in one place. Callers use errors.Is/errors.As;
  the HTTP layer maps these onto status codes and structured reasons.

ERROR CATEGORIES:
  1. Precondition errors - rejected before any write (caps, missing tiers)
  2. Ledger errors - balance and idempotency violations
  3. Job errors - migration job lifecycle violations
  4. Not-found errors

USAGE:
    if errors.Is(err, loyalty.ErrInsufficientBalance) { ... }

    var capErr *loyalty.AdjustmentCapError
    if errors.As(err, &capErr) { ... }
*/
package loyalty

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a debit would take the
	// customer's balance negative.
	ErrInsufficientBalance = errors.New("insufficient store credit")

	// ErrAdjustmentCapExceeded is returned when a manual credit exceeds
	// the per-request cap.
	ErrAdjustmentCapExceeded = errors.New("adjustment exceeds single-transaction cap")

	// ErrNoActiveTiers is returned when a scope has no active tiers at
	// all. Imports and evaluations cannot run without a tier catalog.
	ErrNoActiveTiers = errors.New("no active tiers configured for scope")

	// ErrDuplicateBaseTier is returned when activating a second tier with
	// no minimum spend in the same scope.
	ErrDuplicateBaseTier = errors.New("scope already has an active base tier")

	// ErrDuplicateTransaction is returned when inserting a cashback
	// transaction whose (scope, external order id) already exists.
	// Expected during re-imports; callers treat it as "already processed".
	ErrDuplicateTransaction = errors.New("transaction already recorded for order")

	// ErrImportRunning is returned when starting an import while another
	// job for the scope is still pending or processing. New imports are
	// rejected, never queued.
	ErrImportRunning = errors.New("an import is already running for this scope")

	// ErrJobNotCancellable is returned when cancelling a job that has
	// already reached a terminal status.
	ErrJobNotCancellable = errors.New("job is not pending or processing")

	// ErrBalanceMismatch indicates the cached balance diverged from the
	// ledger. Outside an explicit reconciliation this is a bug, not a
	// transient condition - it is surfaced, never silently corrected.
	ErrBalanceMismatch = errors.New("ledger balance mismatch")

	// ErrPlatformUnavailable marks transient upstream failures (network,
	// 5xx, throttling). Callers may retry; everything else they must not.
	ErrPlatformUnavailable = errors.New("commerce platform temporarily unavailable")

	ErrCustomerNotFound = errors.New("customer not found")
	ErrTierNotFound     = errors.New("tier not found")
	ErrJobNotFound      = errors.New("job not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports a rejected debit.
type InsufficientBalanceError struct {
	CustomerID string
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient store credit: available %s, requested %s",
		e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// AdjustmentCapError reports a manual credit above the per-request cap.
type AdjustmentCapError struct {
	Requested decimal.Decimal
	Cap       decimal.Decimal
}

func (e *AdjustmentCapError) Error() string {
	return fmt.Sprintf("adjustment of %s exceeds cap of %s",
		e.Requested.StringFixed(2), e.Cap.StringFixed(2))
}

func (e *AdjustmentCapError) Unwrap() error { return ErrAdjustmentCapExceeded }

// BalanceMismatchError reports a ledger invariant violation found by
// replay verification.
type BalanceMismatchError struct {
	CustomerID string
	EntryID    string // entry where the chain broke; empty for cached-balance drift
	Expected   decimal.Decimal
	Actual     decimal.Decimal
}

func (e *BalanceMismatchError) Error() string {
	where := "cached balance"
	if e.EntryID != "" {
		where = "entry " + e.EntryID
	}
	return fmt.Sprintf("ledger mismatch for customer %s at %s: expected %s, got %s",
		e.CustomerID, where, e.Expected.StringFixed(2), e.Actual.StringFixed(2))
}

func (e *BalanceMismatchError) Unwrap() error { return ErrBalanceMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid or
// conflicting client input rather than a system fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAdjustmentCapExceeded) ||
		errors.Is(err, ErrNoActiveTiers) ||
		errors.Is(err, ErrDuplicateBaseTier) ||
		errors.Is(err, ErrDuplicateTransaction) ||
		errors.Is(err, ErrImportRunning) ||
		errors.Is(err, ErrJobNotCancellable)
}

// IsRetryable returns true if the error is a transient upstream failure
// that a later attempt may succeed past.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPlatformUnavailable)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrTierNotFound) ||
		errors.Is(err, ErrJobNotFound)
}
