package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
)

// =============================================================================
// LEDGER STORE (loyalty.LedgerStore) - append-only
// =============================================================================

// AppendEntry persists one immutable ledger row. There is no update or
// delete for this table.
func (s *Store) AppendEntry(ctx context.Context, e *loyalty.LedgerEntry) error {
	_, err := s.exec.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, customer_id, amount, balance, entry_type, source, external_reference, description, reconciled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.CustomerID,
		e.Amount.String(),
		e.Balance.String(),
		e.Type,
		e.Source,
		nullString(e.ExternalReference),
		nullString(e.Description),
		nullTime(e.ReconciledAt),
		e.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// LedgerEntries returns a customer's entries in creation order. The
// rowid tiebreak keeps same-instant entries in insertion order.
func (s *Store) LedgerEntries(ctx context.Context, customerID string) ([]loyalty.LedgerEntry, error) {
	rows, err := s.exec.QueryContext(ctx, `
		SELECT id, customer_id, amount, balance, entry_type, source, external_reference, description, reconciled_at, created_at
		FROM ledger_entries
		WHERE customer_id = ?
		ORDER BY created_at ASC, rowid ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []loyalty.LedgerEntry
	for rows.Next() {
		var (
			e            loyalty.LedgerEntry
			amount       string
			balance      string
			reference    sql.NullString
			description  sql.NullString
			reconciledAt sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&e.ID, &e.CustomerID, &amount, &balance, &e.Type, &e.Source,
			&reference, &description, &reconciledAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Amount = parseDecimal(amount)
		e.Balance = parseDecimal(balance)
		e.ExternalReference = reference.String
		e.Description = description.String
		e.ReconciledAt = parseNullTime(reconciledAt)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTION STORE (loyalty.TransactionStore)
// =============================================================================

const transactionColumns = `id, scope, external_order_id, customer_id, order_amount, cashback_amount, cashback_percent, currency, status, created_at`

func (s *Store) CreateTransaction(ctx context.Context, tx *loyalty.CashbackTransaction) error {
	_, err := s.exec.ExecContext(ctx, `
		INSERT INTO cashback_transactions
		(id, scope, external_order_id, customer_id, order_amount, cashback_amount, cashback_percent, currency, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.Scope,
		tx.ExternalOrderID,
		tx.CustomerID,
		tx.OrderAmount.String(),
		tx.CashbackAmount.String(),
		tx.CashbackPercent.String(),
		nullString(tx.Currency),
		tx.Status,
		tx.CreatedAt.UTC().Format(timeFormat),
	)
	if isUniqueConstraintError(err) {
		return loyalty.ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx *loyalty.CashbackTransaction) error {
	res, err := s.exec.ExecContext(ctx, `
		UPDATE cashback_transactions
		SET order_amount = ?, cashback_amount = ?, cashback_percent = ?, status = ?
		WHERE id = ?`,
		tx.OrderAmount.String(),
		tx.CashbackAmount.String(),
		tx.CashbackPercent.String(),
		tx.Status,
		tx.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s not found", tx.ID)
	}
	return nil
}

func (s *Store) GetTransactionByOrder(ctx context.Context, scope loyalty.Scope, externalOrderID string) (*loyalty.CashbackTransaction, error) {
	row := s.exec.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM cashback_transactions WHERE scope = ? AND external_order_id = ?`,
		scope, externalOrderID)

	var (
		tx          loyalty.CashbackTransaction
		orderAmt    string
		cashbackAmt string
		percent     string
		currency    sql.NullString
		createdAt   string
	)
	err := row.Scan(&tx.ID, &tx.Scope, &tx.ExternalOrderID, &tx.CustomerID,
		&orderAmt, &cashbackAmt, &percent, &currency, &tx.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.OrderAmount = parseDecimal(orderAmt)
	tx.CashbackAmount = parseDecimal(cashbackAmt)
	tx.CashbackPercent = parseDecimal(percent)
	tx.Currency = currency.String
	tx.CreatedAt = parseTime(createdAt)
	return &tx, nil
}

// =============================================================================
// SPEND AGGREGATION - summed in Go over exact decimals
// =============================================================================

func (s *Store) LifetimeSpend(ctx context.Context, customerID string) (decimal.Decimal, error) {
	return s.sumOrderAmounts(ctx, `
		SELECT order_amount FROM cashback_transactions
		WHERE customer_id = ? AND status != ?`, customerID, loyalty.TxFailed)
}

func (s *Store) SpendSince(ctx context.Context, customerID string, since time.Time) (decimal.Decimal, error) {
	return s.sumOrderAmounts(ctx, `
		SELECT order_amount FROM cashback_transactions
		WHERE customer_id = ? AND status != ? AND created_at >= ?`,
		customerID, loyalty.TxFailed, since.UTC().Format(timeFormat))
}

func (s *Store) sumOrderAmounts(ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	rows, err := s.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query spend: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(parseDecimal(amount))
	}
	return total, rows.Err()
}

func (s *Store) OrderStats(ctx context.Context, customerID string) (int, *time.Time, error) {
	var (
		count int
		last  sql.NullString
	)
	err := s.exec.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(created_at) FROM cashback_transactions
		WHERE customer_id = ? AND status != ?`,
		customerID, loyalty.TxFailed,
	).Scan(&count, &last)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query order stats: %w", err)
	}
	return count, parseNullTime(last), nil
}

func (s *Store) SaveSpendStats(ctx context.Context, stats *loyalty.SpendStats) error {
	_, err := s.exec.ExecContext(ctx, `
		INSERT INTO spend_stats
		(customer_id, lifetime_spend, window_spend, order_count, last_order_at, days_since_last_order, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			lifetime_spend = excluded.lifetime_spend,
			window_spend = excluded.window_spend,
			order_count = excluded.order_count,
			last_order_at = excluded.last_order_at,
			days_since_last_order = excluded.days_since_last_order,
			computed_at = excluded.computed_at`,
		stats.CustomerID,
		stats.LifetimeSpend.String(),
		stats.WindowSpend.String(),
		stats.OrderCount,
		nullTime(stats.LastOrderAt),
		stats.DaysSinceLastOrder,
		stats.ComputedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to save spend stats: %w", err)
	}
	return nil
}
