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
// CUSTOMER STORE (loyalty.CustomerStore)
// =============================================================================

const customerColumns = `id, scope, external_customer_id, email, store_credit, total_earned, last_synced_at, created_at`

func (s *Store) CreateCustomer(ctx context.Context, c *loyalty.Customer) error {
	_, err := s.exec.ExecContext(ctx, `
		INSERT INTO customers (id, scope, external_customer_id, email, store_credit, total_earned, last_synced_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.Scope,
		c.ExternalCustomerID,
		nullString(c.Email),
		c.StoreCredit.String(),
		c.TotalEarned.String(),
		nullTime(c.LastSyncedAt),
		c.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*loyalty.Customer, error) {
	row := s.exec.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	return scanCustomer(row)
}

func (s *Store) GetCustomerByExternalID(ctx context.Context, scope loyalty.Scope, externalID string) (*loyalty.Customer, error) {
	row := s.exec.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE scope = ? AND external_customer_id = ?`,
		scope, externalID)
	return scanCustomer(row)
}

func (s *Store) ListCustomers(ctx context.Context, scope loyalty.Scope) ([]loyalty.Customer, error) {
	return s.queryCustomers(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE scope = ? ORDER BY created_at ASC`, scope)
}

func (s *Store) ListStaleCustomers(ctx context.Context, scope loyalty.Scope, before time.Time) ([]loyalty.Customer, error) {
	return s.queryCustomers(ctx, `
		SELECT `+customerColumns+` FROM customers
		WHERE scope = ? AND (last_synced_at IS NULL OR last_synced_at < ?)
		ORDER BY created_at ASC`,
		scope, before.UTC().Format(timeFormat))
}

// UpdateCustomerBalance writes the cached projection. Only the ledger's
// Append path calls this, inside the same transaction as the entry.
func (s *Store) UpdateCustomerBalance(ctx context.Context, id string, balance, totalEarned decimal.Decimal) error {
	res, err := s.exec.ExecContext(ctx,
		`UPDATE customers SET store_credit = ?, total_earned = ? WHERE id = ?`,
		balance.String(), totalEarned.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update customer balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrCustomerNotFound
	}
	return nil
}

func (s *Store) StampSyncedAt(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec.ExecContext(ctx,
		`UPDATE customers SET last_synced_at = ? WHERE id = ?`,
		at.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("failed to stamp synced_at: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrCustomerNotFound
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

func scanCustomer(row *sql.Row) (*loyalty.Customer, error) {
	var (
		c           loyalty.Customer
		email       sql.NullString
		storeCredit string
		totalEarned string
		syncedAt    sql.NullString
		createdAt   string
	)
	err := row.Scan(&c.ID, &c.Scope, &c.ExternalCustomerID, &email,
		&storeCredit, &totalEarned, &syncedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan customer: %w", err)
	}
	c.Email = email.String
	c.StoreCredit = parseDecimal(storeCredit)
	c.TotalEarned = parseDecimal(totalEarned)
	c.LastSyncedAt = parseNullTime(syncedAt)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (s *Store) queryCustomers(ctx context.Context, query string, args ...any) ([]loyalty.Customer, error) {
	rows, err := s.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var customers []loyalty.Customer
	for rows.Next() {
		var (
			c           loyalty.Customer
			email       sql.NullString
			storeCredit string
			totalEarned string
			syncedAt    sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&c.ID, &c.Scope, &c.ExternalCustomerID, &email,
			&storeCredit, &totalEarned, &syncedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		c.Email = email.String
		c.StoreCredit = parseDecimal(storeCredit)
		c.TotalEarned = parseDecimal(totalEarned)
		c.LastSyncedAt = parseNullTime(syncedAt)
		c.CreatedAt = parseTime(createdAt)
		customers = append(customers, c)
	}
	return customers, rows.Err()
}
