/*
Package sqlite provides the SQLite-backed implementation of the loyalty
store contracts.

PURPOSE:
  Implements the full loyalty.Store surface on database/sql. The same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

SCHEMA INVARIANTS ENFORCED IN THE DATABASE:
  - idx_customers_scope_external:   one customer per (scope, external id)
  - idx_transactions_scope_order:   the re-import idempotency boundary
  - idx_tiers_single_base:          at most one active base tier per scope
  - idx_memberships_single_active:  at most one active membership per customer
  - idx_jobs_single_active:         at most one pending/processing job per scope

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statement exists for the ledger_entries table.
  Corrections are appended, never edited.

MONEY:
  Stored as decimal strings, parsed with shopspring/decimal on read.
  Aggregations (spend sums) are computed in Go over the parsed values so
  no floating point ever touches a balance.

WAL MODE:
  The database opens with WAL for better read concurrency and crash
  recovery. A single mutex serializes writing transactions, matching
  SQLite's single-writer model; with PostgreSQL the database's own
  concurrency control would take over.

USAGE:
  store, err := sqlite.New("./data/rewards.db")   // or ":memory:"
  defer store.Close()

SEE ALSO:
  - loyalty/store.go: the contracts implemented here
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every query method
// works inside and outside WithTx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements loyalty.Store.
type Store struct {
	db   *sql.DB
	exec DBTX
	mu   *sync.Mutex
}

var _ loyalty.Store = (*Store)(nil)

// New opens (or creates) the database and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: in-memory databases exist per-connection, and
	// SQLite only supports a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, exec: db, mu: &sync.Mutex{}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error { return s.db.Close() }

// migrate creates the schema.
func (s *Store) migrate() error {
	schema := `
	-- Customers (one per shopper per scope)
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		external_customer_id TEXT NOT NULL,
		email TEXT,
		store_credit TEXT NOT NULL DEFAULT '0',
		total_earned TEXT NOT NULL DEFAULT '0',
		last_synced_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_scope_external
		ON customers(scope, external_customer_id);
	CREATE INDEX IF NOT EXISTS idx_customers_scope
		ON customers(scope);
	CREATE INDEX IF NOT EXISTS idx_customers_synced
		ON customers(scope, last_synced_at);

	-- Store credit ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		source TEXT NOT NULL,
		external_reference TEXT,
		description TEXT,
		reconciled_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_customer
		ON ledger_entries(customer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_type
		ON ledger_entries(entry_type);
	CREATE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_entries(external_reference) WHERE external_reference IS NOT NULL;

	-- Cashback transactions (one per external order)
	CREATE TABLE IF NOT EXISTS cashback_transactions (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		external_order_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		order_amount TEXT NOT NULL,
		cashback_amount TEXT NOT NULL,
		cashback_percent TEXT NOT NULL,
		currency TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	-- The idempotency boundary for re-imports
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_scope_order
		ON cashback_transactions(scope, external_order_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_customer_date
		ON cashback_transactions(customer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON cashback_transactions(status);

	-- Reward tiers
	CREATE TABLE IF NOT EXISTS tiers (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		name TEXT NOT NULL,
		cashback_percent TEXT NOT NULL,
		min_spend TEXT,
		period TEXT NOT NULL DEFAULT 'lifetime',
		window_days INTEGER DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tiers_scope_active
		ON tiers(scope, is_active);
	-- At most one active base (no-minimum) tier per scope
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tiers_single_base
		ON tiers(scope) WHERE is_active = 1 AND min_spend IS NULL;

	-- Customer tier memberships
	CREATE TABLE IF NOT EXISTS memberships (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		tier_id TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		assignment_type TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT
	);
	-- At most one active membership per customer
	CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_single_active
		ON memberships(customer_id) WHERE is_active = 1;
	CREATE INDEX IF NOT EXISTS idx_memberships_customer
		ON memberships(customer_id);

	-- Tier change audit log (append-only)
	CREATE TABLE IF NOT EXISTS tier_change_log (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		from_tier_id TEXT,
		to_tier_id TEXT NOT NULL,
		change_type TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_change_log_customer
		ON tier_change_log(customer_id, created_at);

	-- Migration jobs (import/reconciliation runs)
	CREATE TABLE IF NOT EXISTS migration_jobs (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		total_records INTEGER NOT NULL DEFAULT 0,
		processed_records INTEGER NOT NULL DEFAULT 0,
		failed_records INTEGER NOT NULL DEFAULT 0,
		errors_json TEXT,
		metadata_json TEXT,
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);
	-- At most one pending/processing job per scope
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_single_active
		ON migration_jobs(scope) WHERE status IN ('pending', 'processing');
	CREATE INDEX IF NOT EXISTS idx_jobs_scope_created
		ON migration_jobs(scope, created_at);

	-- Derived spend analytics, one row per customer
	CREATE TABLE IF NOT EXISTS spend_stats (
		customer_id TEXT PRIMARY KEY,
		lifetime_spend TEXT NOT NULL DEFAULT '0',
		window_spend TEXT NOT NULL DEFAULT '0',
		order_count INTEGER NOT NULL DEFAULT 0,
		last_order_at TEXT,
		days_since_last_order INTEGER NOT NULL DEFAULT 0,
		computed_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a transactional view of the store. Nested
// calls join the open transaction.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	if _, nested := s.exec.(*sql.Tx); nested {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	view := &Store{db: s.db, exec: tx, mu: s.mu}
	if err := fn(view); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

// timeFormat is RFC 3339 with fixed-width nanoseconds. RFC3339Nano trims
// trailing zeros, which breaks lexicographic ordering of same-second
// timestamps stored as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
