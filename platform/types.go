/*
Package platform is the client for the external commerce platform.

PURPOSE:
  Two surfaces: a cursor-paginated read of the merchant's order history,
  and write mutations against a customer's externally-held store credit
  balance. The import orchestrator consumes the first; the reconciler
  and manual adjustments mirror through the second.

KEY CONCEPTS IN THIS FILE (types.go):
  - PageCursor: an immutable, opaque, forward-only pagination token.
    Each fetch returns a fresh cursor; nothing mutates one in place.
  - OrderResult: a typed variant per order - Eligible, Skipped, or
    Malformed - instead of optional-chaining through loose payloads.
  - UserErrorList: the platform's typed user-error envelope, surfaced
    as the operation's failure reason rather than swallowed.

SEE ALSO:
  - client.go: the HTTP implementation
  - importer: the consumer of OrderFeed
*/
package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAGE CURSOR - Immutable pagination token
// =============================================================================

// PageCursor is an opaque forward-only position in the order feed. The
// zero value means "start from the beginning".
type PageCursor struct {
	token string
}

func CursorFrom(token string) PageCursor { return PageCursor{token: token} }

func (c PageCursor) IsStart() bool  { return c.token == "" }
func (c PageCursor) Token() string  { return c.token }
func (c PageCursor) String() string { return c.token }

// =============================================================================
// ORDERS
// =============================================================================

// MaxPageSize is the largest page the platform will serve.
const MaxPageSize = 250

// OrderCustomer is the customer attached to an order, when one is.
type OrderCustomer struct {
	ExternalID    string
	Email         string
	OrderCount    int
	LifetimeSpend decimal.Decimal
}

// Order is one paid, customer-attached order from the feed.
type Order struct {
	ExternalID      string
	CreatedAt       time.Time
	TotalAmount     decimal.Decimal
	Currency        string
	FinancialStatus string
	Customer        *OrderCustomer
}

// SkipReason explains why the feed classified an order as ineligible.
type SkipReason string

const (
	SkipUnpaid        SkipReason = "not_paid"
	SkipGuestCheckout SkipReason = "guest_checkout"
	SkipOutOfRange    SkipReason = "outside_date_range"
)

// OrderResultKind discriminates the OrderResult variant.
type OrderResultKind int

const (
	ResultEligible OrderResultKind = iota
	ResultSkipped
	ResultMalformed
)

// OrderResult is the typed per-order variant the feed returns. Exactly
// one of Order / Reason / Detail is meaningful, selected by Kind.
type OrderResult struct {
	Kind   OrderResultKind
	Order  Order      // ResultEligible
	Reason SkipReason // ResultSkipped (Order still carries what parsed)
	Detail string     // ResultMalformed: parse error description
}

// OrderQuery asks for one page of the feed.
type OrderQuery struct {
	Cursor   PageCursor
	PageSize int // clamped to MaxPageSize
}

// OrderPage is one page of classified results plus the cursor for the
// next fetch.
type OrderPage struct {
	Results []OrderResult
	Next    PageCursor
	HasNext bool
}

// OrderFeed walks the merchant's order history.
type OrderFeed interface {
	Orders(ctx context.Context, scope string, q OrderQuery) (*OrderPage, error)
}

// =============================================================================
// BALANCE API
// =============================================================================

// UserError is one typed error from a platform mutation.
type UserError struct {
	Field   string
	Code    string
	Message string
}

// UserErrorList is a failed mutation's full error envelope.
type UserErrorList []UserError

func (l UserErrorList) Error() string {
	msgs := make([]string, len(l))
	for i, e := range l {
		if e.Field != "" {
			msgs[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
		} else {
			msgs[i] = e.Message
		}
	}
	return "platform rejected mutation: " + strings.Join(msgs, "; ")
}

// BalanceAPI reads and mutates the balance the platform holds for a
// customer, plus a lightweight settings write.
type BalanceAPI interface {
	// CustomerBalance returns the externally-held store credit balance.
	CustomerBalance(ctx context.Context, scope, externalCustomerID string) (decimal.Decimal, error)

	// Credit / Debit mutate the external balance. A rejection surfaces
	// as a UserErrorList.
	Credit(ctx context.Context, scope, externalCustomerID string, amount decimal.Decimal) error
	Debit(ctx context.Context, scope, externalCustomerID string, amount decimal.Decimal) error

	// WriteSettings stores a small key/value against the shop's metadata.
	WriteSettings(ctx context.Context, scope, key, value string) error
}

// Client is the full platform surface.
type Client interface {
	OrderFeed
	BalanceAPI
}
