/*
client.go - HTTP implementation of the platform client

PURPOSE:
  Talks to the commerce platform's GraphQL admin endpoint. Every call
  is a POST of a query document with the shop's access token; every
  page fetch runs under its own bounded timeout.

ERROR HANDLING:
  - Transport / non-200: returned as a feed-level error (the import
    loop cannot continue without a valid cursor)
  - GraphQL error envelope: feed-level error with the messages joined
  - Transport failures, 429/5xx and throttling wrap
    loyalty.ErrPlatformUnavailable so callers can branch on
    loyalty.IsRetryable
  - Mutation userErrors: returned as a typed UserErrorList
  - Per-order parse problems: classified into Malformed results, never
    an error for the whole page

SEE ALSO:
  - types.go: the interfaces and result variants
*/
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
)

const (
	apiVersion         = "2024-01"
	defaultPageTimeout = 15 * time.Second
)

// HTTPClient implements Client against the platform's admin API.
type HTTPClient struct {
	// BaseURL overrides the per-scope endpoint when set (tests, proxies).
	BaseURL     string
	Token       string
	PageTimeout time.Duration

	httpClient *http.Client
}

func NewHTTPClient(token string) *HTTPClient {
	return &HTTPClient{
		Token:       token,
		PageTimeout: defaultPageTimeout,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) endpoint(scope string) string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return fmt.Sprintf("https://%s/admin/api/%s/graphql.json", scope, apiVersion)
}

// =============================================================================
// GRAPHQL TRANSPORT
// =============================================================================

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// post sends one GraphQL document and decodes the envelope. A GraphQL
// error envelope is a call-level failure.
func (c *HTTPClient) post(ctx context.Context, scope string, req graphQLRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(scope), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Access-Token", c.Token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("platform call failed: %v: %w", err, loyalty.ErrPlatformUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("platform returned status %d: %w", resp.StatusCode, loyalty.ErrPlatformUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("platform returned status %d", resp.StatusCode)
	}

	var envelope graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			msgs[i] = e.Message
			if strings.EqualFold(e.Message, "throttled") {
				return fmt.Errorf("platform query errors: %s: %w", e.Message, loyalty.ErrPlatformUnavailable)
			}
		}
		return fmt.Errorf("platform query errors: %s", strings.Join(msgs, "; "))
	}
	return json.Unmarshal(envelope.Data, out)
}

// =============================================================================
// ORDER FEED
// =============================================================================

const ordersQuery = `
query Orders($first: Int!, $after: String) {
  orders(first: $first, after: $after, sortKey: CREATED_AT) {
    edges {
      node {
        id
        createdAt
        displayFinancialStatus
        totalPriceSet { shopMoney { amount currencyCode } }
        customer {
          id
          email
          numberOfOrders
          amountSpent { amount }
        }
      }
    }
    pageInfo { hasNextPage endCursor }
  }
}`

type moneyNode struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

type customerNode struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	NumberOfOrders int        `json:"numberOfOrders"`
	AmountSpent    *moneyNode `json:"amountSpent"`
}

type orderNode struct {
	ID                     string        `json:"id"`
	CreatedAt              string        `json:"createdAt"`
	DisplayFinancialStatus string        `json:"displayFinancialStatus"`
	TotalPriceSet          *struct {
		ShopMoney *moneyNode `json:"shopMoney"`
	} `json:"totalPriceSet"`
	Customer *customerNode `json:"customer"`
}

type ordersData struct {
	Orders struct {
		Edges []struct {
			Node orderNode `json:"node"`
		} `json:"edges"`
		PageInfo struct {
			HasNextPage bool   `json:"hasNextPage"`
			EndCursor   string `json:"endCursor"`
		} `json:"pageInfo"`
	} `json:"orders"`
}

// Orders fetches and classifies one page of the feed.
func (c *HTTPClient) Orders(ctx context.Context, scope string, q OrderQuery) (*OrderPage, error) {
	timeout := c.PageTimeout
	if timeout <= 0 {
		timeout = defaultPageTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	size := q.PageSize
	if size <= 0 || size > MaxPageSize {
		size = MaxPageSize
	}
	vars := map[string]any{"first": size}
	if !q.Cursor.IsStart() {
		vars["after"] = q.Cursor.Token()
	}

	var data ordersData
	if err := c.post(ctx, scope, graphQLRequest{Query: ordersQuery, Variables: vars}, &data); err != nil {
		return nil, err
	}

	page := &OrderPage{
		Next:    CursorFrom(data.Orders.PageInfo.EndCursor),
		HasNext: data.Orders.PageInfo.HasNextPage,
	}
	for _, edge := range data.Orders.Edges {
		page.Results = append(page.Results, classify(edge.Node))
	}
	return page, nil
}

// paidStatuses are the financial states that earn cashback.
var paidStatuses = map[string]bool{
	"PAID":               true,
	"PARTIALLY_REFUNDED": true,
}

// classify turns one raw node into its typed variant. Parse problems
// become Malformed; ineligible-but-valid orders become Skipped.
func classify(n orderNode) OrderResult {
	if n.ID == "" {
		return OrderResult{Kind: ResultMalformed, Detail: "order missing id"}
	}
	createdAt, err := time.Parse(time.RFC3339, n.CreatedAt)
	if err != nil {
		return OrderResult{Kind: ResultMalformed, Detail: fmt.Sprintf("order %s: bad createdAt %q", n.ID, n.CreatedAt)}
	}
	if n.TotalPriceSet == nil || n.TotalPriceSet.ShopMoney == nil {
		return OrderResult{Kind: ResultMalformed, Detail: fmt.Sprintf("order %s: missing total price", n.ID)}
	}
	total, err := decimal.NewFromString(n.TotalPriceSet.ShopMoney.Amount)
	if err != nil {
		return OrderResult{Kind: ResultMalformed, Detail: fmt.Sprintf("order %s: bad amount %q", n.ID, n.TotalPriceSet.ShopMoney.Amount)}
	}

	order := Order{
		ExternalID:      n.ID,
		CreatedAt:       createdAt,
		TotalAmount:     total,
		Currency:        n.TotalPriceSet.ShopMoney.CurrencyCode,
		FinancialStatus: n.DisplayFinancialStatus,
	}
	if !paidStatuses[n.DisplayFinancialStatus] {
		return OrderResult{Kind: ResultSkipped, Order: order, Reason: SkipUnpaid}
	}
	if n.Customer == nil || n.Customer.ID == "" {
		return OrderResult{Kind: ResultSkipped, Order: order, Reason: SkipGuestCheckout}
	}

	oc := &OrderCustomer{
		ExternalID: n.Customer.ID,
		Email:      n.Customer.Email,
		OrderCount: n.Customer.NumberOfOrders,
	}
	if n.Customer.AmountSpent != nil {
		if spent, err := decimal.NewFromString(n.Customer.AmountSpent.Amount); err == nil {
			oc.LifetimeSpend = spent
		}
	}
	order.Customer = oc
	return OrderResult{Kind: ResultEligible, Order: order}
}

// =============================================================================
// BALANCE API
// =============================================================================

const balanceQuery = `
query CustomerBalance($id: ID!) {
  customer(id: $id) {
    storeCreditAccounts(first: 1) {
      edges { node { balance { amount } } }
    }
  }
}`

type balanceData struct {
	Customer *struct {
		StoreCreditAccounts struct {
			Edges []struct {
				Node struct {
					Balance moneyNode `json:"balance"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"storeCreditAccounts"`
	} `json:"customer"`
}

func (c *HTTPClient) CustomerBalance(ctx context.Context, scope, externalCustomerID string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.PageTimeout)
	defer cancel()

	var data balanceData
	err := c.post(ctx, scope, graphQLRequest{
		Query:     balanceQuery,
		Variables: map[string]any{"id": externalCustomerID},
	}, &data)
	if err != nil {
		return decimal.Zero, err
	}
	if data.Customer == nil || len(data.Customer.StoreCreditAccounts.Edges) == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(data.Customer.StoreCreditAccounts.Edges[0].Node.Balance.Amount)
}

const creditMutation = `
mutation Credit($id: ID!, $amount: MoneyInput!) {
  storeCreditAccountCredit(id: $id, creditInput: { creditAmount: $amount }) {
    userErrors { field code message }
  }
}`

const debitMutation = `
mutation Debit($id: ID!, $amount: MoneyInput!) {
  storeCreditAccountDebit(id: $id, debitInput: { debitAmount: $amount }) {
    userErrors { field code message }
  }
}`

type mutationErrors struct {
	UserErrors []struct {
		Field   []string `json:"field"`
		Code    string   `json:"code"`
		Message string   `json:"message"`
	} `json:"userErrors"`
}

func (c *HTTPClient) Credit(ctx context.Context, scope, externalCustomerID string, amount decimal.Decimal) error {
	return c.mutateBalance(ctx, scope, creditMutation, "storeCreditAccountCredit", externalCustomerID, amount)
}

func (c *HTTPClient) Debit(ctx context.Context, scope, externalCustomerID string, amount decimal.Decimal) error {
	return c.mutateBalance(ctx, scope, debitMutation, "storeCreditAccountDebit", externalCustomerID, amount)
}

func (c *HTTPClient) mutateBalance(ctx context.Context, scope, doc, field, externalCustomerID string, amount decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, c.PageTimeout)
	defer cancel()

	data := map[string]mutationErrors{}
	err := c.post(ctx, scope, graphQLRequest{
		Query: doc,
		Variables: map[string]any{
			"id":     externalCustomerID,
			"amount": map[string]string{"amount": amount.StringFixed(2)},
		},
	}, &data)
	if err != nil {
		return err
	}
	return userErrorsFrom(data[field])
}

const settingsMutation = `
mutation WriteSettings($fields: [MetafieldsSetInput!]!) {
  metafieldsSet(metafields: $fields) {
    userErrors { field code message }
  }
}`

// WriteSettings stores one key/value under the app's metadata namespace.
func (c *HTTPClient) WriteSettings(ctx context.Context, scope, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, c.PageTimeout)
	defer cancel()

	data := map[string]mutationErrors{}
	err := c.post(ctx, scope, graphQLRequest{
		Query: settingsMutation,
		Variables: map[string]any{
			"fields": []map[string]string{{
				"namespace": "rewardspro",
				"key":       key,
				"value":     value,
				"type":      "single_line_text_field",
			}},
		},
	}, &data)
	if err != nil {
		return err
	}
	return userErrorsFrom(data["metafieldsSet"])
}

func userErrorsFrom(m mutationErrors) error {
	if len(m.UserErrors) == 0 {
		return nil
	}
	list := make(UserErrorList, len(m.UserErrors))
	for i, ue := range m.UserErrors {
		list[i] = UserError{
			Field:   strings.Join(ue.Field, "."),
			Code:    ue.Code,
			Message: ue.Message,
		}
	}
	return list
}
