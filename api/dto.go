/*
dto.go - Request/response shapes for the HTTP API

Amounts travel as strings on the wire and are parsed with
shopspring/decimal at the boundary; no JSON float ever reaches a
balance.
*/
package api

import (
	"time"

	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
)

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type TierDTO struct {
	ID              string  `json:"id,omitempty"`
	Name            string  `json:"name"`
	CashbackPercent string  `json:"cashbackPercent"`
	MinSpend        *string `json:"minSpend,omitempty"`
	Period          string  `json:"period,omitempty"`
	WindowDays      int     `json:"windowDays,omitempty"`
	IsActive        bool    `json:"isActive"`
}

// PublicCustomerDTO is the storefront widget's view. Unknown customers
// get exists=false with the scope's base tier and zero balances.
type PublicCustomerDTO struct {
	Exists      bool     `json:"exists"`
	StoreCredit string   `json:"storeCredit"`
	TotalEarned string   `json:"totalEarned"`
	Tier        *TierDTO `json:"tier,omitempty"`
}

type CustomerDTO struct {
	ID                 string   `json:"id"`
	Scope              string   `json:"scope"`
	ExternalCustomerID string   `json:"externalCustomerId"`
	Email              string   `json:"email,omitempty"`
	StoreCredit        string   `json:"storeCredit"`
	TotalEarned        string   `json:"totalEarned"`
	LastSyncedAt       *string  `json:"lastSyncedAt,omitempty"`
	Tier               *TierDTO `json:"tier,omitempty"`
	CreatedAt          string   `json:"createdAt"`
}

type LedgerEntryDTO struct {
	ID                string `json:"id"`
	Amount            string `json:"amount"`
	Balance           string `json:"balance"`
	Type              string `json:"type"`
	Source            string `json:"source"`
	ExternalReference string `json:"externalReference,omitempty"`
	Description       string `json:"description,omitempty"`
	CreatedAt         string `json:"createdAt"`
}

type JobDTO struct {
	ID               string            `json:"id"`
	Scope            string            `json:"scope"`
	Status           string            `json:"status"`
	TotalRecords     int               `json:"totalRecords"`
	ProcessedRecords int               `json:"processedRecords"`
	FailedRecords    int               `json:"failedRecords"`
	Errors           []string          `json:"errors,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	StartedAt        *string           `json:"startedAt,omitempty"`
	CompletedAt      *string           `json:"completedAt,omitempty"`
	CreatedAt        string            `json:"createdAt"`
}

type StartImportResponse struct {
	JobID string `json:"jobId"`
}

type AdjustResponse struct {
	EntryID    string `json:"entryId"`
	NewBalance string `json:"newBalance"`
}

type ReconcileResponse struct {
	Total     int               `json:"total"`
	Corrected int               `json:"corrected"`
	InSync    int               `json:"inSync"`
	Failures  map[string]string `json:"failures,omitempty"`
}

type VerifyResponse struct {
	Consistent bool   `json:"consistent"`
	Detail     string `json:"detail,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type StartImportRequest struct {
	Scope       string `json:"scope"`
	StartDate   string `json:"startDate"` // YYYY-MM-DD
	EndDate     string `json:"endDate"`
	Mode        string `json:"mode"` // "new" | "all"
	UpdateTiers bool   `json:"updateTiers"`
}

type AdjustRequest struct {
	CustomerID string `json:"customerId"`
	Amount     string `json:"amount"`
	Direction  string `json:"direction"` // "credit" | "debit"
	MaxAdd     string `json:"maxAdd,omitempty"`
}

type ReconcileRequest struct {
	Scope     string `json:"scope"`
	StaleOnly bool   `json:"staleOnly"`
}

type CreateTierRequest struct {
	Scope           string  `json:"scope"`
	Name            string  `json:"name"`
	CashbackPercent string  `json:"cashbackPercent"`
	MinSpend        *string `json:"minSpend,omitempty"` // absent = base tier
	Period          string  `json:"period,omitempty"`
	WindowDays      int     `json:"windowDays,omitempty"`
}

type OverrideTierRequest struct {
	TierID string `json:"tierId"`
	Reason string `json:"reason,omitempty"`
}

// =============================================================================
// MAPPING
// =============================================================================

func toTierDTO(t *loyalty.Tier) *TierDTO {
	if t == nil {
		return nil
	}
	dto := &TierDTO{
		ID:              t.ID,
		Name:            t.Name,
		CashbackPercent: t.CashbackPercent.String(),
		Period:          string(t.Period),
		WindowDays:      t.WindowDays,
		IsActive:        t.IsActive,
	}
	if t.MinSpend != nil {
		s := t.MinSpend.String()
		dto.MinSpend = &s
	}
	return dto
}

func toCustomerDTO(c *loyalty.Customer, tier *loyalty.Tier) CustomerDTO {
	dto := CustomerDTO{
		ID:                 c.ID,
		Scope:              string(c.Scope),
		ExternalCustomerID: c.ExternalCustomerID,
		Email:              c.Email,
		StoreCredit:        c.StoreCredit.StringFixed(2),
		TotalEarned:        c.TotalEarned.StringFixed(2),
		Tier:               toTierDTO(tier),
		CreatedAt:          c.CreatedAt.Format(time.RFC3339),
	}
	if c.LastSyncedAt != nil {
		s := c.LastSyncedAt.Format(time.RFC3339)
		dto.LastSyncedAt = &s
	}
	return dto
}

func toLedgerEntryDTO(e *loyalty.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:                e.ID,
		Amount:            e.Amount.StringFixed(2),
		Balance:           e.Balance.StringFixed(2),
		Type:              string(e.Type),
		Source:            string(e.Source),
		ExternalReference: e.ExternalReference,
		Description:       e.Description,
		CreatedAt:         e.CreatedAt.Format(time.RFC3339),
	}
}

func toJobDTO(j *loyalty.MigrationJob) JobDTO {
	dto := JobDTO{
		ID:               j.ID,
		Scope:            string(j.Scope),
		Status:           string(j.Status),
		TotalRecords:     j.TotalRecords,
		ProcessedRecords: j.ProcessedRecords,
		FailedRecords:    j.FailedRecords,
		Errors:           j.Errors,
		Metadata:         j.Metadata,
		CreatedAt:        j.CreatedAt.Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		s := j.StartedAt.Format(time.RFC3339)
		dto.StartedAt = &s
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	return dto
}
