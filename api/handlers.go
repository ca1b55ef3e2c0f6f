/*
handlers.go - HTTP handlers for the cashback engine

PURPOSE:
  Exposes the engine over REST. Handlers parse and validate input,
  delegate to domain logic, and map domain errors onto HTTP statuses.

ENDPOINTS:
  Public (storefront widget):
    GET  /api/public/customers/{externalId}?scope=   balance + tier

  Admin:
    POST /api/admin/import                  start an import job
    GET  /api/admin/import/{jobId}          poll job progress
    POST /api/admin/import/{jobId}/cancel   cooperative cancel
    POST /api/admin/adjustments             manual credit/debit
    POST /api/admin/reconcile               bulk balance reconciliation
    GET  /api/admin/customers?scope=        customer list
    GET  /api/admin/customers/{id}          customer detail
    GET  /api/admin/customers/{id}/ledger   ledger history
    GET  /api/admin/customers/{id}/verify   ledger invariant check
    POST /api/admin/customers/{id}/tier     manual tier override
    GET  /api/admin/tiers?scope=            tier catalog
    POST /api/admin/tiers                   create tier
    POST /api/admin/tiers/{id}/deactivate   retire tier

ERROR HANDLING:
  - 400: invalid input
  - 404: missing customer/tier/job
  - 409: preconditions and conflicts (import running, cap exceeded,
         insufficient balance, job not cancellable)
  - 500: everything else
  The body is always a structured reason, never a stack trace.

SEE ALSO:
  - dto.go: wire shapes
  - server.go: routing and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cambridgetcg/rewardspro-sub001/importer"
	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
	"github.com/cambridgetcg/rewardspro-sub001/platform"
	"github.com/cambridgetcg/rewardspro-sub001/reconcile"
	"github.com/google/uuid"
)

// defaultAdjustCap bounds a single manual credit unless the request
// supplies its own (lower or higher is the operator's call).
var defaultAdjustCap = decimal.NewFromInt(15000)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        loyalty.Store
	Ledger       *loyalty.Ledger
	Evaluator    *loyalty.Evaluator
	Orchestrator *importer.Orchestrator
	Reconciler   *reconcile.Reconciler
	Balance      platform.BalanceAPI
	Log          *logrus.Logger
}

// =============================================================================
// PUBLIC - storefront widget
// =============================================================================

// GetPublicCustomer returns balance and tier for the storefront widget.
// A customer we have not seen yet is not an error: the widget gets the
// scope's base tier and zero balances.
func (h *Handler) GetPublicCustomer(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalId")
	scope := loyalty.Scope(r.URL.Query().Get("scope"))
	if scope == "" || externalID == "" {
		writeError(w, http.StatusBadRequest, "scope and customer id are required", nil)
		return
	}

	customer, err := h.Store.GetCustomerByExternalID(r.Context(), scope, externalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load customer", err)
		return
	}

	if customer == nil {
		tiers, err := h.Store.ListActiveTiers(r.Context(), scope)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load tiers", err)
			return
		}
		writeJSON(w, http.StatusOK, PublicCustomerDTO{
			Exists:      false,
			StoreCredit: "0.00",
			TotalEarned: "0.00",
			Tier:        toTierDTO(loyalty.BaseTier(tiers)),
		})
		return
	}

	tier, err := h.Evaluator.CurrentTier(r.Context(), customer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve tier", err)
		return
	}
	writeJSON(w, http.StatusOK, PublicCustomerDTO{
		Exists:      true,
		StoreCredit: customer.StoreCredit.StringFixed(2),
		TotalEarned: customer.TotalEarned.StringFixed(2),
		Tier:        toTierDTO(tier),
	})
}

// =============================================================================
// IMPORT JOBS
// =============================================================================

// StartImport launches an import run and returns its job id. The run
// itself proceeds in the background; poll GetImportJob for progress.
func (h *Handler) StartImport(w http.ResponseWriter, r *http.Request) {
	var req StartImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Scope == "" {
		writeError(w, http.StatusBadRequest, "scope is required", nil)
		return
	}

	opts := importer.Options{
		Mode:        importer.Mode(req.Mode),
		UpdateTiers: req.UpdateTiers,
	}
	if req.StartDate != "" {
		from, err := time.Parse("2006-01-02", req.StartDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid startDate, expected YYYY-MM-DD", err)
			return
		}
		opts.From = from
	}
	if req.EndDate != "" {
		to, err := time.Parse("2006-01-02", req.EndDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid endDate, expected YYYY-MM-DD", err)
			return
		}
		// Inclusive end of day.
		opts.To = to.Add(24*time.Hour - time.Nanosecond)
	}

	jobID, err := h.Orchestrator.Start(r.Context(), loyalty.Scope(req.Scope), opts)
	if err != nil {
		writeDomainError(w, "Failed to start import", err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartImportResponse{JobID: jobID})
}

// GetImportJob returns the job record for polling.
func (h *Handler) GetImportJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Orchestrator.Tracker().Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeDomainError(w, "Failed to load job", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(job))
}

// CancelImport requests a cooperative cancel. The orchestrator stops
// fetching pages at the next check; in-flight orders complete.
func (h *Handler) CancelImport(w http.ResponseWriter, r *http.Request) {
	err := h.Orchestrator.Tracker().Cancel(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeDomainError(w, "Failed to cancel job", err)
		return
	}
	job, err := h.Orchestrator.Tracker().Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeDomainError(w, "Failed to load job", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(job))
}

// =============================================================================
// MANUAL ADJUSTMENTS
// =============================================================================

// CreateAdjustment applies a manual credit or debit. The external
// platform balance is mutated first - its typed user errors are the
// failure reason if it rejects - then the local ledger records the
// entry.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be a positive decimal string", err)
		return
	}
	direction := loyalty.AdjustDirection(req.Direction)
	if direction != loyalty.AdjustCredit && direction != loyalty.AdjustDebit {
		writeError(w, http.StatusBadRequest, `direction must be "credit" or "debit"`, nil)
		return
	}
	cap := defaultAdjustCap
	if req.MaxAdd != "" {
		if cap, err = decimal.NewFromString(req.MaxAdd); err != nil {
			writeError(w, http.StatusBadRequest, "invalid maxAdd", err)
			return
		}
	}

	customer, err := h.Store.GetCustomer(r.Context(), req.CustomerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load customer", err)
		return
	}
	if customer == nil {
		writeError(w, http.StatusNotFound, "Customer not found", nil)
		return
	}

	// Local preconditions first so a doomed request never reaches the
	// platform.
	if direction == loyalty.AdjustCredit && amount.GreaterThan(cap) {
		writeDomainError(w, "Adjustment rejected", &loyalty.AdjustmentCapError{Requested: amount, Cap: cap})
		return
	}
	if direction == loyalty.AdjustDebit && amount.GreaterThan(customer.StoreCredit) {
		writeDomainError(w, "Adjustment rejected", &loyalty.InsufficientBalanceError{
			CustomerID: customer.ID,
			Available:  customer.StoreCredit,
			Requested:  amount,
		})
		return
	}

	// Mirror to the external platform. Drift from a failure after this
	// point is caught by reconciliation.
	if h.Balance != nil {
		mutate := h.Balance.Credit
		if direction == loyalty.AdjustDebit {
			mutate = h.Balance.Debit
		}
		if err := mutate(r.Context(), string(customer.Scope), customer.ExternalCustomerID, amount); err != nil {
			var userErrs platform.UserErrorList
			if errors.As(err, &userErrs) {
				writeError(w, http.StatusConflict, "Platform rejected the adjustment", userErrs)
				return
			}
			writeError(w, http.StatusBadGateway, "Platform call failed", err)
			return
		}
	}

	entry, err := h.Ledger.ManualAdjust(r.Context(), customer.ID, amount, direction, cap)
	if err != nil {
		writeDomainError(w, "Adjustment failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, AdjustResponse{
		EntryID:    entry.ID,
		NewBalance: entry.Balance.StringFixed(2),
	})
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func (h *Handler) BulkReconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Scope == "" {
		writeError(w, http.StatusBadRequest, "scope is required", nil)
		return
	}

	result, err := h.Reconciler.BulkReconcile(r.Context(), loyalty.Scope(req.Scope), req.StaleOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{
		Total:     result.Total,
		Corrected: result.Corrected,
		InSync:    result.InSync,
		Failures:  result.Failures,
	})
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	scope := loyalty.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		writeError(w, http.StatusBadRequest, "scope is required", nil)
		return
	}
	customers, err := h.Store.ListCustomers(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list customers", err)
		return
	}
	dtos := make([]CustomerDTO, 0, len(customers))
	for i := range customers {
		tier, err := h.Evaluator.CurrentTier(r.Context(), &customers[i])
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to resolve tier", err)
			return
		}
		dtos = append(dtos, toCustomerDTO(&customers[i], tier))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := h.Store.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load customer", err)
		return
	}
	if customer == nil {
		writeError(w, http.StatusNotFound, "Customer not found", nil)
		return
	}
	tier, err := h.Evaluator.CurrentTier(r.Context(), customer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve tier", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(customer, tier))
}

func (h *Handler) GetCustomerLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.LedgerEntries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load ledger", err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i := range entries {
		dtos[i] = toLedgerEntryDTO(&entries[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VerifyCustomerLedger replays the ledger against the cached balance.
func (h *Handler) VerifyCustomerLedger(w http.ResponseWriter, r *http.Request) {
	err := h.Ledger.Verify(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, VerifyResponse{Consistent: true})
	case errors.Is(err, loyalty.ErrBalanceMismatch):
		writeJSON(w, http.StatusOK, VerifyResponse{Consistent: false, Detail: err.Error()})
	case errors.Is(err, loyalty.ErrCustomerNotFound):
		writeError(w, http.StatusNotFound, "Customer not found", nil)
	default:
		writeError(w, http.StatusInternalServerError, "Verification failed", err)
	}
}

// OverrideCustomerTier force-assigns a tier; the membership is marked
// manual so automatic evaluation leaves it alone.
func (h *Handler) OverrideCustomerTier(w http.ResponseWriter, r *http.Request) {
	var req OverrideTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Evaluator.ManualOverride(r.Context(), chi.URLParam(r, "id"), req.TierID, req.Reason); err != nil {
		writeDomainError(w, "Failed to override tier", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// TIERS
// =============================================================================

func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	scope := loyalty.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		writeError(w, http.StatusBadRequest, "scope is required", nil)
		return
	}
	tiers, err := h.Store.ListActiveTiers(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tiers", err)
		return
	}
	dtos := make([]TierDTO, len(tiers))
	for i := range tiers {
		dtos[i] = *toTierDTO(&tiers[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateTier(w http.ResponseWriter, r *http.Request) {
	var req CreateTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Scope == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "scope and name are required", nil)
		return
	}
	percent, err := decimal.NewFromString(req.CashbackPercent)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cashbackPercent", err)
		return
	}

	tier := &loyalty.Tier{
		ID:              uuid.NewString(),
		Scope:           loyalty.Scope(req.Scope),
		Name:            req.Name,
		CashbackPercent: percent,
		Period:          loyalty.PeriodLifetime,
		WindowDays:      req.WindowDays,
		IsActive:        true,
		CreatedAt:       time.Now().UTC(),
	}
	if req.Period != "" {
		tier.Period = loyalty.EvaluationPeriod(req.Period)
	}
	if req.MinSpend != nil {
		min, err := decimal.NewFromString(*req.MinSpend)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid minSpend", err)
			return
		}
		tier.MinSpend = &min
	}

	// Check the catalog before touching the schema so a duplicate base
	// tier fails with a domain error, not a constraint bubble-up.
	active, err := h.Store.ListActiveTiers(r.Context(), tier.Scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load tier catalog", err)
		return
	}
	if err := loyalty.ValidateCatalog(append(active, *tier)); err != nil {
		writeDomainError(w, "Failed to create tier", err)
		return
	}

	if err := h.Store.CreateTier(r.Context(), tier); err != nil {
		writeDomainError(w, "Failed to create tier", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTierDTO(tier))
}

func (h *Handler) DeactivateTier(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeactivateTier(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, "Failed to deactivate tier", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case loyalty.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case loyalty.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, message, err)
	case loyalty.IsClientError(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
