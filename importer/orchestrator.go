/*
Package importer walks the external order feed and turns paid orders
into customers, cashback transactions, and ledger entries.

PURPOSE (orchestrator.go):
  One import run pages through the feed with a forward-only cursor and
  processes each order inside its own store transaction:

    1. skip orders outside the date range, guest checkouts, and unpaid
       orders - counted, not errors
    2. upsert the customer; first sighting gets the base tier and an
       "initial" change-log row
    3. look up the (scope, order id) transaction; existing + mode=new is
       a skip, otherwise compute cashback at the customer's current rate
       (frozen into the record) and insert the transaction plus a
       cashback_earned ledger append

  One bad order never aborts the run: its error is recorded on the job
  and the loop continues. Feed-level errors stop the run (the cursor
  cannot be trusted) and fail the job.

LIFECYCLE:
  Start() is fire-and-start: it validates preconditions, creates the
  job row, spawns the run goroutine, and returns the job id. Progress
  is observed by polling the job; cancellation is cooperative and
  checked between pages.

RATE LIMITING:
  A short pause between pages keeps the run under the platform's rate
  limits. Cooperative delay, not a lock.

SEE ALSO:
  - tracker.go: job status transitions
  - loyalty/evaluator.go: tier re-scoring after the run
*/
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
	"github.com/cambridgetcg/rewardspro-sub001/platform"
)

// Mode controls how already-imported orders are treated.
type Mode string

const (
	ModeNewOnly Mode = "new" // skip orders already recorded
	ModeAll     Mode = "all" // reprocess and update in place
)

// Options configures one import run.
type Options struct {
	From        time.Time
	To          time.Time
	Mode        Mode
	UpdateTiers bool
	PageSize    int
}

const (
	defaultPageSize  = 250
	defaultPagePause = 500 * time.Millisecond
	statsWindowDays  = 365
)

type Orchestrator struct {
	store     loyalty.Store
	ledger    *loyalty.Ledger
	evaluator *loyalty.Evaluator
	feed      platform.OrderFeed
	tracker   *Tracker
	log       *logrus.Logger

	// PagePause is the cooperative delay between page fetches.
	PagePause time.Duration
}

func NewOrchestrator(store loyalty.Store, ledger *loyalty.Ledger, evaluator *loyalty.Evaluator, feed platform.OrderFeed, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		ledger:    ledger,
		evaluator: evaluator,
		feed:      feed,
		tracker:   NewTracker(store),
		log:       log,
		PagePause: defaultPagePause,
	}
}

// Tracker exposes the job tracker for status polling and cancellation.
func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// =============================================================================
// START - Synchronous preconditions, then fire-and-start
// =============================================================================

// Start validates preconditions, creates the job record, and launches
// the run. Precondition failures are returned to the caller and never
// create a job row.
func (o *Orchestrator) Start(ctx context.Context, scope loyalty.Scope, opts Options) (string, error) {
	if opts.Mode == "" {
		opts.Mode = ModeNewOnly
	}
	if opts.PageSize <= 0 || opts.PageSize > platform.MaxPageSize {
		opts.PageSize = defaultPageSize
	}

	tiers, err := o.store.ListActiveTiers(ctx, scope)
	if err != nil {
		return "", err
	}
	if len(tiers) == 0 {
		return "", loyalty.ErrNoActiveTiers
	}

	job, err := o.tracker.Create(ctx, scope, map[string]string{
		"kind":        "order_import",
		"mode":        string(opts.Mode),
		"from":        opts.From.Format(time.RFC3339),
		"to":          opts.To.Format(time.RFC3339),
		"page_size":   fmt.Sprintf("%d", opts.PageSize),
		"tier_update": fmt.Sprintf("%t", opts.UpdateTiers),
	})
	if err != nil {
		return "", err
	}

	// The run outlives the triggering request.
	go o.run(context.Background(), job, scope, opts)

	return job.ID, nil
}

// =============================================================================
// RUN LOOP
// =============================================================================

func (o *Orchestrator) run(ctx context.Context, job *loyalty.MigrationJob, scope loyalty.Scope, opts Options) {
	log := o.log.WithFields(logrus.Fields{
		"job":   job.ID,
		"scope": scope,
		"mode":  opts.Mode,
	})

	started, err := o.tracker.Begin(ctx, job)
	if err != nil {
		log.WithError(err).Error("failed to begin import job")
		return
	}
	if !started {
		log.WithField("status", job.Status).Info("job cancelled before first fetch")
		return
	}

	touched := make(map[string]struct{})
	skipped := 0
	cursor := platform.PageCursor{}

	for page := 1; ; page++ {
		orders, err := o.feed.Orders(ctx, string(scope), platform.OrderQuery{
			Cursor:   cursor,
			PageSize: opts.PageSize,
		})
		if err != nil {
			// Feed-level failure: the cursor cannot be trusted, stop here.
			log.WithError(err).WithField("page", page).Error("order feed failed")
			job.RecordError(fmt.Sprintf("page %d: %v", page, err))
			o.closeJob(ctx, job, loyalty.JobFailed, skipped, log)
			return
		}

		job.TotalRecords += len(orders.Results)
		for _, result := range orders.Results {
			switch o.processResult(ctx, scope, result, opts, job, touched) {
			case outcomeProcessed:
				job.ProcessedRecords++
			case outcomeSkipped:
				skipped++
				job.ProcessedRecords++
			case outcomeFailed:
				// counter already bumped by RecordError
			}
		}

		if err := o.tracker.Progress(ctx, job); err != nil {
			log.WithError(err).Warn("failed to persist job progress")
		}
		if job.Status == loyalty.JobCancelled {
			log.WithField("processed", job.ProcessedRecords).Info("import cancelled")
			return
		}
		if !orders.HasNext {
			break
		}
		cursor = orders.Next
		time.Sleep(o.PagePause)
	}

	o.finish(ctx, scope, opts, touched, job, log)
	o.closeJob(ctx, job, loyalty.JobCompleted, skipped, log)
	log.WithFields(logrus.Fields{
		"processed": job.ProcessedRecords,
		"failed":    job.FailedRecords,
		"skipped":   skipped,
	}).Info("import completed")
}

func (o *Orchestrator) closeJob(ctx context.Context, job *loyalty.MigrationJob, status loyalty.JobStatus, skipped int, log *logrus.Entry) {
	if job.Metadata == nil {
		job.Metadata = map[string]string{}
	}
	job.Metadata["skipped"] = fmt.Sprintf("%d", skipped)
	if err := o.tracker.Close(ctx, job, status); err != nil {
		log.WithError(err).Error("failed to close import job")
	}
}

// =============================================================================
// PER-ORDER PROCESSING
// =============================================================================

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
	outcomeFailed
)

// errAlreadyImported aborts a per-order transaction that turned out to
// be a benign duplicate (mode=new re-import).
var errAlreadyImported = errors.New("order already imported")

func (o *Orchestrator) processResult(ctx context.Context, scope loyalty.Scope, result platform.OrderResult, opts Options, job *loyalty.MigrationJob, touched map[string]struct{}) outcome {
	switch result.Kind {
	case platform.ResultMalformed:
		// Unexpected shape from the feed is an error, not a skip.
		job.RecordError(result.Detail)
		return outcomeFailed
	case platform.ResultSkipped:
		return outcomeSkipped
	}

	order := result.Order
	if !opts.From.IsZero() && order.CreatedAt.Before(opts.From) {
		return outcomeSkipped
	}
	if !opts.To.IsZero() && order.CreatedAt.After(opts.To) {
		return outcomeSkipped
	}

	customerID, err := o.resolveCustomerID(ctx, scope, order.Customer.ExternalID)
	if err != nil {
		job.RecordError(fmt.Sprintf("order %s: %v", order.ExternalID, err))
		return outcomeFailed
	}

	// Same-customer ledger work is serialized around the whole order
	// transaction.
	unlock := o.ledger.Lock(customerID)
	defer unlock()

	err = o.store.WithTx(ctx, func(s loyalty.Store) error {
		return o.processOrderTx(ctx, s, scope, customerID, order, opts)
	})
	switch {
	case errors.Is(err, errAlreadyImported):
		return outcomeSkipped
	case err != nil:
		job.RecordError(fmt.Sprintf("order %s: %v", order.ExternalID, err))
		return outcomeFailed
	}
	touched[customerID] = struct{}{}
	return outcomeProcessed
}

// resolveCustomerID picks the id the order's customer will have locally,
// so the ledger stripe can be taken before the transaction opens.
func (o *Orchestrator) resolveCustomerID(ctx context.Context, scope loyalty.Scope, externalID string) (string, error) {
	existing, err := o.store.GetCustomerByExternalID(ctx, scope, externalID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}
	return uuid.NewString(), nil
}

// processOrderTx is the atomic unit for one order: customer upsert,
// transaction upsert, ledger append.
func (o *Orchestrator) processOrderTx(ctx context.Context, s loyalty.Store, scope loyalty.Scope, customerID string, order platform.Order, opts Options) error {
	customer, err := s.GetCustomerByExternalID(ctx, scope, order.Customer.ExternalID)
	if err != nil {
		return err
	}
	if customer == nil {
		customer = &loyalty.Customer{
			ID:                 customerID,
			Scope:              scope,
			ExternalCustomerID: order.Customer.ExternalID,
			Email:              order.Customer.Email,
			CreatedAt:          time.Now().UTC(),
		}
		if err := s.CreateCustomer(ctx, customer); err != nil {
			return err
		}
		if _, err := o.evaluator.AssignInitialTx(ctx, s, customer); err != nil {
			return err
		}
	}

	existing, err := s.GetTransactionByOrder(ctx, scope, order.ExternalID)
	if err != nil {
		return err
	}
	if existing != nil && opts.Mode == ModeNewOnly {
		return errAlreadyImported
	}

	tier, err := o.currentTierTx(ctx, s, customer)
	if err != nil {
		return err
	}
	cashback := loyalty.Cashback(order.TotalAmount, tier.CashbackPercent)

	if existing != nil {
		// Reprocess in place; if the reward changed, the difference is
		// appended so the ledger stays in step with the transaction row.
		delta := cashback.Sub(existing.CashbackAmount)
		existing.OrderAmount = order.TotalAmount
		existing.CashbackAmount = cashback
		existing.CashbackPercent = tier.CashbackPercent
		existing.Status = loyalty.TxCompleted
		if err := s.UpdateTransaction(ctx, existing); err != nil {
			return err
		}
		if !delta.IsZero() {
			_, err = o.ledger.AppendTx(ctx, s, loyalty.AppendInput{
				CustomerID:        customer.ID,
				Amount:            delta,
				Type:              loyalty.EntryCashbackEarned,
				Source:            loyalty.SourceImport,
				ExternalReference: order.ExternalID,
				Description:       "cashback recomputed on re-import",
			})
			return err
		}
		return nil
	}

	tx := &loyalty.CashbackTransaction{
		ID:              uuid.NewString(),
		Scope:           scope,
		ExternalOrderID: order.ExternalID,
		CustomerID:      customer.ID,
		OrderAmount:     order.TotalAmount,
		CashbackAmount:  cashback,
		CashbackPercent: tier.CashbackPercent,
		Currency:        order.Currency,
		Status:          loyalty.TxCompleted,
		CreatedAt:       order.CreatedAt, // the order's date, not import time
	}
	if err := s.CreateTransaction(ctx, tx); err != nil {
		return err
	}
	_, err = o.ledger.AppendTx(ctx, s, loyalty.AppendInput{
		CustomerID:        customer.ID,
		Amount:            cashback,
		Type:              loyalty.EntryCashbackEarned,
		Source:            loyalty.SourceImport,
		ExternalReference: order.ExternalID,
		Description:       fmt.Sprintf("%s%% cashback on order %s", tier.CashbackPercent, order.ExternalID),
	})
	return err
}

func (o *Orchestrator) currentTierTx(ctx context.Context, s loyalty.Store, customer *loyalty.Customer) (*loyalty.Tier, error) {
	m, err := s.ActiveMembership(ctx, customer.ID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("customer %s has no active membership", customer.ID)
	}
	tier, err := s.GetTier(ctx, m.TierID)
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, loyalty.ErrTierNotFound
	}
	return tier, nil
}

// =============================================================================
// POST-RUN - Analytics and tier re-scoring for touched customers
// =============================================================================

func (o *Orchestrator) finish(ctx context.Context, scope loyalty.Scope, opts Options, touched map[string]struct{}, job *loyalty.MigrationJob, log *logrus.Entry) {
	for customerID := range touched {
		if err := o.recomputeStats(ctx, customerID); err != nil {
			log.WithError(err).WithField("customer", customerID).Warn("failed to recompute spend stats")
		}
		if !opts.UpdateTiers {
			continue
		}
		if _, _, err := o.evaluator.Evaluate(ctx, customerID, "post-import evaluation"); err != nil {
			job.RecordError(fmt.Sprintf("tier evaluation for customer %s: %v", customerID, err))
		}
	}
}

func (o *Orchestrator) recomputeStats(ctx context.Context, customerID string) error {
	now := time.Now().UTC()
	lifetime, err := o.store.LifetimeSpend(ctx, customerID)
	if err != nil {
		return err
	}
	window, err := o.store.SpendSince(ctx, customerID, now.AddDate(0, 0, -statsWindowDays))
	if err != nil {
		return err
	}
	count, last, err := o.store.OrderStats(ctx, customerID)
	if err != nil {
		return err
	}

	stats := &loyalty.SpendStats{
		CustomerID:    customerID,
		LifetimeSpend: lifetime,
		WindowSpend:   window,
		OrderCount:    count,
		LastOrderAt:   last,
		ComputedAt:    now,
	}
	if last != nil {
		stats.DaysSinceLastOrder = int(now.Sub(*last).Hours() / 24)
	}
	return o.store.SaveSpendStats(ctx, stats)
}
