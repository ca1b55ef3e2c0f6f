/*
evaluator.go - Tier selection state machine

PURPOSE:
  Decides which reward tier a customer currently qualifies for and
  performs the membership switch when the answer changes.

ALGORITHM:
  1. Load the scope's active tiers, MinSpend ascending with nil first
  2. Compute the customer's relevant spend per tier - lifetime sum or
     rolling-window sum, independently per tier since different tiers
     may use different windows
  3. Walk tiers from the highest threshold down and pick the first one
     whose threshold is met; the nil-MinSpend base tier always qualifies
  4. If the pick differs from the active membership: end the old
     membership, create the new one, and write a change-log row - all in
     one store transaction

POLICY:
  A customer whose active membership was assigned manually is never
  auto-re-evaluated. Manual overrides stay until an admin removes them.

SEE ALSO:
  - tiers.go: catalog ordering and change classification
  - importer: drives evaluation after imports
*/
package loyalty

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Evaluator struct {
	store Store
}

func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store}
}

// =============================================================================
// EVALUATION
// =============================================================================

// Evaluate re-scores one customer and switches their membership if a
// different tier now applies. Returns the tier in effect afterwards and
// whether a switch happened.
func (e *Evaluator) Evaluate(ctx context.Context, customerID, reason string) (*Tier, bool, error) {
	var (
		tier    *Tier
		changed bool
	)
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		tier, changed, err = e.evaluateTx(ctx, s, customerID, reason)
		return err
	})
	return tier, changed, err
}

func (e *Evaluator) evaluateTx(ctx context.Context, s Store, customerID, reason string) (*Tier, bool, error) {
	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, false, err
	}
	if customer == nil {
		return nil, false, ErrCustomerNotFound
	}

	tiers, err := s.ListActiveTiers(ctx, customer.Scope)
	if err != nil {
		return nil, false, err
	}
	if len(tiers) == 0 {
		return nil, false, ErrNoActiveTiers
	}

	current, err := s.ActiveMembership(ctx, customerID)
	if err != nil {
		return nil, false, err
	}
	if current != nil && current.AssignmentType == AssignManual {
		// Respect manual overrides.
		t, err := s.GetTier(ctx, current.TierID)
		return t, false, err
	}

	selected, err := e.selectTier(ctx, s, customerID, tiers)
	if err != nil {
		return nil, false, err
	}
	if selected == nil {
		// No base tier and no threshold met: nothing to assign.
		return nil, false, nil
	}

	if current != nil && current.TierID == selected.ID {
		return selected, false, nil
	}

	var from *Tier
	if current != nil {
		if from, err = s.GetTier(ctx, current.TierID); err != nil {
			return nil, false, err
		}
	}
	if err := e.switchTx(ctx, s, customerID, current, from, selected, AssignAutomatic, classifyChange(from, selected), reason); err != nil {
		return nil, false, err
	}
	return selected, true, nil
}

// selectTier walks tiers from the highest threshold down and returns the
// first (highest) one the customer qualifies for. Spend is computed per
// tier because evaluation periods differ between tiers.
func (e *Evaluator) selectTier(ctx context.Context, s Store, customerID string, tiers []Tier) (*Tier, error) {
	SortTiers(tiers)
	for i := len(tiers) - 1; i >= 0; i-- {
		t := &tiers[i]
		if t.IsBase() {
			return t, nil
		}
		spend, err := e.spendFor(ctx, s, customerID, t)
		if err != nil {
			return nil, err
		}
		if spend.GreaterThanOrEqual(*t.MinSpend) {
			return t, nil
		}
	}
	return nil, nil
}

func (e *Evaluator) spendFor(ctx context.Context, s Store, customerID string, t *Tier) (decimal.Decimal, error) {
	if t.Period == PeriodRolling {
		since := time.Now().UTC().AddDate(0, 0, -t.Window())
		return s.SpendSince(ctx, customerID, since)
	}
	return s.LifetimeSpend(ctx, customerID)
}

// =============================================================================
// INITIAL ASSIGNMENT
// =============================================================================

// AssignInitialTx pins a newly-sighted customer to the scope's base
// tier and logs the initial assignment. Runs inside the caller's
// transaction (the import orchestrator upserts customers per order).
func (e *Evaluator) AssignInitialTx(ctx context.Context, s Store, customer *Customer) (*Tier, error) {
	tiers, err := s.ListActiveTiers(ctx, customer.Scope)
	if err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		return nil, ErrNoActiveTiers
	}
	base := BaseTier(tiers)
	if base == nil {
		// No dedicated base tier: fall back to the lowest threshold.
		SortTiers(tiers)
		base = &tiers[0]
	}
	if err := e.switchTx(ctx, s, customer.ID, nil, nil, base, AssignAutomatic, ChangeInitial, "first sighting via import"); err != nil {
		return nil, err
	}
	return base, nil
}

// ManualOverride force-assigns a tier. The membership is marked manual
// so automatic evaluation leaves it alone.
func (e *Evaluator) ManualOverride(ctx context.Context, customerID, tierID, reason string) error {
	return e.store.WithTx(ctx, func(s Store) error {
		to, err := s.GetTier(ctx, tierID)
		if err != nil {
			return err
		}
		if to == nil {
			return ErrTierNotFound
		}
		current, err := s.ActiveMembership(ctx, customerID)
		if err != nil {
			return err
		}
		return e.switchTx(ctx, s, customerID, current, nil, to, AssignManual, ChangeManualOverride, reason)
	})
}

// =============================================================================
// MEMBERSHIP SWITCH - the single atomic transition
// =============================================================================

// switchTx deactivates the old membership, creates the new one, and
// writes the change-log row. Never leaves two active memberships, never
// leaves zero after the first assignment.
func (e *Evaluator) switchTx(ctx context.Context, s Store, customerID string, current *Membership, from, to *Tier, assign AssignmentType, change ChangeType, reason string) error {
	now := time.Now().UTC()
	if current != nil {
		if err := s.EndMembership(ctx, current.ID, now); err != nil {
			return err
		}
	}
	if err := s.CreateMembership(ctx, &Membership{
		ID:             uuid.NewString(),
		CustomerID:     customerID,
		TierID:         to.ID,
		IsActive:       true,
		AssignmentType: assign,
		StartedAt:      now,
	}); err != nil {
		return err
	}

	var fromID *string
	if current != nil {
		id := current.TierID
		fromID = &id
	}
	return s.AppendChangeLog(ctx, &TierChangeLog{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		FromTierID: fromID,
		ToTierID:   to.ID,
		ChangeType: change,
		Reason:     reason,
		CreatedAt:  now,
	})
}

// CurrentTier returns the tier behind the customer's active membership,
// or the scope's base tier when the customer has none yet.
func (e *Evaluator) CurrentTier(ctx context.Context, customer *Customer) (*Tier, error) {
	m, err := e.store.ActiveMembership(ctx, customer.ID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return e.store.GetTier(ctx, m.TierID)
	}
	tiers, err := e.store.ListActiveTiers(ctx, customer.Scope)
	if err != nil {
		return nil, err
	}
	return BaseTier(tiers), nil
}
