/*
tiers.go - Tier catalog, memberships, and the tier change log

PURPOSE:
  Defines the ordered set of reward tiers for a scope and the link
  between a customer and their current tier.

ORDERING:
  Tiers sort by MinSpend ascending with nil first. The nil-MinSpend tier
  is the base tier every customer qualifies for; within a scope at most
  one active tier may have a nil MinSpend.

MEMBERSHIP INVARIANT:
  A customer has at most one active membership at any time. Changing
  tiers deactivates the old membership and creates the new one in a
  single store transaction - never two active, never zero after the
  customer's first assignment.

SEE ALSO:
  - evaluator.go: selects the tier a customer qualifies for
  - store.go: TierStore / MembershipStore contracts
*/
package loyalty

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TIER
// =============================================================================

// EvaluationPeriod controls which spend qualifies a customer for a tier.
type EvaluationPeriod string

const (
	PeriodLifetime EvaluationPeriod = "lifetime"
	PeriodRolling  EvaluationPeriod = "rolling"
)

// DefaultRollingWindowDays applies when a rolling tier omits its window.
const DefaultRollingWindowDays = 365

type Tier struct {
	ID              string
	Scope           Scope
	Name            string
	CashbackPercent decimal.Decimal
	MinSpend        *decimal.Decimal // nil = base/default tier
	Period          EvaluationPeriod
	WindowDays      int // rolling tiers only
	IsActive        bool
	CreatedAt       time.Time
}

// IsBase reports whether this is the fallback tier every customer
// qualifies for.
func (t *Tier) IsBase() bool { return t.MinSpend == nil }

// Window returns the rolling window, defaulted.
func (t *Tier) Window() int {
	if t.WindowDays > 0 {
		return t.WindowDays
	}
	return DefaultRollingWindowDays
}

// SortTiers orders tiers by MinSpend ascending, nil first. The evaluator
// walks this slice from the end to find the highest qualifying tier.
func SortTiers(tiers []Tier) {
	sort.SliceStable(tiers, func(i, j int) bool {
		a, b := tiers[i].MinSpend, tiers[j].MinSpend
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.LessThan(*b)
		}
	})
}

// BaseTier returns the active nil-MinSpend tier, or nil if the scope has
// none configured.
func BaseTier(tiers []Tier) *Tier {
	for i := range tiers {
		if tiers[i].IsActive && tiers[i].IsBase() {
			return &tiers[i]
		}
	}
	return nil
}

// ValidateCatalog enforces the single-base-tier invariant for a scope's
// active tiers.
func ValidateCatalog(tiers []Tier) error {
	base := 0
	for i := range tiers {
		if tiers[i].IsActive && tiers[i].IsBase() {
			base++
		}
	}
	if base > 1 {
		return ErrDuplicateBaseTier
	}
	return nil
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

// AssignmentType distinguishes evaluator-driven assignments from
// manual/purchased ones. Automatic evaluation never touches a manual
// membership - manual overrides are respected until removed.
type AssignmentType string

const (
	AssignAutomatic AssignmentType = "automatic"
	AssignManual    AssignmentType = "manual"
)

type Membership struct {
	ID             string
	CustomerID     string
	TierID         string
	IsActive       bool
	AssignmentType AssignmentType
	StartedAt      time.Time
	EndedAt        *time.Time
}

// =============================================================================
// TIER CHANGE LOG - Immutable audit trail of transitions
// =============================================================================

type ChangeType string

const (
	ChangeInitial            ChangeType = "initial"
	ChangeAutomaticUpgrade   ChangeType = "automatic_upgrade"
	ChangeAutomaticDowngrade ChangeType = "automatic_downgrade"
	ChangeManualOverride     ChangeType = "manual_override"
)

type TierChangeLog struct {
	ID         string
	CustomerID string
	FromTierID *string // nil for initial assignment
	ToTierID   string
	ChangeType ChangeType
	Reason     string
	CreatedAt  time.Time
}

// classifyChange types a transition by comparing cashback rates: a richer
// rate is an upgrade even if thresholds were reshuffled.
func classifyChange(from, to *Tier) ChangeType {
	if from == nil {
		return ChangeInitial
	}
	if to.CashbackPercent.GreaterThan(from.CashbackPercent) {
		return ChangeAutomaticUpgrade
	}
	return ChangeAutomaticDowngrade
}
