package loyalty_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
)

func TestValidateCatalog_SingleBaseTier(t *testing.T) {
	min := dec("1000")
	base := loyalty.Tier{ID: "bronze", Name: "Bronze", IsActive: true}
	silver := loyalty.Tier{ID: "silver", Name: "Silver", MinSpend: &min, IsActive: true}

	// GIVEN one active base tier and one spend-gated tier
	// THEN the catalog is valid
	assert.NoError(t, loyalty.ValidateCatalog([]loyalty.Tier{base, silver}))

	// GIVEN a second active base tier
	// THEN the catalog is rejected
	second := loyalty.Tier{ID: "starter", Name: "Starter", IsActive: true}
	err := loyalty.ValidateCatalog([]loyalty.Tier{base, silver, second})
	assert.ErrorIs(t, err, loyalty.ErrDuplicateBaseTier)

	// GIVEN the second base tier is inactive
	// THEN it does not count against the invariant
	second.IsActive = false
	assert.NoError(t, loyalty.ValidateCatalog([]loyalty.Tier{base, silver, second}))
}
