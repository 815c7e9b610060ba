package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateTransaction_TerminalStatesAreAbsorbing(t *testing.T) {
	tx := NewUpdateTransaction(FlagSimplifiedFilters, false, true)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, OutcomePending, tx.Outcome)
	assert.False(t, tx.Outcome.Terminal())

	tx.Commit()
	tx.RollBack()
	tx.Abort()

	assert.Equal(t, OutcomeCommitted, tx.Outcome)
	assert.True(t, tx.FinalValue())
}

func TestResultOf(t *testing.T) {
	tx := NewUpdateTransaction("optimize", false, true)
	tx.RollBack()

	res := ResultOf(tx, fmt.Errorf("network"))
	assert.Equal(t, tx.ID, res.TransactionID)
	assert.False(t, res.Value)
	assert.Equal(t, OutcomeRolledBack, res.Outcome)
	assert.Equal(t, "network", res.Reason())

	assert.Equal(t, "", Result{}.Reason())
}

func TestTunnelMode_DescriptionKey(t *testing.T) {
	assert.Equal(t, "tunnel_mode_split_description", TunnelModeSplit.DescriptionKey())
	assert.Equal(t, "tunnel_mode_full_description", TunnelModeFull.DescriptionKey())
	assert.Equal(t, "tunnel_mode_full_without_icon_description", TunnelModeFullWithoutVPNIcon.DescriptionKey())
	assert.Equal(t, "", TunnelMode("other").DescriptionKey())
}
