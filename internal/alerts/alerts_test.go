package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whale-backend/internal/models"
)

func TestSeverity(t *testing.T) {
	t.Parallel()

	d := NewDeriver(DefaultConfig())
	tests := []struct {
		btc     float64
		urgency int
		want    models.Severity
	}{
		{50, 10, ""},
		{120, 10, models.SeverityMedium},
		{300, 10, models.SeverityHigh},
		{600, 10, models.SeverityCritical},
		{120, 65, models.SeverityHigh},
		{120, 85, models.SeverityCritical},
		{600, 85, models.SeverityCritical},
		{50, 61, models.SeverityHigh},
	}
	for _, tc := range tests {
		got := d.Severity(models.WhaleTransaction{AmountBTC: tc.btc, UrgencyScore: tc.urgency})
		assert.Equal(t, tc.want, got, "btc=%v urgency=%d", tc.btc, tc.urgency)
	}
}

func TestDerive(t *testing.T) {
	t.Parallel()

	d := NewDeriver(DefaultConfig())
	tx := models.WhaleTransaction{TxID: "abc", AmountBTC: 600, UrgencyScore: 90, Direction: models.DirectionSell}

	alert, ok := d.Derive(tx)
	require.True(t, ok)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Contains(t, alert.Message, "600.00 BTC")
	assert.Equal(t, "abc", alert.Transaction.TxID)

	_, ok = d.Derive(models.WhaleTransaction{AmountBTC: 1})
	assert.False(t, ok)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.HighBTC = 50
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.CriticalUrgency = 101
	require.Error(t, bad.Validate())
}
