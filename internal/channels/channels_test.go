package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"whale-backend/internal/models"
)

func TestUtilization(t *testing.T) {
	t.Parallel()

	c := NewChannels(Config{RawBuffer: 4, ClassifiedBuffer: 2, SignalBuffer: 1})
	c.RawTransactions <- &models.RawTransaction{TxID: "a"}
	c.BroadcastTransactions <- models.WhaleTransaction{}
	c.Confirmations <- models.WhaleTransaction{}

	u := c.Utilization()
	assert.Equal(t, 25.0, u["raw"])
	assert.Equal(t, 50.0, u["broadcast"])
	assert.Equal(t, 100.0, u["confirmations"])
	assert.Zero(t, u["accuracy"])
}

func TestNewChannelsFillsDefaults(t *testing.T) {
	t.Parallel()

	c := NewChannels(Config{})
	assert.Equal(t, DefaultConfig().RawBuffer, cap(c.RawTransactions))
	assert.Equal(t, DefaultConfig().SignalBuffer, cap(c.Confirmations))
}
