package classifier

import (
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whale-backend/internal/cache"
	"whale-backend/internal/models"
	"whale-backend/internal/urgency"
)

const (
	exchangeAddr = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	walletAddr   = "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"
	segwitAddr   = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
)

type staticPrice struct{ price, confidence float64 }

func (s staticPrice) CurrentPriceUSD() float64 { return s.price }
func (s staticPrice) Confidence() float64      { return s.confidence }

func newTestClassifier(inferrer DirectionInferrer) *Classifier {
	c := New(DefaultConfig(), cache.NewTransactionCache(100, nil),
		urgency.NewScorer(urgency.DefaultConfig(), nil), inferrer,
		staticPrice{price: 50000, confidence: 0.9})
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func rawTx(id string, btc float64) *models.RawTransaction {
	return &models.RawTransaction{
		TxID:      id,
		ValueSat:  int64(btc * 1e8),
		FeeRate:   80,
		FirstSeen: time.Unix(1700000000, 0),
		Inputs:    []string{walletAddr},
		Outputs:   []models.TxOutput{{Address: exchangeAddr, ValueSat: int64(btc * 1e8)}},
	}
}

func TestClassifyThresholdAndDuplicates(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(nil)

	_, err := c.Classify(rawTx("small", 99.9))
	require.ErrorIs(t, err, ErrBelowThreshold)

	tx, err := c.Classify(rawTx("big", 150))
	require.NoError(t, err)
	assert.Equal(t, models.StatusMempool, tx.Status)
	assert.Nil(t, tx.BlockHeight)
	assert.InDelta(t, 150*50000, tx.AmountUSD, 1e-6)
	assert.Equal(t, models.DirectionNeutral, tx.Direction)

	_, err = c.Classify(rawTx("big", 150))
	require.ErrorIs(t, err, ErrDuplicate)
	require.Equal(t, 1, c.Cache().Size())

	_, err = c.Classify(&models.RawTransaction{})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestClassifyCriticalSell(t *testing.T) {
	t.Parallel()

	inf, err := NewExchangeSetInferrer(&chaincfg.MainNetParams, []string{exchangeAddr})
	require.NoError(t, err)
	c := newTestClassifier(inf)

	tx, err := c.Classify(rawTx("sell", 600))
	require.NoError(t, err)
	assert.Equal(t, models.DirectionSell, tx.Direction)
	assert.GreaterOrEqual(t, tx.UrgencyScore, 80)
	assert.Equal(t, tx.UrgencyScore, tx.Breakdown.Total())
	assert.InDelta(t, 0.9, tx.Confidence, 1e-9)
}

func TestClassifyDeterministic(t *testing.T) {
	t.Parallel()

	a := newTestClassifier(nil)
	b := newTestClassifier(nil)
	txA, err := a.Classify(rawTx("same", 320))
	require.NoError(t, err)
	txB, err := b.Classify(rawTx("same", 320))
	require.NoError(t, err)
	require.Equal(t, txA.UrgencyScore, txB.UrgencyScore)
	require.Equal(t, txA.Breakdown, txB.Breakdown)
}

func TestExchangeSetInferrer(t *testing.T) {
	t.Parallel()

	inf, err := NewExchangeSetInferrer(&chaincfg.MainNetParams, []string{exchangeAddr, segwitAddr})
	require.NoError(t, err)
	require.Equal(t, 2, inf.Len())

	tests := []struct {
		name    string
		inputs  []string
		outputs []models.TxOutput
		want    models.Direction
	}{
		{
			name:    "deposit to exchange",
			inputs:  []string{walletAddr},
			outputs: []models.TxOutput{{Address: segwitAddr, ValueSat: 10}},
			want:    models.DirectionSell,
		},
		{
			name:    "withdrawal from exchange",
			inputs:  []string{exchangeAddr},
			outputs: []models.TxOutput{{Address: walletAddr, ValueSat: 10}},
			want:    models.DirectionBuy,
		},
		{
			name:    "internal exchange shuffle",
			inputs:  []string{exchangeAddr},
			outputs: []models.TxOutput{{Address: segwitAddr, ValueSat: 10}},
			want:    models.DirectionNeutral,
		},
		{
			name:    "unrelated",
			inputs:  []string{walletAddr},
			outputs: []models.TxOutput{{Address: "not-an-address", ValueSat: 10}},
			want:    models.DirectionNeutral,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, conf := inf.InferDirection(&models.RawTransaction{Inputs: tc.inputs, Outputs: tc.outputs})
			assert.Equal(t, tc.want, got)
			assert.GreaterOrEqual(t, conf, 0.5)
			assert.LessOrEqual(t, conf, 1.0)
		})
	}
}

func TestExchangeSetRejectsBadAddress(t *testing.T) {
	t.Parallel()

	_, err := NewExchangeSetInferrer(&chaincfg.MainNetParams, []string{"garbage"})
	require.Error(t, err)

	addrs, err := readAddressList(strings.NewReader("# exchanges\n\n" + exchangeAddr + "\n  " + segwitAddr + "  \n"))
	require.NoError(t, err)
	require.Equal(t, []string{exchangeAddr, segwitAddr}, addrs)
}
