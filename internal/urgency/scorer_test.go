package urgency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"whale-backend/internal/models"
)

type fixedFee float64

func (f fixedFee) FastestFee() float64 { return float64(f) }

func TestScoreCriticalSellScenario(t *testing.T) {
	t.Parallel()

	s := NewScorer(DefaultConfig(), nil)
	score, b := s.Score(Input{
		AmountBTC: 600,
		FeeRate:   80,
		Direction: models.DirectionSell,
	})

	require.GreaterOrEqual(t, score, 80)
	assert.Equal(t, MaxAmount, b.Amount)
	assert.Equal(t, MaxFeeRate, b.FeeRate)
	assert.Equal(t, MaxDirection, b.Direction)
	assert.Equal(t, score, b.Total())
}

// The critical sell stays critical only while its fee keeps up with the
// market: once the fastest recommendation passes twice its rate the fee part
// collapses and the score falls below 80.
func TestScoreCriticalSellAgainstMarketFee(t *testing.T) {
	t.Parallel()

	in := Input{AmountBTC: 600, FeeRate: 80, Direction: models.DirectionSell}
	tests := []struct {
		fastest float64
		fee     int
		score   int
	}{
		{40, 30, 100},
		{60, 25, 95},
		{160, 15, 85},
		{200, 4, 74},
	}
	for _, tc := range tests {
		score, b := NewScorer(DefaultConfig(), fixedFee(tc.fastest)).Score(in)
		assert.Equal(t, tc.fee, b.FeeRate, "fastest %v", tc.fastest)
		assert.Equal(t, tc.score, score, "fastest %v", tc.fastest)
	}
}

func TestScoreWithFeeReference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rate    float64
		fastest float64
		want    int
	}{
		{"well above fastest", 90, 40, 30},
		{"at fastest", 40, 40, 25},
		{"half of fastest", 20, 40, 15},
		{"far below fastest", 4, 40, 1},
		{"no fee", 0, 40, 0},
		{"no reference high", 55, 0, 30},
		{"no reference mid", 25, 0, 20},
		{"no reference low", 12, 0, 10},
		{"no reference tiny", 2, 0, 5},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := NewScorer(DefaultConfig(), fixedFee(tc.fastest))
			_, b := s.Score(Input{AmountBTC: 150, FeeRate: tc.rate})
			assert.Equal(t, tc.want, b.FeeRate)
		})
	}
}

func TestScoreMempoolAge(t *testing.T) {
	t.Parallel()

	s := NewScorer(DefaultConfig(), nil)
	ages := []struct {
		age  time.Duration
		rbf  bool
		want int
	}{
		{10 * time.Second, false, 15},
		{10 * time.Second, true, 15},
		{2 * time.Minute, false, 10},
		{2 * time.Minute, true, 13},
		{10 * time.Minute, false, 5},
		{2 * time.Hour, false, 0},
		{2 * time.Hour, true, 3},
	}
	for _, a := range ages {
		_, b := s.Score(Input{AmountBTC: 100, Age: a.age, IsRBF: a.rbf})
		assert.Equal(t, a.want, b.MempoolAge, "age %s rbf %v", a.age, a.rbf)
	}
}

func TestScoreAmountTiers(t *testing.T) {
	t.Parallel()

	s := NewScorer(DefaultConfig(), nil)
	for btc, want := range map[float64]int{
		0:    0,
		50:   12,
		100:  24,
		250:  32,
		499:  32,
		500:  40,
		9000: 40,
	} {
		_, b := s.Score(Input{AmountBTC: btc})
		assert.Equal(t, want, b.Amount, "amount %v", btc)
	}
}

// TestScoreBoundedAndDeterministic checks the score stays in range and is
// reproducible for arbitrary inputs.
func TestScoreBoundedAndDeterministic(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		fastest := rapid.Float64Range(0, 500).Draw(t, "fastest")
		s := NewScorer(DefaultConfig(), fixedFee(fastest))

		in := Input{
			AmountBTC: rapid.Float64Range(-10, 1e6).Draw(t, "amount"),
			FeeRate:   rapid.Float64Range(-1, 5000).Draw(t, "fee"),
			Direction: rapid.SampledFrom([]models.Direction{
				models.DirectionBuy, models.DirectionSell, models.DirectionNeutral,
			}).Draw(t, "direction"),
			IsRBF: rapid.Bool().Draw(t, "rbf"),
			Age:   time.Duration(rapid.Int64Range(0, int64(48*time.Hour)).Draw(t, "age")),
		}

		score, b := s.Score(in)
		require.GreaterOrEqual(t, score, 0)
		require.LessOrEqual(t, score, 100)
		require.Equal(t, score, b.Total())
		require.LessOrEqual(t, b.Amount, MaxAmount)
		require.LessOrEqual(t, b.FeeRate, MaxFeeRate)
		require.LessOrEqual(t, b.Direction, MaxDirection)
		require.LessOrEqual(t, b.MempoolAge, MaxMempoolAge)

		again, b2 := s.Score(in)
		require.Equal(t, score, again)
		require.Equal(t, b, b2)
	})
}
