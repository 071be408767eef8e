package urgency

import (
	"time"

	"whale-backend/internal/models"
)

// Component caps. They sum to MaxScore.
const (
	MaxAmount     = 40
	MaxFeeRate    = 30
	MaxDirection  = 15
	MaxMempoolAge = 15
	MaxScore      = MaxAmount + MaxFeeRate + MaxDirection + MaxMempoolAge

	rbfBonus = 3
)

// FeeReference supplies the current "fastest" recommended fee in sat/vB.
// Zero means no reference is available.
type FeeReference interface {
	FastestFee() float64
}

// Config holds the amount tiers used by the amount component.
type Config struct {
	MediumBTC   float64 `long:"urgency-medium-btc" env:"URGENCY_MEDIUM_BTC" default:"100" description:"Amount that earns the medium amount tier"`
	HighBTC     float64 `long:"urgency-high-btc" env:"URGENCY_HIGH_BTC" default:"250" description:"Amount that earns the high amount tier"`
	CriticalBTC float64 `long:"urgency-critical-btc" env:"URGENCY_CRITICAL_BTC" default:"500" description:"Amount that earns the full amount weight"`
}

// DefaultConfig returns the default tiers.
func DefaultConfig() Config {
	return Config{MediumBTC: 100, HighBTC: 250, CriticalBTC: 500}
}

// Input is everything the scorer looks at.
type Input struct {
	AmountBTC float64
	FeeRate   float64
	Direction models.Direction
	IsRBF     bool
	Age       time.Duration
}

// Scorer computes urgency scores. It holds no mutable state: the same input
// with the same reference fee always gives the same score.
type Scorer struct {
	cfg  Config
	fees FeeReference
}

// NewScorer creates a scorer. fees may be nil.
func NewScorer(cfg Config, fees FeeReference) *Scorer {
	return &Scorer{cfg: cfg, fees: fees}
}

// Score returns the urgency score in [0, 100] and its breakdown.
func (s *Scorer) Score(in Input) (int, models.UrgencyBreakdown) {
	var fastest float64
	if s.fees != nil {
		fastest = s.fees.FastestFee()
	}
	b := models.UrgencyBreakdown{
		Amount:     s.amount(in.AmountBTC),
		FeeRate:    feeRate(in.FeeRate, fastest),
		Direction:  direction(in.Direction),
		MempoolAge: mempoolAge(in.Age, in.IsRBF),
	}
	return clamp(b.Total(), 0, MaxScore), b
}

func (s *Scorer) amount(btc float64) int {
	switch {
	case btc <= 0:
		return 0
	case btc >= s.cfg.CriticalBTC:
		return MaxAmount
	case btc >= s.cfg.HighBTC:
		return 32
	case btc >= s.cfg.MediumBTC:
		return 24
	case s.cfg.MediumBTC <= 0:
		return 0
	}
	return clamp(int(24*btc/s.cfg.MediumBTC), 0, 24)
}

func feeRate(rate, fastest float64) int {
	if rate <= 0 {
		return 0
	}
	if fastest > 0 {
		ratio := rate / fastest
		switch {
		case ratio >= 1.5:
			return MaxFeeRate
		case ratio >= 1.0:
			return 25
		case ratio >= 0.5:
			return 15
		}
		return clamp(int(10*ratio), 0, 5)
	}

	switch {
	case rate >= 50:
		return MaxFeeRate
	case rate >= 20:
		return 20
	case rate >= 10:
		return 10
	}
	return 5
}

func direction(d models.Direction) int {
	switch d {
	case models.DirectionSell:
		return MaxDirection
	case models.DirectionBuy:
		return 10
	default:
		return 3
	}
}

func mempoolAge(age time.Duration, rbf bool) int {
	var score int
	switch {
	case age < time.Minute:
		score = MaxMempoolAge
	case age < 5*time.Minute:
		score = 10
	case age < 30*time.Minute:
		score = 5
	}
	if rbf {
		score += rbfBonus
	}
	return clamp(score, 0, MaxMempoolAge)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
