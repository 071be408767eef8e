package models

import (
	"errors"
	"fmt"
	"time"
)

// Direction is the inferred market side of a whale transaction.
type Direction string

const (
	DirectionBuy     Direction = "BUY"
	DirectionSell    Direction = "SELL"
	DirectionNeutral Direction = "NEUTRAL"
)

// ConfirmationStatus tracks whether a transaction has been mined.
type ConfirmationStatus string

const (
	StatusMempool   ConfirmationStatus = "mempool"
	StatusConfirmed ConfirmationStatus = "confirmed"
)

// ErrAlreadyConfirmed is returned when a confirmed transaction is confirmed again.
var ErrAlreadyConfirmed = errors.New("transaction already confirmed")

// UrgencyBreakdown explains an urgency score. The four parts always sum to
// the score; it is never stored on its own.
type UrgencyBreakdown struct {
	Amount     int `json:"amount"`
	FeeRate    int `json:"fee_rate"`
	Direction  int `json:"direction"`
	MempoolAge int `json:"mempool_age"`
}

// Total returns the summed score.
func (b UrgencyBreakdown) Total() int {
	return b.Amount + b.FeeRate + b.Direction + b.MempoolAge
}

// WhaleTransaction is a classified transaction above the whale threshold.
// Only Status and BlockHeight change after classification, and only once.
type WhaleTransaction struct {
	TxID         string             `json:"txid"`
	Timestamp    time.Time          `json:"timestamp"`
	AmountBTC    float64            `json:"amount_btc"`
	AmountUSD    float64            `json:"amount_usd"`
	Direction    Direction          `json:"direction"`
	FeeRate      float64            `json:"fee_rate"`
	IsRBF        bool               `json:"is_rbf"`
	Status       ConfirmationStatus `json:"status"`
	BlockHeight  *int64             `json:"block_height"`
	UrgencyScore int                `json:"urgency_score"`
	Confidence   float64            `json:"confidence"`
	Breakdown    UrgencyBreakdown   `json:"urgency_breakdown"`

	// Addresses are carried for flow statistics only and are not broadcast.
	Addresses []string `json:"-"`
}

// IsConfirmed reports whether the transaction has been mined.
func (w *WhaleTransaction) IsConfirmed() bool {
	return w.Status == StatusConfirmed
}

// Confirm moves the transaction from mempool to confirmed at height. The
// transition happens exactly once.
func (w *WhaleTransaction) Confirm(height int64) error {
	if w.Status == StatusConfirmed {
		return ErrAlreadyConfirmed
	}
	if height < 0 {
		return fmt.Errorf("invalid block height %d", height)
	}
	h := height
	w.Status = StatusConfirmed
	w.BlockHeight = &h
	return nil
}

// FlowLabel names the direction of an aggregated net flow.
type FlowLabel string

const (
	FlowAccumulation FlowLabel = "ACCUMULATION"
	FlowDistribution FlowLabel = "DISTRIBUTION"
	FlowNeutral      FlowLabel = "NEUTRAL"
)

// NetFlowSample aggregates classified transactions over one window.
// Positive NetFlowBTC means net inflow (accumulation).
type NetFlowSample struct {
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	NetFlowBTC      float64   `json:"net_flow_btc"`
	NetFlowUSD      float64   `json:"net_flow_usd"`
	InflowBTC       float64   `json:"inflow_btc"`
	OutflowBTC      float64   `json:"outflow_btc"`
	Direction       FlowLabel `json:"direction"`
	SampleCount     int       `json:"sample_count"`
	UniqueAddresses uint64    `json:"unique_addresses"`
}

// PredictedDirection is the market move implied by a whale transaction.
type PredictedDirection string

const (
	PredictBullish PredictedDirection = "bullish"
	PredictBearish PredictedDirection = "bearish"
	PredictNeutral PredictedDirection = "neutral"
)

// PredictionFor maps a transaction direction to the implied prediction:
// large outflows to sellers are bearish, accumulation is bullish.
func PredictionFor(d Direction) PredictedDirection {
	switch d {
	case DirectionSell:
		return PredictBearish
	case DirectionBuy:
		return PredictBullish
	default:
		return PredictNeutral
	}
}

// OutcomeClass is the resolution of a prediction.
type OutcomeClass string

const (
	OutcomeTruePositive  OutcomeClass = "true_positive"
	OutcomeFalsePositive OutcomeClass = "false_positive"
	OutcomeTrueNegative  OutcomeClass = "true_negative"
	OutcomeFalseNegative OutcomeClass = "false_negative"
	OutcomePending       OutcomeClass = "pending"
)

// Correct reports whether the outcome counts towards accuracy.
func (o OutcomeClass) Correct() bool {
	return o == OutcomeTruePositive || o == OutcomeTrueNegative
}

// PredictionOutcome links a whale transaction's implied prediction to what was
// observed once it confirmed.
type PredictionOutcome struct {
	ID                int64              `json:"id"`
	TxID              string             `json:"txid"`
	Predicted         PredictedDirection `json:"predicted"`
	Outcome           OutcomeClass       `json:"outcome"`
	PredictedAt       time.Time          `json:"predicted_at"`
	ResolvedAt        *time.Time         `json:"resolved_at,omitempty"`
	UrgencyScore      int                `json:"urgency_score"`
	PriceAtPrediction float64            `json:"price_at_prediction"`
	PriceAtHorizon    float64            `json:"price_at_horizon,omitempty"`
	PriceAtResolution float64            `json:"price_at_resolution,omitempty"`
	BlockHeight       *int64             `json:"block_height,omitempty"`
}

// Severity grades a derived alert.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Alert is pushed on the alerts channel for significant transactions.
type Alert struct {
	Severity    Severity         `json:"severity"`
	Message     string           `json:"message"`
	Transaction WhaleTransaction `json:"transaction"`
}

// AccuracyLevel grades an accuracy threshold breach.
type AccuracyLevel string

const (
	AccuracyWarning  AccuracyLevel = "WARNING"
	AccuracyCritical AccuracyLevel = "CRITICAL"
)

// AccuracyAlert is raised when rolling accuracy drops below a threshold.
type AccuracyAlert struct {
	Level     AccuracyLevel `json:"level"`
	Window    string        `json:"window"`
	Accuracy  float64       `json:"accuracy"`
	Threshold float64       `json:"threshold"`
	Total     int           `json:"total"`
	RaisedAt  time.Time     `json:"raised_at"`
}
