package netflow

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/rs/zerolog"

	"whale-backend/internal/models"
	"whale-backend/internal/utils"
)

// Config holds aggregator settings.
type Config struct {
	TickInterval      time.Duration `long:"netflow-tick" env:"NETFLOW_TICK" default:"60s" description:"Interval between emitted net-flow samples"`
	Window            time.Duration `long:"netflow-window" env:"NETFLOW_WINDOW" default:"5m" description:"Rolling window summarized for the current signal"`
	Retention         time.Duration `long:"netflow-retention" env:"NETFLOW_RETENTION" default:"168h" description:"How long samples are kept for history queries"`
	NeutralBandBTC    float64       `long:"netflow-neutral-btc" env:"NETFLOW_NEUTRAL_BTC" default:"0" description:"Net flows within this band are labelled NEUTRAL"`
	StrengthScaleBTC  float64       `long:"netflow-strength-btc" env:"NETFLOW_STRENGTH_BTC" default:"1000" description:"Net flow that maps to full vote strength"`
	ConfidenceSamples int           `long:"netflow-confidence-samples" env:"NETFLOW_CONFIDENCE_SAMPLES" default:"10" description:"Sample count that maps to full vote confidence"`
}

// DefaultConfig returns default aggregator settings.
func DefaultConfig() Config {
	return Config{
		TickInterval:      60 * time.Second,
		Window:            5 * time.Minute,
		Retention:         7 * 24 * time.Hour,
		StrengthScaleBTC:  1000,
		ConfidenceSamples: 10,
	}
}

// Vote is the shape of the signal handed to a downstream fusion engine.
type Vote struct {
	Source     string           `json:"source"`
	Direction  models.FlowLabel `json:"direction"`
	Strength   float64          `json:"strength"`
	Confidence float64          `json:"confidence"`
}

// VoteSource identifies net-flow votes.
const VoteSource = "whale_netflow"

type window struct {
	start     time.Time
	inflow    float64
	outflow   float64
	netUSD    float64
	count     int
	addresses *hyperloglog.Sketch
}

func newWindow(start time.Time) *window {
	return &window{start: start, addresses: hyperloglog.New14()}
}

type retained struct {
	sample    models.NetFlowSample
	addresses *hyperloglog.Sketch
}

// Aggregator folds classified transactions into contiguous, non-overlapping
// samples. Every tick closes the open window at the tick time and opens the
// next one there.
type Aggregator struct {
	cfg    Config
	keep   func(utils.PressureLevel) float64
	logger zerolog.Logger

	mu         sync.Mutex
	current    *window
	history    []retained // oldest first
	maxSamples int
	baseMax    int
	total      int64
}

// NewAggregator creates an aggregator whose first window opens at start.
// keep maps a pressure level to the fraction of history retained; nil uses
// the default memory config.
func NewAggregator(cfg Config, start time.Time, keep func(utils.PressureLevel) float64) *Aggregator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Retention < cfg.Window {
		cfg.Retention = cfg.Window
	}
	if keep == nil {
		keep = utils.DefaultMemoryConfig().KeepFraction
	}
	maxSamples := int(cfg.Retention / cfg.TickInterval)
	if maxSamples < 1 {
		maxSamples = 1
	}
	return &Aggregator{
		cfg:        cfg,
		keep:       keep,
		logger:     utils.NewComponentLogger(utils.ComponentNetFlow),
		current:    newWindow(start),
		maxSamples: maxSamples,
		baseMax:    maxSamples,
	}
}

// Add folds tx into the open window. BUY counts as inflow, SELL as outflow,
// NEUTRAL only as a sample.
func (a *Aggregator) Add(tx models.WhaleTransaction) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.current
	switch tx.Direction {
	case models.DirectionBuy:
		w.inflow += tx.AmountBTC
		w.netUSD += tx.AmountUSD
	case models.DirectionSell:
		w.outflow += tx.AmountBTC
		w.netUSD -= tx.AmountUSD
	}
	w.count++
	for _, addr := range tx.Addresses {
		w.addresses.Insert([]byte(addr))
	}
	a.total++
}

// Tick closes the open window at now, retains and returns its sample, and
// opens the next window at now. A now before the window start is clamped so
// windows never overlap.
func (a *Aggregator) Tick(now time.Time) models.NetFlowSample {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.current
	end := now
	if end.Before(w.start) {
		end = w.start
	}
	sample := a.sampleOf(w, end)

	a.history = append(a.history, retained{sample: sample, addresses: w.addresses})
	a.trimLocked(end)
	a.current = newWindow(end)
	return sample
}

func (a *Aggregator) sampleOf(w *window, end time.Time) models.NetFlowSample {
	net := w.inflow - w.outflow
	return models.NetFlowSample{
		WindowStart:     w.start,
		WindowEnd:       end,
		NetFlowBTC:      net,
		NetFlowUSD:      w.netUSD,
		InflowBTC:       w.inflow,
		OutflowBTC:      w.outflow,
		Direction:       a.label(net),
		SampleCount:     w.count,
		UniqueAddresses: w.addresses.Estimate(),
	}
}

func (a *Aggregator) label(net float64) models.FlowLabel {
	switch {
	case net > a.cfg.NeutralBandBTC:
		return models.FlowAccumulation
	case net < -a.cfg.NeutralBandBTC:
		return models.FlowDistribution
	}
	return models.FlowNeutral
}

// trimLocked drops samples past retention or over the current cap.
func (a *Aggregator) trimLocked(now time.Time) {
	cutoff := now.Add(-a.cfg.Retention)
	drop := 0
	for drop < len(a.history) && !a.history[drop].sample.WindowEnd.After(cutoff) {
		drop++
	}
	if over := len(a.history) - drop - a.maxSamples; over > 0 {
		drop += over
	}
	if drop > 0 {
		a.history = append(a.history[:0:0], a.history[drop:]...)
	}
}

// Run ticks every TickInterval, folding transactions from in and sending
// each sample to out, until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, in <-chan models.WhaleTransaction, out chan<- models.NetFlowSample) {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case tx, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			a.Add(tx)

		case now := <-ticker.C:
			sample := a.Tick(now)
			a.logger.Debug().
				Float64("net_btc", sample.NetFlowBTC).
				Int("count", sample.SampleCount).
				Str("direction", string(sample.Direction)).
				Msg("net-flow sample")
			select {
			case out <- sample:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Timeframes supported by history queries.
var Timeframes = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

// ParseTimeframe maps a chart timeframe name to its duration.
func ParseTimeframe(s string) (time.Duration, error) {
	if d, ok := Timeframes[s]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unsupported timeframe %q", s)
}

// History returns retained samples that end within span of the newest one,
// oldest first.
func (a *Aggregator) History(span time.Duration) []models.NetFlowSample {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.history) == 0 {
		return nil
	}
	cutoff := a.history[len(a.history)-1].sample.WindowEnd.Add(-span)
	out := make([]models.NetFlowSample, 0, len(a.history))
	for _, r := range a.history {
		if r.sample.WindowEnd.After(cutoff) {
			out = append(out, r.sample)
		}
	}
	return out
}

// Latest returns the most recent sample.
func (a *Aggregator) Latest() (models.NetFlowSample, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.history) == 0 {
		return models.NetFlowSample{}, false
	}
	return a.history[len(a.history)-1].sample, true
}

// Summary merges the samples ending within span of the newest one into a
// single sample. Unique addresses are merged, not summed.
func (a *Aggregator) Summary(span time.Duration) (models.NetFlowSample, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.history) == 0 {
		return models.NetFlowSample{}, false
	}
	cutoff := a.history[len(a.history)-1].sample.WindowEnd.Add(-span)

	merged := &window{addresses: hyperloglog.New14()}
	var end time.Time
	first := true
	for _, r := range a.history {
		s := r.sample
		if !s.WindowEnd.After(cutoff) {
			continue
		}
		if first {
			merged.start = s.WindowStart
			first = false
		}
		end = s.WindowEnd
		merged.inflow += s.InflowBTC
		merged.outflow += s.OutflowBTC
		merged.netUSD += s.NetFlowUSD
		merged.count += s.SampleCount
		if err := merged.addresses.Merge(r.addresses); err != nil {
			a.logger.Warn().Err(err).Msg("address sketch merge failed")
		}
	}
	return a.sampleOf(merged, end), true
}

// Vote summarizes the configured rolling window as a fusion vote.
func (a *Aggregator) Vote() Vote {
	s, ok := a.Summary(a.cfg.Window)
	if !ok {
		return Vote{Source: VoteSource, Direction: models.FlowNeutral}
	}
	strength := 0.0
	if a.cfg.StrengthScaleBTC > 0 {
		strength = math.Min(1, math.Abs(s.NetFlowBTC)/a.cfg.StrengthScaleBTC)
	}
	confidence := 1.0
	if a.cfg.ConfidenceSamples > 0 {
		confidence = math.Min(1, float64(s.SampleCount)/float64(a.cfg.ConfidenceSamples))
	}
	return Vote{
		Source:     VoteSource,
		Direction:  s.Direction,
		Strength:   strength,
		Confidence: confidence,
	}
}

// Len returns the number of retained samples.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}

// MaxSamples returns the current history cap.
func (a *Aggregator) MaxSamples() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxSamples
}

// OnEnter trims retained history, oldest first.
func (a *Aggregator) OnEnter(level utils.PressureLevel) {
	a.mu.Lock()
	target := int(float64(a.baseMax) * a.keep(level))
	if target < 1 {
		target = 1
	}
	if target < a.maxSamples {
		a.maxSamples = target
	}
	before := len(a.history)
	if over := len(a.history) - a.maxSamples; over > 0 {
		a.history = append(a.history[:0:0], a.history[over:]...)
	}
	after, limit := len(a.history), a.maxSamples
	a.mu.Unlock()

	a.logger.Warn().
		Str("level", level.String()).
		Int("dropped", before-after).
		Int("max_samples", limit).
		Msg("net-flow history trimmed")
}

// OnExit restores the history cap. Trimmed samples are not recovered.
func (a *Aggregator) OnExit(utils.PressureLevel) {
	a.mu.Lock()
	a.maxSamples = a.baseMax
	a.mu.Unlock()
	a.logger.Info().Int("max_samples", a.baseMax).Msg("net-flow history cap restored")
}

// GetStats returns aggregator statistics
func (a *Aggregator) GetStats() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]interface{}{
		"retained":       len(a.history),
		"max_samples":    a.maxSamples,
		"total_observed": a.total,
		"open_count":     a.current.count,
		"open_since":     a.current.start.UTC().Format(time.RFC3339),
	}
}
