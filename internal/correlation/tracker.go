// Package correlation records the market direction implied by each whale
// transaction, captures the price once the evaluation horizon has passed,
// resolves the prediction when the transaction confirms, and scores its own
// accuracy over time.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/lru"
	"github.com/rs/zerolog"

	"whale-backend/internal/cache"
	"whale-backend/internal/models"
	"whale-backend/internal/price"
	"whale-backend/internal/utils"
)

// Config holds tracker settings.
type Config struct {
	EvaluationHorizon time.Duration `long:"horizon" env:"HORIZON" default:"1h" description:"Time after the prediction at which the price move is judged"`
	NeutralBandPct    float64       `long:"neutral-band" env:"NEUTRAL_BAND" default:"0.5" description:"Price change, in percent, still considered flat"`
	PollInterval      time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"30s" description:"Confirmation polling interval"`
	PollBatch         int           `long:"poll-batch" env:"POLL_BATCH" default:"500" description:"Pending predictions examined per poll"`
	PendingWindow     time.Duration `long:"pending-window" env:"PENDING_WINDOW" default:"336h" description:"Unconfirmed predictions older than this are no longer polled"`
	MonitorInterval   time.Duration `long:"monitor-interval" env:"MONITOR_INTERVAL" default:"5m" description:"Accuracy check interval"`
	WarningAccuracy   float64       `long:"warning-accuracy" env:"WARNING_ACCURACY" default:"0.75" description:"Accuracy below this raises a WARNING"`
	CriticalAccuracy  float64       `long:"critical-accuracy" env:"CRITICAL_ACCURACY" default:"0.70" description:"Accuracy below this raises a CRITICAL"`
	MinSamples        int           `long:"min-samples" env:"MIN_SAMPLES" default:"10" description:"Resolved predictions required before a window is judged"`
	AlertCooldown     time.Duration `long:"alert-cooldown" env:"ALERT_COOLDOWN" default:"1h" description:"Minimum gap between alerts for the same level and window"`
	Retention         time.Duration `long:"retention" env:"RETENTION" default:"2160h" description:"Predictions older than this are pruned"`
	PruneInterval     time.Duration `long:"prune-interval" env:"PRUNE_INTERVAL" default:"24h" description:"Pruning interval"`
	ResolvedCacheSize uint          `long:"resolved-cache" env:"RESOLVED_CACHE" default:"10000" description:"Resolved txids remembered in memory"`
}

// DefaultConfig returns default tracker settings.
func DefaultConfig() Config {
	return Config{
		EvaluationHorizon: time.Hour,
		NeutralBandPct:    0.5,
		PollInterval:      30 * time.Second,
		PollBatch:         500,
		PendingWindow:     14 * 24 * time.Hour,
		MonitorInterval:   5 * time.Minute,
		WarningAccuracy:   0.75,
		CriticalAccuracy:  0.70,
		MinSamples:        10,
		AlertCooldown:     time.Hour,
		Retention:         90 * 24 * time.Hour,
		PruneInterval:     24 * time.Hour,
		ResolvedCacheSize: 10000,
	}
}

// Validate checks the tracker settings.
func (c Config) Validate() error {
	switch {
	case c.EvaluationHorizon <= 0:
		return errors.New("evaluation horizon must be positive")
	case c.NeutralBandPct < 0:
		return errors.New("neutral band must not be negative")
	case c.WarningAccuracy <= 0 || c.WarningAccuracy > 1:
		return errors.New("warning accuracy must be in (0,1]")
	case c.CriticalAccuracy > c.WarningAccuracy:
		return errors.New("critical accuracy must not exceed warning accuracy")
	case c.PollInterval <= 0 || c.MonitorInterval <= 0 || c.PruneInterval <= 0:
		return errors.New("correlation intervals must be positive")
	case c.Retention <= 0:
		return errors.New("retention must be positive")
	}
	return nil
}

// ErrNoPrice is returned when no reference price is available.
var ErrNoPrice = errors.New("no reference price")

// Store persists predictions. *database.Store implements it.
type Store interface {
	InsertPrediction(ctx context.Context, p models.PredictionOutcome) (int64, bool, error)
	SetHorizonPrice(ctx context.Context, txID string, usd float64) (bool, error)
	MarkConfirmed(ctx context.Context, txID string, height int64, at time.Time) (bool, error)
	InsertOutcome(ctx context.Context, p models.PredictionOutcome) (bool, error)
	Get(ctx context.Context, txID string) (models.PredictionOutcome, error)
	Pending(ctx context.Context, since time.Time, limit int) ([]models.PredictionOutcome, error)
	OutcomeCounts(ctx context.Context, since time.Time) (map[models.OutcomeClass]int, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Tracker records predictions and resolves them against confirmations.
type Tracker struct {
	cfg    Config
	store  Store
	blocks BlockSource
	prices price.Reference
	now    func() time.Time
	logger zerolog.Logger

	resolved lru.Cache
	monitor  *monitor

	// Recorded transactions awaiting confirmation, so the confirmed state
	// can be published.
	inflightMu sync.Mutex
	inflight   *cache.LRU[string, models.WhaleTransaction]
	confirmed  chan<- models.WhaleTransaction

	recorded   atomic.Int64
	duplicates atomic.Int64
	resolvedN  atomic.Int64
	skipped    atomic.Int64
	pollErrors atomic.Int64
	announced  atomic.Int64
}

// NewTracker creates a tracker. blocks may be nil, in which case only
// confirmations passed to Resolve are applied. Accuracy alerts go to
// alerts and newly confirmed transactions to confirmed; either may be nil.
func NewTracker(cfg Config, store Store, blocks BlockSource, prices price.Reference,
	alerts chan<- models.AccuracyAlert, confirmed chan<- models.WhaleTransaction) *Tracker {
	t := &Tracker{
		cfg:       cfg,
		store:     store,
		blocks:    blocks,
		prices:    prices,
		now:       time.Now,
		logger:    utils.NewComponentLogger(utils.ComponentCorrelation),
		resolved:  lru.NewCache(cfg.ResolvedCacheSize),
		inflight:  cache.NewLRU[string, models.WhaleTransaction](int(max(cfg.ResolvedCacheSize, 1))),
		confirmed: confirmed,
	}
	t.monitor = newMonitor(t, alerts)
	return t
}

// Evaluate classifies a prediction given the price when it was made and the
// price after the evaluation horizon. Moves within bandPct percent are flat.
func Evaluate(predicted models.PredictedDirection, before, after, bandPct float64) models.OutcomeClass {
	if before <= 0 {
		return models.OutcomePending
	}
	change := (after - before) / before * 100
	switch predicted {
	case models.PredictBearish:
		if change < -bandPct {
			return models.OutcomeTruePositive
		}
		return models.OutcomeFalsePositive
	case models.PredictBullish:
		if change > bandPct {
			return models.OutcomeTruePositive
		}
		return models.OutcomeFalsePositive
	default:
		if math.Abs(change) <= bandPct {
			return models.OutcomeTrueNegative
		}
		return models.OutcomeFalseNegative
	}
}

// Record stores a pending prediction for tx. Recording the same txid twice
// is a no-op.
func (t *Tracker) Record(ctx context.Context, tx models.WhaleTransaction) error {
	usd := t.prices.CurrentPriceUSD()
	if usd <= 0 {
		t.skipped.Add(1)
		t.logger.Warn().Str("txid", models.ShortTxID(tx.TxID)).Msg("no reference price, prediction not recorded")
		return ErrNoPrice
	}
	p := models.PredictionOutcome{
		TxID:              tx.TxID,
		Predicted:         models.PredictionFor(tx.Direction),
		Outcome:           models.OutcomePending,
		PredictedAt:       t.now(),
		UrgencyScore:      tx.UrgencyScore,
		PriceAtPrediction: usd,
	}
	_, inserted, err := t.store.InsertPrediction(ctx, p)
	if err != nil {
		return fmt.Errorf("record %s: %w", models.ShortTxID(tx.TxID), err)
	}
	if !inserted {
		t.duplicates.Add(1)
		return nil
	}
	t.recorded.Add(1)
	t.inflightMu.Lock()
	t.inflight.Add(tx.TxID, tx)
	t.inflightMu.Unlock()
	t.logger.Debug().
		Str("txid", models.ShortTxID(tx.TxID)).
		Str("predicted", string(p.Predicted)).
		Float64("price", usd).
		Msg("prediction recorded")
	return nil
}

// Resolve applies a confirmation. The block is stored on the first call and
// the confirmed transaction is published; the outcome is written once the
// horizon price is known. It returns the prediction and whether this call
// resolved it. Calls for an already resolved txid change nothing.
func (t *Tracker) Resolve(ctx context.Context, conf Confirmation) (models.PredictionOutcome, bool, error) {
	if t.resolved.Contains(conf.TxID) {
		return models.PredictionOutcome{}, false, nil
	}
	p, err := t.store.Get(ctx, conf.TxID)
	if err != nil {
		return p, false, err
	}
	if p.Outcome != models.OutcomePending {
		t.resolved.Add(conf.TxID)
		return p, false, nil
	}

	if p.BlockHeight == nil {
		at := conf.BlockTime
		if at.IsZero() {
			at = t.now()
		}
		marked, err := t.store.MarkConfirmed(ctx, conf.TxID, conf.BlockHeight, at)
		if err != nil {
			return p, false, err
		}
		height := conf.BlockHeight
		p.BlockHeight = &height
		if marked {
			t.announce(conf)
		}
	}
	return t.settle(ctx, p)
}

// announce publishes the confirmed state of a recorded transaction.
// Transactions recorded before a restart are no longer in memory and are
// skipped.
func (t *Tracker) announce(conf Confirmation) {
	t.inflightMu.Lock()
	tx, ok := t.inflight.Peek(conf.TxID)
	t.inflight.Remove(conf.TxID)
	t.inflightMu.Unlock()
	if !ok || tx.IsConfirmed() {
		return
	}
	if err := tx.Confirm(conf.BlockHeight); err != nil {
		t.logger.Warn().Err(err).Str("txid", models.ShortTxID(conf.TxID)).Msg("confirmation not applied")
		return
	}
	t.announced.Add(1)
	if t.confirmed != nil && !utils.TrySend(t.confirmed, tx, nil) {
		t.logger.Warn().Str("txid", models.ShortTxID(conf.TxID)).Msg("confirmation channel full, update dropped")
	}
}

// settle captures the horizon price once the evaluation horizon has passed
// and, when the transaction is confirmed, writes the outcome from it. The
// price moves after the horizon do not affect the outcome.
func (t *Tracker) settle(ctx context.Context, p models.PredictionOutcome) (models.PredictionOutcome, bool, error) {
	now := t.now()
	horizon := p.PredictedAt.Add(t.cfg.EvaluationHorizon)
	if now.Before(horizon) {
		return p, false, nil
	}
	if p.PriceAtHorizon <= 0 {
		var err error
		if p, err = t.captureHorizonPrice(ctx, p, now.Sub(horizon)); err != nil {
			return p, false, err
		}
	}
	if p.BlockHeight == nil {
		return p, false, nil
	}

	p.Outcome = Evaluate(p.Predicted, p.PriceAtPrediction, p.PriceAtHorizon, t.cfg.NeutralBandPct)
	p.PriceAtResolution = p.PriceAtHorizon
	p.ResolvedAt = &now
	inserted, err := t.store.InsertOutcome(ctx, p)
	if err != nil {
		return p, false, err
	}
	t.resolved.Add(p.TxID)
	if !inserted {
		return p, false, nil
	}
	t.resolvedN.Add(1)
	t.logger.Info().
		Str("txid", models.ShortTxID(p.TxID)).
		Str("predicted", string(p.Predicted)).
		Str("outcome", string(p.Outcome)).
		Float64("price_before", p.PriceAtPrediction).
		Float64("price_after", p.PriceAtHorizon).
		Msg("prediction resolved")
	return p, true, nil
}

func (t *Tracker) captureHorizonPrice(ctx context.Context, p models.PredictionOutcome, late time.Duration) (models.PredictionOutcome, error) {
	usd := t.prices.CurrentPriceUSD()
	if usd <= 0 {
		t.logger.Warn().Str("txid", models.ShortTxID(p.TxID)).Msg("no reference price at evaluation horizon")
		return p, utils.Transient(ErrNoPrice, "no_price", utils.ComponentCorrelation)
	}
	set, err := t.store.SetHorizonPrice(ctx, p.TxID, usd)
	if err != nil {
		return p, err
	}
	if !set {
		// Captured by an earlier call; the stored value wins.
		stored, err := t.store.Get(ctx, p.TxID)
		if err != nil {
			return p, err
		}
		p.PriceAtHorizon = stored.PriceAtHorizon
		return p, nil
	}
	p.PriceAtHorizon = usd
	t.logger.Debug().
		Str("txid", models.ShortTxID(p.TxID)).
		Float64("price", usd).
		Dur("late", late).
		Msg("horizon price captured")
	return p, nil
}

// Poll examines pending predictions once. Unconfirmed ones are looked up in
// the block source; every prediction past its horizon gets its price
// captured, and confirmed ones are settled. It returns how many predictions
// were resolved.
func (t *Tracker) Poll(ctx context.Context) (int, error) {
	pending, err := t.store.Pending(ctx, t.now().Add(-t.cfg.PendingWindow), t.cfg.PollBatch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		done, err := t.pollOne(ctx, p)
		if err != nil {
			t.pollErrors.Add(1)
			t.logger.Debug().Err(err).Str("txid", models.ShortTxID(p.TxID)).Msg("confirmation check failed")
			if utils.IsKind(err, utils.KindFatal) {
				return resolved, err
			}
			continue
		}
		if done {
			resolved++
		}
	}
	return resolved, nil
}

func (t *Tracker) pollOne(ctx context.Context, p models.PredictionOutcome) (bool, error) {
	if p.BlockHeight == nil && t.blocks != nil {
		conf, ok, err := t.blocks.Confirmation(ctx, p.TxID)
		if err != nil {
			return false, err
		}
		if ok {
			_, done, err := t.Resolve(ctx, conf)
			return done, err
		}
	}
	_, done, err := t.settle(ctx, p)
	return done, err
}

// Run records every transaction from in until ctx is cancelled or in closes.
func (t *Tracker) Run(ctx context.Context, in <-chan models.WhaleTransaction) {
	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-in:
			if !ok {
				return
			}
			// Missing prices are logged by Record.
			if err := t.Record(ctx, tx); err != nil && !errors.Is(err, ErrNoPrice) {
				t.logger.Warn().Err(err).Msg("prediction not recorded")
			}
		}
	}
}

// RunConfirmationPoller polls pending predictions until ctx is cancelled.
func (t *Tracker) RunConfirmationPoller(ctx context.Context) {
	t.every(ctx, t.cfg.PollInterval, func() {
		if n, err := t.Poll(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error().Err(err).Msg("confirmation poll failed")
		} else if n > 0 {
			t.logger.Debug().Int("resolved", n).Msg("confirmation poll")
		}
	})
}

// RunPruner deletes predictions older than the retention period until ctx is
// cancelled.
func (t *Tracker) RunPruner(ctx context.Context) {
	t.every(ctx, t.cfg.PruneInterval, func() {
		if _, err := t.Prune(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error().Err(err).Msg("prune failed")
		}
	})
}

// Prune deletes predictions older than the retention period.
func (t *Tracker) Prune(ctx context.Context) (int64, error) {
	n, err := t.store.Prune(ctx, t.now().Add(-t.cfg.Retention))
	if err == nil && n > 0 {
		t.logger.Info().Int64("removed", n).Msg("pruned old predictions")
	}
	return n, err
}

func (t *Tracker) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// GetStats returns tracker counters.
func (t *Tracker) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"recorded":       t.recorded.Load(),
		"duplicates":     t.duplicates.Load(),
		"resolved":       t.resolvedN.Load(),
		"skipped_no_usd": t.skipped.Load(),
		"poll_errors":    t.pollErrors.Load(),
		"confirmed":      t.announced.Load(),
		"alerts_raised":  t.monitor.raised.Load(),
	}
}
