package classifier

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/rs/zerolog"

	"whale-backend/internal/cache"
	"whale-backend/internal/models"
	"whale-backend/internal/urgency"
	"whale-backend/internal/utils"
)

var (
	// ErrDuplicate is returned for a txid the cache has already seen.
	ErrDuplicate = errors.New("duplicate transaction")
	// ErrBelowThreshold is returned when the amount is under the whale threshold.
	ErrBelowThreshold = errors.New("below whale threshold")
	// ErrInvalid is returned for transactions missing a txid or value.
	ErrInvalid = errors.New("invalid transaction")
)

// PriceReference supplies the BTC/USD price used for USD amounts.
type PriceReference interface {
	CurrentPriceUSD() float64
	Confidence() float64
}

// Config holds classifier settings.
type Config struct {
	WhaleThresholdBTC float64 `long:"whale-threshold-btc" env:"WHALE_THRESHOLD_BTC" default:"100" description:"Minimum BTC amount classified as a whale transaction"`
	CacheCapacity     int     `long:"cache-capacity" env:"CACHE_CAPACITY" default:"10000" description:"Number of txids remembered for deduplication"`
	ExchangeSetFile   string  `long:"exchange-set" env:"EXCHANGE_SET_FILE" description:"File of known exchange addresses used for direction inference"`
}

// DefaultConfig returns default classifier settings.
func DefaultConfig() Config {
	return Config{
		WhaleThresholdBTC: 100,
		CacheCapacity:     cache.DefaultCapacity,
	}
}

// Classifier turns raw transactions into whale transactions. It owns the
// dedup cache and is not safe for concurrent use; see Engine.
type Classifier struct {
	cfg      Config
	cache    *cache.TransactionCache
	scorer   *urgency.Scorer
	inferrer DirectionInferrer
	prices   PriceReference
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a classifier. inferrer defaults to NeutralInferrer; prices may
// be nil, in which case USD amounts are zero.
func New(cfg Config, txCache *cache.TransactionCache, scorer *urgency.Scorer,
	inferrer DirectionInferrer, prices PriceReference) *Classifier {

	if inferrer == nil {
		inferrer = NeutralInferrer{}
	}
	return &Classifier{
		cfg:      cfg,
		cache:    txCache,
		scorer:   scorer,
		inferrer: inferrer,
		prices:   prices,
		now:      time.Now,
		logger:   utils.NewComponentLogger(utils.ComponentClassifier),
	}
}

// Cache returns the dedup cache. Callers must be on the owning goroutine.
func (c *Classifier) Cache() *cache.TransactionCache { return c.cache }

// Classify returns a WhaleTransaction for raw, or ErrDuplicate,
// ErrBelowThreshold or ErrInvalid.
func (c *Classifier) Classify(raw *models.RawTransaction) (*models.WhaleTransaction, error) {
	if raw == nil || raw.TxID == "" {
		return nil, ErrInvalid
	}
	if raw.ValueSat < 0 {
		return nil, fmt.Errorf("%w: negative value for %s", ErrInvalid, raw.TxID)
	}
	if c.cache.Seen(raw.TxID) {
		return nil, ErrDuplicate
	}

	amount := btcutil.Amount(raw.ValueSat).ToBTC()
	if amount < c.cfg.WhaleThresholdBTC {
		return nil, ErrBelowThreshold
	}

	now := c.now()
	firstSeen := raw.FirstSeen
	if firstSeen.IsZero() || firstSeen.After(now) {
		firstSeen = now
	}

	direction, confidence := c.inferrer.InferDirection(raw)
	feeRate := raw.EffectiveFeeRate()
	score, breakdown := c.scorer.Score(urgency.Input{
		AmountBTC: amount,
		FeeRate:   feeRate,
		Direction: direction,
		IsRBF:     raw.RBF,
		Age:       now.Sub(firstSeen),
	})

	var amountUSD float64
	if c.prices != nil {
		if price := c.prices.CurrentPriceUSD(); price > 0 {
			amountUSD = amount * price
			confidence *= clampUnit(c.prices.Confidence())
		}
	}

	c.cache.Insert(raw.TxID, now)

	tx := &models.WhaleTransaction{
		TxID:         raw.TxID,
		Timestamp:    firstSeen,
		AmountBTC:    amount,
		AmountUSD:    amountUSD,
		Direction:    direction,
		FeeRate:      feeRate,
		IsRBF:        raw.RBF,
		Status:       models.StatusMempool,
		UrgencyScore: score,
		Confidence:   clampUnit(confidence),
		Breakdown:    breakdown,
		Addresses:    raw.Addresses(),
	}

	c.logger.Debug().
		Str("txid", models.ShortTxID(tx.TxID)).
		Float64("amount_btc", amount).
		Str("direction", string(direction)).
		Int("urgency", score).
		Msg("whale classified")
	return tx, nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
