// Package price polls the BTC/USD price and the recommended fee rates used to
// value and score whale transactions.
package price

import (
	"context"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"whale-backend/internal/platform/httpclient"
	"whale-backend/internal/utils"
)

// Reference supplies the current BTC/USD price and how much to trust it.
type Reference interface {
	CurrentPriceUSD() float64
	Confidence() float64
}

// FeeReference supplies the current fastest recommended fee in sat/vB.
type FeeReference interface {
	FastestFee() float64
}

// Config holds poller settings.
type Config struct {
	BaseURL      string        `long:"base-url" env:"BASE_URL" default:"https://mempool.space" description:"mempool.space compatible REST API"`
	PollInterval time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"30s" description:"Price and fee refresh interval"`
	StaleAfter   time.Duration `long:"stale-after" env:"STALE_AFTER" default:"5m" description:"Age after which the price is trusted less"`
	StaticUSD    float64       `long:"static-usd" env:"STATIC_USD" description:"Fixed BTC/USD price; disables polling when set"`
}

// DefaultConfig returns default poller settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://mempool.space",
		PollInterval: 30 * time.Second,
		StaleAfter:   5 * time.Minute,
	}
}

// staleConfidence is the confidence reported for an old or missing price.
const staleConfidence = 0.5

type pricesResponse struct {
	Time int64   `json:"time"`
	USD  float64 `json:"USD"`
}

type feesResponse struct {
	FastestFee  float64 `json:"fastestFee"`
	HalfHourFee float64 `json:"halfHourFee"`
	HourFee     float64 `json:"hourFee"`
	EconomyFee  float64 `json:"economyFee"`
	MinimumFee  float64 `json:"minimumFee"`
}

// Poller keeps the latest price and fee recommendation. Readers never block.
type Poller struct {
	cfg    Config
	client *httpclient.Client
	now    func() time.Time
	logger zerolog.Logger

	price     atomic.Uint64 // float64 bits
	fastest   atomic.Uint64 // float64 bits
	updatedAt atomic.Int64  // unix nanos of the last price
	failures  atomic.Int64
}

// NewPoller creates a poller. It reports no price until the first refresh.
func NewPoller(cfg Config, client *httpclient.Client) *Poller {
	if client == nil {
		client = httpclient.New(httpclient.Options{})
	}
	return &Poller{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		logger: utils.NewComponentLogger(utils.ComponentPrice),
	}
}

// CurrentPriceUSD returns the latest price, or zero if none is known.
func (p *Poller) CurrentPriceUSD() float64 {
	return math.Float64frombits(p.price.Load())
}

// Confidence is 1 for a fresh price and lower once it is stale or missing.
func (p *Poller) Confidence() float64 {
	at := p.updatedAt.Load()
	if at == 0 {
		return staleConfidence
	}
	if p.now().Sub(time.Unix(0, at)) > p.cfg.StaleAfter {
		return staleConfidence
	}
	return 1
}

// FastestFee returns the latest fastest fee, or zero if none is known.
func (p *Poller) FastestFee() float64 {
	return math.Float64frombits(p.fastest.Load())
}

// UpdatedAt returns when the price was last refreshed.
func (p *Poller) UpdatedAt() time.Time {
	at := p.updatedAt.Load()
	if at == 0 {
		return time.Time{}
	}
	return time.Unix(0, at)
}

// Refresh fetches price and fees once. A failed half leaves its previous
// value in place.
func (p *Poller) Refresh(ctx context.Context) error {
	base := strings.TrimRight(p.cfg.BaseURL, "/")

	var prices pricesResponse
	priceErr := p.client.GetJSON(ctx, base+"/api/v1/prices", &prices)
	if priceErr == nil && prices.USD > 0 {
		p.price.Store(math.Float64bits(prices.USD))
		p.updatedAt.Store(p.now().UnixNano())
	}

	var fees feesResponse
	feeErr := p.client.GetJSON(ctx, base+"/api/v1/fees/recommended", &fees)
	if feeErr == nil && fees.FastestFee > 0 {
		p.fastest.Store(math.Float64bits(fees.FastestFee))
	}

	if priceErr != nil {
		return utils.Transient(priceErr, "price_fetch", utils.ComponentPrice)
	}
	if feeErr != nil {
		return utils.Transient(feeErr, "fee_fetch", utils.ComponentPrice)
	}
	return nil
}

// Run refreshes on every poll interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			n := p.failures.Add(1)
			p.logger.Warn().Err(err).Int64("failures", n).Msg("reference refresh failed")
		} else {
			p.failures.Store(0)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Static is a fixed price and fee, used when polling is disabled and in tests.
type Static struct {
	USD     float64
	Fastest float64
}

func (s Static) CurrentPriceUSD() float64 { return s.USD }

func (s Static) Confidence() float64 {
	if s.USD <= 0 {
		return staleConfidence
	}
	return 1
}

func (s Static) FastestFee() float64 { return s.Fastest }
