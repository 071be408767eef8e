package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whale-backend/config"
	"whale-backend/internal/alerts"
	"whale-backend/internal/auth"
	"whale-backend/internal/cache"
	"whale-backend/internal/channels"
	"whale-backend/internal/classifier"
	"whale-backend/internal/correlation"
	"whale-backend/internal/database"
	"whale-backend/internal/ingest"
	"whale-backend/internal/netflow"
	"whale-backend/internal/processor"
	"whale-backend/internal/ratelimit"
	"whale-backend/internal/urgency"
	"whale-backend/internal/utils"
	"whale-backend/internal/ws"
)

const healthInterval = 60 * time.Second

// Coordinator manages the entire pipeline
type Coordinator struct {
	cfg      config.Config
	channels *channels.Channels
	refs     references

	feed        *ingest.Client
	processor   *processor.Processor
	netflow     *netflow.Aggregator
	memory      *utils.MemoryMonitor
	limiter     *ratelimit.Limiter
	broadcast   *ws.Server
	store       *database.Store
	blocks      *correlation.RPCBlockSource
	tracker     *correlation.Tracker
	closeBlocks func()

	logger zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator builds every component from cfg. ctx bounds opening the
// database.
func NewCoordinator(ctx context.Context, cfg config.Config) (*Coordinator, error) {
	ch := channels.NewChannels(cfg.Channels)
	refs := newReferences(cfg)

	inferrer, err := newInferrer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange set: %w", err)
	}
	txCache := cache.NewTransactionCache(cfg.Classifier.CacheCapacity, cfg.Memory.KeepFraction)
	scorer := urgency.NewScorer(cfg.Urgency, refs.prices)
	proc := processor.NewProcessor(
		classifier.New(cfg.Classifier, txCache, scorer, inferrer, refs.prices),
		ch.RawTransactions,
		ch.ClassifiedOutputs()...,
	)

	signer, err := auth.NewSigner([]byte(cfg.Server.TokenSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to create token signer: %w", err)
	}
	limiter := ratelimit.New(cfg.RateLimit)
	broadcast := ws.NewServer(cfg.Broadcast, signer, limiter, alerts.NewDeriver(cfg.Alerts))

	store, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	blocks, closeBlocks, err := newBlockSource(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	var source correlation.BlockSource
	if blocks != nil {
		source = blocks
	}
	tracker := correlation.NewTracker(cfg.Correlation, store, source, refs.prices, ch.AccuracyAlerts, ch.Confirmations)

	agg := netflow.NewAggregator(cfg.NetFlow, time.Now(), cfg.Memory.KeepFraction)
	memory := utils.NewMemoryMonitor(cfg.Memory, nil)
	// History is cheaper to rebuild than the dedup cache, so it shrinks first.
	memory.Register("netflow", agg)
	memory.Register("dedup-cache", proc)

	c := &Coordinator{
		cfg:         cfg,
		channels:    ch,
		refs:        refs,
		feed:        ingest.NewClient(cfg.Feed, ch.RawTransactions),
		processor:   proc,
		netflow:     agg,
		memory:      memory,
		limiter:     limiter,
		broadcast:   broadcast,
		store:       store,
		blocks:      blocks,
		tracker:     tracker,
		closeBlocks: closeBlocks,
		logger:      utils.NewComponentLogger(utils.ComponentCoordinator),
	}
	if blocks == nil {
		c.logger.Warn().Msg("no node RPC configured: predictions will not be resolved")
	}
	if _, ok := inferrer.(classifier.NeutralInferrer); ok {
		c.logger.Warn().Msg("no exchange set configured: every transaction is NEUTRAL")
	}
	return c, nil
}

// Start begins all pipeline threads
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info().Msg("starting pipeline coordinator")
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.warmReferences(ctx)

	c.spawn(ctx, "processor", c.processor.Start)
	c.spawn(ctx, "netflow", func(ctx context.Context) {
		c.netflow.Run(ctx, c.channels.NetFlowTransactions, c.channels.NetFlowSamples)
	})
	c.spawn(ctx, "broadcaster", func(ctx context.Context) {
		c.broadcast.Run(ctx, ws.Sources{
			Transactions:  c.channels.BroadcastTransactions,
			Confirmations: c.channels.Confirmations,
			NetFlow:       c.channels.NetFlowSamples,
			Accuracy:      c.channels.AccuracyAlerts,
		})
	})
	c.spawn(ctx, "correlation", func(ctx context.Context) {
		c.tracker.Run(ctx, c.channels.CorrelationTransactions)
	})
	c.spawn(ctx, "confirmations", c.tracker.RunConfirmationPoller)
	c.spawn(ctx, "accuracy", c.tracker.RunMonitor)
	c.spawn(ctx, "pruner", c.tracker.RunPruner)
	c.spawn(ctx, "memory", c.memory.Run)
	c.spawn(ctx, "ratelimit", c.limiter.Run)
	if c.refs.poller != nil {
		c.spawn(ctx, "price", c.refs.poller.Run)
	}
	c.spawn(ctx, "health", c.runHealthLog)
	// Ingest last, so every consumer is draining before data arrives.
	c.spawn(ctx, "ingest", c.feed.Run)

	c.logger.Info().Msg("all pipeline threads started")
	return nil
}

// spawn runs fn on its own goroutine. A panic is logged and ends only that
// task.
func (c *Coordinator) spawn(ctx context.Context, name string, fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().
					Str("task", name).
					Str("panic", fmt.Sprint(r)).
					Str("stack", string(debug.Stack())).
					Msg("task panic recovered")
			}
		}()
		fn(ctx)
	}()
}

// runHealthLog logs channel fill levels and pressure periodically.
func (c *Coordinator) runHealthLog(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := c.logger.Debug()
			for name, pct := range c.channels.Utilization() {
				ev = ev.Float64(name+"_pct", pct)
			}
			ev.Str("pressure", c.memory.Level().String()).
				Int("sessions", c.broadcast.Sessions()).
				Str("feed", c.feed.State().String()).
				Msg("pipeline health")
		}
	}
}

// Broadcast returns the subscriber server.
func (c *Coordinator) Broadcast() *ws.Server { return c.broadcast }

// NetFlow returns the net-flow aggregator.
func (c *Coordinator) NetFlow() *netflow.Aggregator { return c.netflow }

// Tracker returns the correlation tracker.
func (c *Coordinator) Tracker() *correlation.Tracker { return c.tracker }

// Memory returns the memory pressure monitor.
func (c *Coordinator) Memory() *utils.MemoryMonitor { return c.memory }

// Health summarises every component for the health endpoint.
func (c *Coordinator) Health() map[string]interface{} {
	health := map[string]interface{}{
		"feed":        c.feed.GetStats(),
		"processor":   c.processor.GetStats(),
		"netflow":     c.netflow.GetStats(),
		"broadcaster": c.broadcast.GetStats(),
		"correlation": c.tracker.GetStats(),
		"memory":      c.memory.Level().String(),
		"channels":    c.channels.Utilization(),
	}
	if stats, ok := c.processor.CacheStats(); ok {
		health["cache"] = stats
	}
	if c.refs.poller != nil {
		health["price_updated_at"] = c.refs.poller.UpdatedAt()
	}
	health["price_usd"] = c.refs.prices.CurrentPriceUSD()
	if c.blocks != nil {
		health["rpc"] = map[string]interface{}{
			"calls":  c.blocks.Calls(),
			"cached": c.blocks.Cached(),
		}
	}
	return health
}

// Stop closes subscriber sessions, then cancels every task and waits for
// them to return or ctx to expire.
func (c *Coordinator) Stop(ctx context.Context) error {
	if err := c.broadcast.Shutdown(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("sessions did not close in time")
	}
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.closeBlocks()
	if cerr := c.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
