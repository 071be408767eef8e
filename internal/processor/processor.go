package processor

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"whale-backend/internal/cache"
	"whale-backend/internal/classifier"
	"whale-backend/internal/models"
	"whale-backend/internal/utils"
)

// request runs fn on the processor goroutine and closes done afterwards.
type request struct {
	fn   func()
	done chan struct{}
}

// Processor is the single writer of the classifier and its dedup cache. Raw
// transactions, cache queries and pressure callbacks are all serialized onto
// the goroutine running Start.
type Processor struct {
	classifier *classifier.Classifier
	in         <-chan *models.RawTransaction
	outputs    []chan<- models.WhaleTransaction
	control    chan request
	stopped    chan struct{}
	logger     zerolog.Logger

	processed  int64
	classified int64
	duplicates int64
	below      int64
	invalid    int64
}

// NewProcessor creates a processor reading from in and fanning classified
// transactions out to every output, in order.
func NewProcessor(c *classifier.Classifier, in <-chan *models.RawTransaction,
	outputs ...chan<- models.WhaleTransaction) *Processor {

	return &Processor{
		classifier: c,
		in:         in,
		outputs:    outputs,
		control:    make(chan request),
		stopped:    make(chan struct{}),
		logger:     utils.NewComponentLogger(utils.ComponentClassifier),
	}
}

// Start runs the processor loop until ctx is cancelled or the input closes.
func (p *Processor) Start(ctx context.Context) {
	defer close(p.stopped)
	p.logger.Info().Msg("processor started")

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-p.control:
			req.fn()
			close(req.done)

		case raw, ok := <-p.in:
			if !ok {
				return
			}
			p.process(ctx, raw)
		}
	}
}

func (p *Processor) process(ctx context.Context, raw *models.RawTransaction) {
	atomic.AddInt64(&p.processed, 1)

	tx, err := p.classifier.Classify(raw)
	switch {
	case err == nil:
	case errors.Is(err, classifier.ErrDuplicate):
		atomic.AddInt64(&p.duplicates, 1)
		return
	case errors.Is(err, classifier.ErrBelowThreshold):
		atomic.AddInt64(&p.below, 1)
		return
	default:
		atomic.AddInt64(&p.invalid, 1)
		p.logger.Debug().Err(err).Msg("transaction discarded")
		return
	}
	atomic.AddInt64(&p.classified, 1)

	for _, out := range p.outputs {
		select {
		case out <- *tx:
		case <-ctx.Done():
			return
		}
	}
}

// do runs fn on the processor goroutine. It reports false if the processor
// has stopped.
func (p *Processor) do(fn func()) bool {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case p.control <- req:
	case <-p.stopped:
		return false
	}
	select {
	case <-req.done:
		return true
	case <-p.stopped:
		return false
	}
}

// CacheStats queries the dedup cache from its owning goroutine.
func (p *Processor) CacheStats() (cache.Stats, bool) {
	var stats cache.Stats
	ok := p.do(func() { stats = p.classifier.Cache().Stats() })
	return stats, ok
}

// OnEnter shrinks the dedup cache on the processor goroutine.
func (p *Processor) OnEnter(level utils.PressureLevel) {
	if !p.do(func() { p.classifier.Cache().OnEnter(level) }) {
		return
	}
	p.logger.Warn().Str("level", level.String()).Msg("dedup cache shrunk")
}

// OnExit restores the dedup cache capacity on the processor goroutine.
func (p *Processor) OnExit(level utils.PressureLevel) {
	if p.do(func() { p.classifier.Cache().OnExit(level) }) {
		p.logger.Info().Msg("dedup cache restored")
	}
}

// GetStats returns processor statistics
func (p *Processor) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"processed":       atomic.LoadInt64(&p.processed),
		"classified":      atomic.LoadInt64(&p.classified),
		"duplicates":      atomic.LoadInt64(&p.duplicates),
		"below_threshold": atomic.LoadInt64(&p.below),
		"invalid":         atomic.LoadInt64(&p.invalid),
	}
}
