package pipeline

import (
	"context"
	"fmt"

	"whale-backend/config"
	"whale-backend/internal/classifier"
	"whale-backend/internal/correlation"
	"whale-backend/internal/platform/httpclient"
	"whale-backend/internal/price"
)

// references are the price and fee collaborators. poller is nil when a
// static price is configured.
type references struct {
	prices interface {
		price.Reference
		price.FeeReference
	}
	poller *price.Poller
}

func newReferences(cfg config.Config) references {
	if cfg.Price.StaticUSD > 0 {
		return references{prices: price.Static{USD: cfg.Price.StaticUSD}}
	}
	p := price.NewPoller(cfg.Price, httpclient.New(httpclient.Options{}))
	return references{prices: p, poller: p}
}

// newInferrer loads the exchange set when one is configured.
func newInferrer(cfg config.Config) (classifier.DirectionInferrer, error) {
	if cfg.Classifier.ExchangeSetFile == "" {
		return classifier.NeutralInferrer{}, nil
	}
	inferrer, err := classifier.LoadExchangeSet(cfg.Classifier.ExchangeSetFile, cfg.Params())
	if err != nil {
		return nil, err
	}
	return inferrer, nil
}

// newBlockSource dials the node when an RPC host is configured. The returned
// shutdown func is never nil.
func newBlockSource(cfg config.Config) (*correlation.RPCBlockSource, func(), error) {
	if cfg.RPC.Host == "" {
		return nil, func() {}, nil
	}
	client, err := correlation.DialRPC(cfg.RPC)
	if err != nil {
		return nil, nil, fmt.Errorf("dial node: %w", err)
	}
	return correlation.NewRPCBlockSource(client, cfg.RPC.CacheSize), client.Shutdown, nil
}

// warmReferences fetches the first price so early transactions carry USD
// values. A failure is logged by the poller and retried on its schedule.
func (c *Coordinator) warmReferences(ctx context.Context) {
	if c.refs.poller == nil {
		return
	}
	if err := c.refs.poller.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("initial price refresh failed")
	}
}
