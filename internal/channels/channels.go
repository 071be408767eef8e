package channels

import (
	"whale-backend/internal/models"
	"whale-backend/internal/utils"
)

// Config holds pipeline buffer sizes.
type Config struct {
	RawBuffer        int `long:"raw-buffer" env:"RAW_BUFFER" default:"2000" description:"Buffer between ingest and classifier"`
	ClassifiedBuffer int `long:"classified-buffer" env:"CLASSIFIED_BUFFER" default:"500" description:"Buffer for each classified fan-out channel"`
	SignalBuffer     int `long:"signal-buffer" env:"SIGNAL_BUFFER" default:"64" description:"Buffer for net-flow and accuracy signals"`
}

// DefaultConfig returns default buffer sizes.
func DefaultConfig() Config {
	return Config{
		RawBuffer:        2000,
		ClassifiedBuffer: 500,
		SignalBuffer:     64,
	}
}

// Channels holds all communication channels for the pipeline
type Channels struct {
	RawTransactions chan *models.RawTransaction // Ingest → Processor

	// Classified fan-out, one channel per consumer so each sees every event
	// in classification order.
	NetFlowTransactions     chan models.WhaleTransaction // Processor → NetFlow
	BroadcastTransactions   chan models.WhaleTransaction // Processor → Broadcaster
	CorrelationTransactions chan models.WhaleTransaction // Processor → Correlation

	NetFlowSamples chan models.NetFlowSample    // NetFlow → Broadcaster
	AccuracyAlerts chan models.AccuracyAlert    // Correlation → Broadcaster
	Confirmations  chan models.WhaleTransaction // Correlation → Broadcaster
}

// NewChannels creates and initializes all channels
func NewChannels(cfg Config) *Channels {
	if cfg.RawBuffer < 1 {
		cfg.RawBuffer = DefaultConfig().RawBuffer
	}
	if cfg.ClassifiedBuffer < 1 {
		cfg.ClassifiedBuffer = DefaultConfig().ClassifiedBuffer
	}
	if cfg.SignalBuffer < 1 {
		cfg.SignalBuffer = DefaultConfig().SignalBuffer
	}
	return &Channels{
		RawTransactions:         make(chan *models.RawTransaction, cfg.RawBuffer),
		NetFlowTransactions:     make(chan models.WhaleTransaction, cfg.ClassifiedBuffer),
		BroadcastTransactions:   make(chan models.WhaleTransaction, cfg.ClassifiedBuffer),
		CorrelationTransactions: make(chan models.WhaleTransaction, cfg.ClassifiedBuffer),
		NetFlowSamples:          make(chan models.NetFlowSample, cfg.SignalBuffer),
		AccuracyAlerts:          make(chan models.AccuracyAlert, cfg.SignalBuffer),
		Confirmations:           make(chan models.WhaleTransaction, cfg.SignalBuffer),
	}
}

// ClassifiedOutputs returns the classified fan-out channels in delivery order.
func (c *Channels) ClassifiedOutputs() []chan<- models.WhaleTransaction {
	return []chan<- models.WhaleTransaction{
		c.NetFlowTransactions,
		c.BroadcastTransactions,
		c.CorrelationTransactions,
	}
}

// Utilization returns the fill level of every channel as a percentage of its
// capacity, keyed by name.
func (c *Channels) Utilization() map[string]float64 {
	return map[string]float64{
		"raw":           utils.GetChannelUtilization(len(c.RawTransactions), cap(c.RawTransactions)),
		"netflow_tx":    utils.GetChannelUtilization(len(c.NetFlowTransactions), cap(c.NetFlowTransactions)),
		"broadcast":     utils.GetChannelUtilization(len(c.BroadcastTransactions), cap(c.BroadcastTransactions)),
		"correlation":   utils.GetChannelUtilization(len(c.CorrelationTransactions), cap(c.CorrelationTransactions)),
		"samples":       utils.GetChannelUtilization(len(c.NetFlowSamples), cap(c.NetFlowSamples)),
		"accuracy":      utils.GetChannelUtilization(len(c.AccuracyAlerts), cap(c.AccuracyAlerts)),
		"confirmations": utils.GetChannelUtilization(len(c.Confirmations), cap(c.Confirmations)),
	}
}
