package ws

import (
	"context"
	"fmt"
	"runtime/debug"

	"whale-backend/internal/models"
)

// Sources are the streams the server fans out. Nil channels are never
// selected.
type Sources struct {
	Transactions  <-chan models.WhaleTransaction
	Confirmations <-chan models.WhaleTransaction
	NetFlow       <-chan models.NetFlowSample
	Accuracy      <-chan models.AccuracyAlert
}

// Run fans out events from src until ctx is cancelled. Events from one
// source reach every session in the order they were received.
func (s *Server) Run(ctx context.Context, src Sources) {
	defer func() {
		if err := recover(); err != nil {
			s.logger.Error().Str("panic", fmt.Sprint(err)).Str("stack", string(debug.Stack())).Msg("broadcast loop panic")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-src.Transactions:
			if !ok {
				src.Transactions = nil
				continue
			}
			s.PublishTransaction(tx)
		case tx, ok := <-src.Confirmations:
			if !ok {
				src.Confirmations = nil
				continue
			}
			s.PublishConfirmation(tx)
		case sample, ok := <-src.NetFlow:
			if !ok {
				src.NetFlow = nil
				continue
			}
			s.PublishNetFlow(sample)
		case alert, ok := <-src.Accuracy:
			if !ok {
				src.Accuracy = nil
				continue
			}
			s.PublishAccuracy(alert)
		}
	}
}

// PublishTransaction sends tx to transactions subscribers and, when it grades
// as an alert, the alert to alerts subscribers.
func (s *Server) PublishTransaction(tx models.WhaleTransaction) {
	s.publish(models.ChannelTransactions, typeTransaction, tx)

	if s.deriver == nil {
		return
	}
	if alert, ok := s.deriver.Derive(tx); ok {
		if alert.Severity == models.SeverityCritical {
			s.logger.Warn().
				Str("txid", models.ShortTxID(tx.TxID)).
				Float64("btc", tx.AmountBTC).
				Int("urgency", tx.UrgencyScore).
				Msg("critical whale alert")
		}
		s.publish(models.ChannelAlerts, typeAlert, alert)
	}
}

// PublishConfirmation tells transactions subscribers that a whale
// transaction was mined.
func (s *Server) PublishConfirmation(tx models.WhaleTransaction) {
	s.publish(models.ChannelTransactions, typeConfirmation, tx)
}

// PublishNetFlow sends a closed net-flow window to netflow subscribers.
func (s *Server) PublishNetFlow(sample models.NetFlowSample) {
	s.publish(models.ChannelNetFlow, typeNetFlow, sample)
}

// PublishAccuracy sends an accuracy breach to accuracy subscribers.
func (s *Server) PublishAccuracy(alert models.AccuracyAlert) {
	s.publish(models.ChannelAccuracy, typeAccuracy, alert)
}

// publish encodes one event and broadcasts it. An event that cannot be
// encoded is logged and skipped; later events are unaffected.
func (s *Server) publish(channel models.Channel, typ string, data any) int {
	frame, err := encodeEnvelope(typ, data)
	if err != nil {
		s.stats.encodeErrors.Add(1)
		s.logger.Error().Err(err).Str("channel", string(channel)).Msg("dropping unencodable event")
		return 0
	}
	return s.broadcast(channel, frame)
}

// broadcast queues one pre-encoded frame on every authenticated session
// subscribed to channel. It never blocks on a session.
func (s *Server) broadcast(channel models.Channel, frame []byte) int {
	s.stats.broadcasts.Add(1)
	delivered := 0
	for _, session := range s.snapshot() {
		if !session.authenticated() || !session.Subscribed(channel) {
			continue
		}
		if !session.enqueue(frame) {
			s.stats.dropped.Add(1)
		}
		s.stats.enqueued.Add(1)
		delivered++
	}
	return delivered
}
