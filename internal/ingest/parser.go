// Package ingest connects to the upstream mempool feed and normalizes its
// messages into raw transactions for the classifier.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sugawarayuuta/sonnet"

	"whale-backend/internal/models"
	"whale-backend/internal/utils"
)

// Upstream message types.
const (
	TypeTransaction  = "transaction"
	TypeTransactions = "transactions"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeAccepted     = "auth_success"
	TypeSubscribed   = "subscribed"
	TypeRejected     = "auth_failed"
	TypeError        = "error"
)

// ErrUnknownType is wrapped by Parse for a message type outside the union.
var ErrUnknownType = errors.New("unknown message type")

// Message is the closed set of upstream messages. The concrete types are
// TransactionsMessage, PingMessage, AcceptMessage, RejectMessage and
// ErrorMessage.
type Message interface {
	upstream()
}

// TransactionsMessage carries one or more transactions.
type TransactionsMessage struct {
	Transactions []*models.RawTransaction
}

// PingMessage asks for a pong.
type PingMessage struct{}

// AcceptMessage acknowledges the subscription/auth handshake.
type AcceptMessage struct{}

// RejectMessage refuses the handshake.
type RejectMessage struct {
	Reason string
}

// ErrorMessage is an upstream error report that does not end the session.
type ErrorMessage struct {
	Code    string
	Message string
}

func (TransactionsMessage) upstream() {}
func (PingMessage) upstream()         {}
func (AcceptMessage) upstream()       {}
func (RejectMessage) upstream()       {}
func (ErrorMessage) upstream()        {}

type wireIO struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
}

type wireTx struct {
	TxID      string   `json:"txid"`
	Value     int64    `json:"value"`
	AmountBTC float64  `json:"amount"`
	Fee       int64    `json:"fee"`
	VSize     int64    `json:"vsize"`
	FeeRate   float64  `json:"fee_rate"`
	RBF       bool     `json:"rbf"`
	Time      int64    `json:"time"`
	Inputs    []wireIO `json:"inputs"`
	Outputs   []wireIO `json:"outputs"`
}

// envelope holds the fields of every variant so a message is decoded once.
type envelope struct {
	Type         string   `json:"type"`
	Data         *wireTx  `json:"data"`
	Transactions []wireTx `json:"transactions"`
	Reason       string   `json:"reason"`
	Code         string   `json:"code"`
	Message      string   `json:"message"`
}

// Parse decodes one upstream frame. Malformed frames and unknown types return
// a validation error; the caller discards the frame and keeps the connection.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := sonnet.Unmarshal(data, &env); err != nil {
		return nil, utils.Validation(err, "malformed_frame", utils.ComponentIngest)
	}

	switch strings.ToLower(env.Type) {
	case TypeTransaction:
		if env.Data == nil {
			return nil, utils.Validation(errors.New("transaction without data"), "missing_data", utils.ComponentIngest)
		}
		tx, err := normalize(env.Data)
		if err != nil {
			return nil, utils.Validation(err, "invalid_transaction", utils.ComponentIngest)
		}
		return TransactionsMessage{Transactions: []*models.RawTransaction{tx}}, nil

	case TypeTransactions:
		msg := TransactionsMessage{Transactions: make([]*models.RawTransaction, 0, len(env.Transactions))}
		var firstErr error
		for i := range env.Transactions {
			tx, err := normalize(&env.Transactions[i])
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			msg.Transactions = append(msg.Transactions, tx)
		}
		if len(msg.Transactions) == 0 && firstErr != nil {
			return nil, utils.Validation(firstErr, "invalid_transaction", utils.ComponentIngest)
		}
		return msg, nil

	case TypePing:
		return PingMessage{}, nil

	case TypeAccepted, TypeSubscribed:
		return AcceptMessage{}, nil

	case TypeRejected:
		return RejectMessage{Reason: env.Reason}, nil

	case TypeError:
		return ErrorMessage{Code: env.Code, Message: env.Message}, nil
	}

	return nil, utils.Validation(fmt.Errorf("%w %q", ErrUnknownType, env.Type), "unknown_type", utils.ComponentIngest)
}

func normalize(w *wireTx) (*models.RawTransaction, error) {
	if len(w.TxID) != chainhash.MaxHashStringSize {
		return nil, fmt.Errorf("txid %q has length %d", w.TxID, len(w.TxID))
	}
	if _, err := chainhash.NewHashFromStr(w.TxID); err != nil {
		return nil, fmt.Errorf("txid %q: %w", w.TxID, err)
	}

	value := w.Value
	if value == 0 && w.AmountBTC > 0 {
		amt, err := btcutil.NewAmount(w.AmountBTC)
		if err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
		value = int64(amt)
	}
	if value <= 0 {
		// Fall back to the output sum when the feed omits the total.
		for _, o := range w.Outputs {
			value += o.Value
		}
	}
	if value <= 0 {
		return nil, fmt.Errorf("transaction %s has no value", w.TxID)
	}
	if value > int64(btcutil.MaxSatoshi) {
		return nil, fmt.Errorf("transaction %s value %d exceeds supply", w.TxID, value)
	}
	if w.Fee < 0 || w.VSize < 0 || w.FeeRate < 0 {
		return nil, fmt.Errorf("transaction %s has negative fee fields", w.TxID)
	}

	tx := &models.RawTransaction{
		TxID:     strings.ToLower(w.TxID),
		ValueSat: value,
		FeeSat:   w.Fee,
		VSize:    w.VSize,
		FeeRate:  w.FeeRate,
		RBF:      w.RBF,
		Inputs:   make([]string, 0, len(w.Inputs)),
		Outputs:  make([]models.TxOutput, 0, len(w.Outputs)),
	}
	if w.Time > 0 {
		tx.FirstSeen = time.Unix(w.Time, 0).UTC()
	}
	for _, in := range w.Inputs {
		if in.Address != "" {
			tx.Inputs = append(tx.Inputs, in.Address)
		}
	}
	for _, out := range w.Outputs {
		tx.Outputs = append(tx.Outputs, models.TxOutput{Address: out.Address, ValueSat: out.Value})
	}
	return tx, nil
}
