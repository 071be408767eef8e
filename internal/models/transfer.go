package models

import "time"

// TxOutput is one output of a raw transaction.
type TxOutput struct {
	Address  string `json:"address"`
	ValueSat int64  `json:"value"`
}

// RawTransaction is a normalized upstream mempool transaction, before
// classification.
type RawTransaction struct {
	TxID      string     `json:"txid"`
	ValueSat  int64      `json:"value"`
	FeeSat    int64      `json:"fee"`
	VSize     int64      `json:"vsize"`
	FeeRate   float64    `json:"fee_rate"`
	RBF       bool       `json:"rbf"`
	FirstSeen time.Time  `json:"first_seen"`
	Inputs    []string   `json:"inputs"`
	Outputs   []TxOutput `json:"outputs"`
}

// EffectiveFeeRate returns the sat/vByte fee rate, deriving it from fee and
// vsize when the feed did not supply one.
func (r *RawTransaction) EffectiveFeeRate() float64 {
	if r.FeeRate > 0 {
		return r.FeeRate
	}
	if r.VSize > 0 && r.FeeSat > 0 {
		return float64(r.FeeSat) / float64(r.VSize)
	}
	return 0
}

// Addresses returns input and output addresses, inputs first.
func (r *RawTransaction) Addresses() []string {
	out := make([]string, 0, len(r.Inputs)+len(r.Outputs))
	out = append(out, r.Inputs...)
	for _, o := range r.Outputs {
		if o.Address != "" {
			out = append(out, o.Address)
		}
	}
	return out
}
