package classifier

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"whale-backend/internal/models"
)

// DirectionInferrer decides the market side of a raw transaction and how sure
// it is, in [0, 1].
type DirectionInferrer interface {
	InferDirection(raw *models.RawTransaction) (models.Direction, float64)
}

// NeutralInferrer labels every transaction NEUTRAL. It is used when no
// address knowledge is configured.
type NeutralInferrer struct{}

// InferDirection implements DirectionInferrer.
func (NeutralInferrer) InferDirection(*models.RawTransaction) (models.Direction, float64) {
	return models.DirectionNeutral, 0.5
}

// ExchangeSetInferrer labels transactions by their relation to a set of known
// exchange addresses: coins moving into an exchange are SELL, coins leaving
// one are BUY. Transactions touching exchanges on both sides, or on neither,
// are NEUTRAL.
type ExchangeSetInferrer struct {
	params    *chaincfg.Params
	exchanges map[string]struct{}
}

// NewExchangeSetInferrer builds an inferrer from addresses valid on params.
// Addresses that do not decode are rejected.
func NewExchangeSetInferrer(params *chaincfg.Params, addresses []string) (*ExchangeSetInferrer, error) {
	inf := &ExchangeSetInferrer{
		params:    params,
		exchanges: make(map[string]struct{}, len(addresses)),
	}
	for _, addr := range addresses {
		norm, err := normalizeAddress(addr, params)
		if err != nil {
			return nil, fmt.Errorf("exchange address %q: %w", addr, err)
		}
		inf.exchanges[norm] = struct{}{}
	}
	return inf, nil
}

// LoadExchangeSet reads one address per line from path. Blank lines and lines
// starting with # are ignored.
func LoadExchangeSet(path string, params *chaincfg.Params) (*ExchangeSetInferrer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open exchange set: %w", err)
	}
	defer f.Close()
	addrs, err := readAddressList(f)
	if err != nil {
		return nil, err
	}
	return NewExchangeSetInferrer(params, addrs)
}

func readAddressList(r io.Reader) ([]string, error) {
	var addrs []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read exchange set: %w", err)
	}
	return addrs, nil
}

// Len returns the number of known exchange addresses.
func (e *ExchangeSetInferrer) Len() int { return len(e.exchanges) }

// InferDirection implements DirectionInferrer. Confidence is the share of the
// transaction's output value that moves to or from exchanges.
func (e *ExchangeSetInferrer) InferDirection(raw *models.RawTransaction) (models.Direction, float64) {
	fromExchange := false
	for _, in := range raw.Inputs {
		if e.known(in) {
			fromExchange = true
			break
		}
	}

	var toExchangeSat, totalSat int64
	for _, out := range raw.Outputs {
		totalSat += out.ValueSat
		if e.known(out.Address) {
			toExchangeSat += out.ValueSat
		}
	}
	toExchange := toExchangeSat > 0

	switch {
	case toExchange && !fromExchange:
		return models.DirectionSell, share(toExchangeSat, totalSat)
	case fromExchange && !toExchange:
		return models.DirectionBuy, share(totalSat-toExchangeSat, totalSat)
	}
	return models.DirectionNeutral, 0.5
}

func (e *ExchangeSetInferrer) known(addr string) bool {
	if addr == "" {
		return false
	}
	norm, err := normalizeAddress(addr, e.params)
	if err != nil {
		return false
	}
	_, ok := e.exchanges[norm]
	return ok
}

func normalizeAddress(addr string, params *chaincfg.Params) (string, error) {
	decoded, err := btcutil.DecodeAddress(strings.TrimSpace(addr), params)
	if err != nil {
		return "", err
	}
	if !decoded.IsForNet(params) {
		return "", fmt.Errorf("address is not for %s", params.Name)
	}
	return decoded.EncodeAddress(), nil
}

func share(part, total int64) float64 {
	if total <= 0 {
		return 0.5
	}
	s := float64(part) / float64(total)
	if s < 0.5 {
		return 0.5
	}
	return s
}
