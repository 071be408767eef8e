package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"whale-backend/internal/cache"
	"whale-backend/internal/utils"
)

// Confirmation locates a mined transaction.
type Confirmation struct {
	TxID        string
	BlockHash   string
	BlockHeight int64
	BlockTime   time.Time
}

// BlockSource reports whether a transaction has been mined. ok is false
// while the transaction is unconfirmed or unknown.
type BlockSource interface {
	Confirmation(ctx context.Context, txID string) (conf Confirmation, ok bool, err error)
}

// RPCConfig holds node connection settings.
type RPCConfig struct {
	Host       string `long:"rpc-host" env:"RPC_HOST" description:"bitcoind/btcd JSON-RPC host:port; confirmation polling is off when empty"`
	User       string `long:"rpc-user" env:"RPC_USER" description:"JSON-RPC user"`
	Pass       string `long:"rpc-pass" env:"RPC_PASS" description:"JSON-RPC password"`
	DisableTLS bool   `long:"rpc-notls" env:"RPC_NOTLS" description:"Connect without TLS (bitcoind default)"`
	CacheSize  int    `long:"rpc-cache-size" env:"RPC_CACHE_SIZE" default:"4096" description:"Creation-block lookups kept in memory"`
}

// DialRPC connects to a node in HTTP POST mode, which both bitcoind and btcd
// serve.
func DialRPC(cfg RPCConfig) (*rpcclient.Client, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc client: %w", err)
	}
	return client, nil
}

// chainRPC is the subset of rpcclient.Client the lookup needs.
type chainRPC interface {
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetBlockHeaderVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
}

// RPCBlockSource resolves a transaction's creation block with two chained
// calls: getrawtransaction for the block hash, then getblockheader for its
// height. Confirmed results are immutable and kept in a bounded LRU.
type RPCBlockSource struct {
	rpc chainRPC

	mu     sync.Mutex
	lookup *cache.LRU[string, Confirmation]
	calls  int64
}

// NewRPCBlockSource wraps rpc. The client may be an *rpcclient.Client.
func NewRPCBlockSource(rpc chainRPC, cacheSize int) *RPCBlockSource {
	return &RPCBlockSource{
		rpc:    rpc,
		lookup: cache.NewLRU[string, Confirmation](cacheSize),
	}
}

// Confirmation implements BlockSource.
func (s *RPCBlockSource) Confirmation(ctx context.Context, txID string) (Confirmation, bool, error) {
	s.mu.Lock()
	conf, hit := s.lookup.Get(txID)
	s.mu.Unlock()
	if hit {
		return conf, true, nil
	}

	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return Confirmation{}, false, utils.Validation(err, "bad_txid", utils.ComponentCorrelation)
	}
	if err := ctx.Err(); err != nil {
		return Confirmation{}, false, err
	}

	s.count()
	raw, err := s.rpc.GetRawTransactionVerbose(hash)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
			// Evicted from the mempool or not indexed yet.
			return Confirmation{}, false, nil
		}
		return Confirmation{}, false, utils.Transient(err, "rpc_getrawtransaction", utils.ComponentCorrelation)
	}
	if raw.BlockHash == "" || raw.Confirmations == 0 {
		return Confirmation{}, false, nil
	}

	blockHash, err := chainhash.NewHashFromStr(raw.BlockHash)
	if err != nil {
		return Confirmation{}, false, utils.Validation(err, "bad_blockhash", utils.ComponentCorrelation)
	}
	if err := ctx.Err(); err != nil {
		return Confirmation{}, false, err
	}

	s.count()
	header, err := s.rpc.GetBlockHeaderVerbose(blockHash)
	if err != nil {
		return Confirmation{}, false, utils.Transient(err, "rpc_getblockheader", utils.ComponentCorrelation)
	}

	conf = Confirmation{
		TxID:        txID,
		BlockHash:   raw.BlockHash,
		BlockHeight: int64(header.Height),
		BlockTime:   time.Unix(header.Time, 0).UTC(),
	}
	s.mu.Lock()
	s.lookup.Add(txID, conf)
	s.mu.Unlock()
	return conf, true, nil
}

func (s *RPCBlockSource) count() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

// Calls returns the number of RPC calls made.
func (s *RPCBlockSource) Calls() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Cached returns the number of cached confirmations.
func (s *RPCBlockSource) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup.Len()
}
