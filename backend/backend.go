package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/0xPolygon/covtrace/jsonrpc"
	"github.com/0xPolygon/covtrace/trace"
	"github.com/0xPolygon/covtrace/types"
	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	jsoniter "github.com/json-iterator/go"
	"github.com/sethvargo/go-retry"
)

const backendMetric = "backend"

var (
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrRevertRejected  = errors.New("node refused to revert to snapshot")
	ErrEmptySnapshotID = errors.New("node returned an empty snapshot id")
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	CodeCacheSize       int
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		CodeCacheSize:       1024,
		ReceiptTimeout:      30 * time.Second,
		ReceiptPollInterval: 50 * time.Millisecond,
	}
}

// traceOptions asks the struct logger for the stack only,
// which is all the decomposer reads
type traceOptions struct {
	DisableMemory  bool `json:"disableMemory"`
	DisableStack   bool `json:"disableStack"`
	DisableStorage bool `json:"disableStorage"`
}

var defaultTraceOptions = traceOptions{
	DisableMemory:  true,
	DisableStack:   false,
	DisableStorage: true,
}

type Receipt struct {
	TransactionHash types.Hash     `json:"transactionHash"`
	BlockNumber     types.Uint64   `json:"blockNumber"`
	ContractAddress *types.Address `json:"contractAddress"`
	Status          *types.Uint64  `json:"status"`
}

// Failed reports whether the receipt carries a failed status
func (r *Receipt) Failed() bool {
	return r.Status != nil && *r.Status == 0
}

type Transaction struct {
	Hash  types.Hash     `json:"hash"`
	From  types.Address  `json:"from"`
	To    *types.Address `json:"to"`
	Input types.HexBytes `json:"input"`
}

type Block struct {
	Number       types.Uint64   `json:"number"`
	Hash         types.Hash     `json:"hash"`
	Transactions []*Transaction `json:"transactions"`
}

// Backend wraps the node methods needed to capture traces
type Backend struct {
	logger    hclog.Logger
	node      jsonrpc.Engine
	config    *Config
	codeCache *lru.Cache
}

// New returns a backend issuing requests to node, which should be the upstream engine
// so that these requests are never intercepted
func New(logger hclog.Logger, node jsonrpc.Engine, config *Config) (*Backend, error) {
	if config == nil {
		config = DefaultConfig()
	}

	codeCache, err := lru.New(config.CodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create code cache: %w", err)
	}

	return &Backend{
		logger:    logger.Named("backend"),
		node:      node,
		config:    config,
		codeCache: codeCache,
	}, nil
}

func (b *Backend) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	req, err := jsonrpc.NewRequest(method, params...)
	if err != nil {
		return err
	}

	res, rpcErr := b.node.Send(ctx, req)
	if rpcErr != nil {
		return fmt.Errorf("%s failed: %w", method, rpcErr)
	}

	if out == nil {
		return nil
	}

	if err := jsonAPI.Unmarshal(res, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}

	return nil
}

// TraceTransaction fetches the struct logs of a mined transaction
func (b *Backend) TraceTransaction(ctx context.Context, hash types.Hash) (*trace.RawTrace, error) {
	var raw *trace.RawTrace
	if err := b.call(ctx, &raw, "debug_traceTransaction", hash, defaultTraceOptions); err != nil {
		return nil, err
	}

	if raw == nil {
		return nil, fmt.Errorf("no trace for transaction %s", hash)
	}

	return raw, nil
}

// GetCode returns the runtime code deployed at addr in the latest state.
// Accounts without code are looked up again on every call.
func (b *Backend) GetCode(ctx context.Context, addr types.Address) ([]byte, error) {
	if code, ok := b.codeCache.Get(addr); ok {
		return code.([]byte), nil
	}

	metrics.IncrCounter([]string{backendMetric, "code_cache_miss"}, 1)

	var code types.HexBytes
	if err := b.call(ctx, &code, "eth_getCode", addr, "latest"); err != nil {
		return nil, err
	}

	// an empty account may be deployed to later, so only code is cached
	if len(code) > 0 {
		b.codeCache.Add(addr, []byte(code))
	}

	return code, nil
}

// Snapshot checkpoints the node state. The id is kept in its raw form since
// nodes disagree on whether it is a quantity or a number.
func (b *Backend) Snapshot(ctx context.Context) (json.RawMessage, error) {
	var id json.RawMessage
	if err := b.call(ctx, &id, "evm_snapshot"); err != nil {
		return nil, err
	}

	if len(id) == 0 || string(id) == "null" {
		return nil, ErrEmptySnapshotID
	}

	return id, nil
}

// Revert restores the state checkpointed under id.
// Cached code is dropped either way, as the reverted state may no longer hold it.
func (b *Backend) Revert(ctx context.Context, id json.RawMessage) error {
	defer b.codeCache.Purge()

	var ok bool
	if err := b.call(ctx, &ok, "evm_revert", id); err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w %s", ErrRevertRejected, string(id))
	}

	return nil
}

// WaitForReceipt polls for the receipt of hash until it is available or the receipt timeout expires
func (b *Backend) WaitForReceipt(ctx context.Context, hash types.Hash) (*Receipt, error) {
	var receipt *Receipt

	backoff := retry.WithMaxDuration(b.config.ReceiptTimeout, retry.NewConstant(b.config.ReceiptPollInterval))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := b.call(ctx, &receipt, "eth_getTransactionReceipt", hash); err != nil {
			return err
		}

		if receipt == nil {
			return retry.RetryableError(ErrReceiptNotFound)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", hash, err)
	}

	return receipt, nil
}

// LatestBlock returns the latest block with its full transactions
func (b *Backend) LatestBlock(ctx context.Context) (*Block, error) {
	var block *Block
	if err := b.call(ctx, &block, "eth_getBlockByNumber", "latest", true); err != nil {
		return nil, err
	}

	if block == nil {
		return nil, errors.New("node has no latest block")
	}

	return block, nil
}
