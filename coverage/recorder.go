package coverage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/0xPolygon/covtrace/backend"
	"github.com/0xPolygon/covtrace/gate"
	"github.com/0xPolygon/covtrace/jsonrpc"
	"github.com/0xPolygon/covtrace/sandbox"
	"github.com/0xPolygon/covtrace/trace"
	"github.com/0xPolygon/covtrace/types"
	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
)

const (
	recorderMetric = "recorder"

	// recentTxs is how many recorded transaction hashes are remembered,
	// so the latest block fallback does not record a transaction twice
	recentTxs = 256
)

// ErrTracingHalted is returned by every capture attempt once a sandbox failed to revert
var ErrTracingHalted = errors.New("tracing halted after a failed revert")

// Node is the part of the upstream node the recorder depends on
type Node interface {
	sandbox.Checkpointer

	WaitForReceipt(ctx context.Context, hash types.Hash) (*backend.Receipt, error)
	TraceTransaction(ctx context.Context, hash types.Hash) (*trace.RawTrace, error)
	GetCode(ctx context.Context, addr types.Address) ([]byte, error)
	LatestBlock(ctx context.Context) (*backend.Block, error)
}

// Recorder fetches and decomposes the traces of the calls observed by the interceptor
// and hands the resulting records to the aggregator.
// It owns the gate and the sandbox shared by every in flight call.
type Recorder struct {
	logger     hclog.Logger
	node       Node
	aggregator Aggregator

	gate    *gate.Gate
	sandbox *sandbox.Sandbox

	pending  *pendingCalls
	recorded *lru.Cache
	halted   atomic.Bool
}

func NewRecorder(logger hclog.Logger, node Node, aggregator Aggregator, config *sandbox.Config) (*Recorder, error) {
	recorded, err := lru.New(recentTxs)
	if err != nil {
		return nil, err
	}

	logger = logger.Named("recorder")
	g := gate.New(logger)

	return &Recorder{
		logger:     logger,
		node:       node,
		aggregator: aggregator,
		gate:       g,
		sandbox:    sandbox.New(logger, g, node, config),
		pending:    newPendingCalls(),
		recorded:   recorded,
	}, nil
}

// SetEngine sets the engine the sandbox replays calls through
func (r *Recorder) SetEngine(engine jsonrpc.Engine) {
	r.sandbox.SetEngine(engine)
}

// Gate returns the gate real transactions hold while they are executed and recorded
func (r *Recorder) Gate() *gate.Gate {
	return r.gate
}

// Halted reports whether tracing stopped after a failed revert
func (r *Recorder) Halted() bool {
	return r.halted.Load()
}

// Pending returns the calls whose trace is being recorded, oldest first
func (r *Recorder) Pending() []*PendingCall {
	return r.pending.list()
}

func (r *Recorder) halt(err error) {
	if r.halted.CompareAndSwap(false, true) {
		r.logger.Error("tracing halted, the node state may be corrupted", "err", err)
	}
}

// RecordTransaction records every frame of a mined transaction.
// When the context carries a sandbox marker the raw trace is delivered to it.
func (r *Recorder) RecordTransaction(ctx context.Context, call *PendingCall) error {
	if r.Halted() {
		return ErrTracingHalted
	}

	r.pending.add(call)
	defer r.pending.remove(call.ID)

	receipt, err := r.node.WaitForReceipt(ctx, call.TxHash)
	if err != nil {
		return err
	}

	raw, err := r.node.TraceTransaction(ctx, call.TxHash)
	if err != nil {
		return err
	}

	r.recorded.Add(call.TxHash, struct{}{})

	if marker := sandbox.FromContext(ctx); marker != nil {
		marker.Deliver(raw)
	}

	subtraces, err := trace.Decompose(raw, call.Target)
	if err != nil {
		return fmt.Errorf("failed to decompose trace of %s: %w", call.TxHash, err)
	}

	for _, st := range subtraces {
		record, err := r.newRecord(ctx, call, receipt, st)
		if err != nil {
			return err
		}

		if err := r.aggregator.Append(record); err != nil {
			return fmt.Errorf("aggregator rejected record of call %s: %w", call.ID, err)
		}
	}

	metrics.IncrCounter([]string{recorderMetric, "records"}, float32(len(subtraces)))

	r.logger.Debug(
		"recorded transaction",
		"call", call.ID,
		"hash", call.TxHash,
		"target", call.Target,
		"synthetic", call.Synthetic,
		"frames", len(subtraces),
		"elapsed", time.Since(call.Started),
	)

	return nil
}

func (r *Recorder) newRecord(
	ctx context.Context,
	call *PendingCall,
	receipt *backend.Receipt,
	st *trace.SubTrace,
) (*TraceRecord, error) {
	if !st.Target.Creation {
		code, err := r.node.GetCode(ctx, st.Target.Address)
		if err != nil {
			return nil, err
		}

		return NewExistingContractRecord(call.ID, st.Target.Address, code, st), nil
	}

	if st.IsRoot() {
		created := receipt.ContractAddress
		if created != nil && *created == types.ZeroAddress {
			created = nil
		}

		return NewContractRecord(call.ID, call.Input, st, created), nil
	}

	r.logger.Warn(
		"contract created by another contract, its bytecode is unknown",
		"call", call.ID,
		"frame", st.Frame,
		"address", st.CreatedAddress,
	)

	return NewContractRecord(call.ID, nil, st, st.CreatedAddress), nil
}

// RecordLatestBlock records the transactions of the latest block.
// It is used when a transaction returned an error, since the node may still have mined it.
func (r *Recorder) RecordLatestBlock(ctx context.Context, synthetic bool) error {
	if r.Halted() {
		return ErrTracingHalted
	}

	block, err := r.node.LatestBlock(ctx)
	if err != nil {
		return err
	}

	var result error

	for _, tx := range block.Transactions {
		if r.recorded.Contains(tx.Hash) {
			continue
		}

		target := trace.NewContract
		if tx.To != nil && *tx.To != types.ZeroAddress {
			target = trace.AddressTarget(*tx.To)
		}

		if err := r.RecordTransaction(ctx, NewPendingCall(target, tx.Input, tx.Hash, synthetic)); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result
}

// RecordCall replays a read-only call in the sandbox. Its records reach the aggregator
// through the transaction path, and the raw trace of the replay is returned.
func (r *Recorder) RecordCall(ctx context.Context, callParams, blockRef json.RawMessage) (*trace.RawTrace, error) {
	if r.Halted() {
		return nil, ErrTracingHalted
	}

	raw, err := r.sandbox.CaptureCallTrace(ctx, callParams, blockRef)
	if errors.Is(err, sandbox.ErrRevertFailed) {
		r.halt(err)
	}

	return raw, err
}

// Flush persists the records appended so far
func (r *Recorder) Flush() error {
	return r.aggregator.Flush()
}

// Close flushes the aggregator and closes it when it holds resources
func (r *Recorder) Close() error {
	for _, call := range r.pending.list() {
		r.logger.Warn("closing with a pending call", "call", call.ID, "hash", call.TxHash)
	}

	var result error

	if err := r.Flush(); err != nil {
		result = multierror.Append(result, err)
	}

	if closer, ok := r.aggregator.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result
}
