package coverage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/0xPolygon/covtrace/helper/hex"
	"github.com/0xPolygon/covtrace/jsonrpc"
	"github.com/0xPolygon/covtrace/sandbox"
	"github.com/0xPolygon/covtrace/trace"
	"github.com/0xPolygon/covtrace/types"
	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
)

// Interceptor is the subprovider tracing transactions and calls on their way to the node.
// It never changes the result or error returned to the caller.
type Interceptor struct {
	logger   hclog.Logger
	recorder *Recorder
}

var _ jsonrpc.Subprovider = (*Interceptor)(nil)

func NewInterceptor(logger hclog.Logger, recorder *Recorder) *Interceptor {
	return &Interceptor{
		logger:   logger.Named("interceptor"),
		recorder: recorder,
	}
}

// SetEngine implements jsonrpc.Subprovider
func (i *Interceptor) SetEngine(engine jsonrpc.Engine) {
	i.recorder.SetEngine(engine)
}

// HandleRequest implements jsonrpc.Subprovider
func (i *Interceptor) HandleRequest(ctx context.Context, req *jsonrpc.Request, next jsonrpc.Handler) (json.RawMessage, jsonrpc.Error) {
	switch jsonrpc.Classify(req.Method) {
	case jsonrpc.CallKindTransaction:
		return i.handleTransaction(ctx, req, next)
	case jsonrpc.CallKindCall:
		return i.handleCall(ctx, req, next)
	case jsonrpc.CallKindStateChange:
		return i.handleStateChange(ctx, req, next)
	default:
		return next(ctx, req)
	}
}

// transactionArgs are the fields of eth_sendTransaction params the recorder needs
type transactionArgs struct {
	To    *string         `json:"to"`
	Data  *types.HexBytes `json:"data"`
	Input *types.HexBytes `json:"input"`
}

// target is the creation sentinel when to is missing, empty or zero
func (a *transactionArgs) target() trace.Target {
	if a.To == nil || hex.IsZero(*a.To) {
		return trace.NewContract
	}

	return trace.AddressTarget(types.StringToAddress(*a.To))
}

func (a *transactionArgs) input() []byte {
	if a.Input != nil {
		return *a.Input
	}

	if a.Data != nil {
		return *a.Data
	}

	return nil
}

func decodeTransactionArgs(req *jsonrpc.Request) (*transactionArgs, error) {
	params, err := req.DecodeParams()
	if err != nil {
		return nil, err
	}

	if len(params) == 0 {
		return nil, errors.New("missing transaction object")
	}

	var args transactionArgs
	if err := json.Unmarshal(params[0], &args); err != nil {
		return nil, fmt.Errorf("invalid transaction object: %w", err)
	}

	return &args, nil
}

// handleStateChange keeps untraced state changes out of a running sandbox cycle,
// which would otherwise revert them
func (i *Interceptor) handleStateChange(ctx context.Context, req *jsonrpc.Request, next jsonrpc.Handler) (json.RawMessage, jsonrpc.Error) {
	if i.recorder.Halted() || sandbox.FromContext(ctx) != nil {
		return next(ctx, req)
	}

	if err := i.recorder.Gate().Acquire(ctx); err != nil {
		return nil, jsonrpc.NewInternalError(fmt.Sprintf("gave up waiting for pending traces: %v", err))
	}
	defer i.recorder.Gate().Release()

	return next(ctx, req)
}

func (i *Interceptor) handleTransaction(ctx context.Context, req *jsonrpc.Request, next jsonrpc.Handler) (json.RawMessage, jsonrpc.Error) {
	if i.recorder.Halted() {
		return next(ctx, req)
	}

	// synthetic transactions run inside a sandbox cycle that already holds the gate
	synthetic := sandbox.FromContext(ctx) != nil

	if !synthetic {
		if err := i.recorder.Gate().Acquire(ctx); err != nil {
			return nil, jsonrpc.NewInternalError(fmt.Sprintf("gave up waiting for pending traces: %v", err))
		}
		defer i.recorder.Gate().Release()
	}

	res, rpcErr := next(ctx, req)

	// the trace is recorded even if the caller is gone
	traceCtx := context.WithoutCancel(ctx)

	if rpcErr != nil {
		if err := i.recorder.RecordLatestBlock(traceCtx, synthetic); err != nil {
			i.traceFailed(ctx, req.Method, err)
		}

		return res, rpcErr
	}

	args, err := decodeTransactionArgs(req)
	if err != nil {
		i.traceFailed(ctx, req.Method, err)

		return res, rpcErr
	}

	var hash types.Hash
	if err := json.Unmarshal(res, &hash); err != nil {
		i.traceFailed(ctx, req.Method, fmt.Errorf("unexpected transaction hash %s: %w", string(res), err))

		return res, rpcErr
	}

	call := NewPendingCall(args.target(), args.input(), hash, synthetic)
	if err := i.recorder.RecordTransaction(traceCtx, call); err != nil {
		i.traceFailed(ctx, req.Method, err)
	}

	return res, rpcErr
}

func (i *Interceptor) handleCall(ctx context.Context, req *jsonrpc.Request, next jsonrpc.Handler) (json.RawMessage, jsonrpc.Error) {
	res, rpcErr := next(ctx, req)

	if i.recorder.Halted() {
		return res, rpcErr
	}

	params, err := req.DecodeParams()
	if err != nil || len(params) == 0 {
		// the node already answered the malformed call
		return res, rpcErr
	}

	var blockRef json.RawMessage
	if len(params) > 1 {
		blockRef = params[1]
	}

	if _, err := i.recorder.RecordCall(context.WithoutCancel(ctx), params[0], blockRef); err != nil {
		i.traceFailed(ctx, req.Method, err)
	}

	return res, rpcErr
}

func (i *Interceptor) traceFailed(ctx context.Context, method string, err error) {
	metrics.IncrCounter([]string{recorderMetric, "errors"}, 1)

	if marker := sandbox.FromContext(ctx); marker != nil {
		marker.Fail(err)
	}

	if errors.Is(err, ErrTracingHalted) {
		i.logger.Debug("tracing is halted", "method", method)

		return
	}

	i.logger.Warn("failed to record trace", "method", method, "err", err)
}
