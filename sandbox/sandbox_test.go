package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/0xPolygon/covtrace/backend"
	"github.com/0xPolygon/covtrace/gate"
	"github.com/0xPolygon/covtrace/helper/tests"
	"github.com/0xPolygon/covtrace/jsonrpc"
	"github.com/0xPolygon/covtrace/trace"
	"github.com/0xPolygon/covtrace/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	defaultFrom = types.StringToAddress("f00")
	contract    = types.StringToAddress("c0de")
)

// tracingEngine sends transactions to the dev node and delivers their trace
// to the marker, the way the transaction path does on a full chain
type tracingEngine struct {
	node     *tests.DevNode
	requests []*jsonrpc.Request
	onSend   func()
	// recordErr is reported to the marker in place of the trace
	recordErr error
}

func (e *tracingEngine) Send(ctx context.Context, req *jsonrpc.Request) (json.RawMessage, jsonrpc.Error) {
	e.requests = append(e.requests, req)

	if e.onSend != nil {
		e.onSend()
	}

	res, rpcErr := e.node.Send(ctx, req)

	marker := FromContext(ctx)
	if marker == nil || req.Method != "eth_sendTransaction" {
		return res, rpcErr
	}

	if e.recordErr != nil {
		marker.Fail(e.recordErr)

		return res, rpcErr
	}

	// the dev node mines failed transactions too
	block, _ := e.node.Send(ctx, &jsonrpc.Request{Method: "eth_getBlockByNumber", Params: json.RawMessage(`["latest", true]`)})

	var latest struct {
		Transactions []struct {
			Hash types.Hash `json:"hash"`
		} `json:"transactions"`
	}

	if err := json.Unmarshal(block, &latest); err == nil && len(latest.Transactions) > 0 {
		traceReq, _ := jsonrpc.NewRequest("debug_traceTransaction", latest.Transactions[0].Hash)

		if out, err := e.node.Send(ctx, traceReq); err == nil {
			var raw trace.RawTrace
			if json.Unmarshal(out, &raw) == nil {
				marker.Deliver(&raw)
			}
		}
	}

	return res, rpcErr
}

func newTestSandbox(t *testing.T, node *tests.DevNode) (*Sandbox, *tracingEngine, *gate.Gate) {
	t.Helper()

	b, err := backend.New(hclog.NewNullLogger(), node, nil)
	require.NoError(t, err)

	g := gate.New(hclog.NewNullLogger())

	s := New(hclog.NewNullLogger(), g, b, &Config{DefaultFrom: defaultFrom, RevertTimeout: time.Second})

	engine := &tracingEngine{node: node}
	s.SetEngine(engine)

	return s, engine, g
}

func contractTrace() *trace.RawTrace {
	return &trace.RawTrace{
		Gas: 23000,
		StructLogs: []trace.ExecutionStep{
			{Pc: 0, Op: "PUSH1", Depth: 1},
			{Pc: 2, Op: "SSTORE", Depth: 1, Stack: []string{"0x1", "0x0"}},
			{Pc: 3, Op: "STOP", Depth: 1},
		},
	}
}

func TestCaptureCallTrace_RestoresState(t *testing.T) {
	t.Parallel()

	node := tests.NewDevNode()
	node.SetCode(contract, []byte{0x60, 0x01, 0x55})
	node.SetProgram(contract, &tests.Program{
		Trace:   contractTrace(),
		Storage: map[string]string{"0x0": "0x1"},
	})

	s, engine, g := newTestSandbox(t, node)

	before := node.StateDigest()

	raw, err := s.CaptureCallTrace(context.Background(), json.RawMessage(`{"to":"`+contract.String()+`","data":"0x01"}`), json.RawMessage(`"latest"`))
	require.NoError(t, err)
	assert.Equal(t, contractTrace(), raw)

	assert.Equal(t, before, node.StateDigest())
	assert.Equal(t, 0, node.Snapshots())
	assert.Equal(t, 1, node.Calls("evm_snapshot"))
	assert.Equal(t, 1, node.Calls("evm_revert"))
	assert.False(t, g.Held())

	// the replay is a transaction from the default sender
	require.Len(t, engine.requests, 1)
	assert.Equal(t, "eth_sendTransaction", engine.requests[0].Method)

	params, err := engine.requests[0].DecodeParams()
	require.NoError(t, err)
	require.Len(t, params, 1)

	var tx map[string]string
	require.NoError(t, json.Unmarshal(params[0], &tx))
	assert.Equal(t, defaultFrom.String(), tx["from"])
	assert.Equal(t, contract.String(), tx["to"])
	assert.Equal(t, "0x01", tx["data"])
}

func TestCaptureCallTrace_KeepsSender(t *testing.T) {
	t.Parallel()

	s, engine, _ := newTestSandbox(t, tests.NewDevNode())

	sender := types.StringToAddress("5e4d")

	_, err := s.CaptureCallTrace(context.Background(), json.RawMessage(`{"from":"`+sender.String()+`","to":"`+contract.String()+`"}`), nil)
	require.NoError(t, err)

	params, err := engine.requests[0].DecodeParams()
	require.NoError(t, err)

	var tx map[string]string
	require.NoError(t, json.Unmarshal(params[0], &tx))
	assert.Equal(t, sender.String(), tx["from"])
}

func TestCaptureCallTrace_SwallowsReplayError(t *testing.T) {
	t.Parallel()

	failing := contractTrace()
	failing.Failed = true
	failing.StructLogs[2].Op = "REVERT"

	node := tests.NewDevNode()
	node.ErrorOnFailedSend = true
	node.SetProgram(contract, &tests.Program{Trace: failing, Revert: true})

	s, _, g := newTestSandbox(t, node)

	before := node.StateDigest()

	raw, err := s.CaptureCallTrace(context.Background(), json.RawMessage(`{"to":"`+contract.String()+`"}`), nil)
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.True(t, raw.Failed)
	assert.NotEmpty(t, raw.StructLogs)

	assert.Equal(t, before, node.StateDigest())
	assert.False(t, g.Held())
}

func TestCaptureCallTrace_RecordingFailure(t *testing.T) {
	t.Parallel()

	node := tests.NewDevNode()
	node.SetProgram(contract, &tests.Program{Trace: contractTrace()})

	s, engine, g := newTestSandbox(t, node)

	recordErr := errors.New("receipt not found")
	engine.recordErr = recordErr

	before := node.StateDigest()

	raw, err := s.CaptureCallTrace(context.Background(), json.RawMessage(`{"to":"`+contract.String()+`"}`), nil)
	require.ErrorIs(t, err, ErrReplayNotRecorded)
	require.ErrorIs(t, err, recordErr)
	assert.NotErrorIs(t, err, ErrRevertFailed)
	assert.Nil(t, raw)

	assert.Equal(t, before, node.StateDigest())
	assert.Equal(t, 0, node.Snapshots())
	assert.False(t, g.Held())
}

func TestCaptureCallTrace_RevertFailure(t *testing.T) {
	t.Parallel()

	node := tests.NewDevNode()
	node.RejectRevert = true
	node.SetProgram(contract, &tests.Program{Trace: contractTrace()})

	s, _, g := newTestSandbox(t, node)

	raw, err := s.CaptureCallTrace(context.Background(), json.RawMessage(`{"to":"`+contract.String()+`"}`), nil)
	require.ErrorIs(t, err, ErrRevertFailed)
	require.ErrorIs(t, err, backend.ErrRevertRejected)
	assert.Nil(t, raw)

	// the gate is released so the failure can be reported to waiting calls
	assert.False(t, g.Held())
}

func TestCaptureCallTrace_CancelledDuringReplay(t *testing.T) {
	t.Parallel()

	node := tests.NewDevNode()
	s, engine, _ := newTestSandbox(t, node)

	ctx, cancel := context.WithCancel(context.Background())
	engine.onSend = cancel

	before := node.StateDigest()

	_, err := s.CaptureCallTrace(ctx, json.RawMessage(`{"to":"`+contract.String()+`"}`), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, node.Calls("evm_revert"))
	assert.Equal(t, 0, node.Snapshots())
	assert.Equal(t, before, node.StateDigest())
}

func TestCaptureCallTrace_WaitsForGate(t *testing.T) {
	t.Parallel()

	node := tests.NewDevNode()
	s, _, g := newTestSandbox(t, node)

	require.True(t, g.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.CaptureCallTrace(ctx, json.RawMessage(`{"to":"`+contract.String()+`"}`), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, node.Calls("evm_snapshot"))

	g.Release()
}

func TestCaptureCallTrace_InvalidParams(t *testing.T) {
	t.Parallel()

	node := tests.NewDevNode()
	s, _, _ := newTestSandbox(t, node)

	for _, params := range []string{`"0x01"`, `null`, `[1]`, ``} {
		_, err := s.CaptureCallTrace(context.Background(), json.RawMessage(params), nil)
		require.ErrorIs(t, err, errInvalidCallParams, params)
	}

	assert.Equal(t, 0, node.Calls("evm_snapshot"))

	_, err := New(hclog.NewNullLogger(), gate.New(hclog.NewNullLogger()), nil, nil).
		CaptureCallTrace(context.Background(), json.RawMessage(`{}`), nil)
	require.ErrorIs(t, err, ErrNoEngine)
}

func TestMarker(t *testing.T) {
	t.Parallel()

	assert.Nil(t, FromContext(context.Background()))

	ctx, marker := WithMarker(context.Background())
	assert.Same(t, marker, FromContext(ctx))
	assert.Nil(t, marker.Trace())

	first, second := &trace.RawTrace{Gas: 1}, &trace.RawTrace{Gas: 2}
	marker.Deliver(first)
	marker.Deliver(second)
	assert.Same(t, second, marker.Trace())
}
