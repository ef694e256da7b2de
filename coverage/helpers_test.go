package coverage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/0xPolygon/covtrace/backend"
	"github.com/0xPolygon/covtrace/jsonrpc"
	"github.com/0xPolygon/covtrace/sandbox"
	"github.com/0xPolygon/covtrace/trace"
	"github.com/0xPolygon/covtrace/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

var (
	sender      = types.StringToAddress("5e4d")
	defaultFrom = types.StringToAddress("f00")
	contractA   = types.StringToAddress("aa")
	contractB   = types.StringToAddress("bb")
	helperAddr  = types.StringToAddress("4e1")
	deployed    = types.StringToAddress("de9")

	errAppend = errors.New("aggregator is misconfigured")
)

// memoryAggregator keeps every appended record in order
type memoryAggregator struct {
	lock      sync.Mutex
	records   []*TraceRecord
	flushes   int
	closed    bool
	appendErr error
}

func (m *memoryAggregator) Append(record *TraceRecord) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.appendErr != nil {
		return m.appendErr
	}

	if err := record.Validate(); err != nil {
		return err
	}

	m.records = append(m.records, record)

	return nil
}

func (m *memoryAggregator) Flush() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.flushes++

	return nil
}

func (m *memoryAggregator) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.closed = true

	return nil
}

func (m *memoryAggregator) Records() []*TraceRecord {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]*TraceRecord{}, m.records...)
}

// byCall groups the records by call id, keeping their order
func (m *memoryAggregator) byCall() map[string][]*TraceRecord {
	res := map[string][]*TraceRecord{}
	for _, r := range m.Records() {
		res[r.CallID] = append(res[r.CallID], r)
	}

	return res
}

type testStack struct {
	chain      *jsonrpc.Chain
	recorder   *Recorder
	aggregator *memoryAggregator
}

// newTestStack builds the request chain the proxy serves, ending at node
func newTestStack(t *testing.T, node jsonrpc.Engine) *testStack {
	t.Helper()

	b, err := backend.New(hclog.NewNullLogger(), node, &backend.Config{
		CodeCacheSize:       16,
		ReceiptTimeout:      time.Second,
		ReceiptPollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	agg := &memoryAggregator{}

	recorder, err := NewRecorder(hclog.NewNullLogger(), b, agg, &sandbox.Config{
		DefaultFrom:   defaultFrom,
		RevertTimeout: time.Second,
	})
	require.NoError(t, err)

	return &testStack{
		chain:      jsonrpc.NewChain(node, NewInterceptor(hclog.NewNullLogger(), recorder)),
		recorder:   recorder,
		aggregator: agg,
	}
}

func (s *testStack) send(t *testing.T, method string, params ...interface{}) (json.RawMessage, jsonrpc.Error) {
	t.Helper()

	req, err := jsonrpc.NewRequest(method, params...)
	require.NoError(t, err)

	return s.chain.Send(context.Background(), req)
}

func step(pc uint64, op string, depth int) trace.ExecutionStep {
	return trace.ExecutionStep{Pc: pc, Op: op, Depth: depth, Gas: 100000}
}

// callStep is a CALL whose stack holds the target below the gas word
func callStep(pc uint64, depth int, to types.Address) trace.ExecutionStep {
	s := step(pc, "CALL", depth)
	s.Stack = []string{"0x0", types.BytesToHash(to.Bytes()).String(), "0xffff"}

	return s
}

func rawTrace(steps ...trace.ExecutionStep) *trace.RawTrace {
	return &trace.RawTrace{Gas: 50000, StructLogs: steps}
}

// singleFrameTrace runs only its own code
func singleFrameTrace() *trace.RawTrace {
	return rawTrace(
		step(0, "PUSH1", 1),
		step(2, "PUSH1", 1),
		step(4, "SSTORE", 1),
		step(5, "STOP", 1),
	)
}

// requireReassembles checks that the records of one call cover the raw trace exactly
func requireReassembles(t *testing.T, raw *trace.RawTrace, records []*TraceRecord) {
	t.Helper()

	subtraces := make([]*trace.SubTrace, 0, len(records))
	for _, r := range records {
		subtraces = append(subtraces, r.SubTrace)
	}

	steps, err := trace.Reassemble(subtraces)
	require.NoError(t, err)
	require.Equal(t, raw.StructLogs, steps)
}
