package backend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/0xPolygon/covtrace/helper/tests"
	"github.com/0xPolygon/covtrace/jsonrpc"
	"github.com/0xPolygon/covtrace/trace"
	"github.com/0xPolygon/covtrace/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addr1 = types.StringToAddress("1")
	addr2 = types.StringToAddress("2")
)

func newTestBackend(t *testing.T, node jsonrpc.Engine) *Backend {
	t.Helper()

	b, err := New(hclog.NewNullLogger(), node, &Config{
		CodeCacheSize:       16,
		ReceiptTimeout:      time.Second,
		ReceiptPollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	return b
}

func sendTransaction(t *testing.T, node jsonrpc.Engine, args map[string]interface{}) types.Hash {
	t.Helper()

	req, err := jsonrpc.NewRequest("eth_sendTransaction", args)
	require.NoError(t, err)

	res, rpcErr := node.Send(context.Background(), req)
	require.Nil(t, rpcErr)

	var hash types.Hash
	require.NoError(t, json.Unmarshal(res, &hash))

	return hash
}

func TestBackend_GetCodeCache(t *testing.T) {
	t.Parallel()

	node := tests.NewDevNode()
	node.SetCode(addr1, []byte{0x60, 0x01})

	b := newTestBackend(t, node)

	for i := 0; i < 3; i++ {
		code, err := b.GetCode(context.Background(), addr1)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x60, 0x01}, code)
	}

	assert.Equal(t, 1, node.Calls("eth_getCode"))

	code, err := b.GetCode(context.Background(), addr2)
	require.NoError(t, err)
	assert.Empty(t, code)
	assert.Equal(t, 2, node.Calls("eth_getCode"))

	id, err := b.Snapshot(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Revert(context.Background(), id))

	_, err = b.GetCode(context.Background(), addr1)
	require.NoError(t, err)
	assert.Equal(t, 3, node.Calls("eth_getCode"))
}

func TestBackend_GetCodeAfterDeploy(t *testing.T) {
	t.Parallel()

	node := tests.NewDevNode()
	b := newTestBackend(t, node)

	code, err := b.GetCode(context.Background(), addr2)
	require.NoError(t, err)
	assert.Empty(t, code)

	node.SetCode(addr2, []byte{0x60, 0x02})

	code, err = b.GetCode(context.Background(), addr2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x02}, code)

	// deployed code is cached from here on
	_, err = b.GetCode(context.Background(), addr2)
	require.NoError(t, err)
	assert.Equal(t, 2, node.Calls("eth_getCode"))
}

func TestBackend_SnapshotRevert(t *testing.T) {
	t.Parallel()

	node := tests.NewDevNode()
	b := newTestBackend(t, node)

	before := node.StateDigest()

	id, err := b.Snapshot(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"0x1"`, string(id))

	sendTransaction(t, node, map[string]interface{}{"from": addr1, "to": addr2})
	assert.NotEqual(t, before, node.StateDigest())

	require.NoError(t, b.Revert(context.Background(), id))
	assert.Equal(t, before, node.StateDigest())
	assert.Equal(t, 0, node.Snapshots())

	// the snapshot was consumed by the revert
	require.ErrorIs(t, b.Revert(context.Background(), id), ErrRevertRejected)
}

func TestBackend_RevertRejected(t *testing.T) {
	t.Parallel()

	node := tests.NewDevNode()
	node.RejectRevert = true
	node.SetCode(addr1, []byte{0x01})

	b := newTestBackend(t, node)

	_, err := b.GetCode(context.Background(), addr1)
	require.NoError(t, err)

	id, err := b.Snapshot(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, b.Revert(context.Background(), id), ErrRevertRejected)

	// the cache is dropped even though the revert did not happen
	_, err = b.GetCode(context.Background(), addr1)
	require.NoError(t, err)
	assert.Equal(t, 2, node.Calls("eth_getCode"))
}

func TestBackend_WaitForReceipt(t *testing.T) {
	t.Parallel()

	t.Run("receipt shows up after a few polls", func(t *testing.T) {
		t.Parallel()

		node := tests.NewDevNode()
		node.ReceiptDelay = 3

		deployed := types.StringToAddress("c0ffee")
		node.SetCreation([]byte{0x60, 0x80}, &tests.Program{Deploy: &deployed, Code: []byte{0x01}})

		b := newTestBackend(t, node)
		hash := sendTransaction(t, node, map[string]interface{}{"from": addr1, "data": "0x6080"})

		receipt, err := b.WaitForReceipt(context.Background(), hash)
		require.NoError(t, err)
		assert.Equal(t, hash, receipt.TransactionHash)
		require.NotNil(t, receipt.ContractAddress)
		assert.Equal(t, deployed, *receipt.ContractAddress)
		assert.False(t, receipt.Failed())
		assert.Equal(t, 4, node.Calls("eth_getTransactionReceipt"))
	})

	t.Run("unknown transaction times out", func(t *testing.T) {
		t.Parallel()

		b, err := New(hclog.NewNullLogger(), tests.NewDevNode(), &Config{
			CodeCacheSize:       1,
			ReceiptTimeout:      20 * time.Millisecond,
			ReceiptPollInterval: time.Millisecond,
		})
		require.NoError(t, err)

		_, err = b.WaitForReceipt(context.Background(), types.StringToHash("1"))
		require.ErrorIs(t, err, ErrReceiptNotFound)
	})

	t.Run("failed transaction", func(t *testing.T) {
		t.Parallel()

		node := tests.NewDevNode()
		node.SetProgram(addr2, &tests.Program{Revert: true})

		b := newTestBackend(t, node)
		hash := sendTransaction(t, node, map[string]interface{}{"from": addr1, "to": addr2})

		receipt, err := b.WaitForReceipt(context.Background(), hash)
		require.NoError(t, err)
		assert.True(t, receipt.Failed())
	})
}

func TestBackend_TraceTransaction(t *testing.T) {
	t.Parallel()

	raw := &trace.RawTrace{
		Gas: 21000,
		StructLogs: []trace.ExecutionStep{
			{Pc: 0, Op: "PUSH1", Depth: 1},
			{Pc: 2, Op: "STOP", Depth: 1, Stack: []string{"0x80"}},
		},
	}

	node := tests.NewDevNode()
	node.SetProgram(addr2, &tests.Program{Trace: raw})

	b := newTestBackend(t, node)
	hash := sendTransaction(t, node, map[string]interface{}{"from": addr1, "to": addr2})

	got, err := b.TraceTransaction(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	options := node.TraceOptions()
	require.Len(t, options, 1)
	assert.JSONEq(t, `{"disableMemory":true,"disableStack":false,"disableStorage":true}`, string(options[0]))

	_, err = b.TraceTransaction(context.Background(), types.StringToHash("dead"))
	require.Error(t, err)
}

func TestBackend_LatestBlock(t *testing.T) {
	t.Parallel()

	node := tests.NewDevNode()
	b := newTestBackend(t, node)

	_, err := b.LatestBlock(context.Background())
	require.Error(t, err)

	sendTransaction(t, node, map[string]interface{}{"from": addr1, "to": addr2, "data": "0x01"})
	hash := sendTransaction(t, node, map[string]interface{}{"from": addr1, "data": "0x6080"})

	block, err := b.LatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Uint64(2), block.Number)
	require.Len(t, block.Transactions, 1)

	tx := block.Transactions[0]
	assert.Equal(t, hash, tx.Hash)
	assert.Equal(t, addr1, tx.From)
	assert.Nil(t, tx.To)
	assert.Equal(t, types.HexBytes{0x60, 0x80}, tx.Input)
}
