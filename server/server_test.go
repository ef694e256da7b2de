package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0xPolygon/covtrace/aggregator"
	"github.com/0xPolygon/covtrace/backend"
	"github.com/0xPolygon/covtrace/helper/tests"
	"github.com/0xPolygon/covtrace/jsonrpc"
	"github.com/0xPolygon/covtrace/sandbox"
	"github.com/0xPolygon/covtrace/trace"
	"github.com/0xPolygon/covtrace/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contract = types.StringToAddress("c0ffee")
	sender   = types.StringToAddress("5e4d")
)

// serveNode exposes the dev node over http the way a ganache node would
func serveNode(t *testing.T, node *tests.DevNode) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		result, rpcErr := node.Send(r.Context(), &req)

		data, err := jsonrpc.NewRPCResponse(req.ID, "2.0", result, rpcErr).Bytes()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)

			return
		}

		_, _ = w.Write(data)
	}))

	t.Cleanup(srv.Close)

	return srv
}

func freeAddr(t *testing.T) *net.TCPAddr {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr, ok := lis.Addr().(*net.TCPAddr)
	require.True(t, ok)
	require.NoError(t, lis.Close())

	return addr
}

func testConfig(t *testing.T, upstream string) *Config {
	t.Helper()

	return &Config{
		UpstreamURL: upstream,
		JSONRPC: &jsonrpc.Config{
			Addr:                     freeAddr(t),
			AccessControlAllowOrigin: []string{"*"},
			BatchLengthLimit:         20,
			WebSocketReadLimit:       8192,
		},
		Backend: &backend.Config{
			CodeCacheSize:       16,
			ReceiptTimeout:      5 * time.Second,
			ReceiptPollInterval: 5 * time.Millisecond,
		},
		Sandbox: &sandbox.Config{
			DefaultFrom:   sender,
			RevertTimeout: 5 * time.Second,
		},
		DataDir:  t.TempDir(),
		Store:    aggregator.StoreBolt,
		LogLevel: hclog.Error,
	}
}

func post(t *testing.T, addr *net.TCPAddr, method string, params ...interface{}) map[string]json.RawMessage {
	t.Helper()

	req, err := jsonrpc.NewRequest(method, params...)
	require.NoError(t, err)

	req.ID = 1

	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://%s/", addr), "application/json", bytes.NewReader(body))
	require.NoError(t, err)

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out), string(data))

	return out
}

func TestServer_RecordsThroughProxy(t *testing.T) {
	node := tests.NewDevNode()
	node.SetCode(contract, []byte{0x60, 0x01, 0x60, 0x02})
	node.SetProgram(contract, &tests.Program{
		Trace: &trace.RawTrace{
			Gas: 21000,
			StructLogs: []trace.ExecutionStep{
				{Pc: 0, Op: "PUSH1", Depth: 1},
				{Pc: 2, Op: "PUSH1", Depth: 1},
				{Pc: 4, Op: "STOP", Depth: 1},
			},
		},
		Return:  []byte{0x2a},
		Storage: map[string]string{"0x0": "0x1"},
	})

	upstream := serveNode(t, node)
	config := testConfig(t, upstream.URL)

	srv, err := NewServer(config)
	require.NoError(t, err)

	sent := post(t, config.JSONRPC.Addr, "eth_sendTransaction", map[string]string{
		"from": sender.String(),
		"to":   contract.String(),
		"data": "0x01",
	})
	require.Contains(t, sent, "result")

	digest := node.StateDigest()

	called := post(t, config.JSONRPC.Addr, "eth_call", map[string]string{
		"to":   contract.String(),
		"data": "0x01",
	}, "latest")
	assert.JSONEq(t, `"0x2a"`, string(called["result"]))

	// the replayed call leaves no trace on the node
	assert.Equal(t, digest, node.StateDigest())

	proxied := post(t, config.JSONRPC.Addr, "eth_chainId")
	assert.JSONEq(t, `"0x539"`, string(proxied["result"]))

	require.NoError(t, srv.Close())

	store, err := aggregator.OpenStorage(hclog.NewNullLogger(), aggregator.StoreBolt, config.DataDir)
	require.NoError(t, err)

	defer store.Close()

	calls, err := store.ReadCalls()
	require.NoError(t, err)
	require.Len(t, calls, 2)

	for _, call := range calls {
		require.Len(t, call.Records, 1)

		record := call.Records[0]
		require.NotNil(t, record.Address)
		assert.Equal(t, contract, *record.Address)
		assert.Equal(t, []int{0, 1, 2}, record.Positions)

		code, ok, err := store.ReadCode(record.CodeHash)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{0x60, 0x01, 0x60, 0x02}, code)
	}

	assert.NotEqual(t, calls[0].ID, calls[1].ID)
}

func TestServer_UpstreamErrorsAreRelayed(t *testing.T) {
	node := tests.NewDevNode()
	upstream := serveNode(t, node)
	config := testConfig(t, upstream.URL)

	srv, err := NewServer(config)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, srv.Close())
	}()

	out := post(t, config.JSONRPC.Addr, "eth_unknownMethod")

	var rpcErr jsonrpc.ErrorObject
	require.NoError(t, json.Unmarshal(out["error"], &rpcErr))
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestServer_InvalidStore(t *testing.T) {
	upstream := serveNode(t, tests.NewDevNode())

	config := testConfig(t, upstream.URL)
	config.Store = "postgres"

	_, err := NewServer(config)
	require.ErrorContains(t, err, "unknown store")

	// the listen address was never taken
	lis, err := net.Listen("tcp", config.JSONRPC.Addr.String())
	require.NoError(t, err)
	require.NoError(t, lis.Close())
}

func TestNewLoggerFromConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "covtrace.log")

	logger, err := newLoggerFromConfig(&Config{
		LogLevel:      hclog.Info,
		LogFilePath:   path,
		JSONLogFormat: true,
	})
	require.NoError(t, err)

	logger.Info("started", "upstream", "ws://node:8546")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{"))
	assert.Contains(t, string(data), `"upstream":"ws://node:8546"`)

	_, err = newLoggerFromConfig(&Config{LogFilePath: filepath.Join(t.TempDir(), "missing", "covtrace.log")})
	require.Error(t, err)
}
