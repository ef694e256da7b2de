package tests

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/0xPolygon/covtrace/helper/hex"
	"github.com/0xPolygon/covtrace/jsonrpc"
	"github.com/0xPolygon/covtrace/trace"
	"github.com/0xPolygon/covtrace/types"
)

// Program describes how the DevNode executes messages sent to an address,
// or creation transactions carrying a given init code
type Program struct {
	// Trace is served by debug_traceTransaction for every transaction running the program
	Trace *trace.RawTrace

	// Revert makes the execution fail without applying Storage or Deploy
	Revert bool

	// Return is the eth_call result
	Return types.HexBytes

	// Deploy is the address a creation installs Code at
	Deploy *types.Address
	Code   types.HexBytes

	// Storage holds the writes of a successful execution
	Storage map[string]string
}

type devTx struct {
	Hash  types.Hash     `json:"hash"`
	From  types.Address  `json:"from"`
	To    *types.Address `json:"to"`
	Input types.HexBytes `json:"input"`
}

type devBlock struct {
	Number       types.Uint64 `json:"number"`
	Hash         types.Hash   `json:"hash"`
	Transactions []*devTx     `json:"transactions"`
}

type devReceipt struct {
	TransactionHash types.Hash     `json:"transactionHash"`
	BlockNumber     types.Uint64   `json:"blockNumber"`
	ContractAddress *types.Address `json:"contractAddress"`
	Status          types.Uint64   `json:"status"`
}

type chainState struct {
	nonces   map[types.Address]uint64
	code     map[types.Address]types.HexBytes
	storage  map[types.Address]map[string]string
	blocks   []*devBlock
	receipts map[types.Hash]*devReceipt
	traces   map[types.Hash]*trace.RawTrace
}

func newChainState() *chainState {
	return &chainState{
		nonces:   map[types.Address]uint64{},
		code:     map[types.Address]types.HexBytes{},
		storage:  map[types.Address]map[string]string{},
		receipts: map[types.Hash]*devReceipt{},
		traces:   map[types.Hash]*trace.RawTrace{},
	}
}

// clone copies everything a transaction can mutate. Receipts, blocks and traces are
// never modified after creation, so they are shared.
func (s *chainState) clone() *chainState {
	c := newChainState()

	for k, v := range s.nonces {
		c.nonces[k] = v
	}

	for k, v := range s.code {
		c.code[k] = append(types.HexBytes{}, v...)
	}

	for addr, slots := range s.storage {
		c.storage[addr] = make(map[string]string, len(slots))
		for k, v := range slots {
			c.storage[addr][k] = v
		}
	}

	c.blocks = append(c.blocks, s.blocks...)

	for k, v := range s.receipts {
		c.receipts[k] = v
	}

	for k, v := range s.traces {
		c.traces[k] = v
	}

	return c
}

// DevNode is an in-memory development chain serving the JSON-RPC methods used while tracing.
// Every transaction is mined right away in its own block, like an automining dev node.
type DevNode struct {
	lock sync.Mutex

	programs  map[string]*Program
	state     *chainState
	snapshots []*chainState
	txCounter uint64

	calls        map[string]int
	traceOptions []json.RawMessage
	pendingPolls map[types.Hash]int

	// ErrorOnFailedSend returns an error for failed transactions even though they are mined,
	// the behavior of ganache with vmErrorsOnRPCResponse
	ErrorOnFailedSend bool

	// RejectRevert makes evm_revert answer false
	RejectRevert bool

	// ReceiptDelay is the number of receipt polls answered with null before a receipt shows up
	ReceiptDelay int
}

func NewDevNode() *DevNode {
	return &DevNode{
		programs:     map[string]*Program{},
		state:        newChainState(),
		calls:        map[string]int{},
		pendingPolls: map[types.Hash]int{},
	}
}

func creationKey(input []byte) string {
	return "create:" + hex.EncodeToHex(input)
}

// SetProgram sets the behavior of messages sent to addr
func (d *DevNode) SetProgram(addr types.Address, p *Program) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.programs[addr.String()] = p
}

// SetCreation sets the behavior of creation transactions carrying input
func (d *DevNode) SetCreation(input []byte, p *Program) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.programs[creationKey(input)] = p
}

// SetCode installs runtime code at addr
func (d *DevNode) SetCode(addr types.Address, code []byte) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.state.code[addr] = code
}

// Calls returns how many times method was requested
func (d *DevNode) Calls(method string) int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.calls[method]
}

// TraceOptions returns the options of every debug_traceTransaction request
func (d *DevNode) TraceOptions() []json.RawMessage {
	d.lock.Lock()
	defer d.lock.Unlock()

	return append([]json.RawMessage{}, d.traceOptions...)
}

// Snapshots returns the number of open snapshots
func (d *DevNode) Snapshots() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return len(d.snapshots)
}

// StateDigest renders the whole chain state in a deterministic form
func (d *DevNode) StateDigest() string {
	d.lock.Lock()
	defer d.lock.Unlock()

	var lines []string

	for addr, nonce := range d.state.nonces {
		lines = append(lines, fmt.Sprintf("nonce %s %d", addr, nonce))
	}

	for addr, code := range d.state.code {
		lines = append(lines, fmt.Sprintf("code %s %s", addr, code))
	}

	for addr, slots := range d.state.storage {
		for k, v := range slots {
			lines = append(lines, fmt.Sprintf("storage %s %s %s", addr, k, v))
		}
	}

	for _, b := range d.state.blocks {
		lines = append(lines, fmt.Sprintf("block %d %s", b.Number, b.Hash))
	}

	sort.Strings(lines)

	return strings.Join(lines, "\n")
}

// Send implements jsonrpc.Engine
func (d *DevNode) Send(_ context.Context, req *jsonrpc.Request) (json.RawMessage, jsonrpc.Error) {
	params, err := req.DecodeParams()
	if err != nil {
		return nil, jsonrpc.NewInvalidParamsError(err.Error())
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	d.calls[req.Method]++

	switch req.Method {
	case "eth_sendTransaction":
		return d.sendTransaction(params)
	case "eth_call":
		return d.call(params)
	case "debug_traceTransaction":
		return d.traceTransaction(params)
	case "eth_getCode":
		var addr types.Address
		if err := decodeParam(params, 0, &addr); err != nil {
			return nil, err
		}

		return respond(d.state.code[addr])
	case "eth_getTransactionReceipt":
		return d.receipt(params)
	case "eth_getBlockByNumber":
		if len(d.state.blocks) == 0 {
			return respond(nil)
		}

		return respond(d.state.blocks[len(d.state.blocks)-1])
	case "eth_blockNumber":
		return respond(types.Uint64(len(d.state.blocks)))
	case "eth_chainId":
		return respond(types.Uint64(1337))
	case "evm_snapshot":
		d.snapshots = append(d.snapshots, d.state.clone())

		return respond(hex.EncodeUint64(uint64(len(d.snapshots))))
	case "evm_revert":
		return d.revert(params)
	default:
		return nil, jsonrpc.NewMethodNotFoundError(req.Method)
	}
}

func respond(v interface{}) (json.RawMessage, jsonrpc.Error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, jsonrpc.NewInternalError(err.Error())
	}

	return raw, nil
}

func decodeParam(params []json.RawMessage, i int, out interface{}) jsonrpc.Error {
	if len(params) <= i {
		return jsonrpc.NewInvalidParamsError(fmt.Sprintf("missing param %d", i))
	}

	if err := json.Unmarshal(params[i], out); err != nil {
		return jsonrpc.NewInvalidParamsError(err.Error())
	}

	return nil
}

type txArgs struct {
	From  *types.Address `json:"from"`
	To    *string        `json:"to"`
	Data  *string        `json:"data"`
	Input *string        `json:"input"`
}

func (a *txArgs) target() *types.Address {
	if a.To == nil || hex.IsZero(*a.To) {
		return nil
	}

	addr := types.StringToAddress(*a.To)

	return &addr
}

func (a *txArgs) input() []byte {
	switch {
	case a.Input != nil:
		return hex.MustDecodeHex(*a.Input)
	case a.Data != nil:
		return hex.MustDecodeHex(*a.Data)
	default:
		return nil
	}
}

func (d *DevNode) program(to *types.Address, input []byte) *Program {
	key := creationKey(input)
	if to != nil {
		key = to.String()
	}

	if p, ok := d.programs[key]; ok {
		return p
	}

	return &Program{}
}

func (d *DevNode) sendTransaction(params []json.RawMessage) (json.RawMessage, jsonrpc.Error) {
	var args txArgs
	if err := decodeParam(params, 0, &args); err != nil {
		return nil, err
	}

	from := types.ZeroAddress
	if args.From != nil {
		from = *args.From
	}

	to, input := args.target(), args.input()
	prog := d.program(to, input)

	// hashes stay unique across reverts, like real hashes signed with a reused nonce would not
	d.txCounter++

	var hashBuf [8]byte

	binary.BigEndian.PutUint64(hashBuf[:], d.txCounter)
	hash := types.BytesToHash(append([]byte{0xee}, hashBuf[:]...))

	d.state.nonces[from]++

	receipt := &devReceipt{
		TransactionHash: hash,
		BlockNumber:     types.Uint64(len(d.state.blocks) + 1),
		Status:          1,
	}

	if prog.Revert {
		receipt.Status = 0
	} else {
		target := to
		if to == nil && prog.Deploy != nil {
			target = prog.Deploy
			receipt.ContractAddress = prog.Deploy
			d.state.code[*prog.Deploy] = prog.Code
		}

		if target != nil && len(prog.Storage) > 0 {
			slots := d.state.storage[*target]
			if slots == nil {
				slots = map[string]string{}
				d.state.storage[*target] = slots
			}

			for k, v := range prog.Storage {
				slots[k] = v
			}
		}
	}

	d.state.blocks = append(d.state.blocks, &devBlock{
		Number:       receipt.BlockNumber,
		Hash:         types.BytesToHash(append([]byte{0xbb}, hashBuf[:]...)),
		Transactions: []*devTx{{Hash: hash, From: from, To: to, Input: input}},
	})
	d.state.receipts[hash] = receipt

	raw := prog.Trace
	if raw == nil {
		raw = &trace.RawTrace{}
	}

	d.state.traces[hash] = raw
	d.pendingPolls[hash] = d.ReceiptDelay

	if prog.Revert && d.ErrorOnFailedSend {
		return nil, &jsonrpc.ErrorObject{
			Code:    -32000,
			Message: "VM Exception while processing transaction: revert",
			Data:    hash.String(),
		}
	}

	return respond(hash)
}

func (d *DevNode) call(params []json.RawMessage) (json.RawMessage, jsonrpc.Error) {
	var args txArgs
	if err := decodeParam(params, 0, &args); err != nil {
		return nil, err
	}

	prog := d.program(args.target(), args.input())
	if prog.Revert {
		return nil, &jsonrpc.ErrorObject{Code: 3, Message: "execution reverted"}
	}

	return respond(prog.Return)
}

func (d *DevNode) traceTransaction(params []json.RawMessage) (json.RawMessage, jsonrpc.Error) {
	var hash types.Hash
	if err := decodeParam(params, 0, &hash); err != nil {
		return nil, err
	}

	if len(params) > 1 {
		d.traceOptions = append(d.traceOptions, params[1])
	}

	raw, ok := d.state.traces[hash]
	if !ok {
		return nil, &jsonrpc.ErrorObject{Code: -32000, Message: "transaction " + hash.String() + " not found"}
	}

	return respond(raw)
}

func (d *DevNode) receipt(params []json.RawMessage) (json.RawMessage, jsonrpc.Error) {
	var hash types.Hash
	if err := decodeParam(params, 0, &hash); err != nil {
		return nil, err
	}

	if d.pendingPolls[hash] > 0 {
		d.pendingPolls[hash]--

		return respond(nil)
	}

	receipt, ok := d.state.receipts[hash]
	if !ok {
		return respond(nil)
	}

	return respond(receipt)
}

func (d *DevNode) revert(params []json.RawMessage) (json.RawMessage, jsonrpc.Error) {
	var id string
	if err := decodeParam(params, 0, &id); err != nil {
		return nil, err
	}

	n, err := hex.DecodeUint64(id)
	if err != nil || n == 0 || n > uint64(len(d.snapshots)) || d.RejectRevert {
		return respond(false)
	}

	// reverting drops the snapshot and every snapshot taken after it
	d.state = d.snapshots[n-1]
	d.snapshots = d.snapshots[:n-1]

	return respond(true)
}
