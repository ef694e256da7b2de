package trace

import (
	"fmt"

	"github.com/0xPolygon/covtrace/types"
)

// RawTrace is the result of debug_traceTransaction with the struct logger
type RawTrace struct {
	Failed      bool            `json:"failed"`
	Gas         uint64          `json:"gas"`
	ReturnValue string          `json:"returnValue"`
	StructLogs  []ExecutionStep `json:"structLogs"`
}

// ExecutionStep is a single struct log entry. Memory and storage are never
// requested from the node, so they are not part of the step.
type ExecutionStep struct {
	Pc      uint64   `json:"pc"`
	Op      string   `json:"op"`
	Gas     uint64   `json:"gas"`
	GasCost uint64   `json:"gasCost"`
	Depth   int      `json:"depth"`
	Error   string   `json:"error,omitempty"`
	Stack   []string `json:"stack,omitempty"`
}

const (
	opCall         = "CALL"
	opCallCode     = "CALLCODE"
	opDelegateCall = "DELEGATECALL"
	opStaticCall   = "STATICCALL"
	opCreate       = "CREATE"
	opCreate2      = "CREATE2"
)

// IsCall reports whether the step is a message call opcode
func (s *ExecutionStep) IsCall() bool {
	switch s.Op {
	case opCall, opCallCode, opDelegateCall, opStaticCall:
		return true
	}

	return false
}

// IsCreate reports whether the step deploys a new contract
func (s *ExecutionStep) IsCreate() bool {
	return s.Op == opCreate || s.Op == opCreate2
}

// CallTarget returns the address a call opcode transfers control to.
// The address is the second stack item counted from the top for every call variant.
func (s *ExecutionStep) CallTarget() (types.Address, error) {
	if len(s.Stack) < 2 {
		return types.ZeroAddress, fmt.Errorf("%w: %s at pc %d has %d stack items",
			ErrMissingCallTarget, s.Op, s.Pc, len(s.Stack))
	}

	return types.StringToAddress(s.Stack[len(s.Stack)-2]), nil
}

// stackTop returns the address carried by the topmost stack word, if any
func (s *ExecutionStep) stackTop() (types.Address, bool) {
	if len(s.Stack) == 0 {
		return types.ZeroAddress, false
	}

	return types.StringToAddress(s.Stack[len(s.Stack)-1]), true
}

// Target identifies the code a frame executes
type Target struct {
	Address  types.Address `json:"address"`
	Creation bool          `json:"creation"`
}

// NewContract is the target of a frame running contract creation code
var NewContract = Target{Creation: true}

// AddressTarget returns the target executing the code deployed at addr
func AddressTarget(addr types.Address) Target {
	return Target{Address: addr}
}

func (t Target) String() string {
	if t.Creation {
		return "NEW_CONTRACT"
	}

	return t.Address.String()
}
