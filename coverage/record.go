package coverage

import (
	"errors"
	"fmt"

	"github.com/0xPolygon/covtrace/trace"
	"github.com/0xPolygon/covtrace/types"
)

var ErrInvalidRecord = errors.New("invalid trace record")

// RecordKind selects the variant of a TraceRecord
type RecordKind string

const (
	// KindExistingContract records code that was already deployed when the call ran
	KindExistingContract RecordKind = "existingContract"

	// KindNewContract records creation code executed by the call
	KindNewContract RecordKind = "newContract"
)

// TraceRecord is the unit of work handed to the aggregator,
// one per call frame of a traced call
type TraceRecord struct {
	Kind   RecordKind `json:"kind"`
	CallID string     `json:"callId"`

	// Address is only set for existing contracts
	Address types.Address `json:"address"`

	// Code is the runtime code of an existing contract or the bytecode of a new one.
	// The bytecode of contracts created by other contracts is unknown and left empty.
	Code types.HexBytes `json:"code"`

	SubTrace *trace.SubTrace `json:"subtrace"`

	// CreatedAddress is the address a new contract was deployed at, when known
	CreatedAddress *types.Address `json:"createdAddress,omitempty"`
}

func NewExistingContractRecord(callID string, addr types.Address, code []byte, st *trace.SubTrace) *TraceRecord {
	return &TraceRecord{
		Kind:     KindExistingContract,
		CallID:   callID,
		Address:  addr,
		Code:     code,
		SubTrace: st,
	}
}

func NewContractRecord(callID string, bytecode []byte, st *trace.SubTrace, created *types.Address) *TraceRecord {
	return &TraceRecord{
		Kind:           KindNewContract,
		CallID:         callID,
		Code:           bytecode,
		SubTrace:       st,
		CreatedAddress: created,
	}
}

// Validate checks the record is complete enough to be aggregated
func (r *TraceRecord) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	case r.CallID == "":
		return fmt.Errorf("%w: empty call id", ErrInvalidRecord)
	case r.SubTrace == nil:
		return fmt.Errorf("%w: call %s has no subtrace", ErrInvalidRecord, r.CallID)
	}

	switch r.Kind {
	case KindExistingContract:
		if r.SubTrace.Target.Creation {
			return fmt.Errorf("%w: existing contract record for a creation frame", ErrInvalidRecord)
		}
	case KindNewContract:
		if !r.SubTrace.Target.Creation {
			return fmt.Errorf("%w: new contract record for frame at %s", ErrInvalidRecord, r.SubTrace.Target)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, r.Kind)
	}

	return nil
}

// Aggregator consumes trace records and turns them into coverage
type Aggregator interface {
	// Append takes ownership of the record. Records of one call are appended in order.
	Append(record *TraceRecord) error

	// Flush persists everything appended so far
	Flush() error
}
