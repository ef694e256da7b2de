package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/0xPolygon/covtrace/aggregator/storage"
	"github.com/0xPolygon/covtrace/coverage"
	"github.com/0xPolygon/covtrace/types"
	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/crypto/sha3"
)

const aggregatorMetric = "aggregator"

var _ coverage.Aggregator = (*Aggregator)(nil)

// Aggregator buffers trace records in memory and persists them per call on Flush
type Aggregator struct {
	logger  hclog.Logger
	storage storage.Storage

	lock    sync.Mutex
	buffer  map[string][]*coverage.TraceRecord
	order   []string
	seq     uint64
	written map[types.Hash]struct{}
}

func New(logger hclog.Logger, store storage.Storage) (*Aggregator, error) {
	seq, err := store.ReadSequence()
	if err != nil {
		return nil, fmt.Errorf("failed to read call sequence: %w", err)
	}

	return &Aggregator{
		logger:  logger.Named("aggregator"),
		storage: store,
		buffer:  map[string][]*coverage.TraceRecord{},
		seq:     seq,
		written: map[types.Hash]struct{}{},
	}, nil
}

// CodeHash returns the keccak256 hash code is stored under
func CodeHash(code []byte) types.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(code)

	return types.BytesToHash(h.Sum(nil))
}

// Append buffers a record until the next flush
func (a *Aggregator) Append(record *coverage.TraceRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if _, ok := a.buffer[record.CallID]; !ok {
		a.order = append(a.order, record.CallID)
	}

	a.buffer[record.CallID] = append(a.buffer[record.CallID], record)

	metrics.SetGauge([]string{aggregatorMetric, "buffered_calls"}, float32(len(a.order)))

	return nil
}

// Flush persists the buffered records. Records of a call flushed before are appended to it.
// Calls that fail to persist stay buffered for the next flush.
func (a *Aggregator) Flush() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if len(a.order) == 0 {
		return nil
	}

	var (
		result    error
		remaining []string
		flushed   int
	)

	for _, id := range a.order {
		if err := a.flushCall(id); err != nil {
			result = multierror.Append(result, fmt.Errorf("call %s: %w", id, err))
			remaining = append(remaining, id)

			continue
		}

		delete(a.buffer, id)
		flushed++
	}

	a.order = remaining

	if err := a.storage.WriteSequence(a.seq); err != nil {
		result = multierror.Append(result, err)
	}

	metrics.IncrCounter([]string{aggregatorMetric, "flushed_calls"}, float32(flushed))
	metrics.SetGauge([]string{aggregatorMetric, "buffered_calls"}, float32(len(a.order)))

	a.logger.Debug("flushed records", "calls", flushed, "remaining", len(remaining))

	return result
}

func (a *Aggregator) flushCall(id string) error {
	call, ok, err := a.storage.ReadCall(id)
	if err != nil {
		return err
	}

	if !ok {
		a.seq++
		call = &storage.Call{ID: id, Seq: a.seq}
	}

	for _, record := range a.buffer[id] {
		stored, err := a.storeRecord(record)
		if err != nil {
			return err
		}

		call.Records = append(call.Records, stored)
	}

	return a.storage.WriteCall(call)
}

func (a *Aggregator) storeRecord(record *coverage.TraceRecord) (*storage.Record, error) {
	st := record.SubTrace

	stored := &storage.Record{
		Kind:           string(record.Kind),
		CreatedAddress: record.CreatedAddress,
		Frame:          st.Frame,
		Parent:         st.Parent,
		Depth:          st.Depth,
		Steps:          make([]storage.ProgramStep, len(st.Steps)),
		Positions:      st.Positions,
	}

	if record.Kind == coverage.KindExistingContract {
		addr := record.Address
		stored.Address = &addr
	}

	for i, step := range st.Steps {
		stored.Steps[i] = storage.ProgramStep{Pc: step.Pc, Op: step.Op}
	}

	if len(record.Code) == 0 {
		return stored, nil
	}

	stored.CodeHash = CodeHash(record.Code)

	if _, ok := a.written[stored.CodeHash]; !ok {
		if err := a.storage.WriteCode(stored.CodeHash, record.Code); err != nil {
			return nil, err
		}

		a.written[stored.CodeHash] = struct{}{}
	}

	return stored, nil
}

// Run flushes every interval until the context is done
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Flush(); err != nil {
				a.logger.Error("periodic flush failed", "err", err)
			}
		}
	}
}

// Calls returns the persisted calls in the order they were first flushed
func (a *Aggregator) Calls() ([]*storage.Call, error) {
	return a.storage.ReadCalls()
}

// Call returns the persisted records of a call
func (a *Aggregator) Call(id string) (*storage.Call, bool, error) {
	return a.storage.ReadCall(id)
}

// Code returns the code stored under hash
func (a *Aggregator) Code(hash types.Hash) ([]byte, bool, error) {
	return a.storage.ReadCode(hash)
}

// Close flushes the buffered records and closes the storage
func (a *Aggregator) Close() error {
	var result error

	if err := a.Flush(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := a.storage.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result
}
