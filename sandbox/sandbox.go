package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/0xPolygon/covtrace/gate"
	"github.com/0xPolygon/covtrace/jsonrpc"
	"github.com/0xPolygon/covtrace/trace"
	"github.com/0xPolygon/covtrace/types"
	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
)

const sandboxMetric = "sandbox"

var (
	// ErrRevertFailed means the node state could not be restored after a cycle.
	// The chain is left at an unknown state and tracing must stop.
	ErrRevertFailed = errors.New("failed to revert sandbox snapshot")

	ErrNoEngine          = errors.New("sandbox has no engine")
	ErrReplayNotRecorded = errors.New("failed to record replayed call")
	errInvalidCallParams = errors.New("call params must be an object")
)

// Checkpointer takes and restores node state checkpoints
type Checkpointer interface {
	Snapshot(ctx context.Context) (json.RawMessage, error)
	Revert(ctx context.Context, id json.RawMessage) error
}

type Config struct {
	// DefaultFrom is the sender of replayed calls that do not name one
	DefaultFrom types.Address

	RevertTimeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		RevertTimeout: 10 * time.Second,
	}
}

// Sandbox replays read-only calls as transactions between a snapshot and a revert,
// so the node produces a trace for them without keeping their effects
type Sandbox struct {
	logger hclog.Logger
	gate   *gate.Gate
	node   Checkpointer
	config *Config
	engine jsonrpc.Engine
}

func New(logger hclog.Logger, g *gate.Gate, node Checkpointer, config *Config) *Sandbox {
	if config == nil {
		config = DefaultConfig()
	}

	return &Sandbox{
		logger: logger.Named("sandbox"),
		gate:   g,
		node:   node,
		config: config,
	}
}

// SetEngine sets the engine replayed transactions are sent to.
// It must be the head of the request chain so the transaction path traces them.
func (s *Sandbox) SetEngine(engine jsonrpc.Engine) {
	s.engine = engine
}

// CaptureCallTrace replays a call and returns the trace of the replay,
// or nil when the node produced none. A replay that ran but could not be recorded
// yields ErrReplayNotRecorded. The node state is restored before returning.
func (s *Sandbox) CaptureCallTrace(
	ctx context.Context,
	callParams json.RawMessage,
	blockRef json.RawMessage,
) (raw *trace.RawTrace, err error) {
	if s.engine == nil {
		return nil, ErrNoEngine
	}

	tx, err := s.transactionParams(callParams)
	if err != nil {
		return nil, err
	}

	if len(blockRef) != 0 && string(blockRef) != `"latest"` {
		s.logger.Debug("replaying call against the latest state", "block", string(blockRef))
	}

	if err := s.gate.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire gate: %w", err)
	}
	defer s.gate.Release()

	defer metrics.MeasureSince([]string{sandboxMetric, "cycle"}, time.Now())

	id, err := s.node.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to take snapshot: %w", err)
	}

	defer func() {
		if revertErr := s.revert(ctx, id); revertErr != nil {
			s.logger.Error("node state is left at the sandbox snapshot", "snapshot", string(id), "err", revertErr)

			raw, err = nil, fmt.Errorf("%w %s: %w", ErrRevertFailed, string(id), revertErr)
		}
	}()

	markedCtx, marker := WithMarker(ctx)

	req, err := jsonrpc.NewRequest("eth_sendTransaction", tx)
	if err != nil {
		return nil, err
	}

	if _, rpcErr := s.engine.Send(markedCtx, req); rpcErr != nil {
		// a failed replay may still have been traced
		s.logger.Debug("replayed call failed", "err", rpcErr, "traced", marker.Trace() != nil)
	}

	if err := marker.Err(); err != nil {
		return marker.Trace(), fmt.Errorf("%w: %w", ErrReplayNotRecorded, err)
	}

	return marker.Trace(), nil
}

// revert runs even when the caller context is done, the snapshot must not be left open
func (s *Sandbox) revert(ctx context.Context, id json.RawMessage) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.RevertTimeout)
	defer cancel()

	return s.node.Revert(ctx, id)
}

func (s *Sandbox) transactionParams(callParams json.RawMessage) (map[string]json.RawMessage, error) {
	var tx map[string]json.RawMessage
	if err := json.Unmarshal(callParams, &tx); err != nil || tx == nil {
		return nil, errInvalidCallParams
	}

	if from, ok := tx["from"]; !ok || string(from) == "null" {
		raw, err := json.Marshal(s.config.DefaultFrom)
		if err != nil {
			return nil, err
		}

		tx["from"] = raw
	}

	return tx, nil
}
