package gate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"
)

const gateMetric = "gate"

// Gate serializes state mutating calls against sandbox cycles.
// It has a single holder and admits waiters in the order they arrived.
type Gate struct {
	logger hclog.Logger
	sem    *semaphore.Weighted

	// holders is kept for observability, the semaphore is the source of truth
	holders atomic.Int32
	waiting atomic.Int32
}

func New(logger hclog.Logger) *Gate {
	return &Gate{
		logger: logger.Named("gate"),
		sem:    semaphore.NewWeighted(1),
	}
}

// Acquire blocks until the caller is the sole holder of the gate
// or the context is done, in which case the context error is returned
func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()

	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)

	if err != nil {
		g.logger.Debug("gave up waiting for gate", "err", err)

		return err
	}

	g.holders.Add(1)
	metrics.MeasureSince([]string{gateMetric, "wait"}, start)

	return nil
}

// TryAcquire takes the gate only if it is free
func (g *Gate) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}

	g.holders.Add(1)

	return true
}

// Release hands the gate to the next waiter. Releasing a gate that is not held panics.
func (g *Gate) Release() {
	g.holders.Add(-1)
	g.sem.Release(1)
}

// Held reports whether the gate currently has a holder
func (g *Gate) Held() bool {
	return g.holders.Load() > 0
}

// Waiting returns the number of callers queued on the gate
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}
