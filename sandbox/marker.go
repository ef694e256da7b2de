package sandbox

import (
	"context"
	"sync"

	"github.com/0xPolygon/covtrace/trace"
)

type markerKey struct{}

// Marker flags a transaction as synthetic and carries its trace, or the reason
// it could not be recorded, back to the sandbox
type Marker struct {
	lock  sync.Mutex
	trace *trace.RawTrace
	err   error
}

// WithMarker returns a context flagging every transaction issued with it as synthetic
func WithMarker(ctx context.Context) (context.Context, *Marker) {
	m := &Marker{}

	return context.WithValue(ctx, markerKey{}, m), m
}

// FromContext returns the marker of a synthetic transaction, or nil for real ones
func FromContext(ctx context.Context) *Marker {
	m, _ := ctx.Value(markerKey{}).(*Marker)

	return m
}

// Deliver hands the trace of the synthetic transaction to the sandbox.
// When several transactions are traced under one marker the last one wins.
func (m *Marker) Deliver(raw *trace.RawTrace) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.trace = raw
}

// Trace returns the delivered trace, if any
func (m *Marker) Trace() *trace.RawTrace {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.trace
}

// Fail reports that the synthetic transaction could not be recorded
func (m *Marker) Fail(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.err = err
}

// Err returns the last recording failure, if any
func (m *Marker) Err() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.err
}
