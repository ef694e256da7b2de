package coverage

import (
	"sort"
	"sync"
	"time"

	"github.com/0xPolygon/covtrace/trace"
	"github.com/0xPolygon/covtrace/types"
	"github.com/google/uuid"
)

// PendingCall is a transaction whose trace has not been recorded yet
type PendingCall struct {
	ID     string
	Target trace.Target
	Input  []byte
	TxHash types.Hash

	// Synthetic is set for transactions replayed by the sandbox
	Synthetic bool

	Started time.Time
}

func NewPendingCall(target trace.Target, input []byte, hash types.Hash, synthetic bool) *PendingCall {
	return &PendingCall{
		ID:        uuid.NewString(),
		Target:    target,
		Input:     input,
		TxHash:    hash,
		Synthetic: synthetic,
		Started:   time.Now(),
	}
}

type pendingCalls struct {
	lock  sync.Mutex
	calls map[string]*PendingCall
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: map[string]*PendingCall{}}
}

func (p *pendingCalls) add(call *PendingCall) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.calls[call.ID] = call
}

func (p *pendingCalls) remove(id string) {
	p.lock.Lock()
	defer p.lock.Unlock()

	delete(p.calls, id)
}

// list returns the pending calls, oldest first
func (p *pendingCalls) list() []*PendingCall {
	p.lock.Lock()
	defer p.lock.Unlock()

	res := make([]*PendingCall, 0, len(p.calls))
	for _, call := range p.calls {
		res = append(res, call)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].Started.Before(res[j].Started)
	})

	return res
}
