package records

import (
	"github.com/0xPolygon/covtrace/aggregator"
	"github.com/0xPolygon/covtrace/aggregator/storage"
	"github.com/0xPolygon/covtrace/command"
	"github.com/hashicorp/go-hclog"
)

const (
	dataDirFlag = "data-dir"
	storeFlag   = "store"
	callFlag    = "call"
)

var (
	params = &recordsParams{}
)

type recordsParams struct {
	dataDir string
	store   string
	callID  string
}

func (p *recordsParams) openStorage() (storage.Storage, error) {
	return aggregator.OpenStorage(hclog.NewNullLogger(), p.store, p.dataDir)
}

func (p *recordsParams) getResult(store storage.Storage) (command.CommandResult, error) {
	if p.callID != "" {
		call, ok, err := store.ReadCall(p.callID)
		if err != nil {
			return nil, err
		}

		if !ok {
			return nil, errCallNotFound(p.callID)
		}

		return newCallResult(call), nil
	}

	calls, err := store.ReadCalls()
	if err != nil {
		return nil, err
	}

	return newCallsResult(calls), nil
}
