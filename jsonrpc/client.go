package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/umbracle/ethgo/jsonrpc"
	"github.com/umbracle/ethgo/jsonrpc/codec"
)

// caller is the part of the ethgo client used by the upstream engine
type caller interface {
	Call(method string, out interface{}, params ...interface{}) error
	Close() error
}

// Upstream is the terminal engine, it relays requests to the node being traced
type Upstream struct {
	logger hclog.Logger
	client caller
}

// NewUpstream connects to the node at url, which can be http(s), ws(s) or an ipc path
func NewUpstream(logger hclog.Logger, url string) (*Upstream, error) {
	client, err := jsonrpc.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to upstream %s: %w", url, err)
	}

	return newUpstream(logger, client), nil
}

func newUpstream(logger hclog.Logger, client caller) *Upstream {
	return &Upstream{
		logger: logger.Named("upstream"),
		client: client,
	}
}

// Send forwards the request and relays the node's error object untouched when the call fails
func (u *Upstream) Send(ctx context.Context, req *Request) (json.RawMessage, Error) {
	if err := ctx.Err(); err != nil {
		return nil, NewInternalError(err.Error())
	}

	params, err := req.DecodeParams()
	if err != nil {
		return nil, NewInvalidParamsError(err.Error())
	}

	args := make([]interface{}, len(params))
	for i, p := range params {
		args[i] = p
	}

	var out json.RawMessage
	if err := u.client.Call(req.Method, &out, args...); err != nil {
		var obj *codec.ErrorObject
		if errors.As(err, &obj) {
			return nil, &ErrorObject{
				Code:    obj.Code,
				Message: obj.Message,
				Data:    obj.Data,
			}
		}

		u.logger.Warn("upstream call failed", "method", req.Method, "err", err)

		return nil, NewInternalError(fmt.Sprintf("upstream %s failed: %v", req.Method, err))
	}

	if len(out) == 0 {
		out = nullResult
	}

	return out, nil
}

func (u *Upstream) Close() error {
	return u.client.Close()
}
