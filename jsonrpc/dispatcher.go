package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
)

const jsonRPCMetric = "jsonrpc"

// unsupportedMethods need server side push, which the proxy does not relay
var unsupportedMethods = map[string]struct{}{
	"eth_subscribe":   {},
	"eth_unsubscribe": {},
}

// Dispatcher decodes json rpc payloads and hands every request to the engine
type Dispatcher struct {
	logger hclog.Logger
	engine Engine
	params *dispatcherParams
}

type dispatcherParams struct {
	jsonRPCBatchLengthLimit uint64
}

func (dp dispatcherParams) isExceedingBatchLengthLimit(value uint64) bool {
	return dp.jsonRPCBatchLengthLimit != 0 && value > dp.jsonRPCBatchLengthLimit
}

func newDispatcher(logger hclog.Logger, engine Engine, params *dispatcherParams) *Dispatcher {
	return &Dispatcher{
		logger: logger.Named("dispatcher"),
		engine: engine,
		params: params,
	}
}

func (d *Dispatcher) Handle(ctx context.Context, reqBody []byte) ([]byte, error) {
	x := bytes.TrimLeft(reqBody, " \t\r\n")
	if len(x) == 0 {
		return NewRPCResponse(nil, "2.0", nil, NewInvalidRequestError("Invalid json request")).Bytes()
	}

	if x[0] == '{' {
		var req Request
		if err := json.Unmarshal(reqBody, &req); err != nil {
			return NewRPCResponse(nil, "2.0", nil, NewInvalidRequestError("Invalid json request")).Bytes()
		}

		if req.Method == "" {
			return NewRPCResponse(req.ID, "2.0", nil, NewInvalidRequestError("Invalid json request")).Bytes()
		}

		resp, err := d.handleReq(ctx, req)

		return NewRPCResponse(req.ID, "2.0", resp, err).Bytes()
	}

	// handle batch requests
	var requests BatchRequest
	if err := json.Unmarshal(reqBody, &requests); err != nil {
		return NewRPCResponse(
			nil,
			"2.0",
			nil,
			NewInvalidRequestError("Invalid json request"),
		).Bytes()
	}

	// if not disabled, avoid handling long batch requests
	if d.params.isExceedingBatchLengthLimit(uint64(len(requests))) {
		return NewRPCResponse(
			nil,
			"2.0",
			nil,
			NewInvalidRequestError("Batch request length too long"),
		).Bytes()
	}

	responses := make([]Response, 0, len(requests))

	for _, req := range requests {
		if req.Method == "" {
			responses = append(responses, NewRPCResponse(req.ID, "2.0", nil, NewInvalidRequestError("Invalid json request")))

			continue
		}

		response, err := d.handleReq(ctx, req)
		responses = append(responses, NewRPCResponse(req.ID, "2.0", response, err))
	}

	respBytes, err := json.Marshal(responses)
	if err != nil {
		return NewRPCResponse(nil, "2.0", nil, NewInternalError("Internal error")).Bytes()
	}

	return respBytes, nil
}

func (d *Dispatcher) handleReq(ctx context.Context, req Request) ([]byte, Error) {
	d.logger.Debug("request", "method", req.Method, "id", req.ID)

	if _, ok := unsupportedMethods[req.Method]; ok {
		return nil, NewMethodNotFoundError(req.Method)
	}

	startT := time.Now()

	res, err := d.engine.Send(ctx, &req)

	metrics.SetGauge([]string{jsonRPCMetric, req.Method + "_time"}, float32(time.Since(startT).Milliseconds()))

	if err != nil {
		d.logInternalError(req.Method, err)
		metrics.IncrCounter([]string{jsonRPCMetric, req.Method + "_errors"}, 1)

		return nil, err
	}

	return res, nil
}

func (d *Dispatcher) logInternalError(method string, err Error) {
	if err.ErrorCode() == -32603 {
		d.logger.Warn("failed to dispatch", "method", method, "err", err)

		return
	}

	d.logger.Debug("request returned an error", "method", method, "err", err)
}
