package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	errNamedParams = errors.New("params must be a positional array")
	nullResult     = json.RawMessage("null")
)

// Request is a jsonrpc request
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// BatchRequest is a batch of jsonrpc requests
type BatchRequest []Request

// NewRequest builds a request with positional params, used for calls originated by the proxy itself
func NewRequest(method string, params ...interface{}) (*Request, error) {
	if params == nil {
		params = []interface{}{}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
	}

	return &Request{Method: method, Params: raw}, nil
}

// DecodeParams splits the positional params of the request
func (r *Request) DecodeParams() ([]json.RawMessage, error) {
	if len(r.Params) == 0 || string(r.Params) == "null" {
		return nil, nil
	}

	var params []json.RawMessage
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return nil, errNamedParams
	}

	return params, nil
}

// Response is a jsonrpc response
type Response struct {
	ID      interface{}     `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// Bytes return the serialized response
func (r Response) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

// NewRPCResponse returns the response for the given result or error
func NewRPCResponse(id interface{}, jsonrpcver string, reply []byte, err Error) Response {
	response := Response{
		ID:      id,
		JSONRPC: jsonrpcver,
	}

	if err != nil {
		response.Error = toErrorObject(err)

		return response
	}

	if len(reply) == 0 {
		reply = nullResult
	}

	response.Result = reply

	return response
}

// ErrorObject is a jsonrpc error
type ErrorObject struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *ErrorObject) Error() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("jsonrpc.internal marshal error: %v", err)
	}

	return string(data)
}

// ErrorCode implements the jsonrpc Error interface
func (e *ErrorObject) ErrorCode() int {
	return e.Code
}

func toErrorObject(err Error) *ErrorObject {
	if obj, ok := err.(*ErrorObject); ok {
		return obj
	}

	return &ErrorObject{
		Code:    err.ErrorCode(),
		Message: err.Error(),
	}
}
