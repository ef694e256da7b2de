package jsonrpc

import (
	"fmt"
)

type Error interface {
	Error() string
	ErrorCode() int
}

type invalidParamsError struct {
	err string
}

func (e *invalidParamsError) Error() string {
	return e.err
}

func (e *invalidParamsError) ErrorCode() int {
	return -32602
}

type internalError struct {
	err string
}

func (e *internalError) Error() string {
	return e.err
}

func (e *internalError) ErrorCode() int {
	return -32603
}

type invalidRequestError struct {
	err string
}

func (e *invalidRequestError) Error() string {
	return e.err
}

func (e *invalidRequestError) ErrorCode() int {
	return -32600
}

type methodNotFoundError struct {
	err string
}

func (e *methodNotFoundError) Error() string {
	return e.err
}

func (e *methodNotFoundError) ErrorCode() int {
	return -32601
}

func NewMethodNotFoundError(method string) Error {
	return &methodNotFoundError{fmt.Sprintf("the method %s does not exist/is not available", method)}
}

func NewInvalidRequestError(msg string) Error {
	return &invalidRequestError{msg}
}

func NewInvalidParamsError(msg string) Error {
	return &invalidParamsError{msg}
}

func NewInternalError(msg string) Error {
	return &internalError{msg}
}
