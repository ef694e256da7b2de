package jsonrpc

import (
	"context"
	"encoding/json"
)

// Handler executes a request and returns its raw result
type Handler func(ctx context.Context, req *Request) (json.RawMessage, Error)

// Engine executes requests, either against the upstream node or through a chain of subproviders
type Engine interface {
	Send(ctx context.Context, req *Request) (json.RawMessage, Error)
}

// Subprovider is a link of the request chain.
// It may inspect or answer a request and calls next to hand it further down the chain.
type Subprovider interface {
	HandleRequest(ctx context.Context, req *Request, next Handler) (json.RawMessage, Error)

	// SetEngine gives the subprovider the head of the chain,
	// so it can issue requests of its own that traverse every link
	SetEngine(engine Engine)
}

// Chain routes requests through its subproviders in order, ending at the terminal engine
type Chain struct {
	providers []Subprovider
	terminal  Engine
}

func NewChain(terminal Engine, providers ...Subprovider) *Chain {
	c := &Chain{
		providers: providers,
		terminal:  terminal,
	}

	for _, p := range providers {
		p.SetEngine(c)
	}

	return c
}

func (c *Chain) Send(ctx context.Context, req *Request) (json.RawMessage, Error) {
	return c.next(0)(ctx, req)
}

func (c *Chain) next(i int) Handler {
	if i == len(c.providers) {
		return c.terminal.Send
	}

	return func(ctx context.Context, req *Request) (json.RawMessage, Error) {
		return c.providers[i].HandleRequest(ctx, req, c.next(i+1))
	}
}

// CallKind tells how a method is traced and whether it mutates chain state
type CallKind int

const (
	CallKindOther CallKind = iota
	CallKindTransaction
	CallKindCall
	// CallKindStateChange mutates chain state but is not traced
	CallKindStateChange
)

func (k CallKind) String() string {
	switch k {
	case CallKindTransaction:
		return "transaction"
	case CallKindCall:
		return "call"
	case CallKindStateChange:
		return "state_change"
	default:
		return "other"
	}
}

// Classify returns the call kind of a method
func Classify(method string) CallKind {
	switch method {
	case "eth_sendTransaction":
		return CallKindTransaction
	case "eth_call":
		return CallKindCall
	case "eth_sendRawTransaction", "evm_mine":
		return CallKindStateChange
	default:
		return CallKindOther
	}
}
