package rpcendpoint

import (
	"context"
	"encoding/json"
)

// LocalEndpoint is the capability RemoteEndpoint calls to deliver inbound
// requests and notifications. The core does not know how this is
// implemented — a reflective binder, a hand-written switch, or generated
// dispatch are all equally valid; only this interface is in scope here.
type LocalEndpoint interface {
	// Notify delivers a fire-and-forget inbound call. A returned error is
	// logged at WARNING and never surfaced to the peer, except that a
	// MethodNotFound error for an optional ("$/"-prefixed) method is
	// silently dropped.
	Notify(ctx context.Context, method string, params []json.RawMessage) error

	// Request delivers an inbound call expecting a response. The returned
	// error may be a *ResponseError to control the wire error precisely;
	// any other error goes through the endpoint's ExceptionHandler.
	// Request MUST return promptly once ctx is cancelled or done, so that
	// a received $/cancelRequest can complete the handler's Responded-
	// Cancelled transition.
	Request(ctx context.Context, method string, params []json.RawMessage) (any, error)
}

// LocalEndpointFuncs adapts two plain functions to a LocalEndpoint, for
// callers who do not need a full interface implementation (tests, small
// embedders).
type LocalEndpointFuncs struct {
	NotifyFunc  func(ctx context.Context, method string, params []json.RawMessage) error
	RequestFunc func(ctx context.Context, method string, params []json.RawMessage) (any, error)
}

func (f LocalEndpointFuncs) Notify(ctx context.Context, method string, params []json.RawMessage) error {
	if f.NotifyFunc == nil {
		return nil
	}
	return f.NotifyFunc(ctx, method, params)
}

func (f LocalEndpointFuncs) Request(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	if f.RequestFunc == nil {
		return nil, NewMethodNotFound(method)
	}
	return f.RequestFunc(ctx, method, params)
}
