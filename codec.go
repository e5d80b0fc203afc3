package rpcendpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageIssueError wraps a failure from the underlying JSON library,
// carrying the offending payload (if known) so callers can report it as
// ParseError (malformed envelope) or InvalidParams (malformed params
// against a resolved method).
type MessageIssueError struct {
	Payload json.RawMessage
	Err     error
}

func (e *MessageIssueError) Error() string {
	if e.Err == nil {
		return "message issue"
	}
	return fmt.Sprintf("message issue: %v", e.Err)
}

func (e *MessageIssueError) Unwrap() error { return e.Err }

var jsonNull = json.RawMessage("null")

// Codec serializes and deserializes params/results against the method
// schemas registered in a MethodRegistry.
type Codec struct {
	registry *MethodRegistry
}

// NewCodec builds a codec bound to the given registry.
func NewCodec(registry *MethodRegistry) *Codec {
	return &Codec{registry: registry}
}

// Resolve looks up a method's descriptor, including the built-in
// $/cancelRequest method.
func (c *Codec) Resolve(method string) (*JsonRpcMethod, bool) {
	return c.registry.Resolve(method)
}

// SerializeParams encodes the positional argument values a caller passed to
// Request/Notify into the wire JsonParams shape for the given method.
func (c *Codec) SerializeParams(desc *JsonRpcMethod, values []any) (JsonParams, error) {
	if len(values) != len(desc.ParameterTypes) {
		return JsonParams{}, NewInvalidParams(fmt.Sprintf(
			"method %q expects %d parameter(s), got %d", desc.Name, len(desc.ParameterTypes), len(values)))
	}

	switch len(values) {
	case 0:
		return ObjectParams(map[string]json.RawMessage{}), nil
	case 1:
		raw, err := json.Marshal(values[0])
		if err != nil {
			return JsonParams{}, &MessageIssueError{Err: err}
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(trimmed, &obj); err != nil {
				return JsonParams{}, &MessageIssueError{Payload: raw, Err: err}
			}
			return ObjectParams(obj), nil
		}
		if desc.ParameterTypes[0].IsList() && len(trimmed) > 0 && trimmed[0] == '[' {
			var arr []json.RawMessage
			if err := json.Unmarshal(trimmed, &arr); err != nil {
				return JsonParams{}, &MessageIssueError{Payload: raw, Err: err}
			}
			return ArrayParams(arr), nil
		}
		return ArrayParams([]json.RawMessage{raw}), nil
	default:
		arr := make([]json.RawMessage, len(values))
		for i, v := range values {
			raw, err := json.Marshal(v)
			if err != nil {
				return JsonParams{}, &MessageIssueError{Err: err}
			}
			arr[i] = raw
		}
		return ArrayParams(arr), nil
	}
}

// DeserializeParams turns the wire JsonParams for an inbound call into one
// raw JSON message per declared parameter, ready for the local endpoint to
// unmarshal positionally. params is nil when the params field was absent
// entirely.
func (c *Codec) DeserializeParams(desc *JsonRpcMethod, params *JsonParams) ([]json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}

	if params.IsObject() {
		if params.Size() == 0 {
			// Kept for backward compatibility with peers that send "{}" for
			// a single declared parameter: treated as one undefined (null)
			// argument rather than a decode failure, even when the
			// parameter's declared type is itself an object.
			return []json.RawMessage{jsonNull}, nil
		}
		raw, err := json.Marshal(params.obj)
		if err != nil {
			return nil, &MessageIssueError{Err: err}
		}
		return []json.RawMessage{raw}, nil
	}

	arr := params.array
	if len(desc.ParameterTypes) == 1 && desc.ParameterTypes[0].IsList() {
		raw, err := json.Marshal(arr)
		if err != nil {
			return nil, &MessageIssueError{Err: err}
		}
		return []json.RawMessage{raw}, nil
	}

	out := make([]json.RawMessage, len(desc.ParameterTypes))
	for i := range out {
		if i < len(arr) {
			out[i] = arr[i]
		} else {
			out[i] = jsonNull
		}
	}
	return out, nil
}

// SerializeResult encodes a handler's return value against the method's
// declared result type.
func (c *Codec) SerializeResult(desc *JsonRpcMethod, value any) (json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &MessageIssueError{Err: err}
	}
	return raw, nil
}

// DeserializeResult decodes a response's result payload against the
// originating request's descriptor, returning a pointer to a freshly
// allocated value of the declared result type.
func (c *Codec) DeserializeResult(desc *JsonRpcMethod, raw json.RawMessage) (any, error) {
	target := desc.ResultType.newValue()
	if len(bytes.TrimSpace(raw)) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, &MessageIssueError{Payload: raw, Err: err}
	}
	return target, nil
}
