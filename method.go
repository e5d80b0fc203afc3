package rpcendpoint

import "reflect"

// MethodKind distinguishes a method that expects a response from one that
// does not.
type MethodKind int

const (
	KindRequest MethodKind = iota
	KindNotification
)

// TypeDescriptor describes how a single parameter or a result value is
// marshalled: the Go type to allocate when decoding, and whether the value
// is itself array-shaped (used by the single-list-parameter special case
// in DeserializeParams/SerializeParams).
type TypeDescriptor struct {
	Type   reflect.Type
	isList bool
}

// DescribeType builds a TypeDescriptor for a scalar/struct parameter or
// result type, given a zero value of that type (e.g. DescribeType(MyParams{})).
func DescribeType(zero any) TypeDescriptor {
	return TypeDescriptor{Type: reflect.TypeOf(zero)}
}

// DescribeListType builds a TypeDescriptor for a parameter whose declared
// type is itself a list (slice or array), e.g. DescribeListType([]string{}).
func DescribeListType(zero any) TypeDescriptor {
	return TypeDescriptor{Type: reflect.TypeOf(zero), isList: true}
}

// IsList reports whether this descriptor names a list-shaped type.
func (d TypeDescriptor) IsList() bool { return d.isList }

// newValue allocates a fresh zero value of the descriptor's type, suitable
// as a json.Unmarshal target (always returns a pointer).
func (d TypeDescriptor) newValue() any {
	if d.Type == nil {
		var v any
		return &v
	}
	return reflect.New(d.Type).Interface()
}

// JsonRpcMethod is the registered schema for one JSON-RPC method: its name,
// declared parameter types, declared result type, and whether it is a
// request or a notification. Method descriptors are registered at
// construction time and are immutable for the life of the endpoint.
type JsonRpcMethod struct {
	Name           string
	ParameterTypes []TypeDescriptor
	ResultType     TypeDescriptor
	Kind           MethodKind
}

// NewRequestMethod describes a method that expects a response.
func NewRequestMethod(name string, resultType TypeDescriptor, paramTypes ...TypeDescriptor) *JsonRpcMethod {
	return &JsonRpcMethod{Name: name, ParameterTypes: paramTypes, ResultType: resultType, Kind: KindRequest}
}

// NewNotificationMethod describes a fire-and-forget method.
func NewNotificationMethod(name string, paramTypes ...TypeDescriptor) *JsonRpcMethod {
	return &JsonRpcMethod{Name: name, ParameterTypes: paramTypes, Kind: KindNotification}
}

// cancelRequestDescriptor is the built-in schema for $/cancelRequest. It is
// never exposed for user override. An inbound $/cancelRequest notification
// is never dispatched to a local handler; RemoteEndpoint.Consume intercepts
// it before local dispatch.
var cancelRequestDescriptor = NewNotificationMethod(cancelRequestMethod, DescribeType(cancelRequestParams{}))

// MethodRegistry is the immutable-after-construction set of method schemas
// an endpoint was built with.
type MethodRegistry struct {
	methods map[string]*JsonRpcMethod
}

// NewMethodRegistry builds a registry from a set of descriptors. Registering
// a method named "$/cancelRequest" is rejected by returning the built-in
// descriptor for that slot regardless; the reserved name cannot be
// overridden.
func NewMethodRegistry(methods ...*JsonRpcMethod) *MethodRegistry {
	m := make(map[string]*JsonRpcMethod, len(methods))
	for _, desc := range methods {
		if desc.Name == cancelRequestMethod {
			continue
		}
		m[desc.Name] = desc
	}
	return &MethodRegistry{methods: m}
}

// Resolve returns the registered descriptor for a method name, falling back
// to the built-in $/cancelRequest descriptor.
func (r *MethodRegistry) Resolve(name string) (*JsonRpcMethod, bool) {
	if r != nil {
		if m, ok := r.methods[name]; ok {
			return m, true
		}
	}
	if name == cancelRequestMethod {
		return cancelRequestDescriptor, true
	}
	return nil, false
}

// isOptionalMethod reports whether a method name falls under the "$/"
// optional-method convention: unknown optional methods never produce
// MethodNotFound.
func isOptionalMethod(name string) bool {
	return len(name) > 0 && name[0] == '$' && len(name) > 1 && name[1] == '/'
}
