package rpcendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// RemoteEndpoint is the core of a bidirectional JSON-RPC 2.0 connection: it
// tracks outbound requests awaiting a response, dispatches inbound messages
// to a LocalEndpoint, and bridges $/cancelRequest in both directions. It
// knows nothing about bytes on a wire; a MessageConsumer hands it outbound
// Messages to transmit, and a message pump (see MessagePump) feeds it
// inbound Messages via Consume.
type RemoteEndpoint struct {
	codec            *Codec
	local            LocalEndpoint
	out              MessageConsumer
	exceptionHandler ExceptionHandler
	logger           *slog.Logger

	nextID atomic.Int64

	mu              sync.Mutex
	outboundPending map[string]*pendingOutbound
	inboundPending  map[string]*inboundEntry

	cancelQueue *unboundedQueue[MessageID]

	ctx       context.Context
	cancelCtx context.CancelCauseFunc
	closeOnce sync.Once
}

type pendingOutbound struct {
	desc *JsonRpcMethod
	ch   chan rpcResult
}

type rpcResult struct {
	value any
	err   error
}

type inboundEntry struct {
	cancel    context.CancelCauseFunc
	cancelled atomic.Bool
}

// Option configures a RemoteEndpoint at construction time.
type Option func(*RemoteEndpoint)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *RemoteEndpoint) { e.logger = logger }
}

// WithExceptionHandler overrides the default handler-failure-to-wire-error
// mapping (see defaultExceptionHandler).
func WithExceptionHandler(h ExceptionHandler) Option {
	return func(e *RemoteEndpoint) {
		if h != nil {
			e.exceptionHandler = h
		}
	}
}

// NewRemoteEndpoint builds an endpoint around a method registry, a
// LocalEndpoint to dispatch inbound calls to, and a MessageConsumer to send
// outbound messages through. A background goroutine drains cancellation
// notifications queued by ctx-cancelled outbound Requests; call Close when
// the endpoint is no longer needed to stop it.
func NewRemoteEndpoint(registry *MethodRegistry, local LocalEndpoint, out MessageConsumer, opts ...Option) *RemoteEndpoint {
	ctx, cancel := context.WithCancelCause(context.Background())
	e := &RemoteEndpoint{
		codec:            NewCodec(registry),
		local:            local,
		out:              out,
		exceptionHandler: defaultExceptionHandler,
		outboundPending:  make(map[string]*pendingOutbound),
		inboundPending:   make(map[string]*inboundEntry),
		cancelQueue:      newUnboundedQueue[MessageID](),
		ctx:              ctx,
		cancelCtx:        cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.drainCancelQueue()
	return e
}

func (e *RemoteEndpoint) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

// Done returns a channel closed once the endpoint has been shut down.
func (e *RemoteEndpoint) Done() <-chan struct{} { return e.ctx.Done() }

// Close stops the cancel-notification drain goroutine and cancels the
// context handed to in-flight inbound handlers. It does not fail pending
// outbound requests; callers driving a transport should call FailAllOutbound
// first when the connection itself has failed.
func (e *RemoteEndpoint) Close() {
	e.closeOnce.Do(func() {
		e.cancelQueue.close()
		e.cancelCtx(errors.New("endpoint closed"))
	})
}

// Request sends an outbound call and blocks until a response arrives, ctx is
// done, or FailAllOutbound resolves it; Close alone does not end the wait.
// If ctx is done first, a $/cancelRequest notification is queued for the
// peer and the call fails with a RequestCancelled error when ctx was
// cancelled, or an InternalError for any other cause (such as a deadline).
func (e *RemoteEndpoint) Request(ctx context.Context, method string, params ...any) (any, error) {
	desc, ok := e.codec.Resolve(method)
	if !ok {
		return nil, NewMethodNotFound(method)
	}

	jsonParams, err := e.codec.SerializeParams(desc, params)
	if err != nil {
		return nil, err
	}

	id := NumberID(e.nextID.Add(1))
	key := id.key()
	pending := &pendingOutbound{desc: desc, ch: make(chan rpcResult, 1)}

	e.mu.Lock()
	e.outboundPending[key] = pending
	e.mu.Unlock()

	if err := e.out.Consume(RequestMessage{ID: id, Method: desc.Name, Params: &jsonParams}); err != nil {
		e.removeOutboundPending(key)
		return nil, NewInternalError(err.Error())
	}

	select {
	case res := <-pending.ch:
		return res.value, res.err
	case <-ctx.Done():
		if e.removeOutboundPending(key) {
			e.cancelQueue.push(id)
			return nil, outboundWaitError(context.Cause(ctx))
		}
		// Lost the race: consumeResult/consumeError already removed the
		// entry and buffered a result before we observed ctx.Done.
		res := <-pending.ch
		return res.value, res.err
	}
}

// Notify sends an outbound fire-and-forget call. A transport failure is
// logged at WARNING and not returned, matching the wire contract that a
// notification never produces a response to wait on.
func (e *RemoteEndpoint) Notify(ctx context.Context, method string, params ...any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	desc, ok := e.codec.Resolve(method)
	if !ok {
		return NewMethodNotFound(method)
	}
	jsonParams, err := e.codec.SerializeParams(desc, params)
	if err != nil {
		return err
	}
	if err := e.out.Consume(NotificationMessage{Method: desc.Name, Params: &jsonParams}); err != nil {
		e.log().Warn("error sending notification", "method", method, "err", err)
	}
	return nil
}

func (e *RemoteEndpoint) removeOutboundPending(key string) bool {
	e.mu.Lock()
	_, ok := e.outboundPending[key]
	if ok {
		delete(e.outboundPending, key)
	}
	e.mu.Unlock()
	return ok
}

// FailAllOutbound resolves every still-pending outbound request with err.
// The message pump calls this once the transport has failed or closed, so
// that no Request call blocks forever waiting for a response that will
// never arrive.
func (e *RemoteEndpoint) FailAllOutbound(err error) {
	e.mu.Lock()
	pending := e.outboundPending
	e.outboundPending = make(map[string]*pendingOutbound)
	e.mu.Unlock()

	wireErr := defaultExceptionHandler(err)
	for _, p := range pending {
		p.ch <- rpcResult{err: wireErr}
	}
}

func (e *RemoteEndpoint) drainCancelQueue() {
	for {
		id, ok := e.cancelQueue.pop()
		if !ok {
			return
		}
		if err := e.out.Consume(NotificationMessage{
			Method: cancelRequestMethod,
			Params: cancelParamsOf(id),
		}); err != nil {
			e.log().Warn("error sending cancel notification", "id", id.Render(), "err", err)
		}
	}
}

func cancelParamsOf(id MessageID) *JsonParams {
	idRaw, err := json.Marshal(id)
	if err != nil {
		idRaw = []byte("null")
	}
	p := ObjectParams(map[string]json.RawMessage{"id": idRaw})
	return &p
}

// Consume accepts one inbound Message, dispatching it to the appropriate
// handler. It does not wait for handlers: requests and notifications are
// dispatched to the LocalEndpoint on their own goroutine, and responses are
// delivered to the waiting Request call via a buffered channel. Error
// responses produced without calling the LocalEndpoint (no local endpoint,
// unknown method, undecodable params) are written to the MessageConsumer
// inline.
func (e *RemoteEndpoint) Consume(msg Message) {
	switch m := msg.(type) {
	case NotificationMessage:
		e.consumeNotification(m)
	case RequestMessage:
		e.consumeRequest(m)
	case ResultMessage:
		e.consumeResult(m)
	case ErrorMessage:
		e.consumeError(m)
	}
}

func (e *RemoteEndpoint) consumeNotification(m NotificationMessage) {
	if m.Method == cancelRequestMethod {
		e.handleCancelNotification(m.Params)
		return
	}

	desc, ok := e.codec.Resolve(m.Method)
	if !ok {
		if isOptionalMethod(m.Method) {
			e.log().Info("ignoring unknown optional notification", "method", m.Method)
			return
		}
		e.log().Warn("unknown notification method", "method", m.Method)
		return
	}

	params, err := e.codec.DeserializeParams(desc, m.Params)
	if err != nil {
		e.log().Warn("failed to decode notification params", "method", m.Method, "err", err)
		return
	}

	if e.local == nil {
		if !isOptionalMethod(m.Method) {
			e.log().Warn("no local endpoint registered, dropping notification", "method", m.Method)
		}
		return
	}

	go func() {
		if err := e.local.Notify(e.ctx, m.Method, params); err != nil {
			var re *ResponseError
			if isOptionalMethod(m.Method) && errors.As(err, &re) && re.Code == CodeMethodNotFound {
				return
			}
			e.log().Warn("notification handler failed", "method", m.Method, "err", err)
		}
	}()
}

func (e *RemoteEndpoint) handleCancelNotification(params *JsonParams) {
	if params == nil {
		e.log().Warn("received $/cancelRequest with no params")
		return
	}
	raw, err := json.Marshal(*params)
	if err != nil {
		e.log().Warn("failed to re-encode cancel params", "err", err)
		return
	}
	var p cancelRequestParams
	if err := json.Unmarshal(raw, &p); err != nil {
		e.log().Warn("failed to decode $/cancelRequest params", "err", err)
		return
	}

	key := p.ID.key()
	e.mu.Lock()
	entry, ok := e.inboundPending[key]
	e.mu.Unlock()
	if !ok {
		// Already completed, or an id for a request we never saw: dropped
		// silently.
		return
	}
	entry.cancelled.Store(true)
	entry.cancel(context.Canceled)
}

func (e *RemoteEndpoint) consumeRequest(m RequestMessage) {
	key := m.ID.key()

	if e.local == nil {
		e.emitResponse(errorResponse(m.ID, NewMethodNotFound(m.Method)))
		return
	}

	desc, ok := e.codec.Resolve(m.Method)
	if !ok {
		if isOptionalMethod(m.Method) {
			e.log().Info("unknown optional method, responding with null", "method", m.Method)
			e.emitResponse(ResultMessage{ID: m.ID, Result: jsonNull})
			return
		}
		e.emitResponse(errorResponse(m.ID, NewMethodNotFound(m.Method)))
		return
	}

	params, err := e.codec.DeserializeParams(desc, m.Params)
	if err != nil {
		e.emitResponse(errorResponse(m.ID, NewInvalidParams(err.Error())))
		return
	}

	reqCtx, cancel := context.WithCancelCause(e.ctx)
	entry := &inboundEntry{cancel: cancel}
	e.mu.Lock()
	e.inboundPending[key] = entry
	e.mu.Unlock()

	go e.runInboundRequest(reqCtx, entry, key, m.ID, desc, params)
}

func (e *RemoteEndpoint) runInboundRequest(ctx context.Context, entry *inboundEntry, key string, id MessageID, desc *JsonRpcMethod, params []json.RawMessage) {
	result, err := e.local.Request(ctx, desc.Name, params)

	e.mu.Lock()
	delete(e.inboundPending, key)
	e.mu.Unlock()
	entry.cancel(nil)

	if entry.cancelled.Load() {
		e.emitResponse(errorResponse(id, NewRequestCancelled(id, desc.Name)))
		return
	}
	if err != nil {
		e.emitResponse(errorResponse(id, e.exceptionHandler(err)))
		return
	}

	raw, serr := e.codec.SerializeResult(desc, result)
	if serr != nil {
		e.emitResponse(errorResponse(id, e.exceptionHandler(serr)))
		return
	}
	e.emitResponse(ResultMessage{ID: id, Result: raw})
}

func errorResponse(id MessageID, respErr *ResponseError) ErrorMessage {
	return ErrorMessage{ID: &id, Error: *respErr}
}

func (e *RemoteEndpoint) emitResponse(msg Message) {
	if err := e.out.Consume(msg); err != nil {
		e.log().Warn("error sending response", "err", err)
	}
}

func (e *RemoteEndpoint) consumeResult(m ResultMessage) {
	key := m.ID.key()
	e.mu.Lock()
	pending, ok := e.outboundPending[key]
	if ok {
		delete(e.outboundPending, key)
	}
	e.mu.Unlock()
	if !ok {
		e.log().Warn("response for unknown or already-resolved request id", "id", m.ID.Render())
		return
	}

	value, err := e.codec.DeserializeResult(pending.desc, m.Result)
	if err != nil {
		pending.ch <- rpcResult{err: err}
		return
	}
	pending.ch <- rpcResult{value: value}
}

func (e *RemoteEndpoint) consumeError(m ErrorMessage) {
	if m.ID == nil {
		e.log().Warn("received error response with null id", "code", m.Error.Code, "message", m.Error.Message)
		return
	}

	key := m.ID.key()
	e.mu.Lock()
	pending, ok := e.outboundPending[key]
	if ok {
		delete(e.outboundPending, key)
	}
	e.mu.Unlock()
	if !ok {
		e.log().Warn("error response for unknown or already-resolved request id", "id", m.ID.Render())
		return
	}

	respErr := m.Error
	pending.ch <- rpcResult{err: &respErr}
}
