package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/ocpprouter/broker"
	"github.com/c360/ocpprouter/correlation"
	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/ocpp"
)

// Request is an inbound station Call with its identity
type Request struct {
	Context ocpp.MessageContext
	Action  string
	Version ocpp.Version
	Payload json.RawMessage
	// Session is the SessionIndex of the connection the Call arrived on
	Session uint64
}

// Handler processes station Calls for one or more actions. A returned
// *ocpp.CallError is sent to the station as is; any other error becomes an
// InternalError.
type Handler interface {
	Handle(ctx context.Context, req Request) (json.RawMessage, error)
	Subscribe(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// HandlerFunc is the signature of an in-process action handler. The result is
// marshalled as the CallResult payload.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// LocalHandler runs a HandlerFunc in process
type LocalHandler struct {
	fn HandlerFunc
}

// NewLocalHandler wraps fn
func NewLocalHandler(fn HandlerFunc) *LocalHandler {
	return &LocalHandler{fn: fn}
}

// Handle runs the function
func (h *LocalHandler) Handle(ctx context.Context, req Request) (json.RawMessage, error) {
	out, err := h.fn(ctx, req)
	if err != nil {
		return nil, err
	}
	return ocpp.MarshalPayload(out)
}

func (h *LocalHandler) Subscribe(context.Context) error   { return nil }
func (h *LocalHandler) Unsubscribe(context.Context) error { return nil }
func (h *LocalHandler) Shutdown(context.Context) error    { return nil }

// RemoteHandler forwards Calls to a module over the broker and waits for the
// module's reply through the correlation engine
type RemoteHandler struct {
	module  string
	adapter *broker.Adapter
	engine  *correlation.Engine
	timeout time.Duration
}

// NewRemoteHandler builds a handler for module
func NewRemoteHandler(module string, adapter *broker.Adapter, engine *correlation.Engine, timeout time.Duration) *RemoteHandler {
	return &RemoteHandler{module: module, adapter: adapter, engine: engine, timeout: timeout}
}

// Module returns the module name
func (h *RemoteHandler) Module() string { return h.module }

// Handle publishes the Call to the module subject and waits for the reply.
// When ctx ends first, normally because the station disconnected, the pending
// entry is released since nobody is left to answer.
func (h *RemoteHandler) Handle(ctx context.Context, req Request) (json.RawMessage, error) {
	mc := req.Context
	target := correlation.Target{TenantID: mc.TenantID, StationID: mc.StationID, Module: h.module, Session: req.Session}
	fut, err := h.engine.Track(target, mc.CorrelationID, req.Action, h.timeout)
	if err != nil {
		return nil, err
	}

	env := broker.Envelope{
		Role:        h.module,
		TenantID:    mc.TenantID,
		StationID:   mc.StationID,
		Action:      req.Action,
		Version:     req.Version,
		Correlation: mc.CorrelationID,
		Session:     req.Session,
		ReplyTo:     h.adapter.ReplySubject(),
		Timeout:     h.timeout,
	}
	body := broker.CallRequest{
		Action:    req.Action,
		Payload:   req.Payload,
		TimeoutMs: h.timeout.Milliseconds(),
		Context:   mc,
	}
	if err := h.adapter.PublishJSON(ctx, h.adapter.Subjects().Module(h.module), env, body); err != nil {
		h.engine.Reject(target, mc.CorrelationID, err)
		return nil, err
	}
	payload, err := fut.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		h.engine.Reject(target, mc.CorrelationID, fmt.Errorf("%w: %v", errors.ErrConnectionClosed, ctx.Err()))
	}
	return payload, err
}

func (h *RemoteHandler) Subscribe(context.Context) error   { return nil }
func (h *RemoteHandler) Unsubscribe(context.Context) error { return nil }
func (h *RemoteHandler) Shutdown(context.Context) error    { return nil }

// NewHeartbeatHandler answers Heartbeat with the current time. now may be
// nil to use the wall clock.
func NewHeartbeatHandler(now func() time.Time) *LocalHandler {
	if now == nil {
		now = time.Now
	}
	return NewLocalHandler(func(context.Context, Request) (any, error) {
		return map[string]string{"currentTime": now().UTC().Format(time.RFC3339)}, nil
	})
}

// callErrorFor converts a handler error into the CallError sent to a station
func callErrorFor(v ocpp.Version, uniqueID string, err error) *ocpp.CallError {
	var callErr *ocpp.CallError
	if errors.As(err, &callErr) {
		out := *callErr
		out.UniqueID = uniqueID
		out.ErrorCode = ocpp.NormalizeErrorCode(v, out.ErrorCode)
		return &out
	}
	switch {
	case errors.Is(err, errors.ErrNotImplemented):
		return ocpp.NewCallError(uniqueID, ocpp.ErrorNotImplemented, err.Error())
	case errors.Is(err, errors.ErrCallTimeout):
		return ocpp.NewCallError(uniqueID, ocpp.ErrorInternalError, "handler timed out")
	case errors.Is(err, errors.ErrBrokerUnavailable):
		return ocpp.NewCallError(uniqueID, ocpp.ErrorInternalError, "handler unavailable")
	}
	return ocpp.NewCallError(uniqueID, ocpp.ErrorInternalError, fmt.Sprintf("handler failed: %v", err))
}
