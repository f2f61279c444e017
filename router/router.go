package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/ocpprouter/broker"
	"github.com/c360/ocpprouter/connection"
	"github.com/c360/ocpprouter/correlation"
	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/metric"
	"github.com/c360/ocpprouter/ocpp"
)

// Option configures a Router
type Option func(*Router)

// WithAdapter enables broker dispatch and the station-call consumer
func WithAdapter(a *broker.Adapter) Option {
	return func(r *Router) { r.adapter = a }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithClock overrides the clock used for message timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Router dispatches station frames and serves module calls for the stations
// connected to this process. It is the connection.FrameHandler and one of the
// connection.Observers.
type Router struct {
	table   atomic.Pointer[Table]
	engine  *correlation.Engine
	adapter *broker.Adapter
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	mu       sync.Mutex
	stations map[*connection.Conn]broker.Subscription
	replies  broker.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
}

var (
	_ connection.FrameHandler = (*Router)(nil)
	_ connection.Observer     = (*Router)(nil)
)

// New builds a Router over table and engine
func New(table *Table, engine *correlation.Engine, opts ...Option) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		engine:   engine,
		logger:   slog.Default(),
		now:      time.Now,
		stations: make(map[*connection.Conn]broker.Subscription),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.table.Store(table)
	r.logger = r.logger.With("component", "router")
	return r
}

// Table returns the dispatch table
func (r *Router) Table() *Table { return r.table.Load() }

// SetTable subscribes the handlers of t and makes it the dispatch table.
// Calls already dispatched finish on the handler they were given; handlers
// of the previous table that t does not reuse are then shut down.
func (r *Router) SetTable(ctx context.Context, t *Table) error {
	if err := t.Subscribe(ctx); err != nil {
		return errors.WrapTransient(err, "Router", "SetTable", "subscribe handlers")
	}
	old := r.table.Swap(t)
	r.logger.Info("dispatch table replaced", "routes", len(t.entries))
	if old == nil {
		return nil
	}

	kept := make(map[Handler]bool, len(t.handlers))
	for _, h := range t.handlers {
		kept[h] = true
	}
	var first error
	for _, h := range old.handlers {
		if kept[h] {
			continue
		}
		if err := h.Unsubscribe(ctx); err != nil && first == nil {
			first = err
		}
		if err := h.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Start subscribes handlers and, with a broker, the instance reply subject
func (r *Router) Start(ctx context.Context) error {
	if r.adapter != nil {
		sub, err := r.adapter.ServeReplies(r.ctx, r.engine)
		if err != nil {
			return errors.WrapTransient(err, "Router", "Start", "serve replies")
		}
		r.mu.Lock()
		r.replies = sub
		r.mu.Unlock()
	}
	table := r.table.Load()
	if err := table.Subscribe(ctx); err != nil {
		return errors.WrapTransient(err, "Router", "Start", "subscribe handlers")
	}
	r.logger.Info("router started", "routes", len(table.entries))
	return nil
}

// Stop releases every broker subscription and shuts handlers down
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	subs := make([]broker.Subscription, 0, len(r.stations)+1)
	for c, sub := range r.stations {
		subs = append(subs, sub)
		delete(r.stations, c)
	}
	if r.replies != nil {
		subs = append(subs, r.replies)
		r.replies = nil
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Debug("unsubscribe failed", "error", err)
		}
	}
	r.cancel()
	return r.table.Load().Shutdown(ctx)
}

func (r *Router) send(c *connection.Conn, msg ocpp.Message) {
	if err := c.SendMessage(msg); err != nil {
		c.Logger().Debug("reply not sent", "unique_id", msg.ID(), "error", err)
	}
}

// HandleCall dispatches a station Call and writes the reply
func (r *Router) HandleCall(ctx context.Context, c *connection.Conn, call *ocpp.Call) {
	v := c.Protocol()

	entry, ok := r.table.Load().Lookup(v, call.Action)
	if !ok {
		code, desc := ocpp.ErrorNotImplemented, "unknown action "+call.Action
		if ocpp.IsKnownAction(v, call.Action) {
			code, desc = ocpp.ErrorNotSupported, call.Action+" is not handled by this CSMS"
		}
		r.metrics.RecordDispatch("none", "not_implemented")
		c.Logger().Info("call not routed", "action", call.Action, "unique_id", call.UniqueID)
		r.send(c, ocpp.NewCallError(call.UniqueID, code, desc))
		return
	}

	kind := "local"
	if !entry.Local() {
		kind = "remote"
	}
	mc := ocpp.NewMessageContext(call.UniqueID, c.TenantID(), c.Identifier())
	mc.Timestamp = r.now().UTC().Format(time.RFC3339Nano)
	req := Request{Context: mc, Action: call.Action, Version: v, Payload: call.Payload, Session: c.SessionIndex()}

	payload, err := entry.Handler.Handle(ctx, req)
	if err != nil {
		r.metrics.RecordDispatch(kind, "error")
		c.Logger().Warn("handler failed", "action", call.Action, "unique_id", call.UniqueID,
			"module", entry.Module, "error", err)
		r.send(c, callErrorFor(v, call.UniqueID, err))
		return
	}
	r.metrics.RecordDispatch(kind, "ok")
	r.send(c, &ocpp.CallResult{UniqueID: call.UniqueID, Payload: payload})
}

// HandleReply completes the pending station call a CallResult or CallError
// answers. Unmatched replies are dropped.
func (r *Router) HandleReply(_ context.Context, c *connection.Conn, msg ocpp.Message) {
	target := correlation.Target{TenantID: c.TenantID(), StationID: c.Identifier()}

	var matched bool
	switch m := msg.(type) {
	case *ocpp.CallResult:
		matched = r.engine.Resolve(target, m.UniqueID, m.Payload)
	case *ocpp.CallError:
		matched = r.engine.Reject(target, m.UniqueID, m)
	}
	if !matched {
		c.Logger().Debug("unmatched reply dropped", "unique_id", msg.ID(), "type", msg.Type().String())
	}
}

// HandleMalformed answers a malformed frame with a CallError when its unique
// id could be read. The connection stays open either way.
func (r *Router) HandleMalformed(_ context.Context, c *connection.Conn, perr *ocpp.ProtocolError) {
	if perr.UniqueID == "" {
		c.Logger().Warn("malformed frame dropped", "reason", perr.Reason)
		return
	}
	v := c.Protocol()
	code := ocpp.FormatViolationCode(v)
	if perr.UnsupportedType && v == ocpp.V201 {
		code = ocpp.ErrorMessageTypeNotSupported
	}
	r.send(c, ocpp.NewCallError(perr.UniqueID, code, perr.Reason))
}

// Connected starts consuming module Calls for the station
func (r *Router) Connected(c *connection.Conn) {
	if r.adapter == nil {
		return
	}
	subject := r.adapter.Subjects().Station(c.TenantID(), c.Identifier())
	filter := broker.Filter{broker.HeaderTenant: c.TenantID(), broker.HeaderStation: c.Identifier()}
	sub, err := r.adapter.Subscribe(c.Context(), subject, "", filter, func(ctx context.Context, msg *nats.Msg) {
		r.serveStationCall(c, msg)
	})
	if err != nil {
		c.Logger().Error("station subscription failed", "subject", subject, "error", err)
		return
	}

	r.mu.Lock()
	r.stations[c] = sub
	r.mu.Unlock()

	// superseded before this callback ran
	if c.Context().Err() != nil {
		r.mu.Lock()
		delete(r.stations, c)
		r.mu.Unlock()
		_ = sub.Unsubscribe()
	}
}

// Closed fails the station's outstanding calls and drops its subscription
func (r *Router) Closed(c *connection.Conn, reason connection.CloseReason) {
	r.mu.Lock()
	sub := r.stations[c]
	delete(r.stations, c)
	r.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}

	cause := errors.ErrConnectionClosed
	if reason == connection.ReasonTimeout {
		cause = errors.ErrCallTimeout
	}
	if n := r.engine.FailStation(c.TenantID(), c.Identifier(), cause); n > 0 {
		c.Logger().Info("pending calls failed", "count", n, "reason", string(reason))
	}
}

func (r *Router) FrameReceived(*connection.Conn, []byte) {}
func (r *Router) FrameSent(*connection.Conn, []byte)     {}

// serveStationCall runs a module-originated Call against a local station. The
// slot is claimed before returning so concurrent requests see CallInProgress;
// the reply is awaited on its own goroutine.
func (r *Router) serveStationCall(c *connection.Conn, msg *nats.Msg) {
	env := broker.EnvelopeFrom(msg)
	reply := func(rep broker.Reply) {
		if env.ReplyTo == "" {
			return
		}
		if err := r.adapter.Reply(r.ctx, msg, rep); err != nil {
			c.Logger().Warn("station call reply not published", "correlation", env.Correlation, "error", err)
		}
	}

	var req broker.CallRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply(broker.ReplyFromError(errors.WrapInvalid(err, "Router", "serveStationCall", "decode request")))
		return
	}
	if ocpp.ActionDirection(c.Protocol(), req.Action)&ocpp.FromCSMS == 0 {
		reply(broker.ReplyFromError(errors.WrapInvalid(errors.ErrNotImplemented, "Router", "serveStationCall",
			req.Action+" on "+string(c.Protocol()))))
		return
	}

	fut, err := r.engine.SendCall(r.ctx, c.TenantID(), c.Identifier(), req.Action, req.Payload,
		correlation.CallOptions{Timeout: req.Timeout()})
	if err != nil {
		reply(broker.ReplyFromError(err))
		return
	}

	go func() {
		payload, err := fut.Wait(r.ctx)
		if err != nil {
			reply(broker.ReplyFromError(err))
			return
		}
		reply(broker.Reply{Payload: payload})
	}()
}
