package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/metric"
	"github.com/c360/ocpprouter/ocpp"
)

// DefaultTimeout applies when CallOptions.Timeout is zero
const DefaultTimeout = 5 * time.Second

// Transmitter writes an encoded frame to a station's live connection
type Transmitter interface {
	Transmit(tenantID, stationID string, frame []byte) error
}

// Target identifies who a call is addressed to. Module is empty for calls
// sent to the station itself. Session scopes module-bound calls to the
// station connection that issued them, since a station may reuse a uniqueId
// after reconnecting.
type Target struct {
	TenantID  string
	StationID string
	Module    string
	Session   uint64
}

func (t Target) String() string {
	s := t.TenantID + "/" + t.StationID
	if t.Module != "" {
		s += "@" + t.Module
	}
	if t.Session != 0 {
		s += fmt.Sprintf("#%d", t.Session)
	}
	return s
}

type callKey struct {
	target   Target
	uniqueID string
}

type stationKey struct {
	tenantID  string
	stationID string
}

// CallOptions tunes a single SendCall
type CallOptions struct {
	Timeout time.Duration
	// Queue waits for the station's outstanding call to finish instead of
	// failing with ErrCallInProgress. Waiting is bounded by the ctx passed to
	// SendCall.
	Queue bool
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records pending-call gauges and call outcomes
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now for SentAt and Deadline
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the UUID generator for uniqueIds
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithDefaultTimeout sets the timeout used when a call does not specify one
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// Engine tracks outstanding calls. The zero value is not usable; call New.
type Engine struct {
	tx             Transmitter
	logger         *slog.Logger
	metrics        *metric.Metrics
	now            func() time.Time
	newID          func() string
	defaultTimeout time.Duration

	mu       sync.Mutex
	calls    map[callKey]*pending
	stations map[stationKey]*pending
	closing  bool
}

// New creates an Engine. tx may be nil for an engine that only tracks calls
// whose frames are sent elsewhere, as on the module side of the broker.
func New(tx Transmitter, opts ...Option) *Engine {
	e := &Engine{
		tx:             tx,
		logger:         slog.Default(),
		now:            time.Now,
		newID:          uuid.NewString,
		defaultTimeout: DefaultTimeout,
		calls:          make(map[callKey]*pending),
		stations:       make(map[stationKey]*pending),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "correlation")
	return e
}

// SendCall reserves the station's outbound slot, transmits a Call and returns
// a Future for its reply.
func (e *Engine) SendCall(ctx context.Context, tenantID, stationID, action string, payload any,
	opts CallOptions) (*Future, error) {
	if e.tx == nil {
		return nil, errors.WrapFatal(errors.ErrNotConnected, "Engine", "SendCall", "find transmitter")
	}
	body, err := ocpp.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	sk := stationKey{tenantID, stationID}
	var p *pending
	for p == nil {
		e.mu.Lock()
		if e.closing {
			e.mu.Unlock()
			return nil, errors.WrapTransient(errors.ErrShuttingDown, "Engine", "SendCall", "reserve station slot")
		}
		if prior, busy := e.stations[sk]; busy {
			e.mu.Unlock()
			if !opts.Queue {
				return nil, errors.WrapTransient(errors.ErrCallInProgress, "Engine", "SendCall",
					fmt.Sprintf("reserve slot for %s (outstanding %s %s)", sk.stationID, prior.info.Action, prior.info.UniqueID))
			}
			select {
			case <-prior.done:
				continue
			case <-ctx.Done():
				return nil, errors.WrapTransient(ctx.Err(), "Engine", "SendCall", "wait for station slot")
			}
		}

		sent := e.now()
		p = newPending(PendingCall{
			UniqueID:  e.newID(),
			TenantID:  tenantID,
			StationID: stationID,
			Action:    action,
			SentAt:    sent,
			Deadline:  sent.Add(timeout),
		})
		e.stations[sk] = p
		e.calls[callKey{p.info.Target(), p.info.UniqueID}] = p
		e.armLocked(p, timeout)
		e.mu.Unlock()
	}

	frame, err := ocpp.Encode(&ocpp.Call{UniqueID: p.info.UniqueID, Action: action, Payload: body})
	if err == nil {
		err = e.tx.Transmit(tenantID, stationID, frame)
	}
	if err != nil {
		e.complete(p, Result{Err: err}, "error")
		return nil, errors.Wrap(err, "Engine", "SendCall", "transmit "+action)
	}

	e.logger.Debug("call sent", "tenant_id", tenantID, "station_id", stationID,
		"action", action, "unique_id", p.info.UniqueID, "timeout", timeout)
	return &Future{p: p}, nil
}

// Call is SendCall followed by Wait
func (e *Engine) Call(ctx context.Context, tenantID, stationID, action string, payload any,
	opts CallOptions) (json.RawMessage, error) {
	fut, err := e.SendCall(ctx, tenantID, stationID, action, payload, opts)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// Track registers a call whose frame the caller transmits itself, such as a
// Call forwarded to a module over the broker. It does not use the station
// slot. uniqueID must not already be outstanding for target.
func (e *Engine) Track(target Target, uniqueID, action string, timeout time.Duration) (*Future, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	key := callKey{target, uniqueID}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing {
		return nil, errors.WrapTransient(errors.ErrShuttingDown, "Engine", "Track", "register call")
	}
	if _, dup := e.calls[key]; dup {
		return nil, errors.WrapInvalid(errors.ErrDuplicateCall, "Engine", "Track", "register "+uniqueID)
	}

	sent := e.now()
	p := newPending(PendingCall{
		UniqueID:  uniqueID,
		TenantID:  target.TenantID,
		StationID: target.StationID,
		Module:    target.Module,
		Session:   target.Session,
		Action:    action,
		SentAt:    sent,
		Deadline:  sent.Add(timeout),
	})
	e.calls[key] = p
	e.armLocked(p, timeout)
	return &Future{p: p}, nil
}

func (e *Engine) armLocked(p *pending, timeout time.Duration) {
	p.timer = time.AfterFunc(timeout, func() {
		e.complete(p, Result{Err: e.timeoutErr(p)}, "timeout")
	})
	e.metrics.SetPendingCalls(len(e.calls))
}

func (e *Engine) timeoutErr(p *pending) error {
	return fmt.Errorf("%s %s to %s: %w", p.info.Action, p.info.UniqueID, p.info.Target(), errors.ErrCallTimeout)
}

// Resolve completes the matching call with a CallResult payload. It reports
// false when nothing matched, which includes a reply that lost to a timeout.
func (e *Engine) Resolve(target Target, uniqueID string, payload json.RawMessage) bool {
	return e.completeByKey(callKey{target, uniqueID}, Result{Payload: payload}, "result")
}

// Reject completes the matching call with err
func (e *Engine) Reject(target Target, uniqueID string, err error) bool {
	return e.completeByKey(callKey{target, uniqueID}, Result{Err: err}, "error")
}

func (e *Engine) completeByKey(key callKey, res Result, outcome string) bool {
	e.mu.Lock()
	p := e.calls[key]
	e.mu.Unlock()

	if p == nil || !e.complete(p, res, outcome) {
		e.logger.Debug("reply dropped, no pending call", "target", key.target.String(), "unique_id", key.uniqueID)
		return false
	}
	return true
}

// complete claims p and publishes res. Only the first caller wins.
func (e *Engine) complete(p *pending, res Result, outcome string) bool {
	if !p.claimed.CompareAndSwap(false, true) {
		return false
	}

	e.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	key := callKey{p.info.Target(), p.info.UniqueID}
	if e.calls[key] == p {
		delete(e.calls, key)
	}
	if p.info.Module == "" {
		sk := stationKey{p.info.TenantID, p.info.StationID}
		if e.stations[sk] == p {
			delete(e.stations, sk)
		}
	}
	n := len(e.calls)
	e.mu.Unlock()

	p.result = res
	close(p.done)

	e.metrics.SetPendingCalls(n)
	e.metrics.RecordCallCompleted(outcome, e.now().Sub(p.info.SentAt))
	if outcome == "timeout" {
		e.logger.Info("call timed out", "target", p.info.Target().String(),
			"action", p.info.Action, "unique_id", p.info.UniqueID)
	}
	return true
}

// FailStation rejects every call sent to the station, normally because its
// connection closed. Calls forwarded to modules on the station's behalf are
// left to finish; their replies are dropped at the transport.
func (e *Engine) FailStation(tenantID, stationID string, cause error) int {
	if cause == nil {
		cause = errors.ErrConnectionClosed
	}

	e.mu.Lock()
	var victims []*pending
	for key, p := range e.calls {
		if key.target.Module == "" && key.target.TenantID == tenantID && key.target.StationID == stationID {
			victims = append(victims, p)
		}
	}
	e.mu.Unlock()

	n := 0
	for _, p := range victims {
		err := fmt.Errorf("%s %s to %s: %w", p.info.Action, p.info.UniqueID, p.info.Target(), cause)
		if e.complete(p, Result{Err: err}, "closed") {
			n++
		}
	}
	return n
}

// Sweep times out every call whose deadline is at or before now. Timers do
// this on their own; Sweep lets a caller with its own clock force it.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	var expired []*pending
	for _, p := range e.calls {
		if !p.info.Deadline.After(now) {
			expired = append(expired, p)
		}
	}
	e.mu.Unlock()

	n := 0
	for _, p := range expired {
		if e.complete(p, Result{Err: e.timeoutErr(p)}, "timeout") {
			n++
		}
	}
	return n
}

// Shutdown refuses new calls, waits for outstanding ones to finish until ctx
// ends, then fails whatever remains with ErrShuttingDown.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

drain:
	for e.Len() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			break drain
		}
	}

	e.mu.Lock()
	remaining := make([]*pending, 0, len(e.calls))
	for _, p := range e.calls {
		remaining = append(remaining, p)
	}
	e.mu.Unlock()

	for _, p := range remaining {
		e.complete(p, Result{Err: fmt.Errorf("%s %s: %w", p.info.Action, p.info.UniqueID, errors.ErrShuttingDown)}, "shutdown")
	}
	if len(remaining) > 0 {
		e.logger.Warn("force-failed calls at shutdown", "count", len(remaining))
		return errors.WrapTransient(ctx.Err(), "Engine", "Shutdown", fmt.Sprintf("drain %d calls", len(remaining)))
	}
	return nil
}

// Outstanding returns the call occupying the station's slot, if any
func (e *Engine) Outstanding(tenantID, stationID string) (PendingCall, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.stations[stationKey{tenantID, stationID}]
	if !ok {
		return PendingCall{}, false
	}
	return p.info, true
}

// Len returns the number of outstanding calls of every kind
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}
