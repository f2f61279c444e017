package module

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/ocpprouter/broker"
	"github.com/c360/ocpprouter/correlation"
	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/metric"
	"github.com/c360/ocpprouter/ocpp"
)

// replyGrace lets the router's own timeout reply arrive before the caller
// gives up locally
const replyGrace = time.Second

// Caller sends Calls to stations through whichever router instance holds
// them
type Caller struct {
	adapter *broker.Adapter
	engine  *correlation.Engine
	subject string
	timeout time.Duration
	logger  *slog.Logger

	mu  sync.Mutex
	sub broker.Subscription
}

// NewCaller builds a Caller with its own reply subject on adapter. timeout
// applies when SendCall is given none.
func NewCaller(adapter *broker.Adapter, timeout time.Duration, logger *slog.Logger, metrics *metric.Metrics) *Caller {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = correlation.DefaultTimeout
	}
	return &Caller{
		adapter: adapter,
		engine:  correlation.New(nil, correlation.WithLogger(logger), correlation.WithMetrics(metrics)),
		subject: adapter.Subjects().Reply(adapter.InstanceID() + "-caller"),
		timeout: timeout,
		logger:  logger.With("component", "caller"),
	}
}

// Start subscribes the reply subject
func (c *Caller) Start(ctx context.Context) error {
	sub, err := c.adapter.ServeRepliesOn(ctx, c.subject, c.engine)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// Stop unsubscribes and fails calls still waiting
func (c *Caller) Stop(ctx context.Context) error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	return c.engine.Shutdown(ctx)
}

// SendCall calls action on a station and waits for its reply. A station that
// is already busy fails with errors.ErrCallInProgress; a station no router
// holds fails with errors.ErrCallTimeout.
func (c *Caller) SendCall(ctx context.Context, tenantID, stationID, action string, payload any,
	timeout time.Duration) (json.RawMessage, error) {
	body, err := ocpp.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	id := uuid.NewString()
	target := correlation.Target{TenantID: tenantID, StationID: stationID}
	fut, err := c.engine.Track(target, id, action, timeout+replyGrace)
	if err != nil {
		return nil, err
	}

	env := broker.Envelope{
		TenantID:    tenantID,
		StationID:   stationID,
		Action:      action,
		Correlation: id,
		ReplyTo:     c.subject,
		Timeout:     timeout,
	}
	req := broker.CallRequest{
		Action:    action,
		Payload:   body,
		TimeoutMs: timeout.Milliseconds(),
		Context:   ocpp.NewMessageContext(id, tenantID, stationID),
	}
	if err := c.adapter.PublishJSON(ctx, c.adapter.Subjects().Station(tenantID, stationID), env, req); err != nil {
		c.engine.Reject(target, id, err)
		return nil, err
	}

	out, err := fut.Wait(ctx)
	if err != nil {
		c.logger.Debug("station call failed", "tenant_id", tenantID, "station_id", stationID,
			"action", action, "error", err)
		return nil, errors.Wrap(err, "Caller", "SendCall", action+" to "+stationID)
	}
	return out, nil
}
