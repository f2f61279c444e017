package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/correlation"
	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/metric"
	"github.com/c360/ocpprouter/natsclient"
	"github.com/c360/ocpprouter/pkg/retry"
)

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metric.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithRetry overrides the publish retry policy
func WithRetry(cfg retry.Config) Option {
	return func(a *Adapter) { a.retry = cfg }
}

// Adapter publishes and consumes router traffic over a Transport
type Adapter struct {
	transport  Transport
	subjects   Subjects
	instanceID string
	retry      retry.Config
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// NewAdapter builds an Adapter. An empty instance id is replaced by a UUID.
func NewAdapter(transport Transport, cfg config.NATSConfig, opts ...Option) *Adapter {
	instance := cfg.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}
	a := &Adapter{
		transport:  transport,
		subjects:   Subjects{Prefix: cfg.SubjectPrefix},
		instanceID: instance,
		retry:      cfg.PublishRetry.ToRetryConfig(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "broker", "instance", a.instanceID)
	return a
}

// Subjects returns the subject builder
func (a *Adapter) Subjects() Subjects { return a.subjects }

// InstanceID identifies this process on the broker
func (a *Adapter) InstanceID() string { return a.instanceID }

// ReplySubject is where replies addressed to this process arrive
func (a *Adapter) ReplySubject() string { return a.subjects.Reply(a.instanceID) }

// Publish sends msg, retrying with exponential backoff. When every attempt
// fails the error wraps errors.ErrBrokerUnavailable and is transient.
func (a *Adapter) Publish(ctx context.Context, msg *nats.Msg) error {
	cfg := a.retry
	cfg.Retryable = func(err error) bool {
		return !errors.Is(err, nats.ErrBadSubject) && !errors.Is(err, nats.ErrMaxPayload)
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		a.metrics.RecordBrokerRetry()
		a.logger.Debug("publish failed, retrying", "subject", msg.Subject,
			"attempt", attempt, "delay", delay, "error", err)
	}

	err := retry.Do(ctx, cfg, func() error {
		return a.transport.PublishMsg(ctx, msg)
	})
	if err == nil {
		a.metrics.RecordBrokerPublish("ok")
		return nil
	}

	a.metrics.RecordBrokerPublish("failed")
	a.logger.Warn("publish failed", "subject", msg.Subject, "error", err)
	switch {
	case errors.Is(err, retry.ErrExhausted):
	case ctx.Err() != nil:
		return errors.WrapTransient(err, "Adapter", "Publish", "publish "+msg.Subject)
	default:
		return errors.WrapInvalid(err, "Adapter", "Publish", "publish "+msg.Subject)
	}
	return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrBrokerUnavailable, err),
		"Adapter", "Publish", "publish "+msg.Subject)
}

// PublishJSON marshals body and publishes it with the envelope headers
func (a *Adapter) PublishJSON(ctx context.Context, subject string, env Envelope, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.WrapInvalid(err, "Adapter", "PublishJSON", "marshal body")
	}
	return a.Publish(ctx, &nats.Msg{Subject: subject, Header: env.Header(), Data: data})
}

// Subscribe consumes subject, joining queue when set. Messages whose headers
// do not match filter are dropped before handler runs.
func (a *Adapter) Subscribe(ctx context.Context, subject, queue string, filter Filter,
	handler natsclient.MsgHandler) (Subscription, error) {
	sub, err := a.transport.SubscribeMsg(ctx, subject, queue, func(ctx context.Context, msg *nats.Msg) {
		if !filter.Match(msg.Header) {
			a.logger.Debug("message filtered", "subject", msg.Subject)
			return
		}
		handler(ctx, msg)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Adapter", "Subscribe", "subscribe "+subject)
	}
	return sub, nil
}

// Reply answers req on its Ocpp-Reply-To subject. The correlation, session,
// tenant, station and role headers are copied so the requester can match it.
func (a *Adapter) Reply(ctx context.Context, req *nats.Msg, reply Reply) error {
	env := EnvelopeFrom(req)
	if env.ReplyTo == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Adapter", "Reply", "request has no reply subject")
	}
	out := Envelope{
		Role:        env.Role,
		TenantID:    env.TenantID,
		StationID:   env.StationID,
		Action:      env.Action,
		Version:     env.Version,
		Correlation: env.Correlation,
		Session:     env.Session,
	}
	return a.PublishJSON(ctx, env.ReplyTo, out, reply)
}

// ServeReplies binds this instance's reply subject to engine. Each reply is
// matched on (tenant, station, role) and its correlation header.
func (a *Adapter) ServeReplies(ctx context.Context, engine *correlation.Engine) (Subscription, error) {
	return a.ServeRepliesOn(ctx, a.ReplySubject(), engine)
}

// ServeRepliesOn is ServeReplies for a caller-chosen subject
func (a *Adapter) ServeRepliesOn(ctx context.Context, subject string, engine *correlation.Engine) (Subscription, error) {
	return a.Subscribe(ctx, subject, "", nil, func(_ context.Context, msg *nats.Msg) {
		env := EnvelopeFrom(msg)
		if env.Correlation == "" {
			a.logger.Debug("reply without correlation dropped", "subject", msg.Subject)
			return
		}
		target := correlation.Target{TenantID: env.TenantID, StationID: env.StationID, Module: env.Role, Session: env.Session}

		var reply Reply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			engine.Reject(target, env.Correlation,
				errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Adapter", "ServeReplies", "decode reply"))
			return
		}
		if err := reply.Err(); err != nil {
			engine.Reject(target, env.Correlation, err)
			return
		}
		payload := reply.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		engine.Resolve(target, env.Correlation, payload)
	})
}
