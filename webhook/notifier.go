package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/connection"
	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/metric"
	"github.com/c360/ocpprouter/pkg/worker"
)

type delivery struct {
	url   string
	event Event
}

// Option configures a Notifier
type Option func(*Notifier)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithMetrics records delivery outcomes
func WithMetrics(m *metric.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithPoolMetrics registers worker pool metrics
func WithPoolMetrics(registrar metric.MetricsRegistrar) Option {
	return func(n *Notifier) { n.registrar = registrar }
}

// WithHTTPClient replaces the delivery client
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithClock sets the event timestamp source
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// Notifier posts events to matching subscriptions. Delivery is best effort:
// a full queue drops the event and a failed POST is logged, never retried.
type Notifier struct {
	registry  *Registry
	client    *http.Client
	pool      *worker.Pool[delivery]
	logger    *slog.Logger
	metrics   *metric.Metrics
	registrar metric.MetricsRegistrar
	now       func() time.Time
}

var _ connection.Observer = (*Notifier)(nil)

// NewNotifier builds a notifier over registry
func NewNotifier(registry *Registry, cfg config.WebhookConfig, opts ...Option) *Notifier {
	n := &Notifier{
		registry: registry,
		client:   &http.Client{Timeout: cfg.Timeout()},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "webhook")

	var poolOpts []worker.Option[delivery]
	if n.registrar != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[delivery](n.registrar, "webhook"))
	}
	poolOpts = append(poolOpts, worker.WithErrorHandler(func(d delivery, err error) {
		n.logger.Warn("webhook delivery failed", "url", d.url, "subscription_id", d.event.SubscriptionID,
			"type", d.event.Type, "station_id", d.event.StationID, "error", err)
	}))
	n.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, n.deliver, poolOpts...)
	return n
}

// Start launches the delivery workers
func (n *Notifier) Start(ctx context.Context) error {
	return n.pool.Start(ctx)
}

// Stop drains queued deliveries for up to timeout
func (n *Notifier) Stop(timeout time.Duration) error {
	return n.pool.Stop(timeout)
}

// Stats reports the delivery pool counters
func (n *Notifier) Stats() worker.PoolStats { return n.pool.Stats() }

// Notify queues e for every matching subscription
func (n *Notifier) Notify(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = n.now().UTC()
	}
	for _, sub := range n.registry.Match(e) {
		ev := e
		ev.SubscriptionID = sub.ID
		if err := n.pool.Submit(delivery{url: sub.URL, event: ev}); err != nil {
			n.metrics.RecordWebhookDelivery("dropped")
			n.logger.Warn("webhook dropped", "subscription_id", sub.ID, "type", e.Type, "error", err)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, d delivery) error {
	body, err := json.Marshal(d.event)
	if err != nil {
		n.metrics.RecordWebhookDelivery("error")
		return errors.WrapInvalid(err, "Notifier", "deliver", "encode event")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		n.metrics.RecordWebhookDelivery("error")
		return errors.WrapInvalid(err, "Notifier", "deliver", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ocpprouter-webhook")

	resp, err := n.client.Do(req)
	if err != nil {
		n.metrics.RecordWebhookDelivery("error")
		return errors.WrapTransient(err, "Notifier", "deliver", "post "+d.url)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n.metrics.RecordWebhookDelivery("rejected")
		return fmt.Errorf("webhook %s answered %d", d.url, resp.StatusCode)
	}
	n.metrics.RecordWebhookDelivery("delivered")
	return nil
}

func (n *Notifier) event(c *connection.Conn, t EventType) Event {
	return Event{
		Type:         t,
		TenantID:     c.TenantID(),
		StationID:    c.Identifier(),
		SessionIndex: c.SessionIndex(),
		Protocol:     c.Protocol(),
		Timestamp:    n.now().UTC(),
	}
}

// Connected implements connection.Observer
func (n *Notifier) Connected(c *connection.Conn) {
	n.Notify(n.event(c, EventConnect))
}

// Closed implements connection.Observer
func (n *Notifier) Closed(c *connection.Conn, reason connection.CloseReason) {
	e := n.event(c, EventClose)
	e.Reason = string(reason)
	n.Notify(e)
}

// FrameReceived implements connection.Observer
func (n *Notifier) FrameReceived(c *connection.Conn, frame []byte) {
	e := n.event(c, EventMessage)
	e.Message = string(frame)
	n.Notify(e)
}

// FrameSent implements connection.Observer
func (n *Notifier) FrameSent(c *connection.Conn, frame []byte) {
	e := n.event(c, EventSentMessage)
	e.Message = string(frame)
	n.Notify(e)
}
