package module

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/ocpprouter/broker"
	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/metric"
	"github.com/c360/ocpprouter/ocpp"
	"github.com/c360/ocpprouter/pkg/worker"
)

// SequenceRepository hands out per-station sequence numbers such as
// requestId values
type SequenceRepository interface {
	Next(ctx context.Context, tenantID, stationID, sequenceType string) (int64, error)
}

// Request is a station Call delivered to a module
type Request struct {
	Context   ocpp.MessageContext
	Action    string
	Version   ocpp.Version
	Payload   json.RawMessage
	Sequences SequenceRepository
}

// HandlerFunc handles one action. The result is marshalled as the CallResult
// payload; a returned *ocpp.CallError reaches the station unchanged.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithSequences makes a SequenceRepository available to handlers
func WithSequences(seq SequenceRepository) ServiceOption {
	return func(s *Service) { s.sequences = seq }
}

// WithWorkers sets handler concurrency and queue depth
func WithWorkers(workers, queueSize int) ServiceOption {
	return func(s *Service) {
		s.workers = workers
		s.queueSize = queueSize
	}
}

// WithServiceLogger sets the logger
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServiceMetrics registers worker pool metrics
func WithServiceMetrics(registry *metric.MetricsRegistry) ServiceOption {
	return func(s *Service) { s.registry = registry }
}

type delivery struct {
	ctx context.Context
	msg *nats.Msg
}

// Service serves a module's actions from the broker. Every instance of a
// module joins the same queue group, so each Call is handled once.
type Service struct {
	name      string
	adapter   *broker.Adapter
	sequences SequenceRepository
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	workers   int
	queueSize int

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	pool     *worker.Pool[delivery]
	sub      broker.Subscription
}

// NewService creates a module named name
func NewService(name string, adapter *broker.Adapter, opts ...ServiceOption) *Service {
	s := &Service{
		name:      name,
		adapter:   adapter,
		logger:    slog.Default(),
		workers:   4,
		queueSize: 256,
		handlers:  make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "module", "module", name)
	return s
}

// Name returns the module name
func (s *Service) Name() string { return s.name }

// Handle registers fn for action. Registering after Start is allowed.
func (s *Service) Handle(action string, fn HandlerFunc) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = fn
	return s
}

// Actions lists the registered actions
func (s *Service) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.handlers))
	for a := range s.handlers {
		out = append(out, a)
	}
	return out
}

func (s *Service) handler(action string) (HandlerFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.handlers[action]
	return fn, ok
}

// Start joins the module's queue group
func (s *Service) Start(ctx context.Context) error {
	opts := []worker.Option[delivery]{
		worker.WithErrorHandler(func(d delivery, err error) {
			s.logger.Warn("reply not published", "subject", d.msg.Subject, "error", err)
		}),
	}
	if s.registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[delivery](s.registry, "module_"+broker.Token(s.name)))
	}
	pool := worker.NewPool(s.workers, s.queueSize, s.process, opts...)
	if err := pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Service", "Start", "start workers")
	}

	subject := s.adapter.Subjects().Module(s.name)
	sub, err := s.adapter.Subscribe(ctx, subject, s.name, broker.Filter{broker.HeaderRole: s.name},
		func(ctx context.Context, msg *nats.Msg) {
			if err := pool.Submit(delivery{ctx: context.WithoutCancel(ctx), msg: msg}); err != nil {
				s.logger.Warn("module busy, call rejected", "error", err)
				_ = s.adapter.Reply(ctx, msg, broker.ReplyFromError(err))
			}
		})
	if err != nil {
		_ = pool.Stop(time.Second)
		return err
	}

	s.mu.Lock()
	s.pool, s.sub = pool, sub
	s.mu.Unlock()
	s.logger.Info("module started", "subject", subject, "actions", len(s.Actions()))
	return nil
}

// Stop leaves the queue group and drains in-flight handlers
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	pool, sub := s.pool, s.sub
	s.pool, s.sub = nil, nil
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("unsubscribe failed", "error", err)
		}
	}
	if pool != nil {
		return pool.Stop(timeout)
	}
	return nil
}

func (s *Service) process(_ context.Context, d delivery) error {
	env := broker.EnvelopeFrom(d.msg)
	ctx := d.ctx
	if env.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, env.Timeout)
		defer cancel()
	}
	return s.adapter.Reply(ctx, d.msg, s.dispatch(ctx, env, d.msg.Data))
}

func (s *Service) dispatch(ctx context.Context, env broker.Envelope, data []byte) (reply broker.Reply) {
	var req broker.CallRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return broker.ReplyFromError(errors.WrapInvalid(err, "Service", "dispatch", "decode request"))
	}

	fn, ok := s.handler(req.Action)
	if !ok {
		return broker.ReplyFromError(ocpp.NewCallError(env.Correlation, ocpp.ErrorNotImplemented,
			fmt.Sprintf("module %s does not handle %s", s.name, req.Action)))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "action", req.Action, "panic", r)
			reply = broker.ReplyFromError(fmt.Errorf("handler panic: %v", r))
		}
	}()

	out, err := fn(ctx, Request{
		Context:   req.Context,
		Action:    req.Action,
		Version:   env.Version,
		Payload:   req.Payload,
		Sequences: s.sequences,
	})
	if err != nil {
		s.logger.Debug("handler failed", "action", req.Action, "station_id", req.Context.StationID, "error", err)
		return broker.ReplyFromError(err)
	}
	payload, err := ocpp.MarshalPayload(out)
	if err != nil {
		return broker.ReplyFromError(err)
	}
	return broker.Reply{Payload: payload}
}
