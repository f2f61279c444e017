package broker

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/c360/ocpprouter/natsclient"
)

// Subscription is a live consumer
type Subscription interface {
	Unsubscribe() error
}

// Transport is the pub/sub surface the adapter needs. NATSTransport is the
// production implementation; tests use an in-memory one.
type Transport interface {
	PublishMsg(ctx context.Context, msg *nats.Msg) error
	SubscribeMsg(ctx context.Context, subject, queue string, handler natsclient.MsgHandler) (Subscription, error)
}

// NATSTransport adapts a natsclient.Client to Transport
type NATSTransport struct {
	client *natsclient.Client
}

// NewNATSTransport wraps client
func NewNATSTransport(client *natsclient.Client) *NATSTransport {
	return &NATSTransport{client: client}
}

// PublishMsg publishes through the client's circuit breaker
func (t *NATSTransport) PublishMsg(ctx context.Context, msg *nats.Msg) error {
	return t.client.PublishMsg(ctx, msg)
}

// SubscribeMsg subscribes through the client
func (t *NATSTransport) SubscribeMsg(ctx context.Context, subject, queue string, handler natsclient.MsgHandler) (Subscription, error) {
	sub, err := t.client.SubscribeMsg(ctx, subject, queue, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
