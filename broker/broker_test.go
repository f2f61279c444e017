package broker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ocpprouter/broker"
	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/correlation"
	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/ocpp"
	"github.com/c360/ocpprouter/pkg/retry"
	"github.com/c360/ocpprouter/testutil"
)

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newAdapter(t *testing.T, attempts int) (*broker.Adapter, *testutil.MemoryTransport) {
	t.Helper()
	transport := testutil.NewMemoryTransport()
	t.Cleanup(transport.Close)
	cfg := config.Default().NATS
	cfg.InstanceID = "router-1"
	return broker.NewAdapter(transport, cfg, broker.WithRetry(fastRetry(attempts))), transport
}

func TestSubjects(t *testing.T) {
	s := broker.Subjects{Prefix: "ocpp"}
	assert.Equal(t, "ocpp.module.transactions", s.Module("transactions"))
	assert.Equal(t, "ocpp.station.acme.CP_001", s.Station("acme", "CP.001"))
	assert.Equal(t, "ocpp.reply.r1", s.Reply("r1"))

	assert.Equal(t, "a_b_c_d", broker.Token("a.b*c>d"))
	assert.Equal(t, "CP_1", broker.Token("CP 1"))
	assert.Equal(t, "_", broker.Token(""))
}

func TestEnvelopeHeaders(t *testing.T) {
	env := broker.Envelope{
		Role:        "transactions",
		TenantID:    "acme",
		StationID:   "CP1",
		Action:      "StartTransaction",
		Version:     ocpp.V16,
		Correlation: "abc",
		Session:     7,
		ReplyTo:     "ocpp.reply.r1",
		Timeout:     1500 * time.Millisecond,
	}
	msg := &nats.Msg{Subject: "x", Header: env.Header()}
	assert.NotEmpty(t, msg.Header.Get(broker.HeaderTimestamp))
	assert.Equal(t, "1500", msg.Header.Get(broker.HeaderTimeoutMs))
	assert.Equal(t, "7", msg.Header.Get(broker.HeaderSession))
	assert.Equal(t, env, broker.EnvelopeFrom(msg))

	empty := broker.Envelope{TenantID: "acme"}.Header()
	assert.Empty(t, empty.Get(broker.HeaderRole))
	assert.Empty(t, empty.Get(broker.HeaderTimeoutMs))
	assert.Empty(t, empty.Get(broker.HeaderSession))
	assert.Equal(t, broker.Envelope{}, broker.EnvelopeFrom(&nats.Msg{}))
}

func TestFilter(t *testing.T) {
	h := nats.Header{}
	h.Set(broker.HeaderRole, "transactions")
	h.Set(broker.HeaderTenant, "acme")

	assert.True(t, broker.Filter(nil).Match(h))
	assert.True(t, broker.Filter{broker.HeaderRole: "transactions"}.Match(h))
	assert.False(t, broker.Filter{broker.HeaderRole: "configuration"}.Match(h))
	assert.False(t, broker.Filter{broker.HeaderStation: "CP1"}.Match(h))
	assert.False(t, broker.Filter{broker.HeaderRole: "transactions"}.Match(nil))
}

func TestReplyErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		sentinel error
		kind     string
	}{
		{"in progress", errors.ErrCallInProgress, broker.KindCallInProgress},
		{"timeout", errors.ErrCallTimeout, broker.KindTimeout},
		{"closed", errors.ErrConnectionClosed, broker.KindConnectionClosed},
		{"not connected", errors.ErrStationNotConnected, broker.KindNotConnected},
		{"broker", errors.ErrBrokerUnavailable, broker.KindBrokerUnavailable},
		{"not implemented", errors.ErrNotImplemented, broker.KindNotImplemented},
		{"shutdown", errors.ErrShuttingDown, broker.KindShuttingDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := broker.ReplyFromError(errors.WrapTransient(tt.sentinel, "Engine", "SendCall", "call"))
			require.NotNil(t, reply.Error)
			assert.Equal(t, tt.kind, reply.Error.Kind)

			data, err := json.Marshal(reply)
			require.NoError(t, err)
			var decoded broker.Reply
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.True(t, errors.Is(decoded.Err(), tt.sentinel))
		})
	}

	callErr := ocpp.NewCallError("id", ocpp.ErrorNotSupported, "nope")
	reply := broker.ReplyFromError(callErr)
	var back *ocpp.CallError
	require.True(t, errors.As(reply.Err(), &back))
	assert.Equal(t, ocpp.ErrorNotSupported, back.ErrorCode)
	assert.Equal(t, "nope", back.ErrorDescription)

	assert.Error(t, broker.ReplyFromError(errors.New("boom")).Err())
	assert.NoError(t, broker.Reply{Payload: json.RawMessage(`{}`)}.Err())
}

func TestAdapter_PublishRetries(t *testing.T) {
	a, transport := newAdapter(t, 3)
	transport.FailNextPublishes(2, nil)

	err := a.Publish(context.Background(), &nats.Msg{Subject: "ocpp.module.m", Data: []byte("{}")})
	require.NoError(t, err)
	assert.Len(t, transport.Published("ocpp.module.m"), 1)
}

func TestAdapter_PublishExhausted(t *testing.T) {
	a, transport := newAdapter(t, 3)
	transport.FailNextPublishes(3, nil)

	err := a.Publish(context.Background(), &nats.Msg{Subject: "ocpp.module.m"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBrokerUnavailable))
	assert.True(t, errors.IsTransient(err))
	assert.Empty(t, transport.Published(""))
}

func TestAdapter_SubscribeFilter(t *testing.T) {
	a, _ := newAdapter(t, 1)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	_, err := a.Subscribe(ctx, a.Subjects().Module("tx"), "tx", broker.Filter{broker.HeaderRole: "tx"},
		func(_ context.Context, msg *nats.Msg) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, broker.EnvelopeFrom(msg).Correlation)
		})
	require.NoError(t, err)

	subject := a.Subjects().Module("tx")
	require.NoError(t, a.PublishJSON(ctx, subject, broker.Envelope{Role: "other", Correlation: "1"}, struct{}{}))
	require.NoError(t, a.PublishJSON(ctx, subject, broker.Envelope{Role: "tx", Correlation: "2"}, struct{}{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"2"}, got)
}

func TestAdapter_ServeReplies(t *testing.T) {
	a, _ := newAdapter(t, 1)
	ctx := context.Background()
	engine := correlation.New(nil)

	sub, err := a.ServeReplies(ctx, engine)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	target := correlation.Target{TenantID: "acme", StationID: "CP1", Module: "tx"}
	ok, err := engine.Track(target, "u1", "StartTransaction", time.Second)
	require.NoError(t, err)
	failed, err := engine.Track(target, "u2", "StopTransaction", time.Second)
	require.NoError(t, err)

	request := &nats.Msg{Subject: "ocpp.module.tx", Header: broker.Envelope{
		Role: "tx", TenantID: "acme", StationID: "CP1", Correlation: "u1", ReplyTo: a.ReplySubject(),
	}.Header()}
	require.NoError(t, a.Reply(ctx, request, broker.Reply{Payload: json.RawMessage(`{"transactionId":7}`)}))

	payload, err := ok.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"transactionId":7}`, string(payload))

	request.Header.Set(broker.HeaderCorrelation, "u2")
	require.NoError(t, a.Reply(ctx, request, broker.ReplyFromError(ocpp.NewCallError("u2", ocpp.ErrorInternalError, "db"))))

	_, err = failed.Wait(ctx)
	var callErr *ocpp.CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, ocpp.ErrorInternalError, callErr.ErrorCode)
	assert.Zero(t, engine.Len())
}

func TestAdapter_ServeRepliesMatchesSession(t *testing.T) {
	a, _ := newAdapter(t, 1)
	ctx := context.Background()
	engine := correlation.New(nil)

	sub, err := a.ServeReplies(ctx, engine)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	target := correlation.Target{TenantID: "acme", StationID: "CP1", Module: "tx", Session: 4}
	fut, err := engine.Track(target, "u1", "StartTransaction", time.Second)
	require.NoError(t, err)

	env := broker.Envelope{Role: "tx", TenantID: "acme", StationID: "CP1", Correlation: "u1", ReplyTo: a.ReplySubject()}
	stale := &nats.Msg{Subject: "ocpp.module.tx", Header: env.Header()}
	stale.Header.Set(broker.HeaderSession, "3")
	require.NoError(t, a.Reply(ctx, stale, broker.Reply{Payload: json.RawMessage(`{"stale":true}`)}))

	current := &nats.Msg{Subject: "ocpp.module.tx", Header: env.Header()}
	current.Header.Set(broker.HeaderSession, "4")
	require.NoError(t, a.Reply(ctx, current, broker.Reply{Payload: json.RawMessage(`{"stale":false}`)}))

	payload, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stale":false}`, string(payload))
}

func TestAdapter_ReplyWithoutReplySubject(t *testing.T) {
	a, _ := newAdapter(t, 1)
	err := a.Reply(context.Background(), &nats.Msg{Header: nats.Header{}}, broker.Reply{})
	assert.True(t, errors.Is(err, errors.ErrInvalidData))
}
