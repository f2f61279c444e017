//go:build integration

package natsclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishMsgCarriesHeaders(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	got := make(chan *nats.Msg, 1)
	sub, err := tc.Client.SubscribeMsg(ctx, "ocpp.module.core", "", func(_ context.Context, msg *nats.Msg) {
		got <- msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg := nats.NewMsg("ocpp.module.core")
	msg.Header.Set("Ocpp-Station", "CP001")
	msg.Data = []byte(`{}`)
	require.NoError(t, tc.Client.PublishMsg(ctx, msg))

	select {
	case m := <-got:
		assert.Equal(t, "CP001", m.Header.Get("Ocpp-Station"))
		assert.Equal(t, "{}", string(m.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_QueueGroupDeliversOnce(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	var a, b atomic.Int32
	subA, err := tc.Client.SubscribeMsg(ctx, "work", "grp", func(context.Context, *nats.Msg) { a.Add(1) })
	require.NoError(t, err)
	defer subA.Unsubscribe()
	subB, err := tc.Client.SubscribeMsg(ctx, "work", "grp", func(context.Context, *nats.Msg) { b.Add(1) })
	require.NoError(t, err)
	defer subB.Unsubscribe()

	for i := 0; i < 20; i++ {
		require.NoError(t, tc.Client.PublishMsg(ctx, &nats.Msg{Subject: "work", Data: []byte("x")}))
	}
	require.NoError(t, tc.Client.Flush(ctx))

	assert.Eventually(t, func() bool { return a.Load()+b.Load() == 20 }, 5*time.Second, 20*time.Millisecond)
}

func TestIntegration_KVStore(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("subs"))
	ctx := context.Background()

	bucket, err := tc.Client.GetKeyValueBucket(ctx, "subs")
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.Create(ctx, "k1", []byte(`{"a":1}`))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "k1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrKVKeyExists)
	assert.True(t, IsKVConflictError(err))

	entry, err := kv.Get(ctx, "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(entry.Value))
	assert.Equal(t, rev, entry.Revision)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, keys)

	require.NoError(t, kv.Delete(ctx, "k1"))
	require.NoError(t, kv.Delete(ctx, "k1"))
}
