package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/errors"
)

func sub(id, tenant, station string) Subscription {
	return Subscription{ID: id, TenantID: tenant, StationID: station, URL: "http://hooks.local/" + id}
}

func TestSubscription_Validate(t *testing.T) {
	valid := sub("s1", "acme", "*")
	valid.OnConnect = true

	tests := []struct {
		name   string
		mutate func(*Subscription)
		ok     bool
	}{
		{"valid", func(*Subscription) {}, true},
		{"missing id", func(s *Subscription) { s.ID = "" }, false},
		{"missing tenant", func(s *Subscription) { s.TenantID = "" }, false},
		{"missing station", func(s *Subscription) { s.StationID = "" }, false},
		{"relative url", func(s *Subscription) { s.URL = "/hook" }, false},
		{"ftp url", func(s *Subscription) { s.URL = "ftp://x/y" }, false},
		{"no flags", func(s *Subscription) { s.OnConnect = false }, false},
		{"bad regex", func(s *Subscription) { s.MessageRegexFilter = "([" }, false},
		{"good regex", func(s *Subscription) { s.MessageRegexFilter = `"BootNotification"` }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidData))
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestRegistry_Match(t *testing.T) {
	connectAll := sub("a", "acme", Wildcard)
	connectAll.OnConnect = true

	cp1Messages := sub("b", "acme", "CP1")
	cp1Messages.OnMessage = true
	cp1Messages.MessageRegexFilter = `"(BootNotification|StatusNotification)"`

	cp1Sent := sub("c", "acme", "CP1")
	cp1Sent.SentMessage = true
	cp1Sent.OnClose = true

	other := sub("d", "globex", Wildcard)
	other.OnConnect = true

	r := NewRegistry(nil)
	require.NoError(t, r.Replace([]Subscription{connectAll, cp1Messages, cp1Sent, other}))

	ids := func(subs []Subscription) []string {
		out := make([]string, 0, len(subs))
		for _, s := range subs {
			out = append(out, s.ID)
		}
		return out
	}

	tests := []struct {
		name  string
		event Event
		want  []string
	}{
		{"connect wildcard", Event{Type: EventConnect, TenantID: "acme", StationID: "CP9"}, []string{"a"}},
		{"other tenant", Event{Type: EventConnect, TenantID: "globex", StationID: "CP1"}, []string{"d"}},
		{"close station", Event{Type: EventClose, TenantID: "acme", StationID: "CP1"}, []string{"c"}},
		{"message matches filter", Event{Type: EventMessage, TenantID: "acme", StationID: "CP1",
			Message: `[2,"1","BootNotification",{}]`}, []string{"b"}},
		{"message filtered out", Event{Type: EventMessage, TenantID: "acme", StationID: "CP1",
			Message: `[2,"1","Heartbeat",{}]`}, nil},
		{"sent message without filter", Event{Type: EventSentMessage, TenantID: "acme", StationID: "CP1",
			Message: `[3,"1",{}]`}, []string{"c"}},
		{"unknown tenant", Event{Type: EventConnect, TenantID: "nobody", StationID: "CP1"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, ids(r.Match(tt.event)))
		})
	}
}

func TestRegistry_ReplaceKeepsSnapshotOnError(t *testing.T) {
	good := sub("a", "acme", Wildcard)
	good.OnConnect = true
	bad := sub("b", "acme", Wildcard)
	bad.OnMessage = true
	bad.MessageRegexFilter = "(["

	r := NewRegistry(nil)
	require.NoError(t, r.Replace([]Subscription{good}))
	require.Error(t, r.Replace([]Subscription{good, bad}))

	assert.Len(t, r.List(""), 1)
	assert.Len(t, r.Match(Event{Type: EventConnect, TenantID: "acme", StationID: "CP1"}), 1)
}

func TestRegistry_SyncAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, s := range []Subscription{sub("2", "acme", "*"), sub("1", "acme", "CP1"), sub("3", "globex", "*")} {
		s.OnClose = true
		require.NoError(t, store.Create(ctx, s))
	}

	r := NewRegistry(nil)
	require.NoError(t, r.Sync(ctx, store))

	all := r.List("")
	require.Len(t, all, 3)
	assert.Equal(t, "1", all[0].ID)
	assert.Len(t, r.List("acme"), 2)

	require.NoError(t, store.Delete(ctx, "1"))
	err := store.Delete(ctx, "1")
	assert.True(t, errors.Is(err, errors.ErrKeyNotFound))

	require.NoError(t, r.Sync(ctx, store))
	assert.Len(t, r.List("acme"), 1)
}

func TestMemoryStore_RejectsInvalid(t *testing.T) {
	err := NewMemoryStore().Create(context.Background(), sub("x", "acme", "*"))
	assert.True(t, errors.IsInvalid(err))
}

func TestMemoryStore_CreateRejectsExistingID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first := sub("x", "acme", "*")
	first.OnConnect = true
	require.NoError(t, store.Create(ctx, first))

	second := sub("x", "globex", "CP1")
	second.OnClose = true
	err := store.Create(ctx, second)
	assert.True(t, errors.Is(err, errors.ErrKeyExists))

	listed, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "acme", listed[0].TenantID)
}

type hookServer struct {
	*httptest.Server
	mu     sync.Mutex
	events []Event
	got    chan struct{}
}

func newHookServer(t *testing.T, status int) *hookServer {
	t.Helper()
	h := &hookServer{got: make(chan struct{}, 100)}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var e Event
		if assert.NoError(t, json.Unmarshal(body, &e)) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			h.mu.Lock()
			h.events = append(h.events, e)
			h.mu.Unlock()
		}
		w.WriteHeader(status)
		h.got <- struct{}{}
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *hookServer) wait(t *testing.T, n int) []Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d webhook posts", i, n)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func TestNotifier_Delivers(t *testing.T) {
	hook := newHookServer(t, http.StatusNoContent)

	s := sub("s1", "acme", "CP1")
	s.URL = hook.URL
	s.OnConnect = true
	s.OnMessage = true

	r := NewRegistry(nil)
	require.NoError(t, r.Replace([]Subscription{s}))

	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := NewNotifier(r, config.Default().Webhooks, WithClock(func() time.Time { return fixed }))
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop(time.Second)

	n.Notify(Event{Type: EventConnect, TenantID: "acme", StationID: "CP1", SessionIndex: 7})
	n.Notify(Event{Type: EventClose, TenantID: "acme", StationID: "CP1"})
	n.Notify(Event{Type: EventMessage, TenantID: "acme", StationID: "CP1", Message: `[2,"1","Heartbeat",{}]`})

	events := hook.wait(t, 2)
	require.Len(t, events, 2)
	types := []EventType{events[0].Type, events[1].Type}
	assert.ElementsMatch(t, []EventType{EventConnect, EventMessage}, types)
	for _, e := range events {
		assert.Equal(t, "s1", e.SubscriptionID)
		assert.Equal(t, fixed, e.Timestamp)
	}
}

func TestNotifier_FailuresAreNotRetried(t *testing.T) {
	hook := newHookServer(t, http.StatusInternalServerError)

	s := sub("s1", "acme", "*")
	s.URL = hook.URL
	s.OnClose = true

	r := NewRegistry(nil)
	require.NoError(t, r.Replace([]Subscription{s}))

	n := NewNotifier(r, config.Default().Webhooks)
	require.NoError(t, n.Start(context.Background()))

	n.Notify(Event{Type: EventClose, TenantID: "acme", StationID: "CP1", Reason: "remote"})
	hook.wait(t, 1)
	require.NoError(t, n.Stop(time.Second))

	select {
	case <-hook.got:
		t.Fatal("failed delivery was retried")
	case <-time.After(100 * time.Millisecond):
	}
	stats := n.Stats()
	assert.Equal(t, int64(1), stats.Failed)
}

func TestNotifier_DropsWhenNotStarted(t *testing.T) {
	s := sub("s1", "acme", "*")
	s.OnConnect = true
	r := NewRegistry(nil)
	require.NoError(t, r.Replace([]Subscription{s}))

	n := NewNotifier(r, config.Default().Webhooks)
	n.Notify(Event{Type: EventConnect, TenantID: "acme", StationID: "CP1"})
	assert.Zero(t, n.Stats().Submitted)
}
