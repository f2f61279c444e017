package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/connection"
	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/health"
	"github.com/c360/ocpprouter/ocpp"
	"github.com/c360/ocpprouter/webhook"
)

const testSecret = "0123456789abcdef0123"

type fakeConns struct {
	mu           sync.Mutex
	infos        map[string][]connection.Info
	disconnected []string
}

func (f *fakeConns) Connections(tenantID string) []connection.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infos[tenantID]
}

func (f *fakeConns) Disconnect(tenantID, stationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, info := range f.infos[tenantID] {
		if info.Identifier == stationID {
			f.disconnected = append(f.disconnected, tenantID+"/"+stationID)
			return true
		}
	}
	return false
}

type sentCall struct {
	tenant, station, action string
	payload                 json.RawMessage
	timeout                 time.Duration
}

type fakeCaller struct {
	calls []sentCall
	reply json.RawMessage
	err   error
}

func (f *fakeCaller) SendCall(_ context.Context, tenantID, stationID, action string, payload any,
	timeout time.Duration) (json.RawMessage, error) {
	f.calls = append(f.calls, sentCall{tenantID, stationID, action, payload.(json.RawMessage), timeout})
	return f.reply, f.err
}

type fakeSequences struct{ n int64 }

func (f *fakeSequences) Next(context.Context, string, string, string) (int64, error) {
	f.n++
	return f.n, nil
}

type harness struct {
	srv      *httptest.Server
	conns    *fakeConns
	caller   *fakeCaller
	registry *webhook.Registry
	store    *webhook.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		conns: &fakeConns{infos: map[string][]connection.Info{
			"acme":   {{Identifier: "CP1", TenantID: "acme", Protocol: ocpp.V201}},
			"globex": {{Identifier: "G1", TenantID: "globex", Protocol: ocpp.V16}},
		}},
		caller:   &fakeCaller{reply: json.RawMessage(`{"status":"Accepted"}`)},
		registry: webhook.NewRegistry(nil),
		store:    webhook.NewMemoryStore(),
	}
	monitor := health.NewMonitor()
	monitor.UpdateHealthy("router", "ok")

	s := NewServer(config.ManagementConfig{Enabled: true, JWTSecret: testSecret}, h.conns,
		WithSubscriptions(h.registry, h.store),
		WithCaller(h.caller),
		WithSequences(&fakeSequences{}),
		WithHealth(monitor))
	h.srv = httptest.NewServer(s.Routes())
	t.Cleanup(h.srv.Close)
	return h
}

func token(t *testing.T, tenant string, role Role) string {
	t.Helper()
	tok, err := IssueToken([]byte(testSecret), tenant, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, tok string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, health.StateHealthy, body["status"])
}

func TestAuth(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/api/v1/connections", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/api/v1/connections", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrong, err := IssueToken([]byte("another-secret-value"), "acme", RoleAdmin, time.Hour)
	require.NoError(t, err)
	resp, _ = h.do(t, http.MethodGet, "/api/v1/connections", wrong, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := IssueToken([]byte(testSecret), "acme", RoleAdmin, -time.Minute)
	require.NoError(t, err)
	resp, _ = h.do(t, http.MethodGet, "/api/v1/connections", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/api/v1/connections/CP1", token(t, "acme", RoleViewer), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestParseToken_RejectsBadClaims(t *testing.T) {
	_, err := ParseToken("", []byte(testSecret))
	assert.Error(t, err)

	tok, err := IssueToken([]byte(testSecret), "", RoleAdmin, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(tok, []byte(testSecret))
	assert.ErrorContains(t, err, "tenant_id")

	tok, err = IssueToken([]byte(testSecret), "acme", Role("root"), time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(tok, []byte(testSecret))
	assert.ErrorContains(t, err, "role")
}

func TestConnections_TenantScoped(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/api/v1/connections?tenant=globex", token(t, "acme", RoleOperator), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conns := body["connections"].([]any)
	require.Len(t, conns, 1)
	assert.Equal(t, "CP1", conns[0].(map[string]any)["identifier"], "non-admins cannot switch tenant")

	_, body = h.do(t, http.MethodGet, "/api/v1/connections?tenant=globex", token(t, "acme", RoleAdmin), nil)
	conns = body["connections"].([]any)
	require.Len(t, conns, 1)
	assert.Equal(t, "G1", conns[0].(map[string]any)["identifier"])
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	tok := token(t, "acme", RoleOperator)

	resp, _ := h.do(t, http.MethodDelete, "/api/v1/connections/CP1", tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"acme/CP1"}, h.conns.disconnected)

	resp, _ = h.do(t, http.MethodDelete, "/api/v1/connections/G1", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscriptions_Lifecycle(t *testing.T) {
	h := newHarness(t)
	tok := token(t, "acme", RoleOperator)

	resp, created := h.do(t, http.MethodPost, "/api/v1/subscriptions", tok, map[string]any{
		"url": "https://hooks.example.com/ocpp", "onConnect": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	assert.NotEmpty(t, id)
	assert.Equal(t, "acme", created["tenantId"])
	assert.Equal(t, webhook.Wildcard, created["stationId"])

	matches := h.registry.Match(webhook.Event{Type: webhook.EventConnect, TenantID: "acme", StationID: "CP1"})
	require.Len(t, matches, 1, "registry is resynced after create")

	resp, _ = h.do(t, http.MethodPost, "/api/v1/subscriptions", tok, map[string]any{"url": "nope", "onClose": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, listed := h.do(t, http.MethodGet, "/api/v1/subscriptions", tok, nil)
	assert.Len(t, listed["subscriptions"].([]any), 1)
	_, listed = h.do(t, http.MethodGet, "/api/v1/subscriptions", token(t, "globex", RoleOperator), nil)
	assert.Empty(t, listed["subscriptions"].([]any))

	resp, _ = h.do(t, http.MethodDelete, "/api/v1/subscriptions/"+id, token(t, "globex", RoleOperator), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "other tenants cannot delete")

	resp, _ = h.do(t, http.MethodDelete, "/api/v1/subscriptions/"+id, tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, h.registry.List("acme"))
}

func TestSendCall(t *testing.T) {
	h := newHarness(t)
	tok := token(t, "acme", RoleOperator)

	resp, body := h.do(t, http.MethodPost, "/api/v1/stations/CP1/calls", tok, map[string]any{
		"action": "GetBaseReport", "payload": map[string]any{"reportBase": "FullInventory"},
		"assignRequestId": true, "timeoutSeconds": 3,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["requestId"])
	assert.Equal(t, map[string]any{"status": "Accepted"}, body["payload"])

	require.Len(t, h.caller.calls, 1)
	call := h.caller.calls[0]
	assert.Equal(t, "acme", call.tenant)
	assert.Equal(t, "CP1", call.station)
	assert.Equal(t, 3*time.Second, call.timeout)
	assert.JSONEq(t, `{"reportBase":"FullInventory","requestId":1}`, string(call.payload))

	resp, _ = h.do(t, http.MethodPost, "/api/v1/stations/CP1/calls", tok, map[string]any{"action": "BootNotification"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "station-initiated actions are rejected")
}

func TestSendCall_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"call error", ocpp.NewCallError("x", ocpp.ErrorNotSupported, "no"), http.StatusBadGateway, ocpp.ErrorNotSupported},
		{"busy", errors.ErrCallInProgress, http.StatusConflict, ""},
		{"timeout", errors.ErrCallTimeout, http.StatusGatewayTimeout, ""},
		{"offline", errors.ErrStationNotConnected, http.StatusNotFound, ""},
		{"broker", errors.WrapTransient(errors.ErrBrokerUnavailable, "Adapter", "Publish", "publish"),
			http.StatusServiceUnavailable, ""},
		{"other", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.caller.err = tt.err
			resp, body := h.do(t, http.MethodPost, "/api/v1/stations/CP1/calls", token(t, "acme", RoleOperator),
				map[string]any{"action": "Reset"})
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.code != "" {
				assert.Equal(t, tt.code, body["code"])
			}
		})
	}
}
