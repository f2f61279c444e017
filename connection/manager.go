package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/metric"
	"github.com/c360/ocpprouter/ocpp"
	"github.com/c360/ocpprouter/pkg/security"
	"github.com/c360/ocpprouter/pkg/tlsutil"
)

// Credentials are what a station presented during the upgrade
type Credentials struct {
	Username     string
	Password     string
	ClientCertCN string
}

// Authenticator decides whether a station may connect. An error means the
// decision could not be made and the upgrade is refused as unavailable.
type Authenticator interface {
	Authenticate(ctx context.Context, identifier, tenantID string, creds Credentials) (bool, error)
}

// FrameHandler processes decoded frames. HandleCall and HandleMalformed run
// on the connection's sequential worker; HandleReply runs on the read loop.
type FrameHandler interface {
	HandleCall(ctx context.Context, c *Conn, call *ocpp.Call)
	HandleReply(ctx context.Context, c *Conn, msg ocpp.Message)
	HandleMalformed(ctx context.Context, c *Conn, perr *ocpp.ProtocolError)
}

// Observer receives connection lifecycle and traffic events. Callbacks run
// synchronously and must not block.
type Observer interface {
	Connected(c *Conn)
	Closed(c *Conn, reason CloseReason)
	FrameReceived(c *Conn, frame []byte)
	FrameSent(c *Conn, frame []byte)
}

type connKey struct {
	tenant  string
	station string
}

// Option configures a Manager
type Option func(*Manager)

// WithAuthenticator sets the station authenticator. Without one every
// station that passes the security profile checks is accepted.
func WithAuthenticator(a Authenticator) Option {
	return func(m *Manager) { m.auth = a }
}

// WithTenantRepository enables dynamic tenant lookups
func WithTenantRepository(repo TenantRepository) Option {
	return func(m *Manager) { m.repo = repo }
}

// WithObserver adds an event observer
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the core metrics and the registrar used for cache metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.metrics = registry.CoreMetrics()
			m.registrar = registry
		}
	}
}

// Manager owns the live station connections of this process
type Manager struct {
	cfg      config.ServerConfig
	tenancy  config.TenancyConfig
	security security.Config

	handler   FrameHandler
	auth      Authenticator
	repo      TenantRepository
	resolver  *tenantResolver
	observers []Observer

	logger    *slog.Logger
	metrics   *metric.Metrics
	registrar metric.MetricsRegistrar
	upgrader  websocket.Upgrader
	versions  []ocpp.Version

	mu       sync.Mutex
	conns    map[connKey]*Conn
	count    map[string]int
	reserved map[string]int

	sessions atomic.Uint64
	draining atomic.Bool
}

// NewManager builds a Manager. SetHandler must be called before the Manager
// serves requests.
func NewManager(ctx context.Context, cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Manager", "NewManager", "check config")
	}
	m := &Manager{
		cfg:      cfg.Server,
		tenancy:  cfg.Tenancy,
		security: cfg.Security,
		logger:   slog.Default(),
		versions: cfg.Server.Versions(),
		conns:    make(map[connKey]*Conn),
		count:    make(map[string]int),
		reserved: make(map[string]int),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connection-manager")

	if m.repo != nil {
		resolver, err := newTenantResolver(ctx, m.repo, cfg.Server.MaxCaching(), m.registrar, m.logger)
		if err != nil {
			return nil, errors.WrapFatal(err, "Manager", "NewManager", "create tenant cache")
		}
		m.resolver = resolver
	}
	return m, nil
}

// SetHandler installs the frame handler
func (m *Manager) SetHandler(h FrameHandler) { m.handler = h }

// AddObserver registers an observer. Not safe once serving has begun.
func (m *Manager) AddObserver(o Observer) { m.observers = append(m.observers, o) }

func (m *Manager) reject(w http.ResponseWriter, r *http.Request, status int, reason string, err error) {
	m.metrics.RecordUpgradeRejected(reason)
	m.logger.Info("upgrade rejected", "path", r.URL.Path, "remote", r.RemoteAddr,
		"status", status, "reason", reason, "error", err)
	http.Error(w, http.StatusText(status), status)
}

// ServeHTTP accepts station upgrades
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.draining.Load() || m.handler == nil {
		m.reject(w, r, http.StatusServiceUnavailable, "draining", errors.ErrShuttingDown)
		return
	}
	ctx := r.Context()

	route, err := ResolveTenant(r.URL.Path, m.tenancy)
	if err != nil {
		m.reject(w, r, http.StatusNotFound, "tenant", err)
		return
	}
	tenantID, err := m.resolver.resolve(ctx, route)
	switch {
	case errors.Is(err, errors.ErrTenantNotFound):
		m.reject(w, r, http.StatusNotFound, "tenant", err)
		return
	case err != nil:
		m.reject(w, r, http.StatusServiceUnavailable, "tenant_lookup", err)
		return
	}

	protocol, ok := m.negotiate(r)
	if !ok {
		m.reject(w, r, http.StatusBadRequest, "subprotocol", nil)
		return
	}

	key := connKey{tenant: tenantID, station: route.StationID}
	reservation, ok := m.reserve(key)
	if !ok {
		m.reject(w, r, http.StatusTooManyRequests, "connection_limit", errors.ErrConnectionLimitExceeded)
		return
	}
	registered := false
	defer func() {
		if !registered {
			m.release(key.tenant, reservation)
		}
	}()

	creds, ok := m.credentials(r, route.StationID)
	if !ok {
		m.reject(w, r, http.StatusUnauthorized, "unauthenticated", errors.ErrUnauthenticated)
		return
	}
	if m.auth != nil {
		allowed, err := m.auth.Authenticate(ctx, route.StationID, tenantID, creds)
		if err != nil {
			m.reject(w, r, http.StatusServiceUnavailable, "auth_backend", err)
			return
		}
		if !allowed {
			m.reject(w, r, http.StatusUnauthorized, "unauthenticated", errors.ErrUnauthenticated)
			return
		}
	}

	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", string(protocol))
	ws, err := m.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already written the HTTP error
		m.metrics.RecordUpgradeRejected("handshake")
		m.logger.Debug("websocket handshake failed", "error", err)
		return
	}

	c := newConn(m, ws, tenantID, route.StationID, protocol)
	registered = true
	if !m.register(c, reservation) {
		m.metrics.RecordUpgradeRejected("connection_limit")
		c.logger.Info("upgrade rejected", "reason", "connection_limit",
			"error", errors.ErrConnectionLimitExceeded)
		_ = c.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit"))
		_ = ws.Close()
		c.cancel()
		return
	}

	m.metrics.RecordConnectionOpened(tenantID, string(protocol))
	c.logger.Info("station connected", "remote", c.remoteAddr)
	for _, o := range m.observers {
		o.Connected(c)
	}

	go c.processLoop(m.handler)
	go c.pingLoop(m.cfg.PingInterval())
	go c.readLoop(m.handler)
}

// negotiate picks the first offered subprotocol this server supports. With
// nothing offered the first configured protocol is used.
func (m *Manager) negotiate(r *http.Request) (ocpp.Version, bool) {
	offered := websocket.Subprotocols(r)
	if len(offered) == 0 {
		if len(m.versions) == 0 {
			return ocpp.V16, true
		}
		return m.versions[0], true
	}
	for _, p := range offered {
		v, err := ocpp.ParseVersion(p)
		if err != nil {
			continue
		}
		for _, supported := range m.versions {
			if v == supported {
				return v, true
			}
		}
	}
	return "", false
}

func (m *Manager) credentials(r *http.Request, identifier string) (Credentials, bool) {
	var creds Credentials
	if user, pass, ok := r.BasicAuth(); ok {
		creds.Username, creds.Password = user, pass
	}
	creds.ClientCertCN = tlsutil.PeerCommonName(r.TLS)

	switch {
	case m.security.RequiresBasicAuth():
		return creds, creds.Username != "" && creds.Username == identifier
	case m.security.RequiresClientCert():
		return creds, creds.ClientCertCN != "" && strings.EqualFold(creds.ClientCertCN, identifier)
	}
	return creds, true
}

// reserve claims a per-tenant connection slot. Replacing a live connection
// with the same key needs no slot.
func (m *Manager) reserve(k connKey) (bool, bool) {
	limit := m.cfg.MaxConnectionsPerTenant
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[k]; exists {
		return false, true
	}
	if limit > 0 && m.count[k.tenant]+m.reserved[k.tenant] >= limit {
		return false, false
	}
	m.reserved[k.tenant]++
	return true, true
}

func (m *Manager) release(tenant string, reservation bool) {
	if !reservation {
		return
	}
	m.mu.Lock()
	m.releaseLocked(tenant)
	m.mu.Unlock()
}

func (m *Manager) releaseLocked(tenant string) {
	m.reserved[tenant]--
	if m.reserved[tenant] <= 0 {
		delete(m.reserved, tenant)
	}
}

// register installs c, closing any connection it supersedes first. A
// connection admitted without a reservation was expected to replace a live
// session; if that session is already gone the tenant cap is checked again
// and register reports false when it is full.
func (m *Manager) register(c *Conn, reservation bool) bool {
	k := connKey{tenant: c.tenantID, station: c.identifier}
	limit := m.cfg.MaxConnectionsPerTenant
	superseded := false
	for {
		m.mu.Lock()
		old := m.conns[k]
		if old == nil {
			if !reservation && !superseded && limit > 0 &&
				m.count[k.tenant]+m.reserved[k.tenant] >= limit {
				m.mu.Unlock()
				return false
			}
			m.conns[k] = c
			m.count[k.tenant]++
			if reservation {
				m.releaseLocked(k.tenant)
			}
			m.mu.Unlock()
			return true
		}
		delete(m.conns, k)
		m.count[k.tenant]--
		m.mu.Unlock()
		superseded = true

		old.logger.Info("session superseded", "new_session", c.session)
		old.close(ReasonSuperseded)
	}
}

// closed is called once per connection from Conn.close
func (m *Manager) closed(c *Conn, reason CloseReason) {
	k := connKey{tenant: c.tenantID, station: c.identifier}
	m.mu.Lock()
	if m.conns[k] == c {
		delete(m.conns, k)
		m.count[k.tenant]--
		if m.count[k.tenant] <= 0 {
			delete(m.count, k.tenant)
		}
	}
	m.mu.Unlock()

	m.metrics.RecordConnectionClosed(c.tenantID, string(reason))
	c.logger.Info("station disconnected", "reason", string(reason))
	for _, o := range m.observers {
		o.Closed(c, reason)
	}
}

func (m *Manager) frameReceived(c *Conn, frame []byte) {
	for _, o := range m.observers {
		o.FrameReceived(c, frame)
	}
}

func (m *Manager) frameSent(c *Conn, frame []byte) {
	m.metrics.RecordFrameSent(string(c.protocol), frameType(frame))
	for _, o := range m.observers {
		o.FrameSent(c, frame)
	}
}

// frameType peeks at the message type id without decoding the payload
func frameType(frame []byte) string {
	for _, b := range frame {
		switch b {
		case '[', ' ', '\t', '\r', '\n':
			continue
		case '2':
			return ocpp.CallType.String()
		case '3':
			return ocpp.CallResultType.String()
		case '4':
			return ocpp.CallErrorType.String()
		}
		break
	}
	return "unknown"
}

func (m *Manager) livenessWindow() time.Duration {
	threshold := m.cfg.MissedPingThreshold
	if threshold <= 0 {
		threshold = 1
	}
	return m.cfg.PingInterval() * time.Duration(threshold)
}

// Get returns the live connection for a station
func (m *Manager) Get(tenantID, stationID string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connKey{tenant: tenantID, station: stationID}]
	return c, ok
}

// Transmit writes a frame to a station connected to this process
func (m *Manager) Transmit(tenantID, stationID string, frame []byte) error {
	c, ok := m.Get(tenantID, stationID)
	if !ok {
		return errors.WrapTransient(errors.ErrStationNotConnected, "Manager", "Transmit", "find "+tenantID+"/"+stationID)
	}
	return c.Send(frame)
}

// Connections lists live connections, all tenants when tenantID is empty
func (m *Manager) Connections(tenantID string) []Info {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for k, c := range m.conns {
		if tenantID == "" || k.tenant == tenantID {
			conns = append(conns, c)
		}
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out
}

// Count returns the number of live connections
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Disconnect force-closes a station. It reports whether one was connected.
func (m *Manager) Disconnect(tenantID, stationID string) bool {
	c, ok := m.Get(tenantID, stationID)
	if !ok {
		return false
	}
	c.close(ReasonKicked)
	return true
}

// Draining reports whether Shutdown has begun
func (m *Manager) Draining() bool { return m.draining.Load() }

// Shutdown stops accepting upgrades, asks every station to close and waits
// for them until ctx ends. Remaining sockets are then closed forcibly.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer m.resolver.close()

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.logger.Info("draining connections", "count", len(conns))
	for _, c := range conns {
		c.goingAway("shutdown")
	}

	forced := 0
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			c.close(ReasonShutdown)
			forced++
		}
	}
	if forced > 0 {
		m.logger.Warn("connections force-closed", "count", forced)
		return errors.WrapTransient(ctx.Err(), "Manager", "Shutdown", "drain connections")
	}
	return nil
}
