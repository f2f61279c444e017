package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/ocpp"
	"github.com/c360/ocpprouter/pkg/security"
)

// Station authentication modes
const (
	AuthModeNone     = "none"
	AuthModeStatic   = "static"
	AuthModePostgres = "postgres"
)

// Config is the complete router configuration
type Config struct {
	Server     ServerConfig      `json:"server" yaml:"server"`
	Tenancy    TenancyConfig     `json:"tenancy" yaml:"tenancy"`
	Security   security.Config   `json:"security,omitempty" yaml:"security,omitempty"`
	Auth       AuthConfig        `json:"auth" yaml:"auth"`
	NATS       NATSConfig        `json:"nats" yaml:"nats"`
	Routes     map[string]string `json:"routes,omitempty" yaml:"routes,omitempty"` // action -> module
	Webhooks   WebhookConfig     `json:"webhooks" yaml:"webhooks"`
	Management ManagementConfig  `json:"management" yaml:"management"`
	Metrics    MetricsConfig     `json:"metrics" yaml:"metrics"`
	Postgres   PostgresConfig    `json:"postgres,omitempty" yaml:"postgres,omitempty"`
	Redis      RedisConfig       `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// ServerConfig configures the station-facing WebSocket server
type ServerConfig struct {
	Host                    string   `json:"host" yaml:"host"`
	Port                    int      `json:"port" yaml:"port"`
	Protocols               []string `json:"protocols" yaml:"protocols"`
	PingIntervalSeconds     int      `json:"ping_interval_seconds" yaml:"ping_interval_seconds"`
	MissedPingThreshold     int      `json:"missed_ping_threshold" yaml:"missed_ping_threshold"`
	MaxCallLengthSeconds    int      `json:"max_call_length_seconds" yaml:"max_call_length_seconds"`
	MaxCachingSeconds       int      `json:"max_caching_seconds" yaml:"max_caching_seconds"`
	MaxConnectionsPerTenant int      `json:"max_connections_per_tenant" yaml:"max_connections_per_tenant"` // 0 = unlimited
	DrainTimeoutSeconds     int      `json:"drain_timeout_seconds" yaml:"drain_timeout_seconds"`
	ReadLimitBytes          int64    `json:"read_limit_bytes" yaml:"read_limit_bytes"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// PingInterval returns the WebSocket ping period
func (s ServerConfig) PingInterval() time.Duration { return seconds(s.PingIntervalSeconds) }

// MaxCallLength returns the default per-call timeout
func (s ServerConfig) MaxCallLength() time.Duration { return seconds(s.MaxCallLengthSeconds) }

// MaxCaching returns how long tenant lookups are cached
func (s ServerConfig) MaxCaching() time.Duration { return seconds(s.MaxCachingSeconds) }

// DrainTimeout bounds graceful shutdown
func (s ServerConfig) DrainTimeout() time.Duration { return seconds(s.DrainTimeoutSeconds) }

// Versions returns the parsed protocol list, preferred first
func (s ServerConfig) Versions() []ocpp.Version {
	out := make([]ocpp.Version, 0, len(s.Protocols))
	for _, p := range s.Protocols {
		if v, err := ocpp.ParseVersion(p); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// TenancyConfig maps WebSocket paths to tenants. Keys of PathMapping are path
// prefixes ("/", "/acme"); the station identifier is always the last segment.
type TenancyConfig struct {
	PathMapping       map[string]string `json:"path_mapping" yaml:"path_mapping"`
	DynamicResolution bool              `json:"dynamic_resolution" yaml:"dynamic_resolution"`
}

// AuthConfig selects how stations are authenticated
type AuthConfig struct {
	Mode     string             `json:"mode" yaml:"mode"`
	Stations []StaticCredential `json:"stations,omitempty" yaml:"stations,omitempty"`
}

// StaticCredential is one station's password for AuthModeStatic
type StaticCredential struct {
	TenantID  string `json:"tenant_id" yaml:"tenant_id"`
	StationID string `json:"station_id" yaml:"station_id"`
	Password  string `json:"password" yaml:"password"`
}

// NATSConfig configures the broker connection
type NATSConfig struct {
	URLs          []string           `json:"urls" yaml:"urls"`
	SubjectPrefix string             `json:"subject_prefix" yaml:"subject_prefix"`
	InstanceID    string             `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	MaxReconnects int                `json:"max_reconnects" yaml:"max_reconnects"`
	Username      string             `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string             `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string             `json:"token,omitempty" yaml:"token,omitempty"`
	PublishRetry  errors.RetryConfig `json:"publish_retry" yaml:"publish_retry"`
}

// URL returns the comma-joined server list nats.Connect expects
func (n NATSConfig) URL() string { return strings.Join(n.URLs, ",") }

// WebhookConfig configures subscription delivery
type WebhookConfig struct {
	Workers        int    `json:"workers" yaml:"workers"`
	QueueSize      int    `json:"queue_size" yaml:"queue_size"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	KVBucket       string `json:"kv_bucket,omitempty" yaml:"kv_bucket,omitempty"` // empty = in-memory store
}

// Timeout returns the HTTP timeout per delivery
func (w WebhookConfig) Timeout() time.Duration { return seconds(w.TimeoutSeconds) }

// ManagementConfig configures the management REST API
type ManagementConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Port      int    `json:"port" yaml:"port"`
	JWTSecret string `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// PostgresConfig configures the tenant and station repository
type PostgresConfig struct {
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	MaxConns int32  `json:"max_conns,omitempty" yaml:"max_conns,omitempty"`
}

// RedisConfig configures the sequence repository. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

// Default returns the configuration used before any file or env layer
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8092,
			Protocols:            []string{string(ocpp.V16), string(ocpp.V201)},
			PingIntervalSeconds:  60,
			MissedPingThreshold:  2,
			MaxCallLengthSeconds: 5,
			MaxCachingSeconds:    10,
			DrainTimeoutSeconds:  10,
			ReadLimitBytes:       1 << 20,
		},
		Tenancy: TenancyConfig{
			PathMapping: map[string]string{"/": "default"},
		},
		Auth: AuthConfig{Mode: AuthModeNone},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			SubjectPrefix: "ocpp",
			MaxReconnects: -1,
			PublishRetry:  errors.DefaultRetryConfig(),
		},
		Webhooks: WebhookConfig{
			Workers:        4,
			QueueSize:      1000,
			TimeoutSeconds: 5,
		},
		Management: ManagementConfig{Port: 8093},
		Metrics:    MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns the configuration as JSON with secrets redacted
func (c *Config) String() string {
	redacted := c.Clone()
	for _, s := range []*string{
		&redacted.NATS.Password, &redacted.NATS.Token, &redacted.Management.JWTSecret, &redacted.Redis.Password,
	} {
		if *s != "" {
			*s = "***"
		}
	}
	for i := range redacted.Auth.Stations {
		redacted.Auth.Stations[i].Password = "***"
	}
	if u, err := url.Parse(redacted.Postgres.URL); err == nil && u.User != nil {
		u.User = url.User(u.User.Username())
		redacted.Postgres.URL = u.String()
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the configuration and normalizes path mapping keys
func (c *Config) Validate() error {
	s := c.Server
	if s.Port <= 0 || s.Port > 65535 {
		return invalid("server.port %d out of range", s.Port)
	}
	if len(s.Protocols) == 0 {
		return invalid("server.protocols is empty")
	}
	for _, p := range s.Protocols {
		if _, err := ocpp.ParseVersion(p); err != nil {
			return invalid("server.protocols: %v", err)
		}
	}
	if s.PingIntervalSeconds < 0 {
		return invalid("server.ping_interval_seconds must not be negative")
	}
	if s.MissedPingThreshold < 1 {
		return invalid("server.missed_ping_threshold must be at least 1")
	}
	if s.MaxCallLengthSeconds <= 0 {
		return invalid("server.max_call_length_seconds must be positive")
	}
	if s.MaxCachingSeconds < 0 || s.MaxConnectionsPerTenant < 0 || s.DrainTimeoutSeconds < 0 {
		return invalid("server limits must not be negative")
	}

	if err := c.validateTenancy(); err != nil {
		return err
	}
	if err := c.Security.Validate(); err != nil {
		return invalid("security: %v", err)
	}

	switch c.Auth.Mode {
	case AuthModeNone:
		if c.Security.RequiresBasicAuth() {
			return invalid("auth.mode %q cannot satisfy security profile %d", c.Auth.Mode, c.Security.Profile)
		}
	case AuthModeStatic:
		for i, st := range c.Auth.Stations {
			if st.TenantID == "" || st.StationID == "" {
				return invalid("auth.stations[%d] needs tenant_id and station_id", i)
			}
		}
	case AuthModePostgres:
		if c.Postgres.URL == "" {
			return invalid("auth.mode postgres requires postgres.url")
		}
	default:
		return invalid("auth.mode %q is not one of none, static, postgres", c.Auth.Mode)
	}

	if len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required")
	}
	if !isValidSubjectToken(c.NATS.SubjectPrefix) {
		return invalid("nats.subject_prefix %q is not a valid subject token", c.NATS.SubjectPrefix)
	}
	if c.NATS.InstanceID != "" && !isValidSubjectToken(c.NATS.InstanceID) {
		return invalid("nats.instance_id %q is not a valid subject token", c.NATS.InstanceID)
	}
	for action, module := range c.Routes {
		if action == "" || !isValidSubjectToken(module) {
			return invalid("routes: %q -> %q is not a valid route", action, module)
		}
	}

	if c.Webhooks.Workers <= 0 || c.Webhooks.QueueSize <= 0 || c.Webhooks.TimeoutSeconds <= 0 {
		return invalid("webhooks.workers, queue_size and timeout_seconds must be positive")
	}
	if c.Management.Enabled {
		if c.Management.Port <= 0 || c.Management.Port > 65535 {
			return invalid("management.port %d out of range", c.Management.Port)
		}
		if len(c.Management.JWTSecret) < 16 {
			return invalid("management.jwt_secret must be at least 16 characters")
		}
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || !strings.HasPrefix(c.Metrics.Path, "/")) {
		return invalid("metrics.port and metrics.path are required when metrics are enabled")
	}
	return nil
}

func (c *Config) validateTenancy() error {
	t := &c.Tenancy
	if len(t.PathMapping) == 0 && !t.DynamicResolution {
		return invalid("tenancy needs path_mapping or dynamic_resolution")
	}
	if t.DynamicResolution && c.Postgres.URL == "" {
		return invalid("tenancy.dynamic_resolution requires postgres.url")
	}

	normalized := make(map[string]string, len(t.PathMapping))
	for prefix, tenant := range t.PathMapping {
		if tenant == "" {
			return invalid("tenancy.path_mapping[%q] has an empty tenant", prefix)
		}
		key := NormalizePrefix(prefix)
		if _, dup := normalized[key]; dup {
			return invalid("tenancy.path_mapping has duplicate prefix %q", key)
		}
		normalized[key] = tenant
	}
	t.PathMapping = normalized
	return nil
}

// NormalizePrefix returns prefix with one leading slash and no trailing slash
func NormalizePrefix(prefix string) string {
	trimmed := strings.Trim(prefix, "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed
}

// isValidSubjectToken reports whether s can be used as one NATS subject token
func isValidSubjectToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}
