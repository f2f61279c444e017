package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "OCPPROUTER"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// WithEnv replaces os.Getenv for overrides
func (l *Loader) WithEnv(getenv func(string) string) *Loader {
	l.getenv = getenv
	return l
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every file layer and environment overrides
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := checkNesting(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations converts duration strings ("50ms") to nanoseconds for the
// fields typed as time.Duration
func parseDurations(raw map[string]any) error {
	nats, ok := raw["nats"].(map[string]any)
	if !ok {
		return nil
	}
	retry, ok := nats["publish_retry"].(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{"initial_delay", "max_delay"} {
		if s, ok := retry[key].(string); ok {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("nats.publish_retry.%s: %w", key, err)
			}
			retry[key] = d.Nanoseconds()
		}
	}
	return nil
}

// mergeFromMap overlays only the fields present in override
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// path_mapping and routes are replaced wholesale so a file can remove the
// default root mapping.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if k != "path_mapping" && k != "routes" {
			if baseMap, ok := base[k].(map[string]any); ok {
				if overrideMap, ok := v.(map[string]any); ok {
					result[k] = deepMergeMaps(baseMap, overrideMap)
					continue
				}
			}
		}
		result[k] = v
	}
	return result
}

type envOverride struct {
	name  string
	apply func(cfg *Config, val string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		*dst(cfg) = val
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

func list(dst func(*Config) *[]string) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		parts := strings.Split(val, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst(cfg) = out
		return nil
	}
}

var envOverrides = []envOverride{
	{"SERVER_HOST", str(func(c *Config) *string { return &c.Server.Host })},
	{"SERVER_PORT", integer(func(c *Config) *int { return &c.Server.Port })},
	{"SERVER_PROTOCOLS", list(func(c *Config) *[]string { return &c.Server.Protocols })},
	{"PING_INTERVAL_SECONDS", integer(func(c *Config) *int { return &c.Server.PingIntervalSeconds })},
	{"MAX_CALL_LENGTH_SECONDS", integer(func(c *Config) *int { return &c.Server.MaxCallLengthSeconds })},
	{"MAX_CACHING_SECONDS", integer(func(c *Config) *int { return &c.Server.MaxCachingSeconds })},
	{"MAX_CONNECTIONS_PER_TENANT", integer(func(c *Config) *int { return &c.Server.MaxConnectionsPerTenant })},
	{"SECURITY_PROFILE", integer(func(c *Config) *int { return &c.Security.Profile })},
	{"TENANCY_DYNAMIC_RESOLUTION", boolean(func(c *Config) *bool { return &c.Tenancy.DynamicResolution })},
	{"AUTH_MODE", str(func(c *Config) *string { return &c.Auth.Mode })},
	{"NATS_URLS", list(func(c *Config) *[]string { return &c.NATS.URLs })},
	{"NATS_SUBJECT_PREFIX", str(func(c *Config) *string { return &c.NATS.SubjectPrefix })},
	{"NATS_INSTANCE_ID", str(func(c *Config) *string { return &c.NATS.InstanceID })},
	{"NATS_USERNAME", str(func(c *Config) *string { return &c.NATS.Username })},
	{"NATS_PASSWORD", str(func(c *Config) *string { return &c.NATS.Password })},
	{"NATS_TOKEN", str(func(c *Config) *string { return &c.NATS.Token })},
	{"WEBHOOKS_KV_BUCKET", str(func(c *Config) *string { return &c.Webhooks.KVBucket })},
	{"MANAGEMENT_ENABLED", boolean(func(c *Config) *bool { return &c.Management.Enabled })},
	{"MANAGEMENT_PORT", integer(func(c *Config) *int { return &c.Management.Port })},
	{"MANAGEMENT_JWT_SECRET", str(func(c *Config) *string { return &c.Management.JWTSecret })},
	{"METRICS_PORT", integer(func(c *Config) *int { return &c.Metrics.Port })},
	{"POSTGRES_URL", str(func(c *Config) *string { return &c.Postgres.URL })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Redis.Password })},
}

// applyEnvOverrides applies <prefix>_<NAME> environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		key := l.envPrefix + "_" + o.name
		val := l.getenv(key)
		if val == "" {
			continue
		}
		if err := checkEnvValue(key, val); err != nil {
			return err
		}
		if err := o.apply(cfg, val); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
