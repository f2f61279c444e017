package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/metric"
	"github.com/c360/ocpprouter/pkg/cache"
)

// Route is the result of resolving an upgrade path
type Route struct {
	// TenantID is set when a static mapping matched
	TenantID string
	// LookupKey is set instead of TenantID when the tenant must be fetched
	// from a TenantRepository
	LookupKey string
	StationID string
	Prefix    string
}

// MaxStationIDLength bounds the station identifier, matching the OCPP
// chargeBoxIdentity field.
const MaxStationIDLength = 48

// ResolveTenant maps a WebSocket path to a tenant and station identifier.
// The identifier is the last path segment; the rest is the prefix.
//
// Non-root static mappings are tried first, longest prefix wins. With
// dynamic resolution the first prefix segment becomes a repository lookup
// key. A "/" mapping is the fallback.
func ResolveTenant(path string, cfg config.TenancyConfig) (Route, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return Route{}, errors.WrapInvalid(errors.ErrInvalidData, "connection", "ResolveTenant", "find station identifier")
	}

	segments := strings.Split(trimmed, "/")
	station, err := url.PathUnescape(segments[len(segments)-1])
	if err != nil || strings.TrimSpace(station) == "" {
		return Route{}, errors.WrapInvalid(errors.ErrInvalidData, "connection", "ResolveTenant",
			fmt.Sprintf("decode station identifier %q", segments[len(segments)-1]))
	}
	if utf8.RuneCountInString(station) > MaxStationIDLength || strings.IndexFunc(station, unicode.IsControl) >= 0 {
		return Route{}, errors.WrapInvalid(errors.ErrInvalidData, "connection", "ResolveTenant",
			fmt.Sprintf("station identifier %q", station))
	}
	prefixSegments := segments[:len(segments)-1]
	prefix := "/" + strings.Join(prefixSegments, "/")

	best, bestTenant := "", ""
	for key, tenant := range cfg.PathMapping {
		k := config.NormalizePrefix(key)
		if k == "/" {
			continue
		}
		if (prefix == k || strings.HasPrefix(prefix, k+"/")) && len(k) > len(best) {
			best, bestTenant = k, tenant
		}
	}
	if best != "" {
		return Route{TenantID: bestTenant, StationID: station, Prefix: prefix}, nil
	}

	if cfg.DynamicResolution && len(prefixSegments) > 0 {
		return Route{LookupKey: prefixSegments[0], StationID: station, Prefix: prefix}, nil
	}

	for key, tenant := range cfg.PathMapping {
		if config.NormalizePrefix(key) == "/" {
			return Route{TenantID: tenant, StationID: station, Prefix: prefix}, nil
		}
	}
	return Route{}, errors.WrapInvalid(errors.ErrTenantNotFound, "connection", "ResolveTenant", "match "+prefix)
}

// TenantRepository resolves a path segment to a tenant id. It returns
// errors.ErrTenantNotFound when the segment is unknown.
type TenantRepository interface {
	Resolve(ctx context.Context, pathSegment string) (string, error)
}

// tenantResolver caches repository lookups, including misses
type tenantResolver struct {
	repo   TenantRepository
	cache  *cache.TTL[string]
	logger *slog.Logger
}

const unknownTenant = "\x00"

func newTenantResolver(ctx context.Context, repo TenantRepository, ttl time.Duration,
	registrar metric.MetricsRegistrar, logger *slog.Logger) (*tenantResolver, error) {
	var opts []cache.Option
	if registrar != nil {
		opts = append(opts, cache.WithMetrics(registrar, "tenants"))
	}
	c, err := cache.NewTTL[string](ctx, ttl, ttl, opts...)
	if err != nil {
		return nil, err
	}
	return &tenantResolver{repo: repo, cache: c, logger: logger}, nil
}

func (r *tenantResolver) resolve(ctx context.Context, route Route) (string, error) {
	if route.LookupKey == "" {
		return route.TenantID, nil
	}
	if r == nil || r.repo == nil {
		return "", errors.WrapInvalid(errors.ErrTenantNotFound, "connection", "resolveTenant", "dynamic lookup without repository")
	}

	if tenant, ok := r.cache.Get(route.LookupKey); ok {
		if tenant == unknownTenant {
			return "", errors.WrapInvalid(errors.ErrTenantNotFound, "connection", "resolveTenant", "lookup "+route.LookupKey)
		}
		return tenant, nil
	}

	tenant, err := r.repo.Resolve(ctx, route.LookupKey)
	switch {
	case errors.Is(err, errors.ErrTenantNotFound):
		_ = r.cache.Set(route.LookupKey, unknownTenant)
		return "", err
	case err != nil:
		return "", errors.WrapTransient(err, "connection", "resolveTenant", "lookup "+route.LookupKey)
	}
	_ = r.cache.Set(route.LookupKey, tenant)
	return tenant, nil
}

func (r *tenantResolver) close() {
	if r != nil {
		r.cache.Close()
	}
}
