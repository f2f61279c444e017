package storage

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/connection"
	"github.com/c360/ocpprouter/errors"
)

// Schema creates the tables the router reads. Other services own the rows.
const Schema = `
create table if not exists tenants (
	tenant_id    text primary key,
	path_segment text not null unique,
	is_active    boolean not null default true,
	created_at   timestamptz not null default now()
);

create table if not exists stations (
	tenant_id     text not null references tenants(tenant_id),
	station_id    text not null,
	password_hash text,
	cert_cn       text,
	is_active     boolean not null default true,
	created_at    timestamptz not null default now(),
	primary key (tenant_id, station_id)
);
`

// Querier is the subset of *pgxpool.Pool the repositories use
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Connect opens a pool for cfg
func Connect(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "storage", "Connect", "parse postgres url")
	}
	pc.MaxConns = 10
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = 1
	pc.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errors.WrapTransient(err, "storage", "Connect", "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "storage", "Connect", "ping postgres")
	}
	return pool, nil
}

// Migrate applies Schema
func Migrate(ctx context.Context, db Querier) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return errors.WrapFatal(err, "storage", "Migrate", "apply schema")
	}
	return nil
}

// PostgresTenants resolves the first path segment of a station URL to a
// tenant through the tenants table
type PostgresTenants struct {
	db Querier
}

var _ connection.TenantRepository = (*PostgresTenants)(nil)

// NewPostgresTenants returns a repository over db
func NewPostgresTenants(db Querier) *PostgresTenants {
	return &PostgresTenants{db: db}
}

// Resolve returns the tenant whose path_segment is pathSegment. Unknown and
// inactive tenants yield errors.ErrTenantNotFound.
func (r *PostgresTenants) Resolve(ctx context.Context, pathSegment string) (string, error) {
	var tenantID string
	err := r.db.QueryRow(ctx, `
		select tenant_id from tenants
		where path_segment = $1 and is_active
	`, pathSegment).Scan(&tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errors.WrapInvalid(errors.ErrTenantNotFound, "PostgresTenants", "Resolve", "lookup "+pathSegment)
		}
		return "", errors.WrapTransient(err, "PostgresTenants", "Resolve", "query tenant")
	}
	return tenantID, nil
}

// PostgresAuthenticator checks station credentials against the stations
// table. Passwords are stored as hex SHA-256 digests.
type PostgresAuthenticator struct {
	db     Querier
	logger *slog.Logger
}

var _ connection.Authenticator = (*PostgresAuthenticator)(nil)

// NewPostgresAuthenticator returns an authenticator over db
func NewPostgresAuthenticator(db Querier, logger *slog.Logger) *PostgresAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresAuthenticator{db: db, logger: logger.With("component", "postgres-auth")}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, identifier, tenantID string,
	creds connection.Credentials) (bool, error) {
	var (
		hash   *string
		certCN *string
		active bool
	)
	err := a.db.QueryRow(ctx, `
		select password_hash, cert_cn, is_active from stations
		where tenant_id = $1 and station_id = $2
	`, tenantID, identifier).Scan(&hash, &certCN, &active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			a.logger.Debug("unknown station", "tenant_id", tenantID, "station_id", identifier)
			return false, nil
		}
		return false, errors.WrapTransient(err, "PostgresAuthenticator", "Authenticate", "query station")
	}
	if !active {
		return false, nil
	}
	return checkCredentials(creds, deref(hash), deref(certCN)), nil
}

// checkCredentials accepts a station whose presented credentials match what
// is stored. A station with nothing stored is accepted only when it presents
// nothing either.
func checkCredentials(creds connection.Credentials, passwordHash, certCN string) bool {
	switch {
	case creds.ClientCertCN != "":
		return certCN == "" || strings.EqualFold(certCN, creds.ClientCertCN)
	case creds.Password != "":
		return passwordHash != "" && ConstantTimeEqualHex(passwordHash, HashSecret(creds.Password))
	default:
		return passwordHash == "" && certCN == ""
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
