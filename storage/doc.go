// Package storage holds the router's external repositories: tenants and
// station credentials in PostgreSQL (pgx) and per-station sequence counters
// in Redis.
//
// PostgresTenants backs dynamic tenant resolution and PostgresAuthenticator
// backs auth mode "postgres". StaticAuthenticator serves mode "static" from
// the configuration file and AllowAll serves mode "none".
package storage
