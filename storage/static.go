package storage

import (
	"context"

	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/connection"
)

type stationKey struct {
	tenant  string
	station string
}

// StaticAuthenticator accepts the stations listed in configuration
type StaticAuthenticator struct {
	hashes map[stationKey]string
}

var _ connection.Authenticator = (*StaticAuthenticator)(nil)

// NewStaticAuthenticator hashes the configured passwords once
func NewStaticAuthenticator(creds []config.StaticCredential) *StaticAuthenticator {
	a := &StaticAuthenticator{hashes: make(map[stationKey]string, len(creds))}
	for _, c := range creds {
		hash := ""
		if c.Password != "" {
			hash = HashSecret(c.Password)
		}
		a.hashes[stationKey{c.TenantID, c.StationID}] = hash
	}
	return a
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, identifier, tenantID string,
	creds connection.Credentials) (bool, error) {
	hash, ok := a.hashes[stationKey{tenantID, identifier}]
	if !ok {
		return false, nil
	}
	return checkCredentials(creds, hash, ""), nil
}

// AllowAll accepts every station
type AllowAll struct{}

func (AllowAll) Authenticate(context.Context, string, string, connection.Credentials) (bool, error) {
	return true, nil
}
