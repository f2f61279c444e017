package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/connection"
	"github.com/c360/ocpprouter/errors"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r.values))
	}
	for i, v := range r.values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case **string:
			if v == nil {
				*d = nil
			} else {
				s := v.(string)
				*d = &s
			}
		case *bool:
			*d = v.(bool)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

type fakeDB struct {
	rows  map[string]fakeRow
	args  [][]any
	execs []string
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	f.args = append(f.args, args)
	key := fmt.Sprint(args...)
	if row, ok := f.rows[key]; ok {
		return row
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestPostgresTenants_Resolve(t *testing.T) {
	db := &fakeDB{rows: map[string]fakeRow{
		"acme":   {values: []any{"tenant-acme"}},
		"broken": {err: fmt.Errorf("connection reset")},
	}}
	repo := NewPostgresTenants(db)
	ctx := context.Background()

	tenant, err := repo.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "tenant-acme", tenant)

	_, err = repo.Resolve(ctx, "nobody")
	assert.True(t, errors.Is(err, errors.ErrTenantNotFound))

	_, err = repo.Resolve(ctx, "broken")
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrTenantNotFound))
	assert.True(t, errors.IsTransient(err))
}

func TestPostgresAuthenticator(t *testing.T) {
	db := &fakeDB{rows: map[string]fakeRow{
		"acmeCP1":    {values: []any{HashSecret("s3cret"), nil, true}},
		"acmeCP2":    {values: []any{HashSecret("s3cret"), nil, false}},
		"acmeCP3":    {values: []any{nil, "CP3", true}},
		"acmeOPEN":   {values: []any{nil, nil, true}},
		"acmeBROKEN": {err: fmt.Errorf("timeout")},
	}}
	auth := NewPostgresAuthenticator(db, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		station string
		creds   connection.Credentials
		want    bool
		wantErr bool
	}{
		{"password ok", "CP1", connection.Credentials{Username: "CP1", Password: "s3cret"}, true, false},
		{"password wrong", "CP1", connection.Credentials{Username: "CP1", Password: "nope"}, false, false},
		{"no password presented", "CP1", connection.Credentials{}, false, false},
		{"inactive", "CP2", connection.Credentials{Username: "CP2", Password: "s3cret"}, false, false},
		{"cert cn matches", "CP3", connection.Credentials{ClientCertCN: "cp3"}, true, false},
		{"cert cn differs", "CP3", connection.Credentials{ClientCertCN: "CP4"}, false, false},
		{"password against cert-only", "CP3", connection.Credentials{Password: "x"}, false, false},
		{"open station", "OPEN", connection.Credentials{}, true, false},
		{"unknown station", "CP9", connection.Credentials{Password: "s3cret"}, false, false},
		{"backend error", "BROKEN", connection.Credentials{}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := auth.Authenticate(ctx, tt.station, "acme", tt.creds)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestMigrate(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, Migrate(context.Background(), db))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "create table if not exists stations")
}

func TestStaticAuthenticator(t *testing.T) {
	auth := NewStaticAuthenticator([]config.StaticCredential{
		{TenantID: "acme", StationID: "CP1", Password: "pw"},
		{TenantID: "acme", StationID: "CP2"},
	})
	ctx := context.Background()

	ok, err := auth.Authenticate(ctx, "CP1", "acme", connection.Credentials{Username: "CP1", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = auth.Authenticate(ctx, "CP1", "acme", connection.Credentials{Username: "CP1", Password: "bad"})
	assert.False(t, ok)

	ok, _ = auth.Authenticate(ctx, "CP1", "globex", connection.Credentials{Username: "CP1", Password: "pw"})
	assert.False(t, ok, "credentials are per tenant")

	ok, _ = auth.Authenticate(ctx, "CP2", "acme", connection.Credentials{})
	assert.True(t, ok)

	ok, _ = AllowAll{}.Authenticate(ctx, "any", "any", connection.Credentials{})
	assert.True(t, ok)
}

func TestConstantTimeEqualHex(t *testing.T) {
	h := HashSecret("abc")
	assert.Len(t, h, 64)
	assert.True(t, ConstantTimeEqualHex(h, HashSecret("abc")))
	assert.False(t, ConstantTimeEqualHex(h, HashSecret("abd")))
	assert.False(t, ConstantTimeEqualHex(h, "zz"))
	assert.False(t, ConstantTimeEqualHex(h, h[:10]))
}

type fakeRedis struct {
	counters map[string]int64
	err      error
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.counters[key]++
	return redis.NewIntResult(f.counters[key], nil)
}

func TestRedisSequences_Next(t *testing.T) {
	backend := &fakeRedis{counters: map[string]int64{}}
	seq := NewRedisSequences(backend)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := seq.Next(ctx, "acme", "CP1", "requestId")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := seq.Next(ctx, "acme", "CP2", "requestId")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, backend.counters, "seq:acme:CP1:requestId")

	backend.err = fmt.Errorf("redis down")
	_, err = seq.Next(ctx, "acme", "CP1", "requestId")
	assert.True(t, errors.IsTransient(err))
}
