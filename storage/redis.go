package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/errors"
)

// Incrementer is the subset of redis.Cmdable RedisSequences needs
type Incrementer interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// NewRedisClient connects and pings the configured server
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "storage", "NewRedisClient", "ping "+cfg.Addr)
	}
	return client, nil
}

// RedisSequences hands out per-station counters such as requestId values.
// Counters are shared by every router and module instance using the server.
type RedisSequences struct {
	client Incrementer
}

// NewRedisSequences returns a sequence repository over client
func NewRedisSequences(client Incrementer) *RedisSequences {
	return &RedisSequences{client: client}
}

// Next increments and returns the counter for (tenant, station, type). The
// first value is 1.
func (s *RedisSequences) Next(ctx context.Context, tenantID, stationID, sequenceType string) (int64, error) {
	n, err := s.client.Incr(ctx, SequenceKey(tenantID, stationID, sequenceType)).Result()
	if err != nil {
		return 0, errors.WrapTransient(err, "RedisSequences", "Next", "incr "+sequenceType)
	}
	return n, nil
}

// SequenceKey is the redis key holding one counter
func SequenceKey(tenantID, stationID, sequenceType string) string {
	return fmt.Sprintf("seq:%s:%s:%s", tenantID, stationID, sequenceType)
}
