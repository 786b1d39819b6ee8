package journal

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces journal keys.
const DefaultRedisPrefix = "importer:journal"

// RedisJournal keeps each stream in a Redis list "<prefix>:<stream>" and the
// imported-target index in the set "<prefix>:index".
type RedisJournal struct {
	redis  *redis.Client
	prefix string
	owned  bool
}

// NewRedis creates a Redis-backed journal. The client stays owned by the
// caller; Close does not close it.
func NewRedis(client *redis.Client, prefix string) *RedisJournal {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisJournal{redis: client, prefix: prefix}
}

func (j *RedisJournal) streamKey(kind Kind) (string, error) {
	stream, err := kind.Stream()
	if err != nil {
		return "", err
	}
	return j.prefix + ":" + stream, nil
}

func (j *RedisJournal) indexKey() string {
	return j.prefix + ":index"
}

// Append implements Journal.
func (j *RedisJournal) Append(ctx context.Context, kind Kind, record any) error {
	key, err := j.streamKey(kind)
	if err != nil {
		appendErrorsTotal.WithLabelValues(string(kind)).Inc()
		return err
	}
	line, err := encode(kind, record)
	if err != nil {
		appendErrorsTotal.WithLabelValues(string(kind)).Inc()
		return err
	}

	pipe := j.redis.TxPipeline()
	pipe.RPush(ctx, key, line)
	if kind == KindImportedTarget {
		pipe.SAdd(ctx, j.indexKey(), line)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		appendErrorsTotal.WithLabelValues(string(kind)).Inc()
		return fmt.Errorf("redis append %s: %w", kind, err)
	}

	appendsTotal.WithLabelValues(string(kind)).Inc()
	return nil
}

// Imported implements Journal.
func (j *RedisJournal) Imported(ctx context.Context, key string) (bool, error) {
	ok, err := j.redis.SIsMember(ctx, j.indexKey(), key).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

// Records implements Journal.
func (j *RedisJournal) Records(ctx context.Context, kind Kind) ([]string, error) {
	key, err := j.streamKey(kind)
	if err != nil {
		return nil, err
	}
	lines, err := j.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	return lines, nil
}

// DialRedis connects to addr, verifies the connection and returns a journal
// that closes its client on Close.
func DialRedis(ctx context.Context, addr, prefix string) (*RedisJournal, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	j := NewRedis(client, prefix)
	j.owned = true
	return j, nil
}

// Close implements Journal.
func (j *RedisJournal) Close() error {
	if !j.owned {
		return nil
	}
	return j.redis.Close()
}
