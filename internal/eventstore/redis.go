package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultRedisKey       = "alarmfeed:cache"
	redisOperationTimeout = 5 * time.Second
)

type redisCommander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStateBackend stores the snapshot under a single key. The key is taken
// from the DSN's key query parameter.
type RedisStateBackend struct {
	client redisCommander
	closer func() error
	key    string
}

func NewRedisStateBackend(dsn string) (*RedisStateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	connDSN, key := splitQueryParam(dsn, "key")
	if key == "" {
		key = defaultRedisKey
	}
	opts, err := redis.ParseURL(connDSN)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	return &RedisStateBackend{client: client, closer: client.Close, key: key}, nil
}

func (b *RedisStateBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()

	payload, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *RedisStateBackend) Save(snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.client.Set(ctx, b.key, payload, 0).Err()
}

func (b *RedisStateBackend) Clear() error {
	if b == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.client.Del(ctx, b.key).Err()
}

func (b *RedisStateBackend) Close() error {
	if b == nil || b.closer == nil {
		return nil
	}
	return b.closer()
}
