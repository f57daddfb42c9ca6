package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisStoreKeyPrefix   = "syncstore:store:"
	redisStoreIndexKey    = "syncstore:stores"
	redisOperationTimeout = 5 * time.Second
)

// RedisStateBackend keeps each store snapshot under its own key and tracks
// the set of known store names in a separate index set.
type RedisStateBackend struct {
	client *redis.Client
}

func NewRedisStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisStateBackend{client: redis.NewClient(opts)}, nil
}

func (b *RedisStateBackend) Load(ctx context.Context, storeName string) (*StoreMetadata, error) {
	if b == nil || b.client == nil || !validStoreName(storeName) {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	payload, err := b.client.Get(ctx, redisStoreKeyPrefix+storeName).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta StoreMetadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, err
	}
	meta.normalize(storeName)
	return &meta, nil
}

func (b *RedisStateBackend) Save(ctx context.Context, storeName string, meta *StoreMetadata) error {
	if b == nil || b.client == nil || !validStoreName(storeName) || meta == nil {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, redisStoreKeyPrefix+storeName, payload, 0)
	pipe.SAdd(ctx, redisStoreIndexKey, storeName)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *RedisStateBackend) ListStores(ctx context.Context) ([]string, error) {
	if b == nil || b.client == nil {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	names, err := b.client.SMembers(ctx, redisStoreIndexKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (b *RedisStateBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
