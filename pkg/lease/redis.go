package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weftworks/weft/pkg/errdefs"
)

const scanBatch = 100

// RedisStore implements Store on a Redis instance. Per-key linearisability
// comes from Redis's single-threaded command execution; TTLs are native
// key expiries.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings the instance.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) InsertWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) UpdateWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ok, err := s.client.SetXX(ctx, key, value, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %s: %w", key, errdefs.ErrLeaseExpired)
	}
	return nil
}

func (s *RedisStore) GetOneByKeyGlob(ctx context.Context, pattern string) (*KV, error) {
	all, err := s.GetAllByKeyGlob(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("pattern %s: %w", pattern, errdefs.ErrNotFound)
	}
	return &all[0], nil
}

func (s *RedisStore) GetAllByKeyGlob(ctx context.Context, pattern string) ([]KV, error) {
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	items := make([]KV, 0, len(keys))
	for _, key := range keys {
		value, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			// Expired between scan and read.
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, KV{Key: key, Value: value})
	}
	return items, nil
}

func (s *RedisStore) DeleteByKeyGlob(ctx context.Context, pattern string) (int, error) {
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	deleted, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}

func (s *RedisStore) KeepAlive(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %s: %w", key, errdefs.ErrLeaseExpired)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
