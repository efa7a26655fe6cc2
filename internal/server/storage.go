package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	errx "github.com/Capmap-core-v1/server/internal/core/error"
)

const storageTimeout = 2 * time.Second

// RedisStorage implements fiber.Storage on Redis so rate limits hold across replicas.
type RedisStorage struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStorage(rdb redis.UniversalClient, prefix string) *RedisStorage {
	return &RedisStorage{rdb: rdb, prefix: prefix}
}

func (s *RedisStorage) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errx.WrapRedis(err)
	}
	return b, nil
}

func (s *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	if key == "" || len(val) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	return errx.WrapRedis(s.rdb.Set(ctx, s.prefix+key, val, exp).Err())
}

func (s *RedisStorage) Delete(key string) error {
	if key == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	return errx.WrapRedis(s.rdb.Del(ctx, s.prefix+key).Err())
}

// Reset removes every key under the storage prefix.
func (s *RedisStorage) Reset() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*storageTimeout)
	defer cancel()

	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errx.WrapRedis(err)
	}
	if len(keys) == 0 {
		return nil
	}
	return errx.WrapRedis(s.rdb.Del(ctx, keys...).Err())
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStorage) Close() error {
	return nil
}

var _ fiber.Storage = (*RedisStorage)(nil)
