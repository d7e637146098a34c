package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brandplot/brandplot-server/internal/xerrors"
)

// RedisClient is the subset of *redis.Client used by Redis.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis stores values as plain redis strings with native expiry.
type Redis struct {
	client RedisClient
}

// NewRedis wraps an existing client.
func NewRedis(client RedisClient) *Redis {
	return &Redis{client: client}
}

// DialRedis creates a client and checks the connection.
func DialRedis(ctx context.Context, opts RedisOptions) (*Redis, func() error, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, nil, xerrors.Wrapf(err, "connect to redis %s", opts.Addr)
	}
	return &Redis{client: c}, c.Close, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "redis get %s", key)
	}
	return b, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, reclaimTTL(ttl)).Err(); err != nil {
		return xerrors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return xerrors.Wrapf(err, "redis del %s", key)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "redis ping")
	}
	return nil
}
