package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a cross-process Locker built on SET NX PX with a token-checked release.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	retryEvery time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "hybrid-rag:lock:"
	}
	return &Redis{client: client, prefix: prefix, retryEvery: 50 * time.Millisecond}
}

func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (r *Redis) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	fullKey := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retryEvery)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, domain.WrapError(domain.ErrTemporary, "redis lock", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, domain.WrapError(domain.ErrTemporary, "redis lock", ctx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := releaseScript.Run(releaseCtx, r.client, []string{fullKey}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			slog.Warn("lock_release_failed", "key", key, "error", err)
		}
	}, nil
}
