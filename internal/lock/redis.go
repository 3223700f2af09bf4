package lock

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/billingcore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyPrefix = "billingcore:lock"

// NewClient dials redis when REDIS_ADDR is set. Without it the process runs
// with no distributed lock and no redis sink.
func NewClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Info("redis disabled; running without distributed locks")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

// ProvideLocker exposes the redis locker as a Locker, or nil without redis.
func ProvideLocker(client *redis.Client) Locker {
	if client == nil {
		return nil
	}
	return NewRedisLocker(client, keyPrefix)
}

var Module = fx.Module("lock",
	fx.Provide(NewClient),
	fx.Provide(ProvideLocker),
)
