package notify

import (
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/billingcore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type SinkParam struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

// ProvideSink always logs and also publishes when redis and a channel are
// configured.
func ProvideSink(p SinkParam) Sink {
	sinks := MultiSink{NewLogSink(p.Log)}
	channel := strings.TrimSpace(p.Config.RedisChannel)
	if p.Redis != nil && channel != "" {
		sinks = append(sinks, NewRedisSink(p.Redis, channel))
	}
	return sinks
}

var Module = fx.Module("notify",
	fx.Provide(ProvideSink),
)
