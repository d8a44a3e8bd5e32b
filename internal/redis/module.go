package redis

import (
	"github.com/redis/go-redis/v9"
	"github.com/serenitylabs/serenity/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewClient returns nil when no Redis address is configured. The webhook
// gate treats a nil client as "no fast-path cache" and relies on the
// durable idempotency table alone.
func NewClient(cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Info("redis disabled, idempotency fast-path cache off")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return client
}

var Module = fx.Module("redis",
	fx.Provide(NewClient),
)
