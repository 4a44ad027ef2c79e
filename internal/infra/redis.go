package infra

import (
	"github.com/redis/go-redis/v9"

	"tenant-kms/config"
	"tenant-kms/internal/cache"
)

// NewCacheStore はキャッシュストアを初期化する。REDIS_ADDRが設定されていれば
// Redisを使用し、未設定の場合はプロセス内キャッシュへフォールバックする。
func NewCacheStore(cfg *config.Config) cache.Store {
	if cfg.RedisAddr == "" {
		return cache.NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return cache.NewRedisStore(client)
}
