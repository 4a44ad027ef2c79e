// Package cache は復号済み鍵素材のキャッシュストアを提供する。
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss はキーがキャッシュに存在しない場合のエラー。
// ミスは常に安全で、呼び出し側は権威ストレージへフォールスルーする。
var ErrCacheMiss = errors.New("cache miss")

// Store はキャッシュストアのインターフェース。
// 実体のキャッシュプロセスなしでテストできるよう、KMSコアはこの抽象にのみ依存する。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
