package storage

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound 键不存在或已过期
var ErrKeyNotFound = errors.New("key not found")

// KVStore 通用键值存储接口
// 值为 JSON 序列化后的字节，限流、封禁、进度快照共用
// 实现只需保证单键操作的原子性，跨键事务由调用方自行加锁
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
