package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 场景：同一账户同时发起两次提取请求（网络抖动导致重复提交）。
// 余额扣减本身是条件原子更新不会超扣，但加锁能避免两次请求都
// 打到视觉模型产生重复计费和重复推理。
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：Lua 脚本保证"检查+删除"原子执行
//
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 【关键点】必须校验 value 再删除：
// A 超时后锁过期被 B 拿到，A 事后 Unlock 不能把 B 的锁删掉
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 便捷函数：按账户维度的提取锁
// ============================================================================

// RedisAccountLocker 按账户加锁的 Locker 实现
// 不同账户可以并发提取，同一账户串行（防止重复扣积分重复推理）
type RedisAccountLocker struct {
	client *redis.Client
}

func NewRedisAccountLocker(client *redis.Client) *RedisAccountLocker {
	return &RedisAccountLocker{client: client}
}

// LockAccount 获取账户级提取锁，返回解锁函数
func (f *RedisAccountLocker) LockAccount(ctx context.Context, accountID int64, holder string) (func(), error) {
	key := fmt.Sprintf("extract:lock:account:%d", accountID)
	l := NewDistributedLock(f.client, key, holder, 60*time.Second)

	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, err
	}

	return func() {
		_ = l.Unlock(context.Background())
	}, nil
}
