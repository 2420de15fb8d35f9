package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrTokenNotFound 令牌不存在或已被使用
var ErrTokenNotFound = errors.New("登录令牌无效或已过期")

// MagicLinkStore 魔法链接令牌存储
// 令牌一次性使用：兑换用 GETDEL，并发兑换只有一个能成功
type MagicLinkStore struct {
	client *redis.Client
}

func NewMagicLinkStore(client *redis.Client) *MagicLinkStore {
	return &MagicLinkStore{client: client}
}

func tokenKey(token string) string {
	return fmt.Sprintf("auth:magiclink:%s", token)
}

// Save 保存令牌 -> 邮箱映射，带过期时间
func (s *MagicLinkStore) Save(ctx context.Context, token, email string, ttl time.Duration) error {
	return s.client.Set(ctx, tokenKey(token), email, ttl).Err()
}

// Redeem 兑换令牌，返回对应邮箱并删除令牌
func (s *MagicLinkStore) Redeem(ctx context.Context, token string) (string, error) {
	email, err := s.client.GetDel(ctx, tokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrTokenNotFound
		}
		return "", err
	}
	return email, nil
}
