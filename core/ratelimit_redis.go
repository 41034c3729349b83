package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisWindow Redis 有序集合实现的共享滑动窗口
// 多实例部署时所有网关看到同一份计数；Redis 不可用时放行（fail open），
// 限流是保护层，不能成为单点
type RedisWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

// NewRedisWindow 创建共享限流器，url 形如 redis://host:port/0
func NewRedisWindow(url string, limit int, window time.Duration, logger *logrus.Logger) (*RedisWindow, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisWindow{
		client: redis.NewClient(opts),
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Allow 一个 pipeline 内完成：清过期成员、加本次、计数、续期
// 成员值带 uuid 后缀，避免同一毫秒的请求互相覆盖
func (l *RedisWindow) Allow(ctx context.Context, id string) (bool, int) {
	now := l.now()
	key := "ratelimit:" + id
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])
	cutoff := now.Add(-l.window).UnixNano()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, l.window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warnf("redis rate limiter unavailable, failing open: %v", err)
		return true, l.limit
	}

	count := int(card.Val())
	if count > l.limit {
		// 本次已入集合但超额，回滚这条避免拒绝的请求占窗口
		l.client.ZRem(ctx, key, member)
		return false, 0
	}
	return true, l.limit - count
}

// Close 释放 Redis 连接
func (l *RedisWindow) Close() error {
	return l.client.Close()
}
