package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Limiter 入口限流接口
// Allow 返回是否放行及窗口内剩余额度
type Limiter interface {
	Allow(ctx context.Context, id string) (bool, int)
}

// SlidingWindow 进程内滑动窗口限流器
// 每个身份标识保留窗口内的命中时间戳，判定时先剪掉过期的；
// 边界请求（恰好等于窗口起点）算过期
type SlidingWindow struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

// NewSlidingWindow 创建限流器
func NewSlidingWindow(limit int, window time.Duration, logger *logrus.Logger) *SlidingWindow {
	return &SlidingWindow{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// Allow 判定 id 的本次请求是否放行
// 放行的请求立即计入窗口；被拒绝的请求不计入
func (l *SlidingWindow) Allow(_ context.Context, id string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.hits[id][:0]
	for _, t := range l.hits[id] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.hits[id] = kept
		return false, 0
	}

	l.hits[id] = append(kept, now)
	return true, l.limit - len(l.hits[id])
}

// Janitor 周期清理长时间没有流量的身份，防止 map 无限增长
func (l *SlidingWindow) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *SlidingWindow) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for id, ts := range l.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(l.hits, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debugf("rate limiter swept %d idle identifiers", removed)
	}
}
