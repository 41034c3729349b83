package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWindow(limit int, window time.Duration) (*SlidingWindow, *time.Time) {
	l := NewSlidingWindow(limit, window, testLogger())
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestWindowAdmitsUpToLimit(t *testing.T) {
	l, _ := newTestWindow(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow(ctx, "ip:1.2.3.4")
		assert.True(t, ok, "request %d within limit must pass", i+1)
	}

	ok, remaining := l.Allow(ctx, "ip:1.2.3.4")
	assert.False(t, ok)
	assert.Equal(t, 0, remaining)
}

func TestWindowSlidesForward(t *testing.T) {
	l, now := newTestWindow(2, time.Minute)
	ctx := context.Background()

	l.Allow(ctx, "u")
	*now = now.Add(30 * time.Second)
	l.Allow(ctx, "u")

	ok, _ := l.Allow(ctx, "u")
	require.False(t, ok)

	// 第一条滑出窗口后放出一个额度
	*now = now.Add(31 * time.Second)
	ok, _ = l.Allow(ctx, "u")
	assert.True(t, ok)
}

func TestWindowBoundaryHitExpires(t *testing.T) {
	l, now := newTestWindow(1, time.Minute)
	ctx := context.Background()

	l.Allow(ctx, "u")

	// 恰好等于窗口起点的命中按过期算
	*now = now.Add(time.Minute)
	ok, _ := l.Allow(ctx, "u")
	assert.True(t, ok)
}

func TestWindowIsolatesIdentifiers(t *testing.T) {
	l, _ := newTestWindow(1, time.Minute)
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "user:alice")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "user:alice")
	require.False(t, ok)

	// 其它身份不受影响
	ok, _ = l.Allow(ctx, "user:bob")
	assert.True(t, ok)
}

func TestRejectedRequestNotCounted(t *testing.T) {
	l, now := newTestWindow(1, time.Minute)
	ctx := context.Background()

	l.Allow(ctx, "u")
	for i := 0; i < 10; i++ {
		ok, _ := l.Allow(ctx, "u")
		require.False(t, ok)
	}

	// 被拒绝的请求不占窗口，首条过期后立刻恢复
	*now = now.Add(61 * time.Second)
	ok, _ := l.Allow(ctx, "u")
	assert.True(t, ok)
}

func TestSweepDropsIdleIdentifiers(t *testing.T) {
	l, now := newTestWindow(5, time.Minute)
	ctx := context.Background()

	l.Allow(ctx, "a")
	l.Allow(ctx, "b")
	assert.Len(t, l.hits, 2)

	*now = now.Add(2 * time.Minute)
	l.sweep()
	assert.Len(t, l.hits, 0)
}
