package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(threshold int, recovery time.Duration) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker("test", threshold, recovery)
	now := time.Now()
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerHalfOpenAfterRecoveryWindow(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	cb.RecordFailure()
	assert.False(t, cb.Allow())

	// 窗口未满仍然拦截
	*now = now.Add(59 * time.Second)
	assert.False(t, cb.Allow())

	*now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestHalfOpenClosesOnFirstSuccess(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	cb.RecordFailure()
	*now = now.Add(61 * time.Second)
	assert.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.FailureCount())
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	cb.RecordFailure()
	*now = now.Add(61 * time.Second)
	assert.True(t, cb.Allow())

	// 试探失败重新打开，且恢复计时从头算
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	*now = now.Add(59 * time.Second)
	assert.False(t, cb.Allow())
	*now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	// 清零后需要重新累计满阈值才会打开
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
}

func TestRegistryReusesBreakerPerService(t *testing.T) {
	r := NewBreakerRegistry(5, time.Minute, testLogger())
	a := r.Get("svc-a")
	assert.Same(t, a, r.Get("svc-a"))
	assert.NotSame(t, a, r.Get("svc-b"))

	states := r.States()
	assert.Equal(t, "closed", states["svc-a"])
	assert.Equal(t, "closed", states["svc-b"])
}
