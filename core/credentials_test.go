package core

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestAcquireLeastUsed(t *testing.T) {
	pool := NewCredentialPool(testLogger())
	pool.Add("groq", []string{"sk-A", "sk-B"})

	// 第一次取到任意一把，用过之后下一次必须取另一把
	c1, ok := pool.Acquire("groq")
	require.True(t, ok)
	pool.MarkUsed(c1)

	c2, ok := pool.Acquire("groq")
	require.True(t, ok)
	assert.NotEqual(t, c1.Secret, c2.Secret)
}

func TestCooldownExcludesCredential(t *testing.T) {
	pool := NewCredentialPool(testLogger())
	pool.Add("groq", []string{"sk-A"})

	now := time.Now()
	pool.now = func() time.Time { return now }

	c, ok := pool.Acquire("groq")
	require.True(t, ok)

	pool.Cooldown(c, 60*time.Second)
	_, ok = pool.Acquire("groq")
	assert.False(t, ok, "cooling credential must not be acquirable")

	// 冷却窗口过后自动恢复
	now = now.Add(61 * time.Second)
	_, ok = pool.Acquire("groq")
	assert.True(t, ok)
}

func TestMarkDeadIsPermanent(t *testing.T) {
	pool := NewCredentialPool(testLogger())
	pool.Add("groq", []string{"sk-A", "sk-B"})

	c, ok := pool.Acquire("groq")
	require.True(t, ok)
	pool.MarkDead(c)

	for i := 0; i < 5; i++ {
		got, ok := pool.Acquire("groq")
		require.True(t, ok)
		assert.NotEqual(t, c.Secret, got.Secret)
	}
	assert.Equal(t, 1, pool.Available("groq"))
	assert.Equal(t, 2, pool.Size("groq"))
}

func TestAcquireUnknownProvider(t *testing.T) {
	pool := NewCredentialPool(testLogger())
	_, ok := pool.Acquire("nonexistent")
	assert.False(t, ok)
}

func TestAddSkipsEmptySecrets(t *testing.T) {
	pool := NewCredentialPool(testLogger())
	pool.Add("groq", []string{"", "sk-A", ""})
	assert.Equal(t, 1, pool.Size("groq"))
}
