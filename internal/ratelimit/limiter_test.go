package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucket_TryConsume(t *testing.T) {
	bucket := NewBucket(Config{RequestsPerSecond: 10, BurstSize: 5, Enabled: true})

	for i := 0; i < 5; i++ {
		require.True(t, bucket.TryConsume(1).Allowed, "request %d should be allowed", i)
	}

	decision := bucket.TryConsume(1)
	require.False(t, decision.Allowed)
	require.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestBucket_Refill(t *testing.T) {
	bucket := NewBucket(Config{RequestsPerSecond: 100, BurstSize: 2, Enabled: true})

	bucket.TryConsume(1)
	bucket.TryConsume(1)
	require.False(t, bucket.TryConsume(1).Allowed)

	time.Sleep(50 * time.Millisecond)

	require.True(t, bucket.TryConsume(1).Allowed)
}

func TestBucket_Tokens(t *testing.T) {
	bucket := NewBucket(Config{RequestsPerSecond: 10, BurstSize: 5, Enabled: true})

	require.Equal(t, 5.0, bucket.Tokens())

	bucket.TryConsume(1)
	assert.Less(t, bucket.Tokens(), 5.0)
}

func TestBucket_ZeroConfig_UsesDefaults(t *testing.T) {
	bucket := NewBucket(Config{Enabled: true})

	require.True(t, bucket.TryConsume(1).Allowed)
	tokens := bucket.Tokens()
	require.Greater(t, tokens, 0.0)
	require.InDelta(t, 19, tokens, 5)
}

func TestLimiter_TryConsume_PerSession(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 10, BurstSize: 3, Enabled: true})

	for i := 0; i < 3; i++ {
		require.True(t, limiter.TryConsume("session-1", "default", 1).Allowed, "request %d", i)
	}
	require.False(t, limiter.TryConsume("session-1", "default", 1).Allowed)

	// A different session is independent.
	require.True(t, limiter.TryConsume("session-2", "default", 1).Allowed)
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: false})

	for i := 0; i < 50; i++ {
		require.True(t, limiter.TryConsume("session-1", "default", 1).Allowed)
	}
}

func TestLimiter_GroupOverlay(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 10, BurstSize: 100, Enabled: true})
	limiter.SetGroupConfig("tight", Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})

	require.True(t, limiter.TryConsume("session-tight", "tight", 1).Allowed)
	require.False(t, limiter.TryConsume("session-tight", "tight", 1).Allowed)

	// A default-group session is unaffected by the tight overlay.
	require.True(t, limiter.TryConsume("session-default", "default", 1).Allowed)

	limiter.RemoveGroupConfig("tight")
	require.Equal(t, limiter.defaultConfig, limiter.configFor("tight"))
}

func TestLimiter_ResetSession(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 10, BurstSize: 2, Enabled: true})

	limiter.TryConsume("session-1", "default", 1)
	limiter.TryConsume("session-1", "default", 1)
	require.False(t, limiter.TryConsume("session-1", "default", 1).Allowed)

	limiter.ResetSession("session-1")
	require.True(t, limiter.TryConsume("session-1", "default", 1).Allowed)
}

func TestLimiter_Cleanup(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 10, BurstSize: 2, Enabled: true})

	limiter.TryConsume("keep", "default", 1)
	limiter.TryConsume("drop", "default", 1)

	limiter.Cleanup(map[string]struct{}{"keep": {}})

	limiter.mu.RLock()
	_, keptExists := limiter.buckets["keep"]
	_, droppedExists := limiter.buckets["drop"]
	limiter.mu.RUnlock()

	require.True(t, keptExists)
	require.False(t, droppedExists)
}

func TestCompositeKey(t *testing.T) {
	key := CompositeKey("channel", "telegram", "user", "12345")
	require.Equal(t, "channel:telegram:user:12345", key)
}

func TestLimiter_ManyKeys_PrunesInactive(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 10, BurstSize: 3, Enabled: true})

	keyCount := 10001
	for i := 0; i < keyCount; i++ {
		key := fmt.Sprintf("session-%d", i)
		for j := 0; j < 3; j++ {
			limiter.TryConsume(key, "default", 1)
		}
	}

	require.True(t, limiter.TryConsume("brand-new-session", "default", 1).Allowed)
}

func TestLimiter_ConcurrentConsume(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1000, BurstSize: 1000, Enabled: true})

	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			limiter.TryConsume(fmt.Sprintf("session-%d", n%5), "default", 1)
		}(i)
	}
	for i := 0; i < 50; i++ {
		<-done
	}
}
