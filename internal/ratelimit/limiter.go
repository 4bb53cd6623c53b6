// Package ratelimit provides per-session token bucket rate limiting for
// tool invocations, with an optional per-group configuration overlay.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures token bucket behavior for a session or group.
type Config struct {
	// RequestsPerSecond is the steady-state refill rate.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the bucket capacity.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration applied to
// sessions whose group has no overlay entry.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         20,
		Enabled:           true,
	}
}

// Decision is the outcome of a consume attempt.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Bucket implements token bucket rate limiting. Refill uses time.Now's
// monotonic reading exclusively (via Sub), so a wall-clock adjustment
// (NTP step, manual clock set) never refunds or burns tokens: Go retains
// the monotonic component on values that are never serialized or
// rounded, and Sub/Before/After/Equal prefer it automatically.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a new token bucket from config.
func NewBucket(config Config) *Bucket {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10.0
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
	}

	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		lastRefill: time.Now(),
	}
}

// TryConsume attempts to take n tokens, returning whether it succeeded and,
// if not, how long the caller should wait before retrying.
func (b *Bucket) TryConsume(n float64) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= n {
		b.tokens -= n
		return Decision{Allowed: true}
	}

	needed := n - b.tokens
	wait := time.Duration(needed / b.refillRate * float64(time.Second))
	return Decision{Allowed: false, RetryAfter: wait}
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// refill adds tokens based on elapsed monotonic time. Must be called with
// the lock held.
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		// Sub returned a negative duration only if the monotonic reading
		// was stripped somewhere upstream; treat as no elapsed time
		// rather than let it refund tokens.
		elapsed = 0
	}
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Limiter manages one token bucket per session, with an optional
// per-group Config overlay that takes precedence over the default.
type Limiter struct {
	mu            sync.RWMutex
	buckets       map[string]*Bucket
	sessionGroup  map[string]string
	defaultConfig Config
	groupConfigs  map[string]Config
	maxKeys       int
}

// NewLimiter creates a new rate limiter using defaultConfig for any
// session whose group has no overlay entry.
func NewLimiter(defaultConfig Config) *Limiter {
	return &Limiter{
		buckets:       make(map[string]*Bucket),
		sessionGroup:  make(map[string]string),
		defaultConfig: defaultConfig,
		groupConfigs:  make(map[string]Config),
		maxKeys:       10000,
	}
}

// SetGroupConfig installs (or replaces) the overlay config for a group.
// Existing buckets for sessions already bound to that group are not
// retroactively resized; the new config applies to buckets created after
// the call.
func (l *Limiter) SetGroupConfig(group string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.groupConfigs[group] = cfg
}

// RemoveGroupConfig removes a group's overlay, reverting future buckets
// for that group to the default config.
func (l *Limiter) RemoveGroupConfig(group string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.groupConfigs, group)
}

// TryConsume attempts to consume n tokens (n defaults to 1 when <= 0) from
// the bucket for sessionID, creating one scoped to group on first use.
func (l *Limiter) TryConsume(sessionID, group string, n float64) Decision {
	if n <= 0 {
		n = 1
	}
	cfg := l.configFor(group)
	if !cfg.Enabled {
		return Decision{Allowed: true}
	}
	bucket := l.getBucket(sessionID, group, cfg)
	return bucket.TryConsume(n)
}

func (l *Limiter) configFor(group string) Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cfg, ok := l.groupConfigs[group]; ok {
		return cfg
	}
	return l.defaultConfig
}

// getBucket returns or lazily creates the bucket for sessionID.
func (l *Limiter) getBucket(sessionID, group string, cfg Config) *Bucket {
	l.mu.RLock()
	bucket, exists := l.buckets[sessionID]
	l.mu.RUnlock()

	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if bucket, exists = l.buckets[sessionID]; exists {
		return bucket
	}

	if len(l.buckets) >= l.maxKeys {
		l.pruneLocked()
	}

	bucket = NewBucket(cfg)
	l.buckets[sessionID] = bucket
	l.sessionGroup[sessionID] = group
	return bucket
}

// pruneLocked removes buckets that are effectively idle (near-full).
// Must be called with the write lock held.
func (l *Limiter) pruneLocked() {
	for key, bucket := range l.buckets {
		if bucket.Tokens() >= bucket.maxTokens*0.9 {
			delete(l.buckets, key)
			delete(l.sessionGroup, key)
		}
	}
}

// ResetSession discards the bucket for sessionID, so its next request
// starts from a full bucket.
func (l *Limiter) ResetSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, sessionID)
	delete(l.sessionGroup, sessionID)
}

// Cleanup removes bucket state for any session not present in liveSessions.
// The session lifecycle manager calls this after terminating sessions so
// the limiter never retains state past a session's lifetime.
func (l *Limiter) Cleanup(liveSessions map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if _, ok := liveSessions[key]; !ok {
			delete(l.buckets, key)
			delete(l.sessionGroup, key)
		}
	}
}

// CompositeKey creates a rate limit key from multiple parts, preserved from
// the prior revision for tests and for composing with other limiters.
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
