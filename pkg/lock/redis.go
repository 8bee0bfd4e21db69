package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis lock encoding: one key per path whose value is either
// "W:<owner>" for a held write lock or "R:<n>:<owner>,..." for n held read
// locks. All transitions run in Lua so acquisition and release are atomic,
// and releases are rejected unless the caller's owner token is a holder.

var acquireReadScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
	redis.call('SET', KEYS[1], 'R:1:' .. ARGV[1], 'PX', ARGV[2])
	return 1
end
if string.sub(v, 1, 2) == 'R:' then
	local sep = string.find(v, ':', 3, true)
	local n = tonumber(string.sub(v, 3, sep - 1))
	local owners = string.sub(v, sep + 1)
	redis.call('SET', KEYS[1], 'R:' .. (n + 1) .. ':' .. owners .. ',' .. ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

var acquireWriteScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
	redis.call('SET', KEYS[1], 'W:' .. ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

var releaseReadScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false or string.sub(v, 1, 2) ~= 'R:' then
	return 0
end
local sep = string.find(v, ':', 3, true)
local n = tonumber(string.sub(v, 3, sep - 1))
local owners = string.sub(v, sep + 1)
local out = {}
local removed = false
for owner in string.gmatch(owners, '[^,]+') do
	if owner == ARGV[1] and not removed then
		removed = true
	else
		table.insert(out, owner)
	end
end
if not removed then
	return 0
end
if n <= 1 then
	redis.call('DEL', KEYS[1])
	return 1
end
redis.call('SET', KEYS[1], 'R:' .. (n - 1) .. ':' .. table.concat(out, ','), 'PX', ARGV[2])
return 1
`)

var releaseWriteScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == 'W:' .. ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

var refreshScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
	return 0
end
if v == 'W:' .. ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
if string.sub(v, 1, 2) == 'R:' then
	local sep = string.find(v, ':', 3, true)
	local owners = string.sub(v, sep + 1)
	for owner in string.gmatch(owners, '[^,]+') do
		if owner == ARGV[1] then
			redis.call('PEXPIRE', KEYS[1], ARGV[2])
			return 1
		end
	end
end
return 0
`)

// RedisManager is a Manager backed by a shared Redis instance, for
// deployments where several server processes serve the same data root.
type RedisManager struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	maxTries  uint64
	logger    *logrus.Logger
}

// RedisOption configures a RedisManager.
type RedisOption func(*RedisManager)

// WithKeyPrefix sets the lock key prefix, isolating tenants that share a
// Redis instance.
func WithKeyPrefix(prefix string) RedisOption {
	return func(m *RedisManager) {
		m.keyPrefix = prefix
	}
}

// WithTTL sets the lock expiry. Holders refresh at a third of the TTL.
func WithTTL(ttl time.Duration) RedisOption {
	return func(m *RedisManager) {
		m.ttl = ttl
	}
}

// WithMaxRetries bounds acquisition attempts before ErrLockUnavailable.
func WithMaxRetries(n uint64) RedisOption {
	return func(m *RedisManager) {
		m.maxTries = n
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger *logrus.Logger) RedisOption {
	return func(m *RedisManager) {
		m.logger = logger
	}
}

// NewRedisManager creates a Redis-backed lock manager.
func NewRedisManager(client redis.UniversalClient, opts ...RedisOption) *RedisManager {
	m := &RedisManager{
		client:    client,
		keyPrefix: "lamina:lock:",
		ttl:       30 * time.Second,
		maxTries:  50,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Read implements Manager.
func (m *RedisManager) Read(ctx context.Context, path string, fn func() error) error {
	return m.run(ctx, path, fn, acquireReadScript, releaseReadScript)
}

// Write implements Manager.
func (m *RedisManager) Write(ctx context.Context, path string, fn func() error) error {
	return m.run(ctx, path, fn, acquireWriteScript, releaseWriteScript)
}

func (m *RedisManager) run(ctx context.Context, path string, fn func() error, acquire, release *redis.Script) error {
	key := m.keyPrefix + canonicalize(path)
	owner := uuid.New().String()

	if err := m.acquire(ctx, key, owner, acquire); err != nil {
		return err
	}

	// Refresh the TTL for as long as the lock is held, so slow transforms
	// do not lose the lock under them.
	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	refreshDone := make(chan struct{})
	go m.refreshLoop(refreshCtx, refreshDone, key, owner)

	fnErr := fn()

	stopRefresh()
	<-refreshDone

	// Release on a fresh context: the caller's context may already be
	// cancelled, and an unreleased lock would linger until the TTL.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := release.Run(releaseCtx, m.client, []string{key}, owner, m.ttl.Milliseconds()).Int(); err != nil {
		m.logger.WithError(err).WithField("key", key).Warn("lock release failed; lock will expire by TTL")
	}

	return fnErr
}

func (m *RedisManager) acquire(ctx context.Context, key, owner string, script *redis.Script) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newAcquireBackOff(), m.maxTries), ctx)

	err := backoff.Retry(func() error {
		ok, err := script.Run(ctx, m.client, []string{key}, owner, m.ttl.Milliseconds()).Int()
		if err != nil {
			return backoff.Permanent(err)
		}
		if ok != 1 {
			return ErrLockUnavailable
		}
		return nil
	}, policy)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", ErrLockUnavailable, key)
	}
	return nil
}

func (m *RedisManager) refreshLoop(ctx context.Context, done chan<- struct{}, key, owner string) {
	defer close(done)
	interval := m.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := refreshScript.Run(ctx, m.client, []string{key}, owner, m.ttl.Milliseconds()).Int(); err != nil && ctx.Err() == nil {
				m.logger.WithError(err).WithField("key", key).Warn("lock refresh failed")
			}
		}
	}
}

func newAcquireBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}
