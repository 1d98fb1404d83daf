// Package lock provides a Redis-backed mutual-exclusion lock used to
// serialize the publish cutover (internal/worker/handlers.go's publish
// handler) for a single dataset across worker replicas that share one
// Redis instance. Two replicas racing the same dataset's publish message
// would otherwise both walk ListVersionsByDataset and UpdateStatus
// concurrently; the lock turns that race into a queue of one.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock is a single Redis-backed lock, identified by key and
// held under a random value so only the holder that set it can release it.
type DistributedLock struct {
	redis    *redis.Client
	key      string
	value    string
	ttl      time.Duration
	logger   *slog.Logger
	acquired bool
}

// LockConfig tunes a DistributedLock. The defaults hold the lock for up
// to 30s if the holder never releases it and make a few short retries
// when it is already held.
type LockConfig struct {
	// TTL before Redis auto-expires the lock if the holder never releases it.
	TTL time.Duration `env:"LOCK_TTL" default:"30s"`

	// MaxRetries is the retry count LockManager.AcquireLock passes to
	// AcquireWithRetry.
	MaxRetries int `env:"LOCK_MAX_RETRIES" default:"3"`

	// RetryInterval, AcquireTimeout and ReleaseTimeout are not read by
	// DistributedLock: the backoff base is fixed at 100ms, each acquire
	// attempt times out after the lock's TTL, and Release and Extend time
	// out after 2s.
	RetryInterval  time.Duration `env:"LOCK_RETRY_INTERVAL" default:"100ms"`
	AcquireTimeout time.Duration `env:"LOCK_ACQUIRE_TIMEOUT" default:"5s"`
	ReleaseTimeout time.Duration `env:"LOCK_RELEASE_TIMEOUT" default:"2s"`

	// ValuePrefix tags the lock's held-by value so `redis-cli GET <key>`
	// during an incident shows which component is holding it.
	ValuePrefix string `env:"LOCK_VALUE_PREFIX" default:"publish-cutover"`
}

// defaultLockConfig is used whenever a caller passes a nil *LockConfig to
// NewDistributedLock or NewLockManager.
func defaultLockConfig() *LockConfig {
	return &LockConfig{
		TTL:            30 * time.Second,
		MaxRetries:     3,
		RetryInterval:  100 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
		ReleaseTimeout: 2 * time.Second,
		ValuePrefix:    "publish-cutover",
	}
}

// NewDistributedLock builds a lock for key. config may be nil to use
// defaultLockConfig.
func NewDistributedLock(redis *redis.Client, key string, config *LockConfig, logger *slog.Logger) *DistributedLock {
	if config == nil {
		config = defaultLockConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	value := generateLockValue(config.ValuePrefix)

	return &DistributedLock{
		redis:  redis,
		key:    key,
		value:  value,
		ttl:    config.TTL,
		logger: logger,
	}
}

// generateLockValue produces a value unique enough that no two concurrent
// holders of the same key can ever collide on it.
func generateLockValue(prefix string) string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), time.Now().Unix())
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(bytes))
}

// Acquire makes a single attempt to take the lock.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	return l.AcquireWithRetry(ctx, 0)
}

// AcquireWithRetry attempts to take the lock, retrying up to maxRetries
// times (no retries if maxRetries <= 0) with a jittered backoff between
// attempts.
func (l *DistributedLock) AcquireWithRetry(ctx context.Context, maxRetries int) (bool, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	l.logger.Debug("attempting to acquire lock", "key", l.key, "value", l.value, "ttl", l.ttl)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		acquireCtx, cancel := context.WithTimeout(ctx, l.ttl)
		defer cancel()

		// SET NX ties the acquire to a TTL atomically: no window where the
		// key exists without an expiry that could strand it forever.
		result, err := l.redis.SetNX(acquireCtx, l.key, l.value, l.ttl).Result()
		if err != nil {
			l.logger.Error("failed to acquire lock", "key", l.key, "attempt", attempt+1, "error", err)
			if attempt == maxRetries {
				return false, fmt.Errorf("failed to acquire lock after %d attempts: %w", maxRetries+1, err)
			}
			time.Sleep(l.retryInterval(attempt))
			continue
		}

		if result {
			l.acquired = true
			l.logger.Info("lock acquired", "key", l.key, "value", l.value, "ttl", l.ttl)
			return true, nil
		}

		l.logger.Debug("lock already held by another process", "key", l.key, "attempt", attempt+1)
		if attempt == maxRetries {
			return false, nil
		}

		time.Sleep(l.retryInterval(attempt))
	}

	return false, nil
}

// Release frees the lock, but only if it still holds the value this
// instance set — a stale Release call after the TTL expired and another
// holder took the key must not delete that holder's lock.
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		l.logger.Warn("attempting to release lock that was not acquired", "key", l.key)
		return nil
	}

	l.logger.Debug("releasing lock", "key", l.key, "value", l.value)

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`

	releaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(releaseCtx, script, []string{l.key}, l.value).Result()
	if err != nil {
		l.logger.Error("failed to release lock", "key", l.key, "error", err)
		return fmt.Errorf("failed to release lock: %w", err)
	}

	if result.(int64) == 1 {
		l.acquired = false
		l.logger.Info("lock released", "key", l.key)
		return nil
	}

	l.logger.Warn("lock was not released (already expired or held by another process)", "key", l.key)
	return nil
}

// Extend pushes the lock's TTL out to newTTL, for a holder doing work
// longer than the original TTL anticipated. Fails the same way Release
// does if the key no longer holds this instance's value.
func (l *DistributedLock) Extend(ctx context.Context, newTTL time.Duration) error {
	if !l.acquired {
		return fmt.Errorf("cannot extend lock that was not acquired")
	}

	l.logger.Debug("extending lock", "key", l.key, "newTTL", newTTL)

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("expire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	extendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(extendCtx, script, []string{l.key}, l.value, int(newTTL.Seconds())).Result()
	if err != nil {
		l.logger.Error("failed to extend lock", "key", l.key, "error", err)
		return fmt.Errorf("failed to extend lock: %w", err)
	}

	if result.(int64) == 1 {
		l.ttl = newTTL
		l.logger.Info("lock extended", "key", l.key, "newTTL", newTTL)
		return nil
	}

	return fmt.Errorf("failed to extend lock (already expired or held by another process)")
}

// IsAcquired reports whether this instance currently believes it holds the lock.
func (l *DistributedLock) IsAcquired() bool {
	return l.acquired
}

// GetKey returns the lock's key.
func (l *DistributedLock) GetKey() string {
	return l.key
}

// GetValue returns the lock's held-by value.
func (l *DistributedLock) GetValue() string {
	return l.value
}

// GetTTL returns the lock's current TTL.
func (l *DistributedLock) GetTTL() time.Duration {
	return l.ttl
}

// retryInterval computes a linear backoff ((attempt+1) * 100ms) with
// +/-25% jitter so
// several workers retrying the same dataset's lock don't all wake up on
// the same tick and collide again.
func (l *DistributedLock) retryInterval(attempt int) time.Duration {
	baseInterval := 100 * time.Millisecond
	interval := time.Duration(attempt+1) * baseInterval

	jitter := time.Duration(float64(interval) * 0.25 * (2*float64(time.Now().UnixNano()%1000)/1000 - 1))
	return interval + jitter
}

// LockManager tracks the locks a single process currently holds, keyed by
// lock key, so a handler can acquire by key and release by the same key
// without passing the *DistributedLock value around. Safe for concurrent
// use: multiple worker goroutines may each be running a different
// dataset's publish cutover at once, each acquiring and releasing its own
// "publish:<dataset>" key.
type LockManager struct {
	mu     sync.Mutex
	redis  *redis.Client
	config *LockConfig
	logger *slog.Logger
	locks  map[string]*DistributedLock
}

// NewLockManager builds a manager backed by redis. config may be nil to
// use defaultLockConfig.
func NewLockManager(redis *redis.Client, config *LockConfig, logger *slog.Logger) *LockManager {
	if config == nil {
		config = defaultLockConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &LockManager{
		redis:  redis,
		config: config,
		logger: logger,
		locks:  make(map[string]*DistributedLock),
	}
}

// AcquireLock takes the lock for key, blocking (subject to config's retry
// settings) until it is acquired or retries are exhausted.
func (lm *LockManager) AcquireLock(ctx context.Context, key string) (*DistributedLock, error) {
	l := NewDistributedLock(lm.redis, key, lm.config, lm.logger)

	acquired, err := l.AcquireWithRetry(ctx, lm.config.MaxRetries)
	if err != nil {
		return nil, err
	}

	if !acquired {
		return nil, fmt.Errorf("failed to acquire lock for key: %s", key)
	}

	lm.mu.Lock()
	lm.locks[key] = l
	lm.mu.Unlock()
	return l, nil
}

// ReleaseLock releases the lock previously acquired for key. A release of
// a key this manager never acquired is logged and treated as a no-op,
// matching the publish handler's defer pattern of always releasing
// whatever it acquired regardless of how the handler exited.
func (lm *LockManager) ReleaseLock(ctx context.Context, key string) error {
	lm.mu.Lock()
	l, exists := lm.locks[key]
	lm.mu.Unlock()
	if !exists {
		lm.logger.Warn("attempting to release lock that was not managed", "key", key)
		return nil
	}

	if err := l.Release(ctx); err != nil {
		return err
	}

	lm.mu.Lock()
	delete(lm.locks, key)
	lm.mu.Unlock()
	return nil
}

// ReleaseAll releases every lock this manager currently holds, used on
// worker shutdown so a stopped replica doesn't sit on a dataset's publish
// lock for the rest of its TTL.
func (lm *LockManager) ReleaseAll(ctx context.Context) error {
	lm.mu.Lock()
	locks := make(map[string]*DistributedLock, len(lm.locks))
	for k, l := range lm.locks {
		locks[k] = l
	}
	lm.mu.Unlock()

	var lastErr error
	for key, l := range locks {
		if err := l.Release(ctx); err != nil {
			lm.logger.Error("failed to release lock", "key", key, "error", err)
			lastErr = err
		}
	}

	lm.mu.Lock()
	lm.locks = make(map[string]*DistributedLock)
	lm.mu.Unlock()
	return lastErr
}

// GetLock returns the lock currently held for key, if any.
func (lm *LockManager) GetLock(key string) (*DistributedLock, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, exists := lm.locks[key]
	return l, exists
}

// ListLocks returns the keys this manager currently holds.
func (lm *LockManager) ListLocks() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	keys := make([]string, 0, len(lm.locks))
	for key := range lm.locks {
		keys = append(keys, key)
	}
	return keys
}

// Close releases every held lock. Call on worker shutdown.
func (lm *LockManager) Close(ctx context.Context) error {
	return lm.ReleaseAll(ctx)
}
