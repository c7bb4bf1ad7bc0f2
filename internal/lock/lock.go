// Package lock provides a fast-fail mutual exclusion primitive used to
// guard annotations and scheduler jobs across processes.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// ErrLockHeld is returned when the lock is already held elsewhere.
// Acquisition never blocks; callers treat this as a concurrent run.
var ErrLockHeld = errors.New("lock: already held")

// Lock is a held lock. Release is idempotent.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// RedisLocker implements Locker with SET NX PX. The lock value is a
// random token so a release after expiry cannot delete someone else's
// lock.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "lock: acquire %s", key)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &redisLock{client: l.client, key: key, token: token}, nil
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
	once   sync.Once
}

// releaseScript deletes the key only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *redisLock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return eris.Wrapf(err, "lock: release %s", l.key)
	}
	return nil
}

// MemoryLocker implements Locker within a single process. Used in
// tests and single-node deployments without Redis.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

type memoryEntry struct {
	token  string
	expiry time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), clock: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if entry, ok := l.held[key]; ok && now.Before(entry.expiry) {
		return nil, ErrLockHeld
	}
	token := uuid.New().String()
	l.held[key] = memoryEntry{token: token, expiry: now.Add(ttl)}
	return &memoryLock{locker: l, key: key, token: token}, nil
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	token  string
	once   sync.Once
}

// Release only removes the entry while this acquisition still owns it,
// mirroring the Redis token check: a release after expiry must not
// drop a lock someone else re-acquired.
func (m *memoryLock) Release(_ context.Context) error {
	m.once.Do(func() {
		m.locker.mu.Lock()
		if entry, ok := m.locker.held[m.key]; ok && entry.token == m.token {
			delete(m.locker.held, m.key)
		}
		m.locker.mu.Unlock()
	})
	return nil
}
