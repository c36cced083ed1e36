package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/leeaandrob/marketforge/internal/models"
)

// unlockLua deletes a lock key only if its value matches the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua resets a lock's expiry only if the caller still holds it.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// RunLock keeps two processes sharing a Redis from running the pipeline at
// the same time. The lease is renewed every third of its TTL while held, so
// a run may outlast the TTL.
type RunLock struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
	key      string
	ttl      time.Duration
}

// NewRunLock creates a RunLock on key with the given lease.
func NewRunLock(c *Client, key string, ttl time.Duration) *RunLock {
	return &RunLock{
		rdb:      c.rdb,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		key:      "marketforge:lock:" + key,
		ttl:      ttl,
	}
}

// Acquire obtains the lock and returns a release func that is safe to call
// more than once. It returns models.ErrRunInProgress when another holder
// owns the lock.
func (l *RunLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, models.ErrRunInProgress
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(stop, l.ttl/3, func() (bool, error) { return l.extend(token) })
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done

			// the caller's context may already be cancelled
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{l.key}, token).Err()
		})
	}
	return release, nil
}

// extend renews the lease; false means the lock is no longer ours.
func (l *RunLock) extend(token string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := l.extendSc.Run(ctx, l.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// keepAlive calls extend every interval until stop is closed or the lock is
// lost. Failed calls are retried on the next tick. A non-positive interval
// means the lease never expires and nothing is renewed.
func keepAlive(stop <-chan struct{}, interval time.Duration, extend func() (bool, error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			held, err := extend()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to renew run lock")
				continue
			}
			if !held {
				log.Error().Msg("Run lock lost before release")
				return
			}
		}
	}
}
