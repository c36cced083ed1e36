package redis

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// closedAddr returns an address nothing is listening on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestCheckpointKey(t *testing.T) {
	tests := map[string]string{
		"Artificial Intelligence": "marketforge:checkpoint:artificial-intelligence",
		"crypto":                  "marketforge:checkpoint:crypto",
	}
	for category, want := range tests {
		if got := checkpointKey(category); got != want {
			t.Errorf("checkpointKey(%q) = %q, want %q", category, got, want)
		}
	}
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := New(ctx, ClientConfig{Addr: closedAddr(t)}); err == nil {
		t.Fatal("New() against a closed port should fail")
	}
}

func TestStoreErrorsWhenUnreachable(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: closedAddr(t), MaxRetries: -1})
	c := NewFromRedis(rdb)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store := NewCheckpointStore(c)
	if _, err := store.Load(ctx, "crypto"); err == nil {
		t.Error("Load should surface connection errors")
	}

	lock := NewRunLock(c, "pipeline", time.Minute)
	if _, err := lock.Acquire(ctx); err == nil {
		t.Error("Acquire should surface connection errors")
	}
}

func TestKeepAliveRenewsUntilStopped(t *testing.T) {
	stop := make(chan struct{})
	done := make(chan struct{})
	calls := make(chan struct{}, 16)

	go func() {
		defer close(done)
		keepAlive(stop, 2*time.Millisecond, func() (bool, error) {
			calls <- struct{}{}
			return true, nil
		})
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("lease renewed %d times, want at least 3", i)
		}
	}
	close(stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keepAlive did not return after stop")
	}
}

func TestKeepAliveStopsWhenLockLost(t *testing.T) {
	done := make(chan struct{})
	calls := 0
	go func() {
		defer close(done)
		keepAlive(make(chan struct{}), time.Millisecond, func() (bool, error) {
			calls++
			if calls == 1 {
				return false, errors.New("connection reset")
			}
			return false, nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keepAlive kept running after the lock was lost")
	}
	if calls != 2 {
		t.Errorf("extend called %d times, want 2", calls)
	}
}

func TestKeepAliveWithoutExpiry(t *testing.T) {
	keepAlive(make(chan struct{}), 0, func() (bool, error) {
		t.Fatal("extend called for a lease without expiry")
		return false, nil
	})
}
