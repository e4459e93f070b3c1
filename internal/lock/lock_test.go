package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
)

func TestLocalLocker_SerializesSameIdentity(t *testing.T) {
	l := NewLocalLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), IdentityKey(1))
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
}

func TestLocalLocker_DifferentIdentitiesDoNotBlock(t *testing.T) {
	l := NewLocalLocker()
	unlockA, err := l.Lock(context.Background(), IdentityKey(1))
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, IdentityKey(2))
	if err != nil {
		t.Fatalf("identity 2 should be free: %v", err)
	}
	unlockB()
}

func TestLocalLocker_HonoursContext(t *testing.T) {
	l := NewLocalLocker()
	unlock, _ := l.Lock(context.Background(), IdentityKey(1))
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, IdentityKey(1)); err == nil {
		t.Fatal("expected context error while identity is held")
	}
}

func TestLocalLocker_UnlockIsIdempotent(t *testing.T) {
	l := NewLocalLocker()
	unlock, _ := l.Lock(context.Background(), IdentityKey(1))
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	again, err := l.Lock(ctx, IdentityKey(1))
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	again()
}

func TestLocalLocker_KeySpacesAreSeparate(t *testing.T) {
	l := NewLocalLocker()
	unlock, _ := l.Lock(context.Background(), IdentityKey(7))
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	other, err := l.Lock(ctx, EnrollmentKey(7))
	if err != nil {
		t.Fatalf("enrollment 7 should not share identity 7's lock: %v", err)
	}
	other()
}

// Needs a live Redis; set REDIS_ADDR to run.
func TestRedisLocker_BusyWhileHeld(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	l := NewRedisLocker(rdb, 5*time.Second, 150*time.Millisecond, nil)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, IdentityKey(4242))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	if _, err := l.Lock(ctx, IdentityKey(4242)); err != appErrors.ErrIdentityBusy {
		t.Fatalf("expected ErrIdentityBusy, got %v", err)
	}

	unlock()
	again, err := l.Lock(ctx, IdentityKey(4242))
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}
