package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryAcquireWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	ok, err := m.Acquire(ctx, 1, "alice@example.com", 24*time.Hour, base)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}

	ok, _ = m.Acquire(ctx, 1, "alice@example.com", 24*time.Hour, base.Add(time.Hour))
	if ok {
		t.Error("second acquire inside window should fail")
	}

	ok, _ = m.Acquire(ctx, 1, "ALICE@example.com", 24*time.Hour, base.Add(time.Hour))
	if ok {
		t.Error("sender comparison should be case-insensitive")
	}

	ok, _ = m.Acquire(ctx, 1, "alice@example.com", 24*time.Hour, base.Add(25*time.Hour))
	if !ok {
		t.Error("acquire after the window should succeed")
	}
}

func TestMemoryIndependentPairs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	if ok, _ := m.Acquire(ctx, 1, "a@example.com", time.Hour, now); !ok {
		t.Fatal("first pair should acquire")
	}
	if ok, _ := m.Acquire(ctx, 1, "b@example.com", time.Hour, now); !ok {
		t.Error("different sender should acquire")
	}
	if ok, _ := m.Acquire(ctx, 2, "a@example.com", time.Hour, now); !ok {
		t.Error("different alias should acquire")
	}
}

func TestMemoryZeroWindowAlwaysFires(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		ok, err := m.Acquire(ctx, 1, "a@example.com", 0, now.Add(time.Duration(i)*time.Second))
		if err != nil || !ok {
			t.Fatalf("acquire %d = %v, %v", i, ok, err)
		}
	}

	// The timestamp is still recorded.
	if _, ok := m.LastFired(1, "a@example.com"); !ok {
		t.Error("LastFired should report the recorded reply")
	}
}

func TestMemoryConcurrentAcquire(t *testing.T) {
	m := NewMemory()
	now := time.Now()

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Acquire(context.Background(), 1, "racer@example.com", time.Hour, now)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := fired.Load(); got != 1 {
		t.Errorf("%d goroutines acquired, want exactly 1", got)
	}
}
