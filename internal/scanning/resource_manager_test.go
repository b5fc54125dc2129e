package scanning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestFixedResourceManager_Acquire(t *testing.T) {
	t.Run("successful acquisition", func(t *testing.T) {
		rm := NewFixedResourceManager(5)

		if err := rm.Acquire(context.Background(), "10.0.0.1"); err != nil {
			t.Fatalf("Expected successful acquisition, got error: %v", err)
		}
		if rm.ActiveHosts() != 1 {
			t.Errorf("Expected 1 active host, got %d", rm.ActiveHosts())
		}
		rm.Release("10.0.0.1")
	})

	t.Run("slots exhausted", func(t *testing.T) {
		rm := NewFixedResourceManager(2)
		ctx := context.Background()

		err1 := rm.Acquire(ctx, "10.0.0.1")
		err2 := rm.Acquire(ctx, "10.0.0.2")
		if err1 != nil || err2 != nil {
			t.Fatalf("Expected successful acquisition, got errors: %v, %v", err1, err2)
		}

		ctx3, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if err := rm.Acquire(ctx3, "10.0.0.3"); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline exceeded, got %v", err)
		}

		rm.Release("10.0.0.1")
		rm.Release("10.0.0.2")
	})

	t.Run("re-acquire by the same host is free", func(t *testing.T) {
		rm := NewFixedResourceManager(1)
		ctx := context.Background()

		if err := rm.Acquire(ctx, "10.0.0.1"); err != nil {
			t.Fatal(err)
		}
		if err := rm.Acquire(ctx, "10.0.0.1"); err != nil {
			t.Errorf("Expected re-acquire to succeed, got %v", err)
		}
		if rm.ActiveHosts() != 1 {
			t.Errorf("Expected 1 active host, got %d", rm.ActiveHosts())
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		rm := NewFixedResourceManager(1)
		if err := rm.Acquire(context.Background(), "blocking"); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := rm.Acquire(ctx, "cancelled"); err == nil {
			t.Error("Expected cancellation error, got success")
		}
		rm.Release("blocking")
	})
}

func TestFixedResourceManager_Release(t *testing.T) {
	t.Run("proper release", func(t *testing.T) {
		rm := NewFixedResourceManager(3)
		hosts := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}

		for _, h := range hosts {
			if err := rm.Acquire(context.Background(), h); err != nil {
				t.Fatalf("Failed to acquire slot for %s: %v", h, err)
			}
		}
		if rm.AvailableSlots() != 0 {
			t.Errorf("Expected 0 available slots, got %d", rm.AvailableSlots())
		}

		for _, h := range hosts {
			rm.Release(h)
		}
		if rm.ActiveHosts() != 0 {
			t.Errorf("Expected 0 active hosts after release, got %d", rm.ActiveHosts())
		}
		if rm.AvailableSlots() != 3 {
			t.Errorf("Expected 3 available slots, got %d", rm.AvailableSlots())
		}
	})

	t.Run("release unknown host", func(t *testing.T) {
		rm := NewFixedResourceManager(2)
		rm.Release("10.9.9.9")
		if rm.AvailableSlots() != 2 {
			t.Errorf("Expected 2 available slots, got %d", rm.AvailableSlots())
		}
	})
}

func TestFixedResourceManager_ConcurrentAccess(t *testing.T) {
	rm := NewFixedResourceManager(10)

	const numGoroutines = 50
	const hostsPerGoroutine = 5

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines*hostsPerGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < hostsPerGoroutine; j++ {
				host := fmt.Sprintf("10.%d.0.%d", worker, j)
				if err := rm.Acquire(context.Background(), host); err != nil {
					errs <- err
					return
				}
				time.Sleep(time.Millisecond)
				rm.Release(host)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent operation failed: %v", err)
	}
	if rm.ActiveHosts() != 0 {
		t.Errorf("Expected 0 active hosts after completion, got %d", rm.ActiveHosts())
	}
	if rm.AvailableSlots() != 10 {
		t.Errorf("Expected 10 available slots, got %d", rm.AvailableSlots())
	}
}

func TestFixedResourceManager_CloseAndStats(t *testing.T) {
	rm := NewFixedResourceManager(2)
	if err := rm.Acquire(context.Background(), "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)

	stats := rm.Stats()
	if stats.Capacity != 2 || stats.Active != 1 || stats.Available != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.LongestRunning <= 0 {
		t.Error("Expected a positive running time for the active host")
	}

	if err := rm.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := rm.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
	if err := rm.Acquire(context.Background(), "10.0.0.2"); !errors.Is(err, ErrResourceManagerClosed) {
		t.Errorf("Expected ErrResourceManagerClosed, got %v", err)
	}
	if !rm.Stats().Closed {
		t.Error("Expected stats to report closed")
	}
}
