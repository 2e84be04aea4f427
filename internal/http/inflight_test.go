package http

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDrainTracker_CountsPerRoute(t *testing.T) {
	d := newDrainTracker()

	endNearby1 := d.begin("/parking/nearby")
	endNearby2 := d.begin("/parking/nearby")
	endHealth := d.begin("/health")

	if got := d.count(); got != 3 {
		t.Fatalf("count() = %d, want 3", got)
	}
	if got := d.busyRoutes()["/parking/nearby"]; got != 2 {
		t.Errorf("busyRoutes()[nearby] = %d, want 2", got)
	}

	endHealth()
	endHealth()
	if _, ok := d.busyRoutes()["/health"]; ok {
		t.Error("idle route still listed")
	}
	if got := d.count(); got != 2 {
		t.Errorf("count() after double end = %d, want 2", got)
	}

	endNearby1()
	endNearby2()
	if got := d.count(); got != 0 {
		t.Errorf("count() = %d, want 0", got)
	}
	if len(d.busyRoutes()) != 0 {
		t.Errorf("busyRoutes() = %v, want empty", d.busyRoutes())
	}
}

func TestDrainTracker_WaitReturnsWhenIdle(t *testing.T) {
	d := newDrainTracker()
	if err := d.wait(context.Background(), 0, nil); err != nil {
		t.Fatalf("wait() on idle tracker = %v", err)
	}

	end := d.begin("/parking/nearby")
	var progressCalls int32
	done := make(chan error, 1)
	go func() {
		done <- d.wait(context.Background(), 2*time.Millisecond, func(int64) {
			atomic.AddInt32(&progressCalls, 1)
		})
	}()

	time.Sleep(20 * time.Millisecond)
	end()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("wait() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait() did not return after the last request ended")
	}
	if atomic.LoadInt32(&progressCalls) == 0 {
		t.Error("onProgress never called while draining")
	}
}

func TestDrainTracker_WaitContextCanceled(t *testing.T) {
	d := newDrainTracker()
	d.begin("/parking/refresh")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.wait(ctx, 0, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("wait() = %v, want DeadlineExceeded", err)
	}
}

func TestDrainTracker_ReusableAfterIdle(t *testing.T) {
	d := newDrainTracker()
	d.begin("/health")()
	end := d.begin("/health")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.wait(ctx, 0, nil); err == nil {
		t.Fatal("wait() returned nil with a request in flight")
	}
	end()
	if err := d.wait(context.Background(), 0, nil); err != nil {
		t.Errorf("wait() = %v", err)
	}
}
