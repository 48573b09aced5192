package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/courier/pkg/observability"
)

func TestSafeGo_Success(t *testing.T) {
	ctx := context.Background()
	executed := atomic.Bool{}

	SafeGo(ctx, observability.NopLogger(), 1*time.Second, "test task", func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})

	// Wait for goroutine to complete
	time.Sleep(100 * time.Millisecond)

	if !executed.Load() {
		t.Error("SafeGo did not execute function")
	}
}

func TestSafeGo_WithError(t *testing.T) {
	executed := atomic.Bool{}

	SafeGo(context.Background(), nil, 1*time.Second, "test task", func(ctx context.Context) error {
		executed.Store(true)
		return errors.New("test error")
	})

	time.Sleep(100 * time.Millisecond)

	if !executed.Load() {
		t.Error("SafeGo did not execute function despite error")
	}
}

func TestSafeGo_Timeout(t *testing.T) {
	timedOut := atomic.Bool{}

	SafeGo(context.Background(), nil, 50*time.Millisecond, "test task", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			timedOut.Store(true)
			return ctx.Err()
		}
	})

	time.Sleep(200 * time.Millisecond)

	if !timedOut.Load() {
		t.Error("SafeGo did not enforce timeout")
	}
}

func TestGroup_WaitForAll(t *testing.T) {
	group := NewGroup(nil)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		group.Go(context.Background(), "worker", func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			count.Add(1)
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := group.Wait(ctx); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if count.Load() != 5 {
		t.Errorf("expected 5 completed tasks, got %d", count.Load())
	}
	if group.Active() != 0 {
		t.Errorf("expected 0 active tasks, got %d", group.Active())
	}
}

func TestGroup_WaitTimeout(t *testing.T) {
	group := NewGroup(nil)
	release := make(chan struct{})
	defer close(release)

	group.Go(context.Background(), "blocked", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := group.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if group.Active() != 1 {
		t.Errorf("expected 1 active task, got %d", group.Active())
	}
}

func TestGroup_RecoversPanic(t *testing.T) {
	group := NewGroup(observability.NopLogger())

	group.Go(context.Background(), "panics", func(ctx context.Context) error {
		panic("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := group.Wait(ctx); err != nil {
		t.Fatalf("Wait returned error after panic: %v", err)
	}
}
