package async

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/courier/pkg/observability"
)

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// Example:
//
//	SafeGo(ctx, logger, 5*time.Second, "archive delivery", func(ctx context.Context) error {
//	    return archiver.Put(ctx, delivery)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go run(parentCtx, logger, timeout, taskName, fn)
}

func run(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	ctx := parentCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parentCtx, timeout)
		defer cancel()
	}

	defer observability.RecoverPanic(logger, taskName)

	if err := fn(ctx); err != nil {
		if logger != nil {
			logger.WithError(err).WithField("task", taskName).Warn("Background task failed")
		}
	}
}

// Group tracks a set of background goroutines so callers can wait for them
// to finish. Every goroutine runs with panic recovery. The zero value is not
// usable; call NewGroup.
type Group struct {
	logger *observability.Logger
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewGroup creates a new goroutine group
func NewGroup(logger *observability.Logger) *Group {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Group{logger: logger}
}

// Go runs fn in a tracked goroutine. The context is passed through unchanged.
func (g *Group) Go(ctx context.Context, taskName string, fn func(context.Context) error) {
	g.wg.Add(1)
	g.active.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.active.Add(-1)
		run(ctx, g.logger, 0, taskName, fn)
	}()
}

// Active returns the number of goroutines still running
func (g *Group) Active() int {
	return int(g.active.Load())
}

// Wait blocks until every tracked goroutine has returned or ctx is done.
// Returns ctx.Err() when the context expires first.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
