// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery, timeout
// enforcement and bounded waiting.
//
// # Key Functions
//
// SafeGo: Fire-and-forget goroutine with safety features
//
//	async.SafeGo(ctx, logger, 30*time.Second, "archive", func(ctx context.Context) error {
//		return archive(ctx)
//	})
//
// Group: Tracked goroutines that can be drained on shutdown
//
//	group := async.NewGroup(logger)
//	group.Go(ctx, "delivery", func(ctx context.Context) error {
//		return deliver(ctx)
//	})
//	err := group.Wait(shutdownCtx)
//
// # Related Packages
//
//   - pkg/webhooks: Uses Group for delivery workers and observer queues
package async
