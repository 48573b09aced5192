// Package retention periodically removes delivery history that has reached a
// terminal state, together with events no delivery refers to anymore.
//
//	scheduler, err := retention.NewScheduler(retention.Config{
//		Schedule: "@hourly",
//		MaxAge:   7 * 24 * time.Hour,
//	}, manager, logger)
//	scheduler.Start()
//	defer scheduler.Stop(ctx)
package retention
