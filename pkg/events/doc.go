// Package events filters and batches events before they reach the webhook
// publisher.
//
// Every submitted event is first checked against the exclusion filters. An
// event survives unless an active filter lists its type and every condition
// of that filter holds against the event data. Surviving events are
// classified by type: high and critical events are published immediately,
// everything else waits in the Buffer until it fills or the flush interval
// elapses.
//
//	filters := events.NewFilterSet()
//	filters.Add(events.Filter{
//		Name:       "ignore drafts",
//		EventTypes: []string{"document.uploaded"},
//		Conditions: []events.Condition{{Field: "document.status", Operator: events.OpEquals, Value: "draft"}},
//		Active:     true,
//	})
//
//	buffer := events.NewBuffer(events.DefaultBufferConfig(), manager, filters, logger, metrics)
//	buffer.Start(ctx)
//	defer buffer.Stop(ctx)
package events
