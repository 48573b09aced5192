// Package webhooks provides signed, retried delivery of events to registered
// HTTP endpoints.
//
// # Overview
//
// A Manager owns three pieces of state: the endpoint Registry, the
// DeliveryStore holding events, deliveries and the retry queue, and the
// Dispatcher that drains the queue with bounded concurrency. Publishing an
// event creates one Delivery per active endpoint subscribed to the event
// type; the Dispatcher attempts each delivery and reschedules failures with
// exponential backoff until the endpoint's retry policy is exhausted.
//
// # Usage Example
//
// Register an endpoint:
//
//	ep, err := manager.CreateEndpoint(ctx, webhooks.EndpointInput{
//		URL:    "https://api.example.com/webhooks",
//		Secret: "supersecretkey",
//		Events: []string{"doc.uploaded"},
//	})
//
// Publish an event:
//
//	event, err := manager.Publish(ctx, webhooks.EventInput{
//		Type:   "doc.uploaded",
//		Source: "documents",
//		Data:   map[string]interface{}{"doc_id": "d-1"},
//	})
//
// Verify a signature (receiver side):
//
//	sig := r.Header.Get("X-Webhook-Signature")
//	if !webhooks.Verify(body, sig, secret, webhooks.AlgorithmSHA256) {
//		return errors.New("invalid signature")
//	}
//
// # Retry Policy
//
// The default policy makes 3 attempts with delays of 1s and 2s between them,
// capped at 60s. The delay before attempt n+1 is
// initial_delay * multiplier^(n-1).
//
// # Related Packages
//
//   - pkg/async: worker goroutines for deliveries and observers
//   - pkg/events: filtering and batching in front of Publish
package webhooks
