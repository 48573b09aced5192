package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/courier/pkg/async"
	"github.com/platinummonkey/courier/pkg/observability"
)

// NotificationKind names a lifecycle notification
type NotificationKind string

const (
	NotifyEndpointCreated   NotificationKind = "endpoint.created"
	NotifyEndpointUpdated   NotificationKind = "endpoint.updated"
	NotifyEndpointDeleted   NotificationKind = "endpoint.deleted"
	NotifyEventPublished    NotificationKind = "event.published"
	NotifyDeliverySucceeded NotificationKind = "delivery.succeeded"
	NotifyDeliveryRetrying  NotificationKind = "delivery.retrying"
	NotifyDeliveryFailed    NotificationKind = "delivery.failed"
	NotifyDeliveryAbandoned NotificationKind = "delivery.abandoned"
)

// Notification describes a lifecycle change. Only the fields relevant to
// the kind are set.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	Timestamp  time.Time        `json:"timestamp"`
	EndpointID string           `json:"endpoint_id,omitempty"`
	Endpoint   *Endpoint        `json:"endpoint,omitempty"`
	Event      *Event           `json:"event,omitempty"`
	Delivery   *Delivery        `json:"delivery,omitempty"`
}

// Observer receives notifications. Notify runs on the observer's own
// goroutine and may block without affecting delivery.
type Observer interface {
	Notify(ctx context.Context, n Notification) error
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, n Notification) error

// Notify calls f(ctx, n)
func (f ObserverFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// DefaultNotificationQueueSize is the per-observer buffer
const DefaultNotificationQueueSize = 256

// Notifier fans notifications out to observers through per-observer
// buffered queues. Publishing never blocks; a full queue drops.
type Notifier struct {
	mu        sync.RWMutex
	subs      map[int]*subscription
	nextID    int
	closed    bool
	queueSize int
	group     *async.Group
	logger    *observability.Logger
	metrics   *observability.Metrics
}

type subscription struct {
	name     string
	observer Observer
	queue    chan Notification
}

// NewNotifier creates a notifier
func NewNotifier(queueSize int, logger *observability.Logger, metrics *observability.Metrics) *Notifier {
	if queueSize <= 0 {
		queueSize = DefaultNotificationQueueSize
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Notifier{
		subs:      make(map[int]*subscription),
		queueSize: queueSize,
		group:     async.NewGroup(logger),
		logger:    logger,
		metrics:   metrics,
	}
}

// Subscribe registers an observer and returns a function that removes it.
// Notifications already queued for the observer are still delivered.
func (n *Notifier) Subscribe(name string, o Observer) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return func() {}
	}

	id := n.nextID
	n.nextID++
	sub := &subscription{
		name:     name,
		observer: o,
		queue:    make(chan Notification, n.queueSize),
	}
	n.subs[id] = sub

	n.group.Go(context.Background(), "observer "+name, func(ctx context.Context) error {
		n.drain(ctx, sub)
		return nil
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if s, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(s.queue)
			}
		})
	}
}

func (n *Notifier) drain(ctx context.Context, sub *subscription) {
	for note := range sub.queue {
		if err := notify(ctx, sub.observer, note); err != nil {
			n.logger.WithError(err).
				WithField("observer", sub.name).
				WithField("kind", string(note.Kind)).
				Warn("Observer failed to handle notification")
		}
	}
}

// notify reports a panicking observer as an error
func notify(ctx context.Context, o Observer, note Notification) (err error) {
	defer func() {
		if perr := observability.PanicError(recover()); perr != nil {
			err = perr
		}
	}()
	return o.Notify(ctx, note)
}

// Publish enqueues a notification for every observer without blocking
func (n *Notifier) Publish(note Notification) {
	if note.Timestamp.IsZero() {
		note.Timestamp = time.Now().UTC()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}
	for _, sub := range n.subs {
		select {
		case sub.queue <- note:
		default:
			n.metrics.NotificationDropped(sub.name)
			n.logger.WithField("observer", sub.name).
				WithField("kind", string(note.Kind)).
				Warn("Observer queue full, dropping notification")
		}
	}
}

// Close stops accepting notifications and waits for observers to drain
// their queues or for ctx to expire.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		for id, sub := range n.subs {
			delete(n.subs, id)
			close(sub.queue)
		}
	}
	n.mu.Unlock()

	return n.group.Wait(ctx)
}
