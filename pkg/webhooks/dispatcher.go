package webhooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/platinummonkey/courier/pkg/async"
	"github.com/platinummonkey/courier/pkg/observability"
)

// Dispatcher defaults
const (
	DefaultTickInterval = time.Second
	DefaultConcurrency  = 10
)

// ErrDispatcherStopped is reported by Healthy when the loop is not running
var ErrDispatcherStopped = errors.New("dispatcher is not running")

// Dispatcher is the delivery scheduler. On every tick it claims ready
// deliveries up to the number of free worker slots and attempts each on its
// own goroutine.
type Dispatcher struct {
	registry  *Registry
	store     *DeliveryStore
	notifier  *Notifier
	sender    *sender
	limiter   *RateLimiter
	writes    *writeThrough
	metrics   *observability.Metrics
	logger    *observability.Logger
	now       func() time.Time

	interval    time.Duration
	concurrency int64
	slots       *semaphore.Weighted
	inFlight    atomic.Int64
	processing  atomic.Bool
	workers     *async.Group

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	TickInterval time.Duration
	Concurrency  int
}

func newDispatcher(cfg DispatcherConfig, registry *Registry, store *DeliveryStore, notifier *Notifier, snd *sender,
	limiter *RateLimiter, writes *writeThrough, metrics *observability.Metrics, logger *observability.Logger) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Dispatcher{
		registry:    registry,
		store:       store,
		notifier:    notifier,
		sender:      snd,
		limiter:     limiter,
		writes:      writes,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
		interval:    cfg.TickInterval,
		concurrency: int64(cfg.Concurrency),
		slots:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		workers:     async.NewGroup(logger),
	}
}

// Start launches the scheduling loop. Calling Start on a running
// dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go d.loop(loopCtx, d.done)

	d.logger.WithFields(map[string]interface{}{
		"tick_interval": d.interval.String(),
		"concurrency":   d.concurrency,
	}).Info("Delivery dispatcher started")
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer observability.RecoverPanic(d.logger, "delivery dispatcher")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// Stop ends the scheduling loop and waits for in-flight attempts to finish,
// or for ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.cancel()
		done := d.done
		d.running = false
		d.mu.Unlock()
		<-done
	} else {
		d.mu.Unlock()
	}

	if err := d.workers.Wait(ctx); err != nil {
		d.logger.WithField("in_flight", d.InFlight()).Warn("Timed out waiting for in-flight deliveries")
		return err
	}
	d.logger.Info("Delivery dispatcher stopped")
	return nil
}

// Healthy reports an error when the scheduling loop is not running
func (d *Dispatcher) Healthy(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return ErrDispatcherStopped
	}
	return nil
}

// InFlight returns the number of attempts currently executing
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// RunOnce performs a single scheduling pass and returns how many attempts
// it started. Overlapping passes are no-ops.
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	if !d.processing.CompareAndSwap(false, true) {
		return 0
	}
	defer d.processing.Store(false)

	d.metrics.SetQueueDepth(d.store.QueueDepth())

	free := d.concurrency - d.inFlight.Load()
	if free <= 0 {
		return 0
	}

	started := 0
	for _, delivery := range d.store.Ready(d.now(), int(free)) {
		if !d.slots.TryAcquire(1) {
			break
		}
		if !d.store.MarkInFlight(delivery.ID) {
			d.slots.Release(1)
			continue
		}

		ep, err := d.registry.Get(delivery.EndpointID)
		if err != nil || !ep.Active {
			d.slots.Release(1)
			d.abandon(ctx, delivery)
			continue
		}

		if !d.limiter.Allow(ep.ID, ep.RateLimitPerMinute) {
			d.store.Release(delivery.ID)
			d.slots.Release(1)
			d.metrics.ObserveDelivery(ctx, observability.OutcomeThrottled, 0)
			continue
		}

		d.inFlight.Add(1)
		d.metrics.SetInFlight(d.InFlight())
		started++

		// Attempts outlive the loop context so shutdown drains them
		workerCtx := context.WithoutCancel(ctx)
		d.workers.Go(workerCtx, "delivery "+delivery.ID, func(ctx context.Context) error {
			defer func() {
				d.inFlight.Add(-1)
				d.metrics.SetInFlight(d.InFlight())
				d.slots.Release(1)
			}()
			// A panicking attempt leaves the delivery queued for the next tick
			defer observability.RecoverPanicWithCallback(d.logger, "delivery "+delivery.ID, func() {
				d.store.Release(delivery.ID)
			})
			d.attempt(ctx, ep, delivery)
			return nil
		})
	}

	return started
}

func (d *Dispatcher) abandon(ctx context.Context, delivery *Delivery) {
	if !d.store.Abandon(delivery.ID) {
		return
	}
	d.metrics.ObserveDelivery(ctx, observability.OutcomeAbandoned, 0)
	d.logger.WithFields(map[string]interface{}{
		"delivery_id": delivery.ID,
		"endpoint_id": delivery.EndpointID,
	}).Debug("Abandoned delivery for missing or inactive endpoint")
	d.notifier.Publish(Notification{
		Kind:       NotifyDeliveryAbandoned,
		EndpointID: delivery.EndpointID,
		Delivery:   delivery,
	})
}

// attempt performs one HTTP attempt and applies the state transition
func (d *Dispatcher) attempt(ctx context.Context, ep *Endpoint, delivery *Delivery) {
	ctx, span := observability.Tracer().Start(ctx, "webhook.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("webhook.delivery_id", delivery.ID),
			attribute.String("webhook.endpoint_id", ep.ID),
			attribute.String("webhook.event_type", delivery.EventType),
			attribute.Int("webhook.attempt", delivery.Attempt+1),
		))
	defer span.End()

	logger := observability.UpdateLoggerWithTraceContext(ctx, d.logger).WithFields(map[string]interface{}{
		"delivery_id": delivery.ID,
		"endpoint_id": ep.ID,
		"event_id":    delivery.EventID,
	})

	result := d.sender.send(ctx, ep, delivery.URL, delivery.Headers, delivery.Payload)
	now := d.now()

	updated, err := d.store.Apply(delivery.ID, result, ep.RetryPolicy, now)
	if err != nil {
		logger.WithError(err).Error("Failed to record delivery attempt")
		return
	}

	if _, err := d.registry.RecordAttempt(ep.ID, result.Succeeded(), now); err != nil && !errors.Is(err, ErrEndpointNotFound) {
		logger.WithError(err).Error("Failed to update endpoint counters")
	}

	// Both writes are skipped once the endpoint has been deleted
	if err := d.writes.saveDelivery(ctx, updated); err != nil {
		d.metrics.PersistenceError("save_delivery")
		logger.WithError(err).Error("Failed to persist delivery")
	}
	if err := d.writes.saveEndpoint(ctx, ep.ID); err != nil {
		d.metrics.PersistenceError("save_endpoint")
		logger.WithError(err).Error("Failed to persist endpoint counters")
	}

	span.SetAttributes(attribute.Int("http.response.status_code", result.StatusCode))

	var kind NotificationKind
	switch updated.Status {
	case DeliveryStatusSuccess:
		kind = NotifyDeliverySucceeded
		d.metrics.ObserveDelivery(ctx, observability.OutcomeSuccess, result.Duration)
		logger.WithField("status_code", result.StatusCode).Debug("Delivery succeeded")
	case DeliveryStatusRetrying:
		kind = NotifyDeliveryRetrying
		span.SetStatus(codes.Error, updated.Error)
		d.metrics.ObserveDelivery(ctx, observability.OutcomeRetrying, result.Duration)
		logger.WithField("attempt", updated.Attempt).WithField("error", updated.Error).Info("Delivery failed, will retry")
	default:
		kind = NotifyDeliveryFailed
		span.SetStatus(codes.Error, updated.Error)
		d.metrics.ObserveDelivery(ctx, observability.OutcomeFailed, result.Duration)
		logger.WithField("attempt", updated.Attempt).WithField("error", updated.Error).Warn("Delivery failed permanently")
	}

	d.notifier.Publish(Notification{
		Kind:       kind,
		EndpointID: ep.ID,
		Delivery:   updated,
	})
}
