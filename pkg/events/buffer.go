package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/courier/pkg/async"
	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

// Buffer defaults
const (
	DefaultCapacity      = 1000
	DefaultBatchSize     = 50
	DefaultFlushInterval = 5 * time.Second
)

// Metadata keys stamped on buffered events
const (
	MetadataCategory = "category"
	MetadataPriority = "priority"
)

// BufferConfig configures a Buffer
type BufferConfig struct {
	Capacity      int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultBufferConfig returns the default buffer configuration
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		Capacity:      DefaultCapacity,
		BatchSize:     DefaultBatchSize,
		FlushInterval: DefaultFlushInterval,
	}
}

// Buffer sits in front of the publisher. It drops events matched by an
// exclusion filter, publishes high and critical events immediately and
// holds the rest until the buffer fills or the flush interval elapses.
type Buffer struct {
	cfg     BufferConfig
	next    webhooks.Submitter
	filters *FilterSet
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	pending []webhooks.EventInput

	// flushMu keeps batches in submission order
	flushMu sync.Mutex
	flushes *async.Group

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewBuffer creates a buffer publishing through next
func NewBuffer(cfg BufferConfig, next webhooks.Submitter, filters *FilterSet,
	logger *observability.Logger, metrics *observability.Metrics) *Buffer {
	defaults := DefaultBufferConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaults.Capacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if filters == nil {
		filters = NewFilterSet()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	logger = logger.WithField("component", "event_buffer")

	return &Buffer{
		cfg:     cfg,
		next:    next,
		filters: filters,
		logger:  logger,
		metrics: metrics,
		flushes: async.NewGroup(logger),
	}
}

// Filters returns the exclusion filters consulted by Submit
func (b *Buffer) Filters() *FilterSet {
	return b.filters
}

// Submit filters, classifies and either publishes or buffers an event
func (b *Buffer) Submit(ctx context.Context, in webhooks.EventInput) (webhooks.SubmitResult, error) {
	if err := in.Validate(); err != nil {
		b.metrics.ObserveEvent(ctx, observability.EventRejected)
		return webhooks.SubmitResult{}, err
	}

	if !b.filters.ShouldPublish(in) {
		b.metrics.ObserveEvent(ctx, observability.EventSuppressed)
		b.logger.WithField("event_type", in.Type).Debug("Event suppressed by filter")
		return webhooks.SubmitResult{Outcome: webhooks.SubmitSuppressed}, nil
	}

	class := Classify(in.Type)
	in.Metadata = stampClassification(in.Metadata, class)

	if class.Priority.Urgent() {
		return b.next.Submit(ctx, in)
	}

	b.mu.Lock()
	b.pending = append(b.pending, in)
	var full []webhooks.EventInput
	if len(b.pending) >= b.cfg.Capacity {
		full = b.pending
		b.pending = nil
	}
	size := len(b.pending)
	b.mu.Unlock()

	b.metrics.ObserveEvent(ctx, observability.EventBuffered)
	b.metrics.SetBufferSize(size)

	if full != nil {
		b.flushes.Go(context.WithoutCancel(ctx), "buffer flush", func(ctx context.Context) error {
			_, err := b.publish(ctx, full)
			return err
		})
	}

	return webhooks.SubmitResult{Outcome: webhooks.SubmitBuffered}, nil
}

func stampClassification(md map[string]interface{}, class Classification) map[string]interface{} {
	out := make(map[string]interface{}, len(md)+2)
	for k, v := range md {
		out[k] = v
	}
	if _, ok := out[MetadataCategory]; !ok {
		out[MetadataCategory] = string(class.Category)
	}
	if _, ok := out[MetadataPriority]; !ok {
		out[MetadataPriority] = string(class.Priority)
	}
	return out
}

// Size returns the number of buffered events
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush publishes every buffered event and returns how many were published
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	b.metrics.SetBufferSize(0)
	if len(batch) == 0 {
		return 0, nil
	}
	return b.publish(ctx, batch)
}

// publish sends events in batches of BatchSize. Events within a batch are
// published concurrently; batches run in order.
func (b *Buffer) publish(ctx context.Context, events []webhooks.EventInput) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	var (
		mu        sync.Mutex
		published int
		errs      []error
	)

	for start := 0; start < len(events); start += b.cfg.BatchSize {
		end := start + b.cfg.BatchSize
		if end > len(events) {
			end = len(events)
		}

		var g errgroup.Group
		g.SetLimit(b.cfg.BatchSize)
		for _, in := range events[start:end] {
			in := in
			g.Go(func() error {
				_, err := b.next.Submit(ctx, in)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					b.logger.WithError(err).WithField("event_type", in.Type).Error("Failed to publish buffered event")
					return nil
				}
				published++
				return nil
			})
		}
		_ = g.Wait()
	}

	if published > 0 {
		b.logger.WithField("published", published).WithField("failed", len(errs)).Debug("Flushed event buffer")
	}
	return published, errors.Join(errs...)
}

// Start launches the periodic flush loop
func (b *Buffer) Start(ctx context.Context) {
	b.loopMu.Lock()
	defer b.loopMu.Unlock()

	if b.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.loop(loopCtx, b.done)

	b.logger.WithFields(map[string]interface{}{
		"capacity":       b.cfg.Capacity,
		"batch_size":     b.cfg.BatchSize,
		"flush_interval": b.cfg.FlushInterval.String(),
	}).Info("Event buffer started")
}

func (b *Buffer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer observability.RecoverPanic(b.logger, "event buffer")

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Flush(context.WithoutCancel(ctx)); err != nil {
				b.logger.WithError(err).Warn("Periodic buffer flush had failures")
			}
		}
	}
}

// Stop ends the flush loop, waits for pending flushes and publishes what is
// left in the buffer
func (b *Buffer) Stop(ctx context.Context) error {
	b.loopMu.Lock()
	if b.running {
		b.cancel()
		done := b.done
		b.running = false
		b.loopMu.Unlock()
		<-done
	} else {
		b.loopMu.Unlock()
	}

	if err := b.flushes.Wait(ctx); err != nil {
		return err
	}

	n, err := b.Flush(ctx)
	b.logger.WithField("published", n).Info("Event buffer stopped")
	return err
}
