package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/courier/pkg/observability"
)

// Options configures a Manager
type Options struct {
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Persister  Persister
	HTTPClient *http.Client

	Dispatcher DispatcherConfig
	Validation ValidationOptions

	IdempotencyTTL        time.Duration
	IdempotencyCacheSize  int
	NotificationQueueSize int
}

// DefaultOptions returns the default manager options
func DefaultOptions() Options {
	return Options{
		Dispatcher: DispatcherConfig{
			TickInterval: DefaultTickInterval,
			Concurrency:  DefaultConcurrency,
		},
		Validation:            DefaultValidationOptions(),
		IdempotencyTTL:        24 * time.Hour,
		IdempotencyCacheSize:  10000,
		NotificationQueueSize: DefaultNotificationQueueSize,
	}
}

// Manager is the administrative facade over the registry, the delivery
// store and the dispatcher
type Manager struct {
	registry    *Registry
	store       *DeliveryStore
	notifier    *Notifier
	dispatcher  *Dispatcher
	sender      *sender
	limiter     *RateLimiter
	credentials *CredentialCache
	persister   Persister
	writes      *writeThrough
	metrics     *observability.Metrics
	logger      *observability.Logger
	now         func() time.Time

	publishMu   sync.Mutex
	idempotency *expirable.LRU[string, string]
}

// NewManager creates a manager
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.Persister == nil {
		opts.Persister = nopPersister{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.IdempotencyCacheSize <= 0 {
		opts.IdempotencyCacheSize = 10000
	}
	if opts.Validation.MinSecretLength == 0 && opts.Validation.DefaultTimeout == 0 {
		blockPrivate := opts.Validation.BlockPrivateNetworks
		opts.Validation = DefaultValidationOptions()
		opts.Validation.BlockPrivateNetworks = blockPrivate
	}

	logger := opts.Logger.WithField("component", "webhooks")

	m := &Manager{
		registry:    NewRegistry(opts.Validation),
		store:       NewDeliveryStore(),
		notifier:    NewNotifier(opts.NotificationQueueSize, logger, opts.Metrics),
		limiter:     NewRateLimiter(),
		credentials: NewCredentialCache(&http.Client{Timeout: 10 * time.Second, Transport: opts.HTTPClient.Transport}),
		persister:   opts.Persister,
		metrics:     opts.Metrics,
		logger:      logger,
		now:         time.Now,
		idempotency: expirable.NewLRU[string, string](opts.IdempotencyCacheSize, nil, opts.IdempotencyTTL),
	}
	m.sender = &sender{client: opts.HTTPClient, credentials: m.credentials}
	m.writes = newWriteThrough(m.persister, m.registry)
	m.dispatcher = newDispatcher(opts.Dispatcher, m.registry, m.store, m.notifier, m.sender,
		m.limiter, m.writes, m.metrics, logger)

	m.registry.OnDelete(m.purgeEndpoint)

	return m
}

// purgeEndpoint runs under the registry lock when an endpoint is deleted
func (m *Manager) purgeEndpoint(endpointID string) {
	removed := m.store.RemoveByEndpoint(endpointID)
	for _, id := range removed {
		m.metrics.ObserveDelivery(context.Background(), observability.OutcomeAbandoned, 0)
		d, err := m.store.Get(id)
		if err != nil {
			continue
		}
		m.notifier.Publish(Notification{Kind: NotifyDeliveryAbandoned, EndpointID: endpointID, Delivery: d})
	}
	if len(removed) > 0 {
		m.logger.WithField("endpoint_id", endpointID).
			WithField("removed", len(removed)).
			Info("Removed queued deliveries of deleted endpoint")
	}
}

// Dispatcher returns the delivery dispatcher
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Start starts the delivery dispatcher
func (m *Manager) Start(ctx context.Context) {
	m.dispatcher.Start(ctx)
}

// Stop drains in-flight deliveries and observer queues
func (m *Manager) Stop(ctx context.Context) error {
	return errors.Join(m.dispatcher.Stop(ctx), m.notifier.Close(ctx))
}

// Subscribe registers an observer for lifecycle notifications
func (m *Manager) Subscribe(name string, o Observer) func() {
	return m.notifier.Subscribe(name, o)
}

// CreateEndpoint registers a new endpoint
func (m *Manager) CreateEndpoint(ctx context.Context, in EndpointInput) (*Endpoint, error) {
	ep, err := m.registry.Create(in)
	if err != nil {
		return nil, err
	}

	m.persistEndpoint(ctx, ep.ID)
	m.updateEndpointGauge()
	m.notifier.Publish(Notification{Kind: NotifyEndpointCreated, EndpointID: ep.ID, Endpoint: ep})

	m.logger.WithField("endpoint_id", ep.ID).WithField("url", ep.URL).Info("Endpoint registered")
	return ep, nil
}

// UpdateEndpoint applies a partial update
func (m *Manager) UpdateEndpoint(ctx context.Context, id string, upd EndpointUpdate) (*Endpoint, error) {
	ep, err := m.registry.Update(id, upd)
	if err != nil {
		return nil, err
	}

	m.credentials.Forget(id)
	m.limiter.Reset(id)
	m.persistEndpoint(ctx, ep.ID)
	m.updateEndpointGauge()
	m.notifier.Publish(Notification{Kind: NotifyEndpointUpdated, EndpointID: ep.ID, Endpoint: ep})
	return ep, nil
}

// DeleteEndpoint removes an endpoint and its queued deliveries. Delivery
// records stay queryable.
func (m *Manager) DeleteEndpoint(ctx context.Context, id string) error {
	if err := m.registry.Delete(id); err != nil {
		return err
	}

	m.credentials.Forget(id)
	m.limiter.Reset(id)
	if err := m.writes.deleteEndpoint(ctx, id); err != nil {
		m.metrics.PersistenceError("delete_endpoint")
		m.logger.WithError(err).WithField("endpoint_id", id).Error("Failed to persist endpoint deletion")
	}
	m.updateEndpointGauge()
	m.notifier.Publish(Notification{Kind: NotifyEndpointDeleted, EndpointID: id})

	m.logger.WithField("endpoint_id", id).Info("Endpoint deleted")
	return nil
}

// ActivateEndpoint resumes deliveries to an endpoint
func (m *Manager) ActivateEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	return m.setActive(ctx, id, true)
}

// DeactivateEndpoint stops deliveries to an endpoint. Queued deliveries are
// abandoned when they come up for dispatch.
func (m *Manager) DeactivateEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	return m.setActive(ctx, id, false)
}

func (m *Manager) setActive(ctx context.Context, id string, active bool) (*Endpoint, error) {
	ep, err := m.registry.SetActive(id, active)
	if err != nil {
		return nil, err
	}
	m.persistEndpoint(ctx, ep.ID)
	m.updateEndpointGauge()
	m.notifier.Publish(Notification{Kind: NotifyEndpointUpdated, EndpointID: ep.ID, Endpoint: ep})
	return ep, nil
}

// GetEndpoint returns an endpoint by ID
func (m *Manager) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	return m.registry.Get(id)
}

// ListEndpoints returns every endpoint
func (m *Manager) ListEndpoints(_ context.Context) []*Endpoint {
	return m.registry.List()
}

// Submit publishes an event directly, satisfying Submitter
func (m *Manager) Submit(ctx context.Context, in EventInput) (SubmitResult, error) {
	event, duplicate, err := m.publish(ctx, in)
	if err != nil {
		return SubmitResult{}, err
	}
	if duplicate {
		return SubmitResult{Outcome: SubmitDuplicate, Event: event}, nil
	}
	return SubmitResult{Outcome: SubmitPublished, Event: event}, nil
}

// Publish records an event and creates one delivery per active subscribed
// endpoint. Delivery happens asynchronously. A repeated idempotency key
// returns the original event without creating deliveries.
func (m *Manager) Publish(ctx context.Context, in EventInput) (*Event, error) {
	event, _, err := m.publish(ctx, in)
	return event, err
}

func (m *Manager) publish(ctx context.Context, in EventInput) (*Event, bool, error) {
	if err := in.Validate(); err != nil {
		m.metrics.ObserveEvent(ctx, observability.EventRejected)
		return nil, false, err
	}

	if in.IdempotencyKey != "" {
		m.publishMu.Lock()
		defer m.publishMu.Unlock()

		if eventID, ok := m.idempotency.Get(in.IdempotencyKey); ok {
			if event, err := m.store.GetEvent(eventID); err == nil {
				m.metrics.ObserveEvent(ctx, observability.EventDuplicate)
				return event, true, nil
			}
		}
	}

	now := m.now().UTC()
	event := &Event{
		ID:        uuid.NewString(),
		Type:      in.Type,
		Source:    in.Source,
		Timestamp: now,
		Data:      in.Data,
		Metadata:  in.Metadata,
	}

	// The envelope is serialized once and shared by every delivery
	body, err := json.Marshal(event)
	if err != nil {
		m.metrics.ObserveEvent(ctx, observability.EventRejected)
		return nil, false, fmt.Errorf("%w: payload is not serializable: %v", ErrInvalidEvent, err)
	}

	m.store.SaveEvent(event)
	if err := m.persister.SaveEvent(ctx, event); err != nil {
		m.metrics.PersistenceError("save_event")
		m.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to persist event")
	}
	if in.IdempotencyKey != "" {
		m.idempotency.Add(in.IdempotencyKey, event.ID)
	}

	endpoints := m.registry.ListByEventType(event.Type)
	for _, ep := range endpoints {
		delivery, err := newDelivery(ep, event, body, now)
		if err != nil {
			m.logger.WithError(err).WithField("endpoint_id", ep.ID).Error("Failed to build delivery")
			continue
		}
		m.store.Enqueue(delivery)
		if err := m.writes.saveDelivery(ctx, delivery); err != nil {
			m.metrics.PersistenceError("save_delivery")
			m.logger.WithError(err).WithField("delivery_id", delivery.ID).Error("Failed to persist delivery")
		}
	}

	m.metrics.ObserveEvent(ctx, observability.EventPublished)
	m.metrics.SetQueueDepth(m.store.QueueDepth())
	m.notifier.Publish(Notification{Kind: NotifyEventPublished, Event: event})

	m.logger.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"deliveries": len(endpoints),
	}).Debug("Event published")

	return event, false, nil
}

func newDelivery(ep *Endpoint, event *Event, body []byte, now time.Time) (*Delivery, error) {
	id := uuid.NewString()
	headers, err := buildHeaders(ep, id, event, body)
	if err != nil {
		return nil, err
	}
	return &Delivery{
		ID:          id,
		EndpointID:  ep.ID,
		EventID:     event.ID,
		EventType:   event.Type,
		URL:         ep.URL,
		Headers:     headers,
		Payload:     append(json.RawMessage(nil), body...),
		Status:      DeliveryStatusPending,
		MaxAttempts: ep.RetryPolicy.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetEvent returns an event by ID
func (m *Manager) GetEvent(_ context.Context, id string) (*Event, error) {
	return m.store.GetEvent(id)
}

// GetDelivery returns a delivery by ID
func (m *Manager) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	return m.store.Get(id)
}

// ListDeliveries returns deliveries matching the filter, newest first
func (m *Manager) ListDeliveries(_ context.Context, f DeliveryFilter) []*Delivery {
	return m.store.List(f)
}

// Stats returns system-wide delivery statistics
func (m *Manager) Stats(_ context.Context) Stats {
	sum, events := m.store.summarize("")
	total, active := m.registry.Count()
	return Stats{
		TotalEndpoints:  total,
		ActiveEndpoints: active,
		TotalEvents:     events,
		TotalDeliveries: sum.total,
		Pending:         sum.pending,
		Retrying:        sum.retrying,
		Succeeded:       sum.succeeded,
		Failed:          sum.failed,
		Abandoned:       m.store.Abandoned(""),
		Queued:          m.store.QueueDepth(),
		InFlight:        m.dispatcher.InFlight(),
		SuccessRate:     sum.successRate(),
		AverageDuration: sum.averageDuration(),
	}
}

// EndpointStats returns delivery statistics for one endpoint
func (m *Manager) EndpointStats(_ context.Context, id string) (*EndpointStats, error) {
	ep, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	sum, _ := m.store.summarize(id)
	return &EndpointStats{
		EndpointID:      id,
		SuccessCount:    ep.SuccessCount,
		FailureCount:    ep.FailureCount,
		TotalDeliveries: sum.total,
		Pending:         sum.pending,
		Retrying:        sum.retrying,
		Succeeded:       sum.succeeded,
		Failed:          sum.failed,
		Abandoned:       m.store.Abandoned(id),
		SuccessRate:     sum.successRate(),
		AverageDuration: sum.averageDuration(),
		LastDeliveryAt:  ep.LastDeliveryAt,
		LastSuccessAt:   ep.LastSuccessAt,
	}, nil
}

// TestResult reports a synchronous test delivery
type TestResult struct {
	Success      bool          `json:"success"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

// TestEndpoint sends a synthetic webhook.test event to one endpoint and
// waits for the result. Nothing is queued or persisted and counters are
// left untouched.
func (m *Manager) TestEndpoint(ctx context.Context, id string) (*TestResult, error) {
	ep, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}

	event := &Event{
		ID:        uuid.NewString(),
		Type:      TestEventType,
		Source:    "courier",
		Timestamp: m.now().UTC(),
		Data: map[string]interface{}{
			"message":     "This is a test webhook delivery",
			"endpoint_id": ep.ID,
		},
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal test event: %w", err)
	}
	headers, err := buildHeaders(ep, "test-"+uuid.NewString(), event, body)
	if err != nil {
		return nil, err
	}

	result := m.sender.send(ctx, ep, ep.URL, headers, body)
	return &TestResult{
		Success:      result.Succeeded(),
		StatusCode:   result.StatusCode,
		ResponseTime: result.Duration,
		Error:        result.ErrorMessage(),
	}, nil
}

// Restore loads persisted endpoints, events and deliveries. Non-terminal
// deliveries rejoin the retry queue.
func (m *Manager) Restore(ctx context.Context) error {
	snap, err := m.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted state: %w", err)
	}

	for _, ep := range snap.Endpoints {
		m.registry.put(ep)
	}
	for _, e := range snap.Events {
		m.store.SaveEvent(e)
	}
	for _, d := range snap.Deliveries {
		m.store.Enqueue(d)
	}

	m.updateEndpointGauge()
	m.metrics.SetQueueDepth(m.store.QueueDepth())
	m.logger.WithFields(map[string]interface{}{
		"endpoints":  len(snap.Endpoints),
		"events":     len(snap.Events),
		"deliveries": len(snap.Deliveries),
		"queued":     m.store.QueueDepth(),
	}).Info("Restored persisted webhook state")
	return nil
}

// PruneDeliveries removes terminal deliveries not updated within maxAge and
// returns how many were removed
func (m *Manager) PruneDeliveries(ctx context.Context, maxAge time.Duration) (int, error) {
	res := m.store.Prune(m.now().Add(-maxAge))

	var errs []error
	if len(res.DeliveryIDs) > 0 {
		if err := m.persister.DeleteDeliveries(ctx, res.DeliveryIDs); err != nil {
			m.metrics.PersistenceError("delete_deliveries")
			errs = append(errs, err)
		}
	}
	if len(res.EventIDs) > 0 {
		if err := m.persister.DeleteEvents(ctx, res.EventIDs); err != nil {
			m.metrics.PersistenceError("delete_events")
			errs = append(errs, err)
		}
	}

	m.metrics.Pruned(len(res.DeliveryIDs))
	return len(res.DeliveryIDs), errors.Join(errs...)
}

func (m *Manager) persistEndpoint(ctx context.Context, id string) {
	if err := m.writes.saveEndpoint(ctx, id); err != nil {
		m.metrics.PersistenceError("save_endpoint")
		m.logger.WithError(err).WithField("endpoint_id", id).Error("Failed to persist endpoint")
	}
}

func (m *Manager) updateEndpointGauge() {
	total, _ := m.registry.Count()
	m.metrics.SetEndpoints(total)
}
