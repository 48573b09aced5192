package webhooks

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DeliveryStatus represents the status of a webhook delivery
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
)

// Terminal reports whether no further attempts will be made
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusFailed
}

// Valid reports whether s is a known status
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusRetrying, DeliveryStatusSuccess, DeliveryStatusFailed:
		return true
	}
	return false
}

// Delivery is one transmission of one event to one endpoint, with its own
// retry state. Headers and Payload are fixed at creation.
type Delivery struct {
	ID              string            `json:"id"`
	EndpointID      string            `json:"endpoint_id"`
	EventID         string            `json:"event_id"`
	EventType       string            `json:"event_type"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"request_headers"`
	Payload         json.RawMessage   `json:"payload"`
	Status          DeliveryStatus    `json:"status"`
	Attempt         int               `json:"attempt"`
	MaxAttempts     int               `json:"max_attempts"`
	ResponseStatus  int               `json:"response_status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	Error           string            `json:"error,omitempty"`
	Duration        time.Duration     `json:"duration,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	DeliveredAt     *time.Time        `json:"delivered_at,omitempty"`
	NextRetryAt     *time.Time        `json:"next_retry_at,omitempty"`
}

func (d *Delivery) clone() *Delivery {
	c := *d
	c.Headers = copyHeaders(d.Headers)
	c.ResponseHeaders = copyHeaders(d.ResponseHeaders)
	c.Payload = append(json.RawMessage(nil), d.Payload...)
	c.DeliveredAt = cloneTime(d.DeliveredAt)
	c.NextRetryAt = cloneTime(d.NextRetryAt)
	return &c
}

// AttemptResult is the outcome of one HTTP attempt
type AttemptResult struct {
	StatusCode int
	Headers    map[string]string
	Body       string
	Err        error
	Duration   time.Duration
}

// Succeeded reports a 2xx response without transport error
func (r AttemptResult) Succeeded() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrorMessage describes a failed attempt
func (r AttemptResult) ErrorMessage() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	if !r.Succeeded() {
		return fmt.Sprintf("endpoint returned non-2xx status: %d", r.StatusCode)
	}
	return ""
}

// DeliveryFilter selects deliveries for listing
type DeliveryFilter struct {
	EndpointID  string
	EventID     string
	Status      DeliveryStatus
	PendingOnly bool
	Limit       int
}

// DeliveryStore owns events, deliveries and the retry queue. A delivery is
// queued from creation until it reaches a terminal state, is abandoned, or
// its endpoint is deleted. All methods are safe for concurrent use.
type DeliveryStore struct {
	mu         sync.RWMutex
	events     map[string]*Event
	deliveries map[string]*Delivery
	queue      map[string]struct{}
	inFlight   map[string]struct{}

	abandoned      map[string]int
	abandonedTotal int
}

// NewDeliveryStore creates an empty store
func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{
		events:     make(map[string]*Event),
		deliveries: make(map[string]*Delivery),
		queue:      make(map[string]struct{}),
		inFlight:   make(map[string]struct{}),
		abandoned:  make(map[string]int),
	}
}

// SaveEvent stores an event
func (s *DeliveryStore) SaveEvent(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.events[e.ID] = &c
}

// GetEvent returns an event by ID
func (s *DeliveryStore) GetEvent(id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	c := *e
	return &c, nil
}

// Enqueue stores a delivery. Non-terminal deliveries join the retry queue.
func (s *DeliveryStore) Enqueue(d *Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d.clone()
	if !d.Status.Terminal() {
		s.queue[d.ID] = struct{}{}
	}
}

// Get returns a delivery by ID
func (s *DeliveryStore) Get(id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	return d.clone(), nil
}

// List returns matching deliveries, newest first
func (s *DeliveryStore) List(f DeliveryFilter) []*Delivery {
	s.mu.RLock()
	var out []*Delivery
	for id, d := range s.deliveries {
		if f.EndpointID != "" && d.EndpointID != f.EndpointID {
			continue
		}
		if f.EventID != "" && d.EventID != f.EventID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.PendingOnly {
			if _, queued := s.queue[id]; !queued {
				continue
			}
		}
		out = append(out, d.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Ready returns up to limit queued deliveries that are due at now and not
// already in flight, oldest first.
func (s *DeliveryStore) Ready(now time.Time, limit int) []*Delivery {
	if limit <= 0 {
		return nil
	}

	s.mu.RLock()
	var out []*Delivery
	for id := range s.queue {
		if _, busy := s.inFlight[id]; busy {
			continue
		}
		d := s.deliveries[id]
		switch d.Status {
		case DeliveryStatusPending:
		case DeliveryStatusRetrying:
			if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
				continue
			}
		default:
			continue
		}
		out = append(out, d.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MarkInFlight claims a queued delivery for an attempt. It returns false when
// the delivery is no longer queued or is already being attempted.
func (s *DeliveryStore) MarkInFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, queued := s.queue[id]; !queued {
		return false
	}
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

// Release returns a claimed delivery to the queue untouched
func (s *DeliveryStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// Apply records an attempt and moves the delivery along its state machine.
// A delivery whose endpoint was deleted mid-flight is updated but not requeued.
func (s *DeliveryStore) Apply(id string, result AttemptResult, policy RetryPolicy, now time.Time) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, id)

	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	if d.Status.Terminal() {
		return d.clone(), nil
	}

	now = now.UTC()
	d.Attempt++
	d.UpdatedAt = now
	d.Duration = result.Duration
	d.ResponseStatus = result.StatusCode
	d.ResponseHeaders = copyHeaders(result.Headers)
	d.ResponseBody = result.Body

	switch {
	case result.Succeeded():
		d.Status = DeliveryStatusSuccess
		d.Error = ""
		d.DeliveredAt = &now
		d.NextRetryAt = nil
		delete(s.queue, id)
	case d.Attempt >= d.MaxAttempts:
		d.Status = DeliveryStatusFailed
		d.Error = result.ErrorMessage()
		d.NextRetryAt = nil
		delete(s.queue, id)
	default:
		d.Status = DeliveryStatusRetrying
		d.Error = result.ErrorMessage()
		next := now.Add(Backoff(d.Attempt, policy))
		d.NextRetryAt = &next
	}

	return d.clone(), nil
}

// Abandon drops a queued delivery without changing its status
func (s *DeliveryStore) Abandon(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandonLocked(id)
}

func (s *DeliveryStore) abandonLocked(id string) bool {
	delete(s.inFlight, id)
	if _, queued := s.queue[id]; !queued {
		return false
	}
	delete(s.queue, id)
	if d, ok := s.deliveries[id]; ok {
		s.abandoned[d.EndpointID]++
	}
	s.abandonedTotal++
	return true
}

// RemoveByEndpoint removes every queued delivery of an endpoint from the
// retry queue and returns their IDs. The records stay queryable; an attempt
// already in flight completes but is not requeued.
func (s *DeliveryStore) RemoveByEndpoint(endpointID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id := range s.queue {
		if s.deliveries[id].EndpointID != endpointID {
			continue
		}
		delete(s.queue, id)
		s.abandoned[endpointID]++
		s.abandonedTotal++
		removed = append(removed, id)
	}
	sort.Strings(removed)
	return removed
}

// PruneResult lists what Prune removed
type PruneResult struct {
	DeliveryIDs []string
	EventIDs    []string
}

// Prune deletes terminal deliveries last updated before cutoff, and events
// older than cutoff that no longer have deliveries.
func (s *DeliveryStore) Prune(cutoff time.Time) PruneResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res PruneResult
	for id, d := range s.deliveries {
		if !d.Status.Terminal() || !d.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(s.deliveries, id)
		res.DeliveryIDs = append(res.DeliveryIDs, id)
	}

	referenced := make(map[string]struct{}, len(s.deliveries))
	for _, d := range s.deliveries {
		referenced[d.EventID] = struct{}{}
	}
	for id, e := range s.events {
		if _, ok := referenced[id]; ok || !e.Timestamp.Before(cutoff) {
			continue
		}
		delete(s.events, id)
		res.EventIDs = append(res.EventIDs, id)
	}

	sort.Strings(res.DeliveryIDs)
	sort.Strings(res.EventIDs)
	return res
}

// QueueDepth returns the number of queued deliveries
func (s *DeliveryStore) QueueDepth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

// Abandoned returns the abandoned count for an endpoint, or the total when
// endpointID is empty
func (s *DeliveryStore) Abandoned(endpointID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if endpointID == "" {
		return s.abandonedTotal
	}
	return s.abandoned[endpointID]
}
