package webhooks

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry owns the set of webhook endpoints and their delivery counters.
// All methods are safe for concurrent use and return copies.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	opts      ValidationOptions
	now       func() time.Time

	// onDelete runs while the registry lock is held so that no delivery for
	// the endpoint can be scheduled between removal and purge.
	onDelete func(endpointID string)
}

// NewRegistry creates an empty registry
func NewRegistry(opts ValidationOptions) *Registry {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultValidationOptions().DefaultTimeout
	}
	return &Registry{
		endpoints: make(map[string]*Endpoint),
		opts:      opts,
		now:       time.Now,
	}
}

// OnDelete sets the hook invoked when an endpoint is deleted
func (r *Registry) OnDelete(fn func(endpointID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDelete = fn
}

// Create validates and stores a new endpoint
func (r *Registry) Create(in EndpointInput) (*Endpoint, error) {
	now := r.now().UTC()

	ep := &Endpoint{
		ID:                 uuid.NewString(),
		Name:               in.Name,
		Description:        in.Description,
		URL:                in.URL,
		Secret:             in.Secret,
		Events:             dedupe(in.Events),
		Headers:            copyHeaders(in.Headers),
		Timeout:            in.Timeout,
		SignatureHeader:    in.SignatureHeader,
		Algorithm:          in.Algorithm,
		RateLimitPerMinute: in.RateLimitPerMinute,
		Auth:               in.Auth,
		Active:             in.Active == nil || *in.Active,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.RetryPolicy != nil {
		ep.RetryPolicy = *in.RetryPolicy
	} else {
		ep.RetryPolicy = DefaultRetryPolicy()
	}
	r.applyDefaults(ep)

	if err := validateEndpoint(ep, r.opts); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ep.ID] = ep.clone()
	return ep, nil
}

func (r *Registry) applyDefaults(ep *Endpoint) {
	if ep.Timeout == 0 {
		ep.Timeout = r.opts.DefaultTimeout
	}
	if ep.SignatureHeader == "" {
		ep.SignatureHeader = DefaultSignatureHeader
	}
	if ep.Algorithm == "" {
		ep.Algorithm = DefaultAlgorithm
	}
	if ep.Name == "" {
		if u, err := url.Parse(ep.URL); err == nil {
			ep.Name = u.Host
		}
	}
}

// Update applies a partial update. Counters are never touched.
func (r *Registry) Update(id string, upd EndpointUpdate) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}

	ep := current.clone()
	if upd.Name != nil {
		ep.Name = *upd.Name
	}
	if upd.Description != nil {
		ep.Description = *upd.Description
	}
	if upd.URL != nil {
		ep.URL = *upd.URL
	}
	if upd.Secret != nil {
		ep.Secret = *upd.Secret
	}
	if upd.Events != nil {
		ep.Events = dedupe(upd.Events)
	}
	if upd.Headers != nil {
		ep.Headers = copyHeaders(upd.Headers)
	}
	if upd.Timeout != nil {
		ep.Timeout = *upd.Timeout
	}
	if upd.SignatureHeader != nil {
		ep.SignatureHeader = *upd.SignatureHeader
	}
	if upd.Algorithm != nil {
		ep.Algorithm = *upd.Algorithm
	}
	if upd.RetryPolicy != nil {
		ep.RetryPolicy = *upd.RetryPolicy
	}
	if upd.RateLimitPerMinute != nil {
		ep.RateLimitPerMinute = *upd.RateLimitPerMinute
	}
	if upd.Auth != nil {
		// An empty credentials object removes authentication
		if upd.Auth.empty() {
			ep.Auth = nil
		} else {
			ep.Auth = upd.Auth
		}
	}
	if upd.Active != nil {
		ep.Active = *upd.Active
	}
	r.applyDefaults(ep)

	if err := validateEndpoint(ep, r.opts); err != nil {
		return nil, err
	}

	ep.UpdatedAt = r.now().UTC()
	r.endpoints[id] = ep.clone()
	return ep, nil
}

// Delete removes an endpoint and purges its queued deliveries
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[id]; !ok {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	delete(r.endpoints, id)

	if r.onDelete != nil {
		r.onDelete(id)
	}
	return nil
}

// Get returns an endpoint by ID
func (r *Registry) Get(id string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	return ep.clone(), nil
}

// List returns every endpoint ordered by creation time
func (r *Registry) List() []*Endpoint {
	return r.filter(func(*Endpoint) bool { return true })
}

// ListByEventType returns active endpoints subscribed to eventType
func (r *Registry) ListByEventType(eventType string) []*Endpoint {
	return r.filter(func(ep *Endpoint) bool {
		return ep.Active && ep.Subscribes(eventType)
	})
}

func (r *Registry) filter(keep func(*Endpoint) bool) []*Endpoint {
	r.mu.RLock()
	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if keep(ep) {
			out = append(out, ep.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of registered endpoints and how many are active
func (r *Registry) Count() (total, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ep := range r.endpoints {
		total++
		if ep.Active {
			active++
		}
	}
	return total, active
}

// RecordAttempt updates delivery counters after an attempt. Any failed
// attempt, whether it will be retried or not, counts as a failure.
func (r *Registry) RecordAttempt(id string, success bool, at time.Time) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}

	at = at.UTC()
	ep.LastDeliveryAt = &at
	if success {
		ep.SuccessCount++
		ep.LastSuccessAt = cloneTime(&at)
	} else {
		ep.FailureCount++
	}
	return ep.clone(), nil
}

// SetActive toggles whether an endpoint receives deliveries
func (r *Registry) SetActive(id string, active bool) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	if ep.Active != active {
		ep.Active = active
		ep.UpdatedAt = r.now().UTC()
	}
	return ep.clone(), nil
}

// put stores an endpoint as-is, used when restoring persisted state
func (r *Registry) put(ep *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ep.ID] = ep.clone()
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
