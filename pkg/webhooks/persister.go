package webhooks

import (
	"context"
	"errors"
	"sync"
)

// Persister receives write-through copies of registry and store changes.
// Write errors are logged and counted by the caller; in-memory state stays
// authoritative.
type Persister interface {
	SaveEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	SaveEvent(ctx context.Context, e *Event) error
	SaveDelivery(ctx context.Context, d *Delivery) error
	DeleteDeliveries(ctx context.Context, ids []string) error
	DeleteEvents(ctx context.Context, ids []string) error
	Load(ctx context.Context) (*Snapshot, error)
}

// Snapshot is the persisted state restored on startup
type Snapshot struct {
	Endpoints  []*Endpoint
	Events     []*Event
	Deliveries []*Delivery
}

type nopPersister struct{}

func (nopPersister) SaveEndpoint(context.Context, *Endpoint) error { return nil }
func (nopPersister) DeleteEndpoint(context.Context, string) error { return nil }
func (nopPersister) SaveEvent(context.Context, *Event) error { return nil }
func (nopPersister) SaveDelivery(context.Context, *Delivery) error { return nil }
func (nopPersister) DeleteDeliveries(context.Context, []string) error { return nil }
func (nopPersister) DeleteEvents(context.Context, []string) error { return nil }
func (nopPersister) Load(context.Context) (*Snapshot, error) { return &Snapshot{}, nil }

// writeThrough orders the writes that belong to one endpoint. Each write
// re-reads the registry under the endpoint's lock, so a slow writer never
// stores an older endpoint over a newer one, and nothing of an endpoint is
// written once it is gone from the registry.
type writeThrough struct {
	persister Persister
	registry  *Registry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newWriteThrough(persister Persister, registry *Registry) *writeThrough {
	return &writeThrough{
		persister: persister,
		registry:  registry,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (w *writeThrough) lock(endpointID string) func() {
	w.mu.Lock()
	l, ok := w.locks[endpointID]
	if !ok {
		l = &sync.Mutex{}
		w.locks[endpointID] = l
	}
	w.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// saveEndpoint persists the registry's current copy of an endpoint
func (w *writeThrough) saveEndpoint(ctx context.Context, id string) error {
	defer w.lock(id)()

	ep, err := w.registry.Get(id)
	if errors.Is(err, ErrEndpointNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return w.persister.SaveEndpoint(ctx, ep)
}

// deleteEndpoint persists a deletion. The endpoint must already be gone from
// the registry.
func (w *writeThrough) deleteEndpoint(ctx context.Context, id string) error {
	unlock := w.lock(id)
	err := w.persister.DeleteEndpoint(ctx, id)
	unlock()

	w.mu.Lock()
	delete(w.locks, id)
	w.mu.Unlock()
	return err
}

// saveDelivery persists a delivery unless its endpoint has been deleted
func (w *writeThrough) saveDelivery(ctx context.Context, d *Delivery) error {
	defer w.lock(d.EndpointID)()

	if _, err := w.registry.Get(d.EndpointID); err != nil {
		return nil
	}
	return w.persister.SaveDelivery(ctx, d)
}
