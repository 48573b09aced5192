package webhooks

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDelivery(id, endpointID, eventID string, createdAt time.Time) *Delivery {
	return &Delivery{
		ID:          id,
		EndpointID:  endpointID,
		EventID:     eventID,
		EventType:   "doc.uploaded",
		URL:         "https://example.com/hook",
		Headers:     map[string]string{HeaderDeliveryID: id},
		Payload:     []byte(`{"id":"` + eventID + `"}`),
		Status:      DeliveryStatusPending,
		MaxAttempts: 3,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func failure(code int) AttemptResult {
	return AttemptResult{StatusCode: code, Duration: 5 * time.Millisecond}
}

func TestDeliveryStore_StateMachine(t *testing.T) {
	store := NewDeliveryStore()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	policy := DefaultRetryPolicy()

	store.Enqueue(newTestDelivery("d1", "ep1", "evt1", start))
	assert.Equal(t, 1, store.QueueDepth())

	d, err := store.Apply("d1", failure(500), policy, start)
	require.NoError(t, err)
	assert.Equal(t, DeliveryStatusRetrying, d.Status)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, 500, d.ResponseStatus)
	assert.Equal(t, "endpoint returned non-2xx status: 500", d.Error)
	require.NotNil(t, d.NextRetryAt)
	assert.Equal(t, start.Add(time.Second), *d.NextRetryAt)

	d, err = store.Apply("d1", failure(502), policy, start.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, DeliveryStatusRetrying, d.Status)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, start.Add(3*time.Second), *d.NextRetryAt)

	d, err = store.Apply("d1", failure(503), policy, start.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, DeliveryStatusFailed, d.Status)
	assert.Equal(t, 3, d.Attempt)
	assert.Nil(t, d.NextRetryAt)
	assert.Nil(t, d.DeliveredAt)
	assert.Equal(t, 0, store.QueueDepth())

	// Terminal deliveries ignore further attempts
	d, err = store.Apply("d1", AttemptResult{StatusCode: 200}, policy, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DeliveryStatusFailed, d.Status)
	assert.Equal(t, 3, d.Attempt)
}

func TestDeliveryStore_ApplySuccess(t *testing.T) {
	store := NewDeliveryStore()
	now := time.Now()

	store.Enqueue(newTestDelivery("d1", "ep1", "evt1", now))
	_, err := store.Apply("d1", failure(500), DefaultRetryPolicy(), now)
	require.NoError(t, err)

	d, err := store.Apply("d1", AttemptResult{
		StatusCode: 204,
		Headers:    map[string]string{"X-Request-Id": "abc"},
		Body:       "ok",
	}, DefaultRetryPolicy(), now.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, DeliveryStatusSuccess, d.Status)
	assert.Equal(t, 2, d.Attempt)
	assert.Empty(t, d.Error)
	assert.Nil(t, d.NextRetryAt)
	require.NotNil(t, d.DeliveredAt)
	assert.Equal(t, "abc", d.ResponseHeaders["X-Request-Id"])
	assert.Equal(t, "ok", d.ResponseBody)
	assert.Equal(t, 0, store.QueueDepth())
}

func TestDeliveryStore_ApplyTransportError(t *testing.T) {
	store := NewDeliveryStore()
	now := time.Now()
	store.Enqueue(newTestDelivery("d1", "ep1", "evt1", now))

	d, err := store.Apply("d1", AttemptResult{Err: errors.New("connection refused")}, DefaultRetryPolicy(), now)
	require.NoError(t, err)
	assert.Equal(t, DeliveryStatusRetrying, d.Status)
	assert.Equal(t, "connection refused", d.Error)
	assert.Zero(t, d.ResponseStatus)
}

func TestDeliveryStore_ApplyUnknown(t *testing.T) {
	store := NewDeliveryStore()
	_, err := store.Apply("missing", failure(500), DefaultRetryPolicy(), time.Now())
	assert.ErrorIs(t, err, ErrDeliveryNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeliveryStore_Ready(t *testing.T) {
	store := NewDeliveryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	store.Enqueue(newTestDelivery("b", "ep1", "evt1", base.Add(2*time.Second)))
	store.Enqueue(newTestDelivery("a", "ep1", "evt1", base.Add(time.Second)))
	store.Enqueue(newTestDelivery("c", "ep1", "evt1", base.Add(3*time.Second)))

	ready := store.Ready(base, 10)
	require.Len(t, ready, 3)
	assert.Equal(t, "a", ready[0].ID)
	assert.Equal(t, "b", ready[1].ID)
	assert.Equal(t, "c", ready[2].ID)

	assert.Len(t, store.Ready(base, 2), 2)
	assert.Empty(t, store.Ready(base, 0))

	// In-flight deliveries are not offered again
	require.True(t, store.MarkInFlight("a"))
	assert.False(t, store.MarkInFlight("a"))
	assert.Len(t, store.Ready(base, 10), 2)

	store.Release("a")
	assert.Len(t, store.Ready(base, 10), 3)

	// Retrying deliveries wait for their retry time
	_, err := store.Apply("a", failure(500), DefaultRetryPolicy(), base)
	require.NoError(t, err)
	assert.Len(t, store.Ready(base, 10), 2)
	assert.Len(t, store.Ready(base.Add(time.Second), 10), 3)
}

func TestDeliveryStore_List(t *testing.T) {
	store := NewDeliveryStore()
	base := time.Now()

	store.Enqueue(newTestDelivery("d1", "ep1", "evt1", base))
	store.Enqueue(newTestDelivery("d2", "ep2", "evt1", base.Add(time.Second)))
	store.Enqueue(newTestDelivery("d3", "ep1", "evt2", base.Add(2*time.Second)))
	_, err := store.Apply("d3", AttemptResult{StatusCode: 200}, DefaultRetryPolicy(), base)
	require.NoError(t, err)

	all := store.List(DeliveryFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "d3", all[0].ID, "newest first")

	assert.Len(t, store.List(DeliveryFilter{EndpointID: "ep1"}), 2)
	assert.Len(t, store.List(DeliveryFilter{EventID: "evt1"}), 2)
	assert.Len(t, store.List(DeliveryFilter{Status: DeliveryStatusSuccess}), 1)
	assert.Len(t, store.List(DeliveryFilter{PendingOnly: true}), 2)
	assert.Len(t, store.List(DeliveryFilter{Limit: 1}), 1)
}

func TestDeliveryStore_ReturnsCopies(t *testing.T) {
	store := NewDeliveryStore()
	d := newTestDelivery("d1", "ep1", "evt1", time.Now())
	store.Enqueue(d)

	d.Headers[HeaderDeliveryID] = "mutated"
	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", got.Headers[HeaderDeliveryID])

	got.Status = DeliveryStatusFailed
	again, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, DeliveryStatusPending, again.Status)
}

func TestDeliveryStore_Abandon(t *testing.T) {
	store := NewDeliveryStore()
	store.Enqueue(newTestDelivery("d1", "ep1", "evt1", time.Now()))

	assert.True(t, store.Abandon("d1"))
	assert.False(t, store.Abandon("d1"))

	d, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, DeliveryStatusPending, d.Status, "status is kept")
	assert.Equal(t, 0, store.QueueDepth())
	assert.Equal(t, 1, store.Abandoned("ep1"))
	assert.Equal(t, 1, store.Abandoned(""))
}

func TestDeliveryStore_RemoveByEndpoint(t *testing.T) {
	store := NewDeliveryStore()
	now := time.Now()
	store.Enqueue(newTestDelivery("d1", "ep1", "evt1", now))
	store.Enqueue(newTestDelivery("d2", "ep1", "evt2", now))
	store.Enqueue(newTestDelivery("d3", "ep2", "evt1", now))

	removed := store.RemoveByEndpoint("ep1")
	assert.Equal(t, []string{"d1", "d2"}, removed)
	assert.Equal(t, 1, store.QueueDepth())
	assert.Equal(t, 2, store.Abandoned("ep1"))

	// Records stay queryable
	_, err := store.Get("d1")
	assert.NoError(t, err)

	assert.Empty(t, store.RemoveByEndpoint("ep1"))
}

func TestDeliveryStore_Prune(t *testing.T) {
	store := NewDeliveryStore()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	store.SaveEvent(&Event{ID: "evt-old", Type: "doc.uploaded", Timestamp: old})
	store.SaveEvent(&Event{ID: "evt-kept", Type: "doc.uploaded", Timestamp: old})
	store.SaveEvent(&Event{ID: "evt-new", Type: "doc.uploaded", Timestamp: recent})

	store.Enqueue(newTestDelivery("done", "ep1", "evt-old", old))
	_, err := store.Apply("done", AttemptResult{StatusCode: 200}, DefaultRetryPolicy(), old)
	require.NoError(t, err)
	store.Enqueue(newTestDelivery("queued", "ep1", "evt-kept", old))

	res := store.Prune(recent.Add(-24 * time.Hour))
	assert.Equal(t, []string{"done"}, res.DeliveryIDs)
	assert.Equal(t, []string{"evt-old"}, res.EventIDs)

	_, err = store.Get("queued")
	assert.NoError(t, err)
	_, err = store.GetEvent("evt-kept")
	assert.NoError(t, err)
	_, err = store.GetEvent("evt-new")
	assert.NoError(t, err)
	_, err = store.GetEvent("evt-old")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestDeliveryStore_ConcurrentAccess(t *testing.T) {
	store := NewDeliveryStore()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("d%d", i)
			store.Enqueue(newTestDelivery(id, "ep1", "evt1", now))
			if store.MarkInFlight(id) {
				_, _ = store.Apply(id, AttemptResult{StatusCode: 200}, DefaultRetryPolicy(), now)
			}
			_ = store.List(DeliveryFilter{})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, store.QueueDepth())
	assert.Len(t, store.List(DeliveryFilter{Status: DeliveryStatusSuccess}), 10)
}

func TestAttemptResult(t *testing.T) {
	assert.True(t, AttemptResult{StatusCode: 200}.Succeeded())
	assert.True(t, AttemptResult{StatusCode: 299}.Succeeded())
	assert.False(t, AttemptResult{StatusCode: 300}.Succeeded())
	assert.False(t, AttemptResult{StatusCode: 200, Err: errors.New("boom")}.Succeeded())

	assert.Empty(t, AttemptResult{StatusCode: 201}.ErrorMessage())
	assert.Equal(t, "endpoint returned non-2xx status: 404", AttemptResult{StatusCode: 404}.ErrorMessage())
}

func TestDeliveryStatus(t *testing.T) {
	assert.True(t, DeliveryStatusSuccess.Terminal())
	assert.True(t, DeliveryStatusFailed.Terminal())
	assert.False(t, DeliveryStatusPending.Terminal())
	assert.False(t, DeliveryStatusRetrying.Terminal())
	assert.False(t, DeliveryStatus("unknown").Valid())
}
