package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/courier/pkg/storage"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

// setupRedisTest creates a miniredis instance and a connected client
func setupRedisTest(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := storage.DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	client, err := NewRedisClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.RedisURL = "invalid://url"

	_, err := NewRedisClient(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewRedisClient_ConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := storage.DefaultConfig()
	cfg.RedisURL = "redis://" + addr

	_, err := NewRedisClient(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestNotificationPublisher_Publishes(t *testing.T) {
	client, _ := setupRedisTest(t)
	ctx := context.Background()

	pub := NewNotificationPublisher(client, "")
	assert.Equal(t, storage.DefaultRedisChannel, pub.Channel())
	require.NoError(t, pub.Ping(ctx))

	sub := client.Subscribe(ctx, pub.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	note := webhooks.Notification{
		Kind:       webhooks.NotifyDeliveryFailed,
		Timestamp:  time.Now().UTC(),
		EndpointID: "ep-1",
		Delivery:   &webhooks.Delivery{ID: "d-1", EndpointID: "ep-1", Status: webhooks.DeliveryStatusFailed},
	}
	require.NoError(t, pub.Notify(ctx, note))

	select {
	case msg := <-sub.Channel():
		var got webhooks.Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, webhooks.NotifyDeliveryFailed, got.Kind)
		assert.Equal(t, "ep-1", got.EndpointID)
		require.NotNil(t, got.Delivery)
		assert.Equal(t, "d-1", got.Delivery.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not published")
	}
}

func TestNotificationPublisher_Recent(t *testing.T) {
	client, mr := setupRedisTest(t)
	ctx := context.Background()

	pub := NewNotificationPublisher(client, "courier:test")
	pub.recent = 3

	for _, id := range []string{"ep-1", "ep-2", "ep-3", "ep-4"} {
		require.NoError(t, pub.Notify(ctx, webhooks.Notification{Kind: webhooks.NotifyEndpointCreated, EndpointID: id}))
	}

	list, err := mr.List("courier:test:recent")
	require.NoError(t, err)
	assert.Len(t, list, 3, "the replay list is capped")

	recent, err := pub.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "ep-4", recent[0].EndpointID)
	assert.Equal(t, "ep-3", recent[1].EndpointID)

	recent, err = pub.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestNotificationPublisher_ServerDown(t *testing.T) {
	client, mr := setupRedisTest(t)
	pub := NewNotificationPublisher(client, "courier:test")

	mr.Close()
	err := pub.Notify(context.Background(), webhooks.Notification{Kind: webhooks.NotifyEventPublished})
	assert.Error(t, err)
}
