package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/courier/pkg/storage"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

// mockS3Client records uploads in memory
type mockS3Client struct {
	mu           sync.Mutex
	objects      map[string][]byte
	metadata     map[string]map[string]string
	bucketExists bool
	created      int
	putErr       error
	headErr      error
	createErr    error
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects:      make(map[string][]byte),
		metadata:     make(map[string]map[string]string),
		bucketExists: true,
	}
}

func (m *mockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(params.Key)
	m.objects[key] = data
	m.metadata[key] = params.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	if !m.bucketExists {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created++
	m.bucketExists = true
	return &s3.CreateBucketOutput{}, nil
}

func failedDelivery() *webhooks.Delivery {
	return &webhooks.Delivery{
		ID:          "d-1",
		EndpointID:  "ep-1",
		EventID:     "ev-1",
		EventType:   "compliance.violation.detected",
		Status:      webhooks.DeliveryStatusFailed,
		Attempt:     3,
		MaxAttempts: 3,
		Error:       "HTTP 503",
		UpdatedAt:   time.Date(2024, 5, 17, 23, 59, 0, 0, time.UTC),
	}
}

func TestArchive_Key(t *testing.T) {
	archive := NewArchive(newMockS3Client(), "dead-letters", "/failed-deliveries/")
	assert.Equal(t, "failed-deliveries/2024/05/17/ep-1/d-1.json", archive.Key(failedDelivery()))

	archive = NewArchive(newMockS3Client(), "dead-letters", "")
	assert.Equal(t, "2024/05/17/ep-1/d-1.json", archive.Key(failedDelivery()))
}

func TestArchive_NotifyFailedDelivery(t *testing.T) {
	client := newMockS3Client()
	archive := NewArchive(client, "dead-letters", "failed")
	d := failedDelivery()

	err := archive.Notify(context.Background(), webhooks.Notification{Kind: webhooks.NotifyDeliveryFailed, Delivery: d})
	require.NoError(t, err)

	key := "failed/2024/05/17/ep-1/d-1.json"
	require.Contains(t, client.objects, key)

	var stored webhooks.Delivery
	require.NoError(t, json.Unmarshal(client.objects[key], &stored))
	assert.Equal(t, "d-1", stored.ID)
	assert.Equal(t, "HTTP 503", stored.Error)
	assert.Equal(t, "ep-1", client.metadata[key]["endpoint-id"])
	assert.Len(t, client.metadata[key]["checksum-sha256"], 64)
}

func TestArchive_IgnoresOtherNotifications(t *testing.T) {
	client := newMockS3Client()
	archive := NewArchive(client, "dead-letters", "failed")

	kinds := []webhooks.NotificationKind{
		webhooks.NotifyDeliverySucceeded,
		webhooks.NotifyDeliveryRetrying,
		webhooks.NotifyDeliveryAbandoned,
		webhooks.NotifyEndpointCreated,
	}
	for _, kind := range kinds {
		require.NoError(t, archive.Notify(context.Background(), webhooks.Notification{Kind: kind, Delivery: failedDelivery()}))
	}
	require.NoError(t, archive.Notify(context.Background(), webhooks.Notification{Kind: webhooks.NotifyDeliveryFailed}))

	assert.Empty(t, client.objects)
}

func TestArchive_PutError(t *testing.T) {
	client := newMockS3Client()
	client.putErr = errors.New("AccessDenied")

	err := NewArchive(client, "dead-letters", "").Put(context.Background(), failedDelivery())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to archive delivery d-1")
}

func TestArchive_EnsureBucket(t *testing.T) {
	ctx := context.Background()

	t.Run("existing bucket", func(t *testing.T) {
		client := newMockS3Client()
		require.NoError(t, NewArchive(client, "b", "").EnsureBucket(ctx))
		assert.Equal(t, 0, client.created)
	})

	t.Run("creates missing bucket", func(t *testing.T) {
		client := newMockS3Client()
		client.bucketExists = false
		require.NoError(t, NewArchive(client, "b", "").EnsureBucket(ctx))
		assert.Equal(t, 1, client.created)
	})

	t.Run("bucket created concurrently", func(t *testing.T) {
		client := newMockS3Client()
		client.bucketExists = false
		client.createErr = errors.New("BucketAlreadyOwnedByYou: owned")
		assert.NoError(t, NewArchive(client, "b", "").EnsureBucket(ctx))
	})

	t.Run("create fails", func(t *testing.T) {
		client := newMockS3Client()
		client.bucketExists = false
		client.createErr = errors.New("AccessDenied")
		assert.Error(t, NewArchive(client, "b", "").EnsureBucket(ctx))
	})
}

func TestArchive_HealthCheck(t *testing.T) {
	client := newMockS3Client()
	archive := NewArchive(client, "b", "")
	assert.NoError(t, archive.HealthCheck(context.Background()))

	client.headErr = errors.New("timeout")
	assert.Error(t, archive.HealthCheck(context.Background()))
}

func TestNewS3Client_StaticCredentials(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.S3Endpoint = "http://localhost:9000"
	cfg.S3AccessKey = "minioadmin"
	cfg.S3SecretKey = "minioadmin"
	cfg.S3UsePathStyle = true

	client, err := NewS3Client(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, client)
}
