package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

// recordingSubmitter captures published events
type recordingSubmitter struct {
	mu     sync.Mutex
	events []webhooks.EventInput
	fail   func(webhooks.EventInput) error
}

func (s *recordingSubmitter) Submit(_ context.Context, in webhooks.EventInput) (webhooks.SubmitResult, error) {
	if s.fail != nil {
		if err := s.fail(in); err != nil {
			return webhooks.SubmitResult{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, in)
	return webhooks.SubmitResult{Outcome: webhooks.SubmitPublished, Event: &webhooks.Event{Type: in.Type}}, nil
}

func (s *recordingSubmitter) published() []webhooks.EventInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webhooks.EventInput(nil), s.events...)
}

func newTestBuffer(cfg BufferConfig, next webhooks.Submitter, filters *FilterSet) *Buffer {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewBuffer(cfg, next, filters, nil, metrics)
}

func TestBuffer_BuffersLowPriority(t *testing.T) {
	next := &recordingSubmitter{}
	b := newTestBuffer(BufferConfig{Capacity: 10, BatchSize: 2, FlushInterval: time.Hour}, next, nil)
	ctx := context.Background()

	res, err := b.Submit(ctx, webhooks.EventInput{Type: "report.generated"})
	require.NoError(t, err)
	assert.Equal(t, webhooks.SubmitBuffered, res.Outcome)
	assert.Nil(t, res.Event)
	assert.Equal(t, 1, b.Size())
	assert.Empty(t, next.published())

	n, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, b.Size())

	published := next.published()
	require.Len(t, published, 1)
	assert.Equal(t, "report", published[0].Metadata[MetadataCategory])
	assert.Equal(t, "low", published[0].Metadata[MetadataPriority])
}

func TestBuffer_UrgentBypassesBuffer(t *testing.T) {
	next := &recordingSubmitter{}
	b := newTestBuffer(DefaultBufferConfig(), next, nil)

	res, err := b.Submit(context.Background(), webhooks.EventInput{Type: "compliance.violation.detected"})
	require.NoError(t, err)
	assert.Equal(t, webhooks.SubmitPublished, res.Outcome)
	assert.Equal(t, 0, b.Size())

	published := next.published()
	require.Len(t, published, 1)
	assert.Equal(t, "critical", published[0].Metadata[MetadataPriority])
}

func TestBuffer_KeepsCallerMetadata(t *testing.T) {
	next := &recordingSubmitter{}
	b := newTestBuffer(DefaultBufferConfig(), next, nil)

	md := map[string]interface{}{MetadataPriority: "custom", "tenant": "acme"}
	_, err := b.Submit(context.Background(), webhooks.EventInput{Type: "regulatory.update.published", Metadata: md})
	require.NoError(t, err)

	published := next.published()
	require.Len(t, published, 1)
	assert.Equal(t, "custom", published[0].Metadata[MetadataPriority])
	assert.Equal(t, "regulatory", published[0].Metadata[MetadataCategory])
	assert.Equal(t, "acme", published[0].Metadata["tenant"])
	assert.NotContains(t, md, MetadataCategory, "caller map is not modified")
}

func TestBuffer_Suppressed(t *testing.T) {
	next := &recordingSubmitter{}
	filters := NewFilterSet()
	_, err := filters.Add(Filter{
		EventTypes: []string{"document.uploaded"},
		Conditions: []Condition{{Field: "status", Operator: OpEquals, Value: "draft"}},
		Active:     true,
	})
	require.NoError(t, err)

	b := newTestBuffer(DefaultBufferConfig(), next, filters)
	assert.Same(t, filters, b.Filters())

	res, err := b.Submit(context.Background(), webhooks.EventInput{
		Type: "document.uploaded",
		Data: map[string]interface{}{"status": "draft"},
	})
	require.NoError(t, err)
	assert.Equal(t, webhooks.SubmitSuppressed, res.Outcome)
	assert.Equal(t, 0, b.Size())

	_, err = b.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, next.published())
}

func TestBuffer_RejectsInvalid(t *testing.T) {
	b := newTestBuffer(DefaultBufferConfig(), &recordingSubmitter{}, nil)

	_, err := b.Submit(context.Background(), webhooks.EventInput{Type: ""})
	assert.ErrorIs(t, err, webhooks.ErrInvalidEvent)
	assert.Equal(t, 0, b.Size())
}

func TestBuffer_FlushesWhenFull(t *testing.T) {
	next := &recordingSubmitter{}
	b := newTestBuffer(BufferConfig{Capacity: 3, BatchSize: 2, FlushInterval: time.Hour}, next, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Submit(ctx, webhooks.EventInput{Type: "report.generated"})
		require.NoError(t, err)
	}
	assert.Equal(t, 0, b.Size())

	require.Eventually(t, func() bool {
		return len(next.published()) == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBuffer_FlushReportsFailures(t *testing.T) {
	boom := errors.New("publish failed")
	next := &recordingSubmitter{fail: func(in webhooks.EventInput) error {
		if in.Source == "bad" {
			return boom
		}
		return nil
	}}
	b := newTestBuffer(BufferConfig{Capacity: 10, BatchSize: 2, FlushInterval: time.Hour}, next, nil)
	ctx := context.Background()

	for _, src := range []string{"ok", "bad", "ok", "ok", "bad"} {
		_, err := b.Submit(ctx, webhooks.EventInput{Type: "report.generated", Source: src})
		require.NoError(t, err)
	}

	n, err := b.Flush(ctx)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, next.published(), 3)
}

func TestBuffer_PeriodicFlushAndStop(t *testing.T) {
	next := &recordingSubmitter{}
	b := newTestBuffer(BufferConfig{Capacity: 100, BatchSize: 10, FlushInterval: 10 * time.Millisecond}, next, nil)
	ctx := context.Background()

	b.Start(ctx)
	b.Start(ctx)

	_, err := b.Submit(ctx, webhooks.EventInput{Type: "report.generated"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(next.published()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop(ctx))

	// Stop publishes whatever is left
	_, err = b.Submit(ctx, webhooks.EventInput{Type: "report.generated"})
	require.NoError(t, err)
	require.NoError(t, b.Stop(ctx))
	assert.Len(t, next.published(), 2)
}
