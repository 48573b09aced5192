package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments.
// A nil *OTelMetrics is valid and records nothing.
type OTelMetrics struct {
	deliveriesTotal  metric.Int64Counter
	deliveryDuration metric.Float64Histogram
	eventsTotal      metric.Int64Counter
}

// NewOTelMetrics creates a new OTel metrics instance on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(InstrumentationName)

	m := &OTelMetrics{}
	var err error

	m.deliveriesTotal, err = meter.Int64Counter(
		"courier.deliveries",
		metric.WithDescription("Webhook delivery outcomes"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	m.deliveryDuration, err = meter.Float64Histogram(
		"courier.delivery.duration",
		metric.WithDescription("Webhook delivery attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery duration histogram: %w", err)
	}

	m.eventsTotal, err = meter.Int64Counter(
		"courier.events",
		metric.WithDescription("Submitted events by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	return m, nil
}

// RecordDelivery records a delivery outcome
func (m *OTelMetrics) RecordDelivery(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.deliveriesTotal.Add(ctx, 1, attrs)
	if d > 0 {
		m.deliveryDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordEvent records an event submission outcome
func (m *OTelMetrics) RecordEvent(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
