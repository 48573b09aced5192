package webhooks

import "time"

// Stats aggregates delivery counters across all endpoints
type Stats struct {
	TotalEndpoints  int           `json:"total_endpoints"`
	ActiveEndpoints int           `json:"active_endpoints"`
	TotalEvents     int           `json:"total_events"`
	TotalDeliveries int           `json:"total_deliveries"`
	Pending         int           `json:"pending"`
	Retrying        int           `json:"retrying"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Abandoned       int           `json:"abandoned"`
	Queued          int           `json:"queued"`
	InFlight        int           `json:"in_flight"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}

// EndpointStats aggregates delivery counters for one endpoint
type EndpointStats struct {
	EndpointID      string        `json:"endpoint_id"`
	SuccessCount    int64         `json:"success_count"`
	FailureCount    int64         `json:"failure_count"`
	TotalDeliveries int           `json:"total_deliveries"`
	Pending         int           `json:"pending"`
	Retrying        int           `json:"retrying"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Abandoned       int           `json:"abandoned"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
	LastDeliveryAt  *time.Time    `json:"last_delivery_at,omitempty"`
	LastSuccessAt   *time.Time    `json:"last_success_at,omitempty"`
}

// deliverySummary counts deliveries by status
type deliverySummary struct {
	total, pending, retrying, succeeded, failed int
	attempted                                   int
	totalDuration                               time.Duration
}

// successRate is succeeded over terminal deliveries, 0 when none finished
func (s deliverySummary) successRate() float64 {
	finished := s.succeeded + s.failed
	if finished == 0 {
		return 0
	}
	return float64(s.succeeded) / float64(finished)
}

// averageDuration is the mean duration of the latest attempt of each
// attempted delivery
func (s deliverySummary) averageDuration() time.Duration {
	if s.attempted == 0 {
		return 0
	}
	return s.totalDuration / time.Duration(s.attempted)
}

// summarize counts deliveries, optionally restricted to one endpoint.
// Pending and retrying only count queued deliveries; abandoned ones keep
// their status but are counted by Abandoned instead.
func (s *DeliveryStore) summarize(endpointID string) (deliverySummary, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum deliverySummary
	for id, d := range s.deliveries {
		if endpointID != "" && d.EndpointID != endpointID {
			continue
		}
		sum.total++
		_, queued := s.queue[id]
		switch d.Status {
		case DeliveryStatusPending:
			if queued {
				sum.pending++
			}
		case DeliveryStatusRetrying:
			if queued {
				sum.retrying++
			}
		case DeliveryStatusSuccess:
			sum.succeeded++
		case DeliveryStatusFailed:
			sum.failed++
		}
		if d.Attempt > 0 {
			sum.attempted++
			sum.totalDuration += d.Duration
		}
	}
	return sum, len(s.events)
}
