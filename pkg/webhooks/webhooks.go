package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Reserved outbound request headers
const (
	HeaderContentType      = "Content-Type"
	HeaderUserAgent        = "User-Agent"
	HeaderDeliveryID       = "X-Webhook-Delivery"
	HeaderEventID          = "X-Webhook-Event-Id"
	HeaderEventType        = "X-Webhook-Event-Type"
	HeaderTimestamp        = "X-Webhook-Timestamp"
	HeaderAuthorization    = "Authorization"
	DefaultSignatureHeader = "X-Webhook-Signature"

	UserAgent = "Courier-Webhooks/1.0"

	// TestEventType is the event type sent by TestEndpoint
	TestEventType = "webhook.test"
)

// OAuth2Credentials configures client-credential authentication for deliveries
type OAuth2Credentials struct {
	TokenURL     string   `json:"token_url" yaml:"token_url"`
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty" yaml:"client_secret"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes"`
}

func (c *OAuth2Credentials) empty() bool {
	return c.TokenURL == "" && c.ClientID == "" && c.ClientSecret == "" && len(c.Scopes) == 0
}

// Endpoint is a registered webhook delivery target
type Endpoint struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Description        string             `json:"description,omitempty"`
	URL                string             `json:"url"`
	Secret             string             `json:"-"`
	Events             []string           `json:"events"`
	Headers            map[string]string  `json:"headers,omitempty"`
	Timeout            time.Duration      `json:"-"`
	SignatureHeader    string             `json:"signature_header"`
	Algorithm          SignatureAlgorithm `json:"algorithm"`
	RetryPolicy        RetryPolicy        `json:"retry_policy"`
	RateLimitPerMinute int                `json:"rate_limit_per_minute,omitempty"`
	Auth               *OAuth2Credentials `json:"-"`
	Active             bool               `json:"active"`

	SuccessCount   int64      `json:"success_count"`
	FailureCount   int64      `json:"failure_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastDeliveryAt *time.Time `json:"last_delivery_at,omitempty"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty"`
}

// MarshalJSON renders the timeout in milliseconds and never exposes secrets
func (e Endpoint) MarshalJSON() ([]byte, error) {
	type alias Endpoint
	return json.Marshal(struct {
		alias
		TimeoutMs int64 `json:"timeout_ms"`
		HasAuth   bool  `json:"oauth2,omitempty"`
	}{
		alias:     alias(e),
		TimeoutMs: e.Timeout.Milliseconds(),
		HasAuth:   e.Auth != nil,
	})
}

// Subscribes reports whether the endpoint listens to eventType
func (e *Endpoint) Subscribes(eventType string) bool {
	for _, t := range e.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

func (e *Endpoint) clone() *Endpoint {
	c := *e
	c.Events = append([]string(nil), e.Events...)
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	if e.Auth != nil {
		auth := *e.Auth
		auth.Scopes = append([]string(nil), e.Auth.Scopes...)
		c.Auth = &auth
	}
	c.LastDeliveryAt = cloneTime(e.LastDeliveryAt)
	c.LastSuccessAt = cloneTime(e.LastSuccessAt)
	return &c
}

// EndpointInput describes a new endpoint
type EndpointInput struct {
	Name               string             `json:"name"`
	Description        string             `json:"description,omitempty"`
	URL                string             `json:"url"`
	Secret             string             `json:"secret"`
	Events             []string           `json:"events"`
	Headers            map[string]string  `json:"headers,omitempty"`
	Timeout            time.Duration      `json:"-"`
	SignatureHeader    string             `json:"signature_header,omitempty"`
	Algorithm          SignatureAlgorithm `json:"algorithm,omitempty"`
	RetryPolicy        *RetryPolicy       `json:"retry_policy,omitempty"`
	RateLimitPerMinute int                `json:"rate_limit_per_minute,omitempty"`
	Auth               *OAuth2Credentials `json:"oauth2,omitempty"`
	// Active defaults to true when nil
	Active *bool `json:"active,omitempty"`
}

// UnmarshalJSON reads the timeout from timeout_ms
func (in *EndpointInput) UnmarshalJSON(data []byte) error {
	type alias EndpointInput
	aux := struct {
		*alias
		TimeoutMs int64 `json:"timeout_ms"`
	}{alias: (*alias)(in)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	in.Timeout = time.Duration(aux.TimeoutMs) * time.Millisecond
	return nil
}

// EndpointUpdate is a partial update; nil fields are left unchanged
type EndpointUpdate struct {
	Name               *string             `json:"name,omitempty"`
	Description        *string             `json:"description,omitempty"`
	URL                *string             `json:"url,omitempty"`
	Secret             *string             `json:"secret,omitempty"`
	Events             []string            `json:"events,omitempty"`
	Headers            map[string]string   `json:"headers,omitempty"`
	Timeout            *time.Duration      `json:"-"`
	SignatureHeader    *string             `json:"signature_header,omitempty"`
	Algorithm          *SignatureAlgorithm `json:"algorithm,omitempty"`
	RetryPolicy        *RetryPolicy        `json:"retry_policy,omitempty"`
	RateLimitPerMinute *int                `json:"rate_limit_per_minute,omitempty"`
	Auth               *OAuth2Credentials  `json:"oauth2,omitempty"`
	Active             *bool               `json:"active,omitempty"`
}

// UnmarshalJSON reads the timeout from timeout_ms
func (u *EndpointUpdate) UnmarshalJSON(data []byte) error {
	type alias EndpointUpdate
	aux := struct {
		*alias
		TimeoutMs *int64 `json:"timeout_ms"`
	}{alias: (*alias)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.TimeoutMs != nil {
		d := time.Duration(*aux.TimeoutMs) * time.Millisecond
		u.Timeout = &d
	}
	return nil
}

// Event is an immutable fact announced to subscribed endpoints.
// Its JSON form is the delivery envelope.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      interface{}            `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// EventInput describes an event to publish
type EventInput struct {
	Type           string                 `json:"type"`
	Source         string                 `json:"source"`
	Data           interface{}            `json:"data"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// Validate checks that the event can be published
func (in EventInput) Validate() error {
	if strings.TrimSpace(in.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	if strings.ContainsAny(in.Type, " \t\r\n") {
		return fmt.Errorf("%w: type %q contains whitespace", ErrInvalidEvent, in.Type)
	}
	return nil
}

// Submission outcomes
const (
	SubmitPublished  = "published"
	SubmitBuffered   = "buffered"
	SubmitSuppressed = "suppressed"
	SubmitDuplicate  = "duplicate"
)

// SubmitResult reports what happened to a submitted event
type SubmitResult struct {
	Outcome string `json:"outcome"`
	Event   *Event `json:"event,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
