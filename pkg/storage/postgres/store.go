package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

var tracer = observability.Tracer()

var schema = []string{
	`CREATE TABLE IF NOT EXISTS courier_endpoints (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		url        TEXT NOT NULL,
		active     BOOLEAN NOT NULL,
		document   TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS courier_events (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL,
		document   TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS courier_deliveries (
		id          TEXT PRIMARY KEY,
		endpoint_id TEXT NOT NULL,
		event_id    TEXT NOT NULL,
		status      TEXT NOT NULL,
		document    TEXT NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS courier_deliveries_endpoint_idx ON courier_deliveries (endpoint_id)`,
	`CREATE INDEX IF NOT EXISTS courier_deliveries_status_idx ON courier_deliveries (status)`,
}

// Store persists webhook state to PostgreSQL or SQLite. Rows carry a few
// queryable columns plus the full JSON document of the record.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ webhooks.Persister = (*Store)(nil)

// NewStore wraps an open connection
func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying connection for health checks
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveEndpoint upserts an endpoint including its secret and credentials
func (s *Store) SaveEndpoint(ctx context.Context, ep *webhooks.Endpoint) (err error) {
	ctx, span := s.startSpan(ctx, "Store.SaveEndpoint", attribute.String("endpoint.id", ep.ID))
	defer func() { endSpan(span, err) }()

	doc, err := json.Marshal(newEndpointRecord(ep))
	if err != nil {
		return fmt.Errorf("failed to encode endpoint: %w", err)
	}

	query := `
		INSERT INTO courier_endpoints (id, name, url, active, document, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			active = excluded.active,
			document = excluded.document,
			updated_at = excluded.updated_at
	`
	if _, err = s.db.ExecContext(ctx, s.dialect.Rebind(query),
		ep.ID, ep.Name, ep.URL, ep.Active, string(doc), ep.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to save endpoint: %w", err)
	}
	return nil
}

// DeleteEndpoint removes an endpoint and its deliveries
func (s *Store) DeleteEndpoint(ctx context.Context, id string) (err error) {
	ctx, span := s.startSpan(ctx, "Store.DeleteEndpoint", attribute.String("endpoint.id", id))
	defer func() { endSpan(span, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM courier_deliveries WHERE endpoint_id = $1`), id); err != nil {
		return fmt.Errorf("failed to delete endpoint deliveries: %w", err)
	}
	if _, err = tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM courier_endpoints WHERE id = $1`), id); err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit endpoint delete: %w", err)
	}
	return nil
}

// SaveEvent inserts an event. Events are immutable so a conflict is ignored.
func (s *Store) SaveEvent(ctx context.Context, e *webhooks.Event) (err error) {
	ctx, span := s.startSpan(ctx, "Store.SaveEvent", attribute.String("event.id", e.ID))
	defer func() { endSpan(span, err) }()

	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	query := `
		INSERT INTO courier_events (id, type, document, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err = s.db.ExecContext(ctx, s.dialect.Rebind(query),
		e.ID, e.Type, string(doc), e.Timestamp.UTC(),
	); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// SaveDelivery upserts a delivery
func (s *Store) SaveDelivery(ctx context.Context, d *webhooks.Delivery) (err error) {
	ctx, span := s.startSpan(ctx, "Store.SaveDelivery",
		attribute.String("delivery.id", d.ID),
		attribute.String("delivery.status", string(d.Status)),
	)
	defer func() { endSpan(span, err) }()

	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode delivery: %w", err)
	}

	query := `
		INSERT INTO courier_deliveries (id, endpoint_id, event_id, status, document, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at
	`
	if _, err = s.db.ExecContext(ctx, s.dialect.Rebind(query),
		d.ID, d.EndpointID, d.EventID, string(d.Status), string(doc), d.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to save delivery: %w", err)
	}
	return nil
}

// DeleteDeliveries removes deliveries by ID
func (s *Store) DeleteDeliveries(ctx context.Context, ids []string) error {
	return s.deleteByID(ctx, "courier_deliveries", ids)
}

// DeleteEvents removes events by ID
func (s *Store) DeleteEvents(ctx context.Context, ids []string) error {
	return s.deleteByID(ctx, "courier_events", ids)
}

func (s *Store) deleteByID(ctx context.Context, table string, ids []string) (err error) {
	if len(ids) == 0 {
		return nil
	}

	ctx, span := s.startSpan(ctx, "Store.Delete",
		attribute.String("db.table", table),
		attribute.Int("db.rows", len(ids)),
	)
	defer func() { endSpan(span, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(`DELETE FROM `+table+` WHERE id = $1`))
	if err != nil {
		return fmt.Errorf("failed to prepare delete from %s: %w", table, err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err = stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete %s from %s: %w", id, table, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete from %s: %w", table, err)
	}
	return nil
}

// Load reads every endpoint, event and delivery
func (s *Store) Load(ctx context.Context) (snap *webhooks.Snapshot, err error) {
	ctx, span := s.startSpan(ctx, "Store.Load")
	defer func() { endSpan(span, err) }()

	snap = &webhooks.Snapshot{}

	err = s.scanDocuments(ctx, `SELECT document FROM courier_endpoints ORDER BY id`, func(doc []byte) error {
		var rec endpointRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return err
		}
		snap.Endpoints = append(snap.Endpoints, rec.endpoint())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoints: %w", err)
	}

	err = s.scanDocuments(ctx, `SELECT document FROM courier_events ORDER BY created_at`, func(doc []byte) error {
		var e webhooks.Event
		if err := json.Unmarshal(doc, &e); err != nil {
			return err
		}
		snap.Events = append(snap.Events, &e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	err = s.scanDocuments(ctx, `SELECT document FROM courier_deliveries ORDER BY updated_at`, func(doc []byte) error {
		var d webhooks.Delivery
		if err := json.Unmarshal(doc, &d); err != nil {
			return err
		}
		snap.Deliveries = append(snap.Deliveries, &d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load deliveries: %w", err)
	}

	span.SetAttributes(
		attribute.Int("endpoints", len(snap.Endpoints)),
		attribute.Int("events", len(snap.Events)),
		attribute.Int("deliveries", len(snap.Deliveries)),
	)
	return snap, nil
}

func (s *Store) scanDocuments(ctx context.Context, query string, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		if err := fn([]byte(doc)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// HealthCheck pings the database
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s unhealthy: %w", s.dialect, err)
	}
	return nil
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", s.dialect.String()))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// endpointRecord is the stored form of an endpoint. Unlike the API form it
// keeps the secret and the OAuth2 credentials.
type endpointRecord struct {
	ID                 string                      `json:"id"`
	Name               string                      `json:"name"`
	Description        string                      `json:"description,omitempty"`
	URL                string                      `json:"url"`
	Secret             string                      `json:"secret"`
	Events             []string                    `json:"events"`
	Headers            map[string]string           `json:"headers,omitempty"`
	TimeoutMs          int64                       `json:"timeout_ms"`
	SignatureHeader    string                      `json:"signature_header"`
	Algorithm          webhooks.SignatureAlgorithm `json:"algorithm"`
	RetryPolicy        webhooks.RetryPolicy        `json:"retry_policy"`
	RateLimitPerMinute int                         `json:"rate_limit_per_minute,omitempty"`
	Auth               *webhooks.OAuth2Credentials `json:"auth,omitempty"`
	Active             bool                        `json:"active"`
	SuccessCount       int64                       `json:"success_count"`
	FailureCount       int64                       `json:"failure_count"`
	CreatedAt          time.Time                   `json:"created_at"`
	UpdatedAt          time.Time                   `json:"updated_at"`
	LastDeliveryAt     *time.Time                  `json:"last_delivery_at,omitempty"`
	LastSuccessAt      *time.Time                  `json:"last_success_at,omitempty"`
}

func newEndpointRecord(ep *webhooks.Endpoint) endpointRecord {
	return endpointRecord{
		ID:                 ep.ID,
		Name:               ep.Name,
		Description:        ep.Description,
		URL:                ep.URL,
		Secret:             ep.Secret,
		Events:             ep.Events,
		Headers:            ep.Headers,
		TimeoutMs:          ep.Timeout.Milliseconds(),
		SignatureHeader:    ep.SignatureHeader,
		Algorithm:          ep.Algorithm,
		RetryPolicy:        ep.RetryPolicy,
		RateLimitPerMinute: ep.RateLimitPerMinute,
		Auth:               ep.Auth,
		Active:             ep.Active,
		SuccessCount:       ep.SuccessCount,
		FailureCount:       ep.FailureCount,
		CreatedAt:          ep.CreatedAt,
		UpdatedAt:          ep.UpdatedAt,
		LastDeliveryAt:     ep.LastDeliveryAt,
		LastSuccessAt:      ep.LastSuccessAt,
	}
}

func (r endpointRecord) endpoint() *webhooks.Endpoint {
	return &webhooks.Endpoint{
		ID:                 r.ID,
		Name:               r.Name,
		Description:        r.Description,
		URL:                r.URL,
		Secret:             r.Secret,
		Events:             r.Events,
		Headers:            r.Headers,
		Timeout:            time.Duration(r.TimeoutMs) * time.Millisecond,
		SignatureHeader:    r.SignatureHeader,
		Algorithm:          r.Algorithm,
		RetryPolicy:        r.RetryPolicy,
		RateLimitPerMinute: r.RateLimitPerMinute,
		Auth:               r.Auth,
		Active:             r.Active,
		SuccessCount:       r.SuccessCount,
		FailureCount:       r.FailureCount,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		LastDeliveryAt:     r.LastDeliveryAt,
		LastSuccessAt:      r.LastSuccessAt,
	}
}
