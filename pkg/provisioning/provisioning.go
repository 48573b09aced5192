package provisioning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/courier/pkg/events"
	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

// EndpointManager is the subset of the webhook manager used to reconcile
// declared endpoints
type EndpointManager interface {
	ListEndpoints(ctx context.Context) []*webhooks.Endpoint
	CreateEndpoint(ctx context.Context, in webhooks.EndpointInput) (*webhooks.Endpoint, error)
	UpdateEndpoint(ctx context.Context, id string, upd webhooks.EndpointUpdate) (*webhooks.Endpoint, error)
	DeleteEndpoint(ctx context.Context, id string) error
}

// File is the on-disk layout of an endpoints file
type File struct {
	Endpoints []EndpointSpec `yaml:"endpoints"`
	Filters   []FilterSpec   `yaml:"filters"`
}

// EndpointSpec declares one webhook endpoint
type EndpointSpec struct {
	Name               string                      `yaml:"name"`
	Description        string                      `yaml:"description"`
	URL                string                      `yaml:"url"`
	Secret             string                      `yaml:"secret"`
	Events             []string                    `yaml:"events"`
	Headers            map[string]string           `yaml:"headers"`
	Timeout            time.Duration               `yaml:"timeout"`
	SignatureHeader    string                      `yaml:"signature_header"`
	Algorithm          webhooks.SignatureAlgorithm `yaml:"algorithm"`
	RetryPolicy        *RetrySpec                  `yaml:"retry_policy"`
	RateLimitPerMinute int                         `yaml:"rate_limit_per_minute"`
	OAuth2             *webhooks.OAuth2Credentials `yaml:"oauth2"`
	Active             *bool                       `yaml:"active"`
}

// RetrySpec declares a retry policy
type RetrySpec struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
}

// FilterSpec declares one exclusion filter
type FilterSpec struct {
	Name       string             `yaml:"name"`
	EventTypes []string           `yaml:"event_types"`
	Conditions []events.Condition `yaml:"conditions"`
	Active     *bool              `yaml:"active"`
}

// Load reads and parses an endpoints file. ${VAR} references are expanded
// from the environment so secrets can stay out of the file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoints file: %w", err)
	}
	return Parse(data)
}

// Parse decodes endpoints file content
func Parse(data []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse endpoints file: %w", err)
	}
	if err := file.validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

func (f *File) validate() error {
	seen := make(map[string]bool, len(f.Endpoints))
	for i, ep := range f.Endpoints {
		name := strings.TrimSpace(ep.Name)
		if name == "" {
			return fmt.Errorf("endpoint %d: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("endpoint %q: duplicate name", name)
		}
		seen[name] = true
	}
	return nil
}

func (s EndpointSpec) input() webhooks.EndpointInput {
	return webhooks.EndpointInput{
		Name:               s.Name,
		Description:        s.Description,
		URL:                s.URL,
		Secret:             s.Secret,
		Events:             s.Events,
		Headers:            s.Headers,
		Timeout:            s.Timeout,
		SignatureHeader:    s.SignatureHeader,
		Algorithm:          s.Algorithm,
		RetryPolicy:        s.retryPolicy(),
		RateLimitPerMinute: s.RateLimitPerMinute,
		Auth:               s.OAuth2,
		Active:             s.Active,
	}
}

// update builds a full replacement so fields removed from the file are reset
func (s EndpointSpec) update() webhooks.EndpointUpdate {
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	headers := s.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	auth := s.OAuth2
	if auth == nil {
		auth = &webhooks.OAuth2Credentials{}
	}
	policy := s.retryPolicy()
	if policy == nil {
		defaults := webhooks.DefaultRetryPolicy()
		policy = &defaults
	}
	return webhooks.EndpointUpdate{
		Description:        &s.Description,
		URL:                &s.URL,
		Secret:             &s.Secret,
		Events:             s.Events,
		Headers:            headers,
		Timeout:            &s.Timeout,
		SignatureHeader:    &s.SignatureHeader,
		Algorithm:          &s.Algorithm,
		RetryPolicy:        policy,
		RateLimitPerMinute: &s.RateLimitPerMinute,
		Auth:               auth,
		Active:             &active,
	}
}

func (s EndpointSpec) retryPolicy() *webhooks.RetryPolicy {
	if s.RetryPolicy == nil {
		return nil
	}
	policy := webhooks.DefaultRetryPolicy()
	if s.RetryPolicy.MaxAttempts > 0 {
		policy.MaxAttempts = s.RetryPolicy.MaxAttempts
	}
	if s.RetryPolicy.BackoffMultiplier > 0 {
		policy.BackoffMultiplier = s.RetryPolicy.BackoffMultiplier
	}
	if s.RetryPolicy.InitialDelay > 0 {
		policy.InitialDelay = s.RetryPolicy.InitialDelay
	}
	if s.RetryPolicy.MaxDelay > 0 {
		policy.MaxDelay = s.RetryPolicy.MaxDelay
	}
	return &policy
}

// SyncResult summarizes one reconciliation
type SyncResult struct {
	Created []string
	Updated []string
	Deleted []string
	Filters int
	Errors  []error
}

// Err joins the per-endpoint errors
func (r SyncResult) Err() error {
	return errors.Join(r.Errors...)
}

// Provisioner keeps the endpoints declared in a file in sync with the manager.
// Endpoints are matched by name: a declared name takes over any existing
// endpoint with that name, including one created through the API, and the
// file's settings replace it. Endpoints whose names the file does not declare
// are left alone, and only endpoints this process provisioned are deleted when
// they leave the file.
type Provisioner struct {
	path    string
	manager EndpointManager
	filters *events.FilterSet
	logger  *observability.Logger

	mu        sync.Mutex
	managed   map[string]bool
	filterIDs []string
}

// NewProvisioner creates a provisioner for the file at path. filters may be
// nil, in which case the filters section is ignored.
func NewProvisioner(path string, manager EndpointManager, filters *events.FilterSet, logger *observability.Logger) *Provisioner {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Provisioner{
		path:    path,
		manager: manager,
		filters: filters,
		logger:  logger.WithField("endpoints_file", path),
		managed: make(map[string]bool),
	}
}

// Path returns the watched file
func (p *Provisioner) Path() string {
	return p.path
}

// Sync loads the file and reconciles the manager against it
func (p *Provisioner) Sync(ctx context.Context) (SyncResult, error) {
	file, err := Load(p.path)
	if err != nil {
		return SyncResult{}, err
	}
	return p.Apply(ctx, file), nil
}

// Apply reconciles the manager against an already parsed file
func (p *Provisioner) Apply(ctx context.Context, file *File) SyncResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result SyncResult

	existing := make(map[string]*webhooks.Endpoint)
	for _, ep := range p.manager.ListEndpoints(ctx) {
		existing[ep.Name] = ep
	}

	declared := make(map[string]bool, len(file.Endpoints))
	for _, spec := range file.Endpoints {
		declared[spec.Name] = true
		log := p.logger.WithField("endpoint", spec.Name)

		if ep, ok := existing[spec.Name]; ok {
			if _, err := p.manager.UpdateEndpoint(ctx, ep.ID, spec.update()); err != nil {
				log.WithError(err).Warn("Failed to update provisioned endpoint")
				result.Errors = append(result.Errors, fmt.Errorf("endpoint %q: %w", spec.Name, err))
				continue
			}
			result.Updated = append(result.Updated, spec.Name)
		} else {
			if _, err := p.manager.CreateEndpoint(ctx, spec.input()); err != nil {
				log.WithError(err).Warn("Failed to create provisioned endpoint")
				result.Errors = append(result.Errors, fmt.Errorf("endpoint %q: %w", spec.Name, err))
				continue
			}
			result.Created = append(result.Created, spec.Name)
		}
		p.managed[spec.Name] = true
	}

	for name := range p.managed {
		if declared[name] {
			continue
		}
		if ep, ok := existing[name]; ok {
			if err := p.manager.DeleteEndpoint(ctx, ep.ID); err != nil {
				p.logger.WithField("endpoint", name).WithError(err).Warn("Failed to delete provisioned endpoint")
				result.Errors = append(result.Errors, fmt.Errorf("endpoint %q: %w", name, err))
				continue
			}
			result.Deleted = append(result.Deleted, name)
		}
		delete(p.managed, name)
	}
	sort.Strings(result.Deleted)

	if p.filters != nil {
		result.Filters = p.replaceFilters(file.Filters, &result)
	}

	p.logger.WithFields(map[string]interface{}{
		"created": len(result.Created),
		"updated": len(result.Updated),
		"deleted": len(result.Deleted),
		"filters": result.Filters,
		"errors":  len(result.Errors),
	}).Info("Endpoints file synced")

	return result
}

// replaceFilters swaps the filters added by the previous sync for the ones
// now declared. Filters added through the API are left alone.
func (p *Provisioner) replaceFilters(specs []FilterSpec, result *SyncResult) int {
	for _, id := range p.filterIDs {
		if err := p.filters.Remove(id); err != nil && !errors.Is(err, events.ErrFilterNotFound) {
			p.logger.WithField("filter_id", id).WithError(err).Warn("Failed to remove provisioned filter")
		}
	}
	p.filterIDs = p.filterIDs[:0]

	for _, spec := range specs {
		active := true
		if spec.Active != nil {
			active = *spec.Active
		}
		f, err := p.filters.Add(events.Filter{
			Name:       spec.Name,
			EventTypes: spec.EventTypes,
			Conditions: spec.Conditions,
			Active:     active,
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("filter %q: %w", spec.Name, err))
			continue
		}
		p.filterIDs = append(p.filterIDs, f.ID)
	}
	return len(p.filterIDs)
}
