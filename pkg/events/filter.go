package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/courier/pkg/webhooks"
)

var (
	// ErrFilterNotFound is returned when a filter does not exist
	ErrFilterNotFound = fmt.Errorf("filter %w", webhooks.ErrNotFound)
	// ErrInvalidFilter is returned when a filter fails validation
	ErrInvalidFilter = errors.New("invalid filter")
)

// Operator compares a payload field against a condition value
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "startsWith"
	OpEndsWith    Operator = "endsWith"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
)

// Valid reports whether the operator is supported
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpContains, OpStartsWith, OpEndsWith, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// Condition tests one field of the event data. Field is a dotted path such
// as "document.owner.id".
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator Operator    `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// Filter suppresses events of the listed types whose data satisfies every
// condition
type Filter struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	EventTypes []string    `json:"event_types"`
	Conditions []Condition `json:"conditions"`
	Active     bool        `json:"active"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (f *Filter) validate() error {
	if len(f.EventTypes) == 0 {
		return fmt.Errorf("%w: at least one event type is required", ErrInvalidFilter)
	}
	for i, c := range f.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("%w: condition %d: field is required", ErrInvalidFilter, i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("%w: condition %d: unknown operator %q", ErrInvalidFilter, i, c.Operator)
		}
	}
	return nil
}

func (f *Filter) appliesTo(eventType string) bool {
	for _, t := range f.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Matches reports whether the filter suppresses an event of eventType with
// the given data. A filter without conditions matches every event of its
// types.
func (f *Filter) Matches(eventType string, data interface{}) bool {
	if !f.Active || !f.appliesTo(eventType) {
		return false
	}
	for _, c := range f.Conditions {
		if !c.Matches(data) {
			return false
		}
	}
	return true
}

// Matches evaluates the condition against data. A missing field never
// matches.
func (c Condition) Matches(data interface{}) bool {
	actual, ok := lookup(data, c.Field)
	if !ok {
		return false
	}

	left := stringify(actual)
	right := stringify(c.Value)

	switch c.Operator {
	case OpEquals:
		if l, r, ok := numbers(left, right); ok {
			return l == r
		}
		return left == right
	case OpContains:
		return strings.Contains(left, right)
	case OpStartsWith:
		return strings.HasPrefix(left, right)
	case OpEndsWith:
		return strings.HasSuffix(left, right)
	case OpGreaterThan:
		if l, r, ok := numbers(left, right); ok {
			return l > r
		}
		return left > right
	case OpLessThan:
		if l, r, ok := numbers(left, right); ok {
			return l < r
		}
		return left < right
	default:
		return false
	}
}

// lookup walks a dotted path through nested maps. Data of other shapes is
// normalized through JSON first.
func lookup(data interface{}, path string) (interface{}, bool) {
	current := normalize(data)
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

func normalize(data interface{}) interface{} {
	switch data.(type) {
	case nil, map[string]interface{}:
		return data
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func numbers(left, right string) (float64, float64, bool) {
	l, err := strconv.ParseFloat(left, 64)
	if err != nil {
		return 0, 0, false
	}
	r, err := strconv.ParseFloat(right, 64)
	if err != nil {
		return 0, 0, false
	}
	return l, r, true
}

// FilterSet holds the exclusion filters. All methods are safe for
// concurrent use.
type FilterSet struct {
	mu      sync.RWMutex
	filters map[string]*Filter
}

// NewFilterSet creates an empty filter set
func NewFilterSet() *FilterSet {
	return &FilterSet{filters: make(map[string]*Filter)}
}

// Add validates and stores a filter, assigning an ID when absent
func (s *FilterSet) Add(f Filter) (*Filter, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	f.EventTypes = append([]string(nil), f.EventTypes...)
	f.Conditions = append([]Condition(nil), f.Conditions...)

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := f
	s.filters[f.ID] = &stored
	return &f, nil
}

// Remove deletes a filter
func (s *FilterSet) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.filters[id]; !ok {
		return fmt.Errorf("%w: %s", ErrFilterNotFound, id)
	}
	delete(s.filters, id)
	return nil
}

// Get returns a filter by ID
func (s *FilterSet) Get(id string) (*Filter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.filters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFilterNotFound, id)
	}
	c := *f
	return &c, nil
}

// List returns every filter ordered by creation time
func (s *FilterSet) List() []*Filter {
	s.mu.RLock()
	out := make([]*Filter, 0, len(s.filters))
	for _, f := range s.filters {
		c := *f
		out = append(out, &c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ShouldPublish reports false when any active filter suppresses the event
func (s *FilterSet) ShouldPublish(in webhooks.EventInput) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.filters {
		if f.Matches(in.Type, in.Data) {
			return false
		}
	}
	return true
}
