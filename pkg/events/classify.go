package events

import (
	"context"
	"strings"

	"github.com/platinummonkey/courier/pkg/webhooks"
)

// Category groups event types by business domain
type Category string

const (
	CategoryCompliance  Category = "compliance"
	CategoryDocument    Category = "document"
	CategoryRegulatory  Category = "regulatory"
	CategoryRisk        Category = "risk"
	CategoryReport      Category = "report"
	CategoryIntegration Category = "integration"
	CategoryUser        Category = "user"
	CategorySystem      Category = "system"
	CategoryWebhook     Category = "webhook"
	CategoryOther       Category = "other"
)

// Priority decides whether an event waits in the buffer
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Urgent reports whether events of this priority skip the buffer
func (p Priority) Urgent() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// Classification is the category and priority of an event type
type Classification struct {
	Category Category `json:"category"`
	Priority Priority `json:"priority"`
}

var knownEventTypes = map[string]Classification{
	"compliance.report.created":       {CategoryCompliance, PriorityMedium},
	"compliance.report.submitted":     {CategoryCompliance, PriorityHigh},
	"compliance.check.failed":         {CategoryCompliance, PriorityHigh},
	"compliance.violation.detected":   {CategoryCompliance, PriorityCritical},
	"compliance.deadline.approaching": {CategoryCompliance, PriorityHigh},
	"compliance.deadline.missed":      {CategoryCompliance, PriorityCritical},

	"document.uploaded":  {CategoryDocument, PriorityMedium},
	"document.processed": {CategoryDocument, PriorityMedium},
	"document.approved":  {CategoryDocument, PriorityMedium},
	"document.rejected":  {CategoryDocument, PriorityHigh},
	"document.deleted":   {CategoryDocument, PriorityLow},
	"doc.uploaded":       {CategoryDocument, PriorityMedium},

	"regulatory.update.published": {CategoryRegulatory, PriorityHigh},
	"regulatory.circular.issued":  {CategoryRegulatory, PriorityHigh},
	"regulatory.deadline.changed": {CategoryRegulatory, PriorityCritical},

	"risk.assessment.completed": {CategoryRisk, PriorityMedium},
	"risk.score.changed":        {CategoryRisk, PriorityMedium},
	"risk.threshold.exceeded":   {CategoryRisk, PriorityCritical},

	"report.generated": {CategoryReport, PriorityLow},
	"report.scheduled": {CategoryReport, PriorityLow},
	"report.failed":    {CategoryReport, PriorityHigh},

	"integration.sync.completed": {CategoryIntegration, PriorityLow},
	"integration.sync.failed":    {CategoryIntegration, PriorityHigh},

	"user.created":      {CategoryUser, PriorityLow},
	"user.login":        {CategoryUser, PriorityLow},
	"user.role.changed": {CategoryUser, PriorityMedium},

	"system.maintenance.scheduled": {CategorySystem, PriorityLow},
	"system.alert":                 {CategorySystem, PriorityCritical},
	"system.backup.failed":         {CategorySystem, PriorityHigh},

	"webhook.test": {CategoryWebhook, PriorityLow},
}

var categoriesByPrefix = map[string]Category{
	"compliance":  CategoryCompliance,
	"document":    CategoryDocument,
	"doc":         CategoryDocument,
	"regulatory":  CategoryRegulatory,
	"risk":        CategoryRisk,
	"report":      CategoryReport,
	"integration": CategoryIntegration,
	"user":        CategoryUser,
	"system":      CategorySystem,
	"webhook":     CategoryWebhook,
}

// Classify returns the category and priority of an event type. Unknown
// types are categorized by their first dot segment with medium priority,
// or low priority for user and system events.
func Classify(eventType string) Classification {
	if c, ok := knownEventTypes[eventType]; ok {
		return c
	}

	prefix, _, _ := strings.Cut(eventType, ".")
	category, ok := categoriesByPrefix[prefix]
	if !ok {
		category = CategoryOther
	}

	priority := PriorityMedium
	if category == CategoryUser || category == CategorySystem {
		priority = PriorityLow
	}
	return Classification{Category: category, Priority: priority}
}

// Classifier stamps category and priority metadata on events and hands them
// straight to the next submitter. It is the unbuffered counterpart of Buffer.
type Classifier struct {
	next webhooks.Submitter
}

// NewClassifier creates a classifier publishing through next
func NewClassifier(next webhooks.Submitter) *Classifier {
	return &Classifier{next: next}
}

// Submit classifies an event and submits it. Metadata the caller already set
// is kept.
func (c *Classifier) Submit(ctx context.Context, in webhooks.EventInput) (webhooks.SubmitResult, error) {
	in.Metadata = stampClassification(in.Metadata, Classify(in.Type))
	return c.next.Submit(ctx, in)
}
