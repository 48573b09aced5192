package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/courier/pkg/webhooks"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		eventType string
		expected  Classification
	}{
		{"compliance.report.created", Classification{CategoryCompliance, PriorityMedium}},
		{"compliance.violation.detected", Classification{CategoryCompliance, PriorityCritical}},
		{"regulatory.update.published", Classification{CategoryRegulatory, PriorityHigh}},
		{"doc.uploaded", Classification{CategoryDocument, PriorityMedium}},
		{"webhook.test", Classification{CategoryWebhook, PriorityLow}},

		// Unknown types fall back to their first segment
		{"risk.model.retrained", Classification{CategoryRisk, PriorityMedium}},
		{"system.cache.cleared", Classification{CategorySystem, PriorityLow}},
		{"user.password.reset", Classification{CategoryUser, PriorityLow}},
		{"billing.invoice.paid", Classification{CategoryOther, PriorityMedium}},
		{"standalone", Classification{CategoryOther, PriorityMedium}},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.eventType))
		})
	}
}

func TestPriority_Urgent(t *testing.T) {
	assert.True(t, PriorityCritical.Urgent())
	assert.True(t, PriorityHigh.Urgent())
	assert.False(t, PriorityMedium.Urgent())
	assert.False(t, PriorityLow.Urgent())
}

func TestClassifier_Submit(t *testing.T) {
	next := &recordingSubmitter{}
	c := NewClassifier(next)
	ctx := context.Background()

	result, err := c.Submit(ctx, webhooks.EventInput{Type: "regulatory.update.published"})
	require.NoError(t, err)
	assert.Equal(t, webhooks.SubmitPublished, result.Outcome)

	md := map[string]interface{}{MetadataCategory: "custom"}
	_, err = c.Submit(ctx, webhooks.EventInput{Type: "system.health.check", Metadata: md})
	require.NoError(t, err)

	published := next.published()
	require.Len(t, published, 2)
	assert.Equal(t, "regulatory", published[0].Metadata[MetadataCategory])
	assert.Equal(t, string(Classify("regulatory.update.published").Priority), published[0].Metadata[MetadataPriority])
	assert.Equal(t, "custom", published[1].Metadata[MetadataCategory])
	assert.Equal(t, string(PriorityLow), published[1].Metadata[MetadataPriority])
	assert.NotContains(t, md, MetadataPriority, "caller map is not modified")
}
