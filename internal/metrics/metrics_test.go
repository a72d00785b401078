package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/leadforge/engine/internal/model"
)

func TestRecordJob(t *testing.T) {
	before := testutil.ToFloat64(jobsTotal.WithLabelValues("completed"))
	RecordJob(model.JobStatusCompleted)
	assert.Equal(t, before+1, testutil.ToFloat64(jobsTotal.WithLabelValues("completed")))
}

func TestRecordStep(t *testing.T) {
	before := testutil.ToFloat64(stepsTotal.WithLabelValues("ai_generation", "succeeded"))
	RecordStep(model.StepTypeAIGeneration, "succeeded", 250*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(stepsTotal.WithLabelValues("ai_generation", "succeeded")))
}

func TestRecordUsage(t *testing.T) {
	in := testutil.ToFloat64(llmTokens.WithLabelValues("input"))
	out := testutil.ToFloat64(llmTokens.WithLabelValues("output"))

	RecordUsage(&model.Usage{InputTokens: 100, OutputTokens: 40})
	RecordUsage(nil) // no-op

	assert.Equal(t, in+100, testutil.ToFloat64(llmTokens.WithLabelValues("input")))
	assert.Equal(t, out+40, testutil.ToFloat64(llmTokens.WithLabelValues("output")))
}

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(deliveries.WithLabelValues("email", "failure"))
	RecordDelivery(model.DeliveryEmail, "failure")
	assert.Equal(t, before+1, testutil.ToFloat64(deliveries.WithLabelValues("email", "failure")))
}
