package record

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/engine/internal/blob"
	"github.com/leadforge/engine/internal/model"
)

func TestAppendOrReplace(t *testing.T) {
	var steps []model.ExecutionStep

	steps = AppendOrReplace(steps, model.ExecutionStep{StepOrder: 1, StepType: model.StepTypeAIGeneration, Output: "one"})
	steps = AppendOrReplace(steps, model.ExecutionStep{StepOrder: 0, StepType: model.StepTypeAIGeneration, Output: "zero"})
	steps = AppendOrReplace(steps, model.ExecutionStep{StepOrder: 1, StepType: model.StepTypeWebhook, Output: "hook"})

	require.Len(t, steps, 3)
	assert.Equal(t, "zero", steps[0].Output)
	assert.Equal(t, "one", steps[1].Output)
	assert.Equal(t, "hook", steps[2].Output)

	// A rerun replaces the matching record without growing the list.
	steps = AppendOrReplace(steps, model.ExecutionStep{StepOrder: 1, StepType: model.StepTypeAIGeneration, Output: "one-rerun"})
	require.Len(t, steps, 3)
	assert.Equal(t, "one-rerun", steps[1].Output)
	assert.Equal(t, "hook", steps[2].Output)
}

func TestFind(t *testing.T) {
	steps := []model.ExecutionStep{
		{StepOrder: 0, StepType: model.StepTypeAIGeneration, Output: "a"},
		{StepOrder: 0, StepType: model.StepTypeWebhook, Output: "b"},
	}
	got := Find(steps, 0, model.StepTypeWebhook)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Output)
	assert.Nil(t, Find(steps, 3, model.StepTypeAIGeneration))
}

func TestPersistInlineBelowThreshold(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore("")
	r := NewRecorder(blobs, nil, 1024)

	job := &model.Job{JobID: "job_1", TenantID: "ten_1"}
	steps := []model.ExecutionStep{{StepOrder: 0, Output: "small"}}
	require.NoError(t, r.Persist(ctx, job, steps))

	assert.Empty(t, job.ExecutionStepsS3Key)
	require.Len(t, job.ExecutionSteps, 1)
	assert.Equal(t, 0, blobs.Len())

	loaded, err := r.Load(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "small", loaded[0].Output)
}

func TestPersistSpillsAboveThreshold(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore("")
	r := NewRecorder(blobs, nil, 256)

	job := &model.Job{JobID: "job_1", TenantID: "ten_1"}
	steps := []model.ExecutionStep{{StepOrder: 0, Output: strings.Repeat("x", 1024)}}
	require.NoError(t, r.Persist(ctx, job, steps))

	assert.Empty(t, job.ExecutionSteps)
	assert.Equal(t, "ten_1/jobs/job_1/execution_steps.json", job.ExecutionStepsS3Key)

	loaded, err := r.Load(ctx, job)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Len(t, loaded[0].Output, 1024)
}

func TestPersistReturnsInlineAfterShrink(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore("")
	r := NewRecorder(blobs, nil, 256)

	job := &model.Job{JobID: "job_1", TenantID: "ten_1"}
	require.NoError(t, r.Persist(ctx, job, []model.ExecutionStep{{Output: strings.Repeat("x", 1024)}}))
	require.NotEmpty(t, job.ExecutionStepsS3Key)

	// A rerun that shrinks the records moves them back inline.
	require.NoError(t, r.Persist(ctx, job, []model.ExecutionStep{{Output: "tiny"}}))
	assert.Empty(t, job.ExecutionStepsS3Key)
	require.Len(t, job.ExecutionSteps, 1)
}

func TestSpillThresholdFromEnv(t *testing.T) {
	t.Setenv(SpillEnvVar, "")
	assert.Equal(t, DefaultSpillBytes, SpillThresholdFromEnv())

	t.Setenv(SpillEnvVar, "2048")
	assert.Equal(t, 2048, SpillThresholdFromEnv())

	t.Setenv(SpillEnvVar, "not-a-number")
	assert.Equal(t, DefaultSpillBytes, SpillThresholdFromEnv())
}
