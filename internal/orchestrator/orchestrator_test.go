package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/engine/internal/blob"
	"github.com/leadforge/engine/internal/handler"
	"github.com/leadforge/engine/internal/model"
	"github.com/leadforge/engine/internal/record"
	"github.com/leadforge/engine/internal/store"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// fakeHandler scripts per-step outcomes and records execution order and
// the context each step saw.
type fakeHandler struct {
	outputs  map[int]string
	fail     map[int]bool
	order    []int
	contexts map[int]string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		outputs:  make(map[int]string),
		fail:     make(map[int]bool),
		contexts: make(map[int]string),
	}
}

func (h *fakeHandler) Execute(_ context.Context, req *handler.Request) *model.StepResult {
	ord := req.Step.StepOrder
	h.order = append(h.order, ord)
	h.contexts[ord] = req.Context.Previous
	if h.fail[ord] {
		return &model.StepResult{
			Success: false,
			Error:   "provider exploded",
			ResponseDetails: map[string]any{
				"error_category": "rate_limit",
			},
		}
	}
	out := h.outputs[ord]
	if out == "" {
		out = fmt.Sprintf("output-%d", ord)
	}
	return &model.StepResult{Success: true, Output: out}
}

type fakeFinalizer struct {
	called  bool
	records []model.ExecutionStep
	url     string
	note    string
	err     error
}

func (f *fakeFinalizer) Finalize(_ context.Context, _ *model.Job, _ *model.Workflow, _ *model.Submission, records []model.ExecutionStep) (string, string, error) {
	f.called = true
	f.records = records
	return f.url, f.note, f.err
}

type env struct {
	kv    *store.MemoryStore
	orch  *Orchestrator
	fake  *fakeHandler
	final *fakeFinalizer
	job   *model.Job
}

func newEnv(t *testing.T) *env {
	t.Helper()
	kv := store.NewMemoryStore()
	fake := newFakeHandler()
	final := &fakeFinalizer{url: "https://blobs.test/ten_1/jobs/job_1/final.md"}
	recorder := record.NewRecorder(blob.NewMemoryStore(""), nil, 0)
	orch := New(kv, recorder, map[model.StepType]handler.Handler{
		model.StepTypeAIGeneration: fake,
		model.StepTypeWebhook:      fake,
	}, final, nil)

	job := &model.Job{JobID: "job_1", TenantID: "ten_1", WorkflowID: "wf_1", Status: model.JobStatusProcessing}
	require.NoError(t, kv.PutJob(context.Background(), job))
	return &env{kv: kv, orch: orch, fake: fake, final: final, job: job}
}

func depList(orders ...int) *model.DependencyList {
	d := model.DependencyList(orders)
	return &d
}

func linearWorkflow() *model.Workflow {
	return &model.Workflow{
		WorkflowID: "wf_1",
		Steps: []model.Step{
			{StepOrder: 0, StepName: "summarize", StepType: model.StepTypeAIGeneration, Model: "gpt-5", Instructions: "go", DependsOn: depList()},
			{StepOrder: 1, StepName: "compose", StepType: model.StepTypeAIGeneration, Model: "gpt-5", Instructions: "go", DependsOn: depList(0)},
		},
	}
}

func submission() *model.Submission {
	return &model.Submission{
		SubmissionID:   "sub_1",
		TenantID:       "ten_1",
		SubmissionData: map[string]any{"name": "Ada", "email": "a@x"},
		Email:          "a@x",
	}
}

func (e *env) input(wf *model.Workflow, records []model.ExecutionStep) *Input {
	return &Input{Job: e.job, Workflow: wf, Submission: submission(), Form: nil, Records: records}
}

func TestRunLinearWorkflow(t *testing.T) {
	e := newEnv(t)
	e.fake.outputs[0] = "Hello Ada"

	res, err := e.orch.Run(context.Background(), e.input(linearWorkflow(), nil), Mode{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, e.fake.order)
	require.Len(t, res.Records, 2)
	assert.Equal(t, model.StepStatusSucceeded, res.Records[0].Status)
	assert.Equal(t, "Hello Ada", res.Records[0].Output)

	// Step 1 sees the submission and step 0's output.
	assert.Contains(t, e.fake.contexts[1], "name: Ada")
	assert.Contains(t, e.fake.contexts[1], "Hello Ada")

	assert.True(t, e.final.called)
	assert.True(t, res.Finalized)
	assert.Equal(t, e.final.url, res.OutputURL)
	assert.Equal(t, e.final.url, e.job.OutputURL)

	// Records were persisted under the job.
	stored, err := e.kv.GetJob(context.Background(), "job_1")
	require.NoError(t, err)
	assert.Len(t, stored.ExecutionSteps, 2)
}

func TestRunFanInContextScoping(t *testing.T) {
	e := newEnv(t)
	wf := &model.Workflow{
		WorkflowID: "wf_1",
		Steps: []model.Step{
			{StepOrder: 0, StepName: "a", StepType: model.StepTypeAIGeneration, Model: "gpt-5", Instructions: "go", DependsOn: depList()},
			{StepOrder: 1, StepName: "b", StepType: model.StepTypeAIGeneration, Model: "gpt-5", Instructions: "go", DependsOn: depList()},
			{StepOrder: 2, StepName: "c", StepType: model.StepTypeAIGeneration, Model: "gpt-5", Instructions: "go", DependsOn: depList(0, 1)},
		},
	}
	e.fake.outputs[0] = "alpha output"
	e.fake.outputs[1] = "beta output"

	_, err := e.orch.Run(context.Background(), e.input(wf, nil), Mode{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, e.fake.order)
	assert.Contains(t, e.fake.contexts[2], "alpha output")
	assert.Contains(t, e.fake.contexts[2], "beta output")
}

func TestRunSingleStepRerunReplacesRecord(t *testing.T) {
	e := newEnv(t)
	wf := &model.Workflow{
		WorkflowID: "wf_1",
		Steps: []model.Step{
			{StepOrder: 0, StepName: "a", StepType: model.StepTypeAIGeneration, Model: "gpt-5", Instructions: "go", DependsOn: depList()},
			{StepOrder: 1, StepName: "b", StepType: model.StepTypeAIGeneration, Model: "gpt-5", Instructions: "go", DependsOn: depList(0)},
			{StepOrder: 2, StepName: "c", StepType: model.StepTypeAIGeneration, Model: "gpt-5", Instructions: "go", DependsOn: depList(1)},
		},
	}
	records := []model.ExecutionStep{
		{StepOrder: 0, StepType: model.StepTypeAIGeneration, Output: "old-0", Status: model.StepStatusSucceeded},
		{StepOrder: 1, StepType: model.StepTypeAIGeneration, Output: "old-1", Status: model.StepStatusSucceeded},
	}
	e.fake.outputs[1] = "new-1"

	stepIndex := 1
	res, err := e.orch.Run(context.Background(), e.input(wf, records), Mode{StepIndex: &stepIndex})
	require.NoError(t, err)

	// Replaced, not duplicated; step 2 never ran; no finalize.
	assert.Equal(t, []int{1}, e.fake.order)
	require.Len(t, res.Records, 2)
	rec := record.Find(res.Records, 1, model.StepTypeAIGeneration)
	require.NotNil(t, rec)
	assert.Equal(t, "new-1", rec.Output)
	assert.False(t, e.final.called)
	assert.False(t, res.Finalized)
}

func TestRunSingleStepRerunContinueAfter(t *testing.T) {
	e := newEnv(t)
	wf := &model.Workflow{
		WorkflowID: "wf_1",
		Steps: []model.Step{
			{StepOrder: 0, StepName: "a", StepType: model.StepTypeAIGeneration, Model: "gpt-5", Instructions: "go", DependsOn: depList()},
			{StepOrder: 1, StepName: "b", StepType: model.StepTypeAIGeneration, Model: "gpt-5", Instructions: "go", DependsOn: depList(0)},
		},
	}
	records := []model.ExecutionStep{
		{StepOrder: 0, StepType: model.StepTypeAIGeneration, Output: "done-0", Status: model.StepStatusSucceeded},
	}

	stepIndex := 0
	res, err := e.orch.Run(context.Background(), e.input(wf, records), Mode{StepIndex: &stepIndex, ContinueAfter: true})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, e.fake.order)
	assert.True(t, res.Finalized)
}

func TestRunSingleStepRerunRejectsIncompleteUpstream(t *testing.T) {
	e := newEnv(t)
	stepIndex := 1

	_, err := e.orch.Run(context.Background(), e.input(linearWorkflow(), nil), Mode{StepIndex: &stepIndex})
	require.Error(t, err)
	var verr *lferrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "has not completed")
	assert.Empty(t, e.fake.order)
}

func TestRunHaltsOnStepFailure(t *testing.T) {
	e := newEnv(t)
	e.fake.fail[0] = true

	res, err := e.orch.Run(context.Background(), e.input(linearWorkflow(), nil), Mode{})
	require.Error(t, err)
	var failure *StepFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 0, failure.StepOrder)
	assert.Equal(t, "rate_limit", failure.Category)
	assert.Contains(t, failure.Message, "provider exploded")

	// Only step 0 ran; its failed record persisted.
	assert.Equal(t, []int{0}, e.fake.order)
	require.Len(t, res.Records, 1)
	assert.Equal(t, model.StepStatusFailed, res.Records[0].Status)
	assert.False(t, e.final.called)
}

func TestRunConditionFalseSkipsStep(t *testing.T) {
	e := newEnv(t)
	wf := linearWorkflow()
	wf.Steps[1].Condition = `submission.name == "Bob"`

	res, err := e.orch.Run(context.Background(), e.input(wf, nil), Mode{})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, e.fake.order, "skipped step never reaches its handler")

	rec := record.Find(res.Records, 1, model.StepTypeAIGeneration)
	require.NotNil(t, rec)
	assert.True(t, rec.Skipped)
	assert.Equal(t, model.StepStatusSucceeded, rec.Status)
	assert.True(t, e.final.called, "skip does not block completion")
}

func TestRunRejectsCyclicWorkflow(t *testing.T) {
	e := newEnv(t)
	wf := &model.Workflow{
		WorkflowID: "wf_1",
		Steps: []model.Step{
			{StepOrder: 0, StepName: "a", StepType: model.StepTypeAIGeneration, Model: "gpt-5", Instructions: "go", DependsOn: depList(1)},
			{StepOrder: 1, StepName: "b", StepType: model.StepTypeAIGeneration, Model: "gpt-5", Instructions: "go", DependsOn: depList(0)},
		},
	}

	_, err := e.orch.Run(context.Background(), e.input(wf, nil), Mode{})
	require.Error(t, err)
	assert.Empty(t, e.fake.order)
}

func TestRunRejectsEmptyWorkflow(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.Run(context.Background(), e.input(&model.Workflow{WorkflowID: "wf_1"}, nil), Mode{})
	require.Error(t, err)
	var verr *lferrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}
