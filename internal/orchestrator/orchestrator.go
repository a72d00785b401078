// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orchestrator walks a job's workflow DAG, dispatching each ready
// step to its handler, persisting execution records after every step, and
// handing the finished job to the delivery finalizer.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadforge/engine/internal/condition"
	"github.com/leadforge/engine/internal/dag"
	"github.com/leadforge/engine/internal/handler"
	"github.com/leadforge/engine/internal/log"
	"github.com/leadforge/engine/internal/metrics"
	"github.com/leadforge/engine/internal/model"
	"github.com/leadforge/engine/internal/record"
	"github.com/leadforge/engine/internal/stepcontext"
	"github.com/leadforge/engine/internal/store"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// maxPersistRetries bounds reload-and-retry on conditional-write conflicts.
const maxPersistRetries = 3

// StepFailure reports a step that ran and failed. The orchestrator halts
// the DAG on the first one.
type StepFailure struct {
	StepOrder int
	StepName  string
	Category  string
	Message   string
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %s", e.StepOrder, e.StepName, e.Message)
}

// Finalizer produces and dispatches the job's final deliverable. A
// delivery-channel failure is reported via note, not error.
type Finalizer interface {
	Finalize(ctx context.Context, job *model.Job, wf *model.Workflow, sub *model.Submission, records []model.ExecutionStep) (outputURL, note string, err error)
}

// Orchestrator drives one job's DAG.
type Orchestrator struct {
	kv         store.Store
	recorder   *record.Recorder
	conditions *condition.Evaluator
	handlers   map[model.StepType]handler.Handler
	finalizer  Finalizer
	logger     *slog.Logger
}

// New creates an orchestrator. The finalizer may be nil for single-step
// invocations that never finalize.
func New(kv store.Store, recorder *record.Recorder, handlers map[model.StepType]handler.Handler, finalizer Finalizer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		kv:         kv,
		recorder:   recorder,
		conditions: condition.New(),
		handlers:   handlers,
		finalizer:  finalizer,
		logger:     log.WithComponent(logger, "orchestrator"),
	}
}

// Input is the loaded state the orchestrator runs against.
type Input struct {
	Job        *model.Job
	Workflow   *model.Workflow
	Submission *model.Submission
	Form       *model.Form
	Records    []model.ExecutionStep
}

// Mode selects batch, single-step, or finalize-only execution.
type Mode struct {
	// StepIndex reruns exactly that step when set.
	StepIndex *int

	// ContinueAfter resumes the DAG after a single-step rerun.
	ContinueAfter bool

	// FinalizeOnly regenerates the deliverable from the existing records
	// without executing any step.
	FinalizeOnly bool
}

// Result reports what the run produced.
type Result struct {
	Records   []model.ExecutionStep
	OutputURL string
	Finalized bool
}

// Run executes the workflow in the requested mode. On step failure the
// returned error is a *StepFailure; the record set written so far stays
// persisted.
func (o *Orchestrator) Run(ctx context.Context, in *Input, mode Mode) (*Result, error) {
	if len(in.Workflow.Steps) == 0 {
		return nil, &lferrors.ValidationError{Field: "steps", Message: "workflow has no steps"}
	}
	g, err := dag.New(in.Workflow.Steps)
	if err != nil {
		return nil, err
	}

	records := in.Records

	if mode.FinalizeOnly {
		if o.finalizer == nil {
			return nil, &lferrors.ValidationError{
				Field:   "step_type",
				Message: "finalize-only run requested but no finalizer is configured",
			}
		}
		outputURL, note, err := o.finalizer.Finalize(ctx, in.Job, in.Workflow, in.Submission, records)
		if err != nil {
			return &Result{Records: records}, lferrors.Wrap(err, "finalizing deliverable")
		}
		in.Job.OutputURL = outputURL
		in.Job.DeliveryNote = note
		if err := o.persist(ctx, in.Job, records); err != nil {
			return &Result{Records: records}, err
		}
		return &Result{Records: records, OutputURL: outputURL, Finalized: true}, nil
	}

	if mode.StepIndex != nil {
		ord := *mode.StepIndex
		if g.Step(ord) == nil {
			return nil, &lferrors.ValidationError{
				Field:   "step_index",
				Message: fmt.Sprintf("workflow has no step with order %d", ord),
			}
		}
		done := g.Completion(records)
		for _, dep := range g.Dependencies(ord) {
			if done[dep] != model.StepStatusSucceeded {
				return nil, &lferrors.ValidationError{
					Field:   "step_index",
					Message: fmt.Sprintf("step %d depends on step %d which has not completed", ord, dep),
				}
			}
		}

		records, err = o.executeStep(ctx, in, g, ord, records)
		if err != nil {
			return &Result{Records: records}, err
		}
		if !mode.ContinueAfter {
			return &Result{Records: records}, nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return &Result{Records: records}, &lferrors.CancelledError{Operation: "workflow execution", Cause: err}
		}

		done := g.Completion(records)
		for _, ord := range g.Orders() {
			if done[ord] == model.StepStatusFailed {
				rec := record.Find(records, ord, g.Step(ord).StepType)
				return &Result{Records: records}, stepFailureFrom(g.Step(ord), rec)
			}
		}

		ready := g.Ready(done)
		if len(ready) == 0 {
			if len(done) == len(g.Orders()) {
				break
			}
			return &Result{Records: records}, &lferrors.ValidationError{
				Field:   "depends_on",
				Message: "no step is ready and the workflow is not complete",
			}
		}

		records, err = o.executeStep(ctx, in, g, ready[0], records)
		if err != nil {
			return &Result{Records: records}, err
		}
	}

	res := &Result{Records: records}
	if o.finalizer != nil {
		outputURL, note, err := o.finalizer.Finalize(ctx, in.Job, in.Workflow, in.Submission, records)
		if err != nil {
			return res, lferrors.Wrap(err, "finalizing deliverable")
		}
		res.OutputURL = outputURL
		res.Finalized = true
		in.Job.OutputURL = outputURL
		in.Job.DeliveryNote = note
		if err := o.persist(ctx, in.Job, records); err != nil {
			return res, err
		}
	}
	return res, nil
}

// executeStep runs one step, appends or replaces its record, and persists
// the job. A skipped condition records a succeeded, skipped step.
func (o *Orchestrator) executeStep(ctx context.Context, in *Input, g *dag.Graph, ord int, records []model.ExecutionStep) ([]model.ExecutionStep, error) {
	step := g.Step(ord)
	started := time.Now()
	logger := log.WithStepContext(o.logger, in.Job.JobID, ord)
	logger.Info("executing step", "step_name", step.StepName, "step_type", string(step.StepType))

	if step.Condition != "" {
		ok, err := o.conditions.Evaluate(step.Condition, condition.Env(in.Submission, records))
		if err != nil {
			return records, err
		}
		if !ok {
			logger.Info("condition false, skipping step")
			rec := handler.BuildRecord(step, &model.StepResult{Success: true, Skipped: true}, started)
			records = record.AppendOrReplace(records, rec)
			metrics.RecordStep(step.StepType, "skipped", time.Since(started))
			return records, o.persist(ctx, in.Job, records)
		}
	}

	h := o.handlers[step.StepType]
	if h == nil {
		return records, &lferrors.ValidationError{
			Field:   "step_type",
			Message: fmt.Sprintf("no handler for step type %q", step.StepType),
		}
	}

	res := h.Execute(ctx, &handler.Request{
		Job:        in.Job,
		Step:       step,
		Graph:      g,
		Submission: in.Submission,
		Form:       in.Form,
		Records:    records,
		Context:    stepcontext.Build(g, ord, in.Submission, in.Form, records),
	})
	rec := handler.BuildRecord(step, res, started)
	records = record.AppendOrReplace(records, rec)

	if err := o.persist(ctx, in.Job, records); err != nil {
		return records, err
	}
	if !res.Success {
		logger.Warn("step failed", "error", res.Error)
		metrics.RecordStep(step.StepType, "failed", time.Since(started))
		return records, stepFailureFrom(step, &rec)
	}
	metrics.RecordStep(step.StepType, "succeeded", time.Since(started))
	logger.Info("step completed", log.DurationKey, rec.DurationMS)
	return records, nil
}

// persist writes the record set under the job with bounded CAS retries.
// On conflict the job is reloaded and the write replayed against the
// fresh version. The job's artifact list is refreshed from the store so
// it tracks everything the steps produced, finalizer output included.
func (o *Orchestrator) persist(ctx context.Context, job *model.Job, records []model.ExecutionStep) error {
	arts, err := o.kv.ListArtifactsByJob(ctx, job.JobID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(arts))
	for i := range arts {
		ids = append(ids, arts[i].ArtifactID)
	}
	job.ArtifactIDs = ids

	for attempt := 0; ; attempt++ {
		if err := o.recorder.Persist(ctx, job, records); err != nil {
			return err
		}
		job.UpdatedAt = time.Now().UTC()

		err := o.kv.PutJob(ctx, job)
		if err == nil {
			return nil
		}
		if !lferrors.IsConflict(err) || attempt >= maxPersistRetries {
			return err
		}

		fresh, loadErr := o.kv.GetJob(ctx, job.JobID)
		if loadErr != nil {
			return loadErr
		}
		o.logger.Warn("job write conflict, retrying",
			log.JobIDKey, job.JobID, "attempt", attempt+1)
		// Keep our in-flight state; only the version moves forward.
		job.Version = fresh.Version
	}
}

func stepFailureFrom(step *model.Step, rec *model.ExecutionStep) *StepFailure {
	f := &StepFailure{StepOrder: step.StepOrder, StepName: step.StepName}
	if rec != nil {
		f.Message = rec.Error
		if rec.ResponseDetails != nil {
			if cat, ok := rec.ResponseDetails["error_category"].(string); ok {
				f.Category = cat
			}
		}
	}
	if f.Message == "" {
		f.Message = "step failed"
	}
	return f
}
