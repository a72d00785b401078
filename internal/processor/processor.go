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

// Package processor is the job entry point: it loads the job's state,
// marks it processing, drives the orchestrator, and records the terminal
// status.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadforge/engine/internal/log"
	"github.com/leadforge/engine/internal/metrics"
	"github.com/leadforge/engine/internal/model"
	"github.com/leadforge/engine/internal/orchestrator"
	"github.com/leadforge/engine/internal/record"
	"github.com/leadforge/engine/internal/store"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// maxStatusRetries bounds CAS retries on job status writes.
const maxStatusRetries = 3

// Entry step types. The default runs the workflow; html_generation only
// regenerates the deliverable from the records already on the job.
const (
	EntryWorkflowStep   = "workflow_step"
	EntryHTMLGeneration = "html_generation"
)

// Entry is the invocation contract.
type Entry struct {
	JobID         string `json:"job_id"`
	StepIndex     *int   `json:"step_index,omitempty"`
	ContinueAfter bool   `json:"continue_after,omitempty"`
	StepType      string `json:"step_type,omitempty"`
}

// Output reports the invocation result.
type Output struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	StepIndex *int   `json:"step_index,omitempty"`
}

// Processor drives one job invocation end to end.
type Processor struct {
	kv       store.Store
	recorder *record.Recorder
	orch     *orchestrator.Orchestrator
	logger   *slog.Logger
}

// New creates a Processor.
func New(kv store.Store, recorder *record.Recorder, orch *orchestrator.Orchestrator, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		kv:       kv,
		recorder: recorder,
		orch:     orch,
		logger:   log.WithComponent(logger, "processor"),
	}
}

// Process executes the entry and returns the invocation output. The
// returned output is always non-nil; job state carries the details.
func (p *Processor) Process(ctx context.Context, entry *Entry) *Output {
	if entry.JobID == "" {
		return failure(entry, &lferrors.ValidationError{Field: "job_id", Message: "job_id is required"})
	}
	switch entry.StepType {
	case "", EntryWorkflowStep, EntryHTMLGeneration:
	default:
		return failure(entry, &lferrors.ValidationError{
			Field:   "step_type",
			Message: fmt.Sprintf("unknown step_type %q", entry.StepType),
		})
	}
	finalizeOnly := entry.StepType == EntryHTMLGeneration
	if finalizeOnly && entry.StepIndex != nil {
		return failure(entry, &lferrors.ValidationError{
			Field:   "step_type",
			Message: "step_index does not apply to an html_generation run",
		})
	}

	job, err := p.kv.GetJob(ctx, entry.JobID)
	if err != nil {
		return failure(entry, err)
	}
	logger := log.WithJobContext(p.logger, job.JobID, job.TenantID)

	wf, err := p.kv.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return p.fail(ctx, job, entry, err)
	}
	sub, err := p.kv.GetSubmission(ctx, job.SubmissionID)
	if err != nil {
		return p.fail(ctx, job, entry, err)
	}
	var form *model.Form
	if sub.FormID != "" {
		// A missing form only degrades context labels.
		if f, err := p.kv.GetForm(ctx, sub.FormID); err == nil {
			form = f
		} else if !lferrors.IsNotFound(err) {
			return p.fail(ctx, job, entry, err)
		}
	}

	singleStep := entry.StepIndex != nil && !entry.ContinueAfter
	priorStatus := job.Status

	job.Status = model.JobStatusProcessing
	if err := p.putJob(ctx, job); err != nil {
		return failure(entry, err)
	}

	records, err := p.recorder.Load(ctx, job)
	if err != nil {
		return p.fail(ctx, job, entry, err)
	}

	logger.Info("processing job",
		"workflow_id", job.WorkflowID,
		"single_step", singleStep,
		"record_count", len(records))

	res, runErr := p.orch.Run(ctx, &orchestrator.Input{
		Job:        job,
		Workflow:   wf,
		Submission: sub,
		Form:       form,
		Records:    records,
	}, orchestrator.Mode{
		StepIndex:     entry.StepIndex,
		ContinueAfter: entry.ContinueAfter,
		FinalizeOnly:  finalizeOnly,
	})

	if runErr != nil {
		// A rerun whose upstream is incomplete fails the invocation but
		// leaves the job as it was, with or without continue_after.
		if entry.StepIndex != nil && isDependencyViolation(runErr) {
			job.Status = priorStatus
			if err := p.putJob(ctx, job); err != nil {
				logger.Warn("restoring job status failed", log.Error(err))
			}
			return failure(entry, runErr)
		}
		return p.fail(ctx, job, entry, runErr)
	}

	if singleStep {
		job.Status = priorStatus
		if err := p.putJob(ctx, job); err != nil {
			return failure(entry, err)
		}
		logger.Info("single-step rerun completed", "step_index", *entry.StepIndex)
		return &Output{Success: true, StepIndex: entry.StepIndex}
	}

	job.Status = model.JobStatusCompleted
	job.ErrorMessage = ""
	job.ErrorType = ""
	if res.OutputURL != "" {
		job.OutputURL = res.OutputURL
	}
	if err := p.putJob(ctx, job); err != nil {
		return failure(entry, err)
	}
	metrics.RecordJob(model.JobStatusCompleted)
	logger.Info("job completed", "output_url", job.OutputURL)
	return &Output{Success: true, StepIndex: entry.StepIndex}
}

// fail records a terminal failure on the job and returns the output.
func (p *Processor) fail(ctx context.Context, job *model.Job, entry *Entry, cause error) *Output {
	out := failure(entry, cause)
	job.Status = model.JobStatusFailed
	job.ErrorMessage = out.Error
	job.ErrorType = out.ErrorType
	metrics.RecordJob(model.JobStatusFailed)
	if err := p.putJob(ctx, job); err != nil {
		p.logger.Error("persisting failed job status",
			log.JobIDKey, job.JobID, log.Error(err))
	}
	p.logger.Warn("job failed",
		log.JobIDKey, job.JobID,
		"error_type", out.ErrorType,
		"error", out.Error)
	return out
}

// putJob writes the job with bounded reload-and-retry on version conflicts.
func (p *Processor) putJob(ctx context.Context, job *model.Job) error {
	for attempt := 0; ; attempt++ {
		job.UpdatedAt = time.Now().UTC()
		err := p.kv.PutJob(ctx, job)
		if err == nil {
			return nil
		}
		if !lferrors.IsConflict(err) || attempt >= maxStatusRetries {
			return err
		}
		fresh, loadErr := p.kv.GetJob(ctx, job.JobID)
		if loadErr != nil {
			return loadErr
		}
		job.Version = fresh.Version
	}
}

// failure maps an error to the invocation output without touching the job.
func failure(entry *Entry, err error) *Output {
	return &Output{
		Success:   false,
		Error:     err.Error(),
		ErrorType: errorType(err),
		StepIndex: entry.StepIndex,
	}
}

// errorType derives the recorded error_type: the step's provider category
// when a step failed, otherwise the engine error classification.
func errorType(err error) string {
	var stepErr *orchestrator.StepFailure
	if lferrors.As(err, &stepErr) && stepErr.Category != "" {
		return stepErr.Category
	}
	return lferrors.TypeName(err)
}

// isDependencyViolation reports whether a single-step rerun was rejected
// for an incomplete upstream or bad step index.
func isDependencyViolation(err error) bool {
	var verr *lferrors.ValidationError
	return lferrors.As(err, &verr) && verr.Field == "step_index"
}
