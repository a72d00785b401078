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

// Package handler executes individual workflow steps. Each step type has
// one handler; the orchestrator selects it by the step's type and owns
// persisting the resulting execution record.
package handler

import (
	"context"
	"strings"
	"time"

	"github.com/leadforge/engine/internal/dag"
	"github.com/leadforge/engine/internal/model"
	"github.com/leadforge/engine/internal/stepcontext"
)

// Request bundles everything a handler needs for one step execution.
type Request struct {
	Job        *model.Job
	Step       *model.Step
	Graph      *dag.Graph
	Submission *model.Submission
	Form       *model.Form

	// Records are the execution records loaded before this step ran.
	Records []model.ExecutionStep

	// Context is the assembled step input.
	Context stepcontext.Context
}

// Handler executes one step. Provider and tool errors are folded into the
// returned result (Success=false); only programming errors may panic.
type Handler interface {
	Execute(ctx context.Context, req *Request) *model.StepResult
}

// BuildRecord converts a handler result into the execution record that
// gets appended or replaced under the job.
func BuildRecord(step *model.Step, res *model.StepResult, startedAt time.Time) model.ExecutionStep {
	status := model.StepStatusSucceeded
	if !res.Success {
		status = model.StepStatusFailed
	}
	return model.ExecutionStep{
		StepOrder:       step.StepOrder,
		StepName:        step.StepName,
		StepType:        step.StepType,
		StepModel:       step.Model,
		Input:           res.Input,
		Output:          res.Output,
		ResponseDetails: res.ResponseDetails,
		Usage:           res.Usage,
		ArtifactID:      res.ArtifactID,
		ImageURLs:       res.ImageURLs,
		Status:          status,
		Error:           res.Error,
		Skipped:         res.Skipped,
		StartedAt:       startedAt,
		DurationMS:      res.DurationMS,
	}
}

// failed builds a failed result with the elapsed duration filled in.
func failed(err error, category string, startedAt time.Time) *model.StepResult {
	res := &model.StepResult{
		Success:    false,
		Error:      err.Error(),
		DurationMS: time.Since(startedAt).Milliseconds(),
	}
	if category != "" {
		res.ResponseDetails = map[string]any{"error_category": category}
	}
	return res
}

// slug turns a step name into a filename-safe fragment.
func slug(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "step"
	}
	return out
}

// outputExtension sniffs whether a step's textual output is an HTML
// document or markdown prose.
func outputExtension(output string) string {
	if strings.HasPrefix(strings.TrimSpace(output), "<") {
		return ".html"
	}
	return ".md"
}
