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

package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/leadforge/engine/internal/artifact"
	"github.com/leadforge/engine/internal/llm"
	"github.com/leadforge/engine/internal/log"
	"github.com/leadforge/engine/internal/model"
	"github.com/leadforge/engine/internal/store"
	"github.com/leadforge/engine/internal/toolloop"
)

// BrowserFactory opens a fresh browser session for one computer-use step.
// The handler closes the session when the step finishes.
type BrowserFactory func(ctx context.Context) (toolloop.Browser, error)

// AIGeneration executes LLM-backed generation steps. The tool list on the
// step selects the execution path: computer use and shell run their agent
// loops, image generation runs the planner, everything else is a single
// adapter call.
type AIGeneration struct {
	adapter   *llm.Adapter
	artifacts *artifact.Store
	kv        store.Store
	logger    *slog.Logger

	computer *toolloop.ComputerLoop
	shell    *toolloop.ShellLoop
	planner  *toolloop.ImagePlanner
	browsers BrowserFactory
}

// AIGenerationDeps wires the generation handler.
type AIGenerationDeps struct {
	Adapter   *llm.Adapter
	Artifacts *artifact.Store
	KV        store.Store
	Logger    *slog.Logger

	Computer *toolloop.ComputerLoop
	Shell    *toolloop.ShellLoop
	Planner  *toolloop.ImagePlanner
	Browsers BrowserFactory
}

// NewAIGeneration creates the generation handler.
func NewAIGeneration(deps AIGenerationDeps) *AIGeneration {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AIGeneration{
		adapter:   deps.Adapter,
		artifacts: deps.Artifacts,
		kv:        deps.KV,
		logger:    log.WithComponent(logger, "handler.aigen"),
		computer:  deps.Computer,
		shell:     deps.Shell,
		planner:   deps.Planner,
		browsers:  deps.Browsers,
	}
}

// Execute runs one generation step and stores its artifacts.
func (h *AIGeneration) Execute(ctx context.Context, req *Request) *model.StepResult {
	started := time.Now()
	step := req.Step

	input := req.Context.Previous
	if input == "" {
		input = req.Context.Initial
	}

	tools := llm.DefaultTools(step.Model, step.Tools)
	var res *model.StepResult
	switch {
	case model.HasTool(tools, model.ToolComputerUse) && h.computer != nil && h.browsers != nil:
		res = h.runComputer(ctx, req, tools, input, started)
	case model.HasTool(tools, model.ToolShell) && h.shell != nil:
		res = h.runShell(ctx, req, tools, input, started)
	case model.HasTool(tools, model.ToolImageGeneration) && h.planner != nil:
		res = h.runImagePlan(ctx, req, tools, input, started)
	default:
		res = h.runAdapter(ctx, req, tools, input, started)
	}
	if !res.Success {
		return res
	}

	if res.Output != "" {
		filename := slug(step.StepName) + outputExtension(res.Output)
		art, err := h.artifacts.Put(ctx, req.Job.TenantID, req.Job.JobID,
			filename, []byte(res.Output), model.ArtifactStepOutput)
		if err != nil {
			return failed(err, "", started)
		}
		res.ArtifactID = art.ArtifactID
	}
	res.ImageArtifactIDs = h.imageArtifactIDs(ctx, req.Job.JobID, res.ImageURLs)
	res.DurationMS = time.Since(started).Milliseconds()
	return res
}

func (h *AIGeneration) runAdapter(ctx context.Context, req *Request, tools []model.ToolSpec, input string, started time.Time) *model.StepResult {
	step := req.Step
	out, err := h.adapter.Execute(ctx, &llm.StepRequest{
		TenantID:          req.Job.TenantID,
		JobID:             req.Job.JobID,
		Model:             step.Model,
		Instructions:      step.Instructions,
		Input:             input,
		Tools:             tools,
		ToolChoice:        step.ToolChoice,
		OutputConfig:      step.OutputConfig,
		PreviousImageURLs: req.Context.PreviousImageURLs,
	})
	if err != nil {
		return failed(err, llm.Classify(err), started)
	}

	return &model.StepResult{
		Success:   true,
		Output:    out.OutputText,
		ImageURLs: out.ImageURLs,
		Usage:     out.Usage,
		Input:     out.RequestBody,
		ResponseDetails: map[string]any{
			"image_urls": out.ImageURLs,
		},
	}
}

func (h *AIGeneration) runComputer(ctx context.Context, req *Request, tools []model.ToolSpec, input string, started time.Time) *model.StepResult {
	step := req.Step
	wireTools, choice, err := llm.NormalizeTools(tools, step.ToolChoice)
	if err != nil {
		return failed(err, "", started)
	}

	browser, err := h.browsers(ctx)
	if err != nil {
		return failed(err, "", started)
	}
	defer func() {
		if cerr := browser.Close(context.WithoutCancel(ctx)); cerr != nil {
			h.logger.Warn("browser teardown failed",
				log.JobIDKey, req.Job.JobID, log.Error(cerr))
		}
	}()

	outcome, err := h.computer.Run(ctx, &toolloop.ComputerRequest{
		TenantID:     req.Job.TenantID,
		JobID:        req.Job.JobID,
		Model:        step.Model,
		Instructions: step.Instructions,
		Input:        input,
		Tools:        wireTools,
		ToolChoice:   choice,
		Browser:      browser,
	})
	if err != nil {
		return failed(err, llm.Classify(err), started)
	}
	return loopResult(step, wireTools, choice, input, outcome)
}

func (h *AIGeneration) runShell(ctx context.Context, req *Request, tools []model.ToolSpec, input string, started time.Time) *model.StepResult {
	step := req.Step
	wireTools, choice, err := llm.NormalizeTools(tools, step.ToolChoice)
	if err != nil {
		return failed(err, "", started)
	}

	outcome, err := h.shell.Run(ctx, &toolloop.ShellRequest{
		TenantID:     req.Job.TenantID,
		JobID:        req.Job.JobID,
		Model:        step.Model,
		Instructions: step.Instructions,
		Input:        input,
		Tools:        wireTools,
		ToolChoice:   choice,
	})
	if err != nil {
		return failed(err, llm.Classify(err), started)
	}
	return loopResult(step, wireTools, choice, input, outcome)
}

func (h *AIGeneration) runImagePlan(ctx context.Context, req *Request, tools []model.ToolSpec, input string, started time.Time) *model.StepResult {
	step := req.Step

	var size, quality, imageModel string
	for _, spec := range tools {
		if spec.Type == model.ToolImageGeneration {
			size, quality = spec.Size, spec.Quality
		}
	}

	outcome, err := h.planner.Run(ctx, &toolloop.ImagePlanRequest{
		TenantID:          req.Job.TenantID,
		JobID:             req.Job.JobID,
		Model:             step.Model,
		Instructions:      step.Instructions,
		Input:             input,
		ImageModel:        imageModel,
		Size:              size,
		Quality:           quality,
		PreviousImageURLs: req.Context.PreviousImageURLs,
	})
	if err != nil {
		return failed(err, llm.Classify(err), started)
	}
	return loopResult(step, nil, "", input, outcome)
}

// loopResult converts a tool-loop outcome into a step result. A loop that
// hit its iteration or duration bound is still a success; the note lands
// in the response details.
func loopResult(step *model.Step, wireTools []llm.Tool, choice, input string, outcome *toolloop.Outcome) *model.StepResult {
	details := map[string]any{
		"iterations": outcome.Iterations,
		"image_urls": outcome.ImageURLs,
	}
	if outcome.Note != "" {
		details["note"] = outcome.Note
	}

	audit := map[string]any{
		"model":        step.Model,
		"instructions": step.Instructions,
		"input":        input,
	}
	if len(wireTools) > 0 {
		audit["tools"] = wireTools
	}
	if choice != "" {
		audit["tool_choice"] = choice
	}

	return &model.StepResult{
		Success:         true,
		Output:          outcome.OutputText,
		ImageURLs:       outcome.ImageURLs,
		Usage:           outcome.Usage,
		Input:           audit,
		ResponseDetails: details,
	}
}

// imageArtifactIDs maps hosted image URLs back to the artifact rows the
// run created for them. URLs pointing outside the job's artifacts (e.g.
// carried-over upstream URLs) are skipped.
func (h *AIGeneration) imageArtifactIDs(ctx context.Context, jobID string, urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	arts, err := h.kv.ListArtifactsByJob(ctx, jobID)
	if err != nil {
		h.logger.Warn("listing job artifacts failed", log.JobIDKey, jobID, log.Error(err))
		return nil
	}
	byURL := make(map[string]string, len(arts))
	for _, a := range arts {
		if a.ArtifactType == model.ArtifactImage {
			byURL[a.ObjectURL] = a.ArtifactID
		}
	}
	var ids []string
	for _, u := range urls {
		if id, ok := byURL[u]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
