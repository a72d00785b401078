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

package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leadforge/engine/internal/llm"
	"github.com/leadforge/engine/internal/log"
	"github.com/leadforge/engine/internal/model"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// plannerInstructions steer the planner model toward a machine-readable
// plan. The output contract is enforced by decodePlan.
const plannerInstructions = `You are an image planning assistant. Based on the task, decide which images to generate and write a precise generation prompt for each.

Respond with ONLY a JSON object of this exact shape, no prose and no markdown:
{"images":[{"label":"<short identifier>","prompt":"<full generation prompt>"}]}`

// ImagePlan is the planner model's decoded output.
type ImagePlan struct {
	Images []PlannedImage `json:"images"`
}

// PlannedImage is one image the planner asked for.
type PlannedImage struct {
	Label  string `json:"label"`
	Prompt string `json:"prompt"`
}

// ImagePlanner runs the two-phase image step: a planner call decides what
// to generate, then each prompt goes to the image provider and the result
// is stored as a tenant-owned artifact.
type ImagePlanner struct {
	client   llm.Client
	images   llm.ImageGenerator
	rehoster llm.Rehoster
	logger   *slog.Logger
	cfg      Config
}

// NewImagePlanner creates an ImagePlanner.
func NewImagePlanner(client llm.Client, images llm.ImageGenerator, rehoster llm.Rehoster, logger *slog.Logger, cfg Config) *ImagePlanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImagePlanner{
		client:   client,
		images:   images,
		rehoster: rehoster,
		logger:   log.WithComponent(logger, "toolloop.imageplan"),
		cfg:      cfg.withDefaults(),
	}
}

// ImagePlanRequest describes one image-generation step.
type ImagePlanRequest struct {
	TenantID     string
	JobID        string
	Model        string
	Instructions string
	Input        string

	// ImageModel, Size and Quality come from the step's image tool config.
	ImageModel string
	Size       string
	Quality    string

	// PreviousImageURLs are hosted images from upstream steps; the planner
	// call carries them as input_image items so the plan can reference them.
	PreviousImageURLs []string
}

// plannedResult is the step output document: the plan, the generation
// config, and where each image ended up.
type plannedResult struct {
	Plan   ImagePlan         `json:"plan"`
	Config imageResultConfig `json:"config"`
	Images []imageResultItem `json:"images"`
}

type imageResultConfig struct {
	Model   string `json:"model"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
}

type imageResultItem struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Run executes the planner call and then generates each planned image.
func (p *ImagePlanner) Run(ctx context.Context, req *ImagePlanRequest) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.MaxDuration)
	defer cancel()

	instructions := req.Instructions
	if instructions == "" {
		instructions = plannerInstructions
	} else {
		instructions = instructions + "\n\n" + plannerInstructions
	}

	// The planner call carries no image tools; the provider's own
	// image_generation tool is never sent.
	resp, err := p.client.CreateResponse(ctx, &llm.Request{
		Model:        req.Model,
		Instructions: instructions,
		Input:        p.plannerInput(ctx, req),
	})
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Iterations: 1}
	accumulate(&outcome.Usage, resp.ModelUsage())

	plan, err := decodePlan(resp.OutputText())
	if err != nil {
		return nil, err
	}

	imageModel := req.ImageModel
	if imageModel == "" {
		imageModel = llm.DefaultImageModel
	}

	result := plannedResult{
		Plan: *plan,
		Config: imageResultConfig{
			Model:   imageModel,
			Size:    req.Size,
			Quality: req.Quality,
		},
	}
	for _, planned := range plan.Images {
		img, err := p.images.CreateImage(ctx, &llm.ImageRequest{
			Model:   imageModel,
			Prompt:  planned.Prompt,
			Size:    req.Size,
			Quality: req.Quality,
		})
		if err != nil {
			return outcome, err
		}
		art, err := p.rehoster.PutBase64Image(ctx, req.TenantID, req.JobID, img.B64JSON, "png")
		if err != nil {
			return outcome, err
		}
		p.logger.Debug("stored planned image",
			log.JobIDKey, req.JobID, "label", planned.Label)

		outcome.ImageURLs = append(outcome.ImageURLs, art.ObjectURL)
		result.Images = append(result.Images, imageResultItem{
			Label: planned.Label,
			URL:   art.ObjectURL,
		})
		if outcome.Usage == nil {
			outcome.Usage = &model.Usage{}
		}
		outcome.Usage.ImageCount++
	}

	doc, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return outcome, lferrors.Wrap(err, "encoding image plan result")
	}
	outcome.OutputText = string(doc)
	return outcome, nil
}

// plannerInput shapes the planner call's input. With upstream images it
// becomes a structured user message of input_text plus input_image items,
// mirroring the adapter's image carry-over shaping.
func (p *ImagePlanner) plannerInput(ctx context.Context, req *ImagePlanRequest) any {
	if len(req.PreviousImageURLs) == 0 {
		return req.Input
	}
	hosted := llm.SanitizeImageURLs(ctx, p.rehoster, p.logger, req.TenantID, req.JobID, req.PreviousImageURLs)
	if len(hosted) == 0 {
		return req.Input
	}
	content := []llm.Content{{Type: "input_text", Text: req.Input}}
	for _, u := range hosted {
		content = append(content, llm.Content{Type: "input_image", ImageURL: u})
	}
	return []llm.Message{{Role: "user", Content: content}}
}

// decodePlan parses the planner's output, tolerating a markdown code
// fence around the JSON.
func decodePlan(text string) (*ImagePlan, error) {
	cleaned := stripCodeFence(strings.TrimSpace(text))

	var plan ImagePlan
	if err := json.Unmarshal([]byte(cleaned), &plan); err != nil {
		return nil, &lferrors.ValidationError{
			Field:   "image_plan",
			Message: fmt.Sprintf("planner output is not a valid image plan: %v", err),
		}
	}
	if len(plan.Images) == 0 {
		return nil, &lferrors.ValidationError{
			Field:   "image_plan",
			Message: "planner output contains no images",
		}
	}
	for i, img := range plan.Images {
		if img.Prompt == "" {
			return nil, &lferrors.ValidationError{
				Field:   "image_plan",
				Message: fmt.Sprintf("planned image %d has an empty prompt", i),
			}
		}
	}
	return &plan, nil
}

// stripCodeFence removes a surrounding ```json ... ``` fence if present.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
