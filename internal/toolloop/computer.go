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
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/leadforge/engine/internal/llm"
	"github.com/leadforge/engine/internal/log"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// ComputerLoop drives the screenshot/action iteration between the model
// and a browser session.
type ComputerLoop struct {
	client   llm.Client
	rehoster llm.Rehoster
	logger   *slog.Logger
	cfg      Config
}

// NewComputerLoop creates a ComputerLoop.
func NewComputerLoop(client llm.Client, rehoster llm.Rehoster, logger *slog.Logger, cfg Config) *ComputerLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComputerLoop{
		client:   client,
		rehoster: rehoster,
		logger:   log.WithComponent(logger, "toolloop.computer"),
		cfg:      cfg.withDefaults(),
	}
}

// ComputerRequest describes one computer-use step.
type ComputerRequest struct {
	TenantID     string
	JobID        string
	Model        string
	Instructions string
	Input        string

	// Tools must include the computer_use_preview tool in wire form.
	Tools      []llm.Tool
	ToolChoice string

	Browser Browser
}

// computerCallOutput answers one computer_call with a fresh screenshot.
type computerCallOutput struct {
	Type   string      `json:"type"`
	CallID string      `json:"call_id"`
	Output llm.Content `json:"output"`
}

// Run iterates until the model stops calling the tool or a bound fires.
func (l *ComputerLoop) Run(ctx context.Context, req *ComputerRequest) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.MaxDuration)
	defer cancel()
	deadline := time.Now().Add(l.cfg.MaxDuration)

	screenshotURL, err := l.captureScreenshot(ctx, req)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{ImageURLs: []string{screenshotURL}}
	wireReq := &llm.Request{
		Model:        req.Model,
		Instructions: req.Instructions,
		Tools:        req.Tools,
		ToolChoice:   req.ToolChoice,
		Truncation:   "auto",
		Input: []llm.Message{{
			Role: "user",
			Content: []llm.Content{
				{Type: "input_text", Text: req.Input},
				{Type: "input_image", ImageURL: screenshotURL},
			},
		}},
	}

	for {
		if outcome.Iterations >= l.cfg.MaxIterations {
			outcome.Note = NoteMaxIterations
			return outcome, nil
		}
		if time.Now().After(deadline) {
			outcome.Note = NoteMaxDuration
			return outcome, nil
		}

		resp, err := l.client.CreateResponse(ctx, wireReq)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				outcome.Note = NoteMaxDuration
				return outcome, nil
			}
			return nil, err
		}
		outcome.Iterations++
		accumulate(&outcome.Usage, resp.ModelUsage())
		if text := resp.OutputText(); text != "" {
			outcome.OutputText = text
		}

		calls := resp.ToolCalls("computer_call")
		if len(calls) == 0 {
			return outcome, nil
		}

		var outputs []computerCallOutput
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return outcome, &lferrors.CancelledError{Operation: "browser action", Cause: err}
			}
			if err := applyAction(ctx, req.Browser, call.Action); err != nil {
				l.logger.Warn("browser action failed",
					log.JobIDKey, req.JobID, log.Error(err))
				return outcome, err
			}

			screenshotURL, err = l.captureScreenshot(ctx, req)
			if err != nil {
				return outcome, err
			}
			outcome.ImageURLs = append(outcome.ImageURLs, screenshotURL)
			outputs = append(outputs, computerCallOutput{
				Type:   "computer_call_output",
				CallID: call.CallID,
				Output: llm.Content{Type: "input_image", ImageURL: screenshotURL},
			})
		}

		wireReq = &llm.Request{
			Model:              req.Model,
			Tools:              req.Tools,
			ToolChoice:         req.ToolChoice,
			Truncation:         "auto",
			PreviousResponseID: resp.ID,
			Input:              outputs,
		}
	}
}

// captureScreenshot stores the current viewport as an image artifact and
// returns its hosted URL.
func (l *ComputerLoop) captureScreenshot(ctx context.Context, req *ComputerRequest) (string, error) {
	png, err := req.Browser.Screenshot(ctx)
	if err != nil {
		return "", lferrors.Wrap(err, "capturing screenshot")
	}
	art, err := l.rehoster.PutBase64Image(ctx, req.TenantID, req.JobID,
		base64.StdEncoding.EncodeToString(png), "png")
	if err != nil {
		return "", err
	}
	return art.ObjectURL, nil
}
