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
	"log/slog"
	"time"

	"github.com/leadforge/engine/internal/llm"
	"github.com/leadforge/engine/internal/log"
	"github.com/leadforge/engine/internal/shellexec"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// ShellLoop drives the command/output iteration between the model and a
// ShellRunner. The workspace is created on the first batch and reused for
// the rest of the step.
type ShellLoop struct {
	client llm.Client
	runner shellexec.Runner
	logger *slog.Logger
	cfg    Config
}

// NewShellLoop creates a ShellLoop.
func NewShellLoop(client llm.Client, runner shellexec.Runner, logger *slog.Logger, cfg Config) *ShellLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellLoop{
		client: client,
		runner: runner,
		logger: log.WithComponent(logger, "toolloop.shell"),
		cfg:    cfg.withDefaults(),
	}
}

// ShellRequest describes one shell step.
type ShellRequest struct {
	TenantID     string
	JobID        string
	Model        string
	Instructions string
	Input        string

	// Tools must include the shell tool in wire form.
	Tools      []llm.Tool
	ToolChoice string

	// WorkspaceID reuses an existing job workspace; empty creates one.
	WorkspaceID string
}

// shellCallOutput relays a command batch's results to the model.
type shellCallOutput struct {
	Type   string                    `json:"type"`
	CallID string                    `json:"call_id"`
	Output []shellexec.CommandResult `json:"output"`
}

// Run iterates until the model stops issuing shell calls or a bound fires.
func (l *ShellLoop) Run(ctx context.Context, req *ShellRequest) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.MaxDuration)
	defer cancel()
	deadline := time.Now().Add(l.cfg.MaxDuration)

	outcome := &Outcome{}
	workspaceID := req.WorkspaceID
	wireReq := &llm.Request{
		Model:        req.Model,
		Instructions: req.Instructions,
		Input:        req.Input,
		Tools:        req.Tools,
		ToolChoice:   req.ToolChoice,
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

		calls := resp.ToolCalls("shell_call")
		if len(calls) == 0 {
			return outcome, nil
		}

		var outputs []shellCallOutput
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return outcome, &lferrors.CancelledError{Operation: "shell command", Cause: err}
			}

			result, err := l.runner.Run(ctx, workspaceID, call.Commands)
			if err != nil {
				l.logger.Warn("shell batch failed",
					log.JobIDKey, req.JobID, log.Error(err))
				return outcome, err
			}
			workspaceID = result.WorkspaceID

			relayed := make([]shellexec.CommandResult, len(result.Commands))
			for i, cmd := range result.Commands {
				cmd.Stdout = truncate(cmd.Stdout, l.cfg.MaxOutputLength)
				cmd.Stderr = truncate(cmd.Stderr, l.cfg.MaxOutputLength)
				relayed[i] = cmd
			}
			outputs = append(outputs, shellCallOutput{
				Type:   "shell_call_output",
				CallID: call.CallID,
				Output: relayed,
			})
		}

		wireReq = &llm.Request{
			Model:              req.Model,
			Tools:              req.Tools,
			ToolChoice:         req.ToolChoice,
			PreviousResponseID: resp.ID,
			Input:              outputs,
		}
	}
}
