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

// Package shellexec executes model-issued shell commands inside per-job
// workspaces. Workspaces carry a TTL and are reusable across commands of
// the same job but never across jobs.
package shellexec

import (
	"context"
	"os"
	"strconv"
	"time"
)

// Environment configuration.
const (
	// FunctionNameEnvVar selects the remote executor Lambda. Empty means
	// commands run locally.
	FunctionNameEnvVar = "SHELL_EXECUTOR_FUNCTION_NAME"

	// WorkspaceTTLEnvVar overrides the workspace TTL in hours.
	WorkspaceTTLEnvVar = "SHELL_EXECUTOR_WORKSPACE_TTL_HOURS"

	// CleanupLimitEnvVar bounds how many expired workspaces one cleanup
	// pass may remove.
	CleanupLimitEnvVar = "SHELL_EXECUTOR_WORKSPACE_CLEANUP_LIMIT"
)

// Defaults.
const (
	DefaultWorkspaceTTL   = 4 * time.Hour
	DefaultCleanupLimit   = 20
	DefaultCommandTimeout = 2 * time.Minute
)

// OutcomeType discriminates how a command ended.
type OutcomeType string

const (
	// OutcomeExit means the command ran to completion (any exit code).
	OutcomeExit OutcomeType = "exit"
	// OutcomeTimeout means the command hit its time budget.
	OutcomeTimeout OutcomeType = "timeout"
)

// Outcome is the terminal state of one command.
type Outcome struct {
	Type     OutcomeType `json:"type"`
	ExitCode int         `json:"exit_code,omitempty"`
}

// CommandResult is the captured output of one command.
type CommandResult struct {
	Command string  `json:"command"`
	Stdout  string  `json:"stdout"`
	Stderr  string  `json:"stderr"`
	Outcome Outcome `json:"outcome"`
}

// Result is the output of one Run call.
type Result struct {
	// WorkspaceID identifies the workspace the commands ran in; pass it
	// back on the next call of the same job to reuse state.
	WorkspaceID string          `json:"workspace_id"`
	Commands    []CommandResult `json:"commands"`
}

// Runner executes a batch of commands in a job-scoped workspace.
// workspaceID may be empty on the first call; the returned Result carries
// the ID to reuse within the job.
type Runner interface {
	Run(ctx context.Context, workspaceID string, commands []string) (*Result, error)
}

// Config holds the workspace policy shared by runners.
type Config struct {
	// WorkspaceTTL bounds how long an idle workspace survives.
	WorkspaceTTL time.Duration

	// CleanupLimit bounds expired-workspace removals per cleanup pass.
	CleanupLimit int

	// CommandTimeout bounds one command's runtime.
	CommandTimeout time.Duration
}

// ConfigFromEnv reads the workspace policy from the environment.
func ConfigFromEnv() Config {
	cfg := Config{
		WorkspaceTTL:   DefaultWorkspaceTTL,
		CleanupLimit:   DefaultCleanupLimit,
		CommandTimeout: DefaultCommandTimeout,
	}
	if v := os.Getenv(WorkspaceTTLEnvVar); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			cfg.WorkspaceTTL = time.Duration(hours) * time.Hour
		}
	}
	if v := os.Getenv(CleanupLimitEnvVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CleanupLimit = n
		}
	}
	return cfg
}
