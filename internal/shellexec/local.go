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

package shellexec

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/leadforge/engine/internal/ids"
	"github.com/leadforge/engine/internal/log"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// LocalRunner executes commands with sh -c in directories under BaseDir.
// Used for development and tests; production deployments point
// SHELL_EXECUTOR_FUNCTION_NAME at the Lambda runner.
type LocalRunner struct {
	baseDir string
	cfg     Config
	gen     ids.Generator
	logger  *slog.Logger
}

// NewLocalRunner creates a LocalRunner rooted at baseDir. Empty baseDir
// uses the OS temp directory.
func NewLocalRunner(baseDir string, cfg Config, gen ids.Generator, logger *slog.Logger) *LocalRunner {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "leadforge-workspaces")
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.WorkspaceTTL <= 0 {
		cfg.WorkspaceTTL = DefaultWorkspaceTTL
	}
	if cfg.CleanupLimit <= 0 {
		cfg.CleanupLimit = DefaultCleanupLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRunner{
		baseDir: baseDir,
		cfg:     cfg,
		gen:     gen,
		logger:  log.WithComponent(logger, "shellexec.local"),
	}
}

// Run executes commands sequentially in the workspace directory.
func (r *LocalRunner) Run(ctx context.Context, workspaceID string, commands []string) (*Result, error) {
	if len(commands) == 0 {
		return nil, &lferrors.ValidationError{Field: "commands", Message: "no commands to run"}
	}

	r.cleanupExpired()

	if workspaceID == "" {
		workspaceID = r.gen.NewID("ws")
	}
	dir := filepath.Join(r.baseDir, workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, lferrors.Wrap(err, "creating workspace")
	}

	result := &Result{WorkspaceID: workspaceID}
	for _, command := range commands {
		if ctx.Err() != nil {
			return result, &lferrors.CancelledError{Operation: "shell command", Cause: ctx.Err()}
		}
		result.Commands = append(result.Commands, r.runOne(ctx, dir, command))
	}

	// Touch the workspace so TTL measures idleness, not age.
	now := time.Now()
	_ = os.Chtimes(dir, now, now)
	return result, nil
}

func (r *LocalRunner) runOne(ctx context.Context, dir, command string) CommandResult {
	cmdCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{
		Command: command,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Outcome: Outcome{Type: OutcomeExit},
	}
	switch {
	case cmdCtx.Err() == context.DeadlineExceeded:
		res.Outcome = Outcome{Type: OutcomeTimeout}
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.Outcome.ExitCode = exitErr.ExitCode()
		} else {
			res.Outcome.ExitCode = -1
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}
	return res
}

// cleanupExpired removes up to CleanupLimit workspaces idle past the TTL.
func (r *LocalRunner) cleanupExpired() {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var expired []candidate
	cutoff := time.Now().Add(-r.cfg.WorkspaceTTL)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		expired = append(expired, candidate{
			path:    filepath.Join(r.baseDir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].modTime.Before(expired[j].modTime) })

	if len(expired) > r.cfg.CleanupLimit {
		expired = expired[:r.cfg.CleanupLimit]
	}
	for _, c := range expired {
		if err := os.RemoveAll(c.path); err != nil {
			r.logger.Warn("workspace cleanup failed", "path", c.path, log.Error(err))
		}
	}
}
