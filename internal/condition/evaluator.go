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

// Package condition evaluates step gating expressions against the job
// context. Expressions see the form submission and the outputs of earlier
// steps; a false result skips the step without failing the job.
package condition

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/leadforge/engine/internal/model"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// Evaluator compiles and runs step conditions, caching compiled programs
// across jobs. Safe for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an Evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Env builds the evaluation environment for a job: the raw submission
// values under "submission", the submitter email under "email", and prior
// step results under "steps" keyed by stringified step order with output,
// status, and skipped fields.
func Env(sub *model.Submission, records []model.ExecutionStep) map[string]any {
	steps := make(map[string]any, len(records))
	for _, rec := range records {
		steps[strconv.Itoa(rec.StepOrder)] = map[string]any{
			"output":  rec.Output,
			"status":  string(rec.Status),
			"skipped": rec.Skipped,
		}
	}

	env := map[string]any{
		"steps": steps,
	}
	if sub != nil {
		env["submission"] = sub.SubmissionData
		env["email"] = sub.Email
	} else {
		env["submission"] = map[string]any{}
		env["email"] = ""
	}
	return env
}

// Evaluate runs the expression against the environment. The empty
// expression is true, so unconditioned steps always run.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &lferrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("failed to compile condition: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	evalEnv := make(map[string]any, len(env)+2)
	for k, v := range env {
		evalEnv[k] = v
	}
	evalEnv["has"] = containsFunc
	evalEnv["includes"] = containsFunc

	result, err := expr.Run(program, evalEnv)
	if err != nil {
		return false, &lferrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("condition evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the job context",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &lferrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("condition must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >) or boolean functions",
		}
	}
	return boolResult, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	// "contains" is a reserved string operator in expr; has/includes cover
	// collections.
	env := map[string]any{
		"has":      containsFunc,
		"includes": containsFunc,
	}
	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
