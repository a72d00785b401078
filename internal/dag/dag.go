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

// Package dag resolves step dependencies within a workflow. Steps are
// identified by step_order; a step with no depends_on field implicitly
// depends on every earlier step, while an explicit empty list makes the
// step always ready.
package dag

import (
	"fmt"
	"sort"

	"github.com/leadforge/engine/internal/model"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// Graph is a validated step dependency graph.
type Graph struct {
	steps  []model.Step
	byOrd  map[int]*model.Step
	deps   map[int][]int
	orders []int
}

// New validates the steps and builds the graph. Validation rejects empty
// workflows, duplicate step orders, and references to unknown, self, or
// later steps. Edges only ever point backward, so cycles cannot form.
func New(steps []model.Step) (*Graph, error) {
	if len(steps) == 0 {
		return nil, &lferrors.ValidationError{
			Field:   "steps",
			Message: "workflow has no steps",
		}
	}

	g := &Graph{
		steps: steps,
		byOrd: make(map[int]*model.Step, len(steps)),
		deps:  make(map[int][]int, len(steps)),
	}
	for i := range steps {
		ord := steps[i].StepOrder
		if _, dup := g.byOrd[ord]; dup {
			return nil, &lferrors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step_order %d", ord),
			}
		}
		g.byOrd[ord] = &steps[i]
		g.orders = append(g.orders, ord)
	}
	sort.Ints(g.orders)

	for i := range steps {
		ord := steps[i].StepOrder
		deps, err := g.resolve(&steps[i])
		if err != nil {
			return nil, err
		}
		g.deps[ord] = deps
	}
	return g, nil
}

// resolve returns the explicit or implicit dependency orders of a step.
func (g *Graph) resolve(step *model.Step) ([]int, error) {
	if step.DependsOn == nil {
		// Absent depends_on means all earlier steps.
		var deps []int
		for _, ord := range g.orders {
			if ord < step.StepOrder {
				deps = append(deps, ord)
			}
		}
		return deps, nil
	}

	deps := make([]int, 0, len(*step.DependsOn))
	seen := make(map[int]bool)
	for _, dep := range *step.DependsOn {
		if dep == step.StepOrder {
			return nil, &lferrors.ValidationError{
				Field:   "depends_on",
				Message: fmt.Sprintf("step %d depends on itself", dep),
			}
		}
		if dep > step.StepOrder {
			return nil, &lferrors.ValidationError{
				Field:      "depends_on",
				Message:    fmt.Sprintf("step %d depends on later step %d", step.StepOrder, dep),
				Suggestion: "depends_on may only reference earlier step_order values",
			}
		}
		if _, ok := g.byOrd[dep]; !ok {
			return nil, &lferrors.ValidationError{
				Field:      "depends_on",
				Message:    fmt.Sprintf("step %d depends on unknown step %d", step.StepOrder, dep),
				Suggestion: "depends_on entries must name existing step_order values",
			}
		}
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	sort.Ints(deps)
	return deps, nil
}

// Step returns the step with the given order, or nil.
func (g *Graph) Step(order int) *model.Step {
	return g.byOrd[order]
}

// Orders returns every step order in ascending order.
func (g *Graph) Orders() []int {
	return g.orders
}

// Dependencies returns the resolved dependency orders of a step.
func (g *Graph) Dependencies(order int) []int {
	return g.deps[order]
}

// Completion derives each step's terminal status from its execution
// records. A step without a record for its own type is absent from the map.
func (g *Graph) Completion(records []model.ExecutionStep) map[int]model.StepStatus {
	done := make(map[int]model.StepStatus)
	for _, rec := range records {
		step := g.byOrd[rec.StepOrder]
		if step == nil || step.StepType != rec.StepType {
			continue
		}
		done[rec.StepOrder] = rec.Status
	}
	return done
}

// Ready returns the orders of steps that have no record yet and whose
// dependencies have all succeeded, in ascending order.
func (g *Graph) Ready(done map[int]model.StepStatus) []int {
	var ready []int
	for _, ord := range g.orders {
		if _, executed := done[ord]; executed {
			continue
		}
		ok := true
		for _, dep := range g.deps[ord] {
			if done[dep] != model.StepStatusSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, ord)
		}
	}
	return ready
}

// StepState is a step's scheduling state derived from completion data.
type StepState string

const (
	// StateCompleted means the step has a succeeded record.
	StateCompleted StepState = "completed"
	// StateReady means every dependency has succeeded.
	StateReady StepState = "ready"
	// StateBlocked means at least one dependency has not succeeded yet.
	StateBlocked StepState = "blocked"
	// StateFailed means the step has a failed record.
	StateFailed StepState = "failed"
)

// StatusMap classifies every step as completed, failed, ready, or blocked.
func (g *Graph) StatusMap(done map[int]model.StepStatus) map[int]StepState {
	out := make(map[int]StepState, len(g.orders))
	ready := make(map[int]bool)
	for _, ord := range g.Ready(done) {
		ready[ord] = true
	}
	for _, ord := range g.orders {
		switch {
		case done[ord] == model.StepStatusSucceeded:
			out[ord] = StateCompleted
		case done[ord] == model.StepStatusFailed:
			out[ord] = StateFailed
		case ready[ord]:
			out[ord] = StateReady
		default:
			out[ord] = StateBlocked
		}
	}
	return out
}

// Downstream returns every order that transitively depends on the given
// order, in ascending order.
func (g *Graph) Downstream(order int) []int {
	dependents := make(map[int][]int)
	for ord, deps := range g.deps {
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], ord)
		}
	}

	seen := make(map[int]bool)
	var walk func(int)
	walk = func(ord int) {
		for _, next := range dependents[ord] {
			if !seen[next] {
				seen[next] = true
				walk(next)
			}
		}
	}
	walk(order)

	out := make([]int, 0, len(seen))
	for ord := range seen {
		out = append(out, ord)
	}
	sort.Ints(out)
	return out
}
