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

// Package stepcontext assembles the textual input context for a step from
// the form submission and upstream execution records. Everything here is a
// pure function of persisted records, so a rerun recomputes identical
// context given the same upstream state.
package stepcontext

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/leadforge/engine/internal/dag"
	"github.com/leadforge/engine/internal/model"
	"github.com/leadforge/engine/internal/record"
)

// Context is the assembled input for one step.
type Context struct {
	// Initial is the labeled rendering of the form submission.
	Initial string

	// Previous carries the submission plus each dependency step's output,
	// one headed section per source.
	Previous string

	// Current is Initial for the workflow's first step and empty
	// otherwise; later steps see the submission through Previous.
	Current string

	// PreviousImageURLs lists upstream image URLs, deduplicated and in
	// first-seen order. Only image-generation steps consume these.
	PreviousImageURLs []string
}

// Build computes the context for the step at stepOrder.
func Build(g *dag.Graph, stepOrder int, sub *model.Submission, form *model.Form, records []model.ExecutionStep) Context {
	initial := Initial(sub, form)

	var sections []string
	if initial != "" {
		sections = append(sections, "FORM SUBMISSION:\n"+initial)
	}

	var imageURLs []string
	seen := make(map[string]bool)
	for _, dep := range g.Dependencies(stepOrder) {
		depStep := g.Step(dep)
		if depStep == nil {
			continue
		}
		rec := record.Find(records, dep, depStep.StepType)
		if rec == nil {
			continue
		}
		sections = append(sections, stepSection(depStep, rec))

		for _, u := range rec.ImageURLs {
			norm := stripQuery(u)
			if !seen[norm] {
				seen[norm] = true
				imageURLs = append(imageURLs, u)
			}
		}
	}

	ctx := Context{
		Initial:           initial,
		Previous:          strings.Join(sections, "\n\n"),
		PreviousImageURLs: imageURLs,
	}
	if first := g.Orders(); len(first) > 0 && first[0] == stepOrder {
		ctx.Current = initial
	}
	return ctx
}

// Initial renders the submission one labeled line per field, using form
// labels when available. Empty and nil values are omitted; fields sort by
// label so the rendering is stable across runs.
func Initial(sub *model.Submission, form *model.Form) string {
	if sub == nil {
		return ""
	}

	type line struct {
		label string
		value string
	}
	var lines []line
	for field, value := range sub.SubmissionData {
		rendered := renderValue(value)
		if rendered == "" {
			continue
		}
		lines = append(lines, line{label: form.Label(field), value: rendered})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].label < lines[j].label })

	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.label)
		b.WriteString(": ")
		b.WriteString(l.value)
	}
	return b.String()
}

func stepSection(step *model.Step, rec *model.ExecutionStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "STEP %d (%s):\n%s", step.StepOrder, step.StepName, rec.Output)
	if len(rec.ImageURLs) > 0 {
		b.WriteString("\n\nGenerated Images:")
		for _, u := range rec.ImageURLs {
			b.WriteString("\n- ")
			b.WriteString(u)
		}
	}
	return b.String()
}

// renderValue flattens a submission value to display text. Lists join with
// commas; nil and empty values render as "".
func renderValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if r := renderValue(item); r != "" {
				parts = append(parts, r)
			}
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(v, ", ")
	case bool:
		if v {
			return "yes"
		}
		return "no"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

// stripQuery normalizes a URL for dedup by dropping query and fragment.
// Signed URLs to the same object differ only in their query string.
func stripQuery(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}
