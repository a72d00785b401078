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

// Package model defines the persisted value types of the job processing
// engine: jobs, workflows, submissions, forms, artifacts, and the
// per-step execution records. The package sits at the bottom of the
// dependency graph; every other engine package imports it.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job has not started yet.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates the job is currently executing.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job halted with an error.
	JobStatusFailed JobStatus = "failed"
)

// StepType identifies the executor for a workflow step.
type StepType string

const (
	// StepTypeAIGeneration is an LLM-backed generation step, optionally
	// tool-augmented (web search, code interpreter, computer use, shell,
	// image generation).
	StepTypeAIGeneration StepType = "ai_generation"
	// StepTypeWebhook posts dependency outputs to an external endpoint.
	StepTypeWebhook StepType = "webhook"
)

// StepStatus is the terminal state of one execution-step record.
type StepStatus string

const (
	// StepStatusSucceeded indicates the step completed successfully.
	StepStatusSucceeded StepStatus = "succeeded"
	// StepStatusFailed indicates the step failed.
	StepStatusFailed StepStatus = "failed"
)

// DeliveryMethod selects the channel for the final deliverable.
type DeliveryMethod string

const (
	// DeliveryEmail sends the deliverable link to the submitter's email.
	DeliveryEmail DeliveryMethod = "email"
	// DeliveryWebhook posts the deliverable to a configured endpoint.
	DeliveryWebhook DeliveryMethod = "webhook"
	// DeliveryNone stores the deliverable without dispatching it.
	DeliveryNone DeliveryMethod = "none"
)

// ArtifactType classifies a stored artifact.
type ArtifactType string

const (
	ArtifactStepOutput         ArtifactType = "step_output"
	ArtifactHTMLFinal          ArtifactType = "html_final"
	ArtifactMarkdownFinal      ArtifactType = "markdown_final"
	ArtifactPDFFinal           ArtifactType = "pdf_final"
	ArtifactImage              ArtifactType = "image"
	ArtifactExecutionStepsBlob ArtifactType = "execution_steps_blob"
)

// ToolChoice controls whether the model must, may, or must not call tools.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// Job is the primary scheduling unit: one execution of a workflow against
// one submission.
//
// Status advances pending -> processing -> {completed, failed}; a
// single-step rerun may move a terminal job back to processing for the
// rerun window. OutputURL is only set on successful finalize.
type Job struct {
	JobID        string    `json:"job_id"`
	TenantID     string    `json:"tenant_id"`
	WorkflowID   string    `json:"workflow_id"`
	SubmissionID string    `json:"submission_id"`
	Status       JobStatus `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorType    string    `json:"error_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// ExecutionSteps holds the per-step audit records inline. When the
	// encoded records exceed the spill threshold, ExecutionSteps is empty
	// and ExecutionStepsS3Key points at the spill object instead.
	ExecutionSteps      []ExecutionStep `json:"execution_steps,omitempty"`
	ExecutionStepsS3Key string          `json:"execution_steps_s3_key,omitempty"`

	// ArtifactIDs lists every artifact produced by this job.
	ArtifactIDs []string `json:"artifacts,omitempty"`

	// OutputURL is the public URL of the final deliverable artifact.
	OutputURL string `json:"output_url,omitempty"`

	// DeliveryNote records a delivery-channel failure that did not
	// invalidate the deliverable (at-most-once contract).
	DeliveryNote string `json:"delivery_note,omitempty"`

	// Version supports compare-and-set writes; it increments on every
	// successful persist. A writer holding a stale version must reload.
	Version int64 `json:"version"`
}

// Workflow is the static step DAG plus delivery configuration.
// The engine only reads workflows; authoring lives elsewhere.
type Workflow struct {
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name,omitempty"`
	Steps      []Step `json:"steps"`

	TemplateID      string `json:"template_id,omitempty"`
	TemplateVersion string `json:"template_version,omitempty"`

	// TemplateHTML is the materialized template content, resolved by the
	// loader from TemplateID. Empty when no template is configured.
	TemplateHTML string `json:"template_html,omitempty"`
	// StyleHints are optional free-form rendering hints passed to the
	// template re-render call.
	StyleHints string `json:"style_hints,omitempty"`

	DeliveryMethod         DeliveryMethod    `json:"delivery_method,omitempty"`
	DeliveryWebhookURL     string            `json:"delivery_webhook_url,omitempty"`
	DeliveryWebhookHeaders map[string]string `json:"delivery_webhook_headers,omitempty"`
}

// Step is one node in the workflow DAG.
type Step struct {
	StepOrder    int      `json:"step_order"`
	StepName     string   `json:"step_name"`
	StepType     StepType `json:"step_type"`
	Model        string   `json:"model,omitempty"`
	Instructions string   `json:"instructions"`

	Tools      []ToolSpec `json:"tools,omitempty"`
	ToolChoice ToolChoice `json:"tool_choice,omitempty"`

	// DependsOn lists the step indices this step waits for. A nil value
	// (absent in the definition) defaults to all earlier steps; an empty
	// list means the step is always ready.
	DependsOn *DependencyList `json:"depends_on,omitempty"`

	// IsDeliverable marks this step's output as the deliverable source.
	IsDeliverable bool `json:"is_deliverable,omitempty"`

	// Condition is an optional expression over {submission, steps}. When
	// it evaluates false the step is skipped and recorded as succeeded.
	Condition string `json:"condition,omitempty"`

	// Webhook step fields.
	WebhookURL           string                `json:"webhook_url,omitempty"`
	WebhookHeaders       map[string]string     `json:"webhook_headers,omitempty"`
	WebhookDataSelection *WebhookDataSelection `json:"webhook_data_selection,omitempty"`

	// OutputConfig carries step-type-specific output options
	// (e.g. max_output_tokens, reasoning effort, service tier).
	OutputConfig *OutputConfig `json:"output_config,omitempty"`
}

// OutputConfig tunes a step's provider request.
type OutputConfig struct {
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	ServiceTier     string `json:"service_tier,omitempty"`
	Truncation      string `json:"truncation,omitempty"`
}

// WebhookDataSelection controls which data a webhook step's payload carries.
type WebhookDataSelection struct {
	IncludeSubmission  bool  `json:"include_submission"`
	IncludeJobInfo     bool  `json:"include_job_info"`
	ExcludeStepIndices []int `json:"exclude_step_indices,omitempty"`

	// Transform is an optional jq expression applied to the assembled
	// payload before POST.
	Transform string `json:"transform,omitempty"`
}

// DependencyList is a list of step indices. The KV store may hand back
// numbers as floats, arbitrary-precision decimals, or strings; unmarshalling
// coerces them all to ints.
type DependencyList []int

// UnmarshalJSON coerces number-like values to int indices.
func (d *DependencyList) UnmarshalJSON(data []byte) error {
	var raw []json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		// Tolerate string-encoded indices from loosely typed stores.
		var rawStrings []string
		if strErr := json.Unmarshal(data, &rawStrings); strErr != nil {
			return fmt.Errorf("depends_on must be an array of numbers: %w", err)
		}
		out := make(DependencyList, 0, len(rawStrings))
		for _, s := range rawStrings {
			n, convErr := strconv.Atoi(s)
			if convErr != nil {
				return fmt.Errorf("depends_on entry %q is not an integer", s)
			}
			out = append(out, n)
		}
		*d = out
		return nil
	}

	out := make(DependencyList, 0, len(raw))
	for _, n := range raw {
		i, err := n.Int64()
		if err != nil {
			// Decimal-typed values (e.g. 1.0) still coerce cleanly.
			f, fErr := n.Float64()
			if fErr != nil || f != float64(int64(f)) {
				return fmt.Errorf("depends_on entry %v is not an integer", n)
			}
			i = int64(f)
		}
		out = append(out, int(i))
	}
	*d = out
	return nil
}

// Submission is the form submission a job executes against.
type Submission struct {
	SubmissionID   string         `json:"submission_id"`
	TenantID       string         `json:"tenant_id"`
	FormID         string         `json:"form_id,omitempty"`
	WorkflowID     string         `json:"workflow_id"`
	SubmissionData map[string]any `json:"submission_data"`

	// Submitter contact fields.
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Form maps field IDs to human-readable labels for context rendering.
type Form struct {
	FormID      string            `json:"form_id"`
	TenantID    string            `json:"tenant_id"`
	FieldLabels map[string]string `json:"field_labels,omitempty"`
}

// Label returns the human-readable label for a field, falling back to the
// field ID itself.
func (f *Form) Label(fieldID string) string {
	if f == nil {
		return fieldID
	}
	if label, ok := f.FieldLabels[fieldID]; ok && label != "" {
		return label
	}
	return fieldID
}

// Artifact is a durably stored byte sequence with a stable public URL.
// ObjectKey and ObjectURL are immutable once written.
type Artifact struct {
	ArtifactID   string       `json:"artifact_id"`
	TenantID     string       `json:"tenant_id"`
	JobID        string       `json:"job_id"`
	ArtifactType ArtifactType `json:"artifact_type"`
	FileName     string       `json:"file_name"`
	MimeType     string       `json:"mime_type"`
	ObjectKey    string       `json:"object_key"`
	ObjectURL    string       `json:"object_url"`
	SizeBytes    int64        `json:"size_bytes"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ExecutionStep is the audit and rerun-state record for one step of one job.
// At most one record exists per (step_order, step_type); a rerun replaces the
// prior record in place.
type ExecutionStep struct {
	StepOrder int      `json:"step_order"`
	StepName  string   `json:"step_name"`
	StepType  StepType `json:"step_type"`
	StepModel string   `json:"step_model,omitempty"`

	// Input is the shaped provider request for audit (model, instructions,
	// tools, tool_choice, raw request body).
	Input map[string]any `json:"input,omitempty"`

	// Output is the primary textual output of the step.
	Output string `json:"output"`

	// ResponseDetails holds the parsed structured response, extracted image
	// URLs, and the raw provider response.
	ResponseDetails map[string]any `json:"response_details,omitempty"`

	Usage *Usage `json:"usage,omitempty"`

	// ArtifactID is the primary artifact produced by the step.
	ArtifactID string `json:"artifact_id,omitempty"`

	// ImageURLs are the ordered, unique URLs of images produced or carried.
	ImageURLs []string `json:"image_urls,omitempty"`

	Status  StepStatus `json:"status"`
	Error   string     `json:"error,omitempty"`
	Skipped bool       `json:"skipped,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Usage captures provider consumption for one step.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	ImageCount   int     `json:"image_count,omitempty"`
	ServiceTier  string  `json:"service_tier,omitempty"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
	u.ImageCount += other.ImageCount
	if u.ServiceTier == "" {
		u.ServiceTier = other.ServiceTier
	}
}

// StepResult is the handler contract's return value for one executed step.
type StepResult struct {
	Output           string
	ArtifactID       string
	ImageURLs        []string
	ImageArtifactIDs []string
	Usage            *Usage
	DurationMS       int64
	Success          bool
	Skipped          bool
	Error            string

	// Input and ResponseDetails feed the execution-step record.
	Input           map[string]any
	ResponseDetails map[string]any
}
