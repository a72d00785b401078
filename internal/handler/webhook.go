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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/leadforge/engine/internal/log"
	"github.com/leadforge/engine/internal/model"
	"github.com/leadforge/engine/internal/record"
	"github.com/leadforge/engine/internal/store"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// maxWebhookResponseBytes bounds the response body kept in the record.
const maxWebhookResponseBytes = 64 * 1024

// Webhook posts dependency outputs to the step's configured endpoint.
// A non-2xx response fails the step.
type Webhook struct {
	client *http.Client
	kv     store.Store
	logger *slog.Logger
}

// NewWebhook creates the webhook handler.
func NewWebhook(client *http.Client, kv store.Store, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		client: client,
		kv:     kv,
		logger: log.WithComponent(logger, "handler.webhook"),
	}
}

// Execute assembles the payload, applies the optional jq transform, and
// POSTs it synchronously.
func (h *Webhook) Execute(ctx context.Context, req *Request) *model.StepResult {
	started := time.Now()
	step := req.Step

	if step.WebhookURL == "" {
		return failed(&lferrors.ValidationError{
			Field:   "webhook_url",
			Message: "webhook step has no webhook_url",
		}, "", started)
	}

	payload, err := h.buildPayload(ctx, req)
	if err != nil {
		return failed(err, "", started)
	}
	if sel := step.WebhookDataSelection; sel != nil && sel.Transform != "" {
		payload, err = applyTransform(ctx, sel.Transform, payload)
		if err != nil {
			return failed(err, "", started)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failed(lferrors.Wrap(err, "encoding webhook payload"), "", started)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, step.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return failed(lferrors.Wrap(err, "building webhook request"), "", started)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range step.WebhookHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return failed(lferrors.Wrap(err, "posting webhook"), "", started)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes))

	h.logger.Info("webhook posted",
		log.JobIDKey, req.Job.JobID,
		"step_index", step.StepOrder,
		"status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(fmt.Errorf("webhook returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody))), "", started)
	}

	// A deliverable webhook step's output feeds the finalizer, so it
	// carries the rolled-up context rather than the endpoint's reply.
	output := string(respBody)
	if step.IsDeliverable {
		output = req.Context.Previous
	}
	return &model.StepResult{
		Success:    true,
		Output:     output,
		DurationMS: time.Since(started).Milliseconds(),
		Input: map[string]any{
			"webhook_url": step.WebhookURL,
			"payload":     payload,
		},
		ResponseDetails: map[string]any{
			"status_code":   resp.StatusCode,
			"response_body": string(respBody),
		},
	}
}

// buildPayload assembles the webhook body from the submission, dependency
// step outputs, job metadata, the rolled-up context, and artifact lists.
func (h *Webhook) buildPayload(ctx context.Context, req *Request) (map[string]any, error) {
	step := req.Step
	sel := step.WebhookDataSelection
	// Absent selection means send everything.
	includeSubmission := sel == nil || sel.IncludeSubmission
	includeJobInfo := sel == nil || sel.IncludeJobInfo
	excluded := make(map[int]bool)
	if sel != nil {
		for _, i := range sel.ExcludeStepIndices {
			excluded[i] = true
		}
	}

	payload := map[string]any{
		"context": req.Context.Previous,
	}
	if includeSubmission && req.Submission != nil {
		payload["submission_data"] = req.Submission.SubmissionData
	}
	if includeJobInfo {
		payload["job_info"] = map[string]any{
			"job_id":      req.Job.JobID,
			"workflow_id": req.Job.WorkflowID,
			"status":      string(req.Job.Status),
			"created_at":  req.Job.CreatedAt,
			"updated_at":  req.Job.UpdatedAt,
		}
	}

	stepOutputs := make(map[string]any)
	for _, dep := range req.Graph.Dependencies(step.StepOrder) {
		if excluded[dep] {
			continue
		}
		depStep := req.Graph.Step(dep)
		if depStep == nil {
			continue
		}
		rec := record.Find(req.Records, dep, depStep.StepType)
		if rec == nil {
			continue
		}
		entry := map[string]any{
			"step_name":  rec.StepName,
			"step_index": rec.StepOrder,
			"output":     rec.Output,
			"image_urls": rec.ImageURLs,
		}
		if rec.ArtifactID != "" {
			entry["artifact_id"] = rec.ArtifactID
		}
		stepOutputs[fmt.Sprintf("step_%d", dep)] = entry
	}
	payload["step_outputs"] = stepOutputs

	arts, err := h.kv.ListArtifactsByJob(ctx, req.Job.JobID)
	if err != nil {
		return nil, lferrors.Wrap(err, "listing job artifacts")
	}
	var (
		artifacts []map[string]any
		images    []string
		htmlFiles []string
		mdFiles   []string
		pdfFiles  []string
	)
	for _, a := range arts {
		artifacts = append(artifacts, map[string]any{
			"artifact_id":     a.ArtifactID,
			"artifact_type":   string(a.ArtifactType),
			"artifact_name":   a.FileName,
			"public_url":      a.ObjectURL,
			"object_url":      a.ObjectURL,
			"s3_key":          a.ObjectKey,
			"s3_url":          a.ObjectURL,
			"file_size_bytes": a.SizeBytes,
			"mime_type":       a.MimeType,
			"created_at":      a.CreatedAt,
		})
		switch {
		case a.ArtifactType == model.ArtifactImage:
			images = append(images, a.ObjectURL)
		case strings.Contains(a.MimeType, "text/html"):
			htmlFiles = append(htmlFiles, a.ObjectURL)
		case strings.Contains(a.MimeType, "markdown"):
			mdFiles = append(mdFiles, a.ObjectURL)
		case a.MimeType == "application/pdf":
			pdfFiles = append(pdfFiles, a.ObjectURL)
		}
	}
	payload["artifacts"] = artifacts
	payload["images"] = images
	payload["html_files"] = htmlFiles
	payload["markdown_files"] = mdFiles
	payload["pdf_files"] = pdfFiles
	return payload, nil
}

// applyTransform runs a jq expression over the payload and returns the
// first result, which must be an object.
func applyTransform(ctx context.Context, expression string, payload map[string]any) (map[string]any, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, &lferrors.ValidationError{
			Field:   "transform",
			Message: fmt.Sprintf("invalid jq expression: %v", err),
		}
	}

	// Round-trip through JSON so gojq sees only plain maps and numbers.
	normalized, err := normalizeJSON(payload)
	if err != nil {
		return nil, err
	}

	iter := query.RunWithContext(ctx, normalized)
	v, ok := iter.Next()
	if !ok {
		return nil, &lferrors.ValidationError{
			Field:   "transform",
			Message: "jq expression produced no output",
		}
	}
	if err, isErr := v.(error); isErr {
		return nil, &lferrors.ValidationError{
			Field:   "transform",
			Message: fmt.Sprintf("jq evaluation failed: %v", err),
		}
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, &lferrors.ValidationError{
			Field:   "transform",
			Message: fmt.Sprintf("jq expression must produce an object, got %T", v),
		}
	}
	return out, nil
}

func normalizeJSON(payload map[string]any) (any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, lferrors.Wrap(err, "encoding payload for transform")
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, lferrors.Wrap(err, "decoding payload for transform")
	}
	return normalized, nil
}
