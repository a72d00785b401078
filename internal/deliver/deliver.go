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

// Package deliver turns a finished job's step outputs into the final
// deliverable artifact and dispatches it over the configured channel.
// Producing the deliverable is load-bearing; dispatching it is not. A
// channel failure is recorded as a note and never fails the job.
package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/leadforge/engine/internal/artifact"
	"github.com/leadforge/engine/internal/llm"
	"github.com/leadforge/engine/internal/log"
	"github.com/leadforge/engine/internal/metrics"
	"github.com/leadforge/engine/internal/model"
	"github.com/leadforge/engine/internal/store"
	"github.com/leadforge/engine/internal/tracking"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// templatePrompt is the template-fidelity instruction for the re-render
// call. The model must keep the template's structure and styling and only
// substitute content.
const templatePrompt = `You are a precise HTML renderer. You receive an HTML template, content to place into it, and the original form submission for context.

Rules:
- Preserve the template's structure, styling, class names, and scripts exactly.
- Replace only the content areas with the provided content.
- Apply any style hints without breaking the template.
- Output a single complete HTML5 document starting with <!DOCTYPE html>.
- Output ONLY the document, no commentary and no markdown fences.`

// Emailer sends the deliverable link to the submitter.
type Emailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Config tunes the finalizer.
type Config struct {
	// APIURL is the tracking endpoint origin baked into HTML deliverables.
	APIURL string

	// RenderModel performs the template re-render call.
	RenderModel string

	// EmailSubject overrides the delivery email subject line.
	EmailSubject string
}

// Finalizer assembles, stores, and dispatches the final deliverable.
type Finalizer struct {
	adapter   *llm.Adapter
	artifacts *artifact.Store
	kv        store.Store
	email     Emailer
	client    *http.Client
	logger    *slog.Logger
	cfg       Config
}

// New creates a Finalizer. email may be nil when the deployment has no
// email channel; webhook dispatch uses client.
func New(adapter *llm.Adapter, artifacts *artifact.Store, kv store.Store, email Emailer, client *http.Client, logger *slog.Logger, cfg Config) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.RenderModel == "" {
		cfg.RenderModel = "gpt-5"
	}
	return &Finalizer{
		adapter:   adapter,
		artifacts: artifacts,
		kv:        kv,
		email:     email,
		client:    client,
		logger:    log.WithComponent(logger, "deliver"),
		cfg:       cfg,
	}
}

// Finalize produces the deliverable and dispatches it. The returned note
// records a delivery-channel failure or skip; err means the deliverable
// itself could not be produced.
func (f *Finalizer) Finalize(ctx context.Context, job *model.Job, wf *model.Workflow, sub *model.Submission, records []model.ExecutionStep) (string, string, error) {
	logger := log.WithJobContext(f.logger, job.JobID, job.TenantID)

	source, err := selectSource(wf, records)
	if err != nil {
		return "", "", err
	}

	content := source
	if wf.TemplateHTML != "" {
		content, err = f.render(ctx, job, wf, sub, source)
		if err != nil {
			return "", "", err
		}
	}

	isHTML := strings.HasPrefix(strings.TrimSpace(content), "<")
	filename, artType := "final.md", model.ArtifactMarkdownFinal
	if isHTML {
		filename, artType = "final.html", model.ArtifactHTMLFinal
		content = tracking.Inject(content, tracking.Script(job.JobID, job.TenantID, f.cfg.APIURL))
	}

	art, err := f.artifacts.Put(ctx, job.TenantID, job.JobID, filename, []byte(content), artType)
	if err != nil {
		return "", "", lferrors.Wrap(err, "storing final deliverable")
	}
	logger.Info("deliverable stored", "artifact_id", art.ArtifactID, "artifact_type", string(artType))

	note := f.dispatch(ctx, job, wf, sub, art)
	return art.ObjectURL, note, nil
}

// selectSource picks the deliverable source text: an explicit deliverable
// step, then the terminal step, then the accumulated step outputs.
func selectSource(wf *model.Workflow, records []model.ExecutionStep) (string, error) {
	deliverableOrder := -1
	for _, step := range wf.Steps {
		if step.IsDeliverable {
			deliverableOrder = step.StepOrder
			break
		}
	}
	if deliverableOrder >= 0 {
		for _, rec := range records {
			if rec.StepOrder == deliverableOrder && rec.Status == model.StepStatusSucceeded && rec.Output != "" {
				return rec.Output, nil
			}
		}
	}

	sorted := make([]model.ExecutionStep, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StepOrder < sorted[j].StepOrder })

	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Status == model.StepStatusSucceeded && sorted[i].Output != "" {
			return sorted[i].Output, nil
		}
	}

	var sections []string
	for _, rec := range sorted {
		if rec.Output != "" {
			sections = append(sections, rec.Output)
		}
	}
	if len(sections) == 0 {
		return "", &lferrors.ValidationError{
			Field:   "execution_steps",
			Message: "no step produced deliverable content",
		}
	}
	return strings.Join(sections, "\n\n"), nil
}

// render re-renders the deliverable source through the workflow template.
func (f *Finalizer) render(ctx context.Context, job *model.Job, wf *model.Workflow, sub *model.Submission, source string) (string, error) {
	submissionJSON := "{}"
	if sub != nil {
		if data, err := json.Marshal(sub.SubmissionData); err == nil {
			submissionJSON = string(data)
		}
	}

	var input strings.Builder
	input.WriteString("TEMPLATE:\n")
	input.WriteString(wf.TemplateHTML)
	if wf.StyleHints != "" {
		input.WriteString("\n\nSTYLE HINTS:\n")
		input.WriteString(wf.StyleHints)
	}
	input.WriteString("\n\nCONTENT:\n")
	input.WriteString(source)
	input.WriteString("\n\nSUBMISSION:\n")
	input.WriteString(submissionJSON)

	res, err := f.adapter.Execute(ctx, &llm.StepRequest{
		TenantID:     job.TenantID,
		JobID:        job.JobID,
		Model:        f.cfg.RenderModel,
		Instructions: templatePrompt,
		Input:        input.String(),
	})
	if err != nil {
		return "", lferrors.Wrap(err, "template re-render")
	}

	rendered := strings.TrimSpace(res.OutputText)
	lower := strings.ToLower(rendered)
	if !strings.HasPrefix(lower, "<!doctype") && !strings.HasPrefix(lower, "<html") {
		return "", &lferrors.ValidationError{
			Field:   "template",
			Message: "template re-render did not produce a complete HTML document",
		}
	}
	return rendered, nil
}

// dispatch sends the deliverable over the workflow's channel. Failures
// come back as a note.
func (f *Finalizer) dispatch(ctx context.Context, job *model.Job, wf *model.Workflow, sub *model.Submission, art *model.Artifact) string {
	var note string
	switch wf.DeliveryMethod {
	case model.DeliveryEmail:
		note = f.dispatchEmail(ctx, sub, wf, art)
	case model.DeliveryWebhook:
		note = f.dispatchWebhook(ctx, job, wf, sub, art)
	default:
		return ""
	}
	status := "success"
	if note != "" {
		status = "failure"
	}
	metrics.RecordDelivery(wf.DeliveryMethod, status)
	return note
}

func (f *Finalizer) dispatchEmail(ctx context.Context, sub *model.Submission, wf *model.Workflow, art *model.Artifact) string {
	if sub == nil || sub.Email == "" {
		return "email delivery skipped: submission has no email address"
	}
	if f.email == nil {
		return "email delivery skipped: no email channel configured"
	}

	subject := f.cfg.EmailSubject
	if subject == "" {
		subject = "Your " + wf.Name + " is ready"
		if wf.Name == "" {
			subject = "Your results are ready"
		}
	}
	body := fmt.Sprintf(
		`<p>Hi%s,</p><p>Your results are ready: <a href="%s">view them here</a>.</p>`,
		emailGreeting(sub.Name), art.ObjectURL)

	if err := f.email.Send(ctx, sub.Email, subject, body); err != nil {
		f.logger.Warn("email delivery failed", log.Error(err))
		return "email delivery failed: " + err.Error()
	}
	return ""
}

func emailGreeting(name string) string {
	if name == "" {
		return ""
	}
	return " " + name
}

func (f *Finalizer) dispatchWebhook(ctx context.Context, job *model.Job, wf *model.Workflow, sub *model.Submission, art *model.Artifact) string {
	if wf.DeliveryWebhookURL == "" {
		return "webhook delivery skipped: no delivery_webhook_url configured"
	}

	payload := map[string]any{
		"output_url":   art.ObjectURL,
		"job_id":       job.JobID,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if sub != nil {
		payload["submission_data"] = sub.SubmissionData
	}
	if arts, err := f.kv.ListArtifactsByJob(ctx, job.JobID); err == nil {
		list := make([]map[string]any, 0, len(arts))
		for _, a := range arts {
			list = append(list, map[string]any{
				"artifact_id":   a.ArtifactID,
				"artifact_type": string(a.ArtifactType),
				"artifact_name": a.FileName,
				"public_url":    a.ObjectURL,
				"mime_type":     a.MimeType,
			})
		}
		payload["artifacts"] = list
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "webhook delivery failed: " + err.Error()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wf.DeliveryWebhookURL, bytes.NewReader(body))
	if err != nil {
		return "webhook delivery failed: " + err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wf.DeliveryWebhookHeaders {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("delivery webhook failed", log.Error(err))
		return "webhook delivery failed: " + err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("webhook delivery failed: status %d", resp.StatusCode)
	}
	return ""
}
