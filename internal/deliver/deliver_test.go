package deliver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/engine/internal/artifact"
	"github.com/leadforge/engine/internal/blob"
	"github.com/leadforge/engine/internal/ids"
	"github.com/leadforge/engine/internal/llm"
	"github.com/leadforge/engine/internal/model"
	"github.com/leadforge/engine/internal/store"
)

type renderClient struct {
	output   string
	requests []*llm.Request
}

func (c *renderClient) CreateResponse(_ context.Context, req *llm.Request) (*llm.Response, error) {
	snapshot := *req
	c.requests = append(c.requests, &snapshot)
	return &llm.Response{
		ID:    "resp_render",
		Model: req.Model,
		Output: []llm.OutputItem{{
			Type:    "message",
			Role:    "assistant",
			Content: []llm.Content{{Type: "output_text", Text: c.output}},
		}},
	}, nil
}

type fixture struct {
	kv        *store.MemoryStore
	artifacts *artifact.Store
	client    *renderClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := store.NewMemoryStore()
	arts := artifact.NewStore(kv, blob.NewMemoryStore(""), ids.NewGenerator(), nil, artifact.Config{})
	return &fixture{kv: kv, artifacts: arts, client: &renderClient{}}
}

func (f *fixture) finalizer(email Emailer, client *http.Client, cfg Config) *Finalizer {
	adapter := llm.NewAdapter(f.client, f.artifacts, nil, llm.AdapterConfig{
		MaxRetries: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond,
	})
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.test"
	}
	return New(adapter, f.artifacts, f.kv, email, client, nil, cfg)
}

func job() *model.Job {
	return &model.Job{JobID: "job_1", TenantID: "ten_1", WorkflowID: "wf_1", Status: model.JobStatusProcessing}
}

func TestFinalizeMarkdownDeliverable(t *testing.T) {
	f := newFixture(t)
	fin := f.finalizer(nil, nil, Config{})

	wf := &model.Workflow{WorkflowID: "wf_1", Steps: []model.Step{
		{StepOrder: 0, StepName: "gen", StepType: model.StepTypeAIGeneration},
	}, DeliveryMethod: model.DeliveryNone}
	records := []model.ExecutionStep{{
		StepOrder: 0, StepType: model.StepTypeAIGeneration,
		Output: "# Your Guide\n\nHello Ada", Status: model.StepStatusSucceeded,
	}}

	url, note, err := fin.Finalize(context.Background(), job(), wf, nil, records)
	require.NoError(t, err)
	assert.Empty(t, note)
	assert.Contains(t, url, "final.md")

	arts, err := f.kv.ListArtifactsByJob(context.Background(), "job_1")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, model.ArtifactMarkdownFinal, arts[0].ArtifactType)
}

func TestFinalizeHTMLGetsTrackingScript(t *testing.T) {
	f := newFixture(t)
	blobs := blob.NewMemoryStore("")
	f.artifacts = artifact.NewStore(f.kv, blobs, ids.NewGenerator(), nil, artifact.Config{})
	fin := f.finalizer(nil, nil, Config{APIURL: "https://api.example.com"})

	wf := &model.Workflow{WorkflowID: "wf_1", Steps: []model.Step{
		{StepOrder: 0, StepName: "gen", StepType: model.StepTypeAIGeneration},
	}}
	records := []model.ExecutionStep{{
		StepOrder: 0, StepType: model.StepTypeAIGeneration,
		Output: "<html><body><h1>Guide</h1></body></html>", Status: model.StepStatusSucceeded,
	}}

	url, _, err := fin.Finalize(context.Background(), job(), wf, nil, records)
	require.NoError(t, err)
	assert.Contains(t, url, "final.html")

	arts, err := f.kv.ListArtifactsByJob(context.Background(), "job_1")
	require.NoError(t, err)
	require.Len(t, arts, 1)

	stored, err := blobs.Get(context.Background(), arts[0].ObjectKey)
	require.NoError(t, err)
	html := string(stored)
	assert.Contains(t, html, "data-leadforge-tracking")
	assert.Contains(t, html, "https://api.example.com")
	// Injected before the close tag, not appended after the document.
	assert.Less(t, strings.Index(html, "data-leadforge-tracking"), strings.Index(html, "</body>"))
}

func TestSelectSourcePrecedence(t *testing.T) {
	wf := &model.Workflow{Steps: []model.Step{
		{StepOrder: 0, StepType: model.StepTypeAIGeneration},
		{StepOrder: 1, StepType: model.StepTypeAIGeneration, IsDeliverable: true},
		{StepOrder: 2, StepType: model.StepTypeAIGeneration},
	}}
	records := []model.ExecutionStep{
		{StepOrder: 0, Output: "draft", Status: model.StepStatusSucceeded},
		{StepOrder: 1, Output: "the deliverable", Status: model.StepStatusSucceeded},
		{StepOrder: 2, Output: "terminal", Status: model.StepStatusSucceeded},
	}

	source, err := selectSource(wf, records)
	require.NoError(t, err)
	assert.Equal(t, "the deliverable", source)

	// Without a deliverable flag the terminal step wins.
	wf.Steps[1].IsDeliverable = false
	source, err = selectSource(wf, records)
	require.NoError(t, err)
	assert.Equal(t, "terminal", source)

	_, err = selectSource(wf, nil)
	require.Error(t, err)
}

func TestFinalizeTemplateRerender(t *testing.T) {
	f := newFixture(t)
	f.client.output = "<!DOCTYPE html><html><body><h1>Rendered</h1></body></html>"
	fin := f.finalizer(nil, nil, Config{})

	wf := &model.Workflow{
		WorkflowID:   "wf_1",
		TemplateHTML: "<html><body>{{content}}</body></html>",
		StyleHints:   "brand color #ff6600",
		Steps: []model.Step{
			{StepOrder: 0, StepName: "gen", StepType: model.StepTypeAIGeneration},
		},
	}
	sub := &model.Submission{SubmissionData: map[string]any{"name": "Ada"}}
	records := []model.ExecutionStep{{
		StepOrder: 0, StepType: model.StepTypeAIGeneration,
		Output: "# Guide", Status: model.StepStatusSucceeded,
	}}

	url, _, err := fin.Finalize(context.Background(), job(), wf, sub, records)
	require.NoError(t, err)
	assert.Contains(t, url, "final.html")

	require.Len(t, f.client.requests, 1)
	input, ok := f.client.requests[0].Input.(string)
	require.True(t, ok)
	assert.Contains(t, input, "{{content}}")
	assert.Contains(t, input, "brand color #ff6600")
	assert.Contains(t, input, "# Guide")
	assert.Contains(t, input, `"name":"Ada"`)
}

func TestFinalizeTemplateRerenderRejectsFragment(t *testing.T) {
	f := newFixture(t)
	f.client.output = "<div>just a fragment</div>"
	fin := f.finalizer(nil, nil, Config{})

	wf := &model.Workflow{
		TemplateHTML: "<html></html>",
		Steps:        []model.Step{{StepOrder: 0, StepType: model.StepTypeAIGeneration}},
	}
	records := []model.ExecutionStep{{StepOrder: 0, Output: "x", Status: model.StepStatusSucceeded}}

	_, _, err := fin.Finalize(context.Background(), job(), wf, nil, records)
	require.Error(t, err)
}

type fakeEmailer struct {
	to, subject, body string
	err               error
}

func (e *fakeEmailer) Send(_ context.Context, to, subject, body string) error {
	e.to, e.subject, e.body = to, subject, body
	return e.err
}

func TestFinalizeEmailDelivery(t *testing.T) {
	f := newFixture(t)
	email := &fakeEmailer{}
	fin := f.finalizer(email, nil, Config{})

	wf := &model.Workflow{
		Name:           "SEO Audit",
		DeliveryMethod: model.DeliveryEmail,
		Steps:          []model.Step{{StepOrder: 0, StepType: model.StepTypeAIGeneration}},
	}
	sub := &model.Submission{Email: "a@x", Name: "Ada"}
	records := []model.ExecutionStep{{StepOrder: 0, Output: "result", Status: model.StepStatusSucceeded}}

	url, note, err := fin.Finalize(context.Background(), job(), wf, sub, records)
	require.NoError(t, err)
	assert.Empty(t, note)
	assert.Equal(t, "a@x", email.to)
	assert.Equal(t, "Your SEO Audit is ready", email.subject)
	assert.Contains(t, email.body, url)
}

func TestFinalizeEmailSkippedWithoutAddress(t *testing.T) {
	f := newFixture(t)
	fin := f.finalizer(&fakeEmailer{}, nil, Config{})

	wf := &model.Workflow{
		DeliveryMethod: model.DeliveryEmail,
		Steps:          []model.Step{{StepOrder: 0, StepType: model.StepTypeAIGeneration}},
	}
	records := []model.ExecutionStep{{StepOrder: 0, Output: "result", Status: model.StepStatusSucceeded}}

	_, note, err := fin.Finalize(context.Background(), job(), wf, &model.Submission{}, records)
	require.NoError(t, err)
	assert.Contains(t, note, "no email address")
}

func TestFinalizeWebhookDelivery(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t)
	fin := f.finalizer(nil, srv.Client(), Config{})

	wf := &model.Workflow{
		DeliveryMethod:     model.DeliveryWebhook,
		DeliveryWebhookURL: srv.URL,
		Steps:              []model.Step{{StepOrder: 0, StepType: model.StepTypeAIGeneration}},
	}
	sub := &model.Submission{SubmissionData: map[string]any{"name": "Ada"}}
	records := []model.ExecutionStep{{StepOrder: 0, Output: "result", Status: model.StepStatusSucceeded}}

	url, note, err := fin.Finalize(context.Background(), job(), wf, sub, records)
	require.NoError(t, err)
	assert.Empty(t, note)
	assert.Equal(t, url, received["output_url"])
	assert.Equal(t, "job_1", received["job_id"])
	assert.NotEmpty(t, received["completed_at"])
	assert.NotEmpty(t, received["artifacts"])
}

func TestFinalizeWebhookFailureIsNote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t)
	fin := f.finalizer(nil, srv.Client(), Config{})

	wf := &model.Workflow{
		DeliveryMethod:     model.DeliveryWebhook,
		DeliveryWebhookURL: srv.URL,
		Steps:              []model.Step{{StepOrder: 0, StepType: model.StepTypeAIGeneration}},
	}
	records := []model.ExecutionStep{{StepOrder: 0, Output: "result", Status: model.StepStatusSucceeded}}

	url, note, err := fin.Finalize(context.Background(), job(), wf, nil, records)
	require.NoError(t, err, "channel failure must not fail the deliverable")
	assert.NotEmpty(t, url)
	assert.Contains(t, note, "status 500")
}

type fakeSES struct {
	input *sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	return &sesv2.SendEmailOutput{}, nil
}

func TestSESEmailerSend(t *testing.T) {
	fake := &fakeSES{}
	e := &SESEmailer{client: fake, from: "noreply@leadforge.test"}

	require.NoError(t, e.Send(context.Background(), "a@x", "Ready", "<p>hi</p>"))
	require.NotNil(t, fake.input)
	assert.Equal(t, "noreply@leadforge.test", *fake.input.FromEmailAddress)
	assert.Equal(t, []string{"a@x"}, fake.input.Destination.ToAddresses)
	assert.Equal(t, "Ready", *fake.input.Content.Simple.Subject.Data)
}