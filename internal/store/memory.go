package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	lferrors "github.com/leadforge/engine/pkg/errors"
	"github.com/leadforge/engine/internal/model"
)

// MemoryStore is an in-memory Store for tests. Records are deep-copied
// through JSON on the way in and out, mirroring a real store's isolation.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string][]byte
	jobVersions map[string]int64
	workflows   map[string][]byte
	submissions map[string][]byte
	forms       map[string][]byte
	artifacts   map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string][]byte),
		jobVersions: make(map[string]int64),
		workflows:   make(map[string][]byte),
		submissions: make(map[string][]byte),
		forms:       make(map[string][]byte),
		artifacts:   make(map[string][]byte),
	}
}

// GetJob returns the job or a NotFoundError.
func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.jobs[jobID]
	if !ok {
		return nil, &lferrors.NotFoundError{Resource: "job", ID: jobID}
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	job.Version = m.jobVersions[jobID]
	return &job, nil
}

// PutJob persists the job with compare-and-set on the version.
func (m *MemoryStore) PutJob(ctx context.Context, job *model.Job) error {
	if job.JobID == "" {
		return &lferrors.ValidationError{Field: "job_id", Message: "job_id is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.jobVersions[job.JobID]
	if _, exists := m.jobs[job.JobID]; exists {
		if job.Version != current {
			return &lferrors.ConflictError{Resource: "job", ID: job.JobID}
		}
	} else if job.Version != 0 {
		return &lferrors.ConflictError{Resource: "job", ID: job.JobID}
	}

	job.UpdatedAt = time.Now().UTC()
	next := job.Version + 1
	copied := *job
	copied.Version = next
	data, err := json.Marshal(&copied)
	if err != nil {
		return err
	}

	m.jobs[job.JobID] = data
	m.jobVersions[job.JobID] = next
	job.Version = next
	return nil
}

// GetWorkflow returns the workflow or a NotFoundError.
func (m *MemoryStore) GetWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error) {
	var wf model.Workflow
	if err := m.get(m.workflows, workflowID, "workflow", &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// PutWorkflow stores a workflow definition.
func (m *MemoryStore) PutWorkflow(ctx context.Context, wf *model.Workflow) error {
	return m.put(m.workflows, wf.WorkflowID, "workflow_id", wf)
}

// GetSubmission returns the submission or a NotFoundError.
func (m *MemoryStore) GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error) {
	var sub model.Submission
	if err := m.get(m.submissions, submissionID, "submission", &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// PutSubmission stores a submission.
func (m *MemoryStore) PutSubmission(ctx context.Context, sub *model.Submission) error {
	return m.put(m.submissions, sub.SubmissionID, "submission_id", sub)
}

// GetForm returns the form or a NotFoundError.
func (m *MemoryStore) GetForm(ctx context.Context, formID string) (*model.Form, error) {
	var form model.Form
	if err := m.get(m.forms, formID, "form", &form); err != nil {
		return nil, err
	}
	return &form, nil
}

// PutForm stores a form.
func (m *MemoryStore) PutForm(ctx context.Context, form *model.Form) error {
	return m.put(m.forms, form.FormID, "form_id", form)
}

// GetArtifact returns the artifact or a NotFoundError.
func (m *MemoryStore) GetArtifact(ctx context.Context, artifactID string) (*model.Artifact, error) {
	var art model.Artifact
	if err := m.get(m.artifacts, artifactID, "artifact", &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// PutArtifact records an artifact row; rows are immutable.
func (m *MemoryStore) PutArtifact(ctx context.Context, art *model.Artifact) error {
	if art.ArtifactID == "" {
		return &lferrors.ValidationError{Field: "artifact_id", Message: "artifact_id is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.artifacts[art.ArtifactID]; exists {
		return &lferrors.ConflictError{Resource: "artifact", ID: art.ArtifactID}
	}
	data, err := json.Marshal(art)
	if err != nil {
		return err
	}
	m.artifacts[art.ArtifactID] = data
	return nil
}

// ListArtifactsByJob returns the job's artifacts ordered by creation time.
func (m *MemoryStore) ListArtifactsByJob(ctx context.Context, jobID string) ([]model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Artifact
	for _, data := range m.artifacts {
		var art model.Artifact
		if err := json.Unmarshal(data, &art); err != nil {
			return nil, err
		}
		if art.JobID == jobID {
			out = append(out, art)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ArtifactID < out[j].ArtifactID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) get(table map[string][]byte, key, resource string, dest any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := table[key]
	if !ok {
		return &lferrors.NotFoundError{Resource: resource, ID: key}
	}
	return json.Unmarshal(data, dest)
}

func (m *MemoryStore) put(table map[string][]byte, key, field string, value any) error {
	if key == "" {
		return &lferrors.ValidationError{Field: field, Message: field + " is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	table[key] = data
	return nil
}
