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

// Package store provides typed persistence for engine records with
// compare-and-set semantics on jobs. Numeric normalization happens at this
// boundary: records come back with native Go numeric types regardless of
// the backing store's encoding.
package store

import (
	"context"

	"github.com/leadforge/engine/internal/model"
)

// Store is the engine's KV capability. Jobs support conditional writes via
// a version field; a stale writer gets a ConflictError and must reload.
type Store interface {
	// GetJob returns the job or a NotFoundError.
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	// PutJob persists the job. The write succeeds only if the stored
	// version equals job.Version (0 inserts a new record); on success the
	// stored and in-memory versions are incremented. A stale version
	// returns a ConflictError.
	PutJob(ctx context.Context, job *model.Job) error

	// GetWorkflow returns the workflow or a NotFoundError. Workflows are
	// read-only inputs to the engine.
	GetWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error)

	// PutWorkflow stores a workflow definition (seeding and tests).
	PutWorkflow(ctx context.Context, wf *model.Workflow) error

	// GetSubmission returns the submission or a NotFoundError.
	GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error)

	// PutSubmission stores a submission (seeding and tests).
	PutSubmission(ctx context.Context, sub *model.Submission) error

	// GetForm returns the form or a NotFoundError.
	GetForm(ctx context.Context, formID string) (*model.Form, error)

	// PutForm stores a form (seeding and tests).
	PutForm(ctx context.Context, form *model.Form) error

	// GetArtifact returns the artifact row or a NotFoundError.
	GetArtifact(ctx context.Context, artifactID string) (*model.Artifact, error)

	// PutArtifact records an artifact row. Artifact rows are immutable;
	// writing an existing ID is rejected.
	PutArtifact(ctx context.Context, art *model.Artifact) error

	// ListArtifactsByJob returns the job's artifacts ordered by creation.
	ListArtifactsByJob(ctx context.Context, jobID string) ([]model.Artifact, error)

	// Close releases backend resources.
	Close() error
}
