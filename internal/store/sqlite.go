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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	lferrors "github.com/leadforge/engine/pkg/errors"
	"github.com/leadforge/engine/internal/model"
)

// SQLiteStore implements Store on SQLite for single-node deployments and
// local development.
//
// Features:
//   - WAL mode for better concurrency
//   - Optimistic concurrency on jobs via a version column
//   - JSON-encoded record bodies with typed key columns
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig contains configuration for SQLite storage.
type SQLiteConfig struct {
	// Path is the filesystem path to the SQLite database file.
	// Use ":memory:" for throwaway test databases.
	Path string
}

// NewSQLiteStore opens (creating if needed) the database and runs migrations.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, &lferrors.ConfigError{Key: "KV_SQLITE_PATH", Reason: "database path is required"}
	}

	connStr := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS submissions (
			submission_id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS forms (
			form_id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			data TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// GetJob returns the job or a NotFoundError.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var data string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM jobs WHERE job_id = ?`, jobID).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &lferrors.NotFoundError{Resource: "job", ID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", jobID, err)
	}
	// The version column is authoritative; the JSON copy may trail it.
	job.Version = version
	return &job, nil
}

// PutJob persists the job with compare-and-set on the version column.
func (s *SQLiteStore) PutJob(ctx context.Context, job *model.Job) error {
	if job.JobID == "" {
		return &lferrors.ValidationError{Field: "job_id", Message: "job_id is required"}
	}

	job.UpdatedAt = time.Now().UTC()
	next := job.Version + 1

	encoded, err := json.Marshal(jobWithVersion(job, next))
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.JobID, err)
	}

	if job.Version == 0 {
		// Insert path; a concurrent insert surfaces as a conflict.
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO jobs (job_id, version, data, updated_at) VALUES (?, ?, ?, datetime('now'))
			 ON CONFLICT(job_id) DO NOTHING`,
			job.JobID, next, string(encoded))
		if err != nil {
			return fmt.Errorf("inserting job: %w", err)
		}
		// Verify the insert landed (DO NOTHING swallows conflicts).
		var got int64
		if err := s.db.QueryRowContext(ctx, `SELECT version FROM jobs WHERE job_id = ?`, job.JobID).Scan(&got); err != nil {
			return fmt.Errorf("verifying job insert: %w", err)
		}
		if got != next {
			return &lferrors.ConflictError{Resource: "job", ID: job.JobID}
		}
		job.Version = next
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET data = ?, version = ?, updated_at = datetime('now')
		 WHERE job_id = ? AND version = ?`,
		string(encoded), next, job.JobID, job.Version)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking job update: %w", err)
	}
	if affected == 0 {
		return &lferrors.ConflictError{Resource: "job", ID: job.JobID}
	}

	job.Version = next
	return nil
}

// jobWithVersion returns a copy with the post-write version so the stored
// JSON agrees with the version column.
func jobWithVersion(job *model.Job, version int64) *model.Job {
	copied := *job
	copied.Version = version
	return &copied
}

// GetWorkflow returns the workflow or a NotFoundError.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error) {
	var wf model.Workflow
	if err := s.getJSON(ctx, "workflows", "workflow_id", workflowID, "workflow", &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// PutWorkflow stores a workflow definition.
func (s *SQLiteStore) PutWorkflow(ctx context.Context, wf *model.Workflow) error {
	return s.putJSON(ctx, "workflows", "workflow_id", wf.WorkflowID, wf)
}

// GetSubmission returns the submission or a NotFoundError.
func (s *SQLiteStore) GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error) {
	var sub model.Submission
	if err := s.getJSON(ctx, "submissions", "submission_id", submissionID, "submission", &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// PutSubmission stores a submission.
func (s *SQLiteStore) PutSubmission(ctx context.Context, sub *model.Submission) error {
	return s.putJSON(ctx, "submissions", "submission_id", sub.SubmissionID, sub)
}

// GetForm returns the form or a NotFoundError.
func (s *SQLiteStore) GetForm(ctx context.Context, formID string) (*model.Form, error) {
	var form model.Form
	if err := s.getJSON(ctx, "forms", "form_id", formID, "form", &form); err != nil {
		return nil, err
	}
	return &form, nil
}

// PutForm stores a form.
func (s *SQLiteStore) PutForm(ctx context.Context, form *model.Form) error {
	return s.putJSON(ctx, "forms", "form_id", form.FormID, form)
}

// GetArtifact returns the artifact row or a NotFoundError.
func (s *SQLiteStore) GetArtifact(ctx context.Context, artifactID string) (*model.Artifact, error) {
	var art model.Artifact
	if err := s.getJSON(ctx, "artifacts", "artifact_id", artifactID, "artifact", &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// PutArtifact records an artifact row. Rows are immutable once written.
func (s *SQLiteStore) PutArtifact(ctx context.Context, art *model.Artifact) error {
	if art.ArtifactID == "" {
		return &lferrors.ValidationError{Field: "artifact_id", Message: "artifact_id is required"}
	}

	encoded, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("encoding artifact %s: %w", art.ArtifactID, err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (artifact_id, tenant_id, job_id, created_at, data)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(artifact_id) DO NOTHING`,
		art.ArtifactID, art.TenantID, art.JobID, art.CreatedAt.UTC().Format(time.RFC3339Nano), string(encoded))
	if err != nil {
		return fmt.Errorf("inserting artifact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking artifact insert: %w", err)
	}
	if affected == 0 {
		return &lferrors.ConflictError{Resource: "artifact", ID: art.ArtifactID}
	}
	return nil
}

// ListArtifactsByJob returns the job's artifacts ordered by creation.
func (s *SQLiteStore) ListArtifactsByJob(ctx context.Context, jobID string) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM artifacts WHERE job_id = ? ORDER BY created_at, artifact_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		var art model.Artifact
		if err := json.Unmarshal([]byte(data), &art); err != nil {
			return nil, fmt.Errorf("decoding artifact: %w", err)
		}
		out = append(out, art)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) getJSON(ctx context.Context, table, keyCol, key, resource string, dest any) error {
	var data string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE %s = ?`, table, keyCol), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return &lferrors.NotFoundError{Resource: resource, ID: key}
	}
	if err != nil {
		return fmt.Errorf("querying %s: %w", resource, err)
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("decoding %s %s: %w", resource, key, err)
	}
	return nil
}

func (s *SQLiteStore) putJSON(ctx context.Context, table, keyCol, key string, value any) error {
	if key == "" {
		return &lferrors.ValidationError{Field: keyCol, Message: keyCol + " is required"}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, data) VALUES (?, ?)
		 ON CONFLICT(%s) DO UPDATE SET data = excluded.data`, table, keyCol, keyCol),
		key, string(encoded))
	if err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}
