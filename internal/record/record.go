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

// Package record manages the per-job execution-step records. Small record
// sets live inline on the job; once the encoded records cross the spill
// threshold they move to the object store and the job carries only a
// pointer key. Readers see one logical list either way.
package record

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"github.com/leadforge/engine/internal/blob"
	"github.com/leadforge/engine/internal/log"
	"github.com/leadforge/engine/internal/model"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// DefaultSpillBytes is the inline size ceiling for execution records.
// KV items have hard size limits well above this; the margin leaves room
// for the rest of the job record.
const DefaultSpillBytes = 350 * 1024

// SpillEnvVar overrides the spill threshold in bytes.
const SpillEnvVar = "EXECUTION_STEPS_SPILL_BYTES"

// SpillFilename is the per-job spill object's filename.
const SpillFilename = "execution_steps.json"

// Recorder loads and persists a job's execution-step records.
type Recorder struct {
	blobs      blob.ObjectStore
	logger     *slog.Logger
	spillBytes int
}

// NewRecorder creates a Recorder. spillBytes <= 0 selects the environment
// override or the default threshold.
func NewRecorder(blobs blob.ObjectStore, logger *slog.Logger, spillBytes int) *Recorder {
	if spillBytes <= 0 {
		spillBytes = SpillThresholdFromEnv()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		blobs:      blobs,
		logger:     log.WithComponent(logger, "record"),
		spillBytes: spillBytes,
	}
}

// SpillThresholdFromEnv reads the spill threshold from the environment,
// falling back to DefaultSpillBytes on absence or garbage.
func SpillThresholdFromEnv() int {
	if v := os.Getenv(SpillEnvVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultSpillBytes
}

// Load returns the job's execution records, following the spill pointer
// when the records live in the object store.
func (r *Recorder) Load(ctx context.Context, job *model.Job) ([]model.ExecutionStep, error) {
	if job.ExecutionStepsS3Key == "" {
		return job.ExecutionSteps, nil
	}

	data, err := r.blobs.Get(ctx, job.ExecutionStepsS3Key)
	if err != nil {
		return nil, lferrors.Wrapf(err, "loading spilled execution records for job %s", job.JobID)
	}
	var steps []model.ExecutionStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, lferrors.Wrapf(err, "decoding spilled execution records for job %s", job.JobID)
	}
	return steps, nil
}

// Persist writes the records onto the job, spilling to the object store
// when the encoded size crosses the threshold. The caller still owns the
// job write to the KV store.
func (r *Recorder) Persist(ctx context.Context, job *model.Job, steps []model.ExecutionStep) error {
	data, err := json.Marshal(steps)
	if err != nil {
		return lferrors.Wrapf(err, "encoding execution records for job %s", job.JobID)
	}

	if len(data) < r.spillBytes {
		job.ExecutionSteps = steps
		job.ExecutionStepsS3Key = ""
		return nil
	}

	key := blob.ObjectKey(job.TenantID, job.JobID, SpillFilename)
	if _, err := r.blobs.Put(ctx, key, data, "application/json"); err != nil {
		return lferrors.Wrapf(err, "spilling execution records for job %s", job.JobID)
	}
	job.ExecutionSteps = nil
	job.ExecutionStepsS3Key = key

	r.logger.Info("execution records spilled to object store",
		log.JobIDKey, job.JobID,
		"key", key,
		"size_bytes", len(data),
		"threshold_bytes", r.spillBytes)
	return nil
}

// AppendOrReplace merges one record into the list, keeping at most one
// record per (step_order, step_type). A rerun replaces the prior record in
// place; the result stays sorted by step order, webhook records after
// generation records at the same order.
func AppendOrReplace(steps []model.ExecutionStep, rec model.ExecutionStep) []model.ExecutionStep {
	for i, s := range steps {
		if s.StepOrder == rec.StepOrder && s.StepType == rec.StepType {
			steps[i] = rec
			return steps
		}
	}
	steps = append(steps, rec)
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].StepOrder != steps[j].StepOrder {
			return steps[i].StepOrder < steps[j].StepOrder
		}
		return typeRank(steps[i].StepType) < typeRank(steps[j].StepType)
	})
	return steps
}

// Find returns the record for (stepOrder, stepType), or nil.
func Find(steps []model.ExecutionStep, stepOrder int, stepType model.StepType) *model.ExecutionStep {
	for i := range steps {
		if steps[i].StepOrder == stepOrder && steps[i].StepType == stepType {
			return &steps[i]
		}
	}
	return nil
}

func typeRank(t model.StepType) int {
	if t == model.StepTypeWebhook {
		return 1
	}
	return 0
}
