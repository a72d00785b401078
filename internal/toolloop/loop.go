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

package toolloop

import (
	"time"

	"github.com/leadforge/engine/internal/model"
)

// Defaults shared by the loops.
const (
	DefaultMaxIterations   = 30
	DefaultMaxDuration     = 10 * time.Minute
	DefaultMaxOutputLength = 16 * 1024
)

// Termination notes recorded on the execution record when a bound ends
// the loop before the model does.
const (
	NoteMaxIterations = "max_iterations"
	NoteMaxDuration   = "max_duration"
)

// Config bounds one loop run.
type Config struct {
	// MaxIterations bounds model turns.
	MaxIterations int

	// MaxDuration bounds the loop's wall clock.
	MaxDuration time.Duration

	// MaxOutputLength truncates per-command stdout/stderr relayed to the
	// model (shell loop only).
	MaxOutputLength int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.MaxOutputLength <= 0 {
		c.MaxOutputLength = DefaultMaxOutputLength
	}
	return c
}

// Outcome is the terminal state of one loop run. A bound ending the loop
// is still a success; Note says which bound fired.
type Outcome struct {
	OutputText string
	ImageURLs  []string
	Usage      *model.Usage
	Iterations int
	Note       string
}

// truncate clips s to max bytes with a marker. The exit code of the
// producing command is unaffected.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... [truncated]"
}

// accumulate folds a turn's usage into the loop total.
func accumulate(total **model.Usage, turn *model.Usage) {
	if turn == nil {
		return
	}
	if *total == nil {
		*total = &model.Usage{}
	}
	(*total).Add(turn)
}
