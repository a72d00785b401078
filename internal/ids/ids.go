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

// Package ids generates the opaque, time-ordered identifiers used across
// the engine. IDs carry a short typed prefix (job_, art_, sub_) so a bare
// identifier is self-describing in logs and payloads.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Generator produces time-ordered identifiers. Implementations must be safe
// for concurrent use.
type Generator interface {
	// NewID returns a fresh identifier with the given typed prefix.
	NewID(prefix string) string
}

// Well-known prefixes.
const (
	PrefixJob        = "job"
	PrefixArtifact   = "art"
	PrefixSubmission = "sub"
	PrefixWorkflow   = "wf"
	PrefixRequest    = "req"
)

// UUIDGenerator generates prefixed UUIDv7 identifiers. UUIDv7 embeds a
// millisecond timestamp, so IDs sort by creation time.
type UUIDGenerator struct{}

// NewGenerator returns the default time-ordered generator.
func NewGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

// NewID returns "<prefix>_<uuidv7-hex>". Falls back to UUIDv4 if the
// system clock source fails, which keeps IDs unique if not ordered.
func (g *UUIDGenerator) NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + strings.ReplaceAll(id.String(), "-", "")
}

// Prefix extracts the typed prefix from an identifier, or "" if none.
func Prefix(id string) string {
	if i := strings.IndexByte(id, '_'); i > 0 {
		return id[:i]
	}
	return ""
}
