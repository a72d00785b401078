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

// Package toolloop runs the bounded iterations between the model and an
// external effector: a browser for computer use, a shell runner, or the
// image provider behind a planner call. Loops are single-threaded per
// step and honor the step deadline and cancellation.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lferrors "github.com/leadforge/engine/pkg/errors"
)

// Browser is the effector for the computer-use loop. A session is
// exclusive to one step and torn down when the loop returns.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, x, y int, button string) error
	Type(ctx context.Context, text string) error
	Scroll(ctx context.Context, x, y, deltaX, deltaY int) error
	Keypress(ctx context.Context, keys []string) error
	Wait(ctx context.Context, d time.Duration) error

	// Screenshot returns the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	Close(ctx context.Context) error
}

// browserAction is the decoded form of a computer_call action.
type browserAction struct {
	Type string `json:"type"`

	// click / scroll coordinates.
	X      int    `json:"x,omitempty"`
	Y      int    `json:"y,omitempty"`
	Button string `json:"button,omitempty"`

	// scroll deltas.
	DeltaX int `json:"delta_x,omitempty"`
	DeltaY int `json:"delta_y,omitempty"`

	// type.
	Text string `json:"text,omitempty"`

	// keypress.
	Keys []string `json:"keys,omitempty"`

	// wait.
	MS int `json:"ms,omitempty"`

	// navigate.
	URL string `json:"url,omitempty"`
}

// applyAction executes one model-issued action against the browser.
// A screenshot action is a no-op here; every turn captures one anyway.
func applyAction(ctx context.Context, b Browser, raw json.RawMessage) error {
	var action browserAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return &lferrors.ValidationError{
			Field:   "action",
			Message: fmt.Sprintf("undecodable computer_call action: %v", err),
		}
	}

	switch action.Type {
	case "click":
		button := action.Button
		if button == "" {
			button = "left"
		}
		return b.Click(ctx, action.X, action.Y, button)
	case "double_click":
		if err := b.Click(ctx, action.X, action.Y, "left"); err != nil {
			return err
		}
		return b.Click(ctx, action.X, action.Y, "left")
	case "type":
		return b.Type(ctx, action.Text)
	case "scroll":
		return b.Scroll(ctx, action.X, action.Y, action.DeltaX, action.DeltaY)
	case "keypress":
		return b.Keypress(ctx, action.Keys)
	case "wait":
		ms := action.MS
		if ms <= 0 {
			ms = 1000
		}
		return b.Wait(ctx, time.Duration(ms)*time.Millisecond)
	case "navigate", "goto":
		return b.Navigate(ctx, action.URL)
	case "screenshot":
		return nil
	default:
		return &lferrors.ValidationError{
			Field:   "action",
			Message: fmt.Sprintf("unsupported browser action %q", action.Type),
		}
	}
}
