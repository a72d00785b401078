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

package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err,
// if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsCancelled reports whether err is a CancelledError or a context
// cancellation from the standard library.
func IsCancelled(err error) bool {
	var c *CancelledError
	return errors.As(err, &c) || errors.Is(err, context.Canceled)
}

// TypeName returns the error's classification name as surfaced in job records:
// the engine error type name for known types, or the generic "error" otherwise.
func TypeName(err error) string {
	switch {
	case err == nil:
		return ""
	case As(err, new(*ValidationError)):
		return "input_error"
	case As(err, new(*NotFoundError)):
		return "input_error"
	case As(err, new(*CancelledError)):
		return "cancelled"
	case As(err, new(*ConflictError)):
		return "conflict"
	case As(err, new(*ConfigError)):
		return "config_error"
	case As(err, new(*TimeoutError)):
		return "timeout"
	case As(err, new(*ProviderError)):
		var p *ProviderError
		As(err, &p)
		if p.Category != "" {
			return p.Category
		}
		return "provider_error"
	default:
		return fmt.Sprintf("%T", err)
	}
}
