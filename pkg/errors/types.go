// Copyright 2025 Auterity, Inc.
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
	"fmt"
	"time"
)

// ValidationError represents a workflow definition or input validation
// failure. Use this for malformed definitions, unknown step types,
// and binding problems.
type ValidationError struct {
	// Kind is the stable validation error kind.
	Kind Kind

	// Field identifies which part of the definition failed validation
	// (e.g. a step id, an edge, a parameter name).
	Field string

	// Message is the human-readable error description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorKind implements Kinder.
func (e *ValidationError) ErrorKind() Kind {
	if e.Kind == "" {
		return KindSchema
	}
	return e.Kind
}

// NotFoundError represents a resource that does not exist, or that the
// caller is not allowed to know exists.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "workflow", "execution").
	Resource string

	// ID is the identifier that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorKind implements Kinder.
func (e *NotFoundError) ErrorKind() Kind { return KindNotFound }

// ForbiddenError represents a caller acting outside its tenant or
// without the required permission.
type ForbiddenError struct {
	// Permission is the permission that was missing, if known.
	Permission string

	// Message is the human-readable error description. Must not leak
	// whether the target resource exists.
	Message string
}

// Error implements the error interface.
func (e *ForbiddenError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Permission != "" {
		return fmt.Sprintf("forbidden: missing permission %s", e.Permission)
	}
	return "forbidden"
}

// ErrorKind implements Kinder.
func (e *ForbiddenError) ErrorKind() Kind { return KindForbidden }

// StepError represents a step handler failure with a stable kind.
// The engine records Kind and Message on the step record; Cause is
// only surfaced to callers holding the execution:debug permission.
type StepError struct {
	// Kind is the stable step error kind.
	Kind Kind

	// StepID is the step that failed.
	StepID string

	// Message is the user-safe error description.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("step %s: %s: %s", e.StepID, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepError) Unwrap() error { return e.Cause }

// ErrorKind implements Kinder.
func (e *StepError) ErrorKind() Kind { return e.Kind }

// ProviderError represents an AI model provider failure.
// Use this for errors originating from external model providers.
type ProviderError struct {
	// Provider is the name of the provider (e.g. "anthropic", "openai").
	Provider string

	// Model is the model that was invoked, if known.
	Model string

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int

	// Message is the human-readable error message.
	Message string

	// RequestID correlates this error with provider logs.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error { return e.Cause }

// ErrorKind implements Kinder.
func (e *ProviderError) ErrorKind() Kind { return KindProviderUnavailable }

// ConfigError represents configuration problems: malformed config
// files, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g.
	// "catalog.models", "store.path").
	Key string

	// Reason explains what's wrong with the configuration.
	Reason string

	// Cause is the underlying error (e.g. file read error, parse error).
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// TimeoutError represents an operation exceeding its configured
// timeout. Step timeouts map to KindTimeout; execution timeouts map
// to KindExecutionTimeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "step", "execution").
	Operation string

	// Duration is how long the operation ran before timing out.
	Duration time.Duration

	// Kind is the stable kind, KindTimeout when unset.
	Kind Kind

	// Cause is the underlying error (if any).
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorKind implements Kinder.
func (e *TimeoutError) ErrorKind() Kind {
	if e.Kind == "" {
		return KindTimeout
	}
	return e.Kind
}

// StoreError represents an execution store failure after retries.
type StoreError struct {
	// Op is the store operation that failed.
	Op string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StoreError) Unwrap() error { return e.Cause }

// ErrorKind implements Kinder.
func (e *StoreError) ErrorKind() Kind { return KindStoreUnavailable }
