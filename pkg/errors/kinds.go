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

// Package errors defines the stable error taxonomy shared by the
// validator, the execution engine, the AI routing client, and the
// execution store. Every error that crosses a component boundary
// carries a Kind; the HTTP layer maps kinds to responses verbatim.
package errors

// Kind is a stable, user-visible error identifier. Kinds are part of
// the external contract and must never be renamed.
type Kind string

// Validation kinds. These abort an execution before it reaches RUNNING.
const (
	KindSchema          Kind = "schema"
	KindUnknownStepType Kind = "unknown-step-type"
	KindCycleDetected   Kind = "cycle-detected"
	KindDanglingEdge    Kind = "dangling-edge"
	KindUnreachableNode Kind = "unreachable-node"
	KindDuplicateID     Kind = "duplicate-id"
	KindInvalidBinding  Kind = "invalid-binding"
	KindParameterSchema Kind = "parameter-schema"
	KindInvalidInput    Kind = "invalid-input"
)

// Step runtime kinds.
const (
	KindTransformError    Kind = "transform-error"
	KindBindingUnresolved Kind = "binding-unresolved"
	KindHandlerPanic      Kind = "handler-panic"
	KindTimeout           Kind = "timeout"
)

// AI runtime kinds.
const (
	KindModelNotFound       Kind = "model-not-found"
	KindBudgetExceeded      Kind = "budget-exceeded"
	KindContentPolicy       Kind = "content-policy"
	KindAIUnavailable       Kind = "ai-unavailable"
	KindRateLimitedTerminal Kind = "rate-limited-terminal"
)

// Execution runtime kinds.
const (
	KindExecutionTimeout Kind = "execution-timeout"
	KindStuckDAG         Kind = "stuck-dag"
	KindCancelledByUser  Kind = "cancelled-by-user"
)

// Skip reasons recorded on step records whose upstream terminated
// without COMPLETED.
const (
	KindUpstreamFailed    Kind = "upstream-failed"
	KindUpstreamCancelled Kind = "upstream-cancelled"
)

// Infrastructure kinds.
const (
	KindStoreUnavailable    Kind = "store-unavailable"
	KindProviderUnavailable Kind = "provider-unavailable"
)

// Authorization kinds.
const (
	KindForbidden Kind = "forbidden"
	KindNotFound  Kind = "not-found"
)

// KindNotCancellable rejects cancellation of an execution that already
// completed or failed.
const KindNotCancellable Kind = "not-cancellable"

// Kinder is implemented by errors that carry a stable kind.
type Kinder interface {
	ErrorKind() Kind
}

// Response is the error shape returned to the HTTP layer.
type Response struct {
	ErrorKind   Kind   `json:"errorKind"`
	Message     string `json:"message"`
	ExecutionID string `json:"executionId"`
	StepID      string `json:"stepId,omitempty"`
}
