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
	"context"
	"errors"
)

// KindOf extracts the stable kind from an error chain. Errors that do
// not carry a kind map to KindStoreUnavailable only when they wrap a
// store failure; everything else defaults to KindHandlerPanic, the
// catch-all for unexpected conditions.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelledByUser
	}
	return KindHandlerPanic
}

// IsTransient reports whether an error is worth retrying: provider
// 5xx and 429 responses, timeouts, and store failures. Validation,
// authorization, and content-policy errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.StatusCode >= 500 || provErr.StatusCode == 429 || provErr.StatusCode == 0
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return true
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	type temporary interface {
		Temporary() bool
	}
	var temp temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

// ToResponse converts an error to the wire shape consumed by the HTTP
// layer. Message comes from the error chain; the raw cause is never
// included.
func ToResponse(err error, executionID, stepID string) Response {
	return Response{
		ErrorKind:   KindOf(err),
		Message:     err.Error(),
		ExecutionID: executionID,
		StepID:      stepID,
	}
}
