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

// Package service is the control surface consumed by the API and
// WebSocket gateways: execute, cancel, inspect, list, subscribe. It
// owns tenant scoping and permission checks; transports hand it a
// resolved principal and validated request objects.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/auterity/engine/internal/engine"
	"github.com/auterity/engine/internal/events"
	"github.com/auterity/engine/internal/store"
	"github.com/auterity/engine/pkg/errors"
	"github.com/auterity/engine/pkg/step"
	"github.com/auterity/engine/pkg/workflow"
)

// Permissions checked by the control surface.
const (
	PermWorkflowWrite   = "workflow:write"
	PermWorkflowExecute = "workflow:execute"
	PermExecutionRead   = "execution:read"
	PermExecutionCancel = "execution:cancel"
	PermExecutionDebug  = "execution:debug"
)

// ExecuteRequest is a validated executeWorkflow call.
type ExecuteRequest struct {
	WorkflowID string
	Inputs     map[string]any
	Mode       store.ExecutionMode
	TimeoutMs  int64
	Principal  store.Principal
}

// ExecuteResult is the executeWorkflow response. Snapshot is populated
// only in sync mode.
type ExecuteResult struct {
	ExecutionID string
	Snapshot    *store.Snapshot
}

// Service wires the engine, stores, and bus behind the §6 control
// operations.
type Service struct {
	store     store.Store
	workflows store.WorkflowStore
	engine    *engine.Engine
	registry  *step.Registry
	bus       *events.Bus
	logger    *slog.Logger
}

// New creates the control surface.
func New(st store.Store, workflows store.WorkflowStore, eng *engine.Engine, registry *step.Registry, bus *events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		workflows: workflows,
		engine:    eng,
		registry:  registry,
		bus:       bus,
		logger:    logger,
	}
}

// PutWorkflow validates and persists a workflow definition version.
// Validation covers the DAG structure, parameter schemas, and
// handler-specific parameter checks.
func (s *Service) PutWorkflow(ctx context.Context, principal store.Principal, raw []byte) (*workflow.Definition, error) {
	if !principal.Has(PermWorkflowWrite) {
		return nil, &errors.ForbiddenError{Permission: PermWorkflowWrite}
	}
	def, err := workflow.ParseDefinition(raw)
	if err != nil {
		return nil, &errors.ValidationError{Kind: errors.KindSchema, Message: err.Error()}
	}
	dag, err := workflow.Validate(def, workflow.Options{})
	if err != nil {
		return nil, err
	}
	for _, id := range dag.Reachable() {
		node := dag.Step(id)
		handler, err := s.registry.Get(node.Type)
		if err != nil {
			return nil, err
		}
		if err := handler.ValidateParameters(node.Parameters); err != nil {
			return nil, err
		}
	}
	if err := s.workflows.PutWorkflow(ctx, def.ID, def.Version, principal.TenantID, raw); err != nil {
		return nil, &errors.StoreError{Op: "put workflow", Cause: err}
	}
	s.logger.Info("workflow saved", "workflow_id", def.ID, "version", def.Version, "tenant_id", principal.TenantID)
	return def, nil
}

// loadWorkflow resolves a workflow for a principal, hiding
// cross-tenant definitions behind not-found.
func (s *Service) loadWorkflow(ctx context.Context, principal store.Principal, workflowID string) (*workflow.Validated, int, error) {
	raw, version, tenantID, err := s.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, 0, &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	if tenantID != principal.TenantID {
		return nil, 0, &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	def, err := workflow.ParseDefinition(raw)
	if err != nil {
		return nil, 0, &errors.ValidationError{Kind: errors.KindSchema, Message: err.Error()}
	}
	dag, err := workflow.Validate(def, workflow.Options{})
	if err != nil {
		return nil, 0, err
	}
	return dag, version, nil
}

// ExecuteWorkflow starts an execution. Sync mode blocks until the
// terminal snapshot; async returns the execution id immediately.
// Validation failures fail the execution before it reaches RUNNING.
func (s *Service) ExecuteWorkflow(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if !req.Principal.Has(PermWorkflowExecute) {
		return nil, &errors.ForbiddenError{Permission: PermWorkflowExecute}
	}

	exec := &store.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      req.WorkflowID,
		TenantID:        req.Principal.TenantID,
		InitiatorUserID: req.Principal.UserID,
		Status:          store.ExecutionPending,
		Mode:            req.Mode,
		Inputs:          req.Inputs,
		StartedAt:       time.Now().UTC(),
	}
	if exec.Mode == "" {
		exec.Mode = store.ModeSync
	}

	dag, version, err := s.loadWorkflow(ctx, req.Principal, req.WorkflowID)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return nil, err
		}
		// Definition failed validation: record the execution as FAILED
		// so the attempt is visible in history.
		exec.Status = store.ExecutionPending
		if createErr := s.store.CreateExecution(ctx, exec); createErr == nil {
			ended := time.Now().UTC()
			_ = s.store.TransitionExecution(ctx, exec.ID, store.ExecutionPending, store.ExecutionFailed, &store.TransitionFields{
				ErrorKind:    string(errors.KindOf(err)),
				ErrorMessage: err.Error(),
				EndedAt:      &ended,
			})
		}
		return &ExecuteResult{ExecutionID: exec.ID}, err
	}
	exec.WorkflowVersion = version

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, &errors.StoreError{Op: "create execution", Cause: err}
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond

	if exec.Mode == store.ModeAsync {
		go func() {
			// Detach from the request context; the execution outlives
			// the HTTP call.
			runCtx := context.WithoutCancel(ctx)
			if err := s.engine.Run(runCtx, dag, exec, timeout); err != nil {
				s.logger.Warn("async execution terminated with error",
					"execution_id", exec.ID, "error_kind", string(errors.KindOf(err)))
			}
		}()
		return &ExecuteResult{ExecutionID: exec.ID}, nil
	}

	runErr := s.engine.Run(ctx, dag, exec, timeout)
	snap, err := s.store.LoadSnapshot(ctx, exec.ID)
	if err != nil {
		return &ExecuteResult{ExecutionID: exec.ID}, &errors.StoreError{Op: "load snapshot", Cause: err}
	}
	s.redactSnapshot(snap, req.Principal)
	return &ExecuteResult{ExecutionID: exec.ID, Snapshot: snap}, runErr
}

// authorizeExecution loads an execution, hiding cross-tenant rows
// behind not-found.
func (s *Service) authorizeExecution(ctx context.Context, principal store.Principal, executionID string) (*store.Execution, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	if exec.TenantID != principal.TenantID {
		return nil, &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return exec, nil
}

// GetExecution returns the execution with its step records.
func (s *Service) GetExecution(ctx context.Context, principal store.Principal, executionID string) (*store.Snapshot, error) {
	if !principal.Has(PermExecutionRead) {
		return nil, &errors.ForbiddenError{Permission: PermExecutionRead}
	}
	if _, err := s.authorizeExecution(ctx, principal, executionID); err != nil {
		return nil, err
	}
	snap, err := s.store.LoadSnapshot(ctx, executionID)
	if err != nil {
		return nil, &errors.StoreError{Op: "load snapshot", Cause: err}
	}
	s.redactSnapshot(snap, principal)
	return snap, nil
}

// GetExecutionLogs returns the ordered log entries after sinceSequence.
func (s *Service) GetExecutionLogs(ctx context.Context, principal store.Principal, executionID string, sinceSequence int64, limit int) ([]store.LogEntry, error) {
	if !principal.Has(PermExecutionRead) {
		return nil, &errors.ForbiddenError{Permission: PermExecutionRead}
	}
	if _, err := s.authorizeExecution(ctx, principal, executionID); err != nil {
		return nil, err
	}
	logs, err := s.store.ListLogs(ctx, executionID, sinceSequence, limit)
	if err != nil {
		return nil, &errors.StoreError{Op: "list logs", Cause: err}
	}
	if !principal.Has(PermExecutionDebug) {
		for i := range logs {
			redactLogData(&logs[i])
		}
	}
	return logs, nil
}

// CancelExecution requests cancellation. Cancelling an execution that
// is already CANCELLING or CANCELLED is a successful no-op; cancelling
// one that COMPLETED or FAILED returns not-cancellable.
func (s *Service) CancelExecution(ctx context.Context, principal store.Principal, executionID string) error {
	if !principal.Has(PermExecutionCancel) {
		return &errors.ForbiddenError{Permission: PermExecutionCancel}
	}
	exec, err := s.authorizeExecution(ctx, principal, executionID)
	if err != nil {
		return err
	}

	switch exec.Status {
	case store.ExecutionCancelled, store.ExecutionCancelling:
		return nil
	case store.ExecutionCompleted, store.ExecutionFailed:
		return &errors.StepError{
			Kind:    errors.KindNotCancellable,
			Message: "execution already reached a terminal status",
		}
	}

	if !s.engine.Cancel(executionID) {
		// Not running in this process: a PENDING execution can be
		// cancelled directly.
		ended := time.Now().UTC()
		err := s.store.TransitionExecution(ctx, executionID, store.ExecutionPending, store.ExecutionCancelled, &store.TransitionFields{
			ErrorKind:    string(errors.KindCancelledByUser),
			ErrorMessage: "execution cancelled before start",
			EndedAt:      &ended,
		})
		if err != nil {
			return &errors.StoreError{Op: "cancel pending execution", Cause: err}
		}
		s.bus.Publish(events.Event{
			Type:        events.ExecutionTerminated,
			ExecutionID: executionID,
			TenantID:    exec.TenantID,
			Status:      string(store.ExecutionCancelled),
			ErrorKind:   string(errors.KindCancelledByUser),
		})
	}
	s.logger.Info("cancellation requested", "execution_id", executionID, "user_id", principal.UserID)
	return nil
}

// ListExecutions pages through a workflow's executions within the
// caller's tenant.
func (s *Service) ListExecutions(ctx context.Context, principal store.Principal, workflowID string, filter store.ExecutionFilter, page store.Page) ([]store.Execution, error) {
	if !principal.Has(PermExecutionRead) {
		return nil, &errors.ForbiddenError{Permission: PermExecutionRead}
	}
	if _, _, tenantID, err := s.workflows.GetWorkflow(ctx, workflowID); err != nil || tenantID != principal.TenantID {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	filter.TenantID = principal.TenantID
	execs, err := s.store.ListExecutions(ctx, workflowID, filter, page)
	if err != nil {
		return nil, &errors.StoreError{Op: "list executions", Cause: err}
	}
	return execs, nil
}

// Subscribe returns the execution's event stream. The stream ends on
// execution-terminated or when the returned cancel func runs. An
// already-terminal execution yields a synthetic terminated event so
// late subscribers still observe closure.
func (s *Service) Subscribe(ctx context.Context, principal store.Principal, executionID string) (<-chan events.Event, func(), error) {
	if !principal.Has(PermExecutionRead) {
		return nil, nil, &errors.ForbiddenError{Permission: PermExecutionRead}
	}
	exec, err := s.authorizeExecution(ctx, principal, executionID)
	if err != nil {
		return nil, nil, err
	}

	ch, cancel := s.bus.Subscribe(executionID)
	if exec.Status.Terminal() {
		out := make(chan events.Event, 1)
		out <- events.Event{
			Type:        events.ExecutionTerminated,
			ExecutionID: executionID,
			TenantID:    exec.TenantID,
			Status:      string(exec.Status),
			ErrorKind:   exec.ErrorKind,
			Timestamp:   time.Now().UTC(),
		}
		close(out)
		cancel()
		return out, func() {}, nil
	}
	return ch, cancel, nil
}

// redactSnapshot strips debug-only detail for principals without the
// execution:debug permission.
func (s *Service) redactSnapshot(snap *store.Snapshot, principal store.Principal) {
	if principal.Has(PermExecutionDebug) {
		return
	}
	for i := range snap.StepRecords {
		rec := &snap.StepRecords[i]
		if rec.Outputs == nil {
			continue
		}
		delete(rec.Outputs, "rawProviderResponse")
	}
}

// debugOnlyLogKeys never reach callers without execution:debug.
var debugOnlyLogKeys = []string{"stack", "rawProviderResponse"}

func redactLogData(entry *store.LogEntry) {
	if entry.Data == nil {
		return
	}
	for _, key := range debugOnlyLogKeys {
		delete(entry.Data, key)
	}
}

// MarshalSnapshot serializes a snapshot with stable field ordering so
// reload-then-serialize round-trips byte-identically.
func MarshalSnapshot(snap *store.Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}
