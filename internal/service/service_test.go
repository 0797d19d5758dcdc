package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auterity/engine/internal/engine"
	"github.com/auterity/engine/internal/events"
	"github.com/auterity/engine/internal/store"
	"github.com/auterity/engine/internal/store/memory"
	"github.com/auterity/engine/pkg/errors"
	"github.com/auterity/engine/pkg/step"
	"github.com/auterity/engine/pkg/workflow"
)

var (
	operator = store.Principal{
		TenantID: "tenant-a",
		UserID:   "user-1",
		Permissions: []string{
			PermWorkflowWrite, PermWorkflowExecute,
			PermExecutionRead, PermExecutionCancel,
		},
	}
	debugOperator = store.Principal{
		TenantID: "tenant-a",
		UserID:   "user-2",
		Permissions: []string{
			PermWorkflowExecute, PermExecutionRead, PermExecutionDebug,
		},
	}
	outsider = store.Principal{
		TenantID: "tenant-b",
		UserID:   "user-9",
		Permissions: []string{
			PermWorkflowExecute, PermExecutionRead, PermExecutionCancel,
		},
	}
	powerless = store.Principal{TenantID: "tenant-a", UserID: "user-3"}
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	bus := events.NewBus()
	registry := step.NewBuiltinRegistry()
	eng := engine.New(st, registry, bus)
	return New(st, st, eng, registry, bus, nil), st
}

func linearWorkflowJSON(t *testing.T) []byte {
	t.Helper()
	def := workflow.Definition{
		ID: "wf-1", Version: 1, Name: "linear",
		Nodes: []workflow.Step{
			{ID: "start", Type: workflow.StepTypeStart},
			{ID: "upper", Type: workflow.StepTypeProcess, Parameters: map[string]any{"transform": "uppercase"}},
			{ID: "out", Type: workflow.StepTypeOutput},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "upper"},
			{Source: "upper", Target: "out"},
		},
	}
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	return raw
}

func putLinear(t *testing.T, svc *Service) {
	t.Helper()
	_, err := svc.PutWorkflow(context.Background(), operator, linearWorkflowJSON(t))
	require.NoError(t, err)
}

func TestPutWorkflowRejectsInvalidDefinition(t *testing.T) {
	svc, _ := newService(t)

	cyclic := workflow.Definition{
		ID: "wf-cycle", Version: 1, Name: "cycle",
		Nodes: []workflow.Step{
			{ID: "start", Type: workflow.StepTypeStart},
			{ID: "a", Type: workflow.StepTypeProcess, Parameters: map[string]any{"transform": "identity"}},
			{ID: "b", Type: workflow.StepTypeProcess, Parameters: map[string]any{"transform": "identity"}},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "a"},
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}
	raw, _ := json.Marshal(cyclic)
	_, err := svc.PutWorkflow(context.Background(), operator, raw)
	require.Error(t, err)
	assert.Equal(t, errors.KindCycleDetected, errors.KindOf(err))
}

func TestPutWorkflowRequiresPermission(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.PutWorkflow(context.Background(), powerless, linearWorkflowJSON(t))
	assert.Equal(t, errors.KindForbidden, errors.KindOf(err))
}

func TestExecuteWorkflowSync(t *testing.T) {
	svc, _ := newService(t)
	putLinear(t, svc)

	res, err := svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-1",
		Inputs:     map[string]any{"text": "hi"},
		Mode:       store.ModeSync,
		Principal:  operator,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, store.ExecutionCompleted, res.Snapshot.Execution.Status)
	assert.Equal(t, map[string]any{"text": "HI"}, res.Snapshot.Execution.Outputs)
}

func TestExecuteWorkflowAsync(t *testing.T) {
	svc, st := newService(t)
	putLinear(t, svc)

	res, err := svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-1",
		Inputs:     map[string]any{"text": "hi"},
		Mode:       store.ModeAsync,
		Principal:  operator,
	})
	require.NoError(t, err)
	assert.Nil(t, res.Snapshot)

	require.Eventually(t, func() bool {
		exec, err := st.GetExecution(context.Background(), res.ExecutionID)
		return err == nil && exec.Status == store.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteWorkflowNotFound(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "missing",
		Principal:  operator,
	})
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestExecuteWorkflowCrossTenantHiddenAsNotFound(t *testing.T) {
	svc, _ := newService(t)
	putLinear(t, svc)
	_, err := svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-1",
		Principal:  outsider,
	})
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestExecuteWorkflowRequiresPermission(t *testing.T) {
	svc, _ := newService(t)
	putLinear(t, svc)
	_, err := svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-1",
		Principal:  powerless,
	})
	assert.Equal(t, errors.KindForbidden, errors.KindOf(err))
}

func executeSync(t *testing.T, svc *Service) string {
	t.Helper()
	res, err := svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-1",
		Inputs:     map[string]any{"text": "hi"},
		Mode:       store.ModeSync,
		Principal:  operator,
	})
	require.NoError(t, err)
	return res.ExecutionID
}

func TestGetExecution(t *testing.T) {
	svc, _ := newService(t)
	putLinear(t, svc)
	id := executeSync(t, svc)

	snap, err := svc.GetExecution(context.Background(), operator, id)
	require.NoError(t, err)
	assert.Equal(t, id, snap.Execution.ID)
	assert.Len(t, snap.StepRecords, 3)

	_, err = svc.GetExecution(context.Background(), outsider, id)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

	_, err = svc.GetExecution(context.Background(), operator, "nope")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestGetExecutionLogs(t *testing.T) {
	svc, _ := newService(t)
	putLinear(t, svc)
	id := executeSync(t, svc)

	logs, err := svc.GetExecutionLogs(context.Background(), operator, id, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	for i, entry := range logs {
		assert.Equal(t, int64(i+1), entry.Sequence)
	}

	// sinceSequence is exclusive.
	tail, err := svc.GetExecutionLogs(context.Background(), operator, id, logs[0].Sequence, 100)
	require.NoError(t, err)
	assert.Len(t, tail, len(logs)-1)
}

func TestCancelExecutionIdempotentAndNotCancellable(t *testing.T) {
	svc, _ := newService(t)
	putLinear(t, svc)
	id := executeSync(t, svc)

	// Completed execution cannot be cancelled.
	err := svc.CancelExecution(context.Background(), operator, id)
	require.Error(t, err)
	assert.Equal(t, errors.KindNotCancellable, errors.KindOf(err))

	// Outsiders get not-found, not not-cancellable.
	err = svc.CancelExecution(context.Background(), outsider, id)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestCancelPendingExecution(t *testing.T) {
	svc, st := newService(t)
	putLinear(t, svc)

	exec := &store.Execution{
		ID: "exec-pending", WorkflowID: "wf-1", TenantID: "tenant-a",
		Status: store.ExecutionPending, Mode: store.ModeAsync,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	require.NoError(t, svc.CancelExecution(context.Background(), operator, exec.ID))
	got, err := st.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCancelled, got.Status)

	// Second cancel is a successful no-op.
	require.NoError(t, svc.CancelExecution(context.Background(), operator, exec.ID))
}

func TestListExecutions(t *testing.T) {
	svc, _ := newService(t)
	putLinear(t, svc)
	executeSync(t, svc)
	executeSync(t, svc)

	execs, err := svc.ListExecutions(context.Background(), operator, "wf-1", store.ExecutionFilter{}, store.Page{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, execs, 2)

	filtered, err := svc.ListExecutions(context.Background(), operator, "wf-1",
		store.ExecutionFilter{Status: store.ExecutionFailed}, store.Page{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, filtered)

	_, err = svc.ListExecutions(context.Background(), outsider, "wf-1", store.ExecutionFilter{}, store.Page{})
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestSubscribeTerminalExecutionYieldsSyntheticEvent(t *testing.T) {
	svc, _ := newService(t)
	putLinear(t, svc)
	id := executeSync(t, svc)

	ch, cancel, err := svc.Subscribe(context.Background(), operator, id)
	require.NoError(t, err)
	defer cancel()

	ev, open := <-ch
	require.True(t, open)
	assert.Equal(t, events.ExecutionTerminated, ev.Type)
	assert.Equal(t, string(store.ExecutionCompleted), ev.Status)
}

func TestLogRedactionWithoutDebugPermission(t *testing.T) {
	svc, st := newService(t)
	putLinear(t, svc)
	id := executeSync(t, svc)

	_, err := st.AppendLog(context.Background(), store.LogEntry{
		ExecutionID: id, Level: store.LevelError, Timestamp: time.Now().UTC(),
		Message: "step failed",
		Data:    map[string]any{"stack": "goroutine 1 [running]...", "errorKind": "handler-panic"},
	})
	require.NoError(t, err)

	logs, err := svc.GetExecutionLogs(context.Background(), operator, id, 0, 100)
	require.NoError(t, err)
	for _, entry := range logs {
		_, hasStack := entry.Data["stack"]
		assert.False(t, hasStack)
	}

	debugLogs, err := svc.GetExecutionLogs(context.Background(), debugOperator, id, 0, 100)
	require.NoError(t, err)
	found := false
	for _, entry := range debugLogs {
		if _, ok := entry.Data["stack"]; ok {
			found = true
		}
	}
	assert.True(t, found, "debug principals see raw detail")
}

func TestSnapshotRoundTripStableBytes(t *testing.T) {
	svc, _ := newService(t)
	putLinear(t, svc)
	id := executeSync(t, svc)

	first, err := svc.GetExecution(context.Background(), debugOperator, id)
	require.NoError(t, err)
	b1, err := MarshalSnapshot(first)
	require.NoError(t, err)

	second, err := svc.GetExecution(context.Background(), debugOperator, id)
	require.NoError(t, err)
	b2, err := MarshalSnapshot(second)
	require.NoError(t, err)

	assert.Equal(t, b1, b2)
}
