package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auterity/engine/internal/store"
	"github.com/auterity/engine/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (store.Store, store.WorkflowStore) {
		s := New()
		return s, s
	})
}

func TestStoredStateIsIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	inputs := map[string]any{"who": "world"}
	require.NoError(t, s.CreateExecution(ctx, &store.Execution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		TenantID:   "acme",
		Status:     store.ExecutionPending,
		Inputs:     inputs,
		StartedAt:  time.Now().UTC(),
	}))

	// Mutating the caller's map must not affect stored state.
	inputs["who"] = "tampered"
	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "world", got.Inputs["who"])

	// Mutating a returned copy must not affect stored state either.
	got.Inputs["who"] = "tampered"
	again, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "world", again.Inputs["who"])
}

func TestListLogsDataIsIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, &store.Execution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		TenantID:   "acme",
		Status:     store.ExecutionPending,
		StartedAt:  time.Now().UTC(),
	}))
	_, err := s.AppendLog(ctx, store.LogEntry{
		ExecutionID: "exec-1",
		Level:       store.LevelError,
		Message:     "step failed",
		Data:        map[string]any{"stack": "goroutine 1 [running]"},
	})
	require.NoError(t, err)

	logs, err := s.ListLogs(ctx, "exec-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	delete(logs[0].Data, "stack")

	// A caller mutating a returned entry must not affect stored logs.
	again, err := s.ListLogs(ctx, "exec-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Contains(t, again[0].Data, "stack")
}

func TestAppendLogUnknownExecution(t *testing.T) {
	s := New()
	_, err := s.AppendLog(context.Background(), store.LogEntry{ExecutionID: "nope", Message: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertStepRecordUnknownExecution(t *testing.T) {
	s := New()
	err := s.UpsertStepRecord(context.Background(), store.StepRecord{ExecutionID: "nope", StepID: "a"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
