package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auterity/engine/internal/store"
	"github.com/auterity/engine/internal/store/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "engine.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (store.Store, store.WorkflowStore) {
		s := openTestStore(t)
		return s, s
	})
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	ctx := context.Background()

	s, err := New(Config{Path: path, WAL: true})
	require.NoError(t, err)
	require.NoError(t, s.CreateExecution(ctx, &store.Execution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		TenantID:   "acme",
		Status:     store.ExecutionPending,
		Mode:       store.ModeAsync,
		Inputs:     map[string]any{"who": "world"},
		StartedAt:  time.Now().UTC().Truncate(time.Second),
	}))
	_, err = s.AppendLog(ctx, store.LogEntry{ExecutionID: "exec-1", Level: store.LevelInfo, Message: "started"})
	require.NoError(t, err)
	_, err = s.AddSpendCents(ctx, "acme", 2.5)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(Config{Path: path, WAL: true})
	require.NoError(t, err)
	defer s.Close()

	exec, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionPending, exec.Status)
	assert.Equal(t, map[string]any{"who": "world"}, exec.Inputs)

	logs, err := s.ListLogs(ctx, "exec-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(1), logs[0].Sequence)

	spend, err := s.PeriodSpendCents(ctx, "acme")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, spend, 1e-9)
}

func TestDeleteCascadesToChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, &store.Execution{
		ID: "exec-1", WorkflowID: "wf-1", TenantID: "acme",
		Status: store.ExecutionPending, Mode: store.ModeAsync,
		StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.UpsertStepRecord(ctx, store.StepRecord{
		ExecutionID: "exec-1", StepID: "a", Status: store.StepCompleted,
	}))
	require.NoError(t, s.ApplyStepResult(ctx, store.StepResultApply{
		Record: store.StepRecord{ExecutionID: "exec-1", StepID: "ask", Status: store.StepCompleted},
		Decisions: []store.RoutingDecision{
			{ExecutionID: "exec-1", StepID: "ask", ModelID: "haiku", Provider: "anthropic"},
		},
	}))

	_, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, "exec-1")
	require.NoError(t, err)

	var steps, decisions int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_records WHERE execution_id = ?`, "exec-1").Scan(&steps))
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM routing_decisions WHERE execution_id = ?`, "exec-1").Scan(&decisions))
	assert.Zero(t, steps)
	assert.Zero(t, decisions)
}

func TestListExecutionsOffsetWithoutLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, s.CreateExecution(ctx, &store.Execution{
			ID: id, WorkflowID: "wf-1", TenantID: "acme",
			Status: store.ExecutionPending, Mode: store.ModeAsync,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	execs, err := s.ListExecutions(ctx, "wf-1", store.ExecutionFilter{}, store.Page{Offset: 1})
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "e2", execs[0].ID)
	assert.Equal(t, "e1", execs[1].ID)
}

func TestStepRecordRequiresExecution(t *testing.T) {
	s := openTestStore(t)
	err := s.UpsertStepRecord(context.Background(), store.StepRecord{
		ExecutionID: "nope", StepID: "a", Status: store.StepPending,
	})
	assert.Error(t, err, "foreign key enforcement rejects orphan step records")
}
