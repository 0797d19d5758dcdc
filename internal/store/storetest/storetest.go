// Package storetest holds the conformance suite every Store backend
// must pass. Backend test packages call Run with their constructor.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auterity/engine/internal/store"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) (store.Store, store.WorkflowStore)

// Run exercises the full Store and WorkflowStore contract against the
// backend produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("CreateAndGetExecution", func(t *testing.T) { testCreateAndGet(t, open) })
	t.Run("TransitionCAS", func(t *testing.T) { testTransitionCAS(t, open) })
	t.Run("TerminalFields", func(t *testing.T) { testTerminalFields(t, open) })
	t.Run("StepRecords", func(t *testing.T) { testStepRecords(t, open) })
	t.Run("ApplyStepResult", func(t *testing.T) { testApplyStepResult(t, open) })
	t.Run("LogSequences", func(t *testing.T) { testLogSequences(t, open) })
	t.Run("ListExecutions", func(t *testing.T) { testListExecutions(t, open) })
	t.Run("TenantSpend", func(t *testing.T) { testTenantSpend(t, open) })
	t.Run("Workflows", func(t *testing.T) { testWorkflows(t, open) })
}

func newExecution(id string) *store.Execution {
	return &store.Execution{
		ID:              id,
		WorkflowID:      "wf-1",
		WorkflowVersion: 3,
		TenantID:        "acme",
		InitiatorUserID: "user-1",
		Status:          store.ExecutionPending,
		Mode:            store.ModeAsync,
		Inputs:          map[string]any{"who": "world", "count": float64(2)},
		StartedAt:       time.Now().UTC().Truncate(time.Second),
	}
}

func testCreateAndGet(t *testing.T, open Factory) {
	st, _ := open(t)
	ctx := context.Background()

	want := newExecution("exec-1")
	require.NoError(t, st.CreateExecution(ctx, want))

	got, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.WorkflowID, got.WorkflowID)
	assert.Equal(t, want.WorkflowVersion, got.WorkflowVersion)
	assert.Equal(t, want.TenantID, got.TenantID)
	assert.Equal(t, store.ExecutionPending, got.Status)
	assert.Equal(t, store.ModeAsync, got.Mode)
	assert.Equal(t, want.Inputs, got.Inputs)
	assert.True(t, got.StartedAt.Equal(want.StartedAt))
	assert.Nil(t, got.EndedAt)

	_, err = st.GetExecution(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Error(t, st.CreateExecution(ctx, newExecution("exec-1")), "duplicate id must be rejected")
}

func testTransitionCAS(t *testing.T, open Factory) {
	st, _ := open(t)
	ctx := context.Background()
	require.NoError(t, st.CreateExecution(ctx, newExecution("exec-1")))

	require.NoError(t, st.TransitionExecution(ctx, "exec-1", store.ExecutionPending, store.ExecutionRunning, nil))

	err := st.TransitionExecution(ctx, "exec-1", store.ExecutionPending, store.ExecutionRunning, nil)
	assert.ErrorIs(t, err, store.ErrConflict)

	err = st.TransitionExecution(ctx, "missing", store.ExecutionPending, store.ExecutionRunning, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionRunning, got.Status)
}

func testTerminalFields(t *testing.T, open Factory) {
	st, _ := open(t)
	ctx := context.Background()
	require.NoError(t, st.CreateExecution(ctx, newExecution("exec-1")))
	require.NoError(t, st.TransitionExecution(ctx, "exec-1", store.ExecutionPending, store.ExecutionRunning, nil))

	ended := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.TransitionExecution(ctx, "exec-1", store.ExecutionRunning, store.ExecutionFailed, &store.TransitionFields{
		ErrorKind:    "step-failed",
		ErrorMessage: "step b failed",
		EndedAt:      &ended,
		DurationMs:   1234,
	}))

	got, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionFailed, got.Status)
	assert.Equal(t, "step-failed", got.ErrorKind)
	assert.Equal(t, "step b failed", got.ErrorMessage)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(ended))
	assert.Equal(t, int64(1234), got.DurationMs)

	st2, _ := open(t)
	require.NoError(t, st2.CreateExecution(ctx, newExecution("exec-2")))
	require.NoError(t, st2.TransitionExecution(ctx, "exec-2", store.ExecutionPending, store.ExecutionRunning, nil))
	require.NoError(t, st2.TransitionExecution(ctx, "exec-2", store.ExecutionRunning, store.ExecutionCompleted, &store.TransitionFields{
		Outputs: map[string]any{"result": "ok"},
		EndedAt: &ended,
	}))
	got, err = st2.GetExecution(ctx, "exec-2")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "ok"}, got.Outputs)
	assert.Empty(t, got.ErrorKind)
}

func testStepRecords(t *testing.T, open Factory) {
	st, _ := open(t)
	ctx := context.Background()
	require.NoError(t, st.CreateExecution(ctx, newExecution("exec-1")))

	started := time.Now().UTC().Truncate(time.Second)
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, st.UpsertStepRecord(ctx, store.StepRecord{
			ExecutionID: "exec-1",
			StepID:      id,
			Status:      store.StepRunning,
			StartedAt:   &started,
		}))
	}

	// Upsert is idempotent per (execution, step).
	require.NoError(t, st.UpsertStepRecord(ctx, store.StepRecord{
		ExecutionID: "exec-1",
		StepID:      "b",
		Status:      store.StepCompleted,
		Outputs:     map[string]any{"value": float64(7)},
		StartedAt:   &started,
		Attempts:    2,
	}))

	snap, err := st.LoadSnapshot(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, snap.StepRecords, 3)
	assert.Equal(t, "a", snap.StepRecords[0].StepID)
	assert.Equal(t, "b", snap.StepRecords[1].StepID)
	assert.Equal(t, "c", snap.StepRecords[2].StepID)
	assert.Equal(t, store.StepCompleted, snap.StepRecords[1].Status)
	assert.Equal(t, map[string]any{"value": float64(7)}, snap.StepRecords[1].Outputs)
	assert.Equal(t, 2, snap.StepRecords[1].Attempts)

	_, err = st.LoadSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testApplyStepResult(t *testing.T, open Factory) {
	st, _ := open(t)
	ctx := context.Background()
	require.NoError(t, st.CreateExecution(ctx, newExecution("exec-1")))

	_, err := st.AppendLog(ctx, store.LogEntry{
		ExecutionID: "exec-1",
		Level:       store.LevelInfo,
		Message:     "execution started",
	})
	require.NoError(t, err)

	ended := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.ApplyStepResult(ctx, store.StepResultApply{
		Record: store.StepRecord{
			ExecutionID: "exec-1",
			StepID:      "ask",
			Status:      store.StepCompleted,
			Outputs:     map[string]any{"text": "hi"},
			EndedAt:     &ended,
			Attempts:    1,
		},
		Logs: []store.LogEntry{
			{ExecutionID: "exec-1", StepID: "ask", Level: store.LevelInfo, Message: "step completed"},
		},
		Decisions: []store.RoutingDecision{
			{ExecutionID: "exec-1", StepID: "ask", ModelID: "haiku", Provider: "anthropic",
				EstimatedCostCents: 0.5, ActualCostCents: 0.3, PromptTokens: 100, CompletionTokens: 50},
			{ExecutionID: "exec-1", StepID: "ask", ModelID: "sonnet", Provider: "anthropic", FallbackDepth: 1},
		},
	}))

	snap, err := st.LoadSnapshot(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, snap.StepRecords, 1)
	assert.Equal(t, store.StepCompleted, snap.StepRecords[0].Status)
	require.Len(t, snap.RoutingDecisions, 2)
	assert.Equal(t, "haiku", snap.RoutingDecisions[0].ModelID)
	assert.InDelta(t, 0.3, snap.RoutingDecisions[0].ActualCostCents, 1e-9)

	// The applied log continues the dense sequence.
	logs, err := st.ListLogs(ctx, "exec-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(1), logs[0].Sequence)
	assert.Equal(t, int64(2), logs[1].Sequence)
	assert.Equal(t, "ask", logs[1].StepID)
}

func testLogSequences(t *testing.T, open Factory) {
	st, _ := open(t)
	ctx := context.Background()
	require.NoError(t, st.CreateExecution(ctx, newExecution("exec-1")))
	require.NoError(t, st.CreateExecution(ctx, newExecution("exec-2")))

	for i := 1; i <= 5; i++ {
		seq, err := st.AppendLog(ctx, store.LogEntry{
			ExecutionID: "exec-1",
			Level:       store.LevelInfo,
			Message:     fmt.Sprintf("line %d", i),
			Data:        map[string]any{"i": float64(i)},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}

	// Sequences are per execution.
	seq, err := st.AppendLog(ctx, store.LogEntry{ExecutionID: "exec-2", Level: store.LevelInfo, Message: "other"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	logs, err := st.ListLogs(ctx, "exec-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	for i, entry := range logs {
		assert.Equal(t, int64(i+1), entry.Sequence)
		assert.False(t, entry.Timestamp.IsZero())
	}

	// sinceSequence is exclusive.
	logs, err = st.ListLogs(ctx, "exec-1", 3, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(4), logs[0].Sequence)

	logs, err = st.ListLogs(ctx, "exec-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(2), logs[0].Sequence)
	assert.Equal(t, int64(3), logs[1].Sequence)

	logs, err = st.ListLogs(ctx, "exec-1", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func testListExecutions(t *testing.T, open Factory) {
	st, _ := open(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	seed := []struct {
		id     string
		wf     string
		tenant string
		status store.ExecutionStatus
		at     time.Time
	}{
		{"e1", "wf-1", "acme", store.ExecutionCompleted, base},
		{"e2", "wf-1", "acme", store.ExecutionFailed, base.Add(time.Minute)},
		{"e3", "wf-1", "other", store.ExecutionCompleted, base.Add(2 * time.Minute)},
		{"e4", "wf-2", "acme", store.ExecutionCompleted, base.Add(3 * time.Minute)},
		{"e5", "wf-1", "acme", store.ExecutionCompleted, base.Add(4 * time.Minute)},
	}
	for _, s := range seed {
		exec := newExecution(s.id)
		exec.WorkflowID = s.wf
		exec.TenantID = s.tenant
		exec.StartedAt = s.at
		require.NoError(t, st.CreateExecution(ctx, exec))
		if s.status != store.ExecutionPending {
			require.NoError(t, st.TransitionExecution(ctx, s.id, store.ExecutionPending, store.ExecutionRunning, nil))
			require.NoError(t, st.TransitionExecution(ctx, s.id, store.ExecutionRunning, s.status, nil))
		}
	}

	got, err := st.ListExecutions(ctx, "wf-1", store.ExecutionFilter{}, store.Page{})
	require.NoError(t, err)
	ids := executionIDs(got)
	assert.Equal(t, []string{"e5", "e3", "e2", "e1"}, ids, "most recent first")

	got, err = st.ListExecutions(ctx, "wf-1", store.ExecutionFilter{TenantID: "acme"}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e5", "e2", "e1"}, executionIDs(got))

	got, err = st.ListExecutions(ctx, "wf-1", store.ExecutionFilter{Status: store.ExecutionFailed}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, executionIDs(got))

	got, err = st.ListExecutions(ctx, "wf-1", store.ExecutionFilter{TenantID: "acme"}, store.Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"e5", "e2"}, executionIDs(got))

	got, err = st.ListExecutions(ctx, "wf-1", store.ExecutionFilter{TenantID: "acme"}, store.Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, executionIDs(got))

	got, err = st.ListExecutions(ctx, "wf-1", store.ExecutionFilter{}, store.Page{Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func executionIDs(execs []store.Execution) []string {
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.ID
	}
	return out
}

func testTenantSpend(t *testing.T, open Factory) {
	st, _ := open(t)
	ctx := context.Background()

	spend, err := st.PeriodSpendCents(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, spend)

	total, err := st.AddSpendCents(ctx, "acme", 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, total, 1e-9)

	total, err = st.AddSpendCents(ctx, "acme", 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 1.75, total, 1e-9)

	// Other tenants are unaffected.
	spend, err = st.PeriodSpendCents(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, spend)

	spend, err = st.PeriodSpendCents(ctx, "acme")
	require.NoError(t, err)
	assert.InDelta(t, 1.75, spend, 1e-9)
}

func testWorkflows(t *testing.T, open Factory) {
	_, wf := open(t)
	ctx := context.Background()

	def := []byte(`{"id":"wf-1","nodes":[]}`)
	require.NoError(t, wf.PutWorkflow(ctx, "wf-1", 1, "acme", def))

	got, version, tenant, err := wf.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, def, got)
	assert.Equal(t, 1, version)
	assert.Equal(t, "acme", tenant)

	// A new version replaces the previous one.
	def2 := []byte(`{"id":"wf-1","nodes":[{"id":"start","type":"start"}]}`)
	require.NoError(t, wf.PutWorkflow(ctx, "wf-1", 2, "acme", def2))
	got, version, _, err = wf.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, def2, got)
	assert.Equal(t, 2, version)

	_, _, _, err = wf.GetWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
