// Package memory provides an in-memory Store implementation. It is
// thread-safe and suitable for tests and single-process deployments
// where durability across restarts is not required.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/auterity/engine/internal/store"
)

// Compile-time interface assertions.
var (
	_ store.Store         = (*Store)(nil)
	_ store.WorkflowStore = (*Store)(nil)
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu         sync.RWMutex
	executions map[string]*store.Execution
	steps      map[string]map[string]*store.StepRecord
	logs       map[string][]store.LogEntry
	decisions  map[string][]store.RoutingDecision
	spend      map[string]float64
	workflows  map[string]workflowRow
}

type workflowRow struct {
	version    int
	tenantID   string
	definition []byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		executions: make(map[string]*store.Execution),
		steps:      make(map[string]map[string]*store.StepRecord),
		logs:       make(map[string][]store.LogEntry),
		decisions:  make(map[string][]store.RoutingDecision),
		spend:      make(map[string]float64),
		workflows:  make(map[string]workflowRow),
	}
}

// CreateExecution persists a new execution row.
func (s *Store) CreateExecution(ctx context.Context, exec *store.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s: %w", exec.ID, store.ErrAlreadyExists)
	}
	s.executions[exec.ID] = copyExecution(exec)
	s.steps[exec.ID] = make(map[string]*store.StepRecord)
	return nil
}

// TransitionExecution performs a CAS status transition.
func (s *Store) TransitionExecution(ctx context.Context, executionID string, from, to store.ExecutionStatus, fields *store.TransitionFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
	}
	if exec.Status != from {
		return fmt.Errorf("execution %s is %s, expected %s: %w", executionID, exec.Status, from, store.ErrConflict)
	}
	exec.Status = to
	if fields != nil {
		if fields.Outputs != nil {
			exec.Outputs = copyMap(fields.Outputs)
		}
		if fields.ErrorKind != "" {
			exec.ErrorKind = fields.ErrorKind
			exec.ErrorMessage = fields.ErrorMessage
		}
		if fields.EndedAt != nil {
			t := *fields.EndedAt
			exec.EndedAt = &t
			exec.DurationMs = fields.DurationMs
		}
	}
	return nil
}

// UpsertStepRecord writes a step record keyed by (executionID, stepID).
func (s *Store) UpsertStepRecord(ctx context.Context, record store.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.steps[record.ExecutionID]
	if !ok {
		return fmt.Errorf("execution %s: %w", record.ExecutionID, store.ErrNotFound)
	}
	records[record.StepID] = copyStepRecord(&record)
	return nil
}

// ApplyStepResult applies the record, logs, and decisions atomically
// under the store lock.
func (s *Store) ApplyStepResult(ctx context.Context, apply store.StepResultApply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	executionID := apply.Record.ExecutionID
	records, ok := s.steps[executionID]
	if !ok {
		return fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
	}
	records[apply.Record.StepID] = copyStepRecord(&apply.Record)
	for _, entry := range apply.Logs {
		s.appendLogLocked(entry)
	}
	s.decisions[executionID] = append(s.decisions[executionID], apply.Decisions...)
	return nil
}

// AppendLog appends an entry with the next sequence.
func (s *Store) AppendLog(ctx context.Context, entry store.LogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[entry.ExecutionID]; !ok {
		return 0, fmt.Errorf("execution %s: %w", entry.ExecutionID, store.ErrNotFound)
	}
	return s.appendLogLocked(entry), nil
}

func (s *Store) appendLogLocked(entry store.LogEntry) int64 {
	entry.Data = copyMap(entry.Data)
	entry.Sequence = int64(len(s.logs[entry.ExecutionID])) + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], entry)
	return entry.Sequence
}

// LoadSnapshot returns a consistent copy of the execution and its
// children.
func (s *Store) LoadSnapshot(ctx context.Context, executionID string) (*store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
	}
	snap := &store.Snapshot{Execution: copyExecution(exec)}
	ids := make([]string, 0, len(s.steps[executionID]))
	for id := range s.steps[executionID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.StepRecords = append(snap.StepRecords, *copyStepRecord(s.steps[executionID][id]))
	}
	snap.RoutingDecisions = append(snap.RoutingDecisions, s.decisions[executionID]...)
	return snap, nil
}

// GetExecution returns the execution row alone.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
	}
	return copyExecution(exec), nil
}

// ListLogs returns entries after sinceSequence in sequence order.
func (s *Store) ListLogs(ctx context.Context, executionID string, sinceSequence int64, limit int) ([]store.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.executions[executionID]; !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
	}
	var out []store.LogEntry
	for _, entry := range s.logs[executionID] {
		if entry.Sequence <= sinceSequence {
			continue
		}
		out = append(out, copyLogEntry(entry))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListExecutions pages through executions of one workflow, most
// recent first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string, filter store.ExecutionFilter, page store.Page) ([]store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*store.Execution
	for _, exec := range s.executions {
		if exec.WorkflowID != workflowID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if filter.TenantID != "" && exec.TenantID != filter.TenantID {
			continue
		}
		matched = append(matched, exec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})
	if page.Offset > 0 {
		if page.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[page.Offset:]
	}
	if page.Limit > 0 && len(matched) > page.Limit {
		matched = matched[:page.Limit]
	}
	out := make([]store.Execution, 0, len(matched))
	for _, exec := range matched {
		out = append(out, *copyExecution(exec))
	}
	return out, nil
}

// AddSpendCents atomically increments the tenant's period spend.
func (s *Store) AddSpendCents(ctx context.Context, tenantID string, cents float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spend[tenantID] += cents
	return s.spend[tenantID], nil
}

// PeriodSpendCents returns the tenant's current period spend.
func (s *Store) PeriodSpendCents(ctx context.Context, tenantID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spend[tenantID], nil
}

// PutWorkflow persists a definition version.
func (s *Store) PutWorkflow(ctx context.Context, id string, version int, tenantID string, definition []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[id] = workflowRow{
		version:    version,
		tenantID:   tenantID,
		definition: append([]byte(nil), definition...),
	}
	return nil
}

// GetWorkflow returns the latest persisted definition.
func (s *Store) GetWorkflow(ctx context.Context, id string) ([]byte, int, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.workflows[id]
	if !ok {
		return nil, 0, "", fmt.Errorf("workflow %s: %w", id, store.ErrNotFound)
	}
	return append([]byte(nil), row.definition...), row.version, row.tenantID, nil
}

// copyExecution deep-copies an execution to prevent external
// modification of stored state.
func copyExecution(e *store.Execution) *store.Execution {
	out := *e
	out.Inputs = copyMap(e.Inputs)
	out.Outputs = copyMap(e.Outputs)
	if e.EndedAt != nil {
		t := *e.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func copyLogEntry(e store.LogEntry) store.LogEntry {
	e.Data = copyMap(e.Data)
	return e
}

func copyStepRecord(r *store.StepRecord) *store.StepRecord {
	out := *r
	out.Inputs = copyMap(r.Inputs)
	out.Outputs = copyMap(r.Outputs)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// copyMap deep-copies via JSON round-trip. Values are JSON-shaped by
// construction; a marshal failure here would be a programming error.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
