// Package store defines the durable execution state model and the
// transactional persistence contract consumed by the engine and the
// control surface. Every mutating method either commits a consistent
// state change or leaves state unchanged.
package store

import (
	"context"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "PENDING"
	ExecutionRunning    ExecutionStatus = "RUNNING"
	ExecutionCancelling ExecutionStatus = "CANCELLING"
	ExecutionCompleted  ExecutionStatus = "COMPLETED"
	ExecutionFailed     ExecutionStatus = "FAILED"
	ExecutionCancelled  ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the lifecycle state of a step record.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// LogLevel is the severity of a log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ExecutionMode distinguishes callers that block for the final
// snapshot from callers that poll.
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "sync"
	ModeAsync ExecutionMode = "async"
)

// Principal is the resolved caller identity handed in by the
// transport layer. Tenant and permission resolution happen upstream.
type Principal struct {
	TenantID    string   `json:"tenantId"`
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
}

// Has reports whether the principal holds the given permission.
func (p Principal) Has(permission string) bool {
	for _, have := range p.Permissions {
		if have == permission {
			return true
		}
	}
	return false
}

// Execution is a single run of a workflow with concrete inputs.
// Field order is stable; serializing a loaded snapshot reproduces the
// original bytes.
type Execution struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflowId"`
	WorkflowVersion int             `json:"workflowVersion"`
	TenantID        string          `json:"tenantId"`
	InitiatorUserID string          `json:"initiatorUserId"`
	Status          ExecutionStatus `json:"status"`
	Mode            ExecutionMode   `json:"mode"`

	Inputs  map[string]any `json:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`

	ErrorKind    string `json:"errorKind,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	DurationMs int64      `json:"durationMs,omitempty"`
}

// StepRecord is the durable state of one step within one execution.
type StepRecord struct {
	ExecutionID string     `json:"executionId"`
	StepID      string     `json:"stepId"`
	Status      StepStatus `json:"status"`

	Inputs  map[string]any `json:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`

	ErrorKind    string `json:"errorKind,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	StartedAt  *time.Time `json:"startedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	DurationMs int64      `json:"durationMs,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
}

// LogEntry is one line of an execution's append-only trace.
// Sequence is monotonic and dense per execution.
type LogEntry struct {
	ExecutionID string         `json:"executionId"`
	StepID      string         `json:"stepId,omitempty"`
	Sequence    int64          `json:"sequence"`
	Level       LogLevel       `json:"level"`
	Timestamp   time.Time      `json:"timestamp"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
}

// RoutingDecision records how an AI step was routed. It shares the
// lifecycle of its owning step record.
type RoutingDecision struct {
	ExecutionID        string  `json:"executionId"`
	StepID             string  `json:"stepId"`
	ModelID            string  `json:"modelId"`
	Provider           string  `json:"provider"`
	EstimatedCostCents float64 `json:"estimatedCostCents"`
	ActualCostCents    float64 `json:"actualCostCents"`
	PromptTokens       int     `json:"promptTokens"`
	CompletionTokens   int     `json:"completionTokens"`
	LatencyMs          int64   `json:"latencyMs"`
	FallbackDepth      int     `json:"fallbackDepth"`
}

// Snapshot is a consistent read of one execution and its children.
type Snapshot struct {
	Execution        *Execution        `json:"execution"`
	StepRecords      []StepRecord      `json:"stepRecords"`
	RoutingDecisions []RoutingDecision `json:"modelRoutingDecisions,omitempty"`
}

// StepResultApply bundles the writes of one step dispatch. The store
// applies all of it in a single transaction.
type StepResultApply struct {
	Record    StepRecord
	Logs      []LogEntry
	Decisions []RoutingDecision
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Status   ExecutionStatus
	TenantID string
}

// Page is offset pagination for list calls.
type Page struct {
	Limit  int
	Offset int
}

// TransitionFields carries the optional terminal fields written with
// a status transition.
type TransitionFields struct {
	Outputs      map[string]any
	ErrorKind    string
	ErrorMessage string
	EndedAt      *time.Time
	DurationMs   int64
}

// Store is the durable, transactional persistence contract.
//
// TransitionExecution is a compare-and-swap on status: the change only
// commits if the current status equals from. All writes survive
// process restart once the method returns.
type Store interface {
	// CreateExecution persists a new execution row in PENDING.
	CreateExecution(ctx context.Context, exec *Execution) error

	// TransitionExecution performs a CAS status transition, applying
	// fields atomically with the status change. Returns ErrConflict
	// when the current status differs from from.
	TransitionExecution(ctx context.Context, executionID string, from, to ExecutionStatus, fields *TransitionFields) error

	// UpsertStepRecord writes a step record, idempotent per
	// (executionID, stepID).
	UpsertStepRecord(ctx context.Context, record StepRecord) error

	// ApplyStepResult applies a step's terminal record, its logs, and
	// any routing decisions in one transaction.
	ApplyStepResult(ctx context.Context, apply StepResultApply) error

	// AppendLog appends an entry, assigning the next sequence
	// atomically. The assigned sequence is returned.
	AppendLog(ctx context.Context, entry LogEntry) (int64, error)

	// LoadSnapshot returns the execution with its step records and
	// routing decisions from a consistent snapshot.
	LoadSnapshot(ctx context.Context, executionID string) (*Snapshot, error)

	// GetExecution returns the execution row alone.
	GetExecution(ctx context.Context, executionID string) (*Execution, error)

	// ListLogs returns log entries in sequence order, starting after
	// sinceSequence (exclusive; 0 returns from the beginning).
	ListLogs(ctx context.Context, executionID string, sinceSequence int64, limit int) ([]LogEntry, error)

	// ListExecutions pages through executions of one workflow.
	ListExecutions(ctx context.Context, workflowID string, filter ExecutionFilter, page Page) ([]Execution, error)

	// AddSpendCents atomically increments a tenant's period spend
	// counter and returns the new total. The counter is the one
	// cross-execution hotspot; implementations update it under a row
	// lock.
	AddSpendCents(ctx context.Context, tenantID string, cents float64) (float64, error)

	// PeriodSpendCents returns the tenant's current period spend.
	PeriodSpendCents(ctx context.Context, tenantID string) (float64, error)
}

// WorkflowStore resolves workflow ids to their persisted definitions.
// The engine treats definitions as opaque validated inputs.
type WorkflowStore interface {
	// PutWorkflow persists a definition version.
	PutWorkflow(ctx context.Context, id string, version int, tenantID string, definition []byte) error

	// GetWorkflow returns the latest persisted definition for id.
	GetWorkflow(ctx context.Context, id string) (definition []byte, version int, tenantID string, err error)
}
