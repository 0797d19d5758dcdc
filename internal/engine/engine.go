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

// Package engine drives a single execution through its lifecycle: it
// computes the ready set over the validated DAG, dispatches step
// handlers concurrently, applies results transactionally, and owns
// cancellation and timeout propagation.
package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/auterity/engine/internal/events"
	"github.com/auterity/engine/internal/store"
	"github.com/auterity/engine/pkg/ai"
	"github.com/auterity/engine/pkg/errors"
	"github.com/auterity/engine/pkg/step"
	"github.com/auterity/engine/pkg/workflow"
)

// Defaults for the knobs the definition or the caller may override.
const (
	DefaultMaxConcurrency   = 8
	DefaultStepTimeout      = 5 * time.Minute
	DefaultExecutionTimeout = time.Hour
	DefaultGracePeriod      = 30 * time.Second
	DefaultPoolSize         = 64

	// storeRetryAttempts bounds retries of transactional writes when
	// the store reports unavailability.
	storeRetryAttempts = 3
)

// Engine executes validated workflows against the store, publishing
// lifecycle events on the bus. One Engine serves all executions; the
// pool semaphore bounds total in-flight steps across executions.
type Engine struct {
	store    store.Store
	registry *step.Registry
	bus      *events.Bus
	ai       step.AIClient
	secrets  step.SecretAccessor
	logger   *slog.Logger
	tracer   trace.Tracer
	pool     *semaphore.Weighted

	stepTimeout time.Duration
	execTimeout time.Duration
	grace       time.Duration
	maxConc     int

	mu     sync.Mutex
	active map[string]*cancelSignal
}

type cancelSignal struct {
	once sync.Once
	ch   chan struct{}
}

func (c *cancelSignal) fire() { c.once.Do(func() { close(c.ch) }) }

// Option customizes an Engine.
type Option func(*Engine)

// WithAIClient wires the AI routing client used by ai steps.
func WithAIClient(client step.AIClient) Option {
	return func(e *Engine) { e.ai = client }
}

// WithSecrets wires the tenant-scoped secret accessor.
func WithSecrets(secrets step.SecretAccessor) Option {
	return func(e *Engine) { e.secrets = secrets }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPoolSize bounds in-flight steps process-wide.
func WithPoolSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pool = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithStepTimeout overrides the default per-step timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithExecutionTimeout overrides the default per-execution timeout.
func WithExecutionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.execTimeout = d
		}
	}
}

// WithGracePeriod overrides the cancellation grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithMaxConcurrency overrides the default per-execution step
// parallelism. A definition's own maxConcurrency still wins.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConc = n
		}
	}
}

// New creates an Engine over the given store, handler registry, and
// event bus.
func New(st store.Store, registry *step.Registry, bus *events.Bus, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		registry:    registry,
		bus:         bus,
		logger:      slog.Default(),
		tracer:      otel.Tracer("auterity/engine"),
		pool:        semaphore.NewWeighted(DefaultPoolSize),
		stepTimeout: DefaultStepTimeout,
		execTimeout: DefaultExecutionTimeout,
		grace:       DefaultGracePeriod,
		maxConc:     DefaultMaxConcurrency,
		active:      make(map[string]*cancelSignal),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cancel requests cooperative cancellation of an in-process execution.
// It returns false when the execution is not running in this process.
// Cancellation is idempotent.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	sig, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	sig.fire()
	return true
}

func (e *Engine) register(executionID string) *cancelSignal {
	sig := &cancelSignal{ch: make(chan struct{})}
	e.mu.Lock()
	e.active[executionID] = sig
	e.mu.Unlock()
	return sig
}

func (e *Engine) unregister(executionID string) {
	e.mu.Lock()
	delete(e.active, executionID)
	e.mu.Unlock()
}

// outcome is one finished step dispatch, delivered to the engine loop.
type outcome struct {
	stepID    string
	status    store.StepStatus
	output    map[string]any
	decisions []store.RoutingDecision
	errKind   errors.Kind
	errMsg    string
	rawErr    error
	startedAt time.Time
	endedAt   time.Time
	attempts  int
}

// drainTarget tracks why the loop stopped dispatching.
type drainTarget struct {
	status  store.ExecutionStatus
	kind    errors.Kind
	message string
}

// Run drives one execution to a terminal status. The execution row
// must already exist in PENDING. timeout <= 0 applies the default
// execution timeout.
func (e *Engine) Run(ctx context.Context, dag *workflow.Validated, exec *store.Execution, timeout time.Duration) error {
	ctx, span := e.tracer.Start(ctx, "execution.run", trace.WithAttributes(
		attribute.String("execution_id", exec.ID),
		attribute.String("workflow_id", exec.WorkflowID),
	))
	defer span.End()

	logger := e.logger.With("execution_id", exec.ID, "workflow_id", exec.WorkflowID)

	if timeout <= 0 {
		if def := dag.Definition(); def.DefaultTimeoutMs > 0 {
			timeout = time.Duration(def.DefaultTimeoutMs) * time.Millisecond
		} else {
			timeout = e.execTimeout
		}
	}

	if err := e.transition(ctx, exec.ID, store.ExecutionPending, store.ExecutionRunning, nil); err != nil {
		return err
	}
	exec.Status = store.ExecutionRunning

	sig := e.register(exec.ID)
	defer e.unregister(exec.ID)

	e.appendEngineLog(ctx, exec.ID, "", store.LevelInfo, "execution started", map[string]any{
		"workflowId": exec.WorkflowID,
		"version":    exec.WorkflowVersion,
	})
	e.bus.Publish(events.Event{
		Type:        events.ExecutionStarted,
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		WorkflowID:  exec.WorkflowID,
		Status:      string(store.ExecutionRunning),
	})

	execCtx, cancelExec := context.WithTimeout(ctx, timeout)
	defer cancelExec()
	stepsCtx, cancelSteps := context.WithCancel(execCtx)
	defer cancelSteps()

	r := &run{
		engine:   e,
		exec:     exec,
		dag:      dag,
		sched:    newScheduler(dag),
		logger:   logger,
		// Buffered so late finishers past the grace period never block
		// on a departed loop.
		outcomes: make(chan *outcome, len(dag.Reachable())),
		maxConc:  e.effectiveConcurrency(dag.Definition()),
	}

	target := r.loop(ctx, execCtx, stepsCtx, cancelSteps, sig.ch)
	return r.finalize(ctx, target)
}

func (e *Engine) effectiveConcurrency(def *workflow.Definition) int {
	if def.MaxConcurrency > 0 {
		return def.MaxConcurrency
	}
	return e.maxConc
}

// run is the per-execution loop state. The loop goroutine owns all of
// it; dispatch goroutines communicate only through the outcomes
// channel.
type run struct {
	engine *Engine
	exec   *store.Execution
	dag    *workflow.Validated
	sched  *scheduler
	logger *slog.Logger

	outcomes chan *outcome
	inFlight int
	maxConc  int

	// stepOutputs accumulates completed step outputs for binding
	// resolution and output gathering.
	stepOutputs map[string]map[string]any

	firstErr *outcome
}

// loop is step 4 of the lifecycle: dispatch, await, apply, repeat. It
// returns the terminal target once every dispatched step has been
// applied or the grace period expired.
func (r *run) loop(ctx, execCtx, stepsCtx context.Context, cancelSteps context.CancelFunc, cancelCh <-chan struct{}) drainTarget {
	r.stepOutputs = make(map[string]map[string]any)
	policy := r.dag.Definition().Policy()

	for {
		r.applySkips(ctx)

		if r.sched.done() && r.inFlight == 0 {
			if r.sched.anyFailed() {
				return drainTarget{status: store.ExecutionFailed, kind: r.failKind(), message: r.failMessage()}
			}
			return drainTarget{status: store.ExecutionCompleted}
		}

		if r.sched.stuck() && r.inFlight == 0 {
			return drainTarget{
				status:  store.ExecutionFailed,
				kind:    errors.KindStuckDAG,
				message: "no step is ready, running, or skippable yet the execution is not done",
			}
		}

		for _, id := range r.sched.ready() {
			if r.inFlight >= r.maxConc {
				break
			}
			r.dispatch(ctx, stepsCtx, id)
		}

		select {
		case out := <-r.outcomes:
			r.inFlight--
			r.apply(ctx, out)
			if out.status == store.StepFailed && policy == workflow.FailFast {
				cancelSteps()
				return r.drain(ctx, drainTarget{
					status:  store.ExecutionFailed,
					kind:    r.failKind(),
					message: r.failMessage(),
				})
			}

		case <-cancelCh:
			if err := r.engine.transition(ctx, r.exec.ID, store.ExecutionRunning, store.ExecutionCancelling, nil); err == nil {
				r.exec.Status = store.ExecutionCancelling
				r.engine.bus.Publish(events.Event{
					Type:        events.ExecutionStatusChanged,
					ExecutionID: r.exec.ID,
					TenantID:    r.exec.TenantID,
					Status:      string(store.ExecutionCancelling),
				})
			}
			cancelSteps()
			return r.drain(ctx, drainTarget{
				status:  store.ExecutionCancelled,
				kind:    errors.KindCancelledByUser,
				message: "execution cancelled by user",
			})

		case <-execCtx.Done():
			cancelSteps()
			return r.drain(ctx, drainTarget{
				status:  store.ExecutionFailed,
				kind:    errors.KindExecutionTimeout,
				message: "execution exceeded its timeout",
			})
		}
	}
}

// drain awaits in-flight steps up to the grace period, then force-marks
// stragglers CANCELLED and skips or cancels the never-dispatched rest.
func (r *run) drain(ctx context.Context, target drainTarget) drainTarget {
	graceTimer := time.NewTimer(r.engine.grace)
	defer graceTimer.Stop()

	for r.inFlight > 0 {
		select {
		case out := <-r.outcomes:
			r.inFlight--
			r.apply(ctx, out)
		case <-graceTimer.C:
			r.forceCancelRunning(ctx)
			r.inFlight = 0
		}
	}

	// Never-dispatched steps: downstream of a failure they are
	// SKIPPED with the upstream reason; under cancellation or timeout
	// they are CANCELLED. When fail-fast stopped dispatch, the failed
	// step's kind stays off these records.
	cancelKind := target.kind
	if target.status == store.ExecutionFailed && target.kind != errors.KindExecutionTimeout {
		cancelKind = ""
	}
	r.applySkips(ctx)
	for _, id := range r.sched.pendingIDs() {
		r.sched.markTerminal(id, store.StepCancelled)
		now := time.Now().UTC()
		rec := store.StepRecord{
			ExecutionID: r.exec.ID,
			StepID:      id,
			Status:      store.StepCancelled,
			ErrorKind:   string(cancelKind),
			EndedAt:     &now,
		}
		if err := r.engine.upsertWithRetry(ctx, rec); err != nil {
			r.logger.Error("failed to persist cancelled step record", "step_id", id, "error", err)
		}
	}
	return target
}

// forceCancelRunning finalizes records of steps whose handlers ignored
// cancellation past the grace period.
func (r *run) forceCancelRunning(ctx context.Context) {
	for _, id := range r.sched.runningIDs() {
		r.sched.markTerminal(id, store.StepCancelled)
		now := time.Now().UTC()
		rec := store.StepRecord{
			ExecutionID:  r.exec.ID,
			StepID:       id,
			Status:       store.StepCancelled,
			ErrorKind:    string(errors.KindCancelledByUser),
			ErrorMessage: "handler did not finish within the cancellation grace period",
			EndedAt:      &now,
		}
		if err := r.engine.upsertWithRetry(ctx, rec); err != nil {
			r.logger.Error("failed to persist forced cancellation", "step_id", id, "error", err)
		}
		r.logger.Warn("step ignored cancellation past grace period", "step_id", id)
	}
}

// applySkips persists skip decisions computed from the DAG.
func (r *run) applySkips(ctx context.Context) {
	for _, sk := range r.sched.propagateSkips() {
		now := time.Now().UTC()
		rec := store.StepRecord{
			ExecutionID: r.exec.ID,
			StepID:      sk.StepID,
			Status:      store.StepSkipped,
			ErrorKind:   string(sk.Reason),
			EndedAt:     &now,
		}
		if err := r.engine.upsertWithRetry(ctx, rec); err != nil {
			r.logger.Error("failed to persist skip", "step_id", sk.StepID, "error", err)
		}
		r.engine.appendEngineLog(ctx, r.exec.ID, sk.StepID, store.LevelInfo, "step skipped", map[string]any{
			"reason": string(sk.Reason),
		})
	}
}

// dispatch marks a step RUNNING and launches its handler on the shared
// pool.
func (r *run) dispatch(ctx, stepsCtx context.Context, id string) {
	node := r.dag.Step(id)
	started := time.Now().UTC()

	inputs, err := r.resolveInputs(node)
	if err != nil {
		r.sched.markRunning(id)
		r.inFlight++
		out := failureOutcome(id, err, started)
		go func() { r.outcomes <- out }()
		return
	}

	rec := store.StepRecord{
		ExecutionID: r.exec.ID,
		StepID:      id,
		Status:      store.StepRunning,
		Inputs:      inputs,
		StartedAt:   &started,
		Attempts:    1,
	}
	if err := r.engine.upsertWithRetry(ctx, rec); err != nil {
		r.sched.markRunning(id)
		r.inFlight++
		out := failureOutcome(id, &errors.StoreError{Op: "upsert step record", Cause: err}, started)
		go func() { r.outcomes <- out }()
		return
	}

	r.sched.markRunning(id)
	r.inFlight++

	r.engine.appendEngineLog(ctx, r.exec.ID, id, store.LevelInfo, "step started", nil)
	r.engine.bus.Publish(events.Event{
		Type:        events.StepStarted,
		ExecutionID: r.exec.ID,
		TenantID:    r.exec.TenantID,
		StepID:      id,
	})

	go r.engine.execute(stepsCtx, r.exec, node, inputs, r.outcomes, started)
}

// execute runs one handler on the shared pool, converting panics and
// context errors into structured outcomes.
func (e *Engine) execute(ctx context.Context, exec *store.Execution, node *workflow.Step, inputs map[string]any, outcomes chan<- *outcome, started time.Time) {
	id := node.ID

	if err := e.pool.Acquire(ctx, 1); err != nil {
		outcomes <- cancelledOutcome(id, started)
		return
	}
	defer e.pool.Release(1)

	handler, err := e.registry.Get(node.Type)
	if err != nil {
		outcomes <- failureOutcome(id, err, started)
		return
	}

	timeout := stepTimeout(node, handler, e.stepTimeout)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sc := &step.Context{
		Meta:            step.RecordMeta{ExecutionID: exec.ID, StepID: id, Attempt: 1},
		TenantID:        exec.TenantID,
		ExecutionInputs: exec.Inputs,
		Logger:          e.logger.With("execution_id", exec.ID, "step_id", id),
		AI:              e.ai,
		Secrets:         e.secrets,
	}

	res, attempts, err := e.invokeHandler(stepCtx, handler, node, inputs, sc)
	ended := time.Now().UTC()

	out := &outcome{stepID: id, startedAt: started, endedAt: ended, attempts: attempts}
	switch {
	case err == nil:
		out.status = store.StepCompleted
		out.output = res.Output
		out.decisions = toStoreDecisions(exec.ID, id, res.Decisions)
	case ctx.Err() != nil && stepCtx.Err() != context.DeadlineExceeded:
		// The execution-level signal fired, not the step's own
		// deadline.
		out.status = store.StepCancelled
		out.errKind = errors.KindCancelledByUser
		out.errMsg = "step cancelled"
	default:
		out.status = store.StepFailed
		out.errKind = errors.KindOf(err)
		if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			out.errKind = errors.KindTimeout
		}
		out.errMsg = userSafeMessage(err)
		out.rawErr = err
	}
	outcomes <- out
}

// invokeHandler calls the handler with panic recovery, retrying
// transient failures of idempotent handlers up to three attempts.
func (e *Engine) invokeHandler(ctx context.Context, handler step.Handler, node *workflow.Step, inputs map[string]any, sc *step.Context) (res *step.Result, attempts int, err error) {
	const maxAttempts = 3
	backoff := 100 * time.Millisecond

	for {
		attempts++
		sc.Meta.Attempt = attempts
		res, err = e.safeExecute(ctx, handler, node, inputs, sc)
		if err == nil {
			return res, attempts, nil
		}
		if !handler.Idempotent() || attempts >= maxAttempts || !errors.IsTransient(err) || ctx.Err() != nil {
			return nil, attempts, err
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, attempts, ctx.Err()
		}
	}
}

// safeExecute converts handler panics into handler-panic step errors.
// The raw panic is logged at ERROR; the record carries a sanitized
// message.
func (e *Engine) safeExecute(ctx context.Context, handler step.Handler, node *workflow.Step, inputs map[string]any, sc *step.Context) (res *step.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("step handler panicked",
				"execution_id", sc.Meta.ExecutionID,
				"step_id", node.ID,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			res = nil
			err = &errors.StepError{
				Kind:    errors.KindHandlerPanic,
				StepID:  node.ID,
				Message: "step handler terminated unexpectedly",
			}
		}
	}()
	return handler.Execute(ctx, node, inputs, sc)
}

// apply persists one step outcome transactionally and updates the
// scheduler and gathered outputs.
func (r *run) apply(ctx context.Context, out *outcome) {
	r.sched.markTerminal(out.stepID, out.status)

	rec := store.StepRecord{
		ExecutionID:  r.exec.ID,
		StepID:       out.stepID,
		Status:       out.status,
		Outputs:      out.output,
		ErrorKind:    string(out.errKind),
		ErrorMessage: out.errMsg,
		StartedAt:    &out.startedAt,
		EndedAt:      &out.endedAt,
		DurationMs:   out.endedAt.Sub(out.startedAt).Milliseconds(),
		Attempts:     out.attempts,
	}

	var logs []store.LogEntry
	now := time.Now().UTC()
	switch out.status {
	case store.StepCompleted:
		logs = append(logs, store.LogEntry{
			ExecutionID: r.exec.ID, StepID: out.stepID,
			Level: store.LevelInfo, Timestamp: now, Message: "step completed",
			Data: map[string]any{"durationMs": rec.DurationMs},
		})
	case store.StepFailed:
		logs = append(logs, store.LogEntry{
			ExecutionID: r.exec.ID, StepID: out.stepID,
			Level: store.LevelError, Timestamp: now, Message: "step failed",
			Data: map[string]any{"errorKind": string(out.errKind), "message": out.errMsg},
		})
	case store.StepCancelled:
		logs = append(logs, store.LogEntry{
			ExecutionID: r.exec.ID, StepID: out.stepID,
			Level: store.LevelWarn, Timestamp: now, Message: "step cancelled",
		})
	}

	apply := store.StepResultApply{Record: rec, Logs: logs, Decisions: out.decisions}
	if err := r.engine.applyWithRetry(ctx, apply); err != nil {
		r.logger.Error("failed to apply step result", "step_id", out.stepID, "error", err)
		// Persistence failure converts the step into a store failure;
		// logs may be incomplete in this scenario.
		r.sched.markTerminal(out.stepID, store.StepFailed)
		out.status = store.StepFailed
		out.errKind = errors.KindStoreUnavailable
		out.errMsg = "failed to persist step result"
	}

	if out.rawErr != nil {
		r.logger.Error("step failed", "step_id", out.stepID, "error_kind", string(out.errKind), "error", out.rawErr)
	}

	switch out.status {
	case store.StepCompleted:
		r.stepOutputs[out.stepID] = out.output
		r.engine.bus.Publish(events.Event{
			Type:        events.StepCompleted,
			ExecutionID: r.exec.ID,
			TenantID:    r.exec.TenantID,
			StepID:      out.stepID,
		})
	case store.StepFailed:
		if r.firstErr == nil {
			r.firstErr = out
		}
		r.engine.bus.Publish(events.Event{
			Type:        events.StepFailed,
			ExecutionID: r.exec.ID,
			TenantID:    r.exec.TenantID,
			StepID:      out.stepID,
			ErrorKind:   string(out.errKind),
		})
	}
}

// gatherOutputs merges completed output-step results into the
// execution output object. Output steps are visited in lexicographic
// id order, last writer wins per key, so the result does not depend on
// completion timing.
func (r *run) gatherOutputs() map[string]any {
	outputs := make(map[string]any)
	written := make(map[string]string)
	for _, id := range r.dag.OutputSteps() {
		result, completed := r.stepOutputs[id]
		if !completed {
			continue
		}
		for k, v := range result {
			if prev, collided := written[k]; collided && prev != id {
				r.logger.Warn("output key collision, last writer wins",
					"key", k, "previous_step", prev, "step_id", id)
			}
			outputs[k] = v
			written[k] = id
		}
	}
	return outputs
}

func (r *run) failKind() errors.Kind {
	if r.firstErr != nil {
		return r.firstErr.errKind
	}
	return errors.KindStuckDAG
}

func (r *run) failMessage() string {
	if r.firstErr != nil {
		return fmt.Sprintf("step %q failed: %s", r.firstErr.stepID, r.firstErr.errMsg)
	}
	return "execution failed"
}

// finalize writes the terminal transition, emits the terminal log and
// event, and returns the caller-facing error for failed executions.
func (r *run) finalize(ctx context.Context, target drainTarget) error {
	ended := time.Now().UTC()
	fields := &store.TransitionFields{
		ErrorKind:    string(target.kind),
		ErrorMessage: target.message,
		EndedAt:      &ended,
		DurationMs:   ended.Sub(r.exec.StartedAt).Milliseconds(),
	}
	if target.status == store.ExecutionCompleted {
		fields.Outputs = r.gatherOutputs()
	}

	from := r.exec.Status
	if err := r.engine.transition(ctx, r.exec.ID, from, target.status, fields); err != nil {
		r.logger.Error("failed to finalize execution", "error", err)
		return err
	}
	r.exec.Status = target.status
	r.exec.Outputs = fields.Outputs
	r.exec.ErrorKind = fields.ErrorKind
	r.exec.ErrorMessage = fields.ErrorMessage
	r.exec.EndedAt = &ended
	r.exec.DurationMs = fields.DurationMs

	level := store.LevelInfo
	if target.status == store.ExecutionFailed {
		level = store.LevelError
	}
	r.engine.appendEngineLog(ctx, r.exec.ID, "", level, "execution terminated", map[string]any{
		"status":    string(target.status),
		"errorKind": string(target.kind),
	})
	r.engine.bus.Publish(events.Event{
		Type:        events.ExecutionTerminated,
		ExecutionID: r.exec.ID,
		TenantID:    r.exec.TenantID,
		WorkflowID:  r.exec.WorkflowID,
		Status:      string(target.status),
		ErrorKind:   string(target.kind),
	})

	if target.status == store.ExecutionFailed {
		return &errors.StepError{Kind: target.kind, Message: target.message}
	}
	return nil
}

// resolveInputs materializes a step's inputs from its bindings. Steps
// without bindings inherit the merged outputs of their predecessors in
// lexicographic order.
func (r *run) resolveInputs(node *workflow.Step) (map[string]any, error) {
	if len(node.InputBindings) == 0 {
		merged := make(map[string]any)
		for _, pred := range r.dag.Predecessors(node.ID) {
			for k, v := range r.stepOutputs[pred] {
				merged[k] = v
			}
		}
		return merged, nil
	}

	inputs := make(map[string]any, len(node.InputBindings))
	for name, binding := range node.InputBindings {
		switch {
		case binding.Literal != nil:
			var v any
			if err := json.Unmarshal(binding.Literal, &v); err != nil {
				return nil, &errors.StepError{
					Kind:    errors.KindBindingUnresolved,
					StepID:  node.ID,
					Message: fmt.Sprintf("literal for input %q does not decode", name),
					Cause:   err,
				}
			}
			inputs[name] = v

		case binding.StepID != "":
			upstream, ok := r.stepOutputs[binding.StepID]
			if !ok {
				return nil, &errors.StepError{
					Kind:    errors.KindBindingUnresolved,
					StepID:  node.ID,
					Message: fmt.Sprintf("input %q references step %q which produced no output", name, binding.StepID),
				}
			}
			if binding.OutputName == "" {
				inputs[name] = upstream
				break
			}
			v, ok := upstream[binding.OutputName]
			if !ok {
				return nil, &errors.StepError{
					Kind:    errors.KindBindingUnresolved,
					StepID:  node.ID,
					Message: fmt.Sprintf("input %q references missing output %q of step %q", name, binding.OutputName, binding.StepID),
				}
			}
			inputs[name] = v

		case binding.Input != "":
			v, ok := r.exec.Inputs[binding.Input]
			if !ok {
				return nil, &errors.StepError{
					Kind:    errors.KindBindingUnresolved,
					StepID:  node.ID,
					Message: fmt.Sprintf("input %q references undeclared execution input %q", name, binding.Input),
				}
			}
			inputs[name] = v
		}
	}
	return inputs, nil
}

// stepTimeout resolves the per-step timeout from parameters, then the
// handler default, then the engine default.
func stepTimeout(node *workflow.Step, handler step.Handler, engineDefault time.Duration) time.Duration {
	if v, ok := node.Parameters["timeoutMs"]; ok {
		if ms, ok := v.(float64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if d := handler.DefaultTimeout(); d > 0 {
		return d
	}
	return engineDefault
}

// transition performs a CAS status transition, retrying on store
// unavailability.
func (e *Engine) transition(ctx context.Context, executionID string, from, to store.ExecutionStatus, fields *store.TransitionFields) error {
	return e.retryStore(ctx, func() error {
		return e.store.TransitionExecution(ctx, executionID, from, to, fields)
	})
}

func (e *Engine) upsertWithRetry(ctx context.Context, rec store.StepRecord) error {
	return e.retryStore(ctx, func() error {
		return e.store.UpsertStepRecord(ctx, rec)
	})
}

func (e *Engine) applyWithRetry(ctx context.Context, apply store.StepResultApply) error {
	return e.retryStore(ctx, func() error {
		return e.store.ApplyStepResult(ctx, apply)
	})
}

// retryStore retries transient store failures up to storeRetryAttempts
// with a short linear backoff. CAS conflicts are not transient and
// return immediately.
func (e *Engine) retryStore(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= storeRetryAttempts; attempt++ {
		err = op()
		if err == nil || !errors.IsTransient(err) || ctx.Err() != nil {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

// appendEngineLog writes an engine-level log line and publishes the
// log-appended event. Log failures are reported but never abort the
// execution.
func (e *Engine) appendEngineLog(ctx context.Context, executionID, stepID string, level store.LogLevel, message string, data map[string]any) {
	seq, err := e.store.AppendLog(ctx, store.LogEntry{
		ExecutionID: executionID,
		StepID:      stepID,
		Level:       level,
		Timestamp:   time.Now().UTC(),
		Message:     message,
		Data:        data,
	})
	if err != nil {
		e.logger.Error("failed to append execution log", "execution_id", executionID, "error", err)
		return
	}
	e.bus.Publish(events.Event{
		Type:        events.LogAppended,
		ExecutionID: executionID,
		StepID:      stepID,
		Sequence:    seq,
	})
}

func failureOutcome(id string, err error, started time.Time) *outcome {
	return &outcome{
		stepID:    id,
		status:    store.StepFailed,
		errKind:   errors.KindOf(err),
		errMsg:    userSafeMessage(err),
		rawErr:    err,
		startedAt: started,
		endedAt:   time.Now().UTC(),
		attempts:  1,
	}
}

func cancelledOutcome(id string, started time.Time) *outcome {
	return &outcome{
		stepID:    id,
		status:    store.StepCancelled,
		errKind:   errors.KindCancelledByUser,
		errMsg:    "step cancelled",
		startedAt: started,
		endedAt:   time.Now().UTC(),
		attempts:  1,
	}
}

// userSafeMessage strips provider internals; the raw error goes to the
// ERROR log, not the record.
func userSafeMessage(err error) string {
	var kinder errors.Kinder
	if stderrors.As(err, &kinder) {
		return err.Error()
	}
	return "internal error"
}

func toStoreDecisions(executionID, stepID string, decisions []ai.Decision) []store.RoutingDecision {
	out := make([]store.RoutingDecision, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, store.RoutingDecision{
			ExecutionID:        executionID,
			StepID:             stepID,
			ModelID:            d.ModelID,
			Provider:           d.Provider,
			EstimatedCostCents: d.EstimatedCostCents,
			ActualCostCents:    d.ActualCostCents,
			PromptTokens:       d.PromptTokens,
			CompletionTokens:   d.CompletionTokens,
			LatencyMs:          d.LatencyMs,
			FallbackDepth:      d.FallbackDepth,
		})
	}
	return out
}
