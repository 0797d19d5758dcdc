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

// Package metrics exposes engine counters over Prometheus. The
// Recorder feeds them from the event bus so the engine itself stays
// metrics-agnostic.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/auterity/engine/internal/events"
	"github.com/auterity/engine/internal/store"
)

var (
	// executionsStarted tracks executions entering RUNNING
	executionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auterity_executions_started_total",
			Help: "Total executions started by workflow id",
		},
		[]string{"workflow_id"},
	)

	// executionsTerminated tracks terminal executions by status
	executionsTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auterity_executions_terminated_total",
			Help: "Total terminal executions by workflow id and status",
		},
		[]string{"workflow_id", "status"},
	)

	// executionsActive tracks in-flight executions
	executionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auterity_executions_active",
			Help: "Number of currently running executions",
		},
	)

	// stepsCompleted tracks step terminations by outcome
	stepsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auterity_steps_total",
			Help: "Total terminal steps by outcome",
		},
		[]string{"outcome"},
	)

	// stepFailures tracks step failures by error kind
	stepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auterity_step_failures_total",
			Help: "Total step failures by error kind",
		},
		[]string{"error_kind"},
	)

	// eventsDropped tracks bus events dropped on full subscribers
	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auterity_events_dropped_total",
			Help: "Total bus events dropped due to full subscriber buffers",
		},
	)
)

// Recorder consumes the event bus and updates the counters. Run it in
// its own goroutine for the life of the process.
type Recorder struct {
	bus *events.Bus
}

// NewRecorder creates a recorder over the bus.
func NewRecorder(bus *events.Bus) *Recorder {
	return &Recorder{bus: bus}
}

// Run subscribes to all executions and records until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	ch, cancel := r.bus.Subscribe("")
	defer cancel()

	var lastDropped int64
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ev)
			if d := r.bus.Dropped(); d > lastDropped {
				eventsDropped.Add(float64(d - lastDropped))
				lastDropped = d
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Recorder) record(ev events.Event) {
	switch ev.Type {
	case events.ExecutionStarted:
		executionsStarted.WithLabelValues(ev.WorkflowID).Inc()
		executionsActive.Inc()
	case events.ExecutionTerminated:
		executionsTerminated.WithLabelValues(ev.WorkflowID, ev.Status).Inc()
		executionsActive.Dec()
	case events.StepCompleted:
		stepsCompleted.WithLabelValues(string(store.StepCompleted)).Inc()
	case events.StepFailed:
		stepsCompleted.WithLabelValues(string(store.StepFailed)).Inc()
		stepFailures.WithLabelValues(ev.ErrorKind).Inc()
	}
}
