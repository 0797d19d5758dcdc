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

package engine

import (
	"sort"

	"github.com/auterity/engine/internal/store"
	"github.com/auterity/engine/pkg/errors"
	"github.com/auterity/engine/pkg/workflow"
)

// scheduler tracks per-execution step states over the validated DAG
// and computes the ready set. It is not safe for concurrent use; the
// engine loop owns it.
type scheduler struct {
	dag    *workflow.Validated
	status map[string]store.StepStatus

	// skipReason records why a step was skipped, keyed by step id.
	skipReason map[string]errors.Kind
}

// skip is one skip decision to persist.
type skip struct {
	StepID string
	Reason errors.Kind
}

func newScheduler(dag *workflow.Validated) *scheduler {
	s := &scheduler{
		dag:        dag,
		status:     make(map[string]store.StepStatus),
		skipReason: make(map[string]errors.Kind),
	}
	for _, id := range dag.Reachable() {
		s.status[id] = store.StepPending
	}
	return s
}

// ready returns pending steps whose predecessors are all COMPLETED, in
// lexicographic order.
func (s *scheduler) ready() []string {
	var out []string
	for id, st := range s.status {
		if st != store.StepPending {
			continue
		}
		ok := true
		for _, pred := range s.dag.Predecessors(id) {
			if s.status[pred] != store.StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// propagateSkips marks pending steps with a failed, skipped, or
// cancelled predecessor as SKIPPED and returns the decisions made, in
// lexicographic order per wave. The loop runs to a fixed point so skip
// chains collapse in one call.
func (s *scheduler) propagateSkips() []skip {
	var all []skip
	for {
		var wave []skip
		for id, st := range s.status {
			if st != store.StepPending {
				continue
			}
			if reason, blocked := s.blockedBy(id); blocked {
				wave = append(wave, skip{StepID: id, Reason: reason})
			}
		}
		if len(wave) == 0 {
			return all
		}
		sort.Slice(wave, func(i, j int) bool { return wave[i].StepID < wave[j].StepID })
		for _, sk := range wave {
			s.status[sk.StepID] = store.StepSkipped
			s.skipReason[sk.StepID] = sk.Reason
		}
		all = append(all, wave...)
	}
}

// blockedBy reports whether any predecessor terminally prevents the
// step from running, and with which skip reason. A cancelled lineage
// wins over a failed one only when no failed predecessor exists.
func (s *scheduler) blockedBy(id string) (errors.Kind, bool) {
	reason := errors.Kind("")
	for _, pred := range s.dag.Predecessors(id) {
		switch s.status[pred] {
		case store.StepFailed:
			return errors.KindUpstreamFailed, true
		case store.StepCancelled:
			reason = errors.KindUpstreamCancelled
		case store.StepSkipped:
			if s.skipReason[pred] == errors.KindUpstreamFailed {
				return errors.KindUpstreamFailed, true
			}
			reason = s.skipReason[pred]
		}
	}
	return reason, reason != ""
}

// markRunning transitions a step to RUNNING.
func (s *scheduler) markRunning(id string) { s.status[id] = store.StepRunning }

// markTerminal records a step's terminal status.
func (s *scheduler) markTerminal(id string, st store.StepStatus) { s.status[id] = st }

// runningIDs returns the ids currently RUNNING, sorted.
func (s *scheduler) runningIDs() []string {
	var out []string
	for id, st := range s.status {
		if st == store.StepRunning {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// pendingIDs returns the ids still PENDING, sorted.
func (s *scheduler) pendingIDs() []string {
	var out []string
	for id, st := range s.status {
		if st == store.StepPending {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// done reports whether every reachable step holds a terminal status.
func (s *scheduler) done() bool {
	for _, st := range s.status {
		if !st.Terminal() {
			return false
		}
	}
	return true
}

// anyFailed reports whether any step terminated FAILED.
func (s *scheduler) anyFailed() bool {
	for _, st := range s.status {
		if st == store.StepFailed {
			return true
		}
	}
	return false
}

// stuck reports the defensive condition: nothing ready, nothing
// running, nothing skippable, yet steps remain pending.
func (s *scheduler) stuck() bool {
	if s.done() {
		return false
	}
	if len(s.ready()) > 0 || len(s.runningIDs()) > 0 {
		return false
	}
	for id, st := range s.status {
		if st != store.StepPending {
			continue
		}
		if _, blocked := s.blockedBy(id); blocked {
			return false
		}
	}
	return true
}
