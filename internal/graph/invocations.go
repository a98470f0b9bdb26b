package graph

import (
	"time"

	"foreman/internal/fault"
	"foreman/internal/logging"
)

// nowFunc is replaceable in tests.
var nowFunc = time.Now

// WithinInvocationLimit reports whether another worker invocation may start.
// The global counter lives here so loop-detection logic stays in one place.
func (e *Engine) WithinInvocationLimit() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalInvocations < e.invocationCap
}

// InvocationCount returns the total invocations started for this graph.
func (e *Engine) InvocationCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalInvocations
}

// BeginInvocation accounts a new invocation for the task. It enforces both
// the at-most-one-inProgress-invocation-per-task invariant and the global
// cap; a breach of the cap is a loop-detection fault.
func (e *Engine) BeginInvocation(taskID, workerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.inFlight[taskID]; busy {
		return fault.New(fault.KindInternal, "task %s already has an invocation in progress", taskID)
	}
	if e.totalInvocations >= e.invocationCap {
		return fault.New(fault.KindLoopDetected, "invocation cap %d reached", e.invocationCap)
	}

	e.totalInvocations++
	e.inFlight[taskID] = workerID
	logging.GraphDebug("Invocation %d/%d begun: task=%s worker=%s",
		e.totalInvocations, e.invocationCap, taskID, workerID)
	return nil
}

// EndInvocation releases the per-task invocation slot.
func (e *Engine) EndInvocation(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, taskID)
}

// InFlight returns the taskID -> workerID map of running invocations.
func (e *Engine) InFlight() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.inFlight))
	for k, v := range e.inFlight {
		out[k] = v
	}
	return out
}
