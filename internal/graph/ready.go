package graph

import (
	"sort"
)

// refreshReadyLocked promotes pending tasks whose dependencies are all
// satisfied and demotes ready tasks whose dependencies no longer are (a
// predecessor sent back for rework). Promotion emits task_ready through the
// event log.
func (e *Engine) refreshReadyLocked() {
	if e.cancelled {
		return
	}
	for _, id := range e.order {
		t := e.tasks[id]
		if t.Status == StatusReady && !e.dependenciesSatisfiedLocked(t) {
			_ = e.updateStatusLocked(id, StatusPending, nil)
			continue
		}
		if t.Status != StatusPending {
			continue
		}
		if t.NextRetryAt != nil && t.NextRetryAt.After(nowFunc()) {
			continue
		}
		if e.dependenciesSatisfiedLocked(t) {
			// Promotion goes through the state machine so the ring sees it.
			_ = e.updateStatusLocked(id, StatusReady, nil)
		}
	}
}

// RefreshReady re-evaluates the ready set; used after retry backoffs lapse.
func (e *Engine) RefreshReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshReadyLocked()
}

// DependenciesSatisfied reports whether every predecessor of the task is
// completed with compatible contracts.
func (e *Engine) DependenciesSatisfied(taskID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return false
	}
	return e.dependenciesSatisfiedLocked(t)
}

func (e *Engine) dependenciesSatisfiedLocked(t *Task) bool {
	for _, dep := range t.Dependencies {
		pred, ok := e.tasks[dep.TaskID]
		if !ok {
			return false
		}
		if pred.Status != StatusCompleted {
			return false
		}
		if !contractHoldsLocked(pred, t, dep.Type) {
			return false
		}
	}
	return true
}

// ReadyTasks returns a snapshot of the ready set ordered by:
// critical-path membership, descending dependent count, integration
// establishers first, then ascending estimated duration. Each entry carries
// the outputs of its satisfied dependencies for the worker prompt.
func (e *Engine) ReadyTasks() []ReadyTask {
	e.mu.Lock()
	e.refreshReadyLocked()

	var ready []*Task
	for _, id := range e.order {
		if e.tasks[id].Status == StatusReady {
			ready = append(ready, e.tasks[id])
		}
	}

	depCount := func(t *Task) int { return len(e.dependents[t.ID]) }

	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.OnCriticalPath != b.OnCriticalPath {
			return a.OnCriticalPath
		}
		if depCount(a) != depCount(b) {
			return depCount(a) > depCount(b)
		}
		if a.EstablishesIntegration() != b.EstablishesIntegration() {
			return a.EstablishesIntegration()
		}
		if a.EstimatedDuration != b.EstimatedDuration {
			return a.EstimatedDuration < b.EstimatedDuration
		}
		return a.ID < b.ID
	})

	out := make([]ReadyTask, 0, len(ready))
	for _, t := range ready {
		out = append(out, ReadyTask{
			Task:              t.Clone(),
			DependencyOutputs: e.dependencyOutputsLocked(t),
		})
	}
	e.mu.Unlock()
	return out
}

func (e *Engine) dependencyOutputsLocked(t *Task) []DependencyOutput {
	var outs []DependencyOutput
	for _, dep := range t.Dependencies {
		pred, ok := e.tasks[dep.TaskID]
		if !ok || pred.Result == nil {
			continue
		}
		outs = append(outs, DependencyOutput{
			TaskID:  pred.ID,
			Title:   pred.Title,
			Summary: pred.Result.Summary,
			Outputs: append([]DataItem(nil), pred.Result.Outputs...),
		})
	}
	return outs
}
