package graph

import (
	"fmt"
	"time"

	"foreman/internal/events"
	"foreman/internal/fault"
	"foreman/internal/logging"
)

// allowedTransitions is the task state machine. needsRevision -> pending is
// the only backward transition; it is driven by RequestRework, not
// UpdateStatus.
var allowedTransitions = map[Status][]Status{
	StatusPending:       {StatusReady, StatusSkipped, StatusFailed},
	StatusReady:         {StatusInProgress, StatusSkipped, StatusPending},
	StatusInProgress:    {StatusCompleted, StatusFailed, StatusInReview},
	StatusInReview:      {StatusCompleted, StatusNeedsRevision, StatusFailed},
	StatusNeedsRevision: {StatusPending, StatusFailed},
	StatusCompleted:     {StatusNeedsRevision},
	StatusFailed:        {},
	StatusSkipped:       {},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateStatus transitions a task, atomically updating the ready set and
// appending to the event log. Invalid transitions are Internal faults.
func (e *Engine) UpdateStatus(taskID string, newStatus Status, result *Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateStatusLocked(taskID, newStatus, result)
}

func (e *Engine) updateStatusLocked(taskID string, newStatus Status, result *Result) error {
	t, ok := e.tasks[taskID]
	if !ok {
		return fault.New(fault.KindInternal, "unknown task %s", taskID)
	}
	if t.Status == newStatus {
		return nil
	}
	if !transitionAllowed(t.Status, newStatus) {
		return fault.New(fault.KindInternal, "illegal transition %s: %s -> %s", taskID, t.Status, newStatus)
	}

	prev := t.Status
	t.Status = newStatus
	now := time.Now()

	switch newStatus {
	case StatusInProgress:
		t.StartedAt = &now
	case StatusCompleted:
		t.CompletedAt = &now
		if result != nil {
			t.Result = result
			if result.QualityScore > 0 {
				t.QualityScore = result.QualityScore
			}
		}
		t.Attempts = append(t.Attempts, Attempt{
			Number:    len(t.Attempts) + 1,
			Outcome:   "success",
			Timestamp: now,
		})
	case StatusFailed:
		t.FailedAt = &now
		if result != nil {
			t.Result = result
		}
	}

	logging.GraphDebug("Status: %s %s -> %s", taskID, prev, newStatus)
	e.appendEventLocked(events.Event{
		Kind:      statusEventKind(t, newStatus),
		TaskID:    taskID,
		WorkerID:  t.AssignedWorker,
		Timestamp: now,
		Message:   fmt.Sprintf("%s -> %s", prev, newStatus),
	})

	// Completion can unblock successors.
	if newStatus == StatusCompleted {
		e.refreshReadyLocked()
	}
	return nil
}

func statusEventKind(t *Task, s Status) events.Kind {
	switch s {
	case StatusReady:
		return events.KindTaskReady
	case StatusInProgress:
		if t.IsCheckpoint {
			return events.KindCheckpointStarted
		}
		return events.KindTaskStarted
	case StatusCompleted:
		if t.IsCheckpoint {
			return events.KindCheckpointCompleted
		}
		return events.KindTaskCompleted
	case StatusFailed:
		if t.IsCheckpoint {
			return events.KindCheckpointFailed
		}
		return events.KindTaskFailed
	}
	return events.KindTaskProgress
}

// AssignWorker records the worker chosen for a task.
func (e *Engine) AssignWorker(taskID, workerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return fault.New(fault.KindInternal, "unknown task %s", taskID)
	}
	t.AssignedWorker = workerID
	return nil
}

// RecordFailedAttempt appends a failure to the task's attempt history
// without changing status.
func (e *Engine) RecordFailedAttempt(taskID string, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return
	}
	t.Attempts = append(t.Attempts, Attempt{
		Number:    len(t.Attempts) + 1,
		Outcome:   "failure",
		Timestamp: time.Now(),
		Error:     cause.Error(),
	})
}

// SetNextRetry schedules the earliest next attempt for a task.
func (e *Engine) SetNextRetry(taskID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[taskID]; ok {
		t.NextRetryAt = &at
	}
}

// RequestRework drives the only permitted backward transition:
// completed -> needsRevision -> pending. The attempt counter on the original
// task is incremented once per failed checkpoint cycle and never reset.
// When the counter exceeds maxAttempts the task is failed instead and
// exhausted=true is returned; the caller must skip dependents.
func (e *Engine) RequestRework(taskID string, findings []Finding, maxAttempts int) (exhausted bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return false, fault.New(fault.KindInternal, "unknown task %s", taskID)
	}
	if t.Status != StatusCompleted && t.Status != StatusInReview {
		return false, fault.New(fault.KindInternal, "rework requested for task %s in status %s", taskID, t.Status)
	}

	t.AttemptCount++
	now := time.Now()

	if t.AttemptCount >= maxAttempts {
		t.Status = StatusFailed
		t.FailedAt = &now
		logging.Graph("Task %s exhausted rework attempts (%d), failing", taskID, t.AttemptCount)
		e.appendEventLocked(events.Event{
			Kind:      events.KindTaskFailed,
			TaskID:    taskID,
			Timestamp: now,
			ErrorKind: string(fault.KindReworkExhausted),
			Message:   fmt.Sprintf("exceeded %d rework attempts", maxAttempts),
		})
		return true, nil
	}

	// Append findings so the next attempt sees what the gate rejected.
	for _, f := range findings {
		t.Description += fmt.Sprintf("\n[%s finding] %s", f.Severity, f.Message)
	}

	t.Status = StatusPending
	t.Result = nil
	t.CompletedAt = nil
	t.StartedAt = nil
	t.AssignedWorker = ""

	logging.Graph("Task %s sent back for rework (attempt %d/%d)", taskID, t.AttemptCount, maxAttempts)
	e.appendEventLocked(events.Event{
		Kind:      events.KindReworkRequested,
		TaskID:    taskID,
		Timestamp: now,
		Message:   fmt.Sprintf("rework attempt %d of %d", t.AttemptCount, maxAttempts),
	})
	e.refreshReadyLocked()
	return false, nil
}

// ResetTask returns a non-terminal or completed task to pending, clearing
// runtime fields. Used to re-queue pending checkpoints after a rework.
func (e *Engine) ResetTask(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return fault.New(fault.KindInternal, "unknown task %s", taskID)
	}
	if t.Status == StatusFailed || t.Status == StatusSkipped {
		return fault.New(fault.KindInternal, "cannot reset terminal task %s (%s)", taskID, t.Status)
	}
	t.Status = StatusPending
	t.Result = nil
	t.StartedAt = nil
	t.CompletedAt = nil
	t.AssignedWorker = ""
	e.refreshReadyLocked()
	return nil
}

// SkipDependents transitively marks every non-terminal dependent of the
// given task as skipped.
func (e *Engine) SkipDependents(taskID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var skipped []string
	queue := []string{taskID}
	visited := map[string]bool{taskID: true}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range e.dependents[id] {
			if visited[dep.TaskID] {
				continue
			}
			visited[dep.TaskID] = true
			t := e.tasks[dep.TaskID]
			if !t.Status.Terminal() && t.Status != StatusInProgress {
				t.Status = StatusSkipped
				skipped = append(skipped, t.ID)
			}
			queue = append(queue, dep.TaskID)
		}
	}

	if len(skipped) > 0 {
		logging.Graph("Skipped %d dependents of %s", len(skipped), taskID)
	}
	return skipped
}

// Cancel marks the graph cancelled and skips every ready or pending task.
// Returns the ids of tasks still in progress; the scheduler terminates their
// invocations.
func (e *Engine) Cancel() (skipped, inProgress []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelled = true
	for _, id := range e.order {
		t := e.tasks[id]
		switch t.Status {
		case StatusPending, StatusReady, StatusNeedsRevision:
			t.Status = StatusSkipped
			skipped = append(skipped, id)
		case StatusInProgress, StatusInReview:
			inProgress = append(inProgress, id)
		}
	}
	logging.Graph("Graph cancelled: %d skipped, %d in progress", len(skipped), len(inProgress))
	return skipped, inProgress
}

// Cancelled reports whether Cancel has been called.
func (e *Engine) Cancelled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cancelled
}
