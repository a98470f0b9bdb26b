// Package gates enforces review and QA between every development task and
// its dependents. It transforms the task list once, before the scheduler
// runs, and evaluates checkpoint results against the configured thresholds.
package gates

import (
	"fmt"

	"github.com/google/uuid"

	"foreman/internal/config"
	"foreman/internal/fault"
	"foreman/internal/graph"
	"foreman/internal/logging"
)

// Pipeline applies checkpoint injection and evaluates checkpoint results.
type Pipeline struct {
	cfg config.GatesConfig
}

// New creates a Pipeline.
func New(cfg config.GatesConfig) *Pipeline {
	if cfg.ReviewPassThreshold <= 0 {
		cfg.ReviewPassThreshold = 0.85
	}
	if cfg.QAPassThreshold <= 0 {
		cfg.QAPassThreshold = 0.90
	}
	if cfg.MaxReworkAttempts <= 0 {
		cfg.MaxReworkAttempts = 5
	}
	return &Pipeline{cfg: cfg}
}

// MaxReworkAttempts exposes the rework bound to the scheduler.
func (p *Pipeline) MaxReworkAttempts() int { return p.cfg.MaxReworkAttempts }

// InjectCheckpoints inserts a code-review checkpoint R and a QA-test
// checkpoint Q after every standard development task T: R depends on T,
// Q depends on R, and every original dependent of T is rewired to depend
// on Q. Two final-review tasks depending on every Q close the graph.
func (p *Pipeline) InjectCheckpoints(tasks []*graph.Task) []*graph.Task {
	qFor := make(map[string]string) // original task ID -> its Q checkpoint ID
	out := make([]*graph.Task, 0, len(tasks)*3+2)
	var qIDs []string

	for _, t := range tasks {
		out = append(out, t)
		if !t.Standard() {
			continue
		}

		review := &graph.Task{
			ID:                uuid.NewString(),
			Title:             fmt.Sprintf("Code review: %s", t.Title),
			Description:       fmt.Sprintf("Review the work produced by %q against its validation criteria.", t.Title),
			Type:              graph.TypeReview,
			SpecialistKind:    "code-reviewer",
			IsCheckpoint:      true,
			CheckpointType:    graph.CheckpointCodeReview,
			ReviewsTaskID:     t.ID,
			EstimatedDuration: 10,
			Priority:          t.Priority,
			Dependencies: []graph.Dependency{
				{TaskID: t.ID, Type: graph.EdgeCompletion},
			},
		}
		qa := &graph.Task{
			ID:                uuid.NewString(),
			Title:             fmt.Sprintf("QA test: %s", t.Title),
			Description:       fmt.Sprintf("Functionally test the work produced by %q.", t.Title),
			Type:              graph.TypeTest,
			SpecialistKind:    "qa-tester",
			IsCheckpoint:      true,
			CheckpointType:    graph.CheckpointQATest,
			ReviewsTaskID:     t.ID,
			EstimatedDuration: 10,
			Priority:          t.Priority,
			Dependencies: []graph.Dependency{
				{TaskID: review.ID, Type: graph.EdgeCompletion},
			},
		}
		out = append(out, review, qa)
		qFor[t.ID] = qa.ID
		qIDs = append(qIDs, qa.ID)
	}

	// Rewire: dependents of T now depend on T's Q checkpoint instead. The
	// edge becomes a plain completion edge: checkpoints declare no contracts
	// or outputs, so a typed edge against them could never be satisfied.
	// Contract checks survive through the edges the graph build infers
	// against the true producer.
	for _, t := range out {
		if t.IsCheckpoint {
			continue
		}
		for i, dep := range t.Dependencies {
			if qID, ok := qFor[dep.TaskID]; ok {
				t.Dependencies[i].TaskID = qID
				t.Dependencies[i].Type = graph.EdgeCompletion
			}
		}
	}

	if len(qIDs) > 0 {
		finalDeps := make([]graph.Dependency, 0, len(qIDs))
		for _, id := range qIDs {
			finalDeps = append(finalDeps, graph.Dependency{TaskID: id, Type: graph.EdgeCompletion})
		}
		finalReview := &graph.Task{
			ID:                uuid.NewString(),
			Title:             "Final code review",
			Description:       "Review the integrated system across all completed tasks.",
			Type:              graph.TypeFinalReview,
			SpecialistKind:    "code-reviewer",
			IsCheckpoint:      true,
			CheckpointType:    graph.CheckpointFinalCodeReview,
			EstimatedDuration: 20,
			Priority:          graph.PriorityHigh,
			Dependencies:      finalDeps,
		}
		finalQA := &graph.Task{
			ID:                uuid.NewString(),
			Title:             "Final QA test",
			Description:       "Run end-to-end verification of the integrated system.",
			Type:              graph.TypeFinalReview,
			SpecialistKind:    "qa-tester",
			IsCheckpoint:      true,
			CheckpointType:    graph.CheckpointFinalQATest,
			EstimatedDuration: 20,
			Priority:          graph.PriorityHigh,
			Dependencies: append(append([]graph.Dependency(nil), finalDeps...),
				graph.Dependency{TaskID: finalReview.ID, Type: graph.EdgeCompletion}),
		}
		out = append(out, finalReview, finalQA)
	}

	logging.Gates("Checkpoint injection: %d tasks in, %d tasks out", len(tasks), len(out))
	return out
}

// Evaluate decides whether a checkpoint result passes its gate: the
// quality score must clear the threshold for the checkpoint type and no
// finding may be high severity.
func (p *Pipeline) Evaluate(task *graph.Task, result *graph.Result) bool {
	if result == nil {
		return false
	}
	if result.Passed != nil && !*result.Passed {
		return false
	}
	threshold := p.cfg.ReviewPassThreshold
	switch task.CheckpointType {
	case graph.CheckpointQATest, graph.CheckpointFinalQATest:
		threshold = p.cfg.QAPassThreshold
	}
	if result.QualityScore < threshold {
		logging.Gates("Checkpoint %s below threshold: %.2f < %.2f", task.ID, result.QualityScore, threshold)
		return false
	}
	for _, f := range result.Findings {
		if f.HighSeverity() {
			logging.Gates("Checkpoint %s blocked by %s finding: %s", task.ID, f.Severity, f.Message)
			return false
		}
	}
	return true
}

// HandleFailure routes a failed checkpoint: the reviewed task goes back to
// pending with the findings appended, its pending sibling checkpoints are
// reset, and on rework exhaustion the reviewed task fails and its
// dependents are skipped.
func (p *Pipeline) HandleFailure(eng *graph.Engine, checkpoint *graph.Task, result *graph.Result) error {
	target := checkpoint.ReviewsTaskID
	if target == "" {
		// Final reviews have no single reviewed task; a failure fails the run.
		return fault.New(fault.KindCheckpointFailed,
			"final checkpoint %s failed with score %.2f", checkpoint.ID, result.QualityScore)
	}

	var findings []graph.Finding
	if result != nil {
		findings = result.Findings
	}
	exhausted, err := eng.RequestRework(target, findings, p.cfg.MaxReworkAttempts)
	if err != nil {
		return err
	}
	if exhausted {
		skipped := eng.SkipDependents(target)
		logging.Gates("Rework exhausted for task %s; skipped %d dependents", target, len(skipped))
		return fault.New(fault.KindReworkExhausted,
			"task %s failed after %d rework attempts", target, p.cfg.MaxReworkAttempts)
	}

	// Reset the pending checkpoints downstream of the reworked task so they
	// re-run once the task completes again.
	for _, id := range eng.Dependents(target) {
		if dep := eng.Task(id); dep != nil && dep.IsCheckpoint {
			if err := eng.ResetTask(dep.ID); err == nil {
				for _, qID := range eng.Dependents(dep.ID) {
					if q := eng.Task(qID); q != nil && q.IsCheckpoint && q.ReviewsTaskID == target {
						eng.ResetTask(q.ID)
					}
				}
			}
		}
	}
	return nil
}
