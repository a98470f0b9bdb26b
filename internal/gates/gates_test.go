package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/config"
	"foreman/internal/fault"
	"foreman/internal/graph"
)

func devTask(id string, deps ...graph.Dependency) *graph.Task {
	return &graph.Task{
		ID:                id,
		Title:             "build " + id,
		Type:              graph.TypeImplementation,
		SpecialistKind:    "backend",
		EstimatedDuration: 30,
		Dependencies:      deps,
	}
}

func boolPtr(b bool) *bool { return &b }

func TestInjectCheckpoints(t *testing.T) {
	p := New(config.GatesConfig{})
	a := devTask("A")
	b := devTask("B", graph.Dependency{TaskID: "A", Type: graph.EdgeCompletion})

	out := p.InjectCheckpoints([]*graph.Task{a, b})
	// A, R_A, Q_A, B, R_B, Q_B, final review, final QA.
	require.Len(t, out, 8)

	byReviewed := map[string]map[graph.CheckpointType]*graph.Task{}
	var finalReview, finalQA *graph.Task
	for _, tk := range out {
		if !tk.IsCheckpoint {
			continue
		}
		switch tk.CheckpointType {
		case graph.CheckpointFinalCodeReview:
			finalReview = tk
		case graph.CheckpointFinalQATest:
			finalQA = tk
		default:
			if byReviewed[tk.ReviewsTaskID] == nil {
				byReviewed[tk.ReviewsTaskID] = map[graph.CheckpointType]*graph.Task{}
			}
			byReviewed[tk.ReviewsTaskID][tk.CheckpointType] = tk
		}
	}

	rA := byReviewed["A"][graph.CheckpointCodeReview]
	qA := byReviewed["A"][graph.CheckpointQATest]
	require.NotNil(t, rA)
	require.NotNil(t, qA)

	// R depends on T, Q depends on R.
	require.Len(t, rA.Dependencies, 1)
	assert.Equal(t, "A", rA.Dependencies[0].TaskID)
	require.Len(t, qA.Dependencies, 1)
	assert.Equal(t, rA.ID, qA.Dependencies[0].TaskID)

	// B's dependency on A is rewired to A's QA checkpoint.
	require.Len(t, b.Dependencies, 1)
	assert.Equal(t, qA.ID, b.Dependencies[0].TaskID)

	// Final reviews depend on every Q; final QA also waits for final review.
	qB := byReviewed["B"][graph.CheckpointQATest]
	require.NotNil(t, finalReview)
	require.NotNil(t, finalQA)
	assert.Len(t, finalReview.Dependencies, 2)
	depIDs := func(tk *graph.Task) []string {
		var ids []string
		for _, d := range tk.Dependencies {
			ids = append(ids, d.TaskID)
		}
		return ids
	}
	assert.ElementsMatch(t, []string{qA.ID, qB.ID}, depIDs(finalReview))
	assert.ElementsMatch(t, []string{qA.ID, qB.ID, finalReview.ID}, depIDs(finalQA))
}

func TestInjectedGraphBuildsAndGates(t *testing.T) {
	p := New(config.GatesConfig{})
	a := devTask("A")
	b := devTask("B", graph.Dependency{TaskID: "A", Type: graph.EdgeCompletion})

	eng := graph.NewEngine(graph.Options{})
	_, err := eng.Build(p.InjectCheckpoints([]*graph.Task{a, b}))
	require.NoError(t, err)

	ready := eng.ReadyTasks()
	require.Len(t, ready, 1, "only A may run before its gates")
	assert.Equal(t, "A", ready[0].Task.ID)

	// Completing A unlocks its review, not B.
	require.NoError(t, eng.UpdateStatus("A", graph.StatusInProgress, nil))
	require.NoError(t, eng.UpdateStatus("A", graph.StatusCompleted, nil))
	ready = eng.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, graph.CheckpointCodeReview, ready[0].Task.CheckpointType)
	assert.Equal(t, "A", ready[0].Task.ReviewsTaskID)
}

func TestInjectCheckpointsRewiresTypedEdgesAsCompletion(t *testing.T) {
	p := New(config.GatesConfig{})
	a := devTask("A")
	a.Contracts.DefinesSchema = []string{"user-schema"}
	b := devTask("B", graph.Dependency{TaskID: "A", Type: graph.EdgeSchema})
	b.Contracts.RequiresSchema = []string{"user-schema"}

	tasks := p.InjectCheckpoints([]*graph.Task{a, b})

	// The rewired edge must not keep its schema type: the QA checkpoint it
	// now points at declares no contracts, so a schema edge against it could
	// never be satisfied.
	require.Len(t, b.Dependencies, 1)
	assert.Equal(t, graph.EdgeCompletion, b.Dependencies[0].Type)

	eng := graph.NewEngine(graph.Options{})
	_, err := eng.Build(tasks)
	require.NoError(t, err)

	complete := func(id string) {
		require.NoError(t, eng.UpdateStatus(id, graph.StatusInProgress, nil))
		require.NoError(t, eng.UpdateStatus(id, graph.StatusCompleted, nil))
	}
	complete("A")

	var review, qa *graph.Task
	for _, tk := range eng.Tasks() {
		if tk.ReviewsTaskID != "A" {
			continue
		}
		switch tk.CheckpointType {
		case graph.CheckpointCodeReview:
			review = tk
		case graph.CheckpointQATest:
			qa = tk
		}
	}
	require.NotNil(t, review)
	require.NotNil(t, qa)
	complete(review.ID)
	complete(qa.ID)

	// B must come out runnable on the other side of A's gates.
	var readyIDs []string
	for _, rt := range eng.ReadyTasks() {
		readyIDs = append(readyIDs, rt.Task.ID)
	}
	assert.Contains(t, readyIDs, "B")
}

func TestEvaluate(t *testing.T) {
	p := New(config.GatesConfig{})
	review := &graph.Task{ID: "r", IsCheckpoint: true, CheckpointType: graph.CheckpointCodeReview}
	qa := &graph.Task{ID: "q", IsCheckpoint: true, CheckpointType: graph.CheckpointQATest}

	assert.False(t, p.Evaluate(review, nil), "nil result never passes")
	assert.False(t, p.Evaluate(review, &graph.Result{Passed: boolPtr(false), QualityScore: 0.99}))

	assert.True(t, p.Evaluate(review, &graph.Result{QualityScore: 0.85}))
	assert.False(t, p.Evaluate(review, &graph.Result{QualityScore: 0.84}))

	// QA threshold is stricter than review.
	assert.True(t, p.Evaluate(review, &graph.Result{QualityScore: 0.87}))
	assert.False(t, p.Evaluate(qa, &graph.Result{QualityScore: 0.87}))
	assert.True(t, p.Evaluate(qa, &graph.Result{QualityScore: 0.90}))

	// A high-severity finding blocks regardless of score.
	assert.False(t, p.Evaluate(review, &graph.Result{
		QualityScore: 0.99,
		Findings:     []graph.Finding{{Severity: "high", Message: "sql injection"}},
	}))
	assert.True(t, p.Evaluate(review, &graph.Result{
		QualityScore: 0.99,
		Findings:     []graph.Finding{{Severity: "low", Message: "naming nit"}},
	}))
}

func TestHandleFailureSendsTargetBackForRework(t *testing.T) {
	p := New(config.GatesConfig{})
	eng := graph.NewEngine(graph.Options{})
	tasks := p.InjectCheckpoints([]*graph.Task{devTask("A")})
	_, err := eng.Build(tasks)
	require.NoError(t, err)

	require.NoError(t, eng.UpdateStatus("A", graph.StatusInProgress, nil))
	require.NoError(t, eng.UpdateStatus("A", graph.StatusCompleted, nil))

	var review *graph.Task
	for _, tk := range eng.Tasks() {
		if tk.CheckpointType == graph.CheckpointCodeReview {
			review = tk
		}
	}
	require.NotNil(t, review)
	require.NoError(t, eng.UpdateStatus(review.ID, graph.StatusInProgress, nil))

	result := &graph.Result{
		Passed:       boolPtr(false),
		QualityScore: 0.4,
		Findings:     []graph.Finding{{Severity: "high", Message: "handler ignores errors"}},
	}
	require.NoError(t, p.HandleFailure(eng, review, result))

	target := eng.Task("A")
	assert.Equal(t, graph.StatusPending, target.Status)
	assert.Equal(t, 1, target.AttemptCount)
	assert.Contains(t, target.Description, "handler ignores errors")

	// The failed review itself is reset and waits for A to complete again.
	assert.Equal(t, graph.StatusPending, eng.Task(review.ID).Status)
	ready := eng.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "A", ready[0].Task.ID)
}

func TestHandleFailureFinalCheckpointIsFatal(t *testing.T) {
	p := New(config.GatesConfig{})
	eng := graph.NewEngine(graph.Options{})
	final := &graph.Task{
		ID:             "final",
		IsCheckpoint:   true,
		CheckpointType: graph.CheckpointFinalCodeReview,
	}
	err := p.HandleFailure(eng, final, &graph.Result{QualityScore: 0.3})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindCheckpointFailed))
}

func TestHandleFailureExhaustionSkipsDependents(t *testing.T) {
	p := New(config.GatesConfig{MaxReworkAttempts: 1})
	eng := graph.NewEngine(graph.Options{})
	a := devTask("A")
	b := devTask("B", graph.Dependency{TaskID: "A", Type: graph.EdgeCompletion})
	tasks := p.InjectCheckpoints([]*graph.Task{a, b})
	_, err := eng.Build(tasks)
	require.NoError(t, err)

	require.NoError(t, eng.UpdateStatus("A", graph.StatusInProgress, nil))
	require.NoError(t, eng.UpdateStatus("A", graph.StatusCompleted, nil))

	var review *graph.Task
	for _, tk := range eng.Tasks() {
		if tk.CheckpointType == graph.CheckpointCodeReview && tk.ReviewsTaskID == "A" {
			review = tk
		}
	}
	require.NotNil(t, review)
	require.NoError(t, eng.UpdateStatus(review.ID, graph.StatusInProgress, nil))

	err = p.HandleFailure(eng, review, &graph.Result{QualityScore: 0.2})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindReworkExhausted))

	assert.Equal(t, graph.StatusFailed, eng.Task("A").Status)
	assert.Equal(t, graph.StatusSkipped, eng.Task("B").Status)
}

func TestDefaults(t *testing.T) {
	p := New(config.GatesConfig{})
	assert.Equal(t, 5, p.MaxReworkAttempts())
}
