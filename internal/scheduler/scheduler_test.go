package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"foreman/internal/config"
	"foreman/internal/driver"
	"foreman/internal/events"
	"foreman/internal/fault"
	"foreman/internal/gates"
	"foreman/internal/graph"
	"foreman/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// passScript answers every invocation with a passing checkpoint verdict.
// Development tasks ignore the verdict line; checkpoints parse it.
const passScript = `
echo "Task: work finished"
echo '{"passed": true, "qualityScore": 0.95}'
`

// eventLog records every emitted event for later assertions.
type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (l *eventLog) record(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, ev)
}

func (l *eventLog) count(kind events.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) has(kind events.Kind) bool { return l.count(kind) > 0 }

func (l *eventLog) first(kind events.Kind) (events.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.evs {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return events.Event{}, false
}

func devTask(id, title string, deps ...string) *graph.Task {
	t := &graph.Task{
		ID:                id,
		Title:             title,
		Description:       "implement " + title,
		Type:              graph.TypeImplementation,
		SpecialistKind:    "backend-developer",
		EstimatedDuration: 10,
	}
	for _, d := range deps {
		t.Dependencies = append(t.Dependencies, graph.Dependency{TaskID: d, Type: graph.EdgeCompletion})
	}
	return t
}

type harness struct {
	sched *Scheduler
	eng   *graph.Engine
	log   *eventLog
}

// newHarness wires a full scheduler around a shell-backed driver. The gate
// pipeline injects review and QA checkpoints around every task handed in.
func newHarness(t *testing.T, script string, tasks []*graph.Task, invocationCap int, drvCfg config.DriverConfig) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based scheduler tests need sh")
	}

	emitter := events.NewEmitter()
	log := &eventLog{}
	emitter.AddSink(log.record)

	eng := graph.NewEngine(graph.Options{InvocationCap: invocationCap, Emitter: emitter})
	pipeline := gates.New(config.GatesConfig{})
	warnings, err := eng.Build(pipeline.InjectCheckpoints(tasks))
	require.NoError(t, err)
	require.Empty(t, warnings)

	drvCfg.Tool = "sh"
	drvCfg.Args = []string{"-c", script}
	drv := driver.New(drvCfg, time.Second, emitter)

	sched := New(Options{
		Config: config.SchedulerConfig{
			TickMs:             20,
			GraceperiodMs:      500,
			RetryBackoffBaseMs: 1,
			RetryBackoffMaxMs:  20,
		},
		Engine:   eng,
		Registry: registry.New(),
		Driver:   drv,
		Gates:    pipeline,
		Emitter:  emitter,
	})
	return &harness{sched: sched, eng: eng, log: log}
}

func runWithDeadline(t *testing.T, h *harness) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return h.sched.Run(ctx)
}

func TestRunCompletesInjectedGraph(t *testing.T) {
	tasks := []*graph.Task{
		devTask("A", "orders schema"),
		devTask("B", "orders endpoints", "A"),
	}
	h := newHarness(t, passScript, tasks, 50, config.DriverConfig{})

	require.NoError(t, runWithDeadline(t, h))

	for _, tk := range h.eng.Tasks() {
		assert.Equal(t, graph.StatusCompleted, tk.Status, "task %s (%s)", tk.ID, tk.Title)
	}
	// 2 development tasks, 2 reviews, 2 QA checks, final review, final QA.
	assert.Equal(t, 8, h.eng.InvocationCount())
	assert.Equal(t, 8, h.log.count(events.KindWorkerAssigned))
	assert.True(t, h.log.has(events.KindProjectCompleted))
	assert.False(t, h.log.has(events.KindProjectFailed))
}

func TestRunReworksFailedReview(t *testing.T) {
	// The first code review fails with a high-severity finding; every later
	// invocation passes. The target task must be reworked exactly once.
	flag := filepath.Join(t.TempDir(), "review-done")
	script := fmt.Sprintf(`
input=$(cat)
case "$input" in
*"Code review:"*)
	if [ ! -f %q ]; then
		touch %q
		echo '{"passed": false, "qualityScore": 0.40, "findings": [{"severity": "high", "message": "handler ignores errors"}]}'
	else
		echo '{"passed": true, "qualityScore": 0.95}'
	fi
	;;
*)
	echo "Task: work finished"
	echo '{"passed": true, "qualityScore": 0.95}'
	;;
esac
`, flag, flag)

	h := newHarness(t, script, []*graph.Task{devTask("A", "build feature")}, 50, config.DriverConfig{})
	require.NoError(t, runWithDeadline(t, h))

	a := h.eng.Task("A")
	assert.Equal(t, graph.StatusCompleted, a.Status)
	assert.Equal(t, 1, a.AttemptCount, "one rework round")
	assert.Contains(t, a.Description, "handler ignores errors", "findings feed the rework prompt")

	// A, failed review, A again, review, QA, final review, final QA.
	assert.Equal(t, 7, h.eng.InvocationCount())
	assert.True(t, h.log.has(events.KindCheckpointFailed))
	assert.True(t, h.log.has(events.KindProjectCompleted))
}

func TestRunInvocationCapIsFatal(t *testing.T) {
	// One task plus its checkpoints needs 5 invocations; a cap of 2 trips
	// loop detection once the QA checkpoint becomes ready.
	h := newHarness(t, passScript, []*graph.Task{devTask("A", "build feature")}, 2, config.DriverConfig{})

	err := runWithDeadline(t, h)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindLoopDetected), "got %v", err)

	ev, ok := h.log.first(events.KindProjectFailed)
	require.True(t, ok)
	assert.Equal(t, string(fault.KindLoopDetected), ev.ErrorKind)
}

func TestRunCancellationSkipsRemainingWork(t *testing.T) {
	h := newHarness(t, `sleep 30`, []*graph.Task{
		devTask("A", "long running work"),
		devTask("B", "dependent work", "A"),
	}, 50, config.DriverConfig{})

	done := make(chan error, 1)
	go func() { done <- runWithDeadline(t, h) }()

	// Wait for the first invocation to be live, then cancel the run.
	deadline := time.Now().Add(10 * time.Second)
	for len(h.eng.InFlight()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no invocation started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.sched.Cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("run did not stop after Cancel")
	}
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindCancelled), "got %v", err)
	assert.True(t, h.log.has(events.KindProjectCancelled))

	// Nothing is left runnable: queued work is skipped, the terminated
	// invocation is recorded as failed.
	for _, tk := range h.eng.Tasks() {
		assert.Contains(t, []graph.Status{graph.StatusSkipped, graph.StatusFailed}, tk.Status,
			"task %s ended as %s", tk.ID, tk.Status)
	}
}

func TestRunRetriesTransientTimeout(t *testing.T) {
	// The first invocation stalls until the inactivity watchdog kills it; the
	// retry and everything after it succeed.
	flag := filepath.Join(t.TempDir(), "first-attempt")
	script := fmt.Sprintf(`
if [ ! -f %q ]; then
	touch %q
	sleep 30
fi
echo "Task: work finished"
echo '{"passed": true, "qualityScore": 0.95}'
`, flag, flag)

	h := newHarness(t, script, []*graph.Task{devTask("A", "build feature")}, 50, config.DriverConfig{
		MaxInactivityMs: 200,
	})
	require.NoError(t, runWithDeadline(t, h))

	a := h.eng.Task("A")
	assert.Equal(t, graph.StatusCompleted, a.Status)

	failures := 0
	for _, at := range a.Attempts {
		if at.Outcome == "failure" {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one timed-out attempt")
	// A twice, review, QA, final review, final QA.
	assert.Equal(t, 6, h.eng.InvocationCount())
	assert.True(t, h.log.has(events.KindProjectCompleted))
}

func TestRunPermanentFailureStallsAndFails(t *testing.T) {
	h := newHarness(t, `echo "error: cannot compile" >&2; exit 1`,
		[]*graph.Task{devTask("A", "build feature")}, 50, config.DriverConfig{})

	err := runWithDeadline(t, h)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindWorkerExit), "got %v", err)
	assert.Contains(t, err.Error(), "stalled")

	assert.Equal(t, graph.StatusFailed, h.eng.Task("A").Status)
	for _, tk := range h.eng.Tasks() {
		if tk.ID == "A" {
			continue
		}
		assert.Equal(t, graph.StatusSkipped, tk.Status, "dependent %s", tk.ID)
	}
	assert.True(t, h.log.has(events.KindProjectFailed))
}

func TestParseCheckpointResult(t *testing.T) {
	res := &driver.Result{
		ExitCode: 0,
		Tail: []driver.Line{
			{Text: `{"passed": false, "qualityScore": 0.30}`},
			{Text: "thinking about edge cases"},
			{Text: `{"passed": true, "qualityScore": 0.92, "findings": [{"severity": "low", "message": "nit"}], "summary": "looks good"}`},
		},
	}
	got := parseCheckpointResult(res)
	require.NotNil(t, got.Passed)
	assert.True(t, *got.Passed, "last verdict wins")
	assert.Equal(t, 0.92, got.QualityScore)
	assert.Equal(t, "looks good", got.Summary)
	require.Len(t, got.Findings, 1)
	assert.Equal(t, "nit", got.Findings[0].Message)
}

func TestParseCheckpointResultFallsBackToExitCode(t *testing.T) {
	clean := parseCheckpointResult(&driver.Result{
		ExitCode: 0,
		Tail:     []driver.Line{{Text: "no verdict here"}},
	})
	require.NotNil(t, clean.Passed)
	assert.True(t, *clean.Passed)
	assert.Equal(t, 1.0, clean.QualityScore)

	dirty := parseCheckpointResult(&driver.Result{ExitCode: 2})
	require.NotNil(t, dirty.Passed)
	assert.False(t, *dirty.Passed)
	assert.Equal(t, 0.0, dirty.QualityScore)
}

func TestParseCheckpointResultSkipsMalformedJSON(t *testing.T) {
	res := parseCheckpointResult(&driver.Result{
		ExitCode: 1,
		Tail:     []driver.Line{{Text: `{"passed": not-json`}},
	})
	require.NotNil(t, res.Passed)
	assert.False(t, *res.Passed, "malformed verdict falls back to the exit code")
	assert.Contains(t, res.Summary, "no structured verdict")
}

func TestCheckpointFailureMessage(t *testing.T) {
	assert.Equal(t, "checkpoint produced no result", checkpointFailureMessage(nil))

	plain := checkpointFailureMessage(&graph.Result{QualityScore: 0.72})
	assert.Equal(t, "quality score 0.72", plain)

	detailed := checkpointFailureMessage(&graph.Result{
		QualityScore: 0.40,
		Findings: []graph.Finding{
			{Severity: "low", Message: "naming"},
			{Severity: "critical", Message: "data loss on retry"},
		},
	})
	assert.True(t, strings.Contains(detailed, "critical") && strings.Contains(detailed, "data loss on retry"),
		"high-severity finding surfaces in the message: %q", detailed)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	s := New(Options{Config: config.SchedulerConfig{
		RetryBackoffBaseMs: 100,
		RetryBackoffMaxMs:  400,
	}})

	assert.Equal(t, 100*time.Millisecond, s.backoff(1))
	assert.Equal(t, 200*time.Millisecond, s.backoff(2))
	assert.Equal(t, 400*time.Millisecond, s.backoff(3))
	assert.Equal(t, 400*time.Millisecond, s.backoff(9), "capped at the maximum")
}

func TestNewHonorsConfiguredPromptLimits(t *testing.T) {
	s := New(Options{Prompt: config.PromptConfig{
		MaxBytes:            4096,
		DescriptionMaxChars: 128,
	}})
	assert.Equal(t, 4096, s.san.MaxPromptBytes)
	assert.Equal(t, 128, s.san.FieldCapChars)
}
