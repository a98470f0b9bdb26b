// Package scheduler drives the task graph to completion: it assigns ready
// tasks to workers, multiplexes concurrent invocations, applies the retry
// and rework policies, and owns cancellation.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"foreman/internal/checkpoint"
	"foreman/internal/config"
	"foreman/internal/driver"
	"foreman/internal/events"
	"foreman/internal/fault"
	"foreman/internal/gates"
	"foreman/internal/graph"
	"foreman/internal/llm"
	"foreman/internal/logging"
	"foreman/internal/prompt"
	"foreman/internal/registry"
)

// Scheduler coordinates one project run.
type Scheduler struct {
	cfg     config.SchedulerConfig
	eng     *graph.Engine
	reg     *registry.Registry
	drv     *driver.Driver
	gates   *gates.Pipeline
	store   *checkpoint.Store
	emitter *events.Emitter
	san     *prompt.Sanitizer
	adapter *llm.Adapter // optional, assignment-score advice only

	// Persist, when set, flushes the current graph to its on-disk home.
	Persist func() error

	mu        sync.Mutex
	wake      chan struct{}
	cancelled bool
}

// Options carries the scheduler's collaborators.
type Options struct {
	Config   config.SchedulerConfig
	Prompt   config.PromptConfig
	Engine   *graph.Engine
	Registry *registry.Registry
	Driver   *driver.Driver
	Gates    *gates.Pipeline
	Store    *checkpoint.Store
	Emitter  *events.Emitter
	Adapter  *llm.Adapter
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	return &Scheduler{
		cfg:     opts.Config,
		eng:     opts.Engine,
		reg:     opts.Registry,
		drv:     opts.Driver,
		gates:   opts.Gates,
		store:   opts.Store,
		emitter: opts.Emitter,
		san:     prompt.New(opts.Prompt.DescriptionMaxChars, opts.Prompt.MaxBytes),
		adapter: opts.Adapter,
		wake:    make(chan struct{}, 1),
	}
}

// Cancel stops the run: no new invocations are issued, ready and pending
// tasks are skipped, and live invocations are terminated within the grace
// period.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.mu.Unlock()

	_, inProgress := s.eng.Cancel()
	for _, taskID := range inProgress {
		s.drv.Terminate(taskID)
	}
	s.poke()
}

func (s *Scheduler) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// poke wakes the main loop without blocking.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run executes the graph until completion, cancellation, or a fatal fault.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryScheduler, "Run")
	defer timer.Stop()

	if s.store != nil {
		if err := s.store.Take(checkpoint.NameExecutionStart, s.eng); err != nil {
			logging.SchedulerWarn("Execution-start snapshot failed: %v", err)
		}
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	autosaveDone := make(chan struct{})
	go s.autosaveLoop(gctx, autosaveDone)

	var fatal error
	tick := time.NewTicker(s.cfg.Tick())
	defer tick.Stop()

loop:
	for {
		if ctx.Err() != nil && !s.isCancelled() {
			s.Cancel()
		}
		if s.isCancelled() {
			break
		}
		if s.eng.IsComplete() {
			break
		}

		if err := s.dispatchReady(gctx, g); err != nil {
			fatal = err
			stop()
			break
		}

		if s.stalled() {
			fatal = s.stallFault()
			break
		}

		select {
		case <-s.wake:
		case <-tick.C:
		case <-gctx.Done():
			break loop
		}
	}

	if err := g.Wait(); err != nil && fatal == nil && !s.isCancelled() {
		fatal = err
	}
	close(autosaveDone)

	return s.finalize(fatal)
}

// stalled reports a run that can make no further progress: nothing in
// flight, nothing ready, no retry scheduled, yet the graph is incomplete.
func (s *Scheduler) stalled() bool {
	if s.eng.IsComplete() || len(s.eng.InFlight()) > 0 || len(s.eng.ReadyTasks()) > 0 {
		return false
	}
	for _, t := range s.eng.Tasks() {
		if t.Status == graph.StatusPending && t.NextRetryAt != nil {
			return false
		}
		if t.Status == graph.StatusPending && s.eng.DependenciesSatisfied(t.ID) {
			return false
		}
	}
	return true
}

func (s *Scheduler) stallFault() error {
	for _, t := range s.eng.Tasks() {
		if t.Status == graph.StatusFailed {
			return fault.New(fault.KindWorkerExit, "run stalled: task %s failed: %s", t.ID, lastFailure(t))
		}
	}
	return fault.New(fault.KindInternal, "run stalled with no failed task")
}

func lastFailure(t *graph.Task) string {
	for i := len(t.Attempts) - 1; i >= 0; i-- {
		if t.Attempts[i].Outcome == "failure" {
			return t.Attempts[i].Error
		}
	}
	return "no attempt record"
}

// dispatchReady assigns as many ready tasks as capacity allows. A global
// invocation-cap breach is fatal.
func (s *Scheduler) dispatchReady(ctx context.Context, g *errgroup.Group) error {
	for _, rt := range s.eng.ReadyTasks() {
		task := rt.Task

		if !s.eng.WithinInvocationLimit() {
			return fault.New(fault.KindLoopDetected,
				"global invocation cap %d reached with task %s still ready",
				s.eng.InvocationCount(), task.ID)
		}

		asg, err := s.reg.FindBestWorker(task)
		if err != nil {
			// All candidate workers busy; retry next tick.
			logging.SchedulerDebug("No worker for task %s this tick: %v", task.ID, err)
			continue
		}
		if asg.LowConfidence {
			if s.cfg.PauseOnLowConfidence {
				logging.SchedulerWarn("Holding task %s: confidence %.2f below threshold (%d alternates)",
					task.ID, asg.Confidence, len(asg.Alternates))
				continue
			}
			logging.Scheduler("Proceeding with low-confidence assignment %s -> %s (%.2f)",
				task.ID, asg.Worker.ID, asg.Confidence)
		}
		s.adviseAssignment(ctx, task, asg)

		if err := s.reg.IncrementLoad(asg.Worker.ID); err != nil {
			continue
		}
		if err := s.eng.BeginInvocation(task.ID, asg.Worker.ID); err != nil {
			s.reg.DecrementLoad(asg.Worker.ID)
			if fault.Is(err, fault.KindLoopDetected) {
				return err
			}
			continue
		}

		s.eng.AssignWorker(task.ID, asg.Worker.ID)
		if err := s.eng.UpdateStatus(task.ID, graph.StatusInProgress, nil); err != nil {
			s.eng.EndInvocation(task.ID)
			s.reg.DecrementLoad(asg.Worker.ID)
			return err
		}
		s.emitter.Emit(events.Event{
			Kind:     events.KindWorkerAssigned,
			TaskID:   task.ID,
			WorkerID: asg.Worker.ID,
			Message:  task.Title,
		})

		worker := asg.Worker
		deps := rt.DependencyOutputs
		taskCopy := s.eng.Task(task.ID)
		g.Go(func() error {
			return s.execute(ctx, taskCopy, worker, deps)
		})
	}
	return nil
}

// adviseAssignment consults the LLM scorer when enabled. Advisory only: a
// low model score is logged, never blocking.
func (s *Scheduler) adviseAssignment(ctx context.Context, task *graph.Task, asg *registry.Assignment) {
	if !s.cfg.UseLLMAssignmentScore || s.adapter == nil {
		return
	}
	profile, err := s.reg.Profile(asg.Worker.ID)
	if err != nil {
		return
	}
	score, err := s.adapter.ScoreAssignment(ctx, task, profile)
	if err != nil {
		return
	}
	if score.Confidence < s.cfg.ConfidenceThreshold {
		logging.SchedulerWarn("Model scores assignment %s -> %s at %.2f: %s",
			task.ID, asg.Worker.ID, score.Confidence, score.Rationale)
	}
}

// execute runs one invocation end to end: compose prompt, invoke the
// specialist, and route the outcome through the gate or retry policy.
// Fatal faults are returned; ordinary task failures are absorbed into the
// graph.
func (s *Scheduler) execute(ctx context.Context, task *graph.Task, worker *registry.Worker, deps []graph.DependencyOutput) error {
	started := time.Now()
	defer func() {
		s.eng.EndInvocation(task.ID)
		s.reg.DecrementLoad(worker.ID)
		s.poke()
	}()

	composed, err := driver.ComposePrompt(s.san, task, deps)
	if err != nil {
		return s.handleFailure(task, worker, err, started)
	}

	res, err := s.drv.Invoke(ctx, driver.Invocation{
		TaskID:      task.ID,
		WorkerID:    worker.ID,
		Prompt:      composed,
		Description: task.Description,
	})
	if err != nil {
		if fault.Is(err, fault.KindCancelled) {
			return nil
		}
		return s.handleFailure(task, worker, err, started)
	}

	if task.IsCheckpoint {
		return s.handleCheckpointResult(task, worker, res, started)
	}
	return s.handleSuccess(task, worker, res, started)
}

func (s *Scheduler) handleSuccess(task *graph.Task, worker *registry.Worker, res *driver.Result, started time.Time) error {
	result := &graph.Result{
		Summary:  firstLine(res),
		Output:   res.Output(),
		Outputs:  task.ProvidedOutputs,
		ExitCode: res.ExitCode,
	}
	if err := s.eng.UpdateStatus(task.ID, graph.StatusCompleted, result); err != nil {
		return err
	}
	s.reg.RecordOutcome(worker.ID, task.ID, true, time.Since(started).Milliseconds())

	if s.store != nil {
		if err := s.store.Take(checkpoint.NameLastSuccessfulNode, s.eng); err != nil {
			logging.SchedulerWarn("Rolling snapshot failed: %v", err)
		}
	}
	s.persist()
	return nil
}

// handleCheckpointResult evaluates a finished checkpoint invocation against
// the gate thresholds and routes failures into the rework loop.
func (s *Scheduler) handleCheckpointResult(task *graph.Task, worker *registry.Worker, res *driver.Result, started time.Time) error {
	result := parseCheckpointResult(res)
	if s.gates.Evaluate(task, result) {
		if err := s.eng.UpdateStatus(task.ID, graph.StatusCompleted, result); err != nil {
			return err
		}
		s.reg.RecordOutcome(worker.ID, task.ID, true, time.Since(started).Milliseconds())
		s.persist()
		return nil
	}

	s.emitter.Emit(events.Event{
		Kind:      events.KindCheckpointFailed,
		TaskID:    task.ID,
		WorkerID:  worker.ID,
		ErrorKind: string(fault.KindCheckpointFailed),
		Message:   checkpointFailureMessage(result),
	})
	s.reg.RecordOutcome(worker.ID, task.ID, false, time.Since(started).Milliseconds())

	if s.store != nil {
		if err := s.store.Take(checkpoint.NameAutoBeforeError, s.eng); err != nil {
			logging.SchedulerWarn("Pre-error snapshot failed: %v", err)
		}
	}

	err := s.gates.HandleFailure(s.eng, task, result)
	s.persist()
	if err != nil && fault.Is(err, fault.KindCheckpointFailed) {
		// Final review failed; the run cannot succeed.
		return err
	}
	// Rework requested or exhausted: either way the loop continues with
	// whatever remains runnable.
	return nil
}

// handleFailure applies the retry policy: transient faults are retried with
// exponential backoff until the attempt cap, everything else fails the task
// and skips its dependents.
func (s *Scheduler) handleFailure(task *graph.Task, worker *registry.Worker, cause error, started time.Time) error {
	s.reg.RecordOutcome(worker.ID, task.ID, false, time.Since(started).Milliseconds())
	s.eng.RecordFailedAttempt(task.ID, cause)

	current := s.eng.Task(task.ID)
	attempts := failedAttempts(current)
	maxAttempts := s.gates.MaxReworkAttempts()

	if fault.Transient(cause) && attempts < maxAttempts {
		backoff := s.backoff(attempts)
		logging.Scheduler("Task %s attempt %d failed (%s), retrying in %s",
			task.ID, attempts, fault.KindOf(cause), backoff)
		// inProgress -> failed is not re-runnable, so route through the
		// retry path: back to pending with a not-before time.
		if err := s.requeue(task.ID, backoff); err != nil {
			return err
		}
		return nil
	}

	result := &graph.Result{Summary: cause.Error(), ExitCode: exitCodeOf(cause)}
	if err := s.eng.UpdateStatus(task.ID, graph.StatusFailed, result); err != nil {
		return err
	}
	skipped := s.eng.SkipDependents(task.ID)
	logging.SchedulerWarn("Task %s failed permanently (%s); skipped %d dependents",
		task.ID, fault.KindOf(cause), len(skipped))
	s.persist()
	return nil
}

// requeue returns an inProgress task to pending for a later retry.
func (s *Scheduler) requeue(taskID string, backoff time.Duration) error {
	if err := s.eng.UpdateStatus(taskID, graph.StatusInReview, nil); err != nil {
		return err
	}
	if err := s.eng.UpdateStatus(taskID, graph.StatusNeedsRevision, nil); err != nil {
		return err
	}
	if err := s.eng.UpdateStatus(taskID, graph.StatusPending, nil); err != nil {
		return err
	}
	s.eng.SetNextRetry(taskID, time.Now().Add(backoff))
	return nil
}

// backoff computes the exponential retry delay for the nth failure.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBackoffBase()
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.RetryBackoffMax() {
			return s.cfg.RetryBackoffMax()
		}
	}
	if limit := s.cfg.RetryBackoffMax(); d > limit {
		d = limit
	}
	return d
}

// autosaveLoop periodically flushes the graph to disk while the run lives.
func (s *Scheduler) autosaveLoop(ctx context.Context, done chan struct{}) {
	if s.cfg.AutosaveMs <= 0 {
		return
	}
	tick := time.NewTicker(s.cfg.Autosave())
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-tick.C:
			s.persist()
		}
	}
}

func (s *Scheduler) persist() {
	if s.Persist == nil {
		return
	}
	if err := s.Persist(); err != nil {
		logging.SchedulerWarn("Graph persist failed: %v", err)
	}
}

// finalize emits the terminal project event and returns the run outcome.
func (s *Scheduler) finalize(fatal error) error {
	s.drv.Shutdown()
	s.persist()

	switch {
	case s.isCancelled():
		s.emitter.Emit(events.Event{
			Kind:    events.KindProjectCancelled,
			Message: "run cancelled",
		})
		logging.Scheduler("Run cancelled")
		return fault.New(fault.KindCancelled, "run cancelled")
	case fatal != nil:
		if s.store != nil {
			if err := s.store.Take(checkpoint.NameAutoBeforeError, s.eng); err != nil {
				logging.SchedulerWarn("Pre-error snapshot failed: %v", err)
			}
		}
		s.emitter.Emit(events.Event{
			Kind:      events.KindProjectFailed,
			ErrorKind: string(fault.KindOf(fatal)),
			Message:   fatal.Error(),
		})
		logging.SchedulerWarn("Run failed: %v", fatal)
		return fatal
	default:
		s.emitter.Emit(events.Event{
			Kind:    events.KindProjectCompleted,
			Message: "all tasks completed",
		})
		logging.Scheduler("Run completed: %d invocations", s.eng.InvocationCount())
		return nil
	}
}

func firstLine(res *driver.Result) string {
	if len(res.Important) > 0 {
		return res.Important[0].Text
	}
	return ""
}

func failedAttempts(t *graph.Task) int {
	if t == nil {
		return 0
	}
	n := 0
	for _, a := range t.Attempts {
		if a.Outcome == "failure" {
			n++
		}
	}
	return n
}

func exitCodeOf(err error) int {
	if fault.Is(err, fault.KindTimeout) {
		return -1
	}
	return 1
}
