// Package driver invokes the external specialist tool as a subprocess: the
// composed prompt goes in on stdin, stdout/stderr come back as categorized
// line streams. The driver enforces per-invocation runtime and inactivity
// limits and cleans up every process it started.
package driver

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"foreman/internal/config"
	"foreman/internal/events"
	"foreman/internal/fault"
	"foreman/internal/logging"
)

// complexRe matches task descriptions that warrant the extended runtime.
var complexRe = regexp.MustCompile(`(?i)\b(complete|full|comprehensive|entire|frontend|backend|database|architecture|migration)\b`)

// Invocation is one request to run the specialist tool.
type Invocation struct {
	TaskID   string
	WorkerID string
	Prompt   string
	// Description is consulted for the complex-task runtime extension.
	Description string
}

// Result is the outcome of one finished invocation.
type Result struct {
	ExitCode  int
	Important []Line // progress, task, and error lines
	Tail      []Line // last N lines of everything, kept for diagnostics
	Duration  time.Duration
}

// Output concatenates the important lines.
func (r *Result) Output() string {
	var b strings.Builder
	for _, l := range r.Important {
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// running tracks one live subprocess.
type running struct {
	taskID       string
	workerID     string
	cmd          *exec.Cmd
	cancel       context.CancelFunc
	lastActivity atomic.Int64 // unix nanos
	startedAt    time.Time
}

// Driver runs specialist invocations.
type Driver struct {
	cfg     config.DriverConfig
	grace   time.Duration
	emitter *events.Emitter

	mu      sync.Mutex
	tracked map[string]*running // taskID -> invocation
}

// New creates a Driver.
func New(cfg config.DriverConfig, grace time.Duration, emitter *events.Emitter) *Driver {
	if cfg.MaxOutputLines <= 0 {
		cfg.MaxOutputLines = 256
	}
	if cfg.HeartbeatMs <= 0 {
		cfg.HeartbeatMs = 30000
	}
	if cfg.MaxRuntimeMs <= 0 {
		cfg.MaxRuntimeMs = 600000
	}
	if cfg.MaxRuntimeComplexMs <= 0 {
		cfg.MaxRuntimeComplexMs = 2 * cfg.MaxRuntimeMs
	}
	if cfg.MaxInactivityMs <= 0 {
		cfg.MaxInactivityMs = 180000
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Driver{
		cfg:     cfg,
		grace:   grace,
		emitter: emitter,
		tracked: make(map[string]*running),
	}
}

// maxRuntime returns the runtime limit for an invocation, extended for
// tasks matching the complex word set.
func (d *Driver) maxRuntime(inv Invocation) time.Duration {
	if complexRe.MatchString(inv.Description) {
		return d.cfg.MaxRuntimeComplex()
	}
	return d.cfg.MaxRuntime()
}

// Invoke runs the specialist tool to completion. A forced termination
// (runtime, inactivity, or cancellation) yields an error and no partial
// result beyond the diagnostic tail inside the fault.
func (d *Driver) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryDriver, "Invoke")
	defer timer.Stop()

	tool, err := exec.LookPath(d.cfg.Tool)
	if err != nil {
		return nil, fault.Wrap(fault.KindWorkerUnavailable, err, "specialist tool %q not found", d.cfg.Tool)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, tool, d.cfg.Args...)
	cmd.Stdin = strings.NewReader(inv.Prompt)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = d.grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(fault.KindWorkerExit, err, "failed to start %s", d.cfg.Tool)
	}

	run := &running{
		taskID:    inv.TaskID,
		workerID:  inv.WorkerID,
		cmd:       cmd,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	run.lastActivity.Store(time.Now().UnixNano())
	d.track(run)
	defer d.untrack(inv.TaskID)

	logging.Driver("Invocation started: task=%s worker=%s pid=%d",
		inv.TaskID, inv.WorkerID, cmd.Process.Pid)

	collector := newCollector(d.cfg.MaxOutputLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go d.consume(&wg, stdout, run, collector, false)
	go d.consume(&wg, stderr, run, collector, true)

	// Watchdog: heartbeats plus runtime/inactivity enforcement.
	watchdogDone := make(chan struct{})
	var timeoutCause atomic.Value // fault.TimeoutCause
	go d.watchdog(runCtx, run, d.maxRuntime(inv), &timeoutCause, cancel, watchdogDone)

	wg.Wait()
	waitErr := cmd.Wait()
	close(watchdogDone)

	duration := time.Since(run.startedAt)
	result := &Result{
		ExitCode:  cmd.ProcessState.ExitCode(),
		Important: collector.important(),
		Tail:      collector.tail(),
		Duration:  duration,
	}

	if cause, ok := timeoutCause.Load().(fault.TimeoutCause); ok {
		logging.DriverWarn("Invocation timed out (%s): task=%s after %s", cause, inv.TaskID, duration)
		return nil, fault.Timeout(cause, "task %s terminated after %s: %s",
			inv.TaskID, duration.Round(time.Second), collector.diagnostic())
	}
	if ctx.Err() != nil {
		return nil, fault.Wrap(fault.KindCancelled, ctx.Err(), "task %s invocation cancelled", inv.TaskID)
	}
	if waitErr != nil {
		logging.DriverWarn("Invocation failed: task=%s exit=%d", inv.TaskID, result.ExitCode)
		return nil, fault.Wrap(fault.KindWorkerExit, waitErr,
			"task %s worker exited with code %d: %s", inv.TaskID, result.ExitCode, collector.diagnostic())
	}

	logging.Driver("Invocation completed: task=%s duration=%s lines=%d",
		inv.TaskID, duration.Round(time.Millisecond), collector.total())
	return result, nil
}

// consume reads one output stream line by line, categorizes each line, and
// refreshes the activity clock.
func (d *Driver) consume(wg *sync.WaitGroup, r io.Reader, run *running, c *collector, isStderr bool) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		run.lastActivity.Store(time.Now().UnixNano())
		line := categorize(text, isStderr)
		c.add(line)
		if line.Category == CategoryProgress && d.emitter != nil {
			d.emitter.Emit(events.Event{
				Kind:     events.KindTaskProgress,
				TaskID:   run.taskID,
				WorkerID: run.workerID,
				Message:  text,
			})
		}
	}
}

// watchdog emits heartbeats and kills the invocation on runtime or
// inactivity breach.
func (d *Driver) watchdog(ctx context.Context, run *running, maxRuntime time.Duration, cause *atomic.Value, kill context.CancelFunc, done chan struct{}) {
	heartbeat := time.NewTicker(d.cfg.Heartbeat())
	check := time.NewTicker(time.Second)
	defer heartbeat.Stop()
	defer check.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if d.emitter != nil {
				d.emitter.Emit(events.Event{
					Kind:     events.KindWorkerHeartbeat,
					TaskID:   run.taskID,
					WorkerID: run.workerID,
					Message:  "invocation alive",
				})
			}
		case <-check.C:
			if time.Since(run.startedAt) > maxRuntime {
				cause.Store(fault.TimeoutRuntime)
				kill()
				return
			}
			last := time.Unix(0, run.lastActivity.Load())
			if time.Since(last) > d.cfg.MaxInactivity() {
				cause.Store(fault.TimeoutInactivity)
				kill()
				return
			}
		}
	}
}

func (d *Driver) track(run *running) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracked[run.taskID] = run
}

func (d *Driver) untrack(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tracked, taskID)
}

// ActiveInvocations returns the task ids with a live subprocess.
func (d *Driver) ActiveInvocations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.tracked))
	for id := range d.tracked {
		out = append(out, id)
	}
	return out
}

// Terminate cancels the invocation for a task, if one is live.
func (d *Driver) Terminate(taskID string) {
	d.mu.Lock()
	run, ok := d.tracked[taskID]
	d.mu.Unlock()
	if ok {
		logging.Driver("Terminating invocation for task %s", taskID)
		run.cancel()
	}
}
