// Package orchestrator is the request surface: it creates projects from user
// text, runs them through the scheduler, and exposes status and the event
// stream. Each project owns a directory under <workspace>/.foreman/projects/
// with graph.json, events.log, and checkpoints/.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"foreman/internal/analyzer"
	"foreman/internal/checkpoint"
	"foreman/internal/config"
	"foreman/internal/driver"
	"foreman/internal/events"
	"foreman/internal/fault"
	"foreman/internal/gates"
	"foreman/internal/graph"
	"foreman/internal/llm"
	"foreman/internal/logging"
	"foreman/internal/registry"
	"foreman/internal/scheduler"
)

// ProjectState is the lifecycle of one project.
type ProjectState string

const (
	StateCreated   ProjectState = "created"
	StateRunning   ProjectState = "running"
	StateCompleted ProjectState = "completed"
	StateFailed    ProjectState = "failed"
	StateCancelled ProjectState = "cancelled"
)

// Status is the caller-facing project summary.
type Status struct {
	ProjectID             string       `json:"projectId"`
	State                 ProjectState `json:"state"`
	ReadyCount            int          `json:"readyCount"`
	InProgressCount       int          `json:"inProgressCount"`
	CompletedCount        int          `json:"completedCount"`
	FailedCount           int          `json:"failedCount"`
	CriticalPathRemaining int          `json:"criticalPathRemaining"` // minutes
}

// project is one orchestrated run and its resources.
type project struct {
	id       string
	dir      string
	eng      *graph.Engine
	emitter  *events.Emitter
	sink     *events.FileSink
	store    *checkpoint.Store
	sched    *scheduler.Scheduler
	drv      *driver.Driver
	analyzed *analyzer.AnalyzedProject

	mu     sync.Mutex
	state  ProjectState
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// Orchestrator manages projects within one workspace.
type Orchestrator struct {
	cfg       *config.Config
	workspace string
	reg       *registry.Registry
	adapter   *llm.Adapter
	analyzer  *analyzer.Analyzer

	mu       sync.Mutex
	projects map[string]*project
}

// New wires an orchestrator for the workspace. A nil client runs entirely on
// the rule-based planner.
func New(workspace string, cfg *config.Config, client llm.Client) (*Orchestrator, error) {
	reg := registry.New()
	reg.SetConfidenceThreshold(cfg.Scheduler.ConfidenceThreshold)
	reg.SetMaxConcurrent(cfg.Scheduler.PerWorkerMaxConcurrent)

	rosterPath := filepath.Join(workspace, ".foreman", "workers.yaml")
	if _, err := os.Stat(rosterPath); err == nil {
		if err := reg.LoadRoster(rosterPath); err != nil {
			return nil, err
		}
		if err := reg.Watch(rosterPath); err != nil {
			logging.Registry("Roster watch unavailable: %v", err)
		}
	}

	statsPath := filepath.Join(workspace, ".foreman", "stats.db")
	if err := os.MkdirAll(filepath.Dir(statsPath), 0755); err != nil {
		return nil, err
	}
	if stats, err := registry.OpenStatsStore(statsPath); err == nil {
		reg.SetStatsStore(stats)
	} else {
		logging.Registry("Stats store unavailable: %v", err)
	}

	adapter := llm.NewAdapter(client, llm.AdapterConfig{
		MaxRetries: cfg.LLM.MaxRetries,
		CacheSize:  cfg.LLM.CacheSize,
		CacheTTL:   cfg.LLM.CacheTTL(),
		Timeout:    cfg.LLM.Timeout(),
	})

	return &Orchestrator{
		cfg:       cfg,
		workspace: workspace,
		reg:       reg,
		adapter:   adapter,
		analyzer:  analyzer.New(adapter, cfg.Prompt),
		projects:  make(map[string]*project),
	}, nil
}

// Registry exposes the worker registry, for inspection commands.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// CreateProject analyzes the request, injects quality gates, builds the
// graph, and persists the initial state. Returns the new project id.
func (o *Orchestrator) CreateProject(ctx context.Context, userText string) (string, error) {
	analyzed, err := o.analyzer.Analyze(ctx, userText, o.reg.Specialists())
	if err != nil {
		return "", err
	}

	projectID := analyzed.Blueprint.ProjectID
	if projectID == "" {
		projectID = uuid.NewString()
	}
	dir := filepath.Join(o.workspace, ".foreman", "projects", projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "failed to create project dir")
	}

	emitter := events.NewEmitter()
	sink, err := events.NewFileSink(filepath.Join(dir, "events.log"), 1000)
	if err != nil {
		return "", err
	}
	emitter.AddSink(sink.Append)

	gatePipeline := gates.New(o.cfg.Gates)
	tasks := gatePipeline.InjectCheckpoints(analyzed.Tasks)

	eng := graph.NewEngine(graph.Options{
		InvocationCap:   o.cfg.Scheduler.GlobalMaxInvocations,
		StrictContracts: o.cfg.Gates.StrictContracts,
		Emitter:         emitter,
	})
	warnings, err := eng.Build(tasks)
	if err != nil {
		return "", err
	}
	for _, w := range warnings {
		logging.AnalyzerWarn("Graph warning: %s", w)
	}

	store, err := checkpoint.NewStore(dir)
	if err != nil {
		return "", err
	}

	drv := driver.New(o.cfg.Driver, o.cfg.Scheduler.GracePeriod(), emitter)
	sched := scheduler.New(scheduler.Options{
		Config:   o.cfg.Scheduler,
		Prompt:   o.cfg.Prompt,
		Engine:   eng,
		Registry: o.reg,
		Driver:   drv,
		Gates:    gatePipeline,
		Store:    store,
		Emitter:  emitter,
		Adapter:  o.adapter,
	})

	p := &project{
		id:       projectID,
		dir:      dir,
		eng:      eng,
		emitter:  emitter,
		sink:     sink,
		store:    store,
		sched:    sched,
		drv:      drv,
		analyzed: analyzed,
		state:    StateCreated,
	}
	sched.Persist = p.persistGraph
	emitter.SetSnapshotFunc(func() interface{} { return o.statusOf(p) })

	if err := store.Take(checkpoint.NameInitialized, eng); err != nil {
		logging.Snapshot("Initial snapshot failed: %v", err)
	}
	if err := p.persistGraph(); err != nil {
		return "", err
	}

	o.mu.Lock()
	o.projects[projectID] = p
	o.mu.Unlock()

	emitter.Emit(events.Event{
		Kind:    events.KindProjectOrchestrated,
		Message: analyzed.Blueprint.Domain,
		Payload: map[string]interface{}{
			"taskCount":  len(tasks),
			"complexity": analyzed.Complexity,
			"totalMin":   analyzed.EstimatedTotalDuration,
		},
	})
	logging.Boot("Project %s created: %d tasks (%d after gate injection)",
		projectID, len(analyzed.Tasks), len(tasks))
	return projectID, nil
}

// persistGraph atomically writes graph.json for the project.
func (p *project) persistGraph() error {
	data, err := p.eng.Export()
	if err != nil {
		return err
	}
	path := filepath.Join(p.dir, "graph.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (o *Orchestrator) get(projectID string) (*project, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.projects[projectID]
	if !ok {
		return nil, fault.New(fault.KindInput, "unknown project %s", projectID)
	}
	return p, nil
}

// StartProject launches the scheduler for the project. The returned channel
// closes when the run finishes; RunError reports the outcome.
func (o *Orchestrator) StartProject(ctx context.Context, projectID string) (<-chan struct{}, error) {
	p, err := o.get(projectID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.state == StateRunning {
		p.mu.Unlock()
		return nil, fault.New(fault.KindInput, "project %s already running", projectID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.state = StateRunning
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		err := p.sched.Run(runCtx)
		cancel()

		p.mu.Lock()
		p.runErr = err
		switch {
		case err == nil:
			p.state = StateCompleted
		case fault.Is(err, fault.KindCancelled):
			p.state = StateCancelled
		default:
			p.state = StateFailed
		}
		p.mu.Unlock()
	}()
	return done, nil
}

// CancelProject stops a running project.
func (o *Orchestrator) CancelProject(projectID string) error {
	p, err := o.get(projectID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	running := p.state == StateRunning
	p.mu.Unlock()
	if !running {
		return fault.New(fault.KindInput, "project %s is not running", projectID)
	}
	p.sched.Cancel()
	return nil
}

// RunError returns the terminal error of a finished run, nil while running
// or on success.
func (o *Orchestrator) RunError(projectID string) error {
	p, err := o.get(projectID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runErr
}

// GetProjectStatus summarizes the project's graph.
func (o *Orchestrator) GetProjectStatus(projectID string) (*Status, error) {
	p, err := o.get(projectID)
	if err != nil {
		return nil, err
	}
	return o.statusOf(p), nil
}

func (o *Orchestrator) statusOf(p *project) *Status {
	counts := p.eng.Counts()
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	return &Status{
		ProjectID:             p.id,
		State:                 state,
		ReadyCount:            counts[graph.StatusReady],
		InProgressCount:       counts[graph.StatusInProgress],
		CompletedCount:        counts[graph.StatusCompleted],
		FailedCount:           counts[graph.StatusFailed],
		CriticalPathRemaining: p.eng.CriticalPathRemaining(),
	}
}

// SubscribeEvents attaches an observer to the project's event stream. The
// subscription snapshot carries the status at join time.
func (o *Orchestrator) SubscribeEvents(projectID string) (*events.Subscription, error) {
	p, err := o.get(projectID)
	if err != nil {
		return nil, err
	}
	return p.emitter.Subscribe(64), nil
}

// RecoverProject restores the most recent valid snapshot for a project that
// hit a fatal graph error, then persists the restored graph.
func (o *Orchestrator) RecoverProject(projectID string) (string, error) {
	p, err := o.get(projectID)
	if err != nil {
		return "", err
	}
	name, err := p.store.Recover(p.eng)
	if err != nil {
		return "", err
	}
	if err := p.persistGraph(); err != nil {
		return name, err
	}
	p.mu.Lock()
	p.state = StateCreated
	p.runErr = nil
	p.mu.Unlock()
	return name, nil
}

// Close shuts down every project's resources and the shared registry.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	projects := make([]*project, 0, len(o.projects))
	for _, p := range o.projects {
		projects = append(projects, p)
	}
	o.mu.Unlock()

	for _, p := range projects {
		p.mu.Lock()
		if p.state == StateRunning && p.cancel != nil {
			p.cancel()
		}
		done := p.done
		p.mu.Unlock()
		if done != nil {
			<-done
		}
		p.drv.EmergencyCleanup(context.Background())
		p.emitter.Close()
	}
	o.reg.Close()
	logging.Boot("Orchestrator closed: %d projects", len(projects))
}
