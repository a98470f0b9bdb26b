package registry

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"foreman/internal/fault"
	"foreman/internal/graph"
	"foreman/internal/llm"
	"foreman/internal/logging"
)

// DefaultConfidenceThreshold is the score below which an assignment is
// flagged as low confidence.
const DefaultConfidenceThreshold = 0.7

// minHistoryOutcomes is how many recorded outcomes a worker needs before its
// history moves the suitability score.
const minHistoryOutcomes = 3

// Assignment is the outcome of worker selection for one task.
type Assignment struct {
	Worker        *Worker
	Score         float64
	Confidence    float64 // score normalized to [0,1]
	LowConfidence bool
	Alternates    []Candidate // top alternates when confidence is low
}

// Candidate is a scored worker considered during selection.
type Candidate struct {
	WorkerID string
	Score    float64
}

// Registry tracks workers and their current load.
type Registry struct {
	mu            sync.RWMutex
	workers       map[string]*Worker
	order         []string
	loads         map[string]int
	threshold     float64
	maxConcurrent int

	watcher *fsnotify.Watcher
	done    chan struct{}
	stats   *StatsStore
}

// New creates a registry with the built-in default roster.
func New() *Registry {
	r := &Registry{
		workers:   make(map[string]*Worker),
		loads:     make(map[string]int),
		threshold: DefaultConfidenceThreshold,
	}
	for _, w := range defaultRoster() {
		r.addLocked(w)
	}
	return r
}

// SetConfidenceThreshold overrides the low-confidence cutoff.
func (r *Registry) SetConfidenceThreshold(t float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t > 0 && t <= 1 {
		r.threshold = t
	}
}

// SetMaxConcurrent caps every worker's concurrency at n, including workers
// added later. Roster entries declaring a lower limit keep it.
func (r *Registry) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxConcurrent = n
	for _, w := range r.workers {
		if w.MaxConcurrentTasks > n {
			w.MaxConcurrentTasks = n
		}
	}
}

// SetStatsStore attaches a performance-stats store; outcomes recorded via
// RecordOutcome flow into it.
func (r *Registry) SetStatsStore(s *StatsStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = s
}

func (r *Registry) addLocked(w *Worker) {
	if w.MaxConcurrentTasks <= 0 {
		w.MaxConcurrentTasks = 5
	}
	if r.maxConcurrent > 0 && w.MaxConcurrentTasks > r.maxConcurrent {
		w.MaxConcurrentTasks = r.maxConcurrent
	}
	if _, exists := r.workers[w.ID]; !exists {
		r.order = append(r.order, w.ID)
	}
	r.workers[w.ID] = w
}

// Add registers or replaces a worker definition.
func (r *Registry) Add(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(w)
}

// Worker returns a worker by id.
func (r *Registry) Worker(id string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// Workers returns all workers in registration order.
func (r *Registry) Workers() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id])
	}
	return out
}

// Specialists returns the specialization names of development workers, used
// to steer task generation.
func (r *Registry) Specialists() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.order {
		if w := r.workers[id]; !w.CheckpointOnly() {
			out = append(out, w.Specialization)
		}
	}
	return out
}

// Load returns the current load for a worker.
func (r *Registry) Load(workerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loads[workerID]
}

// IncrementLoad reserves one slot on the worker. It fails when the worker is
// already at capacity; capacity is enforced at assignment time, strictly.
func (r *Registry) IncrementLoad(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return fault.New(fault.KindWorkerUnavailable, "unknown worker %s", workerID)
	}
	if r.loads[workerID] >= w.MaxConcurrentTasks {
		return fault.New(fault.KindWorkerUnavailable, "worker %s at capacity (%d)", workerID, w.MaxConcurrentTasks)
	}
	r.loads[workerID]++
	return nil
}

// DecrementLoad releases one slot on the worker.
func (r *Registry) DecrementLoad(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loads[workerID] > 0 {
		r.loads[workerID]--
	}
}

// FindBestWorker selects the best worker for the task. Checkpoint tasks map
// to the checkpoint worker of the matching type; standard tasks are scored
// across development workers with free capacity. Ties break by lowest load,
// then lexicographic id.
func (r *Registry) FindBestWorker(task *graph.Task) (*Assignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		w     *Worker
		score float64
		load  int
	}
	var candidates []scored
	for _, id := range r.order {
		w := r.workers[id]
		if task.IsCheckpoint != w.CheckpointOnly() {
			continue
		}
		load := r.loads[id]
		if load >= w.MaxConcurrentTasks {
			continue
		}
		score := w.Suitability(task, load)
		if score <= 0 {
			continue
		}
		score += r.historyBonusLocked(w)
		candidates = append(candidates, scored{w, score, load})
	}
	if len(candidates) == 0 {
		return nil, fault.New(fault.KindWorkerUnavailable,
			"no worker available for task %s (%s)", task.ID, task.SpecialistKind)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		return candidates[i].w.ID < candidates[j].w.ID
	})

	best := candidates[0]
	confidence := best.score / 100
	if confidence > 1 {
		confidence = 1
	}
	asg := &Assignment{
		Worker:     best.w,
		Score:      best.score,
		Confidence: confidence,
	}
	if confidence < r.threshold {
		asg.LowConfidence = true
		for _, c := range candidates[1:] {
			asg.Alternates = append(asg.Alternates, Candidate{WorkerID: c.w.ID, Score: c.score})
			if len(asg.Alternates) == 3 {
				break
			}
		}
		logging.Registry("Low-confidence assignment for task %s: %s (%.2f), %d alternates",
			task.ID, best.w.ID, confidence, len(asg.Alternates))
	}
	return asg, nil
}

// historyBonusLocked folds recorded outcomes into the suitability score.
// Workers without an established record score neutrally; with one, the bonus
// is centred on a 50% success rate and worth at most 5 points either way.
func (r *Registry) historyBonusLocked(w *Worker) float64 {
	if r.stats == nil {
		return 0
	}
	p, err := r.stats.Profile(w)
	if err != nil || p.CompletedTasks < minHistoryOutcomes {
		return 0
	}
	return (p.SuccessRate - 0.5) * 10
}

// Profile returns the performance profile for a worker, backed by recorded
// history when a stats store is attached.
func (r *Registry) Profile(workerID string) (llm.WorkerProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return llm.WorkerProfile{}, fault.New(fault.KindWorkerUnavailable, "unknown worker %s", workerID)
	}
	if r.stats != nil {
		if p, err := r.stats.Profile(w); err == nil {
			return p, nil
		}
	}
	return llm.WorkerProfile{
		ID:             w.ID,
		Name:           w.Name,
		Specialization: w.Specialization,
		Skills:         w.Skills(),
	}, nil
}

// RecordOutcome records a task outcome against the worker's performance
// history.
func (r *Registry) RecordOutcome(workerID, taskID string, success bool, durationMs int64) {
	r.mu.RLock()
	stats := r.stats
	r.mu.RUnlock()
	if stats == nil {
		return
	}
	if err := stats.Record(workerID, taskID, success, durationMs); err != nil {
		logging.RegistryDebug("Failed to record outcome for %s: %v", workerID, err)
	}
}

// rosterFile is the on-disk roster shape.
type rosterFile struct {
	Workers []*Worker `yaml:"workers"`
}

// LoadRoster replaces the roster from a workers.yaml file. Unknown fields
// are ignored; an empty file keeps the current roster.
func (r *Registry) LoadRoster(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fault.Wrap(fault.KindInput, err, "failed to read roster %s", path)
	}
	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fault.Wrap(fault.KindInput, err, "failed to parse roster %s", path)
	}
	if len(file.Workers) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = make(map[string]*Worker, len(file.Workers))
	r.order = r.order[:0]
	for _, w := range file.Workers {
		if w.ID == "" {
			return fault.New(fault.KindInput, "roster %s contains worker without id", path)
		}
		r.addLocked(w)
	}
	logging.Registry("Roster loaded: %d workers from %s", len(file.Workers), path)
	return nil
}

// Watch reloads the roster whenever the file changes. Call Close to stop.
func (r *Registry) Watch(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "failed to create roster watcher")
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fault.Wrap(fault.KindInternal, err, "failed to watch %s", path)
	}

	r.mu.Lock()
	r.watcher = watcher
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		target := filepath.Clean(path)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.LoadRoster(path); err != nil {
					logging.Registry("Roster reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.RegistryDebug("Roster watcher error: %v", err)
			case <-done:
				return
			}
		}
	}()
	return nil
}

// Close stops the roster watcher and the stats store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	if r.watcher != nil {
		r.watcher.Close()
		r.watcher = nil
	}
	if r.stats != nil {
		r.stats.Close()
		r.stats = nil
	}
	return nil
}

// defaultRoster is the built-in worker set used when no workers.yaml exists.
func defaultRoster() []*Worker {
	return []*Worker{
		{
			ID:             "backend-dev",
			Name:           "Backend Developer",
			Specialization: "backend-developer",
			Capabilities: map[string]Capability{
				"backend":  {Efficiency: 0.95, Experience: ExperienceExpert},
				"api":      {Efficiency: 0.9, Experience: ExperienceExpert},
				"database": {Efficiency: 0.7, Experience: ExperienceAdvanced},
			},
			MaxConcurrentTasks: 5,
		},
		{
			ID:             "frontend-dev",
			Name:           "Frontend Developer",
			Specialization: "frontend-developer",
			Capabilities: map[string]Capability{
				"frontend": {Efficiency: 0.95, Experience: ExperienceExpert},
				"ui":       {Efficiency: 0.9, Experience: ExperienceAdvanced},
				"api":      {Efficiency: 0.6, Experience: ExperienceIntermediate},
			},
			MaxConcurrentTasks: 5,
		},
		{
			ID:             "database-dev",
			Name:           "Database Specialist",
			Specialization: "database-specialist",
			Capabilities: map[string]Capability{
				"database": {Efficiency: 0.95, Experience: ExperienceExpert},
				"schema":   {Efficiency: 0.9, Experience: ExperienceExpert},
				"backend":  {Efficiency: 0.5, Experience: ExperienceIntermediate},
			},
			MaxConcurrentTasks: 5,
		},
		{
			ID:             "qa-dev",
			Name:           "QA Engineer",
			Specialization: "qa-engineer",
			Capabilities: map[string]Capability{
				"test":        {Efficiency: 0.95, Experience: ExperienceExpert},
				"integration": {Efficiency: 0.85, Experience: ExperienceAdvanced},
			},
			MaxConcurrentTasks: 5,
		},
		{
			ID:                 "code-reviewer",
			Name:               "Code Reviewer",
			Specialization:     "code-reviewer",
			CheckpointRole:     graph.CheckpointCodeReview,
			MaxConcurrentTasks: 5,
		},
		{
			ID:                 "qa-tester",
			Name:               "QA Tester",
			Specialization:     "qa-tester",
			CheckpointRole:     graph.CheckpointQATest,
			MaxConcurrentTasks: 5,
		},
	}
}
