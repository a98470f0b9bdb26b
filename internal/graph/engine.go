package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"foreman/internal/events"
	"foreman/internal/fault"
	"foreman/internal/logging"
)

const eventRingSize = 1000

// Engine owns the task graph. All reads and writes are serialized here;
// UpdateStatus is atomic across the task, the ready set, and the event log.
type Engine struct {
	mu sync.RWMutex

	tasks map[string]*Task
	order []string // insertion order, stable across export/import

	// dependents is the reverse edge index: dependency id -> edges into it.
	dependents map[string][]Dependency

	eventLog []events.Event
	emitter  *events.Emitter

	// Invocation accounting. Loop detection lives here so the scheduler only
	// ever consults WithinInvocationLimit.
	totalInvocations int
	invocationCap    int
	inFlight         map[string]string // taskID -> workerID with an inProgress invocation

	strictContracts bool
	cancelled       bool
}

// Options configures an Engine.
type Options struct {
	InvocationCap   int
	StrictContracts bool
	Emitter         *events.Emitter
}

// NewEngine creates an empty graph engine.
func NewEngine(opts Options) *Engine {
	limit := opts.InvocationCap
	if limit <= 0 {
		limit = 100
	}
	return &Engine{
		tasks:           make(map[string]*Task),
		dependents:      make(map[string][]Dependency),
		inFlight:        make(map[string]string),
		invocationCap:   limit,
		strictContracts: opts.StrictContracts,
		emitter:         opts.Emitter,
	}
}

// Build replaces the graph with the given tasks, infers data and
// integration edges, validates acyclicity, computes the critical path, and
// seeds the ready set. Missing producers are returned as warnings unless
// strict contracts are enabled.
func (e *Engine) Build(tasks []*Task) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Build")
	defer timer.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Clear prior state.
	e.tasks = make(map[string]*Task, len(tasks))
	e.order = e.order[:0]
	e.dependents = make(map[string][]Dependency)
	e.eventLog = nil
	e.totalInvocations = 0
	e.inFlight = make(map[string]string)
	e.cancelled = false

	// Insert nodes.
	for _, t := range tasks {
		if t.ID == "" {
			return nil, fault.New(fault.KindInput, "task %q has no id", t.Title)
		}
		if _, dup := e.tasks[t.ID]; dup {
			return nil, fault.New(fault.KindInput, "duplicate task id %s", t.ID)
		}
		if t.EstimatedDuration < 1 {
			t.EstimatedDuration = 1
		}
		if t.Priority == "" {
			t.Priority = PriorityMedium
		}
		if t.Status == "" {
			t.Status = StatusPending
		}
		e.tasks[t.ID] = t
		e.order = append(e.order, t.ID)
	}

	// Explicit edges must reference known nodes; self-edges are forbidden.
	for _, t := range e.tasks {
		for _, dep := range t.Dependencies {
			if dep.TaskID == t.ID {
				return nil, fault.New(fault.KindInput, "task %s depends on itself", t.ID)
			}
			if _, ok := e.tasks[dep.TaskID]; !ok {
				return nil, fault.New(fault.KindInput, "task %s depends on unknown task %s", t.ID, dep.TaskID)
			}
		}
	}

	warnings := e.inferDataEdges()
	warnings = append(warnings, e.inferIntegrationEdges()...)

	if e.strictContracts {
		for _, w := range warnings {
			return nil, fault.New(fault.KindMissingProducer, "%s", w)
		}
	}

	e.rebuildDependentsLocked()

	if _, err := e.topoSortLocked(); err != nil {
		return warnings, err
	}

	e.computeCriticalPathLocked()
	e.refreshReadyLocked()

	logging.Graph("Graph built: %d tasks, %d warnings", len(e.order), len(warnings))
	return warnings, nil
}

// inferDataEdges adds a data edge from each consumer input to the first
// compatible producer (stable order by task id). Returns warnings for
// inputs with no producer.
func (e *Engine) inferDataEdges() []string {
	var warnings []string

	ids := append([]string(nil), e.order...)
	sort.Strings(ids)

	for _, id := range e.order {
		consumer := e.tasks[id]
		for _, input := range consumer.RequiredInputs {
			producerID := ""
			for _, pid := range ids {
				if pid == consumer.ID {
					continue
				}
				producer := e.tasks[pid]
				for _, output := range producer.ProvidedOutputs {
					if CompatibleItems(output, input) {
						producerID = pid
						break
					}
				}
				if producerID != "" {
					break
				}
			}
			if producerID == "" {
				warnings = append(warnings, fmt.Sprintf("no producer for input %q of task %s", input.Name, consumer.ID))
				continue
			}
			e.addEdgeLocked(consumer, producerID, EdgeData)
		}
	}
	return warnings
}

// inferIntegrationEdges resolves consumesAPI -> providesAPI and
// requiresSchema -> definesSchema contracts into edges.
func (e *Engine) inferIntegrationEdges() []string {
	var warnings []string

	ids := append([]string(nil), e.order...)
	sort.Strings(ids)

	find := func(consumerID, name string, match func(*Task, string) bool) string {
		for _, pid := range ids {
			if pid == consumerID {
				continue
			}
			if match(e.tasks[pid], name) {
				return pid
			}
		}
		return ""
	}

	providesAPI := func(t *Task, name string) bool {
		for _, api := range t.Contracts.ProvidesAPI {
			if CompatibleStrings(api, name) {
				return true
			}
		}
		return false
	}
	definesSchema := func(t *Task, name string) bool {
		for _, s := range t.Contracts.DefinesSchema {
			if CompatibleStrings(s, name) {
				return true
			}
		}
		return false
	}

	for _, id := range e.order {
		consumer := e.tasks[id]
		for _, api := range consumer.Contracts.ConsumesAPI {
			pid := find(consumer.ID, api, providesAPI)
			if pid == "" {
				warnings = append(warnings, fmt.Sprintf("no provider for API %q consumed by task %s", api, consumer.ID))
				continue
			}
			e.addEdgeLocked(consumer, pid, EdgeIntegration)
		}
		for _, schema := range consumer.Contracts.RequiresSchema {
			pid := find(consumer.ID, schema, definesSchema)
			if pid == "" {
				warnings = append(warnings, fmt.Sprintf("no definition for schema %q required by task %s", schema, consumer.ID))
				continue
			}
			e.addEdgeLocked(consumer, pid, EdgeSchema)
		}
	}
	return warnings
}

// addEdgeLocked appends the edge unless an equivalent one exists.
func (e *Engine) addEdgeLocked(t *Task, depID string, typ EdgeType) {
	for _, d := range t.Dependencies {
		if d.TaskID == depID && d.Type == typ {
			return
		}
	}
	t.Dependencies = append(t.Dependencies, Dependency{TaskID: depID, Type: typ})
	logging.GraphDebug("Edge added: %s -[%s]-> %s", t.ID, typ, depID)
}

func (e *Engine) rebuildDependentsLocked() {
	e.dependents = make(map[string][]Dependency)
	for _, id := range e.order {
		t := e.tasks[id]
		for _, dep := range t.Dependencies {
			e.dependents[dep.TaskID] = append(e.dependents[dep.TaskID], Dependency{TaskID: t.ID, Type: dep.Type})
		}
	}
}

// topoSortLocked runs Kahn's algorithm and rejects cycles.
func (e *Engine) topoSortLocked() ([]string, error) {
	indegree := make(map[string]int, len(e.tasks))
	for _, id := range e.order {
		indegree[id] = len(e.tasks[id].Dependencies)
	}

	var queue []string
	for _, id := range e.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, dep := range e.dependents[id] {
			indegree[dep.TaskID]--
			if indegree[dep.TaskID] == 0 {
				queue = append(queue, dep.TaskID)
			}
		}
	}

	if len(sorted) != len(e.tasks) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, fault.New(fault.KindCyclicGraph, "dependency cycle involving: %s", strings.Join(cyclic, ", "))
	}
	return sorted, nil
}

// computeCriticalPathLocked marks every task lying on a dependency chain
// whose total weighted duration is within 5% of the longest chain.
func (e *Engine) computeCriticalPathLocked() {
	sorted, err := e.topoSortLocked()
	if err != nil {
		return
	}

	// Forward pass: earliest finish.
	ef := make(map[string]int, len(sorted))
	for _, id := range sorted {
		t := e.tasks[id]
		maxPred := 0
		for _, dep := range t.Dependencies {
			if ef[dep.TaskID] > maxPred {
				maxPred = ef[dep.TaskID]
			}
		}
		ef[id] = maxPred + t.EstimatedDuration
	}

	overall := 0
	for _, v := range ef {
		if v > overall {
			overall = v
		}
	}

	// Backward pass: longest tail starting at each node (inclusive).
	tail := make(map[string]int, len(sorted))
	for i := len(sorted) - 1; i >= 0; i-- {
		id := sorted[i]
		t := e.tasks[id]
		maxSucc := 0
		for _, dep := range e.dependents[id] {
			if tail[dep.TaskID] > maxSucc {
				maxSucc = tail[dep.TaskID]
			}
		}
		tail[id] = maxSucc + t.EstimatedDuration
	}

	threshold := float64(overall) * 0.95
	for _, id := range sorted {
		t := e.tasks[id]
		through := ef[id] + tail[id] - t.EstimatedDuration
		t.OnCriticalPath = float64(through) >= threshold
	}
	logging.GraphDebug("Critical path computed: overall finish %d min", overall)
}

// Task returns a deep copy of a task, or nil when unknown.
func (e *Engine) Task(id string) *Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.tasks[id]; ok {
		return t.Clone()
	}
	return nil
}

// Tasks returns deep copies of all tasks in insertion order.
func (e *Engine) Tasks() []*Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Task, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.tasks[id].Clone())
	}
	return out
}

// Dependents returns ids of tasks that depend on the given task.
func (e *Engine) Dependents(id string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	deps := e.dependents[id]
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		out = append(out, d.TaskID)
	}
	sort.Strings(out)
	return out
}

// IsComplete reports whether every node is completed or skipped.
func (e *Engine) IsComplete() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, t := range e.tasks {
		if t.Status != StatusCompleted && t.Status != StatusSkipped {
			return false
		}
	}
	return len(e.tasks) > 0
}

// Counts returns the number of tasks per status.
func (e *Engine) Counts() map[Status]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	counts := make(map[Status]int)
	for _, t := range e.tasks {
		counts[t.Status]++
	}
	return counts
}

// CriticalPathRemaining sums the estimated duration of unfinished
// critical-path tasks.
func (e *Engine) CriticalPathRemaining() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := 0
	for _, t := range e.tasks {
		if t.OnCriticalPath && t.Status != StatusCompleted && t.Status != StatusSkipped {
			total += t.EstimatedDuration
		}
	}
	return total
}

// appendEventLocked records an event in the bounded ring and forwards it to
// the emitter when one is attached.
func (e *Engine) appendEventLocked(ev events.Event) {
	e.eventLog = append(e.eventLog, ev)
	if len(e.eventLog) > eventRingSize {
		e.eventLog = e.eventLog[len(e.eventLog)-eventRingSize:]
	}
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

// EventTail returns up to n of the most recent graph events.
func (e *Engine) EventTail(n int) []events.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if n <= 0 || n > len(e.eventLog) {
		n = len(e.eventLog)
	}
	out := make([]events.Event, n)
	copy(out, e.eventLog[len(e.eventLog)-n:])
	return out
}
