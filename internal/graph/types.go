// Package graph implements the authoritative task dependency graph: nodes,
// typed edges, critical-path computation, the ready set, and the task status
// state machine. It is the only component allowed to mutate task status.
package graph

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending       Status = "pending"
	StatusReady         Status = "ready"
	StatusInProgress    Status = "inProgress"
	StatusInReview      Status = "inReview"
	StatusNeedsRevision Status = "needsRevision"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusSkipped       Status = "skipped"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// TaskType classifies what a task produces.
type TaskType string

const (
	TypeImplementation TaskType = "implementation"
	TypeReview         TaskType = "review"
	TypeTest           TaskType = "test"
	TypeFinalReview    TaskType = "finalReview"
)

// EdgeType classifies why a task depends on another.
type EdgeType string

const (
	EdgeCompletion  EdgeType = "completion"
	EdgeData        EdgeType = "data"
	EdgeIntegration EdgeType = "integration"
	EdgeSchema      EdgeType = "schema"
)

// Priority levels for ready-set ordering and analysis output.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// CheckpointType identifies the role of an injected checkpoint task.
type CheckpointType string

const (
	CheckpointCodeReview      CheckpointType = "codeReview"
	CheckpointQATest          CheckpointType = "qaTest"
	CheckpointFinalCodeReview CheckpointType = "finalCodeReview"
	CheckpointFinalQATest     CheckpointType = "finalQaTest"
)

// DataItem is a typed data declaration a task consumes or produces.
type DataItem struct {
	Name   string `json:"name"`
	Type   string `json:"type,omitempty"`
	Format string `json:"format,omitempty"`
	Schema string `json:"schema,omitempty"`
}

// IntegrationContracts declares what a task provides or requires by name.
type IntegrationContracts struct {
	ProvidesAPI          []string `json:"providesAPI,omitempty"`
	ConsumesAPI          []string `json:"consumesAPI,omitempty"`
	DefinesSchema        []string `json:"definesSchema,omitempty"`
	RequiresSchema       []string `json:"requiresSchema,omitempty"`
	EstablishesInterface []string `json:"establishesInterface,omitempty"`
}

// Empty reports whether no contracts are declared.
func (c IntegrationContracts) Empty() bool {
	return len(c.ProvidesAPI) == 0 && len(c.ConsumesAPI) == 0 &&
		len(c.DefinesSchema) == 0 && len(c.RequiresSchema) == 0 &&
		len(c.EstablishesInterface) == 0
}

// Dependency is a directed edge from a task to one of its predecessors.
type Dependency struct {
	TaskID string   `json:"taskId"`
	Type   EdgeType `json:"type"`
}

// Finding is a single quality-gate observation.
type Finding struct {
	Severity string `json:"severity"` // low, medium, high, critical
	Message  string `json:"message"`
}

// HighSeverity reports whether the finding blocks a gate pass.
func (f Finding) HighSeverity() bool {
	return f.Severity == "high" || f.Severity == "critical"
}

// Result is the outcome of a completed task attempt.
type Result struct {
	Summary  string     `json:"summary,omitempty"`
	Output   string     `json:"output,omitempty"`
	Outputs  []DataItem `json:"outputs,omitempty"`
	ExitCode int        `json:"exitCode"`

	// Checkpoint-only fields
	Passed       *bool     `json:"passed,omitempty"`
	QualityScore float64   `json:"qualityScore,omitempty"`
	Findings     []Finding `json:"findings,omitempty"`
}

// Attempt records one execution attempt of a task.
type Attempt struct {
	Number    int       `json:"number"`
	Outcome   string    `json:"outcome"` // success, failure
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Task is a node in the graph.
type Task struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Type           TaskType `json:"type"`
	SpecialistKind string   `json:"specialistKind"`

	RequiredInputs  []DataItem           `json:"requiredInputs,omitempty"`
	ProvidedOutputs []DataItem           `json:"providedOutputs,omitempty"`
	Contracts       IntegrationContracts `json:"integrationContracts"`
	Dependencies    []Dependency         `json:"dependencies,omitempty"`

	ValidationCriteria []string `json:"validationCriteria,omitempty"`
	EstimatedDuration  int      `json:"estimatedDuration"` // minutes, >= 1
	Priority           Priority `json:"priority"`

	Status         Status     `json:"status"`
	AssignedWorker string     `json:"assignedWorker,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	FailedAt       *time.Time `json:"failedAt,omitempty"`
	Result         *Result    `json:"result,omitempty"`
	QualityScore   float64    `json:"qualityScore,omitempty"`
	AttemptCount   int        `json:"attemptCount"`
	Attempts       []Attempt  `json:"attempts,omitempty"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`

	// Checkpoint task fields
	IsCheckpoint   bool           `json:"isCheckpoint,omitempty"`
	CheckpointType CheckpointType `json:"checkpointType,omitempty"`
	ReviewsTaskID  string         `json:"reviewsTaskId,omitempty"`

	// Computed during build
	OnCriticalPath bool `json:"onCriticalPath,omitempty"`
}

// Standard reports whether the task is ordinary development work (not an
// injected checkpoint).
func (t *Task) Standard() bool { return !t.IsCheckpoint }

// EstablishesIntegration reports whether the task declares any
// provides/defines/establishes contract.
func (t *Task) EstablishesIntegration() bool {
	return len(t.Contracts.ProvidesAPI) > 0 ||
		len(t.Contracts.DefinesSchema) > 0 ||
		len(t.Contracts.EstablishesInterface) > 0
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	cp.RequiredInputs = append([]DataItem(nil), t.RequiredInputs...)
	cp.ProvidedOutputs = append([]DataItem(nil), t.ProvidedOutputs...)
	cp.Dependencies = append([]Dependency(nil), t.Dependencies...)
	cp.ValidationCriteria = append([]string(nil), t.ValidationCriteria...)
	cp.Attempts = append([]Attempt(nil), t.Attempts...)
	cp.Contracts = IntegrationContracts{
		ProvidesAPI:          append([]string(nil), t.Contracts.ProvidesAPI...),
		ConsumesAPI:          append([]string(nil), t.Contracts.ConsumesAPI...),
		DefinesSchema:        append([]string(nil), t.Contracts.DefinesSchema...),
		RequiresSchema:       append([]string(nil), t.Contracts.RequiresSchema...),
		EstablishesInterface: append([]string(nil), t.Contracts.EstablishesInterface...),
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.FailedAt != nil {
		v := *t.FailedAt
		cp.FailedAt = &v
	}
	if t.NextRetryAt != nil {
		v := *t.NextRetryAt
		cp.NextRetryAt = &v
	}
	if t.Result != nil {
		r := *t.Result
		r.Outputs = append([]DataItem(nil), t.Result.Outputs...)
		r.Findings = append([]Finding(nil), t.Result.Findings...)
		if t.Result.Passed != nil {
			p := *t.Result.Passed
			r.Passed = &p
		}
		cp.Result = &r
	}
	return &cp
}

// DependencyOutput pairs a satisfied predecessor with its produced outputs,
// handed to the worker prompt for a ready task.
type DependencyOutput struct {
	TaskID  string     `json:"taskId"`
	Title   string     `json:"title"`
	Summary string     `json:"summary,omitempty"`
	Outputs []DataItem `json:"outputs,omitempty"`
}

// ReadyTask is a snapshot entry from the ready set.
type ReadyTask struct {
	Task              *Task
	DependencyOutputs []DependencyOutput
}
