// Package llm is the single typed facade over the external language service
// used for requirements analysis, blueprint creation, task generation, and
// assignment scoring. Responses are cached under deterministic keys; failures
// retry and then fall back to the rule-based planner.
package llm

// Analysis is the first-pass understanding of a user request.
type Analysis struct {
	Domain         string   `json:"domain"`
	UserTypes      []string `json:"userTypes"`
	CoreNeeds      []string `json:"coreNeeds"`
	ComplexityHint string   `json:"complexityHint"` // low, medium, high
}

// Component is one buildable piece of the planned system.
type Component struct {
	Type string `json:"type"` // frontend, backend, database, ...
	Name string `json:"name"`
}

// Workflow names a user-facing flow the system must support.
type Workflow struct {
	Name  string   `json:"name"`
	Steps []string `json:"steps,omitempty"`
}

// Blueprint is the structured plan the analyzer expands into tasks.
type Blueprint struct {
	ProjectID           string      `json:"projectId"`
	Domain              string      `json:"domain"`
	ArchitecturePattern string      `json:"architecturePattern,omitempty"`
	Components          []Component `json:"components"`
	Workflows           []Workflow  `json:"workflows,omitempty"`
	Integrations        []string    `json:"integrations,omitempty"`
	QualityGates        []string    `json:"qualityGates,omitempty"`
	Compliance          []string    `json:"compliance,omitempty"`
}

// WorkerProfile is the slice of worker state the scorer sees.
type WorkerProfile struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Specialization string   `json:"specialization"`
	Skills         []string `json:"skills"`
	SuccessRate    float64  `json:"successRate"`
	CompletedTasks int      `json:"completedTasks"`
	AvgDurationMs  int64    `json:"avgDurationMs,omitempty"`
}

// AssignmentScore is the model's judgement of a task/worker pairing.
type AssignmentScore struct {
	Confidence float64  `json:"confidence"` // 0.0-1.0
	Rationale  string   `json:"rationale"`
	Risks      []string `json:"risks,omitempty"`
}
