// Package analyzer turns sanitized user text into a complete, self-consistent
// task list: analysis, blueprint, task generation, validation and defaulting,
// enrichment, and an integration completeness check.
package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"foreman/internal/config"
	"foreman/internal/fault"
	"foreman/internal/graph"
	"foreman/internal/llm"
	"foreman/internal/logging"
	"foreman/internal/prompt"
)

// AnalyzedProject is the analyzer's output: everything the scheduler needs
// to build and run the graph.
type AnalyzedProject struct {
	Blueprint              *llm.Blueprint `json:"blueprint"`
	Tasks                  []*graph.Task  `json:"tasks"`
	EstimatedTotalDuration int            `json:"estimatedTotalDuration"` // minutes
	Complexity             string         `json:"complexity"`             // low, medium, high
	Warnings               []string       `json:"warnings,omitempty"`
}

// Analyzer drives the analysis pipeline.
type Analyzer struct {
	adapter   *llm.Adapter
	sanitizer *prompt.Sanitizer
}

// New creates an Analyzer over the given adapter, sanitizing request text
// with the configured prompt limits.
func New(adapter *llm.Adapter, limits config.PromptConfig) *Analyzer {
	return &Analyzer{
		adapter:   adapter,
		sanitizer: prompt.New(limits.DescriptionMaxChars, limits.MaxBytes),
	}
}

// commonIntegrations are required regardless of domain.
var commonIntegrations = []string{"email", "auth", "storage"}

// Analyze runs the full pipeline over raw request text.
func (a *Analyzer) Analyze(ctx context.Context, text string, specialists []string) (*AnalyzedProject, error) {
	timer := logging.StartTimer(logging.CategoryAnalyzer, "Analyze")
	defer timer.Stop()

	cleaned := a.sanitizer.ExtractCore(text)
	if cleaned == "" {
		return nil, fault.New(fault.KindInput, "request text is empty after sanitization")
	}

	analysis, err := a.adapter.AnalyzeRequirements(ctx, cleaned)
	if err != nil {
		return nil, err
	}
	logging.Analyzer("Analysis: domain=%s complexity=%s", analysis.Domain, analysis.ComplexityHint)

	bp, err := a.adapter.CreateBlueprint(ctx, analysis, cleaned)
	if err != nil {
		return nil, err
	}
	a.completeBlueprint(bp, analysis)

	tasks, err := a.adapter.GenerateTasks(ctx, bp, specialists)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fault.New(fault.KindInternal, "task generation produced no tasks")
	}

	a.validateAndDefault(tasks)
	a.enrich(tasks, bp)
	warnings := a.checkIntegrationCompleteness(tasks)

	total := 0
	for _, t := range tasks {
		total += t.EstimatedDuration
	}
	project := &AnalyzedProject{
		Blueprint:              bp,
		Tasks:                  tasks,
		EstimatedTotalDuration: total,
		Complexity:             deriveComplexity(analysis, tasks),
		Warnings:               warnings,
	}
	logging.Analyzer("Analyzed project: %d tasks, %d min total, complexity=%s",
		len(tasks), total, project.Complexity)
	return project, nil
}

// completeBlueprint fills in what the model left out: architecture pattern
// from component types, common integrations, and default quality gates.
func (a *Analyzer) completeBlueprint(bp *llm.Blueprint, analysis *llm.Analysis) {
	if bp.ProjectID == "" {
		bp.ProjectID = uuid.NewString()
	}
	if bp.Domain == "" {
		bp.Domain = analysis.Domain
	}
	if bp.ArchitecturePattern == "" {
		bp.ArchitecturePattern = inferPattern(bp.Components)
	}
	for _, integ := range commonIntegrations {
		if !containsFold(bp.Integrations, integ) {
			bp.Integrations = append(bp.Integrations, integ)
		}
	}
	if len(bp.QualityGates) == 0 {
		bp.QualityGates = []string{"code-review", "qa-testing"}
	}
}

// inferPattern derives an architecture pattern from the component mix.
func inferPattern(components []llm.Component) string {
	var hasFrontend, hasBackend, hasDatabase bool
	for _, c := range components {
		switch strings.ToLower(c.Type) {
		case "frontend":
			hasFrontend = true
		case "backend":
			hasBackend = true
		case "database":
			hasDatabase = true
		}
	}
	switch {
	case hasFrontend && hasBackend && hasDatabase:
		return "three-tier"
	case hasBackend && hasDatabase:
		return "service-with-store"
	case len(components) > 4:
		return "microservices"
	default:
		return "monolith"
	}
}

// validateAndDefault issues missing ids, clamps durations, and defaults
// priorities and types.
func (a *Analyzer) validateAndDefault(tasks []*graph.Task) {
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.EstimatedDuration < 1 {
			t.EstimatedDuration = 1
		}
		if t.Type == "" {
			t.Type = graph.TypeImplementation
		}
		if t.Status == "" {
			t.Status = graph.StatusPending
		}
		if t.Title == "" {
			t.Title = fmt.Sprintf("%s task %s", t.Type, t.ID[:8])
		}
	}
}

// enrich fills inputs, outputs, contracts, validation criteria, and
// priority on every task.
func (a *Analyzer) enrich(tasks []*graph.Task, bp *llm.Blueprint) {
	// Dependent counts drive priority derivation.
	dependents := make(map[string]int)
	hasPreds := make(map[string]bool)
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			dependents[dep.TaskID]++
			hasPreds[t.ID] = true
		}
	}

	for _, t := range tasks {
		if len(t.ValidationCriteria) == 0 {
			t.ValidationCriteria = []string{fmt.Sprintf("%s meets its description", t.Title)}
		}
		if t.Description == "" {
			t.Description = fmt.Sprintf("%s for the %s project.", t.Title, bp.Domain)
		}
		if len(t.ProvidedOutputs) == 0 && t.Type == graph.TypeImplementation {
			t.ProvidedOutputs = []graph.DataItem{
				{Name: fmt.Sprintf("%s-output", strings.ToLower(strings.ReplaceAll(t.Title, " ", "-"))), Type: "artifact"},
			}
		}
		t.Priority = derivePriority(t, hasPreds[t.ID], dependents[t.ID])
	}
}

// derivePriority applies the priority rule: high when a task has no
// predecessors, declares a provides-contract, or has 4+ dependents; medium
// with at least one dependent; low otherwise.
func derivePriority(t *graph.Task, hasPredecessors bool, dependentCount int) graph.Priority {
	switch {
	case !hasPredecessors, t.EstablishesIntegration(), dependentCount >= 4:
		return graph.PriorityHigh
	case dependentCount >= 1:
		return graph.PriorityMedium
	default:
		return graph.PriorityLow
	}
}

// checkIntegrationCompleteness verifies every consumer contract has a
// producer. Missing producers are warnings, never blockers.
func (a *Analyzer) checkIntegrationCompleteness(tasks []*graph.Task) []string {
	provided := make(map[string]bool)
	defined := make(map[string]bool)
	for _, t := range tasks {
		for _, api := range t.Contracts.ProvidesAPI {
			provided[strings.ToLower(api)] = true
		}
		for _, sch := range t.Contracts.DefinesSchema {
			defined[strings.ToLower(sch)] = true
		}
	}

	var warnings []string
	for _, t := range tasks {
		for _, api := range t.Contracts.ConsumesAPI {
			if !provided[strings.ToLower(api)] {
				w := fmt.Sprintf("task %s consumes API %q but no task provides it", t.ID, api)
				warnings = append(warnings, w)
				logging.AnalyzerWarn("%s", w)
			}
		}
		for _, sch := range t.Contracts.RequiresSchema {
			if !defined[strings.ToLower(sch)] {
				w := fmt.Sprintf("task %s requires schema %q but no task defines it", t.ID, sch)
				warnings = append(warnings, w)
				logging.AnalyzerWarn("%s", w)
			}
		}
	}
	return warnings
}

// deriveComplexity folds the model's hint with the observed task count.
func deriveComplexity(analysis *llm.Analysis, tasks []*graph.Task) string {
	switch {
	case len(tasks) > 12 || analysis.ComplexityHint == "high":
		return "high"
	case len(tasks) > 5 || analysis.ComplexityHint == "medium":
		return "medium"
	default:
		return "low"
	}
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
