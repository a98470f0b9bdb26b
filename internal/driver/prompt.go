package driver

import (
	"fmt"
	"strings"

	"foreman/internal/fault"
	"foreman/internal/graph"
	"foreman/internal/logging"
	"foreman/internal/prompt"
)

// ComposePrompt assembles the single sanitized prompt handed to the
// specialist tool: title, cleaned description, specialist kind, dependency
// outputs, integration contracts, and validation criteria. Oversize prompts
// are reduced structurally before content is lost: dependency outputs are
// dropped first, then validation criteria, then the description is truncated
// to the remaining budget. Only then does the prompt degrade to the minimal
// form (title and specialist kind) before failing with PayloadTooLarge.
func ComposePrompt(s *prompt.Sanitizer, task *graph.Task, deps []graph.DependencyOutput) (string, error) {
	desc := s.Clean(task.Description)

	full := renderPrompt(s, task, desc, deps, true)
	if s.ValidateSize(full, "worker prompt") == nil {
		return full, nil
	}

	withoutDeps := renderPrompt(s, task, desc, nil, true)
	if s.ValidateSize(withoutDeps, "worker prompt") == nil {
		logging.DriverWarn("Prompt for task %s oversize, dropped dependency outputs", task.ID)
		return withoutDeps, nil
	}

	withoutCriteria := renderPrompt(s, task, desc, nil, false)
	if s.ValidateSize(withoutCriteria, "worker prompt") == nil {
		logging.DriverWarn("Prompt for task %s oversize, dropped validation criteria", task.ID)
		return withoutCriteria, nil
	}

	// Truncate the description to whatever the ceiling leaves after the
	// fixed sections.
	base := renderPrompt(s, task, "", nil, false)
	if slack := s.MaxPromptBytes - len(base); slack > 0 {
		truncated := renderPrompt(s, task, cutBytes(desc, slack), nil, false)
		if s.ValidateSize(truncated, "worker prompt") == nil {
			logging.DriverWarn("Prompt for task %s oversize, truncated description", task.ID)
			return truncated, nil
		}
	}

	logging.DriverWarn("Prompt for task %s oversize, degrading to minimal form", task.ID)
	minimal := fmt.Sprintf("Task: %s\nSpecialist: %s\n", task.Title, task.SpecialistKind)
	if err := s.ValidateSize(minimal, "minimal worker prompt"); err != nil {
		return "", fault.Wrap(fault.KindPayloadTooLarge, err,
			"task %s prompt exceeds cap even in minimal form", task.ID)
	}
	return minimal, nil
}

// renderPrompt writes one reduction stage of the prompt. The description is
// already cleaned by the caller.
func renderPrompt(s *prompt.Sanitizer, task *graph.Task, desc string, deps []graph.DependencyOutput, includeCriteria bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	fmt.Fprintf(&b, "Specialist: %s\n\n", task.SpecialistKind)
	fmt.Fprintf(&b, "Description:\n%s\n", desc)

	if len(deps) > 0 {
		b.WriteString("\nCompleted dependencies:\n")
		for _, dep := range deps {
			fmt.Fprintf(&b, "- %s", dep.Title)
			if dep.Summary != "" {
				fmt.Fprintf(&b, ": %s", s.Clean(dep.Summary))
			}
			b.WriteByte('\n')
			for _, out := range dep.Outputs {
				fmt.Fprintf(&b, "  output: %s", out.Name)
				if out.Type != "" {
					fmt.Fprintf(&b, " (%s)", out.Type)
				}
				b.WriteByte('\n')
			}
		}
	}

	writeContracts(&b, task.Contracts)

	if includeCriteria && len(task.ValidationCriteria) > 0 {
		b.WriteString("\nValidation criteria:\n")
		for _, v := range task.ValidationCriteria {
			fmt.Fprintf(&b, "- %s\n", v)
		}
	}
	return b.String()
}

// cutBytes trims text to at most limit bytes on a rune boundary.
func cutBytes(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := 0
	for i := range text {
		if i > limit {
			break
		}
		cut = i
	}
	return text[:cut]
}

func writeContracts(b *strings.Builder, c graph.IntegrationContracts) {
	if c.Empty() {
		return
	}
	b.WriteString("\nIntegration contracts:\n")
	writeContractList(b, "provides API", c.ProvidesAPI)
	writeContractList(b, "consumes API", c.ConsumesAPI)
	writeContractList(b, "defines schema", c.DefinesSchema)
	writeContractList(b, "requires schema", c.RequiresSchema)
	writeContractList(b, "establishes interface", c.EstablishesInterface)
}

func writeContractList(b *strings.Builder, label string, items []string) {
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %s\n", label, item)
	}
}
