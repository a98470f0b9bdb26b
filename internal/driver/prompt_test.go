package driver

import (
	"strings"
	"testing"

	"foreman/internal/fault"
	"foreman/internal/graph"
	"foreman/internal/prompt"
)

func promptTask() *graph.Task {
	return &graph.Task{
		ID:             "t1",
		Title:          "Implement orders API",
		Description:    "Expose CRUD endpoints for orders.",
		SpecialistKind: "backend-developer",
		Contracts: graph.IntegrationContracts{
			ProvidesAPI:    []string{"orders-api"},
			RequiresSchema: []string{"orders-schema"},
		},
		ValidationCriteria: []string{"all endpoints respond"},
	}
}

func TestComposePromptIncludesAllSections(t *testing.T) {
	s := prompt.New(0, 0)
	deps := []graph.DependencyOutput{
		{
			TaskID:  "t0",
			Title:   "Design orders schema",
			Summary: "schema with orders and line items",
			Outputs: []graph.DataItem{{Name: "orders-schema", Type: "schema"}},
		},
	}

	got, err := ComposePrompt(s, promptTask(), deps)
	if err != nil {
		t.Fatalf("ComposePrompt: %v", err)
	}

	for _, want := range []string{
		"Task: Implement orders API",
		"Specialist: backend-developer",
		"Expose CRUD endpoints",
		"Design orders schema",
		"schema with orders and line items",
		"output: orders-schema (schema)",
		"provides API: orders-api",
		"requires schema: orders-schema",
		"all endpoints respond",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestComposePromptDegradesToMinimalForm(t *testing.T) {
	// Ceiling fits the minimal form but not the full prompt.
	s := prompt.New(0, 80)
	task := promptTask()
	task.Description = strings.Repeat("a long requirement sentence ", 20)

	got, err := ComposePrompt(s, task, nil)
	if err != nil {
		t.Fatalf("ComposePrompt: %v", err)
	}
	want := "Task: Implement orders API\nSpecialist: backend-developer\n"
	if got != want {
		t.Errorf("minimal form = %q, want %q", got, want)
	}
}

func TestComposePromptFailsWhenMinimalFormTooLarge(t *testing.T) {
	s := prompt.New(0, 10)
	_, err := ComposePrompt(s, promptTask(), nil)
	if !fault.Is(err, fault.KindPayloadTooLarge) {
		t.Errorf("fault kind = %v, want PayloadTooLarge", fault.KindOf(err))
	}
}

func TestComposePromptDropsDependencyOutputsFirst(t *testing.T) {
	s := prompt.New(0, 600)
	task := &graph.Task{
		ID:                 "t1",
		Title:              "Implement orders API",
		Description:        strings.Repeat("x", 200),
		SpecialistKind:     "backend-developer",
		ValidationCriteria: []string{"all endpoints respond"},
	}
	deps := []graph.DependencyOutput{
		{TaskID: "t0", Title: "Design orders schema", Summary: strings.Repeat("y", 500)},
	}

	got, err := ComposePrompt(s, task, deps)
	if err != nil {
		t.Fatalf("ComposePrompt: %v", err)
	}
	if strings.Contains(got, "Completed dependencies") {
		t.Errorf("dependency outputs should be the first section dropped:\n%s", got)
	}
	if !strings.Contains(got, task.Description) {
		t.Error("description must survive when dropping dependencies suffices")
	}
	if !strings.Contains(got, "all endpoints respond") {
		t.Error("validation criteria must survive when dropping dependencies suffices")
	}
}

func TestComposePromptDropsValidationCriteriaSecond(t *testing.T) {
	s := prompt.New(0, 600)
	task := &graph.Task{
		ID:                 "t1",
		Title:              "Implement orders API",
		Description:        strings.Repeat("x", 200),
		SpecialistKind:     "backend-developer",
		ValidationCriteria: []string{strings.Repeat("v", 400)},
	}

	got, err := ComposePrompt(s, task, nil)
	if err != nil {
		t.Fatalf("ComposePrompt: %v", err)
	}
	if strings.Contains(got, "Validation criteria") {
		t.Errorf("validation criteria should be dropped before the description:\n%s", got)
	}
	if !strings.Contains(got, task.Description) {
		t.Error("description must survive when dropping criteria suffices")
	}
}

func TestComposePromptTruncatesDescriptionBeforeMinimalForm(t *testing.T) {
	s := prompt.New(0, 300)
	task := &graph.Task{
		ID:             "t1",
		Title:          "Implement orders API",
		Description:    strings.Repeat("z", 500),
		SpecialistKind: "backend-developer",
	}

	got, err := ComposePrompt(s, task, nil)
	if err != nil {
		t.Fatalf("ComposePrompt: %v", err)
	}
	if len(got) > s.MaxPromptBytes {
		t.Errorf("prompt is %d bytes, cap is %d", len(got), s.MaxPromptBytes)
	}
	if !strings.Contains(got, "Description:\nzzz") {
		t.Errorf("a truncated description must survive, not the minimal form:\n%s", got)
	}
	if n := strings.Count(got, "z"); n == 0 || n >= 500 {
		t.Errorf("description truncated to %d bytes, want a strict prefix", n)
	}
}
