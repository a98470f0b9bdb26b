package analyzer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/config"
	"foreman/internal/fault"
	"foreman/internal/graph"
	"foreman/internal/llm"
)

var testSpecialists = []string{
	"backend-developer", "frontend-developer", "database-specialist", "qa-engineer",
}

func fallbackAnalyzer() *Analyzer {
	return New(llm.NewAdapter(nil, llm.AdapterConfig{}), config.PromptConfig{})
}

func TestNewHonorsConfiguredPromptLimits(t *testing.T) {
	a := New(llm.NewAdapter(nil, llm.AdapterConfig{}),
		config.PromptConfig{DescriptionMaxChars: 64, MaxBytes: 512})
	assert.Equal(t, 64, a.sanitizer.FieldCapChars)
	assert.Equal(t, 512, a.sanitizer.MaxPromptBytes)
}

func TestAnalyzeProducesCompleteProject(t *testing.T) {
	a := fallbackAnalyzer()
	project, err := a.Analyze(context.Background(),
		"Build an employee onboarding and leave tracking system", testSpecialists)
	require.NoError(t, err)

	assert.Equal(t, "hr", project.Blueprint.Domain)
	require.Len(t, project.Tasks, 4)
	assert.Greater(t, project.EstimatedTotalDuration, 0)
	assert.Contains(t, []string{"low", "medium", "high"}, project.Complexity)

	for _, tk := range project.Tasks {
		assert.NotEmpty(t, tk.ID)
		assert.NotEmpty(t, tk.Title)
		assert.NotEmpty(t, tk.Description)
		assert.NotEmpty(t, tk.ValidationCriteria)
		assert.NotEmpty(t, tk.Priority)
		assert.GreaterOrEqual(t, tk.EstimatedDuration, 1)
		assert.Equal(t, graph.StatusPending, tk.Status)
	}

	// The task set must build into a valid graph with no missing producers.
	eng := graph.NewEngine(graph.Options{})
	warnings, err := eng.Build(project.Tasks)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestAnalyzeRejectsEmptyInput(t *testing.T) {
	a := fallbackAnalyzer()
	for _, in := range []string{"", "   ", "\n\t"} {
		_, err := a.Analyze(context.Background(), in, testSpecialists)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.KindInput), "input %q: %v", in, err)
	}
}

func TestAnalyzeStripsInjectedPrefixes(t *testing.T) {
	a := fallbackAnalyzer()
	project, err := a.Analyze(context.Background(),
		"User requested: invoice tracking: User requested: invoice tracking: User requested: invoice tracking",
		testSpecialists)
	require.NoError(t, err)
	assert.Equal(t, "finance", project.Blueprint.Domain)
}

func TestBlueprintGainsCommonIntegrations(t *testing.T) {
	a := fallbackAnalyzer()
	project, err := a.Analyze(context.Background(),
		"warehouse inventory management", testSpecialists)
	require.NoError(t, err)

	for _, integ := range []string{"email", "auth", "storage"} {
		assert.Contains(t, project.Blueprint.Integrations, integ)
	}
	assert.NotEmpty(t, project.Blueprint.QualityGates)
	assert.NotEmpty(t, project.Blueprint.ProjectID)
}

func TestDerivePriority(t *testing.T) {
	root := &graph.Task{ID: "r"}
	assert.Equal(t, graph.PriorityHigh, derivePriority(root, false, 0),
		"tasks with no predecessors are high priority")

	provider := &graph.Task{ID: "p", Contracts: graph.IntegrationContracts{ProvidesAPI: []string{"x"}}}
	assert.Equal(t, graph.PriorityHigh, derivePriority(provider, true, 0))

	hub := &graph.Task{ID: "h"}
	assert.Equal(t, graph.PriorityHigh, derivePriority(hub, true, 4))
	assert.Equal(t, graph.PriorityMedium, derivePriority(hub, true, 1))
	assert.Equal(t, graph.PriorityLow, derivePriority(hub, true, 0))
}

func TestInferPattern(t *testing.T) {
	three := []llm.Component{{Type: "frontend"}, {Type: "backend"}, {Type: "database"}}
	assert.Equal(t, "three-tier", inferPattern(three))

	svc := []llm.Component{{Type: "backend"}, {Type: "database"}}
	assert.Equal(t, "service-with-store", inferPattern(svc))

	many := []llm.Component{{Type: "a"}, {Type: "b"}, {Type: "c"}, {Type: "d"}, {Type: "e"}}
	assert.Equal(t, "microservices", inferPattern(many))

	assert.Equal(t, "monolith", inferPattern(nil))
}

func TestIntegrationCompletenessWarnings(t *testing.T) {
	a := fallbackAnalyzer()
	tasks := []*graph.Task{
		{ID: "ui", Title: "ui", Contracts: graph.IntegrationContracts{ConsumesAPI: []string{"orders-api"}}},
		{ID: "rep", Title: "report", Contracts: graph.IntegrationContracts{RequiresSchema: []string{"orders-schema"}}},
	}
	warnings := a.checkIntegrationCompleteness(tasks)
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "orders-api")
	assert.Contains(t, warnings[1], "orders-schema")

	// Satisfied contracts produce no warnings.
	tasks = append(tasks, &graph.Task{
		ID: "api", Title: "api",
		Contracts: graph.IntegrationContracts{
			ProvidesAPI:   []string{"orders-api"},
			DefinesSchema: []string{"orders-schema"},
		},
	})
	assert.Empty(t, a.checkIntegrationCompleteness(tasks))
}
