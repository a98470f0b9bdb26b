package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/fault"
	"foreman/internal/graph"
)

// fakeClient replays scripted responses and counts calls.
type fakeClient struct {
	responses []string
	errs      []error
	calls     atomic.Int32
}

func (f *fakeClient) Complete(ctx context.Context, system, user string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n := int(f.calls.Add(1)) - 1
	if n < len(f.errs) && f.errs[n] != nil {
		return "", f.errs[n]
	}
	if n < len(f.responses) {
		return f.responses[n], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func TestAnalyzeRequirementsParsesResponse(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"domain": "hr", "userTypes": ["employee"], "coreNeeds": ["payroll"], "complexityHint": "medium"}`,
	}}
	a := NewAdapter(client, AdapterConfig{})

	got, err := a.AnalyzeRequirements(context.Background(), "build an HR system")
	require.NoError(t, err)
	assert.Equal(t, "hr", got.Domain)
	assert.Equal(t, []string{"payroll"}, got.CoreNeeds)
}

func TestCompleteCachesByInputs(t *testing.T) {
	client := &fakeClient{responses: []string{`{"domain": "it"}`}}
	a := NewAdapter(client, AdapterConfig{})

	for i := 0; i < 3; i++ {
		_, err := a.AnalyzeRequirements(context.Background(), "same request text")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), client.calls.Load(), "identical inputs must hit the cache")

	_, err := a.AnalyzeRequirements(context.Background(), "different request text")
	require.NoError(t, err)
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestCompleteRetriesSchemaViolations(t *testing.T) {
	client := &fakeClient{responses: []string{
		"sorry, I cannot help with that",
		"still not json",
		`{"domain": "finance"}`,
	}}
	a := NewAdapter(client, AdapterConfig{MaxRetries: 3})

	got, err := a.AnalyzeRequirements(context.Background(), "invoices")
	require.NoError(t, err)
	assert.Equal(t, "finance", got.Domain)
	assert.Equal(t, int32(3), client.calls.Load())
}

func TestCompleteStripsFencesAndChatter(t *testing.T) {
	client := &fakeClient{responses: []string{
		"Here is your analysis:\n```json\n{\"domain\": \"operations\"}\n```\nLet me know if you need more.",
	}}
	a := NewAdapter(client, AdapterConfig{})

	got, err := a.AnalyzeRequirements(context.Background(), "warehouse tracking")
	require.NoError(t, err)
	assert.Equal(t, "operations", got.Domain)
}

func TestExhaustedRetriesFallBackToRules(t *testing.T) {
	boom := errors.New("service unavailable")
	client := &fakeClient{errs: []error{boom, boom, boom}, responses: []string{""}}
	a := NewAdapter(client, AdapterConfig{MaxRetries: 3})

	got, err := a.AnalyzeRequirements(context.Background(), "track employee payroll and onboarding")
	require.NoError(t, err, "fallback must absorb the failure")
	assert.Equal(t, "hr", got.Domain, "rule-based analysis should classify by keywords")
}

func TestNilClientIsFallbackOnly(t *testing.T) {
	a := NewAdapter(nil, AdapterConfig{})

	got, err := a.AnalyzeRequirements(context.Background(), "invoice and payment processing")
	require.NoError(t, err)
	assert.Equal(t, "finance", got.Domain)

	bp, err := a.CreateBlueprint(context.Background(), got, "invoice and payment processing")
	require.NoError(t, err)
	assert.Len(t, bp.Components, 3)

	tasks, err := a.GenerateTasks(context.Background(), bp, []string{"backend-developer"})
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
}

func TestCancellationIsNotSwallowedByFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{responses: []string{`{"domain": "hr"}`}}
	a := NewAdapter(client, AdapterConfig{})

	_, err := a.AnalyzeRequirements(ctx, "anything")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindCancelled), "got %v", err)
}

func TestScoreAssignmentClampsAndFallsBack(t *testing.T) {
	task := &graph.Task{ID: "t1", Title: "Implement API", SpecialistKind: "backend-developer"}
	worker := WorkerProfile{ID: "w1", Specialization: "backend-developer"}

	client := &fakeClient{responses: []string{`{"confidence": 1.7, "rationale": "great fit"}`}}
	a := NewAdapter(client, AdapterConfig{})
	score, err := a.ScoreAssignment(context.Background(), task, worker)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score.Confidence, "confidence clamped to [0,1]")

	neutral, err := NewAdapter(nil, AdapterConfig{}).ScoreAssignment(context.Background(), task, worker)
	require.NoError(t, err)
	assert.Equal(t, 0.5, neutral.Confidence)
	assert.Equal(t, "heuristic fallback", neutral.Rationale)
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n[1, 2]\n```", `[1, 2]`},
		{"prefix {\"a\": {\"b\": 2}} suffix", `{"a": {"b": 2}}`},
		{"no json here", "no json here"},
	}
	for _, tc := range cases {
		if got := extractJSON(tc.in); got != tc.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
