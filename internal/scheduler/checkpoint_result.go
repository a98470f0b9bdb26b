package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"

	"foreman/internal/driver"
	"foreman/internal/graph"
)

// checkpointPayload is the JSON object a checkpoint worker prints on stdout.
type checkpointPayload struct {
	Passed       bool            `json:"passed"`
	QualityScore float64         `json:"qualityScore"`
	Findings     []graph.Finding `json:"findings,omitempty"`
	Summary      string          `json:"summary,omitempty"`
}

// parseCheckpointResult extracts the structured verdict from a checkpoint
// invocation. The worker emits one JSON object with passed/qualityScore/
// findings; the last such object in the output wins. Without one, a clean
// exit counts as a pass at full score and a dirty exit as a zero-score
// failure.
func parseCheckpointResult(res *driver.Result) *graph.Result {
	for i := len(res.Tail) - 1; i >= 0; i-- {
		text := strings.TrimSpace(res.Tail[i].Text)
		if !strings.HasPrefix(text, "{") || !strings.Contains(text, "passed") {
			continue
		}
		var payload checkpointPayload
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			continue
		}
		passed := payload.Passed
		return &graph.Result{
			Summary:      payload.Summary,
			Output:       res.Output(),
			ExitCode:     res.ExitCode,
			Passed:       &passed,
			QualityScore: payload.QualityScore,
			Findings:     payload.Findings,
		}
	}

	passed := res.ExitCode == 0
	score := 0.0
	if passed {
		score = 1.0
	}
	return &graph.Result{
		Summary:      "no structured verdict in checkpoint output",
		Output:       res.Output(),
		ExitCode:     res.ExitCode,
		Passed:       &passed,
		QualityScore: score,
	}
}

func checkpointFailureMessage(result *graph.Result) string {
	if result == nil {
		return "checkpoint produced no result"
	}
	msg := fmt.Sprintf("quality score %.2f", result.QualityScore)
	for _, f := range result.Findings {
		if f.HighSeverity() {
			return fmt.Sprintf("%s; %s finding: %s", msg, f.Severity, f.Message)
		}
	}
	return msg
}
