// Package registry holds worker definitions, capability-based scoring, and
// assignment selection. Scores combine skill match, efficiency, experience,
// and current load; checkpoint workers only ever match checkpoint tasks.
package registry

import (
	"regexp"
	"strings"

	"foreman/internal/graph"
)

// Experience levels and their suitability bonuses.
const (
	ExperienceIntermediate = "intermediate"
	ExperienceAdvanced     = "advanced"
	ExperienceExpert       = "expert"
)

// Capability describes one skill a worker carries.
type Capability struct {
	Efficiency float64 `yaml:"efficiency" json:"efficiency"` // 0.0-1.0
	Experience string  `yaml:"experience" json:"experience"`
}

// Worker is a specialist definition. Development workers carry a capability
// map; checkpoint workers carry a CheckpointRole instead.
type Worker struct {
	ID                 string                `yaml:"id" json:"id"`
	Name               string                `yaml:"name" json:"name"`
	Specialization     string                `yaml:"specialization" json:"specialization"`
	Capabilities       map[string]Capability `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	MaxConcurrentTasks int                   `yaml:"maxConcurrentTasks" json:"maxConcurrentTasks"`
	CheckpointRole     graph.CheckpointType  `yaml:"checkpointRole,omitempty" json:"checkpointRole,omitempty"`
}

// CheckpointOnly reports whether the worker exists solely to run injected
// review/QA checkpoints.
func (w *Worker) CheckpointOnly() bool { return w.CheckpointRole != "" }

// Skills returns the capability names in no particular order.
func (w *Worker) Skills() []string {
	out := make([]string, 0, len(w.Capabilities))
	for skill := range w.Capabilities {
		out = append(out, skill)
	}
	return out
}

// Closed title set for checkpoint matching. Checkpoint tasks injected by the
// gate pipeline always match one of these.
var (
	reviewTitleRe = regexp.MustCompile(`(?i)^(code review|review):?\s`)
	qaTitleRe     = regexp.MustCompile(`(?i)^(qa test|qa|test):?\s`)
)

// SkillMatch scores how well this worker's skills fit the task, in [0,100].
func (w *Worker) SkillMatch(task *graph.Task) float64 {
	if w.CheckpointOnly() {
		return w.checkpointMatch(task)
	}
	if task.IsCheckpoint {
		return 0
	}

	haystack := strings.ToLower(task.Title + " " + task.Description + " " + task.SpecialistKind)
	var sum, total float64
	for skill, c := range w.Capabilities {
		total += c.Efficiency
		if strings.Contains(haystack, strings.ToLower(skill)) {
			sum += c.Efficiency
		}
	}
	// Specialization alignment is the strongest single signal.
	if strings.Contains(strings.ToLower(task.SpecialistKind), strings.ToLower(w.Specialization)) ||
		strings.Contains(strings.ToLower(w.Specialization), strings.ToLower(task.SpecialistKind)) {
		sum = total // full skill credit on specialization match
	}
	if total == 0 {
		return 0
	}

	score := (sum / total) * 85
	score += experienceBonus(w.bestExperience())
	if score > 100 {
		score = 100
	}
	return score
}

// checkpointMatch scores a checkpoint-only worker: 0 for standard tasks, a
// high base score for checkpoint tasks of the matching type.
func (w *Worker) checkpointMatch(task *graph.Task) float64 {
	if !task.IsCheckpoint {
		return 0
	}
	switch w.CheckpointRole {
	case graph.CheckpointCodeReview, graph.CheckpointFinalCodeReview:
		if task.CheckpointType == graph.CheckpointCodeReview ||
			task.CheckpointType == graph.CheckpointFinalCodeReview ||
			reviewTitleRe.MatchString(task.Title) {
			return 95
		}
	case graph.CheckpointQATest, graph.CheckpointFinalQATest:
		if task.CheckpointType == graph.CheckpointQATest ||
			task.CheckpointType == graph.CheckpointFinalQATest ||
			qaTitleRe.MatchString(task.Title) {
			return 95
		}
	}
	return 0
}

// bestExperience returns the highest experience level across capabilities.
func (w *Worker) bestExperience() string {
	best := ""
	rank := map[string]int{ExperienceIntermediate: 1, ExperienceAdvanced: 2, ExperienceExpert: 3}
	for _, c := range w.Capabilities {
		if rank[c.Experience] > rank[best] {
			best = c.Experience
		}
	}
	return best
}

func experienceBonus(level string) float64 {
	switch level {
	case ExperienceExpert:
		return 15
	case ExperienceAdvanced:
		return 10
	case ExperienceIntermediate:
		return 5
	default:
		return 0
	}
}

// avgEfficiency is the mean efficiency across the worker's capabilities.
func (w *Worker) avgEfficiency() float64 {
	if len(w.Capabilities) == 0 {
		return 0
	}
	var sum float64
	for _, c := range w.Capabilities {
		sum += c.Efficiency
	}
	return sum / float64(len(w.Capabilities))
}

// Suitability is the full assignment score:
// skill + efficiencyBonus (<=20) + experienceBonus (<=15) + effortBonus
// (<=10, decreasing with duration) - loadPenalty.
func (w *Worker) Suitability(task *graph.Task, currentLoad int) float64 {
	skill := w.SkillMatch(task)
	if skill == 0 {
		return 0
	}

	efficiencyBonus := w.avgEfficiency() * 20
	expBonus := experienceBonus(w.bestExperience())

	effortBonus := 10 - float64(task.EstimatedDuration)/12
	if effortBonus < 0 {
		effortBonus = 0
	}

	loadPenalty := float64(currentLoad) * 8

	score := skill + efficiencyBonus + expBonus + effortBonus - loadPenalty
	if score < 0 {
		score = 0
	}
	return score
}
