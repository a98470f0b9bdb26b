package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"foreman/internal/fault"
	"foreman/internal/graph"
	"foreman/internal/logging"
)

// Adapter wraps a Client with caching, bounded retries, schema validation,
// and rule-based fallback. All four operations are pure request/response.
type Adapter struct {
	client     Client
	cache      *lru.LRU[string, string]
	maxRetries int
	timeout    time.Duration
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	MaxRetries int
	CacheSize  int
	CacheTTL   time.Duration
	Timeout    time.Duration
}

// NewAdapter wraps a client. A nil client means fallback-only operation.
func NewAdapter(client Client, cfg AdapterConfig) *Adapter {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Adapter{
		client:     client,
		cache:      lru.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.Timeout,
	}
}

// cacheKey derives a deterministic key from the operation kind and inputs.
func cacheKey(kind string, inputs ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, in := range inputs {
		h.Write([]byte{0})
		h.Write([]byte(in))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// complete runs one cached, retried request. The out parameter receives the
// parsed JSON payload; a response that cannot be parsed counts as a schema
// violation and is retried.
func (a *Adapter) complete(ctx context.Context, kind, system, user string, out interface{}) error {
	if a.client == nil {
		return fault.New(fault.KindLLM, "no LLM client configured")
	}

	key := cacheKey(kind, system, user)
	if cached, ok := a.cache.Get(key); ok {
		logging.LLMDebug("%s: cache hit", kind)
		return json.Unmarshal([]byte(cached), out)
	}

	var lastErr error
	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		raw, err := a.client.Complete(callCtx, system, user)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return fault.Wrap(fault.KindCancelled, ctx.Err(), "%s cancelled", kind)
			}
			lastErr = err
			logging.LLMWarn("%s attempt %d/%d failed: %v", kind, attempt, a.maxRetries, err)
			continue
		}

		payload := extractJSON(raw)
		if err := json.Unmarshal([]byte(payload), out); err != nil {
			lastErr = fault.Wrap(fault.KindLLM, err, "%s: response violates schema", kind)
			logging.LLMWarn("%s attempt %d/%d: schema violation", kind, attempt, a.maxRetries)
			continue
		}

		a.cache.Add(key, payload)
		return nil
	}
	return lastErr
}

// extractJSON pulls the JSON object or array out of a fenced or chatty
// response.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
	} else if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	objStart := strings.IndexAny(s, "{[")
	if objStart < 0 {
		return s
	}
	var closer byte = '}'
	if s[objStart] == '[' {
		closer = ']'
	}
	objEnd := strings.LastIndexByte(s, closer)
	if objEnd > objStart {
		return s[objStart : objEnd+1]
	}
	return s
}

// AnalyzeRequirements extracts domain, user types, and core needs from the
// request text, falling back to keyword analysis.
func (a *Adapter) AnalyzeRequirements(ctx context.Context, text string) (*Analysis, error) {
	var analysis Analysis
	err := a.complete(ctx, "analyzeRequirements", analyzeSystemPrompt, text, &analysis)
	if err != nil {
		if fault.Is(err, fault.KindCancelled) {
			return nil, err
		}
		logging.LLM("AnalyzeRequirements falling back to rules: %v", err)
		return RuleBasedAnalysis(text), nil
	}
	if analysis.Domain == "" {
		analysis.Domain = "generic"
	}
	return &analysis, nil
}

// CreateBlueprint expands an analysis into a structured plan.
func (a *Adapter) CreateBlueprint(ctx context.Context, analysis *Analysis, originalText string) (*Blueprint, error) {
	payload, _ := json.Marshal(analysis)
	user := fmt.Sprintf("Analysis:\n%s\n\nOriginal request:\n%s", payload, originalText)

	var bp Blueprint
	err := a.complete(ctx, "createBlueprint", blueprintSystemPrompt, user, &bp)
	if err != nil {
		if fault.Is(err, fault.KindCancelled) {
			return nil, err
		}
		logging.LLM("CreateBlueprint falling back to rules: %v", err)
		return RuleBasedBlueprint(analysis, originalText), nil
	}
	if len(bp.Components) == 0 {
		return RuleBasedBlueprint(analysis, originalText), nil
	}
	return &bp, nil
}

// GenerateTasks turns a blueprint into tasks for the available specialists.
func (a *Adapter) GenerateTasks(ctx context.Context, bp *Blueprint, specialists []string) ([]*graph.Task, error) {
	payload, _ := json.Marshal(bp)
	user := fmt.Sprintf("Blueprint:\n%s\n\nAvailable specialists: %s",
		payload, strings.Join(specialists, ", "))

	var tasks []*graph.Task
	err := a.complete(ctx, "generateTasks", taskGenSystemPrompt, user, &tasks)
	if err != nil {
		if fault.Is(err, fault.KindCancelled) {
			return nil, err
		}
		logging.LLM("GenerateTasks falling back to rules: %v", err)
		return RuleBasedTasks(bp, specialists), nil
	}
	if len(tasks) == 0 {
		return RuleBasedTasks(bp, specialists), nil
	}
	return tasks, nil
}

// ScoreAssignment asks the model to judge a task/worker pairing. Fallback is
// a neutral mid confidence so callers rely on the heuristic score instead.
func (a *Adapter) ScoreAssignment(ctx context.Context, task *graph.Task, worker WorkerProfile) (*AssignmentScore, error) {
	tp, _ := json.Marshal(map[string]interface{}{
		"title":          task.Title,
		"description":    task.Description,
		"specialistKind": task.SpecialistKind,
		"type":           task.Type,
	})
	wp, _ := json.Marshal(worker)
	user := fmt.Sprintf("Task:\n%s\n\nWorker:\n%s", tp, wp)

	var score AssignmentScore
	err := a.complete(ctx, "scoreAssignment", scoreSystemPrompt, user, &score)
	if err != nil {
		if fault.Is(err, fault.KindCancelled) {
			return nil, err
		}
		logging.LLM("ScoreAssignment falling back to neutral: %v", err)
		return &AssignmentScore{Confidence: 0.5, Rationale: "heuristic fallback"}, nil
	}
	if score.Confidence < 0 {
		score.Confidence = 0
	}
	if score.Confidence > 1 {
		score.Confidence = 1
	}
	return &score, nil
}

const analyzeSystemPrompt = `You analyze software project requests.
Respond with only a JSON object:
{"domain": "...", "userTypes": ["..."], "coreNeeds": ["..."], "complexityHint": "low|medium|high"}`

const blueprintSystemPrompt = `You design software project blueprints.
Respond with only a JSON object:
{"projectId": "...", "domain": "...", "architecturePattern": "...",
 "components": [{"type": "frontend|backend|database", "name": "..."}],
 "workflows": [{"name": "...", "steps": ["..."]}],
 "integrations": ["..."], "qualityGates": ["..."], "compliance": ["..."]}`

const taskGenSystemPrompt = `You break blueprints into development tasks.
Respond with only a JSON array of tasks:
[{"id": "...", "title": "...", "description": "...", "type": "implementation",
  "specialistKind": "...", "estimatedDuration": 30, "priority": "low|medium|high",
  "requiredInputs": [{"name": "...", "type": "..."}],
  "providedOutputs": [{"name": "...", "type": "..."}],
  "integrationContracts": {"providesAPI": ["..."], "consumesAPI": ["..."],
    "definesSchema": ["..."], "requiresSchema": ["..."]},
  "dependencies": [{"taskId": "...", "type": "completion"}],
  "validationCriteria": ["..."]}]`

const scoreSystemPrompt = `You judge how well a worker fits a task.
Respond with only a JSON object:
{"confidence": 0.0, "rationale": "...", "risks": ["..."]}`
