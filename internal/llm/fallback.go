package llm

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"foreman/internal/graph"
	"foreman/internal/logging"
)

// domainRule maps request keywords to a domain profile used when the
// language service is unavailable.
type domainRule struct {
	domain       string
	keywords     []string
	userTypes    []string
	coreNeeds    []string
	integrations []string
	compliance   []string
}

var domainRules = []domainRule{
	{
		domain:       "hr",
		keywords:     []string{"employee", "hr", "payroll", "recruit", "onboard", "leave", "attendance", "hiring"},
		userTypes:    []string{"employee", "hr-manager", "administrator"},
		coreNeeds:    []string{"employee records", "leave management", "payroll processing"},
		integrations: []string{"email", "auth", "storage", "payroll-provider"},
		compliance:   []string{"gdpr", "data-retention"},
	},
	{
		domain:       "finance",
		keywords:     []string{"invoice", "payment", "billing", "accounting", "expense", "ledger", "budget", "transaction"},
		userTypes:    []string{"accountant", "finance-manager", "auditor"},
		coreNeeds:    []string{"transaction tracking", "invoicing", "financial reporting"},
		integrations: []string{"email", "auth", "storage", "payment-gateway"},
		compliance:   []string{"sox", "audit-trail"},
	},
	{
		domain:       "it",
		keywords:     []string{"ticket", "incident", "helpdesk", "asset", "monitoring", "deployment", "devops", "infrastructure"},
		userTypes:    []string{"engineer", "it-admin", "support-agent"},
		coreNeeds:    []string{"ticket tracking", "asset inventory", "incident response"},
		integrations: []string{"email", "auth", "storage", "alerting"},
	},
	{
		domain:       "operations",
		keywords:     []string{"inventory", "warehouse", "logistics", "shipment", "supply", "order", "fleet", "scheduling"},
		userTypes:    []string{"operator", "ops-manager", "dispatcher"},
		coreNeeds:    []string{"order management", "inventory tracking", "scheduling"},
		integrations: []string{"email", "auth", "storage", "shipping-provider"},
	},
}

// matchDomain scores the request text against the keyword table. Ties and
// zero matches resolve to the generic profile.
func matchDomain(text string) domainRule {
	lower := strings.ToLower(text)
	best := domainRule{
		domain:       "generic",
		userTypes:    []string{"user", "administrator"},
		coreNeeds:    []string{"data management", "user workflows"},
		integrations: []string{"email", "auth", "storage"},
	}
	bestHits := 0
	for _, rule := range domainRules {
		hits := 0
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best = rule
			bestHits = hits
		}
	}
	return best
}

// RuleBasedAnalysis builds an Analysis from keyword matching alone.
func RuleBasedAnalysis(text string) *Analysis {
	rule := matchDomain(text)
	hint := "medium"
	words := len(strings.Fields(text))
	switch {
	case words < 20:
		hint = "low"
	case words > 120:
		hint = "high"
	}
	logging.LLM("Rule-based analysis: domain=%s complexity=%s", rule.domain, hint)
	return &Analysis{
		Domain:         rule.domain,
		UserTypes:      append([]string(nil), rule.userTypes...),
		CoreNeeds:      append([]string(nil), rule.coreNeeds...),
		ComplexityHint: hint,
	}
}

// RuleBasedBlueprint builds the standard three-tier blueprint for the
// analyzed domain.
func RuleBasedBlueprint(analysis *Analysis, originalText string) *Blueprint {
	if analysis == nil {
		analysis = RuleBasedAnalysis(originalText)
	}
	rule := matchDomain(originalText + " " + analysis.Domain)

	bp := &Blueprint{
		ProjectID:           uuid.NewString(),
		Domain:              analysis.Domain,
		ArchitecturePattern: "three-tier",
		Components: []Component{
			{Type: "database", Name: fmt.Sprintf("%s-data-model", analysis.Domain)},
			{Type: "backend", Name: fmt.Sprintf("%s-api", analysis.Domain)},
			{Type: "frontend", Name: fmt.Sprintf("%s-ui", analysis.Domain)},
		},
		Integrations: append([]string(nil), rule.integrations...),
		QualityGates: []string{"code-review", "qa-testing"},
		Compliance:   append([]string(nil), rule.compliance...),
	}
	for _, need := range analysis.CoreNeeds {
		bp.Workflows = append(bp.Workflows, Workflow{Name: need})
	}
	return bp
}

// RuleBasedTasks expands a blueprint into the standard task chain:
// schema design, backend implementation, frontend implementation, and
// integration testing, wired through data and integration contracts.
func RuleBasedTasks(bp *Blueprint, specialists []string) []*graph.Task {
	pick := func(preferred, fallback string) string {
		for _, s := range specialists {
			if strings.EqualFold(s, preferred) {
				return s
			}
		}
		for _, s := range specialists {
			if strings.Contains(strings.ToLower(s), strings.ToLower(fallback)) {
				return s
			}
		}
		if len(specialists) > 0 {
			return specialists[0]
		}
		return preferred
	}

	schemaName := fmt.Sprintf("%s-schema", bp.Domain)
	apiName := fmt.Sprintf("%s-api", bp.Domain)

	dbTask := &graph.Task{
		ID:                uuid.NewString(),
		Title:             fmt.Sprintf("Design %s database schema", bp.Domain),
		Description:       fmt.Sprintf("Design and create the database schema for the %s system, covering all core entities.", bp.Domain),
		Type:              graph.TypeImplementation,
		SpecialistKind:    pick("database-specialist", "database"),
		Priority:          graph.PriorityHigh,
		EstimatedDuration: 30,
		ProvidedOutputs: []graph.DataItem{
			{Name: schemaName, Type: "schema", Format: "sql"},
		},
		Contracts: graph.IntegrationContracts{
			DefinesSchema: []string{schemaName},
		},
		ValidationCriteria: []string{"schema migrates cleanly", "entities cover all core needs"},
	}

	apiTask := &graph.Task{
		ID:                uuid.NewString(),
		Title:             fmt.Sprintf("Implement %s backend API", bp.Domain),
		Description:       fmt.Sprintf("Implement the backend service for the %s system, exposing CRUD endpoints over the data model.", bp.Domain),
		Type:              graph.TypeImplementation,
		SpecialistKind:    pick("backend-developer", "backend"),
		Priority:          graph.PriorityHigh,
		EstimatedDuration: 60,
		RequiredInputs: []graph.DataItem{
			{Name: schemaName, Type: "schema", Format: "sql"},
		},
		ProvidedOutputs: []graph.DataItem{
			{Name: apiName, Type: "api", Format: "rest"},
		},
		Contracts: graph.IntegrationContracts{
			ProvidesAPI:    []string{apiName},
			RequiresSchema: []string{schemaName},
		},
		Dependencies: []graph.Dependency{
			{TaskID: dbTask.ID, Type: graph.EdgeSchema},
		},
		ValidationCriteria: []string{"all endpoints respond", "input validation in place"},
	}

	uiTask := &graph.Task{
		ID:                uuid.NewString(),
		Title:             fmt.Sprintf("Build %s frontend", bp.Domain),
		Description:       fmt.Sprintf("Build the user interface for the %s system against the backend API.", bp.Domain),
		Type:              graph.TypeImplementation,
		SpecialistKind:    pick("frontend-developer", "frontend"),
		Priority:          graph.PriorityMedium,
		EstimatedDuration: 60,
		RequiredInputs: []graph.DataItem{
			{Name: apiName, Type: "api", Format: "rest"},
		},
		Contracts: graph.IntegrationContracts{
			ConsumesAPI: []string{apiName},
		},
		Dependencies: []graph.Dependency{
			{TaskID: apiTask.ID, Type: graph.EdgeIntegration},
		},
		ValidationCriteria: []string{"core workflows usable end to end"},
	}

	testTask := &graph.Task{
		ID:                uuid.NewString(),
		Title:             fmt.Sprintf("Integration-test the %s system", bp.Domain),
		Description:       fmt.Sprintf("Write and run integration tests covering the %s workflows across all tiers.", bp.Domain),
		Type:              graph.TypeTest,
		SpecialistKind:    pick("qa-engineer", "test"),
		Priority:          graph.PriorityMedium,
		EstimatedDuration: 45,
		Dependencies: []graph.Dependency{
			{TaskID: apiTask.ID, Type: graph.EdgeCompletion},
			{TaskID: uiTask.ID, Type: graph.EdgeCompletion},
		},
		ValidationCriteria: []string{"all integration tests pass"},
	}

	logging.LLM("Rule-based task generation: domain=%s tasks=4", bp.Domain)
	return []*graph.Task{dbTask, apiTask, uiTask, testTask}
}
