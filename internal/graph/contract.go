package graph

import "strings"

// CompatibleStrings reports contract-name compatibility: case-insensitive
// substring match in either direction.
func CompatibleStrings(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	la, lb := strings.ToLower(a), strings.ToLower(b)
	return strings.Contains(la, lb) || strings.Contains(lb, la)
}

// CompatibleItems reports whether a produced data item satisfies a required
// input: name compatibility, or structural equality of type, format, or
// schema.
func CompatibleItems(out, in DataItem) bool {
	if CompatibleStrings(out.Name, in.Name) {
		return true
	}
	if out.Type != "" && in.Type != "" && strings.EqualFold(out.Type, in.Type) {
		return true
	}
	if out.Format != "" && in.Format != "" && strings.EqualFold(out.Format, in.Format) {
		return true
	}
	if out.Schema != "" && in.Schema != "" && strings.EqualFold(out.Schema, in.Schema) {
		return true
	}
	return false
}

// contractHoldsLocked checks edge-specific contract compatibility between a
// completed predecessor and its consumer. Completion edges need only
// completion; data edges additionally require a compatible output on the
// predecessor's result (falling back to its declared outputs); integration
// and schema edges require matching contract declarations.
func contractHoldsLocked(pred, succ *Task, typ EdgeType) bool {
	switch typ {
	case EdgeCompletion:
		return true

	case EdgeData:
		outputs := pred.ProvidedOutputs
		if pred.Result != nil && len(pred.Result.Outputs) > 0 {
			outputs = pred.Result.Outputs
		}
		if len(succ.RequiredInputs) == 0 {
			return true
		}
		for _, in := range succ.RequiredInputs {
			for _, out := range outputs {
				if CompatibleItems(out, in) {
					return true
				}
			}
		}
		return false

	case EdgeIntegration:
		for _, consumed := range succ.Contracts.ConsumesAPI {
			for _, provided := range pred.Contracts.ProvidesAPI {
				if CompatibleStrings(provided, consumed) {
					return true
				}
			}
		}
		// Edge may exist for an established interface rather than an API pair.
		return len(succ.Contracts.ConsumesAPI) == 0

	case EdgeSchema:
		for _, required := range succ.Contracts.RequiresSchema {
			for _, defined := range pred.Contracts.DefinesSchema {
				if CompatibleStrings(defined, required) {
					return true
				}
			}
		}
		return len(succ.Contracts.RequiresSchema) == 0
	}
	return true
}
