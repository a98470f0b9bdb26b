package graph

import (
	"encoding/json"
	"fmt"

	"foreman/internal/fault"
)

// exportModel is the persisted shape of the graph. Field names match the
// on-disk graph.json layout.
type exportModel struct {
	Tasks            []*Task `json:"tasks"`
	TotalInvocations int     `json:"totalInvocations"`
	InvocationCap    int     `json:"invocationCap"`
	Cancelled        bool    `json:"cancelled"`
}

// Export serializes the graph deterministically: tasks in insertion order,
// stable field order, indented JSON. Two exports of the same state are
// byte-identical.
func (e *Engine) Export() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	model := exportModel{
		Tasks:            make([]*Task, 0, len(e.order)),
		TotalInvocations: e.totalInvocations,
		InvocationCap:    e.invocationCap,
		Cancelled:        e.cancelled,
	}
	for _, id := range e.order {
		model.Tasks = append(model.Tasks, e.tasks[id])
	}

	data, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to export graph: %w", err)
	}
	return data, nil
}

// Import restores a previously exported graph, replacing all current state.
// Edges are taken as stored; no inference or status reset happens here.
func (e *Engine) Import(data []byte) error {
	var model exportModel
	if err := json.Unmarshal(data, &model); err != nil {
		return fault.Wrap(fault.KindInternal, err, "failed to parse graph snapshot")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tasks = make(map[string]*Task, len(model.Tasks))
	e.order = e.order[:0]
	for _, t := range model.Tasks {
		if t.ID == "" {
			return fault.New(fault.KindInternal, "snapshot contains task without id")
		}
		if _, dup := e.tasks[t.ID]; dup {
			return fault.New(fault.KindInternal, "snapshot contains duplicate task %s", t.ID)
		}
		e.tasks[t.ID] = t
		e.order = append(e.order, t.ID)
	}

	e.rebuildDependentsLocked()
	if _, err := e.topoSortLocked(); err != nil {
		return err
	}

	e.totalInvocations = model.TotalInvocations
	if model.InvocationCap > 0 {
		e.invocationCap = model.InvocationCap
	}
	e.cancelled = model.Cancelled
	e.inFlight = make(map[string]string)
	return nil
}
