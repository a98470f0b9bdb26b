// Package checkpoint persists named graph snapshots and restores the most
// recent valid one after a fatal error. Snapshot writes are atomic
// (write-to-temp plus rename) so a crash never leaves a torn file.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"foreman/internal/events"
	"foreman/internal/fault"
	"foreman/internal/graph"
	"foreman/internal/logging"
)

// Well-known snapshot names. The recovery ladder tries them in order.
const (
	NameInitialized        = "initialized"
	NameExecutionStart     = "executionStart"
	NameLastSuccessfulNode = "lastSuccessfulNode"
	NameAutoBeforeError    = "autoSnapshotBeforeError"
)

// recoveryLadder is the restore order after a fatal graph error.
var recoveryLadder = []string{
	NameLastSuccessfulNode,
	NameAutoBeforeError,
	NameExecutionStart,
	NameInitialized,
}

// Snapshot is the persisted form of one checkpoint.
type Snapshot struct {
	Name      string          `json:"name"`
	TakenAt   time.Time       `json:"takenAt"`
	Graph     json.RawMessage `json:"graph"`
	ReadyIDs  []string        `json:"readyIds"`
	EventTail []events.Event  `json:"eventTail,omitempty"`
}

// Store writes snapshots under <dir>/checkpoints/<name>.json.
type Store struct {
	dir string
}

// NewStore creates the checkpoints directory if needed.
func NewStore(projectDir string) (*Store, error) {
	dir := filepath.Join(projectDir, "checkpoints")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fault.Wrap(fault.KindCheckpointFailed, err, "failed to create checkpoint dir")
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Take snapshots the engine state under the given name, replacing any prior
// snapshot with that name.
func (s *Store) Take(name string, eng *graph.Engine) error {
	data, err := eng.Export()
	if err != nil {
		return fault.Wrap(fault.KindCheckpointFailed, err, "snapshot %s: export failed", name)
	}

	ready := eng.ReadyTasks()
	readyIDs := make([]string, 0, len(ready))
	for _, r := range ready {
		readyIDs = append(readyIDs, r.Task.ID)
	}

	snap := Snapshot{
		Name:      name,
		TakenAt:   time.Now().UTC(),
		Graph:     data,
		ReadyIDs:  readyIDs,
		EventTail: eng.EventTail(100),
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fault.Wrap(fault.KindCheckpointFailed, err, "snapshot %s: marshal failed", name)
	}

	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, payload, 0644); err != nil {
		return fault.Wrap(fault.KindCheckpointFailed, err, "snapshot %s: write failed", name)
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		os.Remove(tmp)
		return fault.Wrap(fault.KindCheckpointFailed, err, "snapshot %s: rename failed", name)
	}
	logging.Snapshot("Snapshot taken: %s (%d ready, %d bytes)", name, len(readyIDs), len(payload))
	return nil
}

// Load reads and validates one named snapshot.
func (s *Store) Load(name string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, fault.Wrap(fault.KindCheckpointFailed, err, "snapshot %s: read failed", name)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fault.Wrap(fault.KindCheckpointFailed, err, "snapshot %s: corrupt", name)
	}
	if len(snap.Graph) == 0 {
		return nil, fault.New(fault.KindCheckpointFailed, "snapshot %s: empty graph", name)
	}
	return &snap, nil
}

// List returns the snapshot names present on disk.
func (s *Store) List() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			out = append(out, e.Name()[:len(e.Name())-len(".json")])
		}
	}
	return out
}

// Recover walks the recovery ladder and restores the first snapshot that
// validates into the engine. In-flight invocation bookkeeping is discarded
// by the import. Returns the name of the restored snapshot.
func (s *Store) Recover(eng *graph.Engine) (string, error) {
	for _, name := range recoveryLadder {
		snap, err := s.Load(name)
		if err != nil {
			logging.SnapshotDebug("Recovery: snapshot %s unusable: %v", name, err)
			continue
		}
		if err := eng.Import(snap.Graph); err != nil {
			logging.Snapshot("Recovery: snapshot %s failed to import: %v", name, err)
			continue
		}
		logging.Snapshot("Recovered from snapshot %s (taken %s)", name, snap.TakenAt.Format(time.RFC3339))
		return name, nil
	}
	return "", fault.New(fault.KindCheckpointFailed, "no usable snapshot for recovery")
}
