package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsStoreProfile(t *testing.T) {
	store, err := OpenStatsStore(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	defer store.Close()

	w := &Worker{
		ID:             "backend-dev",
		Name:           "Backend Developer",
		Specialization: "backend-developer",
		Capabilities:   map[string]Capability{"backend": {Efficiency: 0.9, Experience: ExperienceExpert}},
	}

	// Fresh worker: zero history, zero rate.
	profile, err := store.Profile(w)
	require.NoError(t, err)
	assert.Equal(t, 0, profile.CompletedTasks)
	assert.Zero(t, profile.SuccessRate)

	require.NoError(t, store.Record(w.ID, "t1", true, 1200))
	require.NoError(t, store.Record(w.ID, "t2", true, 900))
	require.NoError(t, store.Record(w.ID, "t3", false, 5000))
	require.NoError(t, store.Record("someone-else", "t4", true, 100))

	profile, err = store.Profile(w)
	require.NoError(t, err)
	assert.Equal(t, 3, profile.CompletedTasks)
	assert.InDelta(t, 2.0/3.0, profile.SuccessRate, 1e-9)
	assert.Equal(t, int64((1200+900+5000)/3), profile.AvgDurationMs)
	assert.Equal(t, "backend-developer", profile.Specialization)
	assert.Contains(t, profile.Skills, "backend")
}

func TestRecordOutcomeThroughRegistry(t *testing.T) {
	store, err := OpenStatsStore(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)

	r := New()
	r.SetStatsStore(store)
	defer r.Close()

	r.RecordOutcome("backend-dev", "t1", true, 500)

	w, ok := r.Worker("backend-dev")
	require.True(t, ok)
	profile, err := store.Profile(w)
	require.NoError(t, err)
	assert.Equal(t, 1, profile.CompletedTasks)
	assert.Equal(t, 1.0, profile.SuccessRate)
}
