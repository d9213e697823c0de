package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/debugfleet/internal/model"
)

// newTestRegistry returns a Registry rooted in a fresh temp dir.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "registry.json"), filepath.Join(dir, "registry.json.lock"))
}

func testInstance(port int) *model.Instance {
	return &model.Instance{
		Port:      port,
		PID:       4000 + port,
		ID:        "test-id",
		DataDir:   "/tmp/data",
		LogPath:   "/tmp/log",
		State:     model.StateStarting,
		CreatedAt: time.Now().UTC(),
	}
}

// TestPutGetRoundTrip verifies a record survives the write/read cycle
// with its fields intact.
func TestPutGetRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)

	inst := testInstance(9222)
	require.NoError(t, reg.Put(inst))

	got, err := reg.Get(9222)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, inst.Port, got.Port)
	assert.Equal(t, inst.PID, got.PID)
	assert.Equal(t, model.StateStarting, got.State)
}

// TestGet_UnknownPort verifies an untracked port yields nil, not an error.
func TestGet_UnknownPort(t *testing.T) {
	reg := newTestRegistry(t)

	got, err := reg.Get(9999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestList_SortedByPort verifies list ordering is stable regardless of
// insertion order.
func TestList_SortedByPort(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Put(testInstance(9230)))
	require.NoError(t, reg.Put(testInstance(9222)))
	require.NoError(t, reg.Put(testInstance(9226)))

	instances, err := reg.List()
	require.NoError(t, err)
	require.Len(t, instances, 3)
	assert.Equal(t, 9222, instances[0].Port)
	assert.Equal(t, 9226, instances[1].Port)
	assert.Equal(t, 9230, instances[2].Port)
}

// TestRemove_Idempotent verifies removing twice succeeds both times
// and leaves no entry — the property that keeps terminate idempotent.
func TestRemove_Idempotent(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Put(testInstance(9222)))
	require.NoError(t, reg.Remove(9222))
	require.NoError(t, reg.Remove(9222))

	got, err := reg.Get(9222)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestPersistenceAcrossInstances verifies the registry survives a
// "manager restart": a second Registry on the same path sees the
// records the first wrote.
func TestPersistenceAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	lock := filepath.Join(dir, "registry.json.lock")

	first := New(path, lock)
	require.NoError(t, first.Put(testInstance(9222)))

	second := New(path, lock)
	instances, err := second.List()
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, 9222, instances[0].Port)
}

// TestReconcile_DropsStaleEntries verifies self-healing: records whose
// process is gone are removed and the survivors are returned.
func TestReconcile_DropsStaleEntries(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Put(testInstance(9222)))
	require.NoError(t, reg.Put(testInstance(9223)))

	survivors, err := reg.Reconcile(func(inst *model.Instance) bool {
		return inst.Port == 9223
	})
	require.NoError(t, err)
	require.Len(t, survivors, 1)
	assert.Equal(t, 9223, survivors[0].Port)

	// The stale entry is gone from the file too.
	got, err := reg.Get(9222)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestUpdateState verifies the starting→ready transition is persisted,
// and that updating an absent port is a silent no-op.
func TestUpdateState(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Put(testInstance(9222)))
	require.NoError(t, reg.UpdateState(9222, model.StateReady))

	got, err := reg.Get(9222)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StateReady, got.State)

	// Absent port: no error, no record appears.
	require.NoError(t, reg.UpdateState(9999, model.StateDead))
	got, err = reg.Get(9999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestLoad_EmptyFile verifies an empty registry file reads as an empty
// registry rather than a parse error.
func TestLoad_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	reg := New(path, filepath.Join(dir, "registry.json.lock"))
	instances, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, instances)
}
