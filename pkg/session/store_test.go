package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int          { return &n }
func strPtr(s string) *string    { return &s }

func TestWriteSnapshotWritesSessionAndSignalWithSameTimestamp(t *testing.T) {
	store := NewStore(t.TempDir())

	err := store.WriteSnapshot(AgentSession{
		AgentID:              "agent-1",
		Status:               StatusWorking,
		CurrentProjectNumber: intPtr(4),
		BranchName:           strPtr("agent-1/issue-9"),
	})
	require.NoError(t, err)

	sess, err := store.ReadSession("agent-1")
	require.NoError(t, err)
	sig, err := store.ReadSignal("agent-1")
	require.NoError(t, err)

	assert.Equal(t, StatusWorking, sess.Status)
	assert.NotEmpty(t, sess.LastHeartbeat)
	assert.Equal(t, SignalResponding, sig.State)
	assert.Equal(t, sess.LastHeartbeat, sig.Timestamp)
}

func TestWriteSnapshotRecreatesRemovedDirectory(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)

	require.NoError(t, store.WriteSnapshot(AgentSession{AgentID: "agent-1", Status: StatusIdle}))
	require.NoError(t, os.RemoveAll(store.Dir()))

	require.NoError(t, store.WriteSnapshot(AgentSession{AgentID: "agent-1", Status: StatusIdle}))
	assert.FileExists(t, store.SessionPath("agent-1"))
	assert.FileExists(t, store.SignalPath("agent-1"))
}

func TestSessionFileIsCompleteJSON(t *testing.T) {
	// Rename-based writes must never leave a partial file behind.
	store := NewStore(t.TempDir())
	require.NoError(t, store.WriteSnapshot(AgentSession{AgentID: "agent-1", Status: StatusIdle}))

	data, err := os.ReadFile(store.SessionPath("agent-1"))
	require.NoError(t, err)
	var sess AgentSession
	require.NoError(t, json.Unmarshal(data, &sess))
	assert.Equal(t, "agent-1", sess.AgentID)

	// No temp droppings left in the directory.
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestWriteStoppedReplacesSignal(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.WriteSnapshot(AgentSession{AgentID: "agent-2", Status: StatusIdle}))
	require.NoError(t, store.WriteStopped("agent-2"))

	sig, err := store.ReadSignal("agent-2")
	require.NoError(t, err)
	assert.Equal(t, SignalStopped, sig.State)
	assert.NotEmpty(t, sig.Timestamp)
}

func TestAppendActivityCapsAtFifty(t *testing.T) {
	store := NewStore(t.TempDir())

	for range 55 {
		require.NoError(t, store.AppendActivity("agent-1", "Edit", []string{"a.go"}))
	}

	data, err := os.ReadFile(filepath.Join(store.Dir(), "activity-log.json"))
	require.NoError(t, err)

	var log activityLog
	require.NoError(t, json.Unmarshal(data, &log))
	assert.Equal(t, 1, log.Version)
	assert.Len(t, log.Events, 50)
	for _, ev := range log.Events {
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, "agent-1", ev.AgentID)
	}
}

func TestAppendActivityReplacesCorruptLog(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, os.MkdirAll(store.Dir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "activity-log.json"), []byte("???"), 0o644))

	require.NoError(t, store.AppendActivity("agent-1", "Read", nil))

	data, err := os.ReadFile(filepath.Join(store.Dir(), "activity-log.json"))
	require.NoError(t, err)
	var log activityLog
	require.NoError(t, json.Unmarshal(data, &log))
	assert.Len(t, log.Events, 1)
}
