// Package session persists per-agent runtime state for external
// observers. Every write goes through temp-file + rename so a reader
// sees either the previous complete contents or the new complete
// contents, never a partial file.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// SessionDirName is the observer directory under the workspace root.
const SessionDirName = ".claude-sessions"

// Agent statuses mirrored to disk.
const (
	StatusIdle      = "idle"
	StatusWorking   = "working"
	StatusReviewing = "reviewing"
	StatusIdeating  = "ideating"
	StatusPaused    = "paused"
)

// Signal states.
const (
	SignalResponding = "responding"
	SignalStopped    = "stopped"
)

// AgentSession is the durable snapshot of one agent's runtime state.
// Invariant: Status == "working" implies CurrentProjectNumber and
// BranchName are non-nil.
type AgentSession struct {
	AgentID                string  `json:"agentId"`
	Status                 string  `json:"status"`
	CurrentProjectNumber   *int    `json:"currentProjectNumber"`
	CurrentPhase           *string `json:"currentPhase"`
	BranchName             *string `json:"branchName"`
	LastHeartbeat          string  `json:"lastHeartbeat"`
	TasksCompleted         int     `json:"tasksCompleted"`
	CurrentTaskDescription *string `json:"currentTaskDescription"`
	ErrorCount             int     `json:"errorCount"`
	LastError              *string `json:"lastError"`
}

// Signal is the companion liveness marker written next to the session
// file, always with the identical timestamp.
type Signal struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

// ActivityEvent is one entry of the activity log.
type ActivityEvent struct {
	ID            string   `json:"id"`
	AgentID       string   `json:"agentId"`
	ToolName      string   `json:"toolName"`
	FilesAffected []string `json:"filesAffected,omitempty"`
	Timestamp     string   `json:"timestamp"`
}

// activityLog is the on-disk shape of activity-log.json.
type activityLog struct {
	Version int             `json:"version"`
	Events  []ActivityEvent `json:"events"`
}

// maxActivityEvents caps the activity log (FIFO).
const maxActivityEvents = 50

// Store writes session, signal, and activity files. One Store is
// shared across agents; per-agent write serialization is guaranteed by
// construction (one outstanding hook per agent at a time).
type Store struct {
	dir string

	now func() time.Time // test hook
}

// NewStore creates a store rooted at <workspaceRoot>/.claude-sessions.
func NewStore(workspaceRoot string) *Store {
	return &Store{
		dir: filepath.Join(workspaceRoot, SessionDirName),
		now: time.Now,
	}
}

// Dir returns the session directory path.
func (s *Store) Dir() string {
	return s.dir
}

// WriteSnapshot persists the agent session with a fresh heartbeat and
// writes the sibling "responding" signal carrying the same timestamp.
func (s *Store) WriteSnapshot(sess AgentSession) error {
	ts := s.now().UTC().Format(time.RFC3339)
	sess.LastHeartbeat = ts

	if err := s.writeJSON(s.SessionPath(sess.AgentID), sess); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := s.writeJSON(s.SignalPath(sess.AgentID), Signal{State: SignalResponding, Timestamp: ts}); err != nil {
		return fmt.Errorf("write signal file: %w", err)
	}
	return nil
}

// WriteStopped replaces the agent's signal with a "stopped" marker.
func (s *Store) WriteStopped(agentID string) error {
	ts := s.now().UTC().Format(time.RFC3339)
	if err := s.writeJSON(s.SignalPath(agentID), Signal{State: SignalStopped, Timestamp: ts}); err != nil {
		return fmt.Errorf("write stopped signal: %w", err)
	}
	return nil
}

// AppendActivity appends an event to activity-log.json, assigning an
// id and timestamp, and trims the log to the newest 50 entries.
func (s *Store) AppendActivity(agentID, toolName string, filesAffected []string) error {
	log := activityLog{Version: 1}
	if data, err := os.ReadFile(s.activityPath()); err == nil {
		// A corrupt log is replaced rather than propagated.
		_ = json.Unmarshal(data, &log)
		log.Version = 1
	}

	log.Events = append(log.Events, ActivityEvent{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		ToolName:      toolName,
		FilesAffected: filesAffected,
		Timestamp:     s.now().UTC().Format(time.RFC3339),
	})
	if len(log.Events) > maxActivityEvents {
		log.Events = log.Events[len(log.Events)-maxActivityEvents:]
	}

	if err := s.writeJSON(s.activityPath(), log); err != nil {
		return fmt.Errorf("write activity log: %w", err)
	}
	return nil
}

// ReadSession loads the persisted snapshot for an agent.
func (s *Store) ReadSession(agentID string) (*AgentSession, error) {
	data, err := os.ReadFile(s.SessionPath(agentID))
	if err != nil {
		return nil, err
	}
	var sess AgentSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return &sess, nil
}

// ReadSignal loads the signal for an agent.
func (s *Store) ReadSignal(agentID string) (*Signal, error) {
	data, err := os.ReadFile(s.SignalPath(agentID))
	if err != nil {
		return nil, err
	}
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("parse signal file: %w", err)
	}
	return &sig, nil
}

// SessionPath returns the session file path for an agent.
func (s *Store) SessionPath(agentID string) string {
	return filepath.Join(s.dir, agentID+".session")
}

// SignalPath returns the signal file path for an agent.
func (s *Store) SignalPath(agentID string) string {
	return filepath.Join(s.dir, agentID+".signal")
}

func (s *Store) activityPath() string {
	return filepath.Join(s.dir, "activity-log.json")
}

// writeJSON marshals v and writes it atomically. The directory is
// recreated if an external observer removed it.
func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
