package agent

import (
	"log/slog"
	"time"

	"github.com/codeready-toolchain/autopilot/pkg/events"
	"github.com/codeready-toolchain/autopilot/pkg/session"
)

// Hooks mirrors agent state to the session directory on every tool-use
// event and forwards activity to the event sink. Write errors are
// logged and swallowed so a full disk never blocks an LLM session.
// Hooks read loop state only through the snapshot function.
type Hooks struct {
	agentID  string
	store    *session.Store
	sink     events.Sink
	snapshot func() session.AgentSession
	logger   *slog.Logger
}

// NewHooks creates the hooks for one agent.
func NewHooks(agentID string, store *session.Store, sink events.Sink, snapshot func() session.AgentSession) *Hooks {
	return &Hooks{
		agentID:  agentID,
		store:    store,
		sink:     sink,
		snapshot: snapshot,
		logger:   slog.Default(),
	}
}

// OnToolUse persists a fresh session snapshot and signal, appends to
// the activity log, and notifies the sink.
func (h *Hooks) OnToolUse(toolName string, files []string) {
	if err := h.store.WriteSnapshot(h.snapshot()); err != nil {
		h.logger.Warn("Session snapshot write failed", "agent_id", h.agentID, "error", err)
	}
	if err := h.store.AppendActivity(h.agentID, toolName, files); err != nil {
		h.logger.Warn("Activity log write failed", "agent_id", h.agentID, "error", err)
	}

	h.sink.OnActivity(h.agentID, events.Activity{
		ToolName:      toolName,
		FilesAffected: files,
		Timestamp:     time.Now().UTC(),
	})
	h.sink.OnHeartbeat(h.agentID)
}

// OnStop replaces the agent's signal with a stopped marker.
func (h *Hooks) OnStop() {
	if err := h.store.WriteStopped(h.agentID); err != nil {
		h.logger.Warn("Stopped signal write failed", "agent_id", h.agentID, "error", err)
	}
}
