// Package events defines the lifecycle event sink the core emits to.
// The dashboard/state-tracking service implements Sink outside this
// module; the orchestrator is handed one at construction.
package events

import (
	"log/slog"
	"time"

	"github.com/codeready-toolchain/autopilot/pkg/fsm"
)

// Activity describes one tool-use observed during an LLM session.
type Activity struct {
	ToolName      string    `json:"toolName"`
	FilesAffected []string  `json:"filesAffected,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sink receives lifecycle events from agent loops and session hooks.
// Implementations must be side-effect only: they are invoked
// synchronously and must not call back into the emitting loop.
type Sink interface {
	OnStatusChange(agentID string, from, to fsm.State)
	OnActivity(agentID string, activity Activity)
	OnCostUpdate(agentID string, costUSD float64)
	OnError(agentID string, err error)
	OnHeartbeat(agentID string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) OnStatusChange(string, fsm.State, fsm.State) {}
func (NopSink) OnActivity(string, Activity)                 {}
func (NopSink) OnCostUpdate(string, float64)                {}
func (NopSink) OnError(string, error)                       {}
func (NopSink) OnHeartbeat(string)                          {}

// LogSink writes events to slog. Useful when no dashboard is attached.
type LogSink struct{}

func (LogSink) OnStatusChange(agentID string, from, to fsm.State) {
	slog.Info("Agent status changed", "agent_id", agentID, "from", from, "to", to)
}

func (LogSink) OnActivity(agentID string, activity Activity) {
	slog.Debug("Agent activity", "agent_id", agentID, "tool", activity.ToolName, "files", activity.FilesAffected)
}

func (LogSink) OnCostUpdate(agentID string, costUSD float64) {
	slog.Info("Agent cost update", "agent_id", agentID, "cost_usd", costUSD)
}

func (LogSink) OnError(agentID string, err error) {
	slog.Error("Agent error", "agent_id", agentID, "error", err)
}

func (LogSink) OnHeartbeat(string) {}
