// Package agent implements the autonomous agent: the execution, review,
// and ideation sessions, the session hooks, and the loop that drives
// one agent's state machine.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/codeready-toolchain/autopilot/pkg/llm"
	"github.com/codeready-toolchain/autopilot/pkg/models"
)

// editTools is the tool set granted to execution sessions.
var editTools = []string{"Read", "Write", "Edit", "Grep", "Glob", "Bash"}

// fileInputFields are the tool-input keys inspected for touched paths.
var fileInputFields = []string{"file_path", "path", "paths", "files", "file", "target", "source"}

// ToolUseObserver is notified of every tool-use message streamed during
// a session, with the file paths extracted from its input.
type ToolUseObserver func(toolName string, files []string)

// Executor runs one work item inside its worktree with write-capable
// tools and the per-task budget and turn caps.
type Executor struct {
	llm          llm.Streamer
	maxBudgetUSD float64
	maxTurns     int
	observer     ToolUseObserver
	logger       *slog.Logger
}

// NewExecutor creates an executor. observer may be nil.
func NewExecutor(streamer llm.Streamer, maxBudgetUSD float64, maxTurns int, observer ToolUseObserver) *Executor {
	return &Executor{
		llm:          streamer,
		maxBudgetUSD: maxBudgetUSD,
		maxTurns:     maxTurns,
		observer:     observer,
		logger:       slog.Default(),
	}
}

// Execute runs the LLM session for item inside wt. Cancelling ctx is a
// cooperative abort: the partial cost and turns already reported are
// preserved and the result carries success=false.
func (e *Executor) Execute(ctx context.Context, item *models.WorkItem, wt *models.WorktreeInfo) (*models.ExecutionResult, error) {
	if _, err := os.Stat(wt.Path); err != nil {
		return nil, fmt.Errorf("worktree path %s does not exist: %w", wt.Path, err)
	}

	stream, err := e.llm.Stream(ctx, llm.Request{
		Prompt:         buildTaskPrompt(item),
		Dir:            wt.Path,
		AllowedTools:   editTools,
		PermissionMode: llm.PermissionModeEdit,
		MaxBudgetUSD:   e.maxBudgetUSD,
		MaxTurns:       e.maxTurns,
	})
	if err != nil {
		return nil, fmt.Errorf("start execution session: %w", err)
	}

	touched := make(map[string]struct{})
	var result *llm.Result
	for msg := range stream {
		switch msg.Type {
		case llm.MessageTypeToolUse:
			files := extractFiles(msg.ToolInput)
			for _, f := range files {
				touched[f] = struct{}{}
			}
			if e.observer != nil {
				e.observer(msg.ToolName, files)
			}
		case llm.MessageTypeResult:
			result = msg.Result
		}
	}

	out := &models.ExecutionResult{FilesTouched: sortedKeys(touched)}
	if result != nil {
		out.CostUSD = result.TotalCostUSD
		out.TurnsUsed = result.NumTurns
	}

	if ctx.Err() != nil {
		out.Error = "Execution aborted"
		return out, nil
	}
	if result == nil {
		out.Error = "session ended without a result message"
		return out, nil
	}
	if result.Subtype != llm.ResultSubtypeSuccess {
		out.Error = describeFailure(result)
		return out, nil
	}

	out.Success = true
	return out, nil
}

// buildTaskPrompt renders the work item as an execution prompt.
func buildTaskPrompt(item *models.WorkItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement issue #%d: %s\n\n", item.IssueNumber, item.IssueTitle)
	if item.IssueBody != "" {
		b.WriteString(item.IssueBody)
		b.WriteString("\n\n")
	}
	if len(item.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range item.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	b.WriteString("Make the necessary code changes in this working directory. Run the tests you touch. Do not commit.")
	return b.String()
}

// describeFailure joins the result's errors, falling back to the subtype.
func describeFailure(result *llm.Result) string {
	if len(result.Errors) > 0 {
		return strings.Join(result.Errors, "; ")
	}
	return result.Subtype
}

// extractFiles pulls file paths out of a tool-use input, inspecting the
// well-known path fields. Values may be strings or arrays of strings.
func extractFiles(input map[string]any) []string {
	var files []string
	for _, field := range fileInputFields {
		switch v := input[field].(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				files = append(files, trimmed)
			}
		case []any:
			for _, elem := range v {
				if s, ok := elem.(string); ok {
					if trimmed := strings.TrimSpace(s); trimmed != "" {
						files = append(files, trimmed)
					}
				}
			}
		case []string:
			for _, s := range v {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					files = append(files, trimmed)
				}
			}
		}
	}
	return files
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
