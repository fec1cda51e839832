package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codeready-toolchain/autopilot/pkg/gitcli"
	"github.com/codeready-toolchain/autopilot/pkg/llm"
	"github.com/codeready-toolchain/autopilot/pkg/models"
)

// Reviewer validates completed work against the item's acceptance
// criteria with a read-only LLM session. It never mutates the worktree.
type Reviewer struct {
	llm          llm.Streamer
	git          gitcli.Runner
	maxBudgetUSD float64
	logger       *slog.Logger
}

// NewReviewer creates a reviewer.
func NewReviewer(streamer llm.Streamer, git gitcli.Runner, maxBudgetUSD float64) *Reviewer {
	return &Reviewer{
		llm:          streamer,
		git:          git,
		maxBudgetUSD: maxBudgetUSD,
		logger:       slog.Default(),
	}
}

// Review runs the review session for item inside wt. A result text that
// does not parse into a verdict yields a synthetic rejected outcome so
// the loop retries rather than approving blind.
func (r *Reviewer) Review(ctx context.Context, item *models.WorkItem, wt *models.WorktreeInfo) (*models.ReviewOutcome, error) {
	diff := r.captureDiff(ctx, wt.Path)

	stream, err := r.llm.Stream(ctx, llm.Request{
		Prompt:         buildReviewPrompt(item, diff),
		Dir:            wt.Path,
		AllowedTools:   llm.ReadOnlyTools,
		PermissionMode: llm.PermissionModeReadOnly,
		MaxBudgetUSD:   r.maxBudgetUSD,
	})
	if err != nil {
		return nil, fmt.Errorf("start review session: %w", err)
	}

	var result *llm.Result
	for msg := range stream {
		if msg.Type == llm.MessageTypeResult {
			result = msg.Result
		}
	}
	if result == nil {
		return nil, fmt.Errorf("review session ended without a result message")
	}
	if result.Subtype != llm.ResultSubtypeSuccess {
		return nil, fmt.Errorf("review session failed: %s", describeFailure(result))
	}

	return parseReviewOutcome(result.Text), nil
}

// captureDiff returns `git diff HEAD~1` in the worktree, or an empty
// string when there is no parent commit to diff against.
func (r *Reviewer) captureDiff(ctx context.Context, dir string) string {
	result, err := r.git.Run(ctx, dir, "diff", "HEAD~1")
	if err != nil {
		r.logger.Debug("No diff available for review", "dir", dir, "error", err)
		return ""
	}
	return result.Stdout
}

func buildReviewPrompt(item *models.WorkItem, diff string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the changes made for issue #%d: %s\n\n", item.IssueNumber, item.IssueTitle)
	b.WriteString("Acceptance criteria:\n")
	for i, c := range item.AcceptanceCriteria {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	b.WriteString("\nDiff of the last commit:\n```diff\n")
	b.WriteString(diff)
	b.WriteString("\n```\n\n")
	b.WriteString(`Evaluate each criterion against the diff and the code in this directory. Respond with JSON only:
{"approved": bool, "criteriaResults": [{"criterion": string, "passed": bool, "feedback": string}], "summary": string, "testsRan": bool, "testsPassed": bool}`)
	return b.String()
}

// parseReviewOutcome decodes the reviewer's JSON verdict. Missing
// required fields or malformed JSON produce a rejected outcome whose
// summary names the parse failure.
func parseReviewOutcome(text string) *models.ReviewOutcome {
	var raw struct {
		Approved        *bool                     `json:"approved"`
		CriteriaResults *[]models.CriterionResult `json:"criteriaResults"`
		Summary         string                    `json:"summary"`
		TestsRan        bool                      `json:"testsRan"`
		TestsPassed     bool                      `json:"testsPassed"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &raw); err != nil {
		return rejectedOutcome(fmt.Sprintf("review response is not valid JSON: %v", err))
	}
	if raw.Approved == nil || raw.CriteriaResults == nil {
		return rejectedOutcome("review response is missing approved or criteriaResults")
	}

	return &models.ReviewOutcome{
		Approved:        *raw.Approved,
		CriteriaResults: *raw.CriteriaResults,
		Summary:         raw.Summary,
		TestsRan:        raw.TestsRan,
		TestsPassed:     raw.TestsPassed,
	}
}

func rejectedOutcome(summary string) *models.ReviewOutcome {
	return &models.ReviewOutcome{Approved: false, Summary: summary}
}

// stripCodeFence removes a surrounding markdown code fence, with or
// without a language tag.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop the language tag line (e.g. "json").
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
