// Package models contains the shared data types passed between the
// orchestrator, agent loops, and external clients.
package models

// WorkItem is a unit of work claimed from the project board queue.
// It is owned by exactly one agent loop from claim until cleanup.
type WorkItem struct {
	ProjectNumber      int      `json:"projectNumber"`
	ProjectItemID      string   `json:"projectItemId"`
	IssueNumber        int      `json:"issueNumber"`
	IssueTitle         string   `json:"issueTitle"`
	IssueBody          string   `json:"issueBody"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Labels             []string `json:"labels"`
}

// WorktreeInfo describes an isolated checkout created for a work item.
// It is a plain value the loop holds during Working/Reviewing only.
type WorktreeInfo struct {
	Path        string `json:"path"`
	Branch      string `json:"branch"`
	AgentID     int    `json:"agentId"`
	IssueNumber int    `json:"issueNumber"`
}

// ExecutionResult is the terminal outcome of one execution session.
type ExecutionResult struct {
	Success      bool     `json:"success"`
	CostUSD      float64  `json:"costUsd"`
	FilesTouched []string `json:"filesTouched"`
	TurnsUsed    int      `json:"turnsUsed"`
	Error        string   `json:"error,omitempty"`
}

// CriterionResult is the reviewer's verdict on a single acceptance criterion.
type CriterionResult struct {
	Criterion string `json:"criterion"`
	Passed    bool   `json:"passed"`
	Feedback  string `json:"feedback,omitempty"`
}

// ReviewOutcome is the structured verdict parsed from the review session.
type ReviewOutcome struct {
	Approved        bool              `json:"approved"`
	CriteriaResults []CriterionResult `json:"criteriaResults"`
	Summary         string            `json:"summary"`
	TestsRan        bool              `json:"testsRan"`
	TestsPassed     bool              `json:"testsPassed"`
}

// ParsedIdea is a validated proposal for a new work item.
type ParsedIdea struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	TechnicalApproach  string   `json:"technicalApproach"`
	EffortHours        int      `json:"effortHours"`
	Category           string   `json:"category"`
}

// IdeationOutcome carries the result of one ideation session.
// Idea == nil with NoIdeaAvailable == false indicates an error shape.
type IdeationOutcome struct {
	Idea            *ParsedIdea `json:"idea"`
	NoIdeaAvailable bool        `json:"noIdeaAvailable"`
	Category        string      `json:"category"`
}

// IssueRef identifies an issue created on the code host.
type IssueRef struct {
	Number int    `json:"number"`
	ID     string `json:"id"`
}
