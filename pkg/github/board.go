package github

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/codeready-toolchain/autopilot/pkg/models"
)

// Board adapts a GitHub Project board to the work-queue contract the
// agent loops consume.
type Board struct {
	client  *Client
	owner   string
	repo    string
	project string // project node id
	logger  *slog.Logger
}

// NewBoard creates a board adapter for one project.
func NewBoard(client *Client, owner, repo, projectID string) *Board {
	return &Board{
		client:  client,
		owner:   owner,
		repo:    repo,
		project: projectID,
		logger:  slog.Default(),
	}
}

const openIssueCountQuery = `
query($owner: String!, $repo: String!) {
  repository(owner: $owner, name: $repo) {
    issues(states: OPEN) { totalCount }
  }
}`

// GetOpenIssueCount returns the number of open issues in the repository.
func (b *Board) GetOpenIssueCount(ctx context.Context, owner, repo string) (int, error) {
	var resp struct {
		Repository struct {
			Issues struct {
				TotalCount int `json:"totalCount"`
			} `json:"issues"`
		} `json:"repository"`
	}
	err := b.client.Do(ctx, openIssueCountQuery, map[string]any{"owner": owner, "repo": repo}, &resp)
	if err != nil {
		return 0, fmt.Errorf("count open issues: %w", err)
	}
	return resp.Repository.Issues.TotalCount, nil
}

const openIssueTitlesQuery = `
query($owner: String!, $repo: String!) {
  repository(owner: $owner, name: $repo) {
    issues(states: OPEN, first: 100, orderBy: {field: CREATED_AT, direction: DESC}) {
      nodes { title }
    }
  }
}`

// ListOpenIssueTitles returns the titles of the newest open issues,
// used by the ideation duplicate filter.
func (b *Board) ListOpenIssueTitles(ctx context.Context, owner, repo string) ([]string, error) {
	var resp struct {
		Repository struct {
			Issues struct {
				Nodes []struct {
					Title string `json:"title"`
				} `json:"nodes"`
			} `json:"issues"`
		} `json:"repository"`
	}
	err := b.client.Do(ctx, openIssueTitlesQuery, map[string]any{"owner": owner, "repo": repo}, &resp)
	if err != nil {
		return nil, fmt.Errorf("list open issues: %w", err)
	}
	titles := make([]string, 0, len(resp.Repository.Issues.Nodes))
	for _, n := range resp.Repository.Issues.Nodes {
		titles = append(titles, n.Title)
	}
	return titles, nil
}

const nextWorkItemQuery = `
query($project: ID!) {
  node(id: $project) {
    ... on ProjectV2 {
      number
      items(first: 50) {
        nodes {
          id
          fieldValueByName(name: "Status") {
            ... on ProjectV2ItemFieldSingleSelectValue { name }
          }
          content {
            ... on Issue {
              number
              title
              body
              assignees(first: 1) { totalCount }
              labels(first: 10) { nodes { name } }
            }
          }
        }
      }
    }
  }
}`

// FindNextWorkItem returns the first unassigned Todo item on the
// board, or nil when the queue is empty.
func (b *Board) FindNextWorkItem(ctx context.Context, agentID string) (*models.WorkItem, error) {
	var resp struct {
		Node struct {
			Number int `json:"number"`
			Items  struct {
				Nodes []struct {
					ID               string `json:"id"`
					FieldValueByName struct {
						Name string `json:"name"`
					} `json:"fieldValueByName"`
					Content struct {
						Number    int    `json:"number"`
						Title     string `json:"title"`
						Body      string `json:"body"`
						Assignees struct {
							TotalCount int `json:"totalCount"`
						} `json:"assignees"`
						Labels struct {
							Nodes []struct {
								Name string `json:"name"`
							} `json:"nodes"`
						} `json:"labels"`
					} `json:"content"`
				} `json:"nodes"`
			} `json:"items"`
		} `json:"node"`
	}
	if err := b.client.Do(ctx, nextWorkItemQuery, map[string]any{"project": b.project}, &resp); err != nil {
		return nil, fmt.Errorf("query project items: %w", err)
	}

	for _, item := range resp.Node.Items.Nodes {
		if item.Content.Number == 0 {
			continue // draft or non-issue content
		}
		if !strings.EqualFold(item.FieldValueByName.Name, "Todo") {
			continue
		}
		if item.Content.Assignees.TotalCount > 0 {
			continue
		}
		labels := make([]string, 0, len(item.Content.Labels.Nodes))
		for _, l := range item.Content.Labels.Nodes {
			labels = append(labels, l.Name)
		}
		return &models.WorkItem{
			ProjectNumber:      resp.Node.Number,
			ProjectItemID:      item.ID,
			IssueNumber:        item.Content.Number,
			IssueTitle:         item.Content.Title,
			IssueBody:          item.Content.Body,
			AcceptanceCriteria: ParseAcceptanceCriteria(item.Content.Body),
			Labels:             labels,
		}, nil
	}
	return nil, nil
}

const claimIssueMutation = `
mutation($assignable: ID!, $assignee: ID!) {
  addAssigneesToAssignable(input: {assignableId: $assignable, assigneeIds: [$assignee]}) {
    assignable { __typename }
  }
}`

// ClaimIssue assigns the item to the agent's actor. The assign is
// idempotent on the host side; any failure is reported as an
// unsuccessful claim rather than an error so the loop can release the
// item and go back to Idle.
func (b *Board) ClaimIssue(ctx context.Context, projectID, itemID, agentID string) bool {
	err := b.client.Do(ctx, claimIssueMutation, map[string]any{
		"assignable": itemID,
		"assignee":   agentID,
	}, nil)
	if err != nil {
		b.logger.Warn("Claim failed", "project_id", projectID, "item_id", itemID, "agent_id", agentID, "error", err)
		return false
	}
	return true
}

const createIssueMutation = `
mutation($repository: ID!, $title: String!, $body: String!) {
  createIssue(input: {repositoryId: $repository, title: $title, body: $body}) {
    issue { number id }
  }
}`

const repositoryIDQuery = `
query($owner: String!, $repo: String!) {
  repository(owner: $owner, name: $repo) { id }
}`

const addLabelsMutation = `
mutation($labelable: ID!, $labels: [String!]!) {
  addLabelsToLabelable(input: {labelableId: $labelable, labelIds: $labels}) {
    clientMutationId
  }
}`

// CreateIssue files a new issue and returns its number and node id.
// Label attachment is best-effort.
func (b *Board) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*models.IssueRef, error) {
	var repoResp struct {
		Repository struct {
			ID string `json:"id"`
		} `json:"repository"`
	}
	if err := b.client.Do(ctx, repositoryIDQuery, map[string]any{"owner": owner, "repo": repo}, &repoResp); err != nil {
		return nil, fmt.Errorf("resolve repository id: %w", err)
	}

	var resp struct {
		CreateIssue struct {
			Issue struct {
				Number int    `json:"number"`
				ID     string `json:"id"`
			} `json:"issue"`
		} `json:"createIssue"`
	}
	err := b.client.Do(ctx, createIssueMutation, map[string]any{
		"repository": repoResp.Repository.ID,
		"title":      title,
		"body":       body,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}

	if len(labels) > 0 {
		if err := b.client.Do(ctx, addLabelsMutation, map[string]any{
			"labelable": resp.CreateIssue.Issue.ID,
			"labels":    labels,
		}, nil); err != nil {
			b.logger.Warn("Failed to attach labels", "issue", resp.CreateIssue.Issue.Number, "error", err)
		}
	}

	return &models.IssueRef{
		Number: resp.CreateIssue.Issue.Number,
		ID:     resp.CreateIssue.Issue.ID,
	}, nil
}

const updateStatusMutation = `
mutation($project: ID!, $item: ID!, $field: ID!, $option: String!) {
  updateProjectV2ItemFieldValue(input: {
    projectId: $project, itemId: $item, fieldId: $field,
    value: {singleSelectOptionId: $option}
  }) {
    projectV2Item { id }
  }
}`

// UpdateIssueStatus moves a board item to a new single-select option.
func (b *Board) UpdateIssueStatus(ctx context.Context, projectID, itemID, fieldID, optionID string) error {
	err := b.client.Do(ctx, updateStatusMutation, map[string]any{
		"project": projectID,
		"item":    itemID,
		"field":   fieldID,
		"option":  optionID,
	}, nil)
	if err != nil {
		return fmt.Errorf("update item status: %w", err)
	}
	return nil
}

var criterionPattern = regexp.MustCompile(`^[-*] \[[ xX]?\] *(.+)$`)

// ParseAcceptanceCriteria extracts the checklist entries of an issue
// body, in order.
func ParseAcceptanceCriteria(body string) []string {
	var criteria []string
	for _, line := range strings.Split(body, "\n") {
		if match := criterionPattern.FindStringSubmatch(strings.TrimSpace(line)); match != nil {
			criteria = append(criteria, strings.TrimSpace(match[1]))
		}
	}
	return criteria
}
