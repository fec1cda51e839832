package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/codeready-toolchain/autopilot/pkg/llm"
	"github.com/codeready-toolchain/autopilot/pkg/models"
)

// noIdeaToken is the literal the model emits when it cannot propose
// anything worthwhile for the category.
const noIdeaToken = "NO_IDEA_AVAILABLE"

// Ideator proposes new work items when the queue is empty, using
// read-only tools and a capped ideation budget.
type Ideator struct {
	llm          llm.Streamer
	maxBudgetUSD float64
	logger       *slog.Logger
}

// NewIdeator creates an ideator.
func NewIdeator(streamer llm.Streamer, maxBudgetUSD float64) *Ideator {
	return &Ideator{
		llm:          streamer,
		maxBudgetUSD: maxBudgetUSD,
		logger:       slog.Default(),
	}
}

// Ideate runs one ideation session with the interpolated category
// prompt. It never returns an error: SDK and validation failures yield
// the error shape (nil idea, NoIdeaAvailable false), duplicates and the
// no-idea token yield nil idea with the corresponding flag.
func (i *Ideator) Ideate(ctx context.Context, category, prompt string, existingTitles []string) models.IdeationOutcome {
	outcome := models.IdeationOutcome{Category: category}

	stream, err := i.llm.Stream(ctx, llm.Request{
		Prompt:         prompt,
		AllowedTools:   llm.ReadOnlyTools,
		PermissionMode: llm.PermissionModeReadOnly,
		MaxBudgetUSD:   i.maxBudgetUSD,
	})
	if err != nil {
		i.logger.Warn("Ideation session failed to start", "category", category, "error", err)
		return outcome
	}

	var result *llm.Result
	for msg := range stream {
		if msg.Type == llm.MessageTypeResult {
			result = msg.Result
		}
	}
	if result == nil || result.Subtype != llm.ResultSubtypeSuccess {
		i.logger.Warn("Ideation session failed", "category", category)
		return outcome
	}

	if strings.Contains(result.Text, noIdeaToken) {
		outcome.NoIdeaAvailable = true
		return outcome
	}

	idea, err := parseIdea(result.Text)
	if err != nil {
		i.logger.Warn("Ideation response rejected", "category", category, "error", err)
		return outcome
	}
	if idea.Category == "" {
		idea.Category = category
	}

	for _, existing := range existingTitles {
		if CheckDuplicate(idea.Title, []string{existing}) {
			i.logger.Info("Idea discarded as duplicate", "title", idea.Title, "existing", existing)
			return outcome
		}
	}

	outcome.Idea = idea
	return outcome
}

// parseIdea decodes and validates a ParsedIdea from the session text.
// A fenced or chatty response falls back to the first {...} block.
func parseIdea(text string) (*models.ParsedIdea, error) {
	payload := stripCodeFence(text)

	var idea models.ParsedIdea
	if err := json.Unmarshal([]byte(payload), &idea); err != nil {
		block, ok := firstJSONObject(payload)
		if !ok {
			return nil, fmt.Errorf("no JSON object in ideation response: %w", err)
		}
		if err := json.Unmarshal([]byte(block), &idea); err != nil {
			return nil, fmt.Errorf("parse ideation response: %w", err)
		}
	}

	if err := ValidateIdea(&idea); err != nil {
		return nil, err
	}
	return &idea, nil
}

// ValidateIdea enforces the full idea shape: bounded title and
// description, at least three acceptance criteria, a technical
// approach, and an effort estimate of one to eight hours.
func ValidateIdea(idea *models.ParsedIdea) error {
	if idea.Title == "" || utf8.RuneCountInString(idea.Title) >= 100 {
		return fmt.Errorf("title must be non-empty and under 100 characters")
	}
	if n := utf8.RuneCountInString(idea.Description); n < 20 || n > 500 {
		return fmt.Errorf("description must be 20 to 500 characters, got %d", n)
	}
	if len(idea.AcceptanceCriteria) < 3 {
		return fmt.Errorf("at least 3 acceptance criteria required, got %d", len(idea.AcceptanceCriteria))
	}
	if strings.TrimSpace(idea.TechnicalApproach) == "" {
		return fmt.Errorf("technicalApproach must not be empty")
	}
	if idea.EffortHours < 1 || idea.EffortHours > 8 {
		return fmt.Errorf("effortHours must be 1..8, got %d", idea.EffortHours)
	}
	return nil
}

var titleWordPattern = regexp.MustCompile(`[a-z0-9]+`)

// CheckDuplicate reports whether candidate is a near-duplicate of any
// existing title: tokenized word overlap divided by the smaller token
// set must exceed 0.8.
func CheckDuplicate(candidate string, existing []string) bool {
	candidateTokens := tokenize(candidate)
	if len(candidateTokens) == 0 {
		return false
	}

	for _, title := range existing {
		titleTokens := tokenize(title)
		if len(titleTokens) == 0 {
			continue
		}
		overlap := 0
		for token := range candidateTokens {
			if _, ok := titleTokens[token]; ok {
				overlap++
			}
		}
		smaller := min(len(candidateTokens), len(titleTokens))
		if float64(overlap)/float64(smaller) > 0.8 {
			return true
		}
	}
	return false
}

func tokenize(title string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, word := range titleWordPattern.FindAllString(strings.ToLower(title), -1) {
		tokens[word] = struct{}{}
	}
	return tokens
}

// firstJSONObject extracts the first balanced {...} block from s.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
