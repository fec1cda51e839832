package orchestrator

import (
	"context"

	"github.com/codeready-toolchain/autopilot/pkg/agent"
	"github.com/codeready-toolchain/autopilot/pkg/budget"
	"github.com/codeready-toolchain/autopilot/pkg/config"
	"github.com/codeready-toolchain/autopilot/pkg/events"
	"github.com/codeready-toolchain/autopilot/pkg/gitcli"
	"github.com/codeready-toolchain/autopilot/pkg/github"
	"github.com/codeready-toolchain/autopilot/pkg/llm"
	"github.com/codeready-toolchain/autopilot/pkg/prompt"
	"github.com/codeready-toolchain/autopilot/pkg/session"
	"github.com/codeready-toolchain/autopilot/pkg/worktree"
)

// Wire assembles the production dependency graph: git runner, code-host
// board, budget tracker, worktree manager, session store, prompts, and
// a loop factory binding them all together.
func Wire(cfg *config.Config, streamer llm.Streamer, sink events.Sink) *Orchestrator {
	gitRunner := gitcli.NewRunner()
	client := github.NewClient(cfg.HostToken)
	board := github.NewBoard(client, cfg.Owner, cfg.Repo, cfg.ProjectID)
	store := session.NewStore(cfg.WorkspaceRoot)
	tracker := budget.NewTracker(cfg.DailyBudgetUSD, cfg.MonthlyBudgetUSD, store.Dir())
	manager := worktree.NewManager(cfg.WorkspaceRoot, gitRunner)

	prompts := &prompt.CategoryPrompts{
		Loader: prompt.NewLoader(cfg.CategoryPromptsDir),
		Builder: &prompt.ContextBuilder{
			RepoRoot: cfg.WorkspaceRoot,
			Owner:    cfg.Owner,
			Repo:     cfg.Repo,
			Git:      gitRunner,
			IssueCount: func(ctx context.Context) (int, error) {
				return board.GetOpenIssueCount(ctx, cfg.Owner, cfg.Repo)
			},
		},
	}

	factory := func(id int) *agent.Loop {
		// The executor's tool-use observer fires the session hooks,
		// which are attached right after the loop exists.
		var loopRef *agent.Loop
		executor := agent.NewExecutor(streamer, cfg.MaxBudgetPerTaskUSD, cfg.MaxTurnsPerTask,
			func(toolName string, files []string) {
				if loopRef != nil && loopRef.Hooks() != nil {
					loopRef.Hooks().OnToolUse(toolName, files)
				}
			})

		loop := agent.NewLoop(agent.LoopConfig{
			AgentID:           id,
			Owner:             cfg.Owner,
			Repo:              cfg.Repo,
			ProjectID:         cfg.ProjectID,
			EnabledCategories: cfg.EnabledCategories,
			IdlePollInterval:  cfg.IdlePollInterval,
			CooldownInterval:  cfg.CooldownInterval,
		}, agent.Deps{
			Queue:     board,
			Budget:    tracker,
			Worktrees: manager,
			Executor:  executor,
			Reviewer:  agent.NewReviewer(streamer, gitRunner, cfg.MaxBudgetPerReviewUSD),
			Ideator:   agent.NewIdeator(streamer, cfg.MaxBudgetPerIdeationUSD),
			Prompts:   prompts,
			Sink:      sink,
		})
		loop.AttachHooks(store)
		loopRef = loop
		return loop
	}

	return New(Config{
		DesiredInstances: cfg.DesiredInstances,
		ShutdownGrace:    cfg.ShutdownGrace,
		CleanupInterval:  cfg.CleanupInterval,
	}, tracker, manager, sink, factory)
}
