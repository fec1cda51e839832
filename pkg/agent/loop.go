package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/autopilot/pkg/budget"
	"github.com/codeready-toolchain/autopilot/pkg/events"
	"github.com/codeready-toolchain/autopilot/pkg/fsm"
	"github.com/codeready-toolchain/autopilot/pkg/models"
	"github.com/codeready-toolchain/autopilot/pkg/session"
)

// Queue is the project-board adapter the loop consumes. The GraphQL
// implementation lives in pkg/github.
type Queue interface {
	FindNextWorkItem(ctx context.Context, agentID string) (*models.WorkItem, error)
	ClaimIssue(ctx context.Context, projectID, itemID, agentID string) bool
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*models.IssueRef, error)
	UpdateIssueStatus(ctx context.Context, projectID, itemID, fieldID, optionID string) error
	GetOpenIssueCount(ctx context.Context, owner, repo string) (int, error)
	ListOpenIssueTitles(ctx context.Context, owner, repo string) ([]string, error)
}

// WorktreeManager is the worktree surface the loop needs.
type WorktreeManager interface {
	Create(ctx context.Context, agentID, issueNumber int) (*models.WorktreeInfo, error)
	CommitAndPush(ctx context.Context, path, message string) error
	Remove(ctx context.Context, path string) error
}

// ExecutionRunner runs one work item in its worktree.
type ExecutionRunner interface {
	Execute(ctx context.Context, item *models.WorkItem, wt *models.WorktreeInfo) (*models.ExecutionResult, error)
}

// ReviewRunner validates completed work.
type ReviewRunner interface {
	Review(ctx context.Context, item *models.WorkItem, wt *models.WorktreeInfo) (*models.ReviewOutcome, error)
}

// IdeationRunner proposes new work items.
type IdeationRunner interface {
	Ideate(ctx context.Context, category, prompt string, existingTitles []string) models.IdeationOutcome
}

// PromptBuilder produces the interpolated ideation prompt for a category.
type PromptBuilder interface {
	Build(ctx context.Context, category string) (string, error)
}

// maxReviewRetries bounds the rejected-review rework cycles per item.
const maxReviewRetries = 2

// LoopConfig carries the per-loop settings.
type LoopConfig struct {
	AgentID           int
	Owner             string
	Repo              string
	ProjectID         string
	EnabledCategories []string
	IdlePollInterval  time.Duration
	CooldownInterval  time.Duration
}

// Deps are the shared services injected into a loop.
type Deps struct {
	Queue     Queue
	Budget    *budget.Tracker
	Worktrees WorktreeManager
	Executor  ExecutionRunner
	Reviewer  ReviewRunner
	Ideator   IdeationRunner
	Prompts   PromptBuilder
	Sink      events.Sink
}

// Loop drives one agent's state machine: branch on the current state,
// run the handler, repeat until Stopped. Handlers are sequential;
// control methods may be called from any goroutine.
type Loop struct {
	cfg     LoopConfig
	agentID string // "agent-<n>"
	machine *fsm.Machine
	deps    Deps
	hooks   *Hooks
	logger  *slog.Logger

	runCtx    context.Context
	runCancel context.CancelFunc

	stopOnce sync.Once
	stopC    chan struct{}
	resumeC  chan struct{}
	wakeC    chan struct{}
	done     chan struct{}

	mu             sync.Mutex
	cancelLLM      context.CancelFunc
	pauseRequested bool
	item           *models.WorkItem
	wt             *models.WorktreeInfo
	idea           *models.ParsedIdea
	retryCount     int
	tasksCompleted int
	errorCount     int
	lastError      string
}

// NewLoop creates a loop in Idle. Call Start to run it.
func NewLoop(cfg LoopConfig, deps Deps) *Loop {
	if deps.Sink == nil {
		deps.Sink = events.NopSink{}
	}
	l := &Loop{
		cfg:     cfg,
		agentID: fmt.Sprintf("agent-%d", cfg.AgentID),
		machine: fsm.New(),
		deps:    deps,
		logger:  slog.Default().With("agent_id", fmt.Sprintf("agent-%d", cfg.AgentID)),
		stopC:   make(chan struct{}),
		resumeC: make(chan struct{}, 1),
		wakeC:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	l.runCtx, l.runCancel = context.WithCancel(context.Background())
	l.machine.Subscribe(func(from fsm.State, _ fsm.Event, to fsm.State) {
		deps.Sink.OnStatusChange(l.agentID, from, to)
	})
	return l
}

// AttachHooks wires the session hooks fired on tool-use events.
func (l *Loop) AttachHooks(store *session.Store) {
	l.hooks = NewHooks(l.agentID, store, l.deps.Sink, l.Snapshot)
}

// Hooks returns the attached hooks, or nil.
func (l *Loop) Hooks() *Hooks { return l.hooks }

// ID returns the numeric agent id.
func (l *Loop) ID() int { return l.cfg.AgentID }

// AgentID returns the string identifier ("agent-<n>").
func (l *Loop) AgentID() string { return l.agentID }

// State returns the current FSM state.
func (l *Loop) State() fsm.State { return l.machine.Current() }

// Subscribe registers an FSM observer.
func (l *Loop) Subscribe(obs fsm.Observer) { l.machine.Subscribe(obs) }

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Start launches the loop goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Pause aborts any in-flight LLM call and moves the loop to Paused.
// When the current state has no PAUSE edge, the request is latched and
// honored at the next Idle pass. Safe to call from budget callbacks:
// it never blocks on the loop.
func (l *Loop) Pause() {
	l.mu.Lock()
	l.pauseRequested = true
	if l.cancelLLM != nil {
		l.cancelLLM()
	}
	l.mu.Unlock()

	l.transition(fsm.EventPause)
	l.wake()
}

// Resume releases the pause barrier and returns the loop to Idle.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.pauseRequested = false
	l.mu.Unlock()

	select {
	case l.resumeC <- struct{}{}:
	default:
	}
}

// Stop aborts any in-flight call, releases all barriers, and waits for
// the loop goroutine to exit.
func (l *Loop) Stop() {
	l.SignalStop()
	<-l.done
}

// SignalStop makes the loop wind down without waiting for it.
func (l *Loop) SignalStop() {
	l.stopOnce.Do(func() { close(l.stopC) })
	l.mu.Lock()
	if l.cancelLLM != nil {
		l.cancelLLM()
	}
	l.mu.Unlock()
	l.runCancel()
}

// TasksCompleted returns the number of approved work items.
func (l *Loop) TasksCompleted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasksCompleted
}

// Snapshot renders the current runtime state as an AgentSession. Used
// by the session hooks and the operator API.
func (l *Loop) Snapshot() session.AgentSession {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess := session.AgentSession{
		AgentID:        l.agentID,
		Status:         statusFor(l.machine.Current()),
		TasksCompleted: l.tasksCompleted,
		ErrorCount:     l.errorCount,
	}
	if l.item != nil {
		n := l.item.ProjectNumber
		desc := l.item.IssueTitle
		sess.CurrentProjectNumber = &n
		sess.CurrentTaskDescription = &desc
	}
	if l.wt != nil {
		branch := l.wt.Branch
		sess.BranchName = &branch
	}
	if l.lastError != "" {
		msg := l.lastError
		sess.LastError = &msg
	}
	return sess
}

func statusFor(state fsm.State) string {
	switch state {
	case fsm.StateWorking:
		return session.StatusWorking
	case fsm.StateReviewing:
		return session.StatusReviewing
	case fsm.StateIdeating, fsm.StateCreatingProject:
		return session.StatusIdeating
	case fsm.StatePaused:
		return session.StatusPaused
	default:
		return session.StatusIdle
	}
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.stopC:
			l.transition(fsm.EventStop)
			if l.hooks != nil {
				l.hooks.OnStop()
			}
			l.logger.Info("Agent loop stopped")
			return
		default:
		}

		switch l.machine.Current() {
		case fsm.StateIdle:
			l.handleIdle()
		case fsm.StateClaiming:
			l.handleClaiming()
		case fsm.StateWorking:
			l.handleWorking()
		case fsm.StateReviewing:
			l.handleReviewing()
		case fsm.StateIdeating:
			l.handleIdeating()
		case fsm.StateCreatingProject:
			l.handleCreatingProject()
		case fsm.StateError:
			l.handleError()
		case fsm.StateCooldown:
			l.handleCooldown()
		case fsm.StatePaused:
			l.handlePaused()
		case fsm.StateStopped:
			if l.hooks != nil {
				l.hooks.OnStop()
			}
			return
		}
	}
}

func (l *Loop) handleIdle() {
	if l.isPauseRequested() {
		l.transition(fsm.EventPause)
		return
	}
	if !l.deps.Budget.IsWithinBudget() {
		l.logger.Warn("Budget exhausted, pausing")
		l.Pause()
		return
	}

	item, err := l.deps.Queue.FindNextWorkItem(l.runCtx, l.agentID)
	if err != nil {
		l.logger.Warn("Queue poll failed", "error", err)
		l.sleep(l.cfg.IdlePollInterval)
		return
	}
	if item != nil {
		l.setItem(item)
		l.transition(fsm.EventQueueHasWork)
		return
	}
	if len(l.cfg.EnabledCategories) > 0 {
		l.transition(fsm.EventQueueEmptyIdeate)
		return
	}
	l.sleep(l.cfg.IdlePollInterval)
}

func (l *Loop) handleClaiming() {
	item := l.currentItem()
	if item == nil {
		l.transition(fsm.EventClaimFailed)
		return
	}

	if !l.deps.Queue.ClaimIssue(l.runCtx, l.cfg.ProjectID, item.ProjectItemID, l.agentID) {
		l.logger.Info("Claim failed, releasing item", "issue", item.IssueNumber)
		l.clearItem()
		l.transition(fsm.EventClaimFailed)
		return
	}

	wt, err := l.deps.Worktrees.Create(l.runCtx, l.cfg.AgentID, item.IssueNumber)
	if err != nil {
		l.logger.Warn("Worktree creation failed", "issue", item.IssueNumber, "error", err)
		l.clearItem()
		l.transition(fsm.EventClaimFailed)
		return
	}

	l.mu.Lock()
	l.wt = wt
	l.mu.Unlock()
	l.logger.Info("Claimed issue", "issue", item.IssueNumber, "branch", wt.Branch)
	l.transition(fsm.EventClaimSuccess)
}

func (l *Loop) handleWorking() {
	item, wt := l.currentWork()
	ctx := l.newLLMContext()
	defer l.clearLLMContext()

	result, err := l.deps.Executor.Execute(ctx, item, wt)
	if result != nil && result.CostUSD > 0 {
		// Partial cost from an aborted run still counts against budget.
		l.deps.Budget.RecordCost(l.agentID, result.CostUSD, item.ProjectNumber)
		l.deps.Sink.OnCostUpdate(l.agentID, result.CostUSD)
	}
	if err != nil || !result.Success {
		if l.runCtx.Err() != nil || l.machine.Current() != fsm.StateWorking {
			// Pause or stop aborted the run; not an error.
			return
		}
		reason := "execution failed"
		if err != nil {
			reason = err.Error()
		} else if result.Error != "" {
			reason = result.Error
		}
		l.noteError(reason)
		l.transition(fsm.EventExecutionError)
		return
	}

	message := fmt.Sprintf("Implement #%d: %s", item.IssueNumber, item.IssueTitle)
	if err := l.deps.Worktrees.CommitAndPush(l.runCtx, wt.Path, message); err != nil {
		l.noteError(fmt.Sprintf("push failed: %v", err))
		l.transition(fsm.EventExecutionError)
		return
	}

	l.logger.Info("Execution complete",
		"issue", item.IssueNumber,
		"cost_usd", result.CostUSD,
		"turns", result.TurnsUsed,
		"files", len(result.FilesTouched))
	l.transition(fsm.EventExecutionComplete)
}

func (l *Loop) handleReviewing() {
	item, wt := l.currentWork()
	ctx := l.newLLMContext()
	defer l.clearLLMContext()

	outcome, err := l.deps.Reviewer.Review(ctx, item, wt)
	if err != nil {
		if l.interrupted(ctx) {
			// Keep the item and worktree so the review reruns after
			// resume.
			return
		}
		l.cleanupWorktree()
		l.clearItem()
		l.noteError(fmt.Sprintf("review failed: %v", err))
		l.transition(fsm.EventReviewError)
		return
	}

	if outcome.Approved {
		l.cleanupWorktree()
		l.mu.Lock()
		l.tasksCompleted++
		l.retryCount = 0
		l.item = nil
		l.mu.Unlock()
		l.logger.Info("Review approved", "issue", item.IssueNumber, "summary", outcome.Summary)
		l.transition(fsm.EventReviewApproved)
		return
	}

	l.mu.Lock()
	retries := l.retryCount
	l.mu.Unlock()
	if retries < maxReviewRetries {
		l.mu.Lock()
		l.retryCount++
		l.mu.Unlock()
		l.logger.Info("Review rejected, reworking", "issue", item.IssueNumber, "retry", retries+1, "summary", outcome.Summary)
		l.transition(fsm.EventReviewRejected)
		return
	}

	l.cleanupWorktree()
	l.clearItem()
	l.mu.Lock()
	l.retryCount = 0
	l.mu.Unlock()
	l.noteError(fmt.Sprintf("review rejected after %d retries: %s", maxReviewRetries, outcome.Summary))
	l.transition(fsm.EventReviewError)
}

func (l *Loop) handleIdeating() {
	category := l.cfg.EnabledCategories[rand.IntN(len(l.cfg.EnabledCategories))]

	prompt, err := l.deps.Prompts.Build(l.runCtx, category)
	if err != nil {
		l.noteError(fmt.Sprintf("ideation prompt build failed: %v", err))
		l.transition(fsm.EventIdeationError)
		return
	}
	titles, err := l.deps.Queue.ListOpenIssueTitles(l.runCtx, l.cfg.Owner, l.cfg.Repo)
	if err != nil {
		l.noteError(fmt.Sprintf("listing open issues failed: %v", err))
		l.transition(fsm.EventIdeationError)
		return
	}

	ctx := l.newLLMContext()
	defer l.clearLLMContext()
	outcome := l.deps.Ideator.Ideate(ctx, category, prompt, titles)

	if outcome.Idea == nil {
		if outcome.NoIdeaAvailable {
			l.logger.Info("No idea available", "category", category)
			// Back off before the next Idle pass so an empty queue does
			// not hammer the ideation budget.
			l.sleep(l.cfg.IdlePollInterval)
			l.transition(fsm.EventNoIdea)
			return
		}
		if l.interrupted(ctx) {
			return
		}
		l.noteError("ideation produced no usable idea")
		l.transition(fsm.EventIdeationError)
		return
	}

	l.mu.Lock()
	l.idea = outcome.Idea
	l.mu.Unlock()
	l.transition(fsm.EventIdeaGenerated)
}

func (l *Loop) handleCreatingProject() {
	l.mu.Lock()
	idea := l.idea
	l.mu.Unlock()
	if idea == nil {
		l.noteError("no idea to file")
		l.transition(fsm.EventCreationError)
		return
	}

	ref, err := l.deps.Queue.CreateIssue(l.runCtx, l.cfg.Owner, l.cfg.Repo,
		idea.Title, buildIssueBody(idea, l.agentID), []string{idea.Category})
	if err != nil {
		l.noteError(fmt.Sprintf("issue creation failed: %v", err))
		l.transition(fsm.EventCreationError)
		return
	}

	l.mu.Lock()
	l.idea = nil
	l.mu.Unlock()
	l.logger.Info("Filed new issue", "number", ref.Number, "title", idea.Title, "category", idea.Category)
	l.transition(fsm.EventProjectCreated)
}

func (l *Loop) handleError() {
	l.mu.Lock()
	reason := l.lastError
	l.mu.Unlock()
	l.deps.Sink.OnError(l.agentID, fmt.Errorf("%s", reason))
	l.transition(fsm.EventErrorAcknowledged)
}

func (l *Loop) handleCooldown() {
	l.sleep(l.cfg.CooldownInterval)
	l.transition(fsm.EventCooldownComplete)
}

func (l *Loop) handlePaused() {
	select {
	case <-l.resumeC:
		l.transition(fsm.EventResume)
	case <-l.stopC:
	}
}

// transition applies event, tolerating races with pause/stop: a pair
// made invalid by a concurrent control transition is logged and skipped.
func (l *Loop) transition(event fsm.Event) {
	if err := l.machine.Transition(event); err != nil {
		l.logger.Debug("Skipping transition", "event", event, "error", err)
	}
}

// sleep blocks for d, cut short by stop or an external wake.
func (l *Loop) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.stopC:
	case <-l.wakeC:
	}
}

func (l *Loop) wake() {
	select {
	case l.wakeC <- struct{}{}:
	default:
	}
}

// newLLMContext derives a cancellable context for one LLM call and
// stores its cancel handle for Pause/Stop.
func (l *Loop) newLLMContext() context.Context {
	ctx, cancel := context.WithCancel(l.runCtx)
	l.mu.Lock()
	l.cancelLLM = cancel
	l.mu.Unlock()
	return ctx
}

// interrupted reports whether an LLM call ended because Pause or Stop
// cancelled its context rather than because the call itself failed.
// States without a PAUSE edge stay put, so on pause it blocks until
// resume (or stop) and the caller's step reruns afterwards.
func (l *Loop) interrupted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	if l.isPauseRequested() {
		select {
		case <-l.resumeC:
		case <-l.stopC:
		}
	}
	return true
}

func (l *Loop) clearLLMContext() {
	l.mu.Lock()
	if l.cancelLLM != nil {
		l.cancelLLM()
		l.cancelLLM = nil
	}
	l.mu.Unlock()
}

func (l *Loop) isPauseRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pauseRequested
}

func (l *Loop) setItem(item *models.WorkItem) {
	l.mu.Lock()
	l.item = item
	l.mu.Unlock()
}

func (l *Loop) clearItem() {
	l.mu.Lock()
	l.item = nil
	l.wt = nil
	l.mu.Unlock()
}

func (l *Loop) currentItem() *models.WorkItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.item
}

func (l *Loop) currentWork() (*models.WorkItem, *models.WorktreeInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.item, l.wt
}

func (l *Loop) cleanupWorktree() {
	l.mu.Lock()
	wt := l.wt
	l.wt = nil
	l.mu.Unlock()
	if wt == nil {
		return
	}
	if err := l.deps.Worktrees.Remove(context.Background(), wt.Path); err != nil {
		l.logger.Warn("Worktree cleanup failed", "path", wt.Path, "error", err)
	}
}

func (l *Loop) noteError(reason string) {
	l.logger.Error("Agent step failed", "reason", reason)
	l.mu.Lock()
	l.errorCount++
	l.lastError = reason
	l.mu.Unlock()
}

// buildIssueBody renders a validated idea as an issue body with an
// unchecked acceptance checklist and a provenance line.
func buildIssueBody(idea *models.ParsedIdea, agentID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", idea.Description)
	fmt.Fprintf(&b, "## Technical Approach\n\n%s\n\n", idea.TechnicalApproach)
	b.WriteString("## Acceptance Criteria\n\n")
	for _, c := range idea.AcceptanceCriteria {
		fmt.Fprintf(&b, "- [ ] %s\n", c)
	}
	fmt.Fprintf(&b, "\n_Proposed by %s (category: %s, estimated effort: %dh)_\n", agentID, idea.Category, idea.EffortHours)
	return b.String()
}
