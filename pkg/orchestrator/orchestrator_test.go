package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/autopilot/pkg/agent"
	"github.com/codeready-toolchain/autopilot/pkg/budget"
	"github.com/codeready-toolchain/autopilot/pkg/fsm"
	"github.com/codeready-toolchain/autopilot/pkg/models"
)

// emptyQueue never has work, so spawned loops idle.
type emptyQueue struct{}

func (emptyQueue) FindNextWorkItem(context.Context, string) (*models.WorkItem, error) {
	return nil, nil
}
func (emptyQueue) ClaimIssue(context.Context, string, string, string) bool { return false }
func (emptyQueue) CreateIssue(context.Context, string, string, string, string, []string) (*models.IssueRef, error) {
	return &models.IssueRef{}, nil
}
func (emptyQueue) UpdateIssueStatus(context.Context, string, string, string, string) error {
	return nil
}
func (emptyQueue) GetOpenIssueCount(context.Context, string, string) (int, error) { return 0, nil }
func (emptyQueue) ListOpenIssueTitles(context.Context, string, string) ([]string, error) {
	return nil, nil
}

type nopWorktrees struct{}

func (nopWorktrees) Create(_ context.Context, agentID, issueNumber int) (*models.WorktreeInfo, error) {
	return &models.WorktreeInfo{AgentID: agentID, IssueNumber: issueNumber}, nil
}
func (nopWorktrees) CommitAndPush(context.Context, string, string) error { return nil }
func (nopWorktrees) Remove(context.Context, string) error                { return nil }

type fakeJanitor struct {
	mu    sync.Mutex
	calls int
}

func (j *fakeJanitor) CleanupOrphaned(context.Context) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	return 1
}

func (j *fakeJanitor) cleanups() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls
}

type nopRunner struct{}

func (nopRunner) Execute(context.Context, *models.WorkItem, *models.WorktreeInfo) (*models.ExecutionResult, error) {
	return &models.ExecutionResult{Success: true}, nil
}
func (nopRunner) Review(context.Context, *models.WorkItem, *models.WorktreeInfo) (*models.ReviewOutcome, error) {
	return &models.ReviewOutcome{Approved: true}, nil
}
func (nopRunner) Ideate(_ context.Context, category, _ string, _ []string) models.IdeationOutcome {
	return models.IdeationOutcome{NoIdeaAvailable: true, Category: category}
}

type nopPrompts struct{}

func (nopPrompts) Build(context.Context, string) (string, error) { return "", nil }

func idleLoopFactory(tracker *budget.Tracker) LoopFactory {
	return func(id int) *agent.Loop {
		return agent.NewLoop(agent.LoopConfig{
			AgentID:          id,
			IdlePollInterval: time.Millisecond,
			CooldownInterval: time.Millisecond,
		}, agent.Deps{
			Queue:     emptyQueue{},
			Budget:    tracker,
			Worktrees: nopWorktrees{},
			Executor:  nopRunner{},
			Reviewer:  nopRunner{},
			Ideator:   nopRunner{},
			Prompts:   nopPrompts{},
		})
	}
}

func newTestOrchestrator(t *testing.T, instances int) (*Orchestrator, *budget.Tracker, *fakeJanitor) {
	t.Helper()
	tracker := budget.NewTracker(100, 1000, t.TempDir())
	janitor := &fakeJanitor{}
	o := New(Config{
		DesiredInstances: instances,
		ShutdownGrace:    time.Second,
		CleanupInterval:  time.Hour,
	}, tracker, janitor, nil, idleLoopFactory(tracker))
	t.Cleanup(o.Stop)
	return o, tracker, janitor
}

func TestStartSpawnsDesiredInstances(t *testing.T) {
	o, _, janitor := newTestOrchestrator(t, 2)

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, []int{1, 2}, o.AgentIDs())
	assert.Equal(t, 1, janitor.cleanups())

	status := o.GetStatus()
	assert.Len(t, status.Agents, 2)
	assert.Equal(t, 2, status.DesiredInstances)
	assert.Zero(t, status.ActiveWorktrees)
}

func TestStartIsIdempotent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, []int{1}, o.AgentIDs())
}

func TestScaleUpAndDown(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 2)
	require.NoError(t, o.Start(context.Background()))
	require.Equal(t, []int{1, 2}, o.AgentIDs())

	o.SetDesiredInstances(5)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, o.AgentIDs())

	// Scale-down removes the highest ids.
	o.SetDesiredInstances(2)
	assert.Equal(t, []int{1, 2}, o.AgentIDs())
	assert.Equal(t, 2, o.GetStatus().DesiredInstances)

	// Scaling back up continues the counter, never reuses ids.
	o.SetDesiredInstances(3)
	assert.Equal(t, []int{1, 2, 6}, o.AgentIDs())
}

func TestSetDesiredInstancesIgnoresNegative(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 2)
	require.NoError(t, o.Start(context.Background()))

	o.SetDesiredInstances(-1)
	assert.Equal(t, []int{1, 2}, o.AgentIDs())
	assert.Equal(t, 2, o.GetStatus().DesiredInstances)
}

func TestPauseAllAndResumeAll(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 2)
	require.NoError(t, o.Start(context.Background()))

	o.PauseAll()
	require.Eventually(t, func() bool {
		for _, a := range o.GetStatus().Agents {
			if a.State != fsm.StatePaused {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	o.ResumeAll()
	require.Eventually(t, func() bool {
		for _, a := range o.GetStatus().Agents {
			if a.State != fsm.StateIdle {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

func TestPauseAgentUnknownID(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)
	require.NoError(t, o.Start(context.Background()))

	assert.False(t, o.PauseAgent(42))
	assert.False(t, o.ResumeAgent(42))
	assert.True(t, o.PauseAgent(1))
}

func TestBudgetExceededPausesAllAgents(t *testing.T) {
	tracker := budget.NewTracker(0.5, 1000, t.TempDir())
	janitor := &fakeJanitor{}
	o := New(Config{
		DesiredInstances: 2,
		ShutdownGrace:    time.Second,
		CleanupInterval:  time.Hour,
	}, tracker, janitor, nil, idleLoopFactory(tracker))
	t.Cleanup(o.Stop)
	require.NoError(t, o.Start(context.Background()))

	tracker.RecordCost("agent-1", 0.75, 1)

	require.Eventually(t, func() bool {
		for _, a := range o.GetStatus().Agents {
			if a.State != fsm.StatePaused {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

func TestStopPersistsBudgetAndResets(t *testing.T) {
	dir := t.TempDir()
	tracker := budget.NewTracker(100, 1000, dir)
	o := New(Config{
		DesiredInstances: 1,
		ShutdownGrace:    time.Second,
		CleanupInterval:  time.Hour,
	}, tracker, &fakeJanitor{}, nil, idleLoopFactory(tracker))
	require.NoError(t, o.Start(context.Background()))

	tracker.RecordCost("agent-1", 0.25, 7)
	o.Stop()

	assert.Empty(t, o.AgentIDs())

	fresh := budget.NewTracker(100, 1000, dir)
	require.NoError(t, fresh.LoadFromFile())
	assert.InDelta(t, 0.25, fresh.GetDailySpend(), 1e-9)

	// Start works again after Stop.
	require.NoError(t, o.Start(context.Background()))
	o.Stop()
}

func TestEmergencyStopDoesNotBlock(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 2)
	require.NoError(t, o.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		o.EmergencyStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EmergencyStop blocked")
	}
	assert.Empty(t, o.AgentIDs())
}
