// Package orchestrator owns the shared services and the pool of agent
// loops: spawning, scaling, pausing, and shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/autopilot/pkg/agent"
	"github.com/codeready-toolchain/autopilot/pkg/budget"
	"github.com/codeready-toolchain/autopilot/pkg/events"
	"github.com/codeready-toolchain/autopilot/pkg/fsm"
)

// Config carries the orchestrator settings.
type Config struct {
	DesiredInstances int
	ShutdownGrace    time.Duration
	CleanupInterval  time.Duration
}

// WorktreeJanitor removes orphaned worktrees, returning the count.
type WorktreeJanitor interface {
	CleanupOrphaned(ctx context.Context) int
}

// LoopFactory builds one agent loop for a freshly assigned id.
type LoopFactory func(id int) *agent.Loop

// AgentStatus is one agent's entry in the status snapshot.
type AgentStatus struct {
	ID    int       `json:"id"`
	State fsm.State `json:"state"`
}

// Status is the operator-facing snapshot.
type Status struct {
	Agents           []AgentStatus `json:"agents"`
	BudgetStatus     budget.Status `json:"budgetStatus"`
	ActiveWorktrees  int           `json:"activeWorktrees"`
	DesiredInstances int           `json:"desiredInstances"`
}

// Orchestrator manages the agent pool. IDs are assigned from a
// monotonically increasing counter starting at 1; scale-down removes
// the highest ids first.
type Orchestrator struct {
	cfg     Config
	budget  *budget.Tracker
	janitor WorktreeJanitor
	sink    events.Sink
	newLoop LoopFactory
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	desired int
	nextID  int
	loops   map[int]*agent.Loop
	stopC   chan struct{}
	wg      sync.WaitGroup
}

// New creates an orchestrator. The budget-exceeded callback pausing all
// agents is registered here, once; Loop.Pause never blocks, so the
// callback is safe to fire from inside RecordCost.
func New(cfg Config, tracker *budget.Tracker, janitor WorktreeJanitor, sink events.Sink, factory LoopFactory) *Orchestrator {
	if sink == nil {
		sink = events.NopSink{}
	}
	o := &Orchestrator{
		cfg:     cfg,
		budget:  tracker,
		janitor: janitor,
		sink:    sink,
		newLoop: factory,
		logger:  slog.Default(),
		desired: cfg.DesiredInstances,
		nextID:  1,
		loops:   make(map[int]*agent.Loop),
	}
	tracker.OnExceeded(func(status budget.Status) {
		o.logger.Warn("Budget exceeded, pausing all agents",
			"daily_spend", status.DailySpend, "monthly_spend", status.MonthlySpend)
		o.PauseAll()
	})
	return o
}

// Start loads the persisted budget, cleans up orphaned worktrees, and
// spawns the desired number of agent loops. A second call is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		o.logger.Warn("Orchestrator already started, ignoring duplicate Start call")
		return nil
	}
	o.started = true
	o.stopC = make(chan struct{})
	o.mu.Unlock()

	if err := o.budget.LoadFromFile(); err != nil {
		o.logger.Warn("Failed to load persisted budget", "error", err)
	}
	if removed := o.janitor.CleanupOrphaned(ctx); removed > 0 {
		o.logger.Info("Removed orphaned worktrees", "count", removed)
	}

	o.mu.Lock()
	for range o.desired {
		o.spawnLocked()
	}
	o.mu.Unlock()

	o.wg.Add(1)
	go o.runPeriodicCleanup()

	o.logger.Info("Orchestrator started", "desired_instances", o.desired)
	return nil
}

// SetDesiredInstances scales the pool. Negative values are ignored.
// Scale-down stops the highest-id agents first, each raced against the
// shutdown grace period.
func (o *Orchestrator) SetDesiredInstances(n int) {
	if n < 0 {
		o.logger.Warn("Ignoring negative desired instance count", "requested", n)
		return
	}

	o.mu.Lock()
	o.desired = n
	if !o.started {
		o.mu.Unlock()
		return
	}

	current := len(o.loops)
	if n >= current {
		for range n - current {
			o.spawnLocked()
		}
		o.mu.Unlock()
		return
	}

	// Scale down: remove the (current-n) highest ids.
	ids := make([]int, 0, current)
	for id := range o.loops {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	var victims []*agent.Loop
	for _, id := range ids[:current-n] {
		victims = append(victims, o.loops[id])
		delete(o.loops, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, loop := range victims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.stopWithGrace(loop)
		}()
	}
	wg.Wait()
	o.logger.Info("Scaled down", "removed", len(victims), "desired_instances", n)
}

// PauseAll pauses every agent.
func (o *Orchestrator) PauseAll() {
	for _, loop := range o.snapshotLoops() {
		loop.Pause()
	}
}

// ResumeAll resumes every agent.
func (o *Orchestrator) ResumeAll() {
	for _, loop := range o.snapshotLoops() {
		loop.Resume()
	}
}

// PauseAgent pauses one agent. Unknown ids are logged and reported false.
func (o *Orchestrator) PauseAgent(id int) bool {
	loop, ok := o.lookup(id)
	if !ok {
		o.logger.Warn("Pause requested for unknown agent", "agent_id", id)
		return false
	}
	loop.Pause()
	return true
}

// ResumeAgent resumes one agent. Unknown ids are logged and reported false.
func (o *Orchestrator) ResumeAgent(id int) bool {
	loop, ok := o.lookup(id)
	if !ok {
		o.logger.Warn("Resume requested for unknown agent", "agent_id", id)
		return false
	}
	loop.Resume()
	return true
}

// Stop drains every agent (each raced against the grace period),
// persists the budget ledger, and resets the orchestrator so Start may
// be called again.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	close(o.stopC)
	loops := make([]*agent.Loop, 0, len(o.loops))
	for _, loop := range o.loops {
		loops = append(loops, loop)
	}
	o.loops = make(map[int]*agent.Loop)
	o.mu.Unlock()

	o.wg.Wait()

	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.stopWithGrace(loop)
		}()
	}
	wg.Wait()

	if err := o.budget.PersistToFile(); err != nil {
		o.logger.Error("Failed to persist budget on shutdown", "error", err)
	}
	o.logger.Info("Orchestrator stopped")
}

// EmergencyStop signals every agent to stop without waiting for drain
// and persists the budget best-effort.
func (o *Orchestrator) EmergencyStop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	close(o.stopC)
	loops := make([]*agent.Loop, 0, len(o.loops))
	for _, loop := range o.loops {
		loops = append(loops, loop)
	}
	o.loops = make(map[int]*agent.Loop)
	o.mu.Unlock()

	for _, loop := range loops {
		loop.SignalStop()
	}
	if err := o.budget.PersistToFile(); err != nil {
		o.logger.Warn("Best-effort budget persist failed", "error", err)
	}
	o.logger.Warn("Emergency stop issued", "agents", len(loops))
}

// GetStatus returns the operator snapshot. ActiveWorktrees counts
// agents currently in Working or Reviewing.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	agents := make([]AgentStatus, 0, len(o.loops))
	active := 0
	for id, loop := range o.loops {
		state := loop.State()
		agents = append(agents, AgentStatus{ID: id, State: state})
		if state == fsm.StateWorking || state == fsm.StateReviewing {
			active++
		}
	}
	desired := o.desired
	o.mu.Unlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return Status{
		Agents:           agents,
		BudgetStatus:     o.budget.GetBudgetStatus(),
		ActiveWorktrees:  active,
		DesiredInstances: desired,
	}
}

// AgentIDs returns the live agent ids, ascending.
func (o *Orchestrator) AgentIDs() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]int, 0, len(o.loops))
	for id := range o.loops {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// spawnLocked assigns the next id, builds and starts the loop, and
// installs the crash watcher. Caller holds o.mu.
func (o *Orchestrator) spawnLocked() {
	id := o.nextID
	o.nextID++

	loop := o.newLoop(id)
	o.loops[id] = loop
	loop.Start()
	o.logger.Info("Spawned agent", "agent_id", id)

	go o.watch(id, loop)
}

// watch removes a loop that exits while still registered. Crashed
// agents are not respawned; the operator rescales.
func (o *Orchestrator) watch(id int, loop *agent.Loop) {
	<-loop.Done()

	o.mu.Lock()
	current, ok := o.loops[id]
	if !ok || current != loop || !o.started {
		o.mu.Unlock()
		return
	}
	delete(o.loops, id)
	o.mu.Unlock()

	o.logger.Error("Agent loop exited unexpectedly", "agent_id", id)
	o.sink.OnError(fmt.Sprintf("agent-%d", id), errors.New("agent loop exited unexpectedly"))
}

// stopWithGrace drains one loop, giving up after the grace period. A
// timed-out loop keeps winding down in the background; it is already
// out of the map.
func (o *Orchestrator) stopWithGrace(loop *agent.Loop) {
	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.ShutdownGrace):
		o.logger.Warn("Agent did not drain within grace period", "agent_id", loop.ID())
	}
}

func (o *Orchestrator) runPeriodicCleanup() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopC:
			return
		case <-ticker.C:
			o.cleanupIdle()
		}
	}
}

// cleanupIdle removes orphaned worktrees while no agent is mid-task.
func (o *Orchestrator) cleanupIdle() {
	for _, loop := range o.snapshotLoops() {
		state := loop.State()
		if state == fsm.StateWorking || state == fsm.StateReviewing {
			return
		}
	}
	if removed := o.janitor.CleanupOrphaned(context.Background()); removed > 0 {
		o.logger.Info("Periodic cleanup removed worktrees", "count", removed)
	}
}

func (o *Orchestrator) snapshotLoops() []*agent.Loop {
	o.mu.Lock()
	defer o.mu.Unlock()
	loops := make([]*agent.Loop, 0, len(o.loops))
	for _, loop := range o.loops {
		loops = append(loops, loop)
	}
	return loops
}

func (o *Orchestrator) lookup(id int) (*agent.Loop, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	loop, ok := o.loops[id]
	return loop, ok
}
