// Package fsm implements the per-agent finite state machine that drives
// the agent lifecycle: Idle → Claiming → Working → Reviewing, the
// ideation path, and the pause/error/cooldown side paths.
package fsm

import (
	"fmt"
	"sync"
)

// State is an agent lifecycle state.
type State string

// Agent lifecycle states.
const (
	StateIdle            State = "idle"
	StateClaiming        State = "claiming"
	StateWorking         State = "working"
	StateReviewing       State = "reviewing"
	StateIdeating        State = "ideating"
	StateCreatingProject State = "creating_project"
	StatePaused          State = "paused"
	StateStopped         State = "stopped"
	StateError           State = "error"
	StateCooldown        State = "cooldown"
)

// Event is a lifecycle event that may trigger a transition.
type Event string

// Lifecycle events.
const (
	EventQueueHasWork      Event = "QUEUE_HAS_WORK"
	EventQueueEmptyIdeate  Event = "QUEUE_EMPTY_IDEATE"
	EventClaimSuccess      Event = "CLAIM_SUCCESS"
	EventClaimFailed       Event = "CLAIM_FAILED"
	EventExecutionComplete Event = "EXECUTION_COMPLETE"
	EventExecutionError    Event = "EXECUTION_ERROR"
	EventReviewApproved    Event = "REVIEW_APPROVED"
	EventReviewRejected    Event = "REVIEW_REJECTED"
	EventReviewError       Event = "REVIEW_ERROR"
	EventIdeaGenerated     Event = "IDEA_GENERATED"
	EventNoIdea            Event = "NO_IDEA"
	EventIdeationError     Event = "IDEATION_ERROR"
	EventProjectCreated    Event = "PROJECT_CREATED"
	EventCreationError     Event = "CREATION_ERROR"
	EventPause             Event = "PAUSE"
	EventResume            Event = "RESUME"
	EventStop              Event = "STOP"
	EventErrorAcknowledged Event = "ERROR_ACKNOWLEDGED"
	EventCooldownComplete  Event = "COOLDOWN_COMPLETE"
)

// transitions is the complete transition table. A (state, event) pair
// absent from the table is an invalid transition. StateStopped is
// terminal: it has no outgoing edges.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventQueueHasWork:     StateClaiming,
		EventQueueEmptyIdeate: StateIdeating,
		EventPause:            StatePaused,
		EventStop:             StateStopped,
	},
	StateClaiming: {
		EventClaimSuccess: StateWorking,
		EventClaimFailed:  StateIdle,
		EventStop:         StateStopped,
	},
	StateWorking: {
		EventExecutionComplete: StateReviewing,
		EventExecutionError:    StateError,
		EventPause:             StatePaused,
		EventStop:              StateStopped,
	},
	StateReviewing: {
		EventReviewApproved: StateIdle,
		EventReviewRejected: StateWorking,
		EventReviewError:    StateError,
		EventStop:           StateStopped,
	},
	StateIdeating: {
		EventIdeaGenerated: StateCreatingProject,
		EventNoIdea:        StateIdle,
		EventIdeationError: StateError,
		EventStop:          StateStopped,
	},
	StateCreatingProject: {
		EventProjectCreated: StateIdle,
		EventCreationError:  StateError,
		EventStop:           StateStopped,
	},
	StateError: {
		EventErrorAcknowledged: StateCooldown,
	},
	StateCooldown: {
		EventCooldownComplete: StateIdle,
	},
	StatePaused: {
		EventResume: StateIdle,
		EventStop:   StateStopped,
	},
	StateStopped: {},
}

// InvalidTransitionError reports an event that is not valid from the
// machine's current state. The machine state is unchanged.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %s from state %s", e.Event, e.From)
}

// Observer is notified after every successful transition, in
// registration order. Observers must not call back into the machine.
type Observer func(from State, event Event, to State)

// Machine is a single agent's state machine. Safe for concurrent use.
type Machine struct {
	mu        sync.Mutex
	state     State
	observers []Observer
}

// New creates a machine in StateIdle.
func New() *Machine {
	return &Machine{state: StateIdle}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanTransition reports whether event is valid from the current state
// without mutating anything.
func (m *Machine) CanTransition(event Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := transitions[m.state][event]
	return ok
}

// Transition applies event. On an invalid (state, event) pair it
// returns *InvalidTransitionError and leaves the state unchanged.
// Observers run synchronously after the state has advanced, with the
// machine lock released so they may read the machine.
func (m *Machine) Transition(event Event) error {
	m.mu.Lock()
	from := m.state
	to, ok := transitions[from][event]
	if !ok {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, Event: event}
	}
	m.state = to
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, obs := range observers {
		obs(from, event, to)
	}
	return nil
}

// Subscribe registers an observer. Observers fire in registration order.
func (m *Machine) Subscribe(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Reset returns the machine to StateIdle without firing observers.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
}
