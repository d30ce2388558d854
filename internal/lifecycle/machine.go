package lifecycle

import (
	"fmt"
	"sync"

	"controlplane/internal/future"
	"controlplane/internal/obs"
	"controlplane/pkg/exception"

	"github.com/yanun0323/logs"
)

// PendingHook gates entering a state. Resolving false vetoes the transition.
type PendingHook func() *future.Future[bool]

// Hooks are the callbacks of a Machine. Every field may be nil; a nil pending hook approves.
type Hooks struct {
	PendingWarmup   PendingHook
	PendingRecovery PendingHook
	PendingActive   PendingHook
	PendingReset    PendingHook
	PendingStopped  PendingHook

	// Exit and Enter run after the pending gate approved, in that order.
	Exit  func(from State)
	Enter func(to State)
}

func (h Hooks) pending(target State) PendingHook {
	switch target {
	case StateWarmup:
		return h.PendingWarmup
	case StateRecovery:
		return h.PendingRecovery
	case StateActive:
		return h.PendingActive
	case StateReset:
		return h.PendingReset
	case StateStopped:
		return h.PendingStopped
	default:
		return nil
	}
}

// Result is the outcome of a transition that was not refused outright.
type Result struct {
	State State
	// Rejected is set when a pending hook vetoed the transition. State is then unchanged.
	Rejected bool
}

// Machine is a compare-and-set lifecycle. At most one transition is in flight at a time.
type Machine struct {
	name    string
	hooks   Hooks
	metrics *obs.Metrics

	mu       sync.Mutex
	state    State
	inFlight bool
}

func NewMachine(name string, hooks Hooks, metrics *obs.Metrics) *Machine {
	m := &Machine{name: name, hooks: hooks, metrics: metrics, state: StateInit}
	metrics.SetLifecycleState(name, int(StateInit))
	return m
}

// State returns the committed state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves from expected to target once the target's pending hook approves. A state
// mismatch, a disallowed edge or a transition already in flight fails the future with a
// *TransitionError. A veto completes it with Rejected set. A failing hook fails it with
// ErrHookFailed.
func (m *Machine) Transition(expected, target State) *future.Future[Result] {
	m.mu.Lock()
	if m.inFlight || m.state != expected || !CanTransition(expected, target) {
		err := &TransitionError{Expected: expected, Actual: m.state, Target: target, InFlight: m.inFlight}
		m.mu.Unlock()
		m.metrics.ObserveTransition(m.name, target.String(), "failed")
		return future.Failed[Result](err)
	}
	m.inFlight = true
	m.mu.Unlock()

	out := future.New[Result]()
	gate := m.hooks.pending(target)
	if gate == nil {
		m.commit(expected, target, out)
		return out
	}

	pending := gate()
	if pending == nil {
		m.commit(expected, target, out)
		return out
	}
	pending.OnComplete(func(ok bool, err error) {
		switch {
		case err != nil:
			m.abort()
			m.metrics.ObserveTransition(m.name, target.String(), "failed")
			logs.Errorf("[%s] lifecycle %s -> %s hook failed, err: %+v", m.name, expected, target, err)
			out.Fail(fmt.Errorf("%w: %s -> %s: %w", exception.ErrHookFailed, expected, target, err))
		case !ok:
			m.abort()
			m.metrics.ObserveTransition(m.name, target.String(), "rejected")
			logs.Warnf("[%s] lifecycle %s -> %s rejected", m.name, expected, target)
			out.Complete(Result{State: expected, Rejected: true})
		default:
			m.commit(expected, target, out)
		}
	})
	return out
}

func (m *Machine) commit(from, to State, out *future.Future[Result]) {
	if m.hooks.Exit != nil {
		m.hooks.Exit(from)
	}

	m.mu.Lock()
	m.state = to
	m.inFlight = false
	m.mu.Unlock()

	m.metrics.SetLifecycleState(m.name, int(to))
	m.metrics.ObserveTransition(m.name, to.String(), "ok")
	logs.Infof("[%s] lifecycle %s -> %s", m.name, from, to)

	if m.hooks.Enter != nil {
		m.hooks.Enter(to)
	}
	out.Complete(Result{State: to})
}

func (m *Machine) abort() {
	m.mu.Lock()
	m.inFlight = false
	m.mu.Unlock()
}

func (m *Machine) fromCurrent(target State) *future.Future[Result] {
	return m.Transition(m.State(), target)
}

// Start walks Init -> Warmup -> Recovery -> Active, stopping at the first veto.
func (m *Machine) Start() *future.Future[Result] {
	step := func(from, to State) func(Result) *future.Future[Result] {
		return func(prev Result) *future.Future[Result] {
			if prev.Rejected {
				return future.Completed(prev)
			}
			return m.Transition(from, to)
		}
	}
	f := m.Transition(StateInit, StateWarmup)
	f = future.Then(f, step(StateWarmup, StateRecovery))
	return future.Then(f, step(StateRecovery, StateActive))
}

// Warmup moves the current state to Warmup.
func (m *Machine) Warmup() *future.Future[Result] { return m.fromCurrent(StateWarmup) }

// Recover moves the current state to Recovery.
func (m *Machine) Recover() *future.Future[Result] { return m.fromCurrent(StateRecovery) }

// Activate moves the current state to Active.
func (m *Machine) Activate() *future.Future[Result] { return m.fromCurrent(StateActive) }

// Reset moves the current state to Reset.
func (m *Machine) Reset() *future.Future[Result] { return m.fromCurrent(StateReset) }

// Stop moves the current state to Stopped. Stopping a stopped machine completes immediately.
func (m *Machine) Stop() *future.Future[Result] {
	if cur := m.State(); cur == StateStopped {
		return future.Completed(Result{State: cur})
	}
	return m.fromCurrent(StateStopped)
}
