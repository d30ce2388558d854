// Package request tracks requests that may see zero or more responses and may be retried.
package request

import (
	"fmt"

	"controlplane/internal/future"
	"controlplane/internal/obs"
	"controlplane/internal/schema"
	"controlplane/internal/timer"
	"controlplane/pkg/exception"

	"github.com/yanun0323/logs"
)

// Sender hands a message to a destination mailbox.
type Sender interface {
	Send(dst schema.Sink, msg schema.Message) schema.SendResult
}

// Poster enqueues a message on the owning service's own mailbox.
type Poster func(msg schema.Message)

// Options wires a Tracker to its service.
type Options struct {
	// Name labels logs and metrics.
	Name     string
	Sender   Sender
	Timers   timer.Service
	Post     Poster
	Metrics  *obs.Metrics
	Policies PolicyTable
	// Fallback applies to request types missing from Policies. Zero means DefaultPolicy.
	Fallback *Policy
}

// Tracker runs one state machine per outstanding client key. It is owned by a single
// service loop and is not safe for concurrent use.
type Tracker struct {
	name     string
	sender   Sender
	timers   timer.Service
	post     Poster
	metrics  *obs.Metrics
	policies PolicyTable
	fallback Policy

	machines map[schema.ClientKey]*machine
	seq      uint64
	stopped  bool
}

func NewTracker(opts Options) (*Tracker, error) {
	if opts.Sender == nil || opts.Timers == nil || opts.Post == nil {
		return nil, fmt.Errorf("%w: request tracker needs sender, timers and poster", exception.ErrNilInstance)
	}
	if err := opts.Policies.Validate(); err != nil {
		return nil, err
	}
	fallback := DefaultPolicy()
	if opts.Fallback != nil {
		if err := opts.Fallback.Validate(); err != nil {
			return nil, err
		}
		fallback = *opts.Fallback
	}
	return &Tracker{
		name:     opts.Name,
		sender:   opts.Sender,
		timers:   opts.Timers,
		post:     opts.Post,
		metrics:  opts.Metrics,
		policies: opts.Policies,
		fallback: fallback,
		machines: make(map[schema.ClientKey]*machine),
	}, nil
}

// Policy returns the policy applied to typ.
func (t *Tracker) Policy(typ schema.RequestType) Policy {
	if p, ok := t.policies[typ]; ok {
		return p
	}
	return t.fallback
}

// SendAndTrack starts a state machine for req, which performs the first send. handler may be
// nil. A duplicate client key or a refused first send fails the future and stores nothing.
func (t *Tracker) SendAndTrack(dst schema.Sink, req schema.Request, handler ResponseHandler) *future.Future[Outcome] {
	if t.stopped {
		return future.Failed[Outcome](exception.ErrTrackerStopped)
	}
	if _, ok := t.machines[req.ClientKey]; ok {
		return future.Failed[Outcome](fmt.Errorf("%w: request %d", exception.ErrDuplicateKey, req.ClientKey))
	}

	m := newMachine(t, dst, req, t.Policy(req.Type), handler)
	t.machines[req.ClientKey] = m
	m.start()
	return m.result
}

// OnResponse hands resp to the machine of its client key. It reports whether a machine
// accepted it.
func (t *Tracker) OnResponse(resp schema.Response) bool {
	m, ok := t.machines[resp.ClientKey]
	if !ok {
		logs.Debugf("[%s] response dropped, err: %v: request %d", t.name, exception.ErrUnknownKey, resp.ClientKey)
		return false
	}
	if resp.Type != m.req.Type {
		logs.Errorf("[%s] %v: response type %d for request %d of type %d", t.name, exception.ErrProtocolMismatch, resp.Type, resp.ClientKey, m.req.Type)
		return false
	}
	return m.onResponse(resp)
}

// OnTimer hands ev to the machine that armed it. Stale events are dropped.
func (t *Tracker) OnTimer(ev schema.TimerEvent) bool {
	if ev.Timer != schema.TimerRequestTimeout && ev.Timer != schema.TimerRequestRetry {
		logs.Errorf("[%s] %v: request tracker got %s timer for key %d", t.name, exception.ErrProtocolMismatch, ev.Timer, ev.ClientKey)
		return false
	}
	m, ok := t.machines[ev.ClientKey]
	if !ok || m.seq != ev.Seq {
		logs.Debugf("[%s] stale %s for request %d dropped", t.name, ev.Timer, ev.ClientKey)
		return false
	}
	return m.onTimer(ev)
}

// State returns the state of the request with key, if it is still tracked.
func (t *Tracker) State(key schema.ClientKey) (State, bool) {
	m, ok := t.machines[key]
	if !ok {
		return StateDone, false
	}
	return m.state, true
}

// Pending returns the number of outstanding requests.
func (t *Tracker) Pending() int {
	return len(t.machines)
}

// Stop fails every outstanding request with ErrTrackerStopped and refuses new ones.
func (t *Tracker) Stop() {
	if t.stopped {
		return
	}
	t.stopped = true
	for _, m := range t.machines {
		m.fail(exception.ErrTrackerStopped)
	}
}

func (t *Tracker) remove(key schema.ClientKey) {
	delete(t.machines, key)
}

func (t *Tracker) nextSeq() uint64 {
	t.seq++
	return t.seq
}
