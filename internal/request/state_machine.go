package request

import (
	"time"

	"controlplane/internal/errors"
	"controlplane/internal/future"
	"controlplane/internal/obs"
	"controlplane/internal/schema"
	"controlplane/internal/timer"
	"controlplane/pkg/exception"

	"github.com/yanun0323/logs"
)

// State is the progress of one tracked request.
type State uint8

const (
	StateNotStarted State = iota
	StateStarted
	StateAwaitingResponse
	StateRetryScheduled
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarted:
		return "started"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateRetryScheduled:
		return "retry_scheduled"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// OutcomeStatus is how a request finished without failing.
type OutcomeStatus uint8

const (
	// OutcomeCompleted means a response mapped to ActionDone.
	OutcomeCompleted OutcomeStatus = iota
	// OutcomeTimeout means the last attempt got no terminal response in time.
	OutcomeTimeout
	// OutcomeExhausted means a retry was asked for with no retries left.
	OutcomeExhausted
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Outcome completes a request future.
type Outcome struct {
	Status OutcomeStatus
	// Last is the most recent response, zero when none arrived.
	Last      schema.Response
	Responses int
	// Sends counts the first send and every resend.
	Sends int
}

// ResponseHandler observes every response before the policy acts on it.
type ResponseHandler func(schema.Response)

type machine struct {
	t       *Tracker
	dst     schema.Sink
	req     schema.Request
	policy  Policy
	handler ResponseHandler

	state     State
	retries   int
	seq       uint64
	handle    timer.Handle
	responses int
	last      schema.Response
	result    *future.Future[Outcome]
}

func newMachine(t *Tracker, dst schema.Sink, req schema.Request, policy Policy, handler ResponseHandler) *machine {
	return &machine{
		t:       t,
		dst:     dst,
		req:     req,
		policy:  policy,
		handler: handler,
		state:   StateNotStarted,
		result:  future.New[Outcome](),
	}
}

func (m *machine) start() {
	if m.state != StateNotStarted {
		return
	}
	m.state = StateStarted
	m.send()
}

func (m *machine) send() {
	if res := m.t.sender.Send(m.dst, m.req); res != schema.SendOK {
		m.fail(schema.NewSendError(m.dst, res))
		return
	}
	m.state = StateAwaitingResponse
	m.arm(schema.TimerRequestTimeout, m.policy.ResponseTimeout(m.retries))
}

func (m *machine) onResponse(resp schema.Response) bool {
	if m.state != StateAwaitingResponse && m.state != StateRetryScheduled {
		return false
	}
	m.responses++
	m.last = resp
	if m.handler != nil {
		m.handler(resp)
	}

	switch m.policy.ActionFor(resp.Code) {
	case ActionDone:
		m.finish(OutcomeCompleted)
	case ActionRetry:
		if m.state == StateRetryScheduled {
			break
		}
		if m.retries >= m.policy.MaxRetries {
			m.finish(OutcomeExhausted)
			break
		}
		m.scheduleRetry()
	case ActionContinue:
		if m.state == StateAwaitingResponse {
			m.arm(schema.TimerRequestTimeout, m.policy.ResponseTimeout(m.retries))
		}
	}
	return true
}

func (m *machine) onTimer(ev schema.TimerEvent) bool {
	if ev.Seq != m.seq {
		return false
	}
	switch {
	case ev.Timer == schema.TimerRequestTimeout && m.state == StateAwaitingResponse:
		m.handle = nil
		if m.retries >= m.policy.MaxRetries {
			m.finish(OutcomeTimeout)
			return true
		}
		m.scheduleRetry()
	case ev.Timer == schema.TimerRequestRetry && m.state == StateRetryScheduled:
		m.handle = nil
		m.resend()
	default:
		logs.Errorf("[%s] %v: %s timer for request %d in state %s", m.t.name, exception.ErrProtocolMismatch, ev.Timer, m.req.ClientKey, m.state)
		return false
	}
	return true
}

func (m *machine) scheduleRetry() {
	m.cancelTimer()
	m.state = StateRetryScheduled
	delay := m.policy.RetryBackoff(m.retries + 1)
	if delay <= 0 {
		m.resend()
		return
	}
	m.arm(schema.TimerRequestRetry, delay)
}

func (m *machine) resend() {
	m.retries++
	m.t.metrics.IncRequestRetry(m.t.name)
	logs.Debugf("[%s] resend request %d to %s, retry %d/%d", m.t.name, m.req.ClientKey, m.dst, m.retries, m.policy.MaxRetries)
	m.send()
}

func (m *machine) arm(kind schema.TimerKind, delay time.Duration) {
	m.cancelTimer()
	m.seq = m.t.nextSeq()
	ev := schema.TimerEvent{Timer: kind, ClientKey: m.req.ClientKey, Seq: m.seq}
	post := m.t.post
	m.handle = m.t.timers.Schedule(delay, func() { post(ev) })
}

func (m *machine) cancelTimer() {
	if m.handle != nil {
		m.handle.Cancel()
		m.handle = nil
	}
}

func (m *machine) finish(status OutcomeStatus) {
	m.cancelTimer()
	m.state = StateDone
	m.t.remove(m.req.ClientKey)

	switch status {
	case OutcomeTimeout:
		m.t.metrics.ObserveRequest(m.t.name, obs.RequestTimeout)
	default:
		m.t.metrics.ObserveRequest(m.t.name, obs.RequestDone)
	}
	m.result.Complete(Outcome{
		Status:    status,
		Last:      m.last,
		Responses: m.responses,
		Sends:     m.retries + 1,
	})
}

func (m *machine) fail(err error) {
	m.cancelTimer()
	m.state = StateDone
	m.t.remove(m.req.ClientKey)
	m.t.metrics.ObserveRequest(m.t.name, obs.RequestFailed)
	m.result.Fail(errors.Wrapf(err, "request %d", m.req.ClientKey))
}
