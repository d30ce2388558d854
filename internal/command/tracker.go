// Package command tracks single round-trip commands until they are acknowledged or time out.
package command

import (
	"fmt"
	"time"

	"controlplane/internal/future"
	"controlplane/internal/obs"
	"controlplane/internal/schema"
	"controlplane/internal/timer"
	"controlplane/pkg/exception"

	"github.com/yanun0323/logs"
)

const defaultTimeout = time.Second

// Sender hands a message to a destination mailbox.
type Sender interface {
	Send(dst schema.Sink, msg schema.Message) schema.SendResult
}

// Poster enqueues a message on the owning service's own mailbox.
type Poster func(msg schema.Message)

// Options wires a Tracker to its service.
type Options struct {
	// Name labels logs and metrics.
	Name    string
	Sender  Sender
	Timers  timer.Service
	Post    Poster
	Metrics *obs.Metrics
	// DefaultTimeout applies to commands without their own timeout.
	DefaultTimeout time.Duration
}

type commandContext struct {
	dst    schema.Sink
	seq    uint64
	sentNs int64
	handle timer.Handle
	result *future.Future[schema.CommandAck]
}

// Tracker stores one context per outstanding client key. It is owned by a single service
// loop and is not safe for concurrent use.
type Tracker struct {
	name           string
	sender         Sender
	timers         timer.Service
	post           Poster
	metrics        *obs.Metrics
	defaultTimeout time.Duration

	contexts map[schema.ClientKey]*commandContext
	seq      uint64
	stopped  bool
}

func NewTracker(opts Options) (*Tracker, error) {
	if opts.Sender == nil || opts.Timers == nil || opts.Post == nil {
		return nil, fmt.Errorf("%w: command tracker needs sender, timers and poster", exception.ErrNilInstance)
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	return &Tracker{
		name:           opts.Name,
		sender:         opts.Sender,
		timers:         opts.Timers,
		post:           opts.Post,
		metrics:        opts.Metrics,
		defaultTimeout: opts.DefaultTimeout,
		contexts:       make(map[schema.ClientKey]*commandContext),
	}, nil
}

// SendAndTrack delivers cmd to dst and returns a future completed by the matching ack or by
// a synthesized timeout ack. A refused delivery fails the future and stores nothing.
func (t *Tracker) SendAndTrack(dst schema.Sink, cmd schema.Command) *future.Future[schema.CommandAck] {
	if t.stopped {
		return future.Failed[schema.CommandAck](exception.ErrTrackerStopped)
	}
	if _, ok := t.contexts[cmd.ClientKey]; ok {
		return future.Failed[schema.CommandAck](fmt.Errorf("%w: command %d", exception.ErrDuplicateKey, cmd.ClientKey))
	}

	if res := t.sender.Send(dst, cmd); res != schema.SendOK {
		return future.Failed[schema.CommandAck](schema.NewSendError(dst, res))
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}

	t.seq++
	ctx := &commandContext{
		dst:    dst,
		seq:    t.seq,
		sentNs: t.timers.Now(),
		result: future.New[schema.CommandAck](),
	}
	ev := schema.TimerEvent{Timer: schema.TimerCommandTimeout, ClientKey: cmd.ClientKey, Seq: ctx.seq}
	ctx.handle = t.timers.Schedule(timeout, func() { t.post(ev) })
	t.contexts[cmd.ClientKey] = ctx

	return ctx.result
}

// OnAck completes the context matching ack. It reports whether a context was found.
func (t *Tracker) OnAck(ack schema.CommandAck) bool {
	ctx, ok := t.contexts[ack.ClientKey]
	if !ok {
		logs.Debugf("[%s] ack dropped, err: %v: command %d", t.name, exception.ErrUnknownKey, ack.ClientKey)
		return false
	}
	delete(t.contexts, ack.ClientKey)
	ctx.handle.Cancel()

	t.metrics.ObserveCommand(t.name, ack.Result, time.Duration(t.timers.Now()-ctx.sentNs))
	ctx.result.Complete(ack)
	return true
}

// OnTimer completes the context armed by ev with a timeout ack. Events of a different kind
// and events from an earlier generation of the same key are dropped.
func (t *Tracker) OnTimer(ev schema.TimerEvent) bool {
	if ev.Timer != schema.TimerCommandTimeout {
		logs.Errorf("[%s] %v: command tracker got %s timer for key %d", t.name, exception.ErrProtocolMismatch, ev.Timer, ev.ClientKey)
		return false
	}
	ctx, ok := t.contexts[ev.ClientKey]
	if !ok || ctx.seq != ev.Seq {
		logs.Debugf("[%s] stale command timeout for key %d dropped", t.name, ev.ClientKey)
		return false
	}
	delete(t.contexts, ev.ClientKey)

	t.metrics.ObserveCommand(t.name, schema.ResultTimeout, time.Duration(t.timers.Now()-ctx.sentNs))
	ctx.result.Complete(schema.CommandAck{ClientKey: ev.ClientKey, Result: schema.ResultTimeout})
	return true
}

// Pending returns the number of outstanding commands.
func (t *Tracker) Pending() int {
	return len(t.contexts)
}

// IsPending reports whether key has an outstanding command.
func (t *Tracker) IsPending(key schema.ClientKey) bool {
	_, ok := t.contexts[key]
	return ok
}

// Stop fails every outstanding command with ErrTrackerStopped and refuses new ones.
func (t *Tracker) Stop() {
	if t.stopped {
		return
	}
	t.stopped = true
	for key, ctx := range t.contexts {
		delete(t.contexts, key)
		ctx.handle.Cancel()
		ctx.result.Fail(fmt.Errorf("%w: command %d to %s", exception.ErrTrackerStopped, key, ctx.dst))
	}
}
