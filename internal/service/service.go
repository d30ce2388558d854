// Package service runs one mailbox and one worker per service. All tracker state of a
// service is touched only by its worker.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"controlplane/internal/bus"
	"controlplane/internal/command"
	"controlplane/internal/future"
	"controlplane/internal/lifecycle"
	"controlplane/internal/obs"
	"controlplane/internal/request"
	"controlplane/internal/schema"
	"controlplane/internal/status"
	"controlplane/internal/throttle"
	"controlplane/internal/timer"
	"controlplane/pkg/exception"

	"github.com/yanun0323/logs"
)

const (
	defaultMailboxSize = 4096
	defaultStopPoll    = time.Millisecond
	postRetry          = time.Millisecond
)

// Router delivers envelopes between services.
type Router interface {
	Deliver(env bus.Envelope) schema.SendResult
	Sink(id schema.SinkID) (schema.Sink, bool)
}

// Handler receives the messages no tracker consumes. Both methods run on the service loop.
type Handler interface {
	OnCommand(s *Service, from schema.Sink, cmd schema.Command)
	OnRequest(s *Service, from schema.Sink, req schema.Request)
}

// Options configure a Service.
type Options struct {
	Sink        schema.Sink
	SystemID    uint32
	MailboxSize int
	Handler     Handler
	Timers      timer.Service
	Router      Router
	Metrics     *obs.Metrics
	Sequencer   *obs.Sequencer

	CommandTimeout time.Duration
	Policies       request.PolicyTable
	Throttles      map[schema.SinkID]throttle.Config

	// Hooks are chained in front of the service's own lifecycle hooks.
	Hooks lifecycle.Hooks
	// GateActive holds the Active transition until every tracked dependency is up.
	GateActive bool
	// Heartbeat is the interval of heartbeat broadcasts while active. Zero disables them.
	Heartbeat time.Duration
	// StopPoll is the interval at which Stop checks that the worker exited.
	StopPoll time.Duration
	// InFlight counts accepted but undispatched envelopes. Services sharing one counter can
	// be checked for quiescence together. Nil gives the service its own.
	InFlight *atomic.Int64
}

// Service owns the trackers of one sink.
type Service struct {
	sink      schema.Sink
	systemID  uint32
	handler   Handler
	timers    timer.Service
	router    Router
	metrics   *obs.Metrics
	sequencer *obs.Sequencer
	heartbeat time.Duration
	stopPoll  time.Duration

	mailbox  *bus.Mailbox
	commands *command.Tracker
	requests *request.Tracker
	status   *status.Tracker
	gate     *throttle.Gate
	lc       *lifecycle.Machine

	upWaiters        []*future.Future[bool]
	aggregateTracked bool

	subMu       sync.RWMutex
	subscribers []schema.SinkID

	started  atomic.Bool
	inFlight *atomic.Int64
	done     chan struct{}
}

func New(opts Options) (*Service, error) {
	if opts.Handler == nil || opts.Timers == nil || opts.Router == nil {
		return nil, fmt.Errorf("%w: service %s needs handler, timers and router", exception.ErrNilInstance, opts.Sink.Name)
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = defaultMailboxSize
	}
	if opts.StopPoll <= 0 {
		opts.StopPoll = defaultStopPoll
	}
	if opts.InFlight == nil {
		opts.InFlight = new(atomic.Int64)
	}

	s := &Service{
		sink:      opts.Sink,
		systemID:  opts.SystemID,
		handler:   opts.Handler,
		timers:    opts.Timers,
		router:    opts.Router,
		metrics:   opts.Metrics,
		sequencer: opts.Sequencer,
		heartbeat: opts.Heartbeat,
		stopPoll:  opts.StopPoll,
		mailbox:   bus.NewMailbox(opts.MailboxSize),
		status:    status.NewTracker(),
		gate:      throttle.NewGate(opts.Timers),
		inFlight:  opts.InFlight,
		done:      make(chan struct{}),
	}

	var err error
	s.commands, err = command.NewTracker(command.Options{
		Name:           opts.Sink.Name,
		Sender:         s,
		Timers:         opts.Timers,
		Post:           s.Post,
		Metrics:        opts.Metrics,
		DefaultTimeout: opts.CommandTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.requests, err = request.NewTracker(request.Options{
		Name:     opts.Sink.Name,
		Sender:   s,
		Timers:   opts.Timers,
		Post:     s.Post,
		Metrics:  opts.Metrics,
		Policies: opts.Policies,
	})
	if err != nil {
		return nil, err
	}
	for dst, cfg := range opts.Throttles {
		if err := s.gate.Set(dst, cfg); err != nil {
			return nil, fmt.Errorf("service %s throttle for sink %d: %w", opts.Sink.Name, dst, err)
		}
	}

	s.lc = lifecycle.NewMachine(opts.Sink.Name, s.hooks(opts.Hooks, opts.GateActive), opts.Metrics)
	return s, nil
}

func (s *Service) Sink() schema.Sink { return s.sink }

func (s *Service) Lifecycle() *lifecycle.Machine { return s.lc }

// Commands returns the command tracker. Use it only on the service loop.
func (s *Service) Commands() *command.Tracker { return s.commands }

// Requests returns the request tracker. Use it only on the service loop.
func (s *Service) Requests() *request.Tracker { return s.requests }

// Status returns the status tracker. Use it only on the service loop.
func (s *Service) Status() *status.Tracker { return s.status }

// Gate returns the outbound throttle gate. Use it only on the service loop.
func (s *Service) Gate() *throttle.Gate { return s.gate }

// Timers returns the timer service the trackers schedule on.
func (s *Service) Timers() timer.Service { return s.timers }

// Run starts the worker. It returns immediately; the worker exits when ctx is done or the
// mailbox is closed and drained.
func (s *Service) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)
		s.mailbox.Run(ctx, s.dispatch)
		logs.Infof("[%s] worker exited", s.sink.Name)
	}()
}

// Done is closed once the worker exited.
func (s *Service) Done() <-chan struct{} { return s.done }

// Pending returns the number of queued envelopes.
func (s *Service) Pending() int { return s.mailbox.Len() }

// Send delivers msg to dst after the throttle gate allows it. Call it on the service loop.
func (s *Service) Send(dst schema.Sink, msg schema.Message) schema.SendResult {
	if !s.gate.Allow(dst.ID) {
		s.metrics.IncThrottled(s.sink.Name, dst.Name)
		return schema.SendBackpressure
	}
	return s.deliver(dst, msg)
}

func (s *Service) deliver(dst schema.Sink, msg schema.Message) schema.SendResult {
	res := s.router.Deliver(bus.Envelope{
		Seq:    s.sequencer.Next(),
		From:   s.sink.ID,
		To:     dst.ID,
		SentNs: s.timers.Now(),
		Msg:    msg,
	})
	switch res {
	case schema.SendBackpressure:
		s.metrics.IncMailboxFull(dst.Name)
	case schema.SendClosed:
		s.metrics.IncMailboxClosed(dst.Name)
	}
	return res
}

// Accept enqueues env on this service's mailbox. Safe for concurrent use.
func (s *Service) Accept(env bus.Envelope) schema.SendResult {
	s.inFlight.Add(1)
	switch err := s.mailbox.TryPublish(env); err {
	case nil:
		return schema.SendOK
	case bus.ErrQueueFull:
		s.inFlight.Add(-1)
		return schema.SendBackpressure
	default:
		s.inFlight.Add(-1)
		return schema.SendClosed
	}
}

// Idle reports whether every envelope accepted under the in-flight counter was dispatched.
func (s *Service) Idle() bool {
	return s.inFlight.Load() == 0
}

// Post enqueues msg on this service's own mailbox. Safe for concurrent use. A full mailbox does
// not lose msg: the post is retried on the timer every postRetry until it is accepted or the
// mailbox closes.
func (s *Service) Post(msg schema.Message) {
	res := s.Accept(bus.Envelope{
		Seq:    s.sequencer.Next(),
		From:   s.sink.ID,
		To:     s.sink.ID,
		SentNs: s.timers.Now(),
		Msg:    msg,
	})
	switch res {
	case schema.SendOK:
	case schema.SendBackpressure:
		logs.Debugf("[%s] mailbox full, post %s retried in %s", s.sink.Name, msg.Kind(), postRetry)
		s.timers.Schedule(postRetry, func() { s.Post(msg) })
	default:
		logs.Errorf("[%s] post %s dropped, err: %+v", s.sink.Name, msg.Kind(), schema.NewSendError(s.sink, res))
	}
}

// Execute runs fn on the service loop. Safe for concurrent use.
func (s *Service) Execute(fn func()) error {
	if fn == nil {
		return exception.ErrNilInstance
	}
	res := s.Accept(bus.Envelope{
		Seq:    s.sequencer.Next(),
		From:   s.sink.ID,
		To:     s.sink.ID,
		SentNs: s.timers.Now(),
		Msg:    schema.Call{Fn: fn},
	})
	return schema.NewSendError(s.sink, res)
}

// Subscribe adds a sink that receives this service's status broadcasts. Safe for concurrent use.
func (s *Service) Subscribe(id schema.SinkID) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subscribers {
		if sub == id {
			return
		}
	}
	s.subscribers = append(s.subscribers, id)
}

// Depend tracks dep's status. Call it before Run.
func (s *Service) Depend(dep schema.Sink) error {
	_, err := s.status.TrackSink(dep.ID, func(st schema.ServiceStatus) {
		if st.Status != schema.StatusHeartbeat {
			logs.Infof("[%s] dependency %s is %s", s.sink.Name, dep, st.Status)
		}
	})
	if err != nil {
		return err
	}
	return s.trackAggregate()
}

// DependOnType requires at least one sink of typ to be up. Call it before Run.
func (s *Service) DependOnType(typ schema.ServiceType) error {
	_, err := s.status.TrackType(typ, func(st schema.ServiceStatus) {
		if st.Status != schema.StatusHeartbeat {
			logs.Infof("[%s] %s dependency %s is %s", s.sink.Name, typ, st.Sink, st.Status)
		}
	})
	if err != nil {
		return err
	}
	return s.trackAggregate()
}

func (s *Service) trackAggregate() error {
	if s.aggregateTracked {
		return nil
	}
	_, err := s.status.TrackAggregate(s.onAggregate)
	if err != nil {
		return err
	}
	s.aggregateTracked = true
	s.metrics.SetAllUp(s.sink.Name, s.status.AllUp())
	return nil
}

func (s *Service) onAggregate(up bool) {
	s.metrics.SetAllUp(s.sink.Name, up)
	logs.Infof("[%s] dependencies up: %v", s.sink.Name, up)
	if !up {
		return
	}
	waiters := s.upWaiters
	s.upWaiters = nil
	for _, w := range waiters {
		w.Complete(true)
	}
}
