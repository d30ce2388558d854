package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"controlplane/internal/bus"
	"controlplane/internal/future"
	"controlplane/internal/lifecycle"
	"controlplane/internal/schema"
	"controlplane/internal/throttle"
	"controlplane/internal/timer"
	"controlplane/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapRouter struct {
	mu       sync.RWMutex
	services map[schema.SinkID]*Service
}

func newMapRouter() *mapRouter {
	return &mapRouter{services: make(map[schema.SinkID]*Service)}
}

func (r *mapRouter) add(s *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[s.Sink().ID] = s
}

func (r *mapRouter) Deliver(env bus.Envelope) schema.SendResult {
	r.mu.RLock()
	s, ok := r.services[env.To]
	r.mu.RUnlock()
	if !ok {
		return schema.SendUnknownSink
	}
	return s.Accept(env)
}

func (r *mapRouter) Sink(id schema.SinkID) (schema.Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[id]
	if !ok {
		return schema.Sink{}, false
	}
	return s.Sink(), true
}

type recorder struct {
	mu       sync.Mutex
	commands []schema.Command
	requests []schema.Request
	from     []schema.SinkID
}

func (r *recorder) OnCommand(_ *Service, from schema.Sink, cmd schema.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	r.from = append(r.from, from.ID)
}

func (r *recorder) OnRequest(_ *Service, from schema.Sink, req schema.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	r.from = append(r.from, from.ID)
}

func (r *recorder) commandCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

var (
	sinkA = schema.Sink{ID: 1, Type: schema.ServiceTypeOrderGateway, Name: "og"}
	sinkB = schema.Sink{ID: 2, Type: schema.ServiceTypeVenue, Name: "venue"}
)

func newService(t *testing.T, router *mapRouter, clock timer.Service, sink schema.Sink, h Handler, mutate func(*Options)) *Service {
	t.Helper()
	opts := Options{Sink: sink, Handler: h, Timers: clock, Router: router, MailboxSize: 64}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	router.add(s)
	return s
}

// onLoop runs fn on the service loop and waits for it.
func onLoop(t *testing.T, s *Service, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, s.Execute(func() {
		fn()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not run the call")
	}
}

func wait[T any](t *testing.T, f *future.Future[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NoError(t, err)
	return v
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{Sink: sinkA})
	assert.ErrorIs(t, err, exception.ErrNilInstance)
}

func TestSendDispatchesToHandler(t *testing.T) {
	clock := timer.NewSimulated(0, timer.Config{})
	router := newMapRouter()
	a := newService(t, router, clock, sinkA, &recorder{}, nil)
	rb := &recorder{}
	b := newService(t, router, clock, sinkB, rb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Run(ctx)
	b.Run(ctx)

	var res schema.SendResult
	onLoop(t, a, func() { res = a.Send(sinkB, schema.Command{ClientKey: 5}) })
	assert.Equal(t, schema.SendOK, res)

	onLoop(t, b, func() {})
	assert.Equal(t, 1, rb.commandCount())
	assert.Equal(t, []schema.SinkID{sinkA.ID}, rb.from)

	onLoop(t, a, func() { res = a.Send(schema.Sink{ID: 99}, schema.Command{}) })
	assert.Equal(t, schema.SendUnknownSink, res)
}

func TestCommandRoundTripThroughTracker(t *testing.T) {
	clock := timer.NewSimulated(0, timer.Config{})
	router := newMapRouter()
	a := newService(t, router, clock, sinkA, &recorder{}, nil)
	b := newService(t, router, clock, sinkB, &recorder{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Run(ctx)
	b.Run(ctx)

	var pending bool
	onLoop(t, a, func() {
		f := a.Commands().SendAndTrack(sinkB, schema.Command{ClientKey: 1})
		pending = !f.IsDone()
	})
	assert.True(t, pending)

	onLoop(t, b, func() { b.Send(sinkA, schema.CommandAck{ClientKey: 1, Result: schema.ResultOK}) })
	onLoop(t, a, func() { pending = a.Commands().IsPending(1) })
	assert.False(t, pending)
}

func TestTimerEventMarshalledOntoLoop(t *testing.T) {
	clock := timer.NewSimulated(0, timer.Config{})
	router := newMapRouter()
	a := newService(t, router, clock, sinkA, &recorder{}, func(o *Options) { o.CommandTimeout = 50 * time.Millisecond })
	newService(t, router, clock, sinkB, &recorder{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Run(ctx)

	var result schema.ResultType
	onLoop(t, a, func() {
		a.Commands().SendAndTrack(sinkB, schema.Command{ClientKey: 1}).OnComplete(func(ack schema.CommandAck, err error) {
			result = ack.Result
		})
	})
	clock.Advance(50 * time.Millisecond)
	onLoop(t, a, func() {})
	assert.Equal(t, schema.ResultTimeout, result)
}

func TestTimerEventRetriedWhenMailboxFull(t *testing.T) {
	clock := timer.NewSimulated(0, timer.Config{})
	router := newMapRouter()
	a := newService(t, router, clock, sinkA, &recorder{}, func(o *Options) { o.MailboxSize = 1 })
	newService(t, router, clock, sinkB, &recorder{}, nil)

	f := a.Commands().SendAndTrack(sinkB, schema.Command{ClientKey: 1, Timeout: 10 * time.Millisecond})
	require.NoError(t, a.Execute(func() {}))
	require.Equal(t, 1, a.Pending())

	clock.Advance(20 * time.Millisecond)
	assert.False(t, f.IsDone())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Run(ctx)
	require.Eventually(t, func() bool { return a.Pending() == 0 }, 2*time.Second, time.Millisecond)

	clock.Advance(10 * time.Second)
	ack := wait(t, f)
	assert.Equal(t, schema.ResultTimeout, ack.Result)
	assert.Equal(t, schema.ClientKey(1), ack.ClientKey)
}

func TestThrottleGateRefusesSend(t *testing.T) {
	clock := timer.NewSimulated(0, timer.Config{})
	router := newMapRouter()
	a := newService(t, router, clock, sinkA, &recorder{}, func(o *Options) {
		o.Throttles = map[schema.SinkID]throttle.Config{
			sinkB.ID: {Strategy: throttle.StrategySliding, Count: 2, Window: time.Second},
		}
	})
	newService(t, router, clock, sinkB, &recorder{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Run(ctx)

	var results []schema.SendResult
	onLoop(t, a, func() {
		for i := 0; i < 3; i++ {
			results = append(results, a.Send(sinkB, schema.Command{ClientKey: schema.ClientKey(i)}))
		}
	})
	assert.Equal(t, []schema.SendResult{schema.SendOK, schema.SendOK, schema.SendBackpressure}, results)
}

func TestStopDrainsMailboxBeforeStopped(t *testing.T) {
	clock := timer.NewSimulated(0, timer.Config{})
	router := newMapRouter()
	rec := &recorder{}
	b := newService(t, router, clock, sinkB, rec, nil)

	for i := 0; i < 10; i++ {
		require.Equal(t, schema.SendOK, b.Accept(bus.Envelope{From: sinkA.ID, To: sinkB.ID, Msg: schema.Command{ClientKey: schema.ClientKey(i)}}))
	}
	b.Run(context.Background())

	res := wait(t, b.Lifecycle().Stop())
	assert.Equal(t, lifecycle.StateStopped, res.State)
	assert.Equal(t, 10, rec.commandCount())
	assert.True(t, b.Idle())

	select {
	case <-b.Done():
	default:
		t.Fatal("worker still running after stop")
	}
	assert.ErrorIs(t, b.Execute(func() {}), exception.ErrDeliveryFailed)
}

func TestStopWithoutRun(t *testing.T) {
	clock := timer.NewSimulated(0, timer.Config{})
	b := newService(t, newMapRouter(), clock, sinkB, &recorder{}, nil)
	res := wait(t, b.Lifecycle().Stop())
	assert.Equal(t, lifecycle.StateStopped, res.State)
}

func TestEnterBroadcastsStatusAndGatesActive(t *testing.T) {
	clock := timer.NewSimulated(0, timer.Config{})
	router := newMapRouter()
	a := newService(t, router, clock, sinkA, &recorder{}, func(o *Options) { o.GateActive = true })
	b := newService(t, router, clock, sinkB, &recorder{}, nil)
	require.NoError(t, a.Depend(sinkB))
	b.Subscribe(sinkA.ID)
	b.Subscribe(sinkA.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Run(ctx)
	b.Run(ctx)

	pending := a.Lifecycle().Activate()
	onLoop(t, a, func() {})
	assert.False(t, pending.IsDone())

	wait(t, b.Lifecycle().Activate())
	res := wait(t, pending)
	assert.Equal(t, lifecycle.StateActive, res.State)

	var st schema.ServiceStatus
	var ok bool
	onLoop(t, a, func() { st, ok = a.Status().Status(sinkB.ID) })
	require.True(t, ok)
	assert.Equal(t, schema.StatusUp, st.Status)
	assert.Equal(t, sinkB.ID, st.Origin)
}

func TestHeartbeatWhileActive(t *testing.T) {
	clock := timer.NewSimulated(0, timer.Config{})
	router := newMapRouter()
	a := newService(t, router, clock, sinkA, &recorder{}, nil)
	b := newService(t, router, clock, sinkB, &recorder{}, func(o *Options) { o.Heartbeat = 10 * time.Millisecond })
	b.Subscribe(sinkA.ID)

	var beats int
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Run(ctx)
	onLoop(t, a, func() {
		_, err := a.Status().TrackSink(sinkB.ID, func(st schema.ServiceStatus) {
			if st.Status == schema.StatusHeartbeat {
				beats++
			}
		})
		assert.NoError(t, err)
	})

	wait(t, b.Lifecycle().Activate())
	clock.Advance(35 * time.Millisecond)
	onLoop(t, a, func() {})
	assert.Equal(t, 3, beats)
}
