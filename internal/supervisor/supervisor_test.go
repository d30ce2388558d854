package supervisor

import (
	"context"
	"testing"
	"time"

	"controlplane/internal/bus"
	"controlplane/internal/chaos"
	"controlplane/internal/lifecycle"
	"controlplane/internal/obs"
	"controlplane/internal/og"
	"controlplane/internal/request"
	"controlplane/internal/schema"
	"controlplane/internal/service"
	"controlplane/internal/throttle"
	"controlplane/internal/timer"
	"controlplane/internal/venue"
	"controlplane/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quoteType schema.RequestType = 1

type fixture struct {
	sup     *Supervisor
	clock   *timer.Simulated
	metrics *obs.Metrics
	gw      *og.Gateway
	stub    *venue.Stub
	og      *service.Service
	venue   *service.Service
}

func newFixture(t *testing.T, chaosCfg chaos.Config, throttles map[schema.SinkID]throttle.Config) *fixture {
	t.Helper()
	reg := schema.NewRegistry()
	venueSink, err := reg.AddSink("venue", schema.ServiceTypeVenue)
	require.NoError(t, err)
	ogSink, err := reg.AddSink("og", schema.ServiceTypeOrderGateway)
	require.NoError(t, err)

	f := &fixture{clock: timer.NewSimulated(0, timer.Config{}), metrics: obs.NewMetrics(nil)}
	f.sup = New(reg, f.clock, f.metrics)

	var engine *chaos.Engine
	if chaosCfg.Enabled() {
		engine, err = chaos.NewEngine(chaosCfg)
		require.NoError(t, err)
	}
	f.stub = venue.NewStub(venue.Config{Partials: 1}, engine)
	f.venue, err = f.sup.Add(service.Options{Sink: venueSink, Handler: f.stub})
	require.NoError(t, err)

	f.gw = og.NewGateway(og.GatewayConfig{Venue: venueSink})
	f.og, err = f.sup.Add(service.Options{
		Sink:           ogSink,
		Handler:        f.gw,
		CommandTimeout: 100 * time.Millisecond,
		Policies: request.PolicyTable{quoteType: {
			Timeout:    100 * time.Millisecond,
			MaxRetries: 2,
			Actions:    map[schema.ResponseCode]request.Action{schema.ResponsePartial: request.ActionContinue},
			Default:    request.ActionDone,
		}},
		Throttles:  throttles,
		GateActive: true,
	})
	require.NoError(t, err)
	require.NoError(t, f.og.Depend(venueSink))
	f.venue.Subscribe(ogSink.ID)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.sup.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.sup.Stop(ctx)
	})
}

func (f *fixture) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.sup.Settle(ctx))
}

func (f *fixture) onOG(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.og.Execute(fn))
	f.settle(t)
}

func TestStartActivatesInOrder(t *testing.T) {
	f := newFixture(t, chaos.Config{}, nil)
	f.start(t)

	assert.Equal(t, lifecycle.StateActive, f.venue.Lifecycle().State())
	assert.Equal(t, lifecycle.StateActive, f.og.Lifecycle().State())

	svc, ok := f.sup.Service("og")
	require.True(t, ok)
	assert.Same(t, f.og, svc)
	assert.Len(t, f.sup.Services(), 2)
}

func TestOrdersAckedThroughVenue(t *testing.T) {
	f := newFixture(t, chaos.Config{}, nil)
	f.start(t)

	f.onOG(t, func() {
		for k := schema.ClientKey(1); k <= 5; k++ {
			f.gw.Submit(f.og, schema.Command{ClientKey: k, Type: 1})
		}
	})

	assert.Equal(t, 5, f.gw.State().Count(og.OrderStateAcked))
	assert.Equal(t, 5, f.stub.Commands())
	assert.Equal(t, uint64(5), f.metrics.Snapshot().CommandResults[schema.ResultOK])
}

func TestOrdersTimeOutWhenVenueDrops(t *testing.T) {
	f := newFixture(t, chaos.Config{Seed: 1, DropRate: 1}, nil)
	f.start(t)

	f.onOG(t, func() { f.gw.Submit(f.og, schema.Command{ClientKey: 1}) })
	assert.Equal(t, 1, f.gw.State().Count(og.OrderStateSent))

	f.clock.Advance(100 * time.Millisecond)
	f.settle(t)
	assert.Equal(t, 1, f.gw.State().Count(og.OrderStateTimedOut))
}

func TestThrottledOrderFails(t *testing.T) {
	f := newFixture(t, chaos.Config{}, map[schema.SinkID]throttle.Config{
		1: {Strategy: throttle.StrategySliding, Count: 2, Window: time.Second},
	})
	f.start(t)

	f.onOG(t, func() {
		for k := schema.ClientKey(1); k <= 3; k++ {
			f.gw.Submit(f.og, schema.Command{ClientKey: k})
		}
	})
	assert.Equal(t, 2, f.gw.State().Count(og.OrderStateAcked))
	assert.Equal(t, 1, f.gw.State().Count(og.OrderStateFailed))
	assert.Equal(t, uint64(1), f.metrics.Snapshot().ThrottleRejects)
}

func TestQuoteCompletesWithPartials(t *testing.T) {
	f := newFixture(t, chaos.Config{}, nil)
	f.start(t)

	var codes []schema.ResponseCode
	f.onOG(t, func() {
		f.gw.Quote(f.og, schema.Request{ClientKey: 1, Type: quoteType}, func(r schema.Response) {
			codes = append(codes, r.Code)
		})
	})
	assert.Equal(t, []schema.ResponseCode{schema.ResponsePartial, schema.ResponseDone}, codes)
	assert.Equal(t, 1, f.gw.Quotes(request.OutcomeCompleted))
}

func TestQuoteRetriesThenTimesOut(t *testing.T) {
	f := newFixture(t, chaos.Config{Seed: 1, DropRate: 1}, nil)
	f.start(t)

	f.onOG(t, func() { f.gw.Quote(f.og, schema.Request{ClientKey: 1, Type: quoteType}, nil) })
	for i := 0; i < 3; i++ {
		f.clock.Advance(100 * time.Millisecond)
		f.settle(t)
	}
	assert.Equal(t, 3, f.stub.Requests())
	assert.Equal(t, 1, f.gw.Quotes(request.OutcomeTimeout))
	assert.Equal(t, uint64(2), f.metrics.Snapshot().RequestRetries)
}

func TestStopReverseOrder(t *testing.T) {
	f := newFixture(t, chaos.Config{}, nil)
	f.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.sup.Stop(ctx))

	assert.Equal(t, lifecycle.StateStopped, f.og.Lifecycle().State())
	assert.Equal(t, lifecycle.StateStopped, f.venue.Lifecycle().State())
	assert.False(t, f.clock.IsActive())
	assert.Equal(t, schema.SendClosed, f.sup.Deliver(bus.Envelope{To: 1, Msg: schema.Command{}}))
}

func TestDeliverUnknownSink(t *testing.T) {
	f := newFixture(t, chaos.Config{}, nil)
	assert.Equal(t, schema.SendUnknownSink, f.sup.Deliver(bus.Envelope{To: 42}))

	_, err := f.sup.Add(service.Options{Sink: schema.Sink{ID: 42, Name: "ghost"}})
	assert.ErrorIs(t, err, exception.ErrUnknownSink)
}
