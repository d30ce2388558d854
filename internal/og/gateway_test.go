package og

import (
	"context"
	"testing"
	"time"

	"controlplane/internal/future"
	"controlplane/internal/obs"
	"controlplane/internal/request"
	"controlplane/internal/schema"
	"controlplane/internal/service"
	"controlplane/internal/supervisor"
	"controlplane/internal/timer"
	"controlplane/internal/venue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quoteType schema.RequestType = 1

type idle struct{}

func (idle) OnCommand(*service.Service, schema.Sink, schema.Command) {}
func (idle) OnRequest(*service.Service, schema.Sink, schema.Request) {}

type relay struct {
	sup   *supervisor.Supervisor
	og    schema.Sink
	ogSvc *service.Service
	gw    *Gateway
	strat *service.Service
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	reg := schema.NewRegistry()
	venueSink, err := reg.AddSink("venue", schema.ServiceTypeVenue)
	require.NoError(t, err)
	ogSink, err := reg.AddSink("og", schema.ServiceTypeOrderGateway)
	require.NoError(t, err)
	stratSink, err := reg.AddSink("strat", schema.ServiceTypeStrategy)
	require.NoError(t, err)

	policies := request.PolicyTable{quoteType: {
		Timeout: 100 * time.Millisecond,
		Actions: map[schema.ResponseCode]request.Action{schema.ResponsePartial: request.ActionContinue},
		Default: request.ActionDone,
	}}

	r := &relay{sup: supervisor.New(reg, timer.NewSimulated(0, timer.Config{}), obs.NewMetrics(nil)), og: ogSink}
	_, err = r.sup.Add(service.Options{
		Sink:    venueSink,
		Handler: venue.NewStub(venue.Config{RejectType: 9, RejectReason: 4, Partials: 2}, nil),
	})
	require.NoError(t, err)
	r.gw = NewGateway(GatewayConfig{Venue: venueSink, ReplyToOrigin: true})
	r.ogSvc, err = r.sup.Add(service.Options{
		Sink:     ogSink,
		Handler:  r.gw,
		Policies: policies,
	})
	require.NoError(t, err)
	r.strat, err = r.sup.Add(service.Options{Sink: stratSink, Handler: idle{}, Policies: policies})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.sup.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.sup.Stop(ctx)
	})
	return r
}

func (r *relay) onStrat(t *testing.T, fn func()) {
	t.Helper()
	r.on(t, r.strat, fn)
}

func (r *relay) on(t *testing.T, svc *service.Service, fn func()) {
	t.Helper()
	require.NoError(t, svc.Execute(fn))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.sup.Settle(ctx))
}

func wait[T any](t *testing.T, f *future.Future[T]) T {
	t.Helper()
	require.NotNil(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NoError(t, err)
	return v
}

func TestForwardedCommandAckedToOrigin(t *testing.T) {
	r := newRelay(t)

	var ok, rejected *future.Future[schema.CommandAck]
	r.onStrat(t, func() {
		ok = r.strat.Commands().SendAndTrack(r.og, schema.Command{ClientKey: 42, Type: 1})
		rejected = r.strat.Commands().SendAndTrack(r.og, schema.Command{ClientKey: 43, Type: 9})
	})

	ack := wait(t, ok)
	assert.Equal(t, schema.ClientKey(42), ack.ClientKey)
	assert.Equal(t, schema.ResultOK, ack.Result)

	ack = wait(t, rejected)
	assert.Equal(t, schema.ClientKey(43), ack.ClientKey)
	assert.Equal(t, schema.ResultRejected, ack.Result)
	assert.Equal(t, schema.RejectReason(4), ack.RejectReason)
}

func TestQuoteResponsesRelayedToOrigin(t *testing.T) {
	r := newRelay(t)

	var codes []schema.ResponseCode
	var f *future.Future[request.Outcome]
	r.onStrat(t, func() {
		f = r.strat.Requests().SendAndTrack(r.og, schema.Request{ClientKey: 7, Type: quoteType}, func(resp schema.Response) {
			codes = append(codes, resp.Code)
		})
	})

	out := wait(t, f)
	assert.Equal(t, request.OutcomeCompleted, out.Status)
	assert.Equal(t, schema.ClientKey(7), out.Last.ClientKey)
	assert.Equal(t, 3, out.Responses)
	assert.Equal(t, []schema.ResponseCode{schema.ResponsePartial, schema.ResponsePartial, schema.ResponseDone}, codes)
}

func TestLocalOrdersShareForwardedKeySpace(t *testing.T) {
	r := newRelay(t)

	var local *future.Future[schema.CommandAck]
	var localKey schema.ClientKey
	r.on(t, r.ogSvc, func() {
		r.gw.OnCommand(r.ogSvc, schema.Sink{}, schema.Command{ClientKey: 1, Type: 1})
		localKey = r.gw.NextKey()
		local = r.gw.Submit(r.ogSvc, schema.Command{ClientKey: localKey, Type: 1})
	})

	assert.Equal(t, schema.ClientKey(2), localKey)
	ack := wait(t, local)
	assert.Equal(t, localKey, ack.ClientKey)
	assert.Equal(t, schema.ResultOK, ack.Result)
}
