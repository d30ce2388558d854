// Package og is an order gateway service: it forwards orders to a venue as tracked commands
// and quotes as tracked requests, and keeps per-order state from the outcomes.
package og

import (
	"controlplane/internal/future"
	"controlplane/internal/request"
	"controlplane/internal/schema"
	"controlplane/internal/service"

	"github.com/yanun0323/logs"
)

// GatewayConfig controls the gateway behavior.
type GatewayConfig struct {
	Venue schema.Sink
	// ReplyToOrigin acks the originator of a forwarded command once the venue answered.
	ReplyToOrigin bool
}

type origin struct {
	from schema.Sink
	key  schema.ClientKey
}

// Gateway is the service.Handler of the order gateway. All methods run on the service loop.
type Gateway struct {
	cfg     GatewayConfig
	state   *StateMachine
	nextKey schema.ClientKey
	origins map[schema.ClientKey]origin
	quotes  map[request.OutcomeStatus]int
}

// NewGateway creates a new gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	return &Gateway{
		cfg:     cfg,
		state:   NewStateMachine(),
		origins: make(map[schema.ClientKey]origin),
		quotes:  make(map[request.OutcomeStatus]int),
	}
}

// State returns the underlying order state machine.
func (g *Gateway) State() *StateMachine {
	return g.state
}

// Quotes returns how many quotes finished with status.
func (g *Gateway) Quotes(status request.OutcomeStatus) int {
	return g.quotes[status]
}

// NextKey allocates a client key no other order or quote of this gateway uses. Call it on the
// service loop.
func (g *Gateway) NextKey() schema.ClientKey {
	g.nextKey++
	return g.nextKey
}

// Submit sends an order to the venue and tracks it until acked, rejected or timed out.
func (g *Gateway) Submit(s *service.Service, cmd schema.Command) *future.Future[schema.CommandAck] {
	now := s.Timers().Now()
	if _, err := g.state.ApplySend(cmd.ClientKey, g.cfg.Venue, cmd.Type, now); err != nil {
		return future.Failed[schema.CommandAck](err)
	}

	f := s.Commands().SendAndTrack(g.cfg.Venue, cmd)
	f.OnComplete(func(ack schema.CommandAck, err error) {
		now := s.Timers().Now()
		if err != nil {
			logs.Warnf("[%s] order %d not delivered, err: %+v", s.Sink().Name, cmd.ClientKey, err)
			_, _ = g.state.ApplyFailure(cmd.ClientKey, now)
			return
		}
		if _, err := g.state.ApplyAck(ack, now); err != nil {
			logs.Errorf("[%s] apply ack %d, err: %+v", s.Sink().Name, ack.ClientKey, err)
		}
	})
	return f
}

// Quote sends a request to the venue. handler observes every response and may be nil.
func (g *Gateway) Quote(s *service.Service, req schema.Request, handler request.ResponseHandler) *future.Future[request.Outcome] {
	f := s.Requests().SendAndTrack(g.cfg.Venue, req, handler)
	f.OnComplete(func(out request.Outcome, err error) {
		if err != nil {
			logs.Warnf("[%s] quote %d failed, err: %+v", s.Sink().Name, req.ClientKey, err)
			return
		}
		g.quotes[out.Status]++
	})
	return f
}

// OnCommand forwards an order from another service under a gateway-assigned key.
func (g *Gateway) OnCommand(s *service.Service, from schema.Sink, cmd schema.Command) {
	key := g.NextKey()
	g.origins[key] = origin{from: from, key: cmd.ClientKey}

	fwd := cmd
	fwd.ClientKey = key
	g.Submit(s, fwd).OnComplete(func(ack schema.CommandAck, err error) {
		o := g.origins[key]
		delete(g.origins, key)
		if !g.cfg.ReplyToOrigin || o.from.ID == 0 {
			return
		}
		reply := schema.CommandAck{ClientKey: o.key, Result: ack.Result, RejectReason: ack.RejectReason}
		if err != nil {
			reply.Result = schema.ResultRejected
		}
		if res := s.Send(o.from, reply); res != schema.SendOK {
			logs.Warnf("[%s] ack to %s for %d not delivered: %s", s.Sink().Name, o.from, o.key, res)
		}
	})
}

// OnRequest relays a quote request to the venue and every response back to the originator.
func (g *Gateway) OnRequest(s *service.Service, from schema.Sink, req schema.Request) {
	fwd := req
	fwd.ClientKey = g.NextKey()
	g.Quote(s, fwd, func(resp schema.Response) {
		resp.ClientKey = req.ClientKey
		if res := s.Send(from, resp); res != schema.SendOK {
			logs.Warnf("[%s] response to %s for %d not delivered: %s", s.Sink().Name, from, req.ClientKey, res)
		}
	})
}
