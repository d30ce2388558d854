// Package venue is a stand-in exchange: it acks commands and answers quote requests, with
// optional chaos on the replies.
package venue

import (
	"controlplane/internal/chaos"
	"controlplane/internal/schema"
	"controlplane/internal/service"

	"github.com/yanun0323/logs"
)

// Config controls the stub's answers.
type Config struct {
	// RejectType is a command type the venue always rejects. Zero rejects nothing.
	RejectType   schema.CommandType  `yaml:"reject_type"`
	RejectReason schema.RejectReason `yaml:"reject_reason"`
	// Partials is the number of partial responses sent before the final one.
	Partials int `yaml:"partials"`
}

// Stub is the service.Handler of a venue.
type Stub struct {
	cfg      Config
	chaos    *chaos.Engine
	commands int
	requests int
}

// NewStub creates a venue stub. engine may be nil.
func NewStub(cfg Config, engine *chaos.Engine) *Stub {
	return &Stub{cfg: cfg, chaos: engine}
}

// Commands returns the number of commands received.
func (v *Stub) Commands() int { return v.commands }

// Requests returns the number of requests received.
func (v *Stub) Requests() int { return v.requests }

func (v *Stub) OnCommand(s *service.Service, from schema.Sink, cmd schema.Command) {
	v.commands++
	ack := schema.CommandAck{ClientKey: cmd.ClientKey, Result: schema.ResultOK}
	if v.cfg.RejectType != 0 && cmd.Type == v.cfg.RejectType {
		ack.Result = schema.ResultRejected
		ack.RejectReason = v.cfg.RejectReason
	}
	v.reply(s, from, ack)
}

func (v *Stub) OnRequest(s *service.Service, from schema.Sink, req schema.Request) {
	v.requests++
	for i := 0; i < v.cfg.Partials; i++ {
		v.reply(s, from, schema.Response{ClientKey: req.ClientKey, Type: req.Type, Code: schema.ResponsePartial})
	}
	v.reply(s, from, schema.Response{ClientKey: req.ClientKey, Type: req.Type, Code: schema.ResponseDone, Payload: req.Payload})
}

func (v *Stub) reply(s *service.Service, to schema.Sink, msg schema.Message) {
	for _, d := range v.chaos.Process(msg) {
		if d.Delay <= 0 {
			v.send(s, to, d.Msg)
			continue
		}
		d := d
		// The timer fires off the loop, so the send is marshalled back onto it.
		s.Timers().Schedule(d.Delay, func() {
			if err := s.Execute(func() { v.send(s, to, d.Msg) }); err != nil {
				logs.Warnf("[%s] delayed %s to %s dropped, err: %+v", s.Sink().Name, d.Msg.Kind(), to, err)
			}
		})
	}
}

func (v *Stub) send(s *service.Service, to schema.Sink, msg schema.Message) {
	if res := s.Send(to, msg); res != schema.SendOK {
		logs.Warnf("[%s] %s to %s not delivered: %s", s.Sink().Name, msg.Kind(), to, res)
	}
}
