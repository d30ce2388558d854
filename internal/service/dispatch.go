package service

import (
	"controlplane/internal/bus"
	"controlplane/internal/schema"

	"github.com/yanun0323/logs"
)

func (s *Service) dispatch(env bus.Envelope) {
	defer s.inFlight.Add(-1)
	if env.Msg == nil {
		logs.Errorf("[%s] empty envelope %d from sink %d dropped", s.sink.Name, env.Seq, env.From)
		return
	}
	s.metrics.ObserveMessage(s.sink.Name, env.Msg.Kind())

	switch msg := env.Msg.(type) {
	case schema.Command:
		s.handler.OnCommand(s, s.from(env), msg)
	case schema.CommandAck:
		s.commands.OnAck(msg)
	case schema.Request:
		s.handler.OnRequest(s, s.from(env), msg)
	case schema.Response:
		s.requests.OnResponse(msg)
	case schema.TimerEvent:
		s.onTimer(msg)
	case schema.ServiceStatus:
		msg.TsRecv = s.timers.Now()
		if s.status.OnMessage(msg) {
			s.metrics.IncStatusChange(s.sink.Name)
		}
	case schema.Call:
		msg.Fn()
	default:
		logs.Errorf("[%s] unhandled message kind %s from sink %d", s.sink.Name, env.Msg.Kind(), env.From)
	}
}

func (s *Service) onTimer(ev schema.TimerEvent) {
	switch ev.Timer {
	case schema.TimerCommandTimeout:
		s.commands.OnTimer(ev)
	case schema.TimerRequestTimeout, schema.TimerRequestRetry:
		s.requests.OnTimer(ev)
	default:
		logs.Errorf("[%s] unknown timer kind %s for key %d", s.sink.Name, ev.Timer, ev.ClientKey)
	}
}

func (s *Service) from(env bus.Envelope) schema.Sink {
	if sink, ok := s.router.Sink(env.From); ok {
		return sink
	}
	return schema.Sink{ID: env.From}
}
