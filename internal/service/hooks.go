package service

import (
	"time"

	"controlplane/internal/future"
	"controlplane/internal/lifecycle"
	"controlplane/internal/schema"
	"controlplane/internal/timer"

	"github.com/yanun0323/logs"
)

func (s *Service) hooks(app lifecycle.Hooks, gateActive bool) lifecycle.Hooks {
	h := app
	h.PendingStopped = chainPending(app.PendingStopped, s.drain)
	if gateActive {
		h.PendingActive = chainPending(app.PendingActive, s.dependenciesUp)
	}
	h.Enter = func(to lifecycle.State) {
		if app.Enter != nil {
			app.Enter(to)
		}
		s.onEnter(to)
	}
	return h
}

// chainPending runs next only after first approved.
func chainPending(first, next lifecycle.PendingHook) lifecycle.PendingHook {
	if first == nil {
		return next
	}
	return func() *future.Future[bool] {
		f := first()
		if f == nil {
			return next()
		}
		return future.Then(f, func(ok bool) *future.Future[bool] {
			if !ok {
				return future.Completed(false)
			}
			return next()
		})
	}
}

// drain closes the mailbox and resolves once the worker has processed what was queued and
// exited. Trackers are stopped afterwards, when no worker can touch them anymore.
func (s *Service) drain() *future.Future[bool] {
	s.mailbox.Close()
	f := future.New[bool]()
	if !s.started.Load() {
		s.stopTrackers()
		f.Complete(true)
		return f
	}

	go func() {
		ticker := time.NewTicker(s.stopPoll)
		defer ticker.Stop()
		for range ticker.C {
			if s.mailbox.Exited() {
				break
			}
		}
		<-s.done
		s.stopTrackers()
		f.Complete(true)
	}()
	return f
}

func (s *Service) stopTrackers() {
	s.commands.Stop()
	s.requests.Stop()
	for _, w := range s.upWaiters {
		w.Complete(false)
	}
	s.upWaiters = nil
}

// dependenciesUp resolves once every tracked dependency reports up.
func (s *Service) dependenciesUp() *future.Future[bool] {
	f := future.New[bool]()
	err := s.Execute(func() {
		if !s.status.IsTracking() || s.status.AllUp() {
			f.Complete(true)
			return
		}
		logs.Infof("[%s] waiting for dependencies before active", s.sink.Name)
		s.upWaiters = append(s.upWaiters, f)
	})
	if err != nil {
		f.Fail(err)
	}
	return f
}

func statusFor(state lifecycle.State) (schema.StatusType, bool) {
	switch state {
	case lifecycle.StateWarmup:
		return schema.StatusWarmup, true
	case lifecycle.StateRecovery:
		return schema.StatusRecovery, true
	case lifecycle.StateActive:
		return schema.StatusUp, true
	case lifecycle.StateReset, lifecycle.StateStopped:
		return schema.StatusDown, true
	default:
		return schema.StatusUnknown, false
	}
}

func (s *Service) onEnter(to lifecycle.State) {
	st, ok := statusFor(to)
	if !ok {
		return
	}
	s.broadcast(st)
	if to == lifecycle.StateActive && s.heartbeat > 0 {
		s.scheduleHeartbeat()
	}
}

func (s *Service) scheduleHeartbeat() {
	s.timers.ScheduleWithHandler(s.heartbeat, func() {
		if s.lc.State() != lifecycle.StateActive {
			return
		}
		s.broadcast(schema.StatusHeartbeat)
		s.scheduleHeartbeat()
	}, timer.PanicHandler(func(recovered any) {
		logs.Errorf("[%s] heartbeat panicked: %v", s.sink.Name, recovered)
	}))
}

// broadcast sends st to every subscriber, bypassing the throttle gate. Safe for concurrent use.
func (s *Service) broadcast(st schema.StatusType) {
	now := s.timers.Now()
	msg := schema.ServiceStatus{
		SystemID: s.systemID,
		Origin:   s.sink.ID,
		Sink:     s.sink,
		Status:   st,
		TsEvent:  now,
	}

	s.subMu.RLock()
	subs := append([]schema.SinkID(nil), s.subscribers...)
	s.subMu.RUnlock()

	for _, id := range subs {
		dst, ok := s.router.Sink(id)
		if !ok {
			continue
		}
		if res := s.deliver(dst, msg); res != schema.SendOK {
			logs.Warnf("[%s] status %s to %s not delivered: %s", s.sink.Name, st, dst, res)
		}
	}
}
