// Package supervisor routes envelopes between services and drives their lifecycles.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"controlplane/internal/bus"
	"controlplane/internal/errors"
	"controlplane/internal/lifecycle"
	"controlplane/internal/obs"
	"controlplane/internal/schema"
	"controlplane/internal/service"
	"controlplane/internal/timer"
	"controlplane/pkg/exception"

	"github.com/yanun0323/logs"
)

const settlePoll = 100 * time.Microsecond

// Supervisor owns the routing table and the start/stop order of its services.
type Supervisor struct {
	registry  *schema.Registry
	timers    timer.Service
	metrics   *obs.Metrics
	sequencer *obs.Sequencer
	inFlight  atomic.Int64

	mu     sync.RWMutex
	routes map[schema.SinkID]*service.Service
	order  []*service.Service

	cancel context.CancelFunc
}

func New(registry *schema.Registry, timers timer.Service, metrics *obs.Metrics) *Supervisor {
	return &Supervisor{
		registry:  registry,
		timers:    timers,
		metrics:   metrics,
		sequencer: obs.NewSequencer(0),
		routes:    make(map[schema.SinkID]*service.Service),
	}
}

// Registry returns the sink registry.
func (s *Supervisor) Registry() *schema.Registry { return s.registry }

// Timers returns the shared timer service.
func (s *Supervisor) Timers() timer.Service { return s.timers }

// Sink resolves a sink id.
func (s *Supervisor) Sink(id schema.SinkID) (schema.Sink, bool) {
	return s.registry.Sink(id)
}

// Route points id at svc, replacing any previous route.
func (s *Supervisor) Route(id schema.SinkID, svc *service.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[id] = svc
}

// Deliver publishes env on the mailbox routed for env.To.
func (s *Supervisor) Deliver(env bus.Envelope) schema.SendResult {
	s.mu.RLock()
	svc, ok := s.routes[env.To]
	s.mu.RUnlock()
	if !ok {
		return schema.SendUnknownSink
	}
	return svc.Accept(env)
}

// Add builds a service wired to this supervisor and routes its sink to it. Services start in
// the order they were added and stop in reverse.
func (s *Supervisor) Add(opts service.Options) (*service.Service, error) {
	if _, ok := s.registry.Sink(opts.Sink.ID); !ok {
		return nil, fmt.Errorf("%w: %s", exception.ErrUnknownSink, opts.Sink)
	}
	opts.Router = s
	opts.Timers = s.timers
	opts.Metrics = s.metrics
	opts.Sequencer = s.sequencer
	opts.InFlight = &s.inFlight

	svc, err := service.New(opts)
	if err != nil {
		return nil, err
	}
	s.Route(opts.Sink.ID, svc)

	s.mu.Lock()
	s.order = append(s.order, svc)
	s.mu.Unlock()
	return svc, nil
}

// Service returns the service behind name.
func (s *Supervisor) Service(name string) (*service.Service, bool) {
	sink, ok := s.registry.SinkByName(name)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.routes[sink.ID]
	return svc, ok
}

// Services returns the services in start order.
func (s *Supervisor) Services() []*service.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*service.Service(nil), s.order...)
}

// Start starts the timer and then each service's worker and lifecycle in order. ctx bounds
// the wait for each service to become active, not the lifetime of the workers.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.timers.IsActive() {
		if err := s.timers.Start(); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, svc := range s.Services() {
		svc.Run(runCtx)
		res, err := svc.Lifecycle().Start().Wait(ctx)
		if err != nil {
			return errors.Wrapf(err, "start %s", svc.Sink())
		}
		if res.Rejected {
			return fmt.Errorf("start %s: %w at %s", svc.Sink(), exception.ErrRejected, res.State)
		}
		logs.Infof("service %s active", svc.Sink())
	}
	return nil
}

// Stop moves every service to Stopped in reverse start order, waiting for each worker to
// drain, then stops the timer.
func (s *Supervisor) Stop(ctx context.Context) error {
	services := s.Services()
	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		res, err := svc.Lifecycle().Stop().Wait(ctx)
		switch {
		case err != nil:
			errs = append(errs, errors.Wrapf(err, "stop %s", svc.Sink()))
			continue
		case res.Rejected || res.State != lifecycle.StateStopped:
			errs = append(errs, fmt.Errorf("stop %s: %w at %s", svc.Sink(), exception.ErrNotStopped, res.State))
			continue
		}
		logs.Infof("service %s stopped", svc.Sink())
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.timers.Stop()
	return errors.Join(errs...)
}

// Settle blocks until every service has dispatched everything it accepted.
func (s *Supervisor) Settle(ctx context.Context) error {
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		if s.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
