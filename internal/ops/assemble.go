package ops

import (
	"fmt"

	"controlplane/internal/chaos"
	"controlplane/internal/errors"
	"controlplane/internal/obs"
	"controlplane/internal/og"
	"controlplane/internal/service"
	"controlplane/internal/supervisor"
	"controlplane/internal/timer"
	"controlplane/internal/venue"

	"github.com/yanun0323/logs"
)

// Plant is a wired supervisor with the application handlers of its services.
type Plant struct {
	Supervisor *supervisor.Supervisor
	Gateways   map[string]*og.Gateway
	Venues     map[string]*venue.Stub
}

// Gateway returns the service and handler of the named gateway.
func (p *Plant) Gateway(name string) (*service.Service, *og.Gateway, bool) {
	gw, ok := p.Gateways[name]
	if !ok {
		return nil, nil, false
	}
	svc, ok := p.Supervisor.Service(name)
	return svc, gw, ok
}

// Assemble builds every configured service on timers. Services are added in config order,
// which is also their start order.
func Assemble(cfg Loaded, timers timer.Service, metrics *obs.Metrics) (*Plant, error) {
	plant := &Plant{
		Supervisor: supervisor.New(cfg.Registry, timers, metrics),
		Gateways:   make(map[string]*og.Gateway),
		Venues:     make(map[string]*venue.Stub),
	}

	for i, spec := range cfg.Services {
		var handler service.Handler
		switch spec.Role {
		case RoleVenue:
			var engine *chaos.Engine
			if cfg.Chaos.Enabled() {
				chaosCfg := cfg.Chaos
				chaosCfg.Seed += int64(i)
				e, err := chaos.NewEngine(chaosCfg)
				if err != nil {
					return nil, err
				}
				engine = e
			}
			stub := venue.NewStub(spec.Venue, engine)
			plant.Venues[spec.Sink.Name] = stub
			handler = stub
		case RoleGateway:
			gw := og.NewGateway(spec.Gateway)
			plant.Gateways[spec.Sink.Name] = gw
			handler = gw
		default:
			return nil, fmt.Errorf("service %s: no handler for role %d", spec.Sink.Name, spec.Role)
		}

		_, err := plant.Supervisor.Add(service.Options{
			Sink:           spec.Sink,
			SystemID:       cfg.SystemID,
			MailboxSize:    spec.MailboxSize,
			Handler:        handler,
			CommandTimeout: spec.CommandTimeout,
			Policies:       cfg.Policies,
			Throttles:      spec.Throttles,
			GateActive:     spec.GateActive,
			Heartbeat:      spec.Heartbeat,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "service %s", spec.Sink.Name)
		}
	}

	for _, spec := range cfg.Services {
		svc, _ := plant.Supervisor.Service(spec.Sink.Name)
		for _, dep := range spec.DependsOn {
			if err := svc.Depend(dep); err != nil {
				return nil, errors.Wrapf(err, "service %s", spec.Sink.Name)
			}
			if up, ok := plant.Supervisor.Service(dep.Name); ok {
				up.Subscribe(spec.Sink.ID)
			}
		}
		for _, typ := range spec.DependsOnTypes {
			if err := svc.DependOnType(typ); err != nil {
				return nil, errors.Wrapf(err, "service %s", spec.Sink.Name)
			}
			for _, up := range plant.Supervisor.Services() {
				if up.Sink().Type == typ && up.Sink().ID != spec.Sink.ID {
					up.Subscribe(spec.Sink.ID)
				}
			}
		}
	}
	return plant, nil
}

// TimerConfig returns the configured timer settings with task panics logged and counted.
func (l Loaded) TimerConfig(metrics *obs.Metrics) timer.Config {
	cfg := l.Timer
	cfg.OnPanic = func(recovered any) {
		metrics.IncTimerPanic()
		logs.Errorf("timer task panicked: %v", recovered)
	}
	return cfg
}
