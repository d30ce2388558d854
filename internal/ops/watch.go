package ops

import (
	"context"
	"errors"
	"os"
	"time"

	"controlplane/internal/schema"
	"controlplane/internal/throttle"

	"github.com/yanun0323/logs"
)

// Watcher reloads a config file when its modification time moves forward.
type Watcher struct {
	path     string
	interval time.Duration
	lastMod  time.Time
}

// NewWatcher records the current modification time of path as the baseline, so only changes
// made after it returns are reported.
func NewWatcher(path string, interval time.Duration) *Watcher {
	w := &Watcher{path: path, interval: interval}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

// Run polls every interval and calls update with the resolved config on each change until ctx
// is done. Files that fail to load are skipped until they change again.
func (w *Watcher) Run(ctx context.Context, update func(Loaded)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				logs.Errorf("config stat failed: %v", err)
				continue
			}
			if !info.ModTime().After(w.lastMod) {
				continue
			}
			w.lastMod = info.ModTime()
			loaded, err := Load(w.path)
			if err != nil {
				logs.Errorf("config reload failed: %v", err)
				continue
			}
			update(loaded)
			logs.Infof("config reloaded: %s", w.path)
		}
	}
}

// ApplyThrottles installs the throttle limits of cfg on the running services. Services and
// sinks are matched by name; the rest of cfg needs a restart to take effect.
func (p *Plant) ApplyThrottles(cfg Loaded) error {
	var errs []error
	for _, spec := range cfg.Services {
		svc, ok := p.Supervisor.Service(spec.Sink.Name)
		if !ok {
			logs.Warnf("config reload: service %s is not running, skipped", spec.Sink.Name)
			continue
		}
		limits := make(map[schema.SinkID]throttle.Config, len(spec.Throttles))
		for id, tc := range spec.Throttles {
			dst, ok := cfg.Registry.Sink(id)
			if !ok {
				continue
			}
			running, ok := p.Supervisor.Registry().SinkByName(dst.Name)
			if !ok {
				logs.Warnf("config reload: sink %s is not running, skipped", dst.Name)
				continue
			}
			limits[running.ID] = tc
		}
		if len(limits) == 0 {
			continue
		}
		err := svc.Execute(func() {
			for dst, tc := range limits {
				if err := svc.Gate().Set(dst, tc); err != nil {
					logs.Errorf("[%s] throttle to %d: %v", svc.Sink().Name, dst, err)
				}
			}
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
