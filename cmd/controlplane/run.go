package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"controlplane/internal/obs"
	"controlplane/internal/ops"
	"controlplane/internal/schema"
	"controlplane/internal/timer"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

const (
	startTimeout   = 10 * time.Second
	stopTimeout    = 10 * time.Second
	reloadInterval = time.Second
)

type runOptions struct {
	rate        int
	commandType uint16
}

func buildRunCommand() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start every configured service on the wall clock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runControlPlane(cmd.Context(), configFile, opts)
		},
	}
	cmd.Flags().IntVar(&opts.rate, "rate", 0, "orders per second submitted by each gateway, 0 disables")
	cmd.Flags().Uint16Var(&opts.commandType, "command-type", 1, "command type of submitted orders")
	return cmd
}

func runControlPlane(ctx context.Context, path string, opts runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := ops.Load(path)
	if err != nil {
		return err
	}

	if cfg.Profiling.Enabled {
		profiler, err := startProfiler(cfg.Profiling)
		if err != nil {
			return err
		}
		defer func() {
			if err := profiler.Stop(); err != nil {
				logs.Errorf("pyroscope stop failed: %v", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	wheel, err := timer.NewWheel(cfg.TimerConfig(metrics))
	if err != nil {
		return err
	}
	plant, err := ops.Assemble(cfg, wheel, metrics)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	startCtx, cancelStart := context.WithTimeout(ctx, startTimeout)
	err = plant.Supervisor.Start(startCtx)
	cancelStart()
	if err != nil {
		stopPlant(plant)
		return err
	}
	logs.Infof("control plane started: services=%d system_id=%d", len(cfg.Services), cfg.SystemID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ops.NewWatcher(path, reloadInterval).Run(runCtx, func(next ops.Loaded) {
		if err := plant.ApplyThrottles(next); err != nil {
			logs.Errorf("apply throttles failed: %v", err)
		}
	})
	if opts.rate > 0 {
		go driveOrders(runCtx, plant, opts)
	}

	select {
	case <-sys.Shutdown():
		logs.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()
	return stopPlant(plant)
}

func stopPlant(plant *ops.Plant) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := plant.Supervisor.Stop(ctx); err != nil {
		logs.Errorf("stop failed: %v", err)
		return err
	}
	logs.Info("control plane stopped")
	return nil
}

// driveOrders submits orders from every gateway at a steady rate until ctx is done.
func driveOrders(ctx context.Context, plant *ops.Plant, opts runOptions) {
	ticker := time.NewTicker(time.Second / time.Duration(opts.rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name := range plant.Gateways {
				svc, gw, ok := plant.Gateway(name)
				if !ok {
					continue
				}
				err := svc.Execute(func() {
					gw.Submit(svc, schema.Command{ClientKey: gw.NextKey(), Type: schema.CommandType(opts.commandType)})
				})
				if err != nil {
					logs.Warnf("[%s] order not queued: %v", name, err)
				}
			}
		}
	}
}

func serveMetrics(cfg ops.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logs.Infof("metrics listening on %s%s", cfg.Listen, cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errorf("metrics server failed: %v", err)
		}
	}()
	return srv
}

func startProfiler(cfg ops.ProfilingConfig) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.App,
		ServerAddress:   cfg.Server,
		Tags:            cfg.Tags,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

// profilerLogger keeps pyroscope quiet except for errors.
type profilerLogger struct{}

func (profilerLogger) Infof(_ string, _ ...interface{})  {}
func (profilerLogger) Debugf(_ string, _ ...interface{}) {}
func (profilerLogger) Errorf(format string, args ...interface{}) {
	logs.Errorf("pyroscope: "+format, args...)
}
