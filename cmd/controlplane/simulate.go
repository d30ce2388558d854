package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"controlplane/internal/obs"
	"controlplane/internal/og"
	"controlplane/internal/ops"
	"controlplane/internal/request"
	"controlplane/internal/schema"
	"controlplane/internal/service"
	"controlplane/internal/timer"

	"github.com/spf13/cobra"
)

const settleTimeout = 5 * time.Second

type simOptions struct {
	gateway     string
	orders      int
	quotes      int
	commandType uint16
	requestType uint16
	step        time.Duration
	duration    time.Duration
	seed        int64
	dropRate    float64
}

// simReport is what a simulation run produced.
type simReport struct {
	Elapsed  time.Duration
	Orders   map[og.OrderState]int
	Quotes   map[request.OutcomeStatus]int
	Snapshot obs.Snapshot
}

func buildSimulateCommand() *cobra.Command {
	opts := simOptions{dropRate: -1}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay orders and quotes on a simulated clock and print the outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ops.Load(configFile)
			if err != nil {
				return err
			}
			report, err := simulate(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.gateway, "gateway", "", "gateway service driving the scenario, defaults to the first one")
	cmd.Flags().IntVar(&opts.orders, "orders", 100, "orders to submit")
	cmd.Flags().IntVar(&opts.quotes, "quotes", 20, "quote requests to send")
	cmd.Flags().Uint16Var(&opts.commandType, "command-type", 1, "command type of orders")
	cmd.Flags().Uint16Var(&opts.requestType, "request-type", 1, "request type of quotes")
	cmd.Flags().DurationVar(&opts.step, "step", time.Millisecond, "simulated clock step")
	cmd.Flags().DurationVar(&opts.duration, "duration", 10*time.Second, "simulated time to run after submitting")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "chaos seed override, 0 keeps the configured one")
	cmd.Flags().Float64Var(&opts.dropRate, "drop-rate", -1, "chaos drop rate override, negative keeps the configured one")
	return cmd
}

// simulate runs the configured services on a simulated clock. Orders and quotes are submitted
// at time zero and the clock advances in steps, settling every mailbox after each step, until
// nothing is pending or the duration elapsed.
func simulate(ctx context.Context, cfg ops.Loaded, opts simOptions) (simReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.seed != 0 {
		cfg.Chaos.Seed = opts.seed
	}
	if opts.dropRate >= 0 {
		cfg.Chaos.DropRate = opts.dropRate
	}
	if err := cfg.Chaos.Validate(); err != nil {
		return simReport{}, err
	}
	if opts.step <= 0 {
		opts.step = time.Millisecond
	}

	metrics := obs.NewMetrics(nil)
	clock := timer.NewSimulated(0, cfg.TimerConfig(metrics))
	plant, err := ops.Assemble(cfg, clock, metrics)
	if err != nil {
		return simReport{}, err
	}

	name := opts.gateway
	if name == "" {
		for _, spec := range cfg.Services {
			if spec.Role == ops.RoleGateway {
				name = spec.Sink.Name
				break
			}
		}
	}
	svc, gw, ok := plant.Gateway(name)
	if !ok {
		return simReport{}, fmt.Errorf("no gateway service %q", name)
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := plant.Supervisor.Start(startCtx); err != nil {
		return simReport{}, err
	}
	defer stopPlant(plant)

	settle := func() error {
		ctx, cancel := context.WithTimeout(ctx, settleTimeout)
		defer cancel()
		return plant.Supervisor.Settle(ctx)
	}

	err = svc.Execute(func() {
		for i := 0; i < opts.orders; i++ {
			gw.Submit(svc, schema.Command{ClientKey: gw.NextKey(), Type: schema.CommandType(opts.commandType)})
		}
		for i := 0; i < opts.quotes; i++ {
			gw.Quote(svc, schema.Request{ClientKey: gw.NextKey(), Type: schema.RequestType(opts.requestType)}, nil)
		}
	})
	if err != nil {
		return simReport{}, err
	}
	if err := settle(); err != nil {
		return simReport{}, err
	}

	var pending int
	for elapsed := time.Duration(0); elapsed < opts.duration; elapsed += opts.step {
		if pending, err = pendingOn(svc); err != nil {
			return simReport{}, err
		}
		if pending == 0 {
			break
		}
		clock.Advance(opts.step)
		if err := settle(); err != nil {
			return simReport{}, err
		}
	}

	report := simReport{
		Elapsed:  clock.Passed(),
		Orders:   make(map[og.OrderState]int),
		Quotes:   make(map[request.OutcomeStatus]int),
		Snapshot: metrics.Snapshot(),
	}
	err = svc.Execute(func() {
		for _, st := range []og.OrderState{og.OrderStateSent, og.OrderStateAcked, og.OrderStateRejected, og.OrderStateTimedOut, og.OrderStateFailed} {
			report.Orders[st] = gw.State().Count(st)
		}
		for _, st := range []request.OutcomeStatus{request.OutcomeCompleted, request.OutcomeTimeout, request.OutcomeExhausted} {
			report.Quotes[st] = gw.Quotes(st)
		}
	})
	if err != nil {
		return simReport{}, err
	}
	if err := settle(); err != nil {
		return simReport{}, err
	}
	return report, nil
}

// pendingOn counts the commands and requests svc still tracks, read on its loop.
func pendingOn(svc *service.Service) (int, error) {
	out := make(chan int, 1)
	if err := svc.Execute(func() { out <- svc.Commands().Pending() + svc.Requests().Pending() }); err != nil {
		return 0, err
	}
	return <-out, nil
}

func printReport(w io.Writer, r simReport) {
	fmt.Fprintf(w, "simulated %s\n", r.Elapsed)
	fmt.Fprintf(w, "orders: sent=%d acked=%d rejected=%d timed_out=%d failed=%d\n",
		r.Orders[og.OrderStateSent], r.Orders[og.OrderStateAcked], r.Orders[og.OrderStateRejected],
		r.Orders[og.OrderStateTimedOut], r.Orders[og.OrderStateFailed])
	fmt.Fprintf(w, "quotes: completed=%d timeout=%d exhausted=%d retries=%d\n",
		r.Quotes[request.OutcomeCompleted], r.Quotes[request.OutcomeTimeout], r.Quotes[request.OutcomeExhausted],
		r.Snapshot.RequestRetries)

	results := make([]schema.ResultType, 0, len(r.Snapshot.CommandResults))
	for res := range r.Snapshot.CommandResults {
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for _, res := range results {
		fmt.Fprintf(w, "command %s=%d\n", res, r.Snapshot.CommandResults[res])
	}
	fmt.Fprintf(w, "throttled=%d mailbox_full=%d mailbox_closed=%d\n",
		r.Snapshot.ThrottleRejects, r.Snapshot.MailboxFull, r.Snapshot.MailboxClosed)
	fmt.Fprintf(w, "command_rtt: count=%d min=%s avg=%s max=%s\n",
		r.Snapshot.CommandRoundTrip.Count, r.Snapshot.CommandRoundTrip.Min,
		r.Snapshot.CommandRoundTrip.Avg, r.Snapshot.CommandRoundTrip.Max)
}
