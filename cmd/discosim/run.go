package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/discovery-collab-sim/internal/logging"
	"github.com/signalsfoundry/discovery-collab-sim/internal/observability"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/internal/sim"
	"github.com/signalsfoundry/discovery-collab-sim/timectrl"
)

type runOptions struct {
	mode        string
	pacing      string
	speed       float64
	metricsAddr string
	healthAddr  string
	reportPath  string
	quiet       bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario and print the final report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.mode, "mode", "sequential", "execution mode: sequential or concurrent")
	cmd.Flags().StringVar(&opts.pacing, "pacing", "accelerated", "virtual time pacing: accelerated or realtime")
	cmd.Flags().Float64Var(&opts.speed, "speed", 1, "realtime pacing speed-up factor")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address")
	cmd.Flags().StringVar(&opts.healthAddr, "health-addr", "", "serve the gRPC health service on this address")
	cmd.Flags().StringVar(&opts.reportPath, "report", "", "write the JSON report to this file (- for stdout)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "skip the configuration and summary tables")
	return cmd
}

func runScenario(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	scenario, err := root.scenario(cmd)
	if err != nil {
		return err
	}
	mode, err := sim.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	pacing, err := timectrl.ParseMode(opts.pacing)
	if err != nil {
		return err
	}

	log, closeLog, err := root.logger(stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	collector, err := observability.NewProtocolCollector(reg)
	if err != nil {
		return err
	}
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		srv, err := serveMetrics(ctx, opts.metricsAddr, collector, log)
		if err != nil {
			return err
		}
		defer shutdownServer(srv)
	}

	observers := []protocol.Observer{collector}
	if opts.healthAddr != "" {
		health, err := serveHealth(ctx, opts.healthAddr, collector, log)
		if err != nil {
			return err
		}
		defer health.Stop()
		defer health.Finish()
		observers = append(observers, health)
	}

	if !opts.quiet {
		if err := sim.WriteConfigSummary(stdout, scenario); err != nil {
			return err
		}
		fmt.Fprintln(stdout)
	}

	run, err := sim.New(scenario, sim.Options{
		Mode:              mode,
		Pacing:            pacing,
		Speed:             opts.speed,
		Observer:          protocol.Observers(observers...),
		TransportObserver: collector,
		Logger:            log,
		OnTimeAdvance:     collector.SimTimeListener(sim.DefaultEpoch),
		OnBatch:           schedMetrics.ObserveBatch,
	})
	if err != nil {
		return err
	}

	started := time.Now()
	report, err := run.Run(ctx)
	if err != nil {
		return err
	}
	log.Info(ctx, "run complete",
		logging.String("run_id", report.RunID),
		logging.Duration("wall_time", time.Since(started)),
	)

	if !opts.quiet {
		if err := report.WriteSummary(stdout); err != nil {
			return err
		}
	}
	return writeReport(stdout, opts.reportPath, report)
}

func writeReport(stdout io.Writer, path string, report *sim.Report) error {
	switch path {
	case "":
		return nil
	case "-":
		return report.WriteJSON(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := report.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func serveMetrics(ctx context.Context, addr string, collector *observability.ProtocolCollector, log logging.Logger) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, "metrics server exited", logging.String("error", err.Error()))
		}
	}()
	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", lis.Addr().String()))
	return srv, nil
}

func serveHealth(ctx context.Context, addr string, collector *observability.ProtocolCollector, log logging.Logger) (*observability.HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for health: %w", err)
	}
	health := observability.NewHealthServer(collector)
	go func() {
		if err := health.Serve(lis); err != nil {
			log.Warn(ctx, "health server exited", logging.String("error", err.Error()))
		}
	}()
	log.Info(ctx, "serving gRPC health", logging.String("addr", lis.Addr().String()))
	return health, nil
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
